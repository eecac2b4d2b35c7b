package presence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookConnection pushes payloads to a recipient's registered callback URL.
type WebhookConnection struct {
	id        string
	recipient string
	client    *resty.Client
	endpoint  string
}

func NewWebhookConnection(recipient, endpoint string, timeout time.Duration) (*WebhookConnection, error) {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewWebhookConnectionWithClient(recipient, endpoint, client)
}

func NewWebhookConnectionWithClient(recipient, endpoint string, client *resty.Client) (*WebhookConnection, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	parsed, err := url.ParseRequestURI(trimmedEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook endpoint scheme %q", parsed.Scheme)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookConnection{
		id:        uuid.NewString(),
		recipient: recipient,
		client:    client,
		endpoint:  trimmedEndpoint,
	}, nil
}

func (c *WebhookConnection) ID() string        { return c.id }
func (c *WebhookConnection) Recipient() string { return c.recipient }
func (c *WebhookConnection) Kind() string      { return KindWebhook }
func (c *WebhookConnection) Endpoint() string  { return c.endpoint }
func (c *WebhookConnection) Close() error      { return nil }

func (c *WebhookConnection) Send(ctx context.Context, payload []byte) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("webhook connection is not initialized")
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Relay-Connection-ID", c.id).
		SetBody(payload).
		Post(c.endpoint)
	if err != nil {
		return &PushError{
			Recipient: c.recipient,
			Message:   "webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &PushError{
			Recipient: c.recipient,
			Message:   "webhook returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &PushError{
		Recipient:  c.recipient,
		StatusCode: statusCode,
		Message:    webhookErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func webhookErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("webhook returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
