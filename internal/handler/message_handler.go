package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/repository"
	"github.com/kursadbilgin/relay-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type MessageService interface {
	Submit(ctx context.Context, kind domain.MessageKind, draft domain.Draft) (*domain.Message, error)
	SubmitBatch(ctx context.Context, items []service.BatchItem) ([]*domain.Message, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error)
	Requeue(ctx context.Context, id string) (*domain.Message, error)
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, id string) error
}

type MessageHandler struct {
	service  MessageService
	acker    Acknowledger
	validate *validator.Validate
}

func NewMessageHandler(svc MessageService, acker Acknowledger, validate *validator.Validate) (*MessageHandler, error) {
	if svc == nil {
		return nil, fmt.Errorf("message service is required")
	}
	if acker == nil {
		return nil, fmt.Errorf("acknowledger is required")
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &MessageHandler{service: svc, acker: acker, validate: validate}, nil
}

func RegisterMessageRoutes(router fiber.Router, svc MessageService, acker Acknowledger, validate *validator.Validate) error {
	h, err := NewMessageHandler(svc, acker, validate)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.CreateMessage)
	v1.Post("/messages/batch", h.CreateBatch)
	v1.Get("/messages/:id", h.GetMessage)
	v1.Get("/messages", h.ListMessages)
	v1.Post("/messages/:id/ack", h.AcknowledgeMessage)
	v1.Post("/messages/:id/requeue", h.RequeueMessage)

	return nil
}

type attachmentRequest struct {
	FileName    string     `json:"fileName" validate:"required,max=255"`
	ContentType string     `json:"contentType" validate:"max=127"`
	URL         string     `json:"url" validate:"required,url"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type createMessageRequest struct {
	Kind        string              `json:"kind" validate:"omitempty,max=16"`
	Recipient   string              `json:"recipient" validate:"required,max=255"`
	Subject     string              `json:"subject" validate:"max=255"`
	Content     json.RawMessage     `json:"content"`
	Priority    string              `json:"priority" validate:"omitempty,max=16"`
	From        string              `json:"from" validate:"required,max=255"`
	Attachments []attachmentRequest `json:"attachments" validate:"max=10,dive"`
}

type createBatchRequest struct {
	Messages []createMessageRequest `json:"messages" validate:"required,min=1,dive"`
}

type acceptedResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type createBatchResponse struct {
	Count    int                `json:"count"`
	Messages []acceptedResponse `json:"messages"`
}

type attachmentResponse struct {
	ID          string     `json:"id"`
	FileName    string     `json:"fileName"`
	ContentType string     `json:"contentType,omitempty"`
	URL         string     `json:"url"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type messageResponse struct {
	ID             string               `json:"id"`
	Recipient      string               `json:"recipient"`
	Subject        string               `json:"subject,omitempty"`
	Content        *string              `json:"content,omitempty"`
	ContentType    string               `json:"contentType"`
	Status         string               `json:"status"`
	Priority       string               `json:"priority"`
	RetryCount     int                  `json:"retryCount"`
	NextRetryAt    *time.Time           `json:"nextRetryAt,omitempty"`
	LastRetryAt    *time.Time           `json:"lastRetryAt,omitempty"`
	LastError      *string              `json:"lastError,omitempty"`
	DeadLettered   bool                 `json:"deadLettered"`
	MovedToDLQAt   *time.Time           `json:"movedToDlqAt,omitempty"`
	SentAt         *time.Time           `json:"sentAt,omitempty"`
	AcknowledgedAt *time.Time           `json:"acknowledgedAt,omitempty"`
	IdempotencyKey *string              `json:"idempotencyKey,omitempty"`
	From           string               `json:"from"`
	Attachments    []attachmentResponse `json:"attachments,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

type listMessagesResponse struct {
	Data []messageResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *MessageHandler) CreateMessage(c *fiber.Ctx) error {
	var req createMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(c.UserContext(), req); err != nil {
		return toHTTPError(err)
	}

	kind, draft, err := requestToDraft(req)
	if err != nil {
		return toHTTPError(err)
	}

	msg, err := h.service.Submit(c.UserContext(), kind, draft)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toAcceptedResponse(msg))
}

func (h *MessageHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(c.UserContext(), req); err != nil {
		return toHTTPError(err)
	}

	items := make([]service.BatchItem, 0, len(req.Messages))
	for i, item := range req.Messages {
		kind, draft, err := requestToDraft(item)
		if err != nil {
			return toHTTPError(fmt.Errorf("message %d: %w", i, err))
		}
		items = append(items, service.BatchItem{Kind: kind, Draft: draft})
	}

	messages, err := h.service.SubmitBatch(c.UserContext(), items)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(createBatchResponse{
		Count:    len(messages),
		Messages: lo.Map(messages, func(m *domain.Message, _ int) acceptedResponse { return toAcceptedResponse(m) }),
	})
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	msg, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMessageResponse(msg))
}

func (h *MessageHandler) ListMessages(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	messages, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listMessagesResponse{
		Data: lo.Map(messages, func(m domain.Message, _ int) messageResponse { return toMessageResponse(&m) }),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *MessageHandler) AcknowledgeMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.acker.Acknowledge(c.UserContext(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": id,
		"status":    domain.StatusAcknowledged.String(),
	})
}

func (h *MessageHandler) RequeueMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	msg, err := h.service.Requeue(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(msg))
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if recipient := strings.TrimSpace(c.Query("recipient")); recipient != "" {
		params.Recipient = &recipient
	}

	if rawDead := strings.TrimSpace(c.Query("deadLettered")); rawDead != "" {
		switch strings.ToLower(rawDead) {
		case "true":
			params.DeadLettered = lo.ToPtr(true)
		case "false":
			params.DeadLettered = lo.ToPtr(false)
		default:
			return repository.ListParams{}, fmt.Errorf("%w: deadLettered must be true or false", domain.ErrValidation)
		}
	}

	return params, nil
}

// requestToDraft resolves the message kind and flattens the content. Without an
// explicit kind, attachments imply ATTACHMENT and a JSON object or array implies JSON.
func requestToDraft(req createMessageRequest) (domain.MessageKind, domain.Draft, error) {
	content, structured, err := decodeContent(req.Content)
	if err != nil {
		return "", domain.Draft{}, err
	}

	var kind domain.MessageKind
	switch {
	case strings.TrimSpace(req.Kind) != "":
		kind, err = domain.ParseMessageKindFromString(req.Kind)
		if err != nil {
			return "", domain.Draft{}, err
		}
	case len(req.Attachments) > 0:
		kind = domain.KindAttachment
	case structured:
		kind = domain.KindJSON
	default:
		kind = domain.KindText
	}

	draft := domain.Draft{
		Recipient: strings.TrimSpace(req.Recipient),
		Subject:   req.Subject,
		Content:   content,
		From:      strings.TrimSpace(req.From),
		Attachments: lo.Map(req.Attachments, func(a attachmentRequest, _ int) domain.Attachment {
			return domain.Attachment{
				FileName:    strings.TrimSpace(a.FileName),
				ContentType: a.ContentType,
				URL:         strings.TrimSpace(a.URL),
				ExpiresAt:   a.ExpiresAt,
			}
		}),
	}

	if strings.TrimSpace(req.Priority) != "" {
		priority, err := domain.ParsePriorityFromString(req.Priority)
		if err != nil {
			return "", domain.Draft{}, err
		}
		draft.Priority = priority
	}

	return kind, draft, nil
}

// decodeContent accepts either a JSON string or an inline JSON document.
func decodeContent(raw json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false, fmt.Errorf("%w: content is not a valid string", domain.ErrValidation)
		}
		return s, false, nil
	}
	return string(trimmed), true, nil
}

func toAcceptedResponse(m *domain.Message) acceptedResponse {
	return acceptedResponse{
		ID:             m.ID,
		Status:         m.Status.String(),
		IdempotencyKey: m.IdempotencyKeyOrEmpty(),
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	return messageResponse{
		ID:             m.ID,
		Recipient:      m.Recipient,
		Subject:        m.Subject,
		Content:        m.Content,
		ContentType:    m.ContentType.String(),
		Status:         m.Status.String(),
		Priority:       m.Priority.String(),
		RetryCount:     m.RetryCount,
		NextRetryAt:    m.NextRetryAt,
		LastRetryAt:    m.LastRetryAt,
		LastError:      m.LastError,
		DeadLettered:   m.IsDeadLettered(),
		MovedToDLQAt:   m.MovedToDLQAt,
		SentAt:         m.SentAt,
		AcknowledgedAt: m.AcknowledgedAt,
		IdempotencyKey: m.IdempotencyKey,
		From:           m.From,
		Attachments: lo.Map(m.Attachments, func(a domain.Attachment, _ int) attachmentResponse {
			return attachmentResponse{
				ID:          a.ID,
				FileName:    a.FileName,
				ContentType: a.ContentType,
				URL:         a.URL,
				ExpiresAt:   a.ExpiresAt,
			}
		}),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
