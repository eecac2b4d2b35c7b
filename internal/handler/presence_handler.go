package handler

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/observability"
	"github.com/kursadbilgin/relay-engine/internal/presence"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	pendingFlushTimeout      = 30 * time.Second
)

// PresenceHub registers live connections.
type PresenceHub interface {
	Connect(conn presence.Connection) error
	Disconnect(recipient, connID string) bool
	Count() int
}

// PendingFlusher pushes the parked backlog of a recipient that just connected.
type PendingFlusher interface {
	FlushPending(ctx context.Context, recipient string) (int, error)
}

type PresenceHandlerConfig struct {
	HeartbeatInterval time.Duration
	WebhookTimeout    time.Duration
	MailboxSize       int
}

type PresenceHandler struct {
	hub       PresenceHub
	flusher   PendingFlusher
	validate  *validator.Validate
	metrics   *observability.Metrics
	logger    *zap.Logger
	heartbeat time.Duration
	timeout   time.Duration
	mailbox   int
}

func NewPresenceHandler(
	hub PresenceHub,
	flusher PendingFlusher,
	validate *validator.Validate,
	metrics *observability.Metrics,
	cfg PresenceHandlerConfig,
	logger *zap.Logger,
) (*PresenceHandler, error) {
	if hub == nil {
		return nil, fmt.Errorf("presence hub is required")
	}
	if flusher == nil {
		return nil, fmt.Errorf("pending flusher is required")
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = presence.DefaultMailboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PresenceHandler{
		hub:       hub,
		flusher:   flusher,
		validate:  validate,
		metrics:   metrics,
		logger:    logger,
		heartbeat: cfg.HeartbeatInterval,
		timeout:   cfg.WebhookTimeout,
		mailbox:   cfg.MailboxSize,
	}, nil
}

func RegisterPresenceRoutes(router fiber.Router, h *PresenceHandler) {
	v1 := router.Group("/v1")
	v1.Get("/stream/:recipient", h.Stream)
	v1.Put("/presence/:recipient/webhook", h.RegisterWebhook)
	v1.Delete("/presence/:recipient", h.Disconnect)
}

type registerWebhookRequest struct {
	URL       string `json:"url" validate:"required,url"`
	TimeoutMs int    `json:"timeoutMs" validate:"omitempty,min=100,max=60000"`
}

type connectionResponse struct {
	Recipient    string `json:"recipient"`
	ConnectionID string `json:"connectionId"`
	Kind         string `json:"kind"`
}

// Stream holds a server-sent events channel open for the recipient. Connecting
// flushes the parked backlog into the stream.
func (h *PresenceHandler) Stream(c *fiber.Ctx) error {
	recipient := strings.TrimSpace(c.Params("recipient"))
	if recipient == "" {
		return toHTTPError(fmt.Errorf("%w: recipient is required", domain.ErrValidation))
	}

	conn := presence.NewStreamConnection(recipient, h.mailbox)
	if err := h.hub.Connect(conn); err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}
	h.reportConnections()

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			h.hub.Disconnect(recipient, conn.ID())
			h.reportConnections()
		}()

		backlog := &flushState{}
		backlog.pending.Store(true)
		h.startFlush(recipient, backlog)

		if !writeEvent(w, "connected", []byte(fmt.Sprintf(`{"connectionId":%q}`, conn.ID()))) {
			return
		}

		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-conn.Done():
				return
			case payload := <-conn.Messages():
				if !writeEvent(w, "message", payload) {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil || w.Flush() != nil {
					return
				}
				// A full mailbox interrupts the flush; retry once the writer caught up.
				if backlog.pending.Load() {
					h.startFlush(recipient, backlog)
				}
			}
		}
	}))

	return nil
}

func (h *PresenceHandler) RegisterWebhook(c *fiber.Ctx) error {
	recipient := strings.TrimSpace(c.Params("recipient"))

	var req registerWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(c.UserContext(), req); err != nil {
		return toHTTPError(err)
	}

	timeout := h.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	conn, err := presence.NewWebhookConnection(recipient, req.URL, timeout)
	if err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}
	if err := h.hub.Connect(conn); err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}
	h.reportConnections()

	h.startFlush(recipient, &flushState{})

	return c.Status(fiber.StatusOK).JSON(connectionResponse{
		Recipient:    recipient,
		ConnectionID: conn.ID(),
		Kind:         conn.Kind(),
	})
}

func (h *PresenceHandler) Disconnect(c *fiber.Ctx) error {
	recipient := strings.TrimSpace(c.Params("recipient"))
	if !h.hub.Disconnect(recipient, "") {
		return toHTTPError(fmt.Errorf("%w: recipient %q is not connected", domain.ErrNotFound, recipient))
	}
	h.reportConnections()
	return c.SendStatus(fiber.StatusNoContent)
}

// flushState tracks the backlog flush of one connection. pending stays set while
// parked payloads may remain; running keeps flushes for a connection sequential.
type flushState struct {
	pending atomic.Bool
	running atomic.Bool
}

// startFlush runs a backlog flush detached from the request unless one is already running.
func (h *PresenceHandler) startFlush(recipient string, state *flushState) {
	if !state.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer state.running.Store(false)
		h.flush(recipient, state)
	}()
}

func (h *PresenceHandler) flush(recipient string, state *flushState) {
	ctx, cancel := context.WithTimeout(context.Background(), pendingFlushTimeout)
	defer cancel()

	delivered, err := h.flusher.FlushPending(ctx, recipient)
	if err != nil {
		state.pending.Store(true)
		h.logger.Warn("pending flush incomplete",
			zap.String("recipient", recipient),
			zap.Int("delivered", delivered),
			zap.Error(err),
		)
		return
	}
	state.pending.Store(false)
}

func (h *PresenceHandler) reportConnections() {
	h.metrics.SetConnectedRecipients(h.hub.Count())
}

func writeEvent(w *bufio.Writer, event string, data []byte) bool {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	return w.Flush() == nil
}
