package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/idempotency"
	"github.com/kursadbilgin/relay-engine/internal/observability"
	"github.com/kursadbilgin/relay-engine/internal/presence"
	"github.com/kursadbilgin/relay-engine/internal/queue"
	"github.com/kursadbilgin/relay-engine/internal/repository"
	"github.com/kursadbilgin/relay-engine/internal/retry"
)

// PendingCache parks payloads for offline recipients.
type PendingCache interface {
	Append(ctx context.Context, recipient string, payload []byte) error
	Drain(ctx context.Context, recipient string) ([][]byte, error)
}

// Breaker is the circuit breaker view used by delivery.
type Breaker interface {
	Name() string
	Timeout() time.Duration
	State(ctx context.Context) (domain.CircuitState, error)
	IsOpen(ctx context.Context) (bool, error)
	RecordSuccess(ctx context.Context) error
	RecordFailure(ctx context.Context) error
}

// Idempotency guards delivery side effects against redelivered broadcasts.
type Idempotency interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type DeliveryDeps struct {
	Messages       repository.MessageRepository
	Attempts       repository.AttemptRepository
	Tracker        presence.Tracker
	Pending        PendingCache
	Idempotency    Idempotency
	Breaker        Breaker
	Policy         retry.Policy
	IdempotencyTTL time.Duration
	Collector      *observability.Collector
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

// DeliveryService routes a message to a live connection or parks it for the
// recipient's next connection. Every path ends in a persisted status.
type DeliveryService struct {
	messages       repository.MessageRepository
	attempts       repository.AttemptRepository
	tracker        presence.Tracker
	pending        PendingCache
	idempotency    Idempotency
	breaker        Breaker
	policy         retry.Policy
	idempotencyTTL time.Duration
	collector      *observability.Collector
	metrics        *observability.Metrics
	logger         *zap.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

func NewDeliveryService(deps DeliveryDeps) (*DeliveryService, error) {
	if deps.Messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("presence tracker is required")
	}
	if deps.Pending == nil {
		return nil, fmt.Errorf("pending cache is required")
	}
	if deps.Idempotency == nil {
		return nil, fmt.Errorf("idempotency service is required")
	}
	if deps.Breaker == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = idempotency.DefaultTTL
	}

	return &DeliveryService{
		messages:       deps.Messages,
		attempts:       deps.Attempts,
		tracker:        deps.Tracker,
		pending:        deps.Pending,
		idempotency:    deps.Idempotency,
		breaker:        deps.Breaker,
		policy:         deps.Policy,
		idempotencyTTL: deps.IdempotencyTTL,
		collector:      deps.Collector,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		tracer:         observability.Tracer(),
		now:            time.Now,
	}, nil
}

// HandleBroadcast reloads the broadcast's messages and delivers them. A returned
// error requeues the broadcast.
func (s *DeliveryService) HandleBroadcast(ctx context.Context, b queue.Broadcast) error {
	ids := b.MessageIDs()
	messages, err := s.messages.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load broadcast messages: %w", err)
	}
	if len(messages) < len(ids) {
		s.logger.Warn("broadcast references unknown messages",
			zap.String("batchId", b.BatchID),
			zap.Int("expected", len(ids)),
			zap.Int("found", len(messages)),
		)
	}

	return s.DeliverBatch(ctx, messages)
}

// DeliverBatch delivers every message and combines the errors of those whose
// outcome could not be persisted.
func (s *DeliveryService) DeliverBatch(ctx context.Context, messages []*domain.Message) error {
	var errs error
	for _, msg := range messages {
		errs = multierr.Append(errs, s.Deliver(ctx, msg))
	}
	return errs
}

func (s *DeliveryService) Deliver(ctx context.Context, msg *domain.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	}

	ctx, span := s.tracer.Start(ctx, "delivery.Deliver", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.recipient", msg.Recipient),
		attribute.Int("message.retry_count", msg.RetryCount),
	))
	defer span.End()

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("messageId", msg.ID),
		zap.String("recipient", msg.Recipient),
	)
	start := s.now()
	attemptNumber := msg.RetryCount + 1

	key := msg.IdempotencyKeyOrEmpty()
	if key == "" {
		key = idempotency.GenerateKey(msg.ID)
	}

	processed, err := s.idempotency.IsProcessed(ctx, key)
	if err != nil {
		observability.RecordError(span, err, observability.ErrorKindRedis)
		return fmt.Errorf("failed to check idempotency for message %s: %w", msg.ID, err)
	}
	if processed {
		logger.Debug("message already processed, skipping")
		return nil
	}
	if msg.IsDeadLettered() || msg.Status == domain.StatusAcknowledged {
		logger.Info("message is terminal, skipping", zap.String("status", msg.Status.String()))
		return nil
	}

	open, err := s.breaker.IsOpen(ctx)
	if err != nil {
		logger.Warn("failed to read circuit state, delivering anyway", zap.Error(err))
	}
	if open {
		return s.shortCircuit(ctx, logger, msg, attemptNumber)
	}

	route, connID, deliverErr := s.route(ctx, msg)
	if deliverErr != nil {
		if errors.Is(deliverErr, domain.ErrInvalidTransition) || errors.Is(deliverErr, domain.ErrNotFound) {
			logger.Info("message moved on since broadcast, skipping", zap.Error(deliverErr))
			return nil
		}

		observability.RecordError(span, deliverErr, observability.ErrorKindPush)
		if err := s.breaker.RecordFailure(ctx); err != nil {
			logger.Warn("failed to record breaker failure", zap.Error(err))
		}
		return s.handleFailure(ctx, logger, msg, attemptNumber, route, connID, deliverErr)
	}

	if err := s.breaker.RecordSuccess(ctx); err != nil {
		logger.Warn("failed to record breaker success", zap.Error(err))
	}
	if _, err := s.idempotency.MarkProcessed(ctx, key, s.idempotencyTTL); err != nil {
		logger.Warn("failed to mark message processed", zap.Error(err))
	}

	elapsed := s.now().Sub(start)
	s.collector.RecordProcessed(elapsed)
	s.metrics.IncDelivered(route)
	s.metrics.ObserveDeliveryDuration(route, elapsed)
	s.recordAttempt(ctx, msg.ID, attemptNumber, route, connID, nil)

	span.SetAttributes(attribute.String("delivery.route", route.String()))
	logger.Info("message delivered", zap.String("route", route.String()))
	return nil
}

// route pushes to a live connection after the SENT status is committed, or
// persists PENDING and parks the payload.
func (s *DeliveryService) route(ctx context.Context, msg *domain.Message) (domain.Route, *string, error) {
	conn, online, err := s.tracker.GetConnection(ctx, msg.Recipient)
	if err != nil {
		return domain.RoutePark, nil, fmt.Errorf("presence lookup failed: %w", err)
	}

	payload, err := queue.EncodeEvent(queue.EventFromMessage(msg))
	if err != nil {
		return domain.RoutePark, nil, err
	}

	now := s.now().UTC()

	if online {
		connID := conn.ID()
		if err := s.messages.MarkSent(ctx, msg.ID, now); err != nil {
			return domain.RoutePush, &connID, fmt.Errorf("failed to mark message sent: %w", err)
		}
		msg.Status = domain.StatusSent
		msg.SentAt = &now
		msg.NextRetryAt = nil
		msg.UpdatedAt = now

		if err := s.tracker.Push(ctx, conn, payload); err != nil {
			return domain.RoutePush, &connID, fmt.Errorf("push failed: %w", err)
		}
		if s.acknowledgeOnReceipt(ctx, conn, msg.ID, now) {
			msg.Status = domain.StatusAcknowledged
			msg.AcknowledgedAt = &now
		}
		return domain.RoutePush, &connID, nil
	}

	if err := msg.TransitionTo(domain.StatusPending, now); err != nil {
		return domain.RoutePark, nil, err
	}
	if err := s.messages.Update(ctx, msg); err != nil {
		return domain.RoutePark, nil, fmt.Errorf("failed to persist pending status: %w", err)
	}
	if err := s.pending.Append(ctx, msg.Recipient, payload); err != nil {
		return domain.RoutePark, nil, fmt.Errorf("failed to park payload: %w", err)
	}
	return domain.RoutePark, nil, nil
}

func (s *DeliveryService) handleFailure(
	ctx context.Context,
	logger *zap.Logger,
	msg *domain.Message,
	attemptNumber int,
	route domain.Route,
	connID *string,
	cause error,
) error {
	now := s.now().UTC()
	attempt := msg.RetryCount
	msg.RetryCount++
	msg.LastRetryAt = &now
	reason := cause.Error()

	permanent := isPermanentPushError(cause)
	if !permanent && s.policy.CanRetry(attempt) {
		nextRetryAt := now.Add(s.policy.CalculateDelay(msg.RetryCount))
		msg.ScheduleRetry(reason, nextRetryAt, now)
		s.metrics.IncRetryScheduled()
		s.collector.RecordRetry()
		logger.Warn("delivery failed, retry scheduled",
			zap.Error(cause),
			zap.Int("retryCount", msg.RetryCount),
			zap.Time("nextRetryAt", nextRetryAt),
		)
	} else {
		msg.DeadLetter(reason, now)
		s.metrics.IncDeadLettered()
		logger.Error("delivery failed, message dead-lettered",
			zap.Error(cause),
			zap.Int("retryCount", msg.RetryCount),
			zap.Bool("permanent", permanent),
		)
	}

	s.collector.RecordFailure()
	s.metrics.IncDeliveryFailure(failureReason(cause))
	s.recordAttempt(ctx, msg.ID, attemptNumber, route, connID, cause)

	if err := s.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist delivery failure for message %s: %w", msg.ID, err)
	}
	return nil
}

// shortCircuit hands the message to the retry sweep for when the breaker half-opens.
func (s *DeliveryService) shortCircuit(ctx context.Context, logger *zap.Logger, msg *domain.Message, attemptNumber int) error {
	now := s.now().UTC()
	if err := msg.TransitionTo(domain.StatusQueued, now); err != nil {
		logger.Info("breaker open and message not queueable, skipping", zap.Error(err))
		return nil
	}
	nextRetryAt := now.Add(s.breaker.Timeout())
	msg.NextRetryAt = &nextRetryAt

	s.metrics.IncDeliveryFailure("breaker_open")
	s.recordAttempt(ctx, msg.ID, attemptNumber, domain.RouteSkipped, nil, nil)

	if err := s.messages.Update(ctx, msg); err != nil {
		return fmt.Errorf("failed to queue message %s behind open breaker: %w", msg.ID, err)
	}

	logger.Warn("circuit open, delivery deferred", zap.Time("nextRetryAt", nextRetryAt))
	return nil
}

// FlushPending pushes the parked backlog of a recipient that just connected.
// Payloads are pushed before SENT is recorded, so a failed push or a failed
// status write leaves the message PENDING and its payload is parked again.
func (s *DeliveryService) FlushPending(ctx context.Context, recipient string) (int, error) {
	conn, online, err := s.tracker.GetConnection(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("presence lookup failed: %w", err)
	}
	if !online {
		return 0, nil
	}

	payloads, err := s.pending.Drain(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("failed to drain pending messages: %w", err)
	}

	logger := s.logger.With(zap.String("recipient", recipient))
	delivered := 0
	for i, payload := range payloads {
		event, err := queue.DecodeEvent(payload)
		if err != nil {
			logger.Warn("dropping undecodable pending payload", zap.Error(err))
			continue
		}

		if err := s.tracker.Push(ctx, conn, payload); err != nil {
			logger.Warn("pending flush interrupted", zap.Error(err), zap.Int("remaining", len(payloads)-i))
			return delivered, s.repark(ctx, recipient, payloads[i:], err)
		}

		now := s.now().UTC()
		if err := s.messages.MarkSent(ctx, event.ID, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				logger.Info("pending message moved on, not marking sent",
					zap.String("messageId", event.ID),
					zap.Error(err),
				)
				continue
			}
			// The message is still PENDING in the store, so its payload stays
			// parked; the next flush pushes it again.
			logger.Error("pushed pending message could not be marked sent",
				zap.String("messageId", event.ID),
				zap.Error(err),
			)
			return delivered, s.repark(ctx, recipient, payloads[i:], fmt.Errorf("failed to mark message %s sent: %w", event.ID, err))
		}

		s.acknowledgeOnReceipt(ctx, conn, event.ID, now)

		delivered++
		s.metrics.IncDelivered(domain.RoutePush)
		s.recordAttempt(ctx, event.ID, 0, domain.RoutePush, stringPtr(conn.ID()), nil)
	}

	if delivered > 0 {
		logger.Info("pending messages flushed", zap.Int("count", delivered))
	}
	return delivered, nil
}

func (s *DeliveryService) repark(ctx context.Context, recipient string, payloads [][]byte, cause error) error {
	var errs error = cause
	for _, payload := range payloads {
		if err := s.pending.Append(ctx, recipient, payload); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to re-park payload: %w", err))
		}
	}
	return errs
}

// acknowledgeOnReceipt acknowledges a message pushed to a webhook, whose 2xx
// response is the receipt. Stream recipients acknowledge explicitly.
func (s *DeliveryService) acknowledgeOnReceipt(ctx context.Context, conn presence.Connection, id string, now time.Time) bool {
	if conn.Kind() != presence.KindWebhook {
		return false
	}
	if err := s.messages.Acknowledge(ctx, id, now); err != nil {
		s.logger.Warn("failed to acknowledge webhook delivery",
			zap.String("messageId", id),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Acknowledge confirms receipt of a pushed message.
func (s *DeliveryService) Acknowledge(ctx context.Context, id string) error {
	if err := s.messages.Acknowledge(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Debug("message acknowledged", zap.String("messageId", id))
	return nil
}

// recordAttempt appends to the audit trail. Attempt number 0 marks a backlog flush.
func (s *DeliveryService) recordAttempt(
	ctx context.Context,
	messageID string,
	attemptNumber int,
	route domain.Route,
	connID *string,
	cause error,
) {
	if s.attempts == nil {
		return
	}

	var attemptErr *string
	if cause != nil {
		attemptErr = stringPtr(cause.Error())
	}

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		MessageID:     messageID,
		AttemptNumber: attemptNumber,
		Route:         route,
		ConnectionID:  connID,
		Error:         attemptErr,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		s.logger.Warn("failed to record delivery attempt",
			zap.String("messageId", messageID),
			zap.Error(err),
		)
	}
}

func isPermanentPushError(err error) bool {
	var pushErr *presence.PushError
	return errors.As(err, &pushErr) && !pushErr.Transient
}

func failureReason(err error) string {
	switch {
	case isPermanentPushError(err):
		return "permanent"
	case presence.IsTransient(err):
		return "transient"
	default:
		return "internal"
	}
}

func stringPtr(v string) *string {
	return &v
}
