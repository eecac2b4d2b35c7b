package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/buffer"
	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/idempotency"
	"github.com/kursadbilgin/relay-engine/internal/observability"
	"github.com/kursadbilgin/relay-engine/internal/ratelimit"
	"github.com/kursadbilgin/relay-engine/internal/repository"
)

const defaultEnqueueTimeout = 2 * time.Second

// BatchItem is one entry of a producer batch.
type BatchItem struct {
	Kind  domain.MessageKind
	Draft domain.Draft
}

type MessageServiceConfig struct {
	EnqueueTimeout time.Duration
	BatchSizeLimit int
}

// MessageService is the producer side: it builds messages and hands them to the
// ingestion buffers, and serves status queries and operator actions.
type MessageService struct {
	messages       repository.MessageRepository
	single         *buffer.MessageBuffer
	batches        *buffer.BatchBuffer
	limiter        ratelimit.Limiter
	idempotency    Idempotency
	enqueueTimeout time.Duration
	batchLimit     int
	metrics        *observability.Metrics
	logger         *zap.Logger
	now            func() time.Time
}

func NewMessageService(
	messages repository.MessageRepository,
	single *buffer.MessageBuffer,
	batches *buffer.BatchBuffer,
	limiter ratelimit.Limiter,
	idem Idempotency,
	cfg MessageServiceConfig,
	logger *zap.Logger,
) (*MessageService, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if single == nil || batches == nil {
		return nil, fmt.Errorf("ingestion buffers are required")
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.BatchSizeLimit <= 0 {
		cfg.BatchSizeLimit = defaultBatchSizeLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MessageService{
		messages:       messages,
		single:         single,
		batches:        batches,
		limiter:        limiter,
		idempotency:    idem,
		enqueueTimeout: cfg.EnqueueTimeout,
		batchLimit:     cfg.BatchSizeLimit,
		logger:         logger,
		now:            time.Now,
	}, nil
}

func (s *MessageService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit accepts one message. It returns once the message is buffered; the
// ingestion worker persists and broadcasts it.
func (s *MessageService) Submit(ctx context.Context, kind domain.MessageKind, draft domain.Draft) (*domain.Message, error) {
	if err := s.allow(ctx, draft.From); err != nil {
		return nil, err
	}

	msg, err := s.prepare(kind, draft)
	if err != nil {
		return nil, err
	}

	if err := s.single.TryEnqueue(ctx, msg, s.enqueueTimeout); err != nil {
		return nil, s.enqueueError(err, 1)
	}
	s.metrics.AddIngested(s.single.Name(), 1)
	return msg, nil
}

// SubmitBatch accepts a batch atomically: either every item is valid and the
// batch is buffered as one unit, or nothing is.
func (s *MessageService) SubmitBatch(ctx context.Context, items []BatchItem) ([]*domain.Message, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: batch must contain at least one message", domain.ErrValidation)
	}
	if len(items) > s.batchLimit {
		return nil, fmt.Errorf("%w: batch exceeds %d messages", domain.ErrValidation, s.batchLimit)
	}

	senders := lo.Uniq(lo.Map(items, func(it BatchItem, _ int) string { return it.Draft.From }))
	for _, sender := range senders {
		if err := s.allow(ctx, sender); err != nil {
			return nil, err
		}
	}

	messages := make([]*domain.Message, 0, len(items))
	for i, item := range items {
		msg, err := s.prepare(item.Kind, item.Draft)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		messages = append(messages, msg)
	}

	if err := s.batches.TryEnqueue(ctx, messages, s.enqueueTimeout); err != nil {
		return nil, s.enqueueError(err, len(messages))
	}
	s.metrics.AddIngested(s.batches.Name(), len(messages))
	return messages, nil
}

func (s *MessageService) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.messages.GetByID(ctx, id)
}

func (s *MessageService) List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error) {
	return s.messages.List(ctx, params)
}

// Requeue redrives a dead-lettered message with a fresh retry budget.
func (s *MessageService) Requeue(ctx context.Context, id string) (*domain.Message, error) {
	if err := s.messages.Requeue(ctx, id, s.now().UTC()); err != nil {
		return nil, err
	}

	msg, err := s.messages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.idempotency != nil {
		key := msg.IdempotencyKeyOrEmpty()
		if key == "" {
			key = idempotency.GenerateKey(msg.ID)
		}
		if err := s.idempotency.Release(ctx, key); err != nil {
			s.logger.Warn("failed to release idempotency key on requeue",
				zap.String("messageId", id),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("dead-lettered message requeued", zap.String("messageId", id))
	return msg, nil
}

// BufferMetrics reports both ingestion buffers.
func (s *MessageService) BufferMetrics() []domain.BufferMetrics {
	return []domain.BufferMetrics{s.single.Metrics(), s.batches.Metrics()}
}

func (s *MessageService) prepare(kind domain.MessageKind, draft domain.Draft) (*domain.Message, error) {
	msg, err := domain.NewMessage(kind, draft, s.now().UTC())
	if err != nil {
		return nil, err
	}

	msg.ID = uuid.NewString()
	key := idempotency.GenerateKey(msg.ID)
	msg.IdempotencyKey = &key
	for i := range msg.Attachments {
		msg.Attachments[i].ID = uuid.NewString()
		msg.Attachments[i].MessageID = msg.ID
	}
	return msg, nil
}

// allow fails open when the limiter store is unavailable.
func (s *MessageService) allow(ctx context.Context, sender string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, sender)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, admitting request",
			zap.String("sender", sender),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: sender %q exceeded its ingest rate", domain.ErrRateLimited, sender)
	}
	return nil
}

func (s *MessageService) enqueueError(err error, count int) error {
	if errors.Is(err, buffer.ErrFull) {
		s.logger.Warn("ingestion buffer full, rejecting", zap.Int("count", count))
	}
	return fmt.Errorf("failed to enqueue %d message(s): %w", count, err)
}
