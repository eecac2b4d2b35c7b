package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/idempotency"
	"github.com/kursadbilgin/relay-engine/internal/observability"
	"github.com/kursadbilgin/relay-engine/internal/queue"
	"github.com/kursadbilgin/relay-engine/internal/repository"
	"github.com/kursadbilgin/relay-engine/internal/retry"
)

const (
	defaultRetrySweepInterval = 30 * time.Second
	defaultRetrySweepLimit    = 100
	publishFailureBackoff     = 5 * time.Second
	ackTimeoutReason          = "acknowledgment timeout"
)

type RetrySweeperConfig struct {
	Interval   time.Duration
	Limit      int
	AckTimeout time.Duration
	// Policy bounds how many acknowledgment timeouts a message survives.
	Policy retry.Policy
}

// RetrySweeper periodically resubmits due messages through the broadcast path
// and requeues pushed messages whose acknowledgment timed out.
type RetrySweeper struct {
	messages    repository.MessageRepository
	publisher   queue.Publisher
	idempotency Idempotency
	breaker     Breaker
	metrics     *observability.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	interval    time.Duration
	limit       int
	ackTimeout  time.Duration
	policy      retry.Policy
	now         func() time.Time
}

func NewRetrySweeper(
	messages repository.MessageRepository,
	publisher queue.Publisher,
	idem Idempotency,
	cfg RetrySweeperConfig,
	logger *zap.Logger,
) (*RetrySweeper, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetrySweepInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultRetrySweepLimit
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.NewPolicy(retry.DefaultMaxRetries, retry.DefaultBaseDelay, retry.DefaultMaxDelay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetrySweeper{
		messages:    messages,
		publisher:   publisher,
		idempotency: idem,
		logger:      logger,
		tracer:      observability.Tracer(),
		interval:    cfg.Interval,
		limit:       cfg.Limit,
		ackTimeout:  cfg.AckTimeout,
		policy:      cfg.Policy,
		now:         time.Now,
	}, nil
}

func (s *RetrySweeper) SetMetrics(metrics *observability.Metrics, breaker Breaker) {
	if s == nil {
		return
	}
	s.metrics = metrics
	s.breaker = breaker
}

func (s *RetrySweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial sweep so already-due retries do not wait for the first ticker edge.
	if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry sweep initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one cycle: acknowledgment timeouts first, then due retries.
func (s *RetrySweeper) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "retry.Sweep")
	defer span.End()

	s.reportBreakerState(ctx)

	if s.ackTimeout > 0 {
		requeued, err := s.requeueUnacknowledged(ctx)
		if err != nil {
			observability.RecordError(span, err, observability.ErrorKindDB)
			return err
		}
		s.metrics.AddSweepResubmitted("ack_timeout", requeued)
	}

	resubmitted, err := s.resubmitDue(ctx)
	if err != nil {
		observability.RecordError(span, err, observability.ErrorKindDB)
		return err
	}
	s.metrics.AddSweepResubmitted("due", resubmitted)
	span.SetAttributes(attribute.Int("retry.resubmitted", resubmitted))
	return nil
}

func (s *RetrySweeper) resubmitDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.messages.GetDueForRetry(ctx, now, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due retries: %w", err)
	}

	resubmitted := 0
	for i := range due {
		msg := due[i]
		previous := msg.Status

		claimed, err := s.messages.MarkRetrying(ctx, msg.ID, now)
		if err != nil {
			s.logger.Error("failed to mark message retrying",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			continue
		}
		msg.Status = domain.StatusRetrying
		msg.NextRetryAt = nil

		if err := s.publisher.Publish(ctx, queue.NewBroadcast([]*domain.Message{&msg}, now)); err != nil {
			s.logger.Error("failed to resubmit message",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			restoreAt := now.Add(publishFailureBackoff)
			if restoreErr := s.messages.RestoreAfterPublishFailure(ctx, msg.ID, previous, restoreAt); restoreErr != nil {
				s.logger.Error("failed to restore message after publish failure",
					zap.String("messageId", msg.ID),
					zap.Error(restoreErr),
				)
			}
			continue
		}
		resubmitted++
	}

	if resubmitted > 0 {
		s.logger.Info("due messages resubmitted", zap.Int("count", resubmitted))
	}
	return resubmitted, nil
}

// requeueUnacknowledged moves SENT messages past the acknowledgment timeout back
// to QUEUED and releases their idempotency key so redelivery is not absorbed.
// Each timeout spends one retry; a message out of retries is dead-lettered.
func (s *RetrySweeper) requeueUnacknowledged(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.messages.GetUnacknowledged(ctx, now.Add(-s.ackTimeout), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unacknowledged messages: %w", err)
	}

	requeued, deadLettered := 0, 0
	for i := range stale {
		msg := stale[i]

		if !s.policy.CanRetry(msg.RetryCount) {
			ok, err := s.messages.DeadLetterUnacknowledged(ctx, msg.ID, ackTimeoutReason, now)
			if err != nil {
				s.logger.Error("failed to dead-letter unacknowledged message",
					zap.String("messageId", msg.ID),
					zap.Error(err),
				)
				continue
			}
			if ok {
				deadLettered++
				s.metrics.IncDeadLettered()
				s.logger.Warn("unacknowledged message dead-lettered",
					zap.String("messageId", msg.ID),
					zap.Int("retryCount", msg.RetryCount+1),
				)
			}
			continue
		}

		ok, err := s.messages.RequeueUnacknowledged(ctx, msg.ID, ackTimeoutReason, now)
		if err != nil {
			s.logger.Error("failed to requeue unacknowledged message",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		if s.idempotency != nil {
			key := msg.IdempotencyKeyOrEmpty()
			if key == "" {
				key = idempotency.GenerateKey(msg.ID)
			}
			if err := s.idempotency.Release(ctx, key); err != nil {
				s.logger.Warn("failed to release idempotency key",
					zap.String("messageId", msg.ID),
					zap.Error(err),
				)
			}
		}
		requeued++
	}

	if requeued > 0 || deadLettered > 0 {
		s.logger.Info("unacknowledged messages handled",
			zap.Int("requeued", requeued),
			zap.Int("deadLettered", deadLettered),
		)
	}
	return requeued, nil
}

func (s *RetrySweeper) reportBreakerState(ctx context.Context) {
	if s.breaker == nil || s.metrics == nil {
		return
	}
	state, err := s.breaker.State(ctx)
	if err != nil {
		s.logger.Warn("failed to read circuit state", zap.Error(err))
		return
	}
	s.metrics.SetBreakerState(s.breaker.Name(), state)
}
