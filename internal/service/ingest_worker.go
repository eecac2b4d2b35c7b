package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/buffer"
	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/observability"
	"github.com/kursadbilgin/relay-engine/internal/queue"
	"github.com/kursadbilgin/relay-engine/internal/repository"
)

const (
	defaultBatchInterval   = 100 * time.Millisecond
	defaultBatchSizeLimit  = 500
	defaultShutdownWait    = 30 * time.Second
	shutdownFlushTimeout   = 10 * time.Second
	shutdownFlushMaxRounds = 100
)

type IngestWorkerConfig struct {
	Interval       time.Duration
	BatchSizeLimit int
	// ShutdownWait bounds how long the worker waits for producers to close
	// the buffers after cancellation before its final flush.
	ShutdownWait time.Duration
}

// IngestWorker drains the ingestion buffers on a fixed interval, persists each
// drained batch and broadcasts it to the delivery workers.
//
// A batch that fails to persist is carried over and retried on the next tick
// before anything new is drained, so a storage outage fills the buffers and
// pushes back on producers instead of losing drained messages.
//
// On cancellation the worker keeps flushing until both buffers are sealed,
// then drains them one last time, so every accepted message is persisted.
type IngestWorker struct {
	messages   repository.MessageRepository
	publisher  queue.Publisher
	single     *buffer.MessageBuffer
	batches    *buffer.BatchBuffer
	interval   time.Duration
	batchLimit int
	waitClose  time.Duration
	carry      []*domain.Message
	held       []*domain.Message
	metrics    *observability.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewIngestWorker(
	messages repository.MessageRepository,
	publisher queue.Publisher,
	single *buffer.MessageBuffer,
	batches *buffer.BatchBuffer,
	cfg IngestWorkerConfig,
	logger *zap.Logger,
) (*IngestWorker, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if single == nil || batches == nil {
		return nil, fmt.Errorf("ingestion buffers are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultBatchInterval
	}
	if cfg.BatchSizeLimit <= 0 {
		cfg.BatchSizeLimit = defaultBatchSizeLimit
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = defaultShutdownWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IngestWorker{
		messages:   messages,
		publisher:  publisher,
		single:     single,
		batches:    batches,
		interval:   cfg.Interval,
		batchLimit: cfg.BatchSizeLimit,
		waitClose:  cfg.ShutdownWait,
		logger:     logger,
		tracer:     observability.Tracer(),
		now:        time.Now,
	}, nil
}

func (w *IngestWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushOnShutdown()
			return nil
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("ingest tick failed", zap.Error(err))
			}
		}
	}
}

// Tick flushes one batch: the carried-over batch if present, otherwise whatever
// the buffers hold after waiting up to one interval for data.
func (w *IngestWorker) Tick(ctx context.Context) error {
	batch := w.carry
	if len(batch) == 0 {
		batch = w.drain(ctx, w.interval)
	}
	w.reportDepth()
	if len(batch) == 0 {
		return nil
	}
	return w.flush(ctx, batch)
}

// drain collects up to batchLimit messages. Producer batches are never split:
// one that would push the flush past the limit is held for the next drain,
// unless it is the first, in which case it is flushed alone.
func (w *IngestWorker) drain(ctx context.Context, wait time.Duration) []*domain.Message {
	out := make([]*domain.Message, 0)

	for len(out) < w.batchLimit {
		next := w.held
		if next == nil {
			dequeued := w.batches.TryDequeueAll(1)
			if len(dequeued) == 0 {
				break
			}
			next = dequeued[0]
		}
		if len(out) > 0 && len(out)+len(next) > w.batchLimit {
			w.held = next
			break
		}
		w.held = nil
		out = append(out, next...)
	}

	if len(out) == 0 {
		if msg, ok := w.single.WaitDequeue(ctx, wait); ok {
			out = append(out, msg)
		}
	}
	if remaining := w.batchLimit - len(out); remaining > 0 {
		out = append(out, w.single.TryDequeueAll(remaining)...)
	}

	return out
}

func (w *IngestWorker) flush(ctx context.Context, batch []*domain.Message) error {
	ctx, span := w.tracer.Start(ctx, "ingest.Flush", trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.Bool("batch.carried_over", len(w.carry) > 0),
	))
	defer span.End()

	if err := w.messages.CreateBatch(ctx, batch); err != nil {
		w.carry = batch
		w.metrics.IncIngestFlush("persist_error")
		observability.RecordError(span, err, observability.ErrorKindDB)
		return fmt.Errorf("failed to persist batch of %d messages: %w", len(batch), err)
	}
	w.carry = nil

	now := w.now().UTC()
	broadcast := queue.NewBroadcast(batch, now)
	if err := w.publisher.Publish(ctx, broadcast); err != nil {
		w.metrics.IncIngestFlush("publish_error")
		observability.RecordError(span, err, observability.ErrorKindRabbitMQ)
		if markErr := w.messages.MarkQueued(ctx, broadcast.MessageIDs(), now); markErr != nil {
			w.logger.Error("failed to queue messages after publish failure",
				zap.String("batchId", broadcast.BatchID),
				zap.Error(markErr),
			)
		}
		return fmt.Errorf("failed to publish broadcast %s: %w", broadcast.BatchID, err)
	}

	w.metrics.IncIngestFlush("ok")
	w.logger.Debug("batch persisted and broadcast",
		zap.String("batchId", broadcast.BatchID),
		zap.Int("size", len(batch)),
	)
	return nil
}

// flushOnShutdown persists what is still buffered so accepted messages survive a
// graceful stop.
func (w *IngestWorker) flushOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.waitClose+shutdownFlushTimeout)
	defer cancel()

	w.awaitSealed(ctx)

	for round := 0; round < shutdownFlushMaxRounds; round++ {
		batch := w.carry
		if len(batch) == 0 {
			batch = w.drain(ctx, 0)
		}
		if len(batch) == 0 {
			return
		}
		if err := w.flush(ctx, batch); err != nil {
			w.logger.Error("shutdown flush failed", zap.Error(err))
			if len(w.carry) > 0 {
				w.logger.Error("dropping unpersisted messages at shutdown", zap.Int("count", len(w.carry)))
				return
			}
		}
	}
}

// awaitSealed keeps flushing on the regular interval until producers have
// closed both buffers or the wait runs out.
func (w *IngestWorker) awaitSealed(ctx context.Context) {
	deadline := time.NewTimer(w.waitClose)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for _, sealed := range []<-chan struct{}{w.single.Sealed(), w.batches.Sealed()} {
	wait:
		for {
			select {
			case <-sealed:
				break wait
			case <-deadline.C:
				w.logger.Warn("ingestion buffers still open at shutdown, flushing anyway")
				return
			case <-ticker.C:
				if err := w.Tick(ctx); err != nil {
					w.logger.Error("ingest tick failed during shutdown", zap.Error(err))
				}
			}
		}
	}
}

func (w *IngestWorker) reportDepth() {
	if w.metrics == nil {
		return
	}
	w.metrics.SetBufferDepth(w.single.Name(), int64(w.single.Len()))
	w.metrics.SetBufferDepth(w.batches.Name(), int64(w.batches.Len()))
}
