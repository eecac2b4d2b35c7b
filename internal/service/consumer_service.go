package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/relay-engine/internal/queue"
)

const minConsumerConcurrency = 1

// ConsumerService runs concurrent broadcast consumers that feed the delivery service.
type ConsumerService struct {
	consumer    queue.Consumer
	handler     queue.BroadcastHandler
	concurrency int
	logger      *zap.Logger
}

func NewConsumerService(
	consumer queue.Consumer,
	handler queue.BroadcastHandler,
	concurrency int,
	logger *zap.Logger,
) (*ConsumerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("broadcast handler is required")
	}
	if concurrency < minConsumerConcurrency {
		concurrency = minConsumerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConsumerService{
		consumer:    consumer,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start consumes broadcasts until context cancellation.
func (s *ConsumerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("delivery worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.CreatedQueue),
			)

			if err := s.consumer.Consume(groupCtx, s.handler); err != nil {
				s.logger.Error("delivery worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("delivery worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}
