package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/relay-engine/internal/buffer"
	"github.com/kursadbilgin/relay-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/relay-engine/internal/config"
	"github.com/kursadbilgin/relay-engine/internal/handler"
	"github.com/kursadbilgin/relay-engine/internal/idempotency"
	"github.com/kursadbilgin/relay-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/relay-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/relay-engine/internal/infra/redis"
	"github.com/kursadbilgin/relay-engine/internal/observability"
	"github.com/kursadbilgin/relay-engine/internal/presence"
	"github.com/kursadbilgin/relay-engine/internal/queue"
	"github.com/kursadbilgin/relay-engine/internal/repository"
	"github.com/kursadbilgin/relay-engine/internal/retry"
	"github.com/kursadbilgin/relay-engine/internal/service"
	"github.com/kursadbilgin/relay-engine/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("relay-engine stopped with error", zap.Error(err))
	}
	logger.Info("relay-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reliability := cfg.Reliability()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns: cfg.DatabaseMaxOpenConns,
		MaxIdleConns: cfg.DatabaseMaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	idemStore, err := infraredis.NewIdempotencyStore(rdb)
	if err != nil {
		return err
	}
	idem, err := idempotency.NewService(idemStore, reliability.IdempotencyTTL)
	if err != nil {
		return err
	}

	breakerStore, err := infraredis.NewBreakerStore(rdb)
	if err != nil {
		return err
	}
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = reliability.CircuitBreakerFailureThreshold
	breakerCfg.SampleSize = reliability.CircuitBreakerSampleSize
	breakerCfg.Timeout = reliability.CircuitBreakerTimeout
	breaker, err := circuitbreaker.New(breakerStore, breakerCfg, logger)
	if err != nil {
		return err
	}

	pending, err := infraredis.NewPendingCache(rdb, time.Duration(cfg.PendingTTLHours)*time.Hour)
	if err != nil {
		return err
	}
	limiter, err := infraredis.NewIngestLimiter(rdb, cfg.IngestRateLimitPerSec)
	if err != nil {
		return err
	}

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()
	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.ConsumerConcurrency, logger)

	messages := repository.NewGormMessageRepo(db, reliability.BatchSizeLimit)
	attempts := repository.NewGormAttemptRepo(db)

	metrics := observability.NewMetrics()
	collector := observability.NewCollector(cfg.MetricsWindow, breaker, logger)
	hub := presence.NewHub(logger)
	defer hub.Close()

	singleBuffer := buffer.NewMessageBuffer(reliability.BufferCapacity)
	batchBuffer := buffer.NewBatchBuffer(reliability.BufferCapacity)

	policy := retry.NewPolicy(reliability.MaxRetries, reliability.BaseRetryDelay, reliability.MaxRetryDelay)

	delivery, err := service.NewDeliveryService(service.DeliveryDeps{
		Messages:       messages,
		Attempts:       attempts,
		Tracker:        hub,
		Pending:        pending,
		Idempotency:    idem,
		Breaker:        breaker,
		Policy:         policy,
		IdempotencyTTL: reliability.IdempotencyTTL,
		Collector:      collector,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	messageService, err := service.NewMessageService(messages, singleBuffer, batchBuffer, limiter, idem, service.MessageServiceConfig{
		EnqueueTimeout: cfg.EnqueueTimeout,
		BatchSizeLimit: reliability.BatchSizeLimit,
	}, logger)
	if err != nil {
		return err
	}
	messageService.SetMetrics(metrics)

	ingest, err := service.NewIngestWorker(messages, publisher, singleBuffer, batchBuffer, service.IngestWorkerConfig{
		Interval:       cfg.BatchInterval,
		BatchSizeLimit: reliability.BatchSizeLimit,
		ShutdownWait:   cfg.ShutdownTimeout + cfg.EnqueueTimeout,
	}, logger)
	if err != nil {
		return err
	}
	ingest.SetMetrics(metrics)

	sweeper, err := service.NewRetrySweeper(messages, publisher, idem, service.RetrySweeperConfig{
		Interval:   cfg.RetrySweepInterval,
		Limit:      cfg.RetrySweepLimit,
		AckTimeout: reliability.AcknowledgmentTimeout,
		Policy:     policy,
	}, logger)
	if err != nil {
		return err
	}
	sweeper.SetMetrics(metrics, breaker)

	consumers, err := service.NewConsumerService(consumer, delivery.HandleBroadcast, cfg.ConsumerConcurrency, logger)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	presenceHandler, err := handler.NewPresenceHandler(hub, delivery, validate, metrics, handler.PresenceHandlerConfig{
		HeartbeatInterval: cfg.StreamHeartbeat,
		WebhookTimeout:    cfg.WebhookTimeout,
	}, logger)
	if err != nil {
		return err
	}
	reliabilityHandler, err := handler.NewReliabilityHandler(collector, breaker, messageService, hub, reliability)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               observability.ServiceName,
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(transport.RequestID())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	if err := handler.RegisterMessageRoutes(app, messageService, delivery, validate); err != nil {
		return err
	}
	handler.RegisterPresenceRoutes(app, presenceHandler)
	handler.RegisterReliabilityRoutes(app, reliabilityHandler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("relay-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		// Closing the buffers seals them once in-flight handlers return; the
		// ingest worker waits for the seal before its final flush.
		err := app.ShutdownWithTimeout(cfg.ShutdownTimeout)
		singleBuffer.Close()
		batchBuffer.Close()
		return err
	})
	g.Go(func() error { return ingest.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error { return consumers.Start(gctx) })
	g.Go(func() error { return collector.Start(gctx) })

	return g.Wait()
}
