package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

type Config struct {
	DatabaseDSN  string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL  string `env:"RABBITMQ_URL,required=true"`
	RedisURL     string `env:"REDIS_URL,required=true"`
	APIPort      int    `env:"API_PORT,default=8080"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	MaxRetries                     int     `env:"MAX_RETRIES,default=5"`
	BaseRetryDelaySeconds          int     `env:"BASE_RETRY_DELAY_SECONDS,default=2"`
	MaxRetryDelaySeconds           int     `env:"MAX_RETRY_DELAY_SECONDS,default=300"`
	IdempotencyTTLHours            int     `env:"IDEMPOTENCY_TTL_HOURS,default=24"`
	CircuitBreakerFailureThreshold float64 `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD,default=0.5"`
	CircuitBreakerSampleSize       int     `env:"CIRCUIT_BREAKER_SAMPLE_SIZE,default=20"`
	CircuitBreakerTimeoutSeconds   int     `env:"CIRCUIT_BREAKER_TIMEOUT_SECONDS,default=60"`
	AcknowledgmentTimeoutMinutes   int     `env:"ACKNOWLEDGMENT_TIMEOUT_MINUTES,default=5"`
	BatchSizeLimit                 int     `env:"BATCH_SIZE_LIMIT,default=500"`
	BufferCapacity                 int     `env:"BUFFER_CAPACITY,default=10000"`

	BatchInterval         time.Duration `env:"BATCH_INTERVAL,default=100ms"`
	EnqueueTimeout        time.Duration `env:"ENQUEUE_TIMEOUT,default=2s"`
	RetrySweepInterval    time.Duration `env:"RETRY_SWEEP_INTERVAL,default=30s"`
	RetrySweepLimit       int           `env:"RETRY_SWEEP_LIMIT,default=100"`
	PendingTTLHours       int           `env:"PENDING_TTL_HOURS,default=72"`
	ConsumerConcurrency   int           `env:"CONSUMER_CONCURRENCY,default=4"`
	IngestRateLimitPerSec int           `env:"INGEST_RATE_LIMIT_PER_SEC,default=200"`
	WebhookTimeout        time.Duration `env:"WEBHOOK_TIMEOUT,default=5s"`
	StreamHeartbeat       time.Duration `env:"STREAM_HEARTBEAT,default=15s"`
	MetricsWindow         time.Duration `env:"METRICS_WINDOW,default=60s"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	DatabaseMaxOpenConns int `env:"DATABASE_MAX_OPEN_CONNS,default=25"`
	DatabaseMaxIdleConns int `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
}

// Reliability is the typed view of the delivery tunables.
type Reliability struct {
	MaxRetries                     int
	BaseRetryDelay                 time.Duration
	MaxRetryDelay                  time.Duration
	IdempotencyTTL                 time.Duration
	CircuitBreakerFailureThreshold float64
	CircuitBreakerSampleSize       int
	CircuitBreakerTimeout          time.Duration
	AcknowledgmentTimeout          time.Duration
	BatchSizeLimit                 int
	BufferCapacity                 int
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: MAX_RETRIES must not be negative", domain.ErrValidation)
	case c.BaseRetryDelaySeconds <= 0:
		return fmt.Errorf("%w: BASE_RETRY_DELAY_SECONDS must be positive", domain.ErrValidation)
	case c.MaxRetryDelaySeconds < c.BaseRetryDelaySeconds:
		return fmt.Errorf("%w: MAX_RETRY_DELAY_SECONDS must be >= BASE_RETRY_DELAY_SECONDS", domain.ErrValidation)
	case c.IdempotencyTTLHours <= 0:
		return fmt.Errorf("%w: IDEMPOTENCY_TTL_HOURS must be positive", domain.ErrValidation)
	case c.CircuitBreakerFailureThreshold <= 0 || c.CircuitBreakerFailureThreshold > 1:
		return fmt.Errorf("%w: CIRCUIT_BREAKER_FAILURE_THRESHOLD must be in (0, 1]", domain.ErrValidation)
	case c.CircuitBreakerSampleSize <= 0:
		return fmt.Errorf("%w: CIRCUIT_BREAKER_SAMPLE_SIZE must be positive", domain.ErrValidation)
	case c.CircuitBreakerTimeoutSeconds <= 0:
		return fmt.Errorf("%w: CIRCUIT_BREAKER_TIMEOUT_SECONDS must be positive", domain.ErrValidation)
	case c.AcknowledgmentTimeoutMinutes <= 0:
		return fmt.Errorf("%w: ACKNOWLEDGMENT_TIMEOUT_MINUTES must be positive", domain.ErrValidation)
	case c.BatchSizeLimit <= 0:
		return fmt.Errorf("%w: BATCH_SIZE_LIMIT must be positive", domain.ErrValidation)
	case c.BufferCapacity <= 0:
		return fmt.Errorf("%w: BUFFER_CAPACITY must be positive", domain.ErrValidation)
	case c.BatchInterval <= 0 || c.RetrySweepInterval <= 0:
		return fmt.Errorf("%w: worker intervals must be positive", domain.ErrValidation)
	}
	return nil
}

func (c *Config) Reliability() Reliability {
	return Reliability{
		MaxRetries:                     c.MaxRetries,
		BaseRetryDelay:                 time.Duration(c.BaseRetryDelaySeconds) * time.Second,
		MaxRetryDelay:                  time.Duration(c.MaxRetryDelaySeconds) * time.Second,
		IdempotencyTTL:                 time.Duration(c.IdempotencyTTLHours) * time.Hour,
		CircuitBreakerFailureThreshold: c.CircuitBreakerFailureThreshold,
		CircuitBreakerSampleSize:       c.CircuitBreakerSampleSize,
		CircuitBreakerTimeout:          time.Duration(c.CircuitBreakerTimeoutSeconds) * time.Second,
		AcknowledgmentTimeout:          time.Duration(c.AcknowledgmentTimeoutMinutes) * time.Minute,
		BatchSizeLimit:                 c.BatchSizeLimit,
		BufferCapacity:                 c.BufferCapacity,
	}
}
