package handler

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/relay-engine/internal/config"
	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/observability"
)

type ThroughputReader interface {
	Snapshot(ctx context.Context) observability.CollectorSnapshot
}

type BreakerReader interface {
	Name() string
	Snapshot(ctx context.Context) (domain.CircuitBreakerState, error)
}

type BufferReporter interface {
	BufferMetrics() []domain.BufferMetrics
}

type ReliabilityHandler struct {
	throughput ThroughputReader
	breaker    BreakerReader
	buffers    BufferReporter
	presence   PresenceHub
	settings   config.Reliability
}

type reliabilityResponse struct {
	Throughput          observability.CollectorSnapshot `json:"throughput"`
	CircuitBreaker      breakerResponse                 `json:"circuitBreaker"`
	Buffers             []domain.BufferMetrics          `json:"buffers"`
	ConnectedRecipients int                             `json:"connectedRecipients"`
	Settings            settingsResponse                `json:"settings"`
}

type breakerResponse struct {
	Name string `json:"name"`
	domain.CircuitBreakerState
	Error string `json:"error,omitempty"`
}

type settingsResponse struct {
	MaxRetries                     int     `json:"maxRetries"`
	BaseRetryDelayMs               int64   `json:"baseRetryDelayMs"`
	MaxRetryDelayMs                int64   `json:"maxRetryDelayMs"`
	IdempotencyTTLSeconds          int64   `json:"idempotencyTtlSeconds"`
	CircuitBreakerFailureThreshold float64 `json:"circuitBreakerFailureThreshold"`
	CircuitBreakerSampleSize       int     `json:"circuitBreakerSampleSize"`
	CircuitBreakerTimeoutMs        int64   `json:"circuitBreakerTimeoutMs"`
	AcknowledgmentTimeoutMs        int64   `json:"acknowledgmentTimeoutMs"`
	BatchSizeLimit                 int     `json:"batchSizeLimit"`
	BufferCapacity                 int     `json:"bufferCapacity"`
}

func NewReliabilityHandler(
	throughput ThroughputReader,
	breaker BreakerReader,
	buffers BufferReporter,
	presence PresenceHub,
	settings config.Reliability,
) (*ReliabilityHandler, error) {
	if throughput == nil || breaker == nil || buffers == nil {
		return nil, fmt.Errorf("throughput, breaker and buffer readers are required")
	}
	return &ReliabilityHandler{
		throughput: throughput,
		breaker:    breaker,
		buffers:    buffers,
		presence:   presence,
		settings:   settings,
	}, nil
}

func RegisterReliabilityRoutes(router fiber.Router, h *ReliabilityHandler) {
	router.Get("/v1/reliability", h.GetReliability)
}

// GetReliability reports the pipeline's health. A breaker store error is
// reported inline so the rest of the view stays available.
func (h *ReliabilityHandler) GetReliability(c *fiber.Ctx) error {
	ctx := c.UserContext()

	breaker := breakerResponse{Name: h.breaker.Name()}
	state, err := h.breaker.Snapshot(ctx)
	if err != nil {
		breaker.Error = err.Error()
	} else {
		breaker.CircuitBreakerState = state
	}

	connected := 0
	if h.presence != nil {
		connected = h.presence.Count()
	}

	return c.Status(fiber.StatusOK).JSON(reliabilityResponse{
		Throughput:          h.throughput.Snapshot(ctx),
		CircuitBreaker:      breaker,
		Buffers:             h.buffers.BufferMetrics(),
		ConnectedRecipients: connected,
		Settings: settingsResponse{
			MaxRetries:                     h.settings.MaxRetries,
			BaseRetryDelayMs:               h.settings.BaseRetryDelay.Milliseconds(),
			MaxRetryDelayMs:                h.settings.MaxRetryDelay.Milliseconds(),
			IdempotencyTTLSeconds:          int64(h.settings.IdempotencyTTL.Seconds()),
			CircuitBreakerFailureThreshold: h.settings.CircuitBreakerFailureThreshold,
			CircuitBreakerSampleSize:       h.settings.CircuitBreakerSampleSize,
			CircuitBreakerTimeoutMs:        h.settings.CircuitBreakerTimeout.Milliseconds(),
			AcknowledgmentTimeoutMs:        h.settings.AcknowledgmentTimeout.Milliseconds(),
			BatchSizeLimit:                 h.settings.BatchSizeLimit,
			BufferCapacity:                 h.settings.BufferCapacity,
		},
	})
}
