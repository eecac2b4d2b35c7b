package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const metricsNamespace = "relay_engine"

// Metrics stores Prometheus collectors used by the API, ingestion and delivery flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	messagesIngestedTotal *prometheus.CounterVec
	ingestFlushTotal      *prometheus.CounterVec
	deliveredTotal        *prometheus.CounterVec
	deliveryFailuresTotal *prometheus.CounterVec
	deadLetteredTotal     prometheus.Counter
	retryScheduledTotal   prometheus.Counter
	sweepResubmitted      *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	bufferDepth           *prometheus.GaugeVec
	breakerState          *prometheus.GaugeVec
	connectedRecipients   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_ingested_total",
				Help:      "Total number of messages accepted into an ingestion buffer.",
			},
			[]string{"buffer"},
		),
		ingestFlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ingest_flush_total",
				Help:      "Ingestion worker flushes grouped by outcome.",
			},
			[]string{"result"},
		),
		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_delivered_total",
				Help:      "Delivery attempts that pushed or parked a message.",
			},
			[]string{"route"},
		),
		deliveryFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_failures_total",
				Help:      "Delivery attempts that failed, grouped by reason.",
			},
			[]string{"reason"},
		),
		deadLetteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_dead_lettered_total",
				Help:      "Total number of messages moved to the dead-letter state.",
			},
		),
		retryScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of messages scheduled for retry.",
			},
		),
		sweepResubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retry_sweep_resubmitted_total",
				Help:      "Messages resubmitted by the retry sweep, grouped by phase.",
			},
			[]string{"phase"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_duration_seconds",
				Help:      "Delivery attempt duration in seconds grouped by route.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"route"},
		),
		bufferDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "buffer_depth",
				Help:      "Current number of items held by an ingestion buffer.",
			},
			[]string{"buffer"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"breaker"},
		),
		connectedRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connected_recipients",
				Help:      "Recipients with a live push connection on this instance.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesIngestedTotal,
		m.ingestFlushTotal,
		m.deliveredTotal,
		m.deliveryFailuresTotal,
		m.deadLetteredTotal,
		m.retryScheduledTotal,
		m.sweepResubmitted,
		m.deliveryDuration,
		m.bufferDepth,
		m.breakerState,
		m.connectedRecipients,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) AddIngested(buffer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesIngestedTotal.WithLabelValues(normalizeLabel(buffer)).Add(float64(n))
}

func (m *Metrics) IncIngestFlush(result string) {
	if m == nil {
		return
	}
	m.ingestFlushTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncDelivered(route domain.Route) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(normalizeLabel(route.String())).Inc()
}

func (m *Metrics) IncDeliveryFailure(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailuresTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncDeadLettered() {
	if m == nil {
		return
	}
	m.deadLetteredTotal.Inc()
}

func (m *Metrics) IncRetryScheduled() {
	if m == nil {
		return
	}
	m.retryScheduledTotal.Inc()
}

func (m *Metrics) AddSweepResubmitted(phase string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepResubmitted.WithLabelValues(normalizeLabel(phase)).Add(float64(n))
}

func (m *Metrics) ObserveDeliveryDuration(route domain.Route, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeLabel(route.String())).Observe(seconds)
}

func (m *Metrics) SetBufferDepth(buffer string, depth int64) {
	if m == nil {
		return
	}
	m.bufferDepth.WithLabelValues(normalizeLabel(buffer)).Set(float64(depth))
}

func (m *Metrics) SetBreakerState(breaker string, state domain.CircuitState) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case domain.CircuitHalfOpen:
		value = 1
	case domain.CircuitOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(normalizeLabel(breaker)).Set(value)
}

func (m *Metrics) SetConnectedRecipients(n int) {
	if m == nil {
		return
	}
	m.connectedRecipients.Set(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
