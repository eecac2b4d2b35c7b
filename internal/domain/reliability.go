package domain

import "time"

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

func (s CircuitState) String() string { return string(s) }

// CircuitBreakerState is the breaker record shared by every delivery worker.
type CircuitBreakerState struct {
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failureCount"`
	SuccessCount  int          `json:"successCount"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
	OpenedAt      *time.Time   `json:"openedAt,omitempty"`
}

// IdempotencyRecord marks a key as already handled.
type IdempotencyRecord struct {
	Key         string
	ProcessedAt time.Time
}

// BufferMetrics is a point-in-time view of an ingestion buffer.
type BufferMetrics struct {
	Name               string    `json:"name"`
	Depth              int64     `json:"depth"`
	Capacity           int       `json:"capacity"`
	UtilizationPercent float64   `json:"utilizationPercent"`
	Enqueued           int64     `json:"enqueued"`
	Dequeued           int64     `json:"dequeued"`
	Rejected           int64     `json:"rejected"`
	Timestamp          time.Time `json:"timestamp"`
}
