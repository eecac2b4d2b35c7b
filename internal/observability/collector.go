package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const DefaultCollectorWindow = 60 * time.Second

// BreakerStateReader exposes the current circuit state to the collector.
type BreakerStateReader interface {
	State(ctx context.Context) (domain.CircuitState, error)
}

// CollectorSnapshot is a derived view over the rolling window.
type CollectorSnapshot struct {
	WindowSeconds     int                 `json:"windowSeconds"`
	Processed         int64               `json:"processed"`
	Failed            int64               `json:"failed"`
	Retried           int64               `json:"retried"`
	MessagesPerSecond float64             `json:"messagesPerSecond"`
	AverageLatencyMs  float64             `json:"averageLatencyMs"`
	RetryRate         float64             `json:"retryRate"`
	FailureRate       float64             `json:"failureRate"`
	CircuitState      domain.CircuitState `json:"circuitState"`
	Timestamp         time.Time           `json:"timestamp"`
}

type secondBucket struct {
	second       atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	latencySum   atomic.Int64
	latencyCount atomic.Int64
}

func (b *secondBucket) reset() {
	b.processed.Store(0)
	b.failed.Store(0)
	b.retried.Store(0)
	b.latencySum.Store(0)
	b.latencyCount.Store(0)
}

// Collector keeps one bucket per second over a fixed ring. Writers never lock;
// a bucket is claimed for a new second with a CAS on its timestamp. A write that
// races the rotation of its bucket may be dropped.
type Collector struct {
	buckets []secondBucket
	breaker BreakerStateReader
	logger  *zap.Logger
	now     func() time.Time
}

func NewCollector(window time.Duration, breaker BreakerStateReader, logger *zap.Logger) *Collector {
	seconds := int(window / time.Second)
	if seconds <= 0 {
		seconds = int(DefaultCollectorWindow / time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collector{
		buckets: make([]secondBucket, seconds),
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Collector) bucketAt(now time.Time) *secondBucket {
	sec := now.Unix()
	b := &c.buckets[int(sec%int64(len(c.buckets)))]
	for {
		current := b.second.Load()
		if current >= sec {
			return b
		}
		if b.second.CompareAndSwap(current, sec) {
			b.reset()
			return b
		}
	}
}

// RecordProcessed counts a successful delivery and its latency.
func (c *Collector) RecordProcessed(latency time.Duration) {
	if c == nil {
		return
	}
	b := c.bucketAt(c.now())
	b.processed.Add(1)
	if latency >= 0 {
		b.latencySum.Add(int64(latency))
		b.latencyCount.Add(1)
	}
}

func (c *Collector) RecordFailure() {
	if c == nil {
		return
	}
	c.bucketAt(c.now()).failed.Add(1)
}

func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.bucketAt(c.now()).retried.Add(1)
}

func (c *Collector) Snapshot(ctx context.Context) CollectorSnapshot {
	now := c.now()
	window := int64(len(c.buckets))
	oldest := now.Unix() - window + 1

	var processed, failed, retried, latencySum, latencyCount int64
	for i := range c.buckets {
		b := &c.buckets[i]
		if b.second.Load() < oldest {
			continue
		}
		processed += b.processed.Load()
		failed += b.failed.Load()
		retried += b.retried.Load()
		latencySum += b.latencySum.Load()
		latencyCount += b.latencyCount.Load()
	}

	snap := CollectorSnapshot{
		WindowSeconds:     int(window),
		Processed:         processed,
		Failed:            failed,
		Retried:           retried,
		MessagesPerSecond: float64(processed) / float64(window),
		CircuitState:      domain.CircuitClosed,
		Timestamp:         now.UTC(),
	}
	if latencyCount > 0 {
		snap.AverageLatencyMs = float64(latencySum) / float64(latencyCount) / float64(time.Millisecond)
	}
	if attempts := processed + failed; attempts > 0 {
		snap.FailureRate = float64(failed) / float64(attempts)
		snap.RetryRate = float64(retried) / float64(attempts)
	}

	if c.breaker != nil {
		state, err := c.breaker.State(ctx)
		if err != nil {
			c.logger.Warn("failed to read circuit state for snapshot", zap.Error(err))
		} else {
			snap.CircuitState = state
		}
	}

	return snap
}

// Start zeroes buckets that fell out of the window until ctx is canceled.
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(len(c.buckets)) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.trim()
		}
	}
}

func (c *Collector) trim() {
	oldest := c.now().Unix() - int64(len(c.buckets)) + 1
	for i := range c.buckets {
		b := &c.buckets[i]
		current := b.second.Load()
		if current < oldest && current != 0 {
			if b.second.CompareAndSwap(current, 0) {
				b.reset()
			}
		}
	}
}
