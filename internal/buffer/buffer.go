// Package buffer provides the bounded in-memory queue between producers and the ingest worker.
package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const DefaultCapacity = 10000

var (
	ErrFull   = errors.New("buffer full")
	ErrClosed = errors.New("buffer closed")
)

// Buffer is a fixed-capacity FIFO safe for many producers and consumers.
// A full buffer blocks producers up to their timeout instead of growing.
type Buffer[T any] struct {
	name     string
	items    chan T
	done     chan struct{}
	sealed   chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	depth    atomic.Int64
	enqueued atomic.Int64
	dequeued atomic.Int64
	rejected atomic.Int64

	now func() time.Time
}

func New[T any](name string, capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{
		name:  name,
		items:  make(chan T, capacity),
		done:   make(chan struct{}),
		sealed: make(chan struct{}),
		now:    time.Now,
	}
}

func (b *Buffer[T]) Name() string { return b.name }

// TryEnqueue adds item, waiting up to timeout for space. A timeout <= 0 never waits.
func (b *Buffer[T]) TryEnqueue(ctx context.Context, item T, timeout time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	select {
	case b.items <- item:
		b.recordEnqueue()
		return nil
	default:
	}

	if timeout <= 0 {
		b.rejected.Add(1)
		return ErrFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b.items <- item:
		b.recordEnqueue()
		return nil
	case <-timer.C:
		b.rejected.Add(1)
		return ErrFull
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available or ctx is done.
func (b *Buffer[T]) Dequeue(ctx context.Context) (T, error) {
	select {
	case item := <-b.items:
		b.recordDequeue(1)
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitDequeue blocks until an item is available, timeout elapses or ctx is done.
func (b *Buffer[T]) WaitDequeue(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	select {
	case item := <-b.items:
		b.recordDequeue(1)
		return item, true
	default:
	}
	if timeout <= 0 {
		return zero, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-b.items:
		b.recordDequeue(1)
		return item, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// TryDequeueAll drains up to max items without blocking. max <= 0 drains everything available.
func (b *Buffer[T]) TryDequeueAll(max int) []T {
	var out []T
	for max <= 0 || len(out) < max {
		select {
		case item := <-b.items:
			out = append(out, item)
		default:
			b.recordDequeue(len(out))
			return out
		}
	}
	b.recordDequeue(len(out))
	return out
}

func (b *Buffer[T]) Len() int { return int(b.currentDepth()) }

func (b *Buffer[T]) Cap() int { return cap(b.items) }

// Close rejects further enqueues and wakes producers waiting for space. It
// returns once every in-flight enqueue has finished. Items already buffered
// stay drainable.
func (b *Buffer[T]) Close() {
	b.closeOne.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.done)
		b.mu.Unlock()

		b.inflight.Wait()
		close(b.sealed)
	})
}

// Sealed is closed once Close has returned: no item can be added after that,
// so a drain that starts afterwards sees everything ever accepted.
func (b *Buffer[T]) Sealed() <-chan struct{} { return b.sealed }

func (b *Buffer[T]) Metrics() domain.BufferMetrics {
	depth := b.currentDepth()
	capacity := cap(b.items)
	return domain.BufferMetrics{
		Name:               b.name,
		Depth:              depth,
		Capacity:           capacity,
		UtilizationPercent: float64(depth) / float64(capacity) * 100,
		Enqueued:           b.enqueued.Load(),
		Dequeued:           b.dequeued.Load(),
		Rejected:           b.rejected.Load(),
		Timestamp:          b.now().UTC(),
	}
}

// currentDepth clamps the transient negative value seen when a consumer
// receives an item before the producer has counted it.
func (b *Buffer[T]) currentDepth() int64 {
	if d := b.depth.Load(); d > 0 {
		return d
	}
	return 0
}

func (b *Buffer[T]) recordEnqueue() {
	b.depth.Add(1)
	b.enqueued.Add(1)
}

func (b *Buffer[T]) recordDequeue(n int) {
	if n == 0 {
		return
	}
	b.depth.Add(int64(-n))
	b.dequeued.Add(int64(n))
}
