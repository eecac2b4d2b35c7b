package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/buffer"
	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/queue"
)

func newTestIngestWorker(t *testing.T, repo *fakeMessageRepo, pub *fakePublisher, limit int) (*IngestWorker, *buffer.MessageBuffer, *buffer.BatchBuffer) {
	t.Helper()

	single := buffer.NewMessageBuffer(100)
	batches := buffer.NewBatchBuffer(10)
	w, err := NewIngestWorker(repo, pub, single, batches, IngestWorkerConfig{
		Interval:       10 * time.Millisecond,
		BatchSizeLimit: limit,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewIngestWorker() error = %v", err)
	}
	return w, single, batches
}

func enqueueMessage(t *testing.T, b *buffer.MessageBuffer, id string) {
	t.Helper()
	if err := b.TryEnqueue(context.Background(), newTestMessage(id, domain.StatusPending, 0), 0); err != nil {
		t.Fatalf("TryEnqueue(%s) error = %v", id, err)
	}
}

func messageIDs(messages []*domain.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestIngestTickPersistsAndBroadcasts(t *testing.T) {
	t.Parallel()

	var persisted [][]string
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		persisted = append(persisted, messageIDs(messages))
		return nil
	}}
	var published []queue.Broadcast
	pub := &fakePublisher{publishFn: func(ctx context.Context, b queue.Broadcast) error {
		published = append(published, b)
		return nil
	}}

	w, single, _ := newTestIngestWorker(t, repo, pub, 10)
	enqueueMessage(t, single, "m1")
	enqueueMessage(t, single, "m2")

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(persisted) != 1 || len(persisted[0]) != 2 {
		t.Fatalf("persisted = %v, want one batch of 2", persisted)
	}
	if len(published) != 1 || len(published[0].Messages) != 2 {
		t.Fatalf("published = %+v, want one broadcast of 2", published)
	}
	if single.Len() != 0 {
		t.Fatalf("buffer depth = %d, want 0", single.Len())
	}
}

func TestIngestTickRespectsBatchLimit(t *testing.T) {
	t.Parallel()

	var sizes []int
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		sizes = append(sizes, len(messages))
		return nil
	}}

	w, single, _ := newTestIngestWorker(t, repo, &fakePublisher{}, 2)
	for _, id := range []string{"m1", "m2", "m3"} {
		enqueueMessage(t, single, id)
	}

	for i := 0; i < 2; i++ {
		if err := w.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}
	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Fatalf("batch sizes = %v, want [2 1]", sizes)
	}
}

func TestIngestTickDrainsBatchesWhole(t *testing.T) {
	t.Parallel()

	var persisted [][]string
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		persisted = append(persisted, messageIDs(messages))
		return nil
	}}

	w, single, batches := newTestIngestWorker(t, repo, &fakePublisher{}, 2)
	batch := []*domain.Message{
		newTestMessage("b1", domain.StatusPending, 0),
		newTestMessage("b2", domain.StatusPending, 0),
		newTestMessage("b3", domain.StatusPending, 0),
	}
	if err := batches.TryEnqueue(context.Background(), batch, 0); err != nil {
		t.Fatalf("TryEnqueue(batch) error = %v", err)
	}
	enqueueMessage(t, single, "m1")

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	// A producer batch is never split even when it exceeds the limit.
	if len(persisted) != 1 || len(persisted[0]) != 3 {
		t.Fatalf("persisted = %v, want the whole producer batch", persisted)
	}
	if single.Len() != 1 {
		t.Fatalf("single buffer depth = %d, want 1", single.Len())
	}
}

func TestIngestCarriesOverFailedBatch(t *testing.T) {
	t.Parallel()

	calls := 0
	var persisted [][]string
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		calls++
		persisted = append(persisted, messageIDs(messages))
		if calls == 1 {
			return errors.New("db down")
		}
		return nil
	}}

	w, single, _ := newTestIngestWorker(t, repo, &fakePublisher{}, 10)
	enqueueMessage(t, single, "m1")

	if err := w.Tick(context.Background()); err == nil {
		t.Fatal("expected persist error on first tick")
	}

	enqueueMessage(t, single, "m2")
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	if got := persisted[1]; len(got) != 1 || got[0] != "m1" {
		t.Fatalf("second flush = %v, want only the carried-over [m1]", got)
	}
	if single.Len() != 1 {
		t.Fatalf("new message should stay buffered, depth = %d", single.Len())
	}

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("third Tick() error = %v", err)
	}
	if got := persisted[2]; len(got) != 1 || got[0] != "m2" {
		t.Fatalf("third flush = %v, want [m2]", got)
	}
}

func TestIngestMarksQueuedWhenPublishFails(t *testing.T) {
	t.Parallel()

	var queued []string
	repo := &fakeMessageRepo{markQueuedFn: func(ctx context.Context, ids []string, nextRetryAt time.Time) error {
		queued = append(queued, ids...)
		return nil
	}}
	pub := &fakePublisher{publishFn: func(ctx context.Context, b queue.Broadcast) error {
		return errors.New("broker unavailable")
	}}

	w, single, _ := newTestIngestWorker(t, repo, pub, 10)
	enqueueMessage(t, single, "m1")
	enqueueMessage(t, single, "m2")

	if err := w.Tick(context.Background()); err == nil {
		t.Fatal("expected publish error")
	}
	if len(queued) != 2 {
		t.Fatalf("queued ids = %v, want 2", queued)
	}
	if len(w.carry) != 0 {
		t.Fatal("persisted batch must not be carried over")
	}
}

func TestIngestEmptyTickIsNoop(t *testing.T) {
	t.Parallel()

	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		t.Fatal("nothing to persist")
		return nil
	}}

	w, _, _ := newTestIngestWorker(t, repo, &fakePublisher{}, 10)
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
}

func startIngestWorker(t *testing.T, repo *fakeMessageRepo, shutdownWait time.Duration) (*buffer.MessageBuffer, *buffer.BatchBuffer, context.CancelFunc, chan error) {
	t.Helper()

	single := buffer.NewMessageBuffer(100)
	batches := buffer.NewBatchBuffer(10)
	w, err := NewIngestWorker(repo, &fakePublisher{}, single, batches, IngestWorkerConfig{
		Interval:       time.Hour,
		BatchSizeLimit: 10,
		ShutdownWait:   shutdownWait,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewIngestWorker() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	return single, batches, cancel, done
}

func waitStopped(t *testing.T, done chan error) {
	t.Helper()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return")
	}
}

func TestIngestStartFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	persisted := make(chan []string, 10)
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		persisted <- messageIDs(messages)
		return nil
	}}

	single, batches, cancel, done := startIngestWorker(t, repo, time.Minute)
	enqueueMessage(t, single, "m1")
	cancel()
	single.Close()
	batches.Close()
	waitStopped(t, done)

	select {
	case ids := <-persisted:
		if len(ids) != 1 || ids[0] != "m1" {
			t.Fatalf("shutdown flush = %v, want [m1]", ids)
		}
	default:
		t.Fatal("buffered message was not flushed on shutdown")
	}
}

func TestIngestShutdownPersistsEnqueueAfterCancel(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var persisted []string
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		mu.Lock()
		defer mu.Unlock()
		persisted = append(persisted, messageIDs(messages)...)
		return nil
	}}

	single, batches, cancel, done := startIngestWorker(t, repo, time.Minute)
	cancel()

	// A handler still in flight after cancellation.
	time.Sleep(20 * time.Millisecond)
	enqueueMessage(t, single, "late")
	if err := batches.TryEnqueue(context.Background(), []*domain.Message{newTestMessage("late-batch", domain.StatusPending, 0)}, 0); err != nil {
		t.Fatalf("TryEnqueue(batch) error = %v", err)
	}

	select {
	case <-done:
		t.Fatal("Start() returned before the buffers were closed")
	default:
	}

	single.Close()
	batches.Close()
	waitStopped(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 2 {
		t.Fatalf("persisted = %v, want the late message and batch", persisted)
	}
	if !errors.Is(single.TryEnqueue(context.Background(), newTestMessage("after", domain.StatusPending, 0), 0), buffer.ErrClosed) {
		t.Fatal("enqueue after shutdown must be rejected, not silently stranded")
	}
}

func TestIngestShutdownWaitIsBounded(t *testing.T) {
	t.Parallel()

	persisted := make(chan []string, 10)
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		persisted <- messageIDs(messages)
		return nil
	}}

	single, _, cancel, done := startIngestWorker(t, repo, 30*time.Millisecond)
	enqueueMessage(t, single, "m1")
	cancel()
	waitStopped(t, done)

	select {
	case ids := <-persisted:
		if len(ids) != 1 || ids[0] != "m1" {
			t.Fatalf("shutdown flush = %v, want [m1]", ids)
		}
	default:
		t.Fatal("buffered message was not flushed after the wait ran out")
	}
}

func TestIngestHoldsBatchThatWouldExceedLimit(t *testing.T) {
	t.Parallel()

	var persisted [][]string
	repo := &fakeMessageRepo{createBatchFn: func(ctx context.Context, messages []*domain.Message) error {
		persisted = append(persisted, messageIDs(messages))
		return nil
	}}

	w, _, batches := newTestIngestWorker(t, repo, &fakePublisher{}, 4)
	first := []*domain.Message{
		newTestMessage("b1", domain.StatusPending, 0),
		newTestMessage("b2", domain.StatusPending, 0),
		newTestMessage("b3", domain.StatusPending, 0),
	}
	second := []*domain.Message{
		newTestMessage("c1", domain.StatusPending, 0),
		newTestMessage("c2", domain.StatusPending, 0),
	}
	for _, b := range [][]*domain.Message{first, second} {
		if err := batches.TryEnqueue(context.Background(), b, 0); err != nil {
			t.Fatalf("TryEnqueue(batch) error = %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		if err := w.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() #%d error = %v", i+1, err)
		}
	}

	if len(persisted) != 2 || len(persisted[0]) != 3 || len(persisted[1]) != 2 {
		t.Fatalf("persisted = %v, want [b1 b2 b3] then [c1 c2]", persisted)
	}
	for _, ids := range persisted {
		if len(ids) > 4 {
			t.Fatalf("flush of %d exceeds the limit of 4", len(ids))
		}
	}
}
