package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/relay-engine/internal/domain"
	"github.com/kursadbilgin/relay-engine/internal/presence"
	"github.com/kursadbilgin/relay-engine/internal/queue"
	"github.com/kursadbilgin/relay-engine/internal/repository"
)

var (
	_ repository.MessageRepository = (*fakeMessageRepo)(nil)
	_ repository.AttemptRepository = (*fakeAttemptRepo)(nil)
	_ queue.Publisher              = (*fakePublisher)(nil)
	_ queue.Consumer               = (*fakeConsumer)(nil)
	_ presence.Tracker             = (*fakeTracker)(nil)
	_ PendingCache                 = (*fakePendingCache)(nil)
	_ Breaker                      = (*fakeBreaker)(nil)
	_ Idempotency                  = (*fakeIdempotency)(nil)
)

type fakeMessageRepo struct {
	createBatchFn                func(ctx context.Context, messages []*domain.Message) error
	getByIDFn                    func(ctx context.Context, id string) (*domain.Message, error)
	getByIDsFn                   func(ctx context.Context, ids []string) ([]*domain.Message, error)
	listFn                       func(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error)
	updateFn                     func(ctx context.Context, m *domain.Message) error
	updateStatusFn               func(ctx context.Context, id string, status domain.Status) error
	markSentFn                   func(ctx context.Context, id string, sentAt time.Time) error
	markQueuedFn                 func(ctx context.Context, ids []string, nextRetryAt time.Time) error
	getDueForRetryFn             func(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
	markRetryingFn               func(ctx context.Context, id string, now time.Time) (bool, error)
	restoreAfterPublishFailureFn func(ctx context.Context, id string, status domain.Status, nextRetryAt time.Time) error
	getUnacknowledgedFn          func(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Message, error)
	requeueUnacknowledgedFn      func(ctx context.Context, id, reason string, now time.Time) (bool, error)
	deadLetterUnacknowledgedFn   func(ctx context.Context, id, reason string, now time.Time) (bool, error)
	acknowledgeFn                func(ctx context.Context, id string, now time.Time) error
	requeueFn                    func(ctx context.Context, id string, now time.Time) error
}

func (f *fakeMessageRepo) CreateBatch(ctx context.Context, messages []*domain.Message) error {
	if f.createBatchFn != nil {
		return f.createBatchFn(ctx, messages)
	}
	return nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeMessageRepo) GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if f.getByIDsFn != nil {
		return f.getByIDsFn(ctx, ids)
	}
	return nil, nil
}

func (f *fakeMessageRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeMessageRepo) Update(ctx context.Context, m *domain.Message) error {
	if f.updateFn != nil {
		return f.updateFn(ctx, m)
	}
	return nil
}

func (f *fakeMessageRepo) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, id, status)
	}
	return nil
}

func (f *fakeMessageRepo) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, id, sentAt)
	}
	return nil
}

func (f *fakeMessageRepo) MarkQueued(ctx context.Context, ids []string, nextRetryAt time.Time) error {
	if f.markQueuedFn != nil {
		return f.markQueuedFn(ctx, ids, nextRetryAt)
	}
	return nil
}

func (f *fakeMessageRepo) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	if f.getDueForRetryFn != nil {
		return f.getDueForRetryFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeMessageRepo) MarkRetrying(ctx context.Context, id string, now time.Time) (bool, error) {
	if f.markRetryingFn != nil {
		return f.markRetryingFn(ctx, id, now)
	}
	return true, nil
}

func (f *fakeMessageRepo) RestoreAfterPublishFailure(ctx context.Context, id string, status domain.Status, nextRetryAt time.Time) error {
	if f.restoreAfterPublishFailureFn != nil {
		return f.restoreAfterPublishFailureFn(ctx, id, status, nextRetryAt)
	}
	return nil
}

func (f *fakeMessageRepo) GetUnacknowledged(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Message, error) {
	if f.getUnacknowledgedFn != nil {
		return f.getUnacknowledgedFn(ctx, sentBefore, limit)
	}
	return nil, nil
}

func (f *fakeMessageRepo) RequeueUnacknowledged(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	if f.requeueUnacknowledgedFn != nil {
		return f.requeueUnacknowledgedFn(ctx, id, reason, now)
	}
	return true, nil
}

func (f *fakeMessageRepo) DeadLetterUnacknowledged(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	if f.deadLetterUnacknowledgedFn != nil {
		return f.deadLetterUnacknowledgedFn(ctx, id, reason, now)
	}
	return true, nil
}

func (f *fakeMessageRepo) Acknowledge(ctx context.Context, id string, now time.Time) error {
	if f.acknowledgeFn != nil {
		return f.acknowledgeFn(ctx, id, now)
	}
	return nil
}

func (f *fakeMessageRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	if f.requeueFn != nil {
		return f.requeueFn(ctx, id, now)
	}
	return nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) ListByMessageID(ctx context.Context, messageID string) ([]domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range f.attempts {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, b queue.Broadcast) error
}

func (f *fakePublisher) Publish(ctx context.Context, b queue.Broadcast) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, b)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, handler queue.BroadcastHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, handler queue.BroadcastHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeConnection struct {
	id     string
	kind   string
	sendFn func(ctx context.Context, payload []byte) error

	mu     sync.Mutex
	pushed [][]byte
}

func (c *fakeConnection) ID() string        { return c.id }
func (c *fakeConnection) Recipient() string { return "user-1" }
func (c *fakeConnection) Kind() string {
	if c.kind == "" {
		return presence.KindStream
	}
	return c.kind
}
func (c *fakeConnection) Close() error      { return nil }

func (c *fakeConnection) Send(ctx context.Context, payload []byte) error {
	if c.sendFn != nil {
		if err := c.sendFn(ctx, payload); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, payload)
	return nil
}

func (c *fakeConnection) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushed)
}

// fakeTracker reports conn as online for every recipient when conn is set.
type fakeTracker struct {
	conn  *fakeConnection
	getFn func(ctx context.Context, recipient string) (presence.Connection, bool, error)
}

func (f *fakeTracker) GetConnection(ctx context.Context, recipient string) (presence.Connection, bool, error) {
	if f.getFn != nil {
		return f.getFn(ctx, recipient)
	}
	if f.conn == nil {
		return nil, false, nil
	}
	return f.conn, true, nil
}

func (f *fakeTracker) Push(ctx context.Context, conn presence.Connection, payload []byte) error {
	return conn.Send(ctx, payload)
}

type fakePendingCache struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	appendFn func(ctx context.Context, recipient string, payload []byte) error
}

func newFakePendingCache() *fakePendingCache {
	return &fakePendingCache{lists: make(map[string][][]byte)}
}

func (f *fakePendingCache) Append(ctx context.Context, recipient string, payload []byte) error {
	if f.appendFn != nil {
		if err := f.appendFn(ctx, recipient, payload); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[recipient] = append(f.lists[recipient], payload)
	return nil
}

func (f *fakePendingCache) Drain(ctx context.Context, recipient string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.lists[recipient]
	delete(f.lists, recipient)
	return out, nil
}

func (f *fakePendingCache) len(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[recipient])
}

type fakeBreaker struct {
	mu        sync.Mutex
	open      bool
	timeout   time.Duration
	successes int
	failures  int
}

func (f *fakeBreaker) Name() string           { return "delivery" }
func (f *fakeBreaker) Timeout() time.Duration { return f.timeout }

func (f *fakeBreaker) State(ctx context.Context) (domain.CircuitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return domain.CircuitOpen, nil
	}
	return domain.CircuitClosed, nil
}

func (f *fakeBreaker) IsOpen(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, nil
}

func (f *fakeBreaker) RecordSuccess(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

func (f *fakeBreaker) RecordFailure(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return nil
}

type fakeIdempotency struct {
	mu       sync.Mutex
	keys     map[string]struct{}
	released []string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: make(map[string]struct{})}
}

func (f *fakeIdempotency) IsProcessed(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok, nil
}

func (f *fakeIdempotency) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = struct{}{}
	return true, nil
}

func (f *fakeIdempotency) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	f.released = append(f.released, key)
	return nil
}

func newTestMessage(id string, status domain.Status, retryCount int) *domain.Message {
	content := "hello"
	key := "msg:" + id
	now := time.Unix(1_700_000_000, 0).UTC()
	return &domain.Message{
		ID:             id,
		Recipient:      "user-1",
		Content:        &content,
		ContentType:    domain.ContentTypeText,
		Status:         status,
		Priority:       domain.PriorityNormal,
		RetryCount:     retryCount,
		IdempotencyKey: &key,
		From:           "tenant-a",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
