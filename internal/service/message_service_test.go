package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/buffer"
	"github.com/kursadbilgin/relay-engine/internal/domain"
)

type fakeLimiter struct {
	allowFn func(ctx context.Context, subject string) (bool, error)
	calls   []string
}

func (f *fakeLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	f.calls = append(f.calls, subject)
	if f.allowFn != nil {
		return f.allowFn(ctx, subject)
	}
	return true, nil
}

type messageFixture struct {
	repo    *fakeMessageRepo
	single  *buffer.MessageBuffer
	batches *buffer.BatchBuffer
	limiter *fakeLimiter
	idem    *fakeIdempotency
}

func newMessageFixture(capacity int) *messageFixture {
	return &messageFixture{
		repo:    &fakeMessageRepo{},
		single:  buffer.NewMessageBuffer(capacity),
		batches: buffer.NewBatchBuffer(capacity),
		limiter: &fakeLimiter{},
		idem:    newFakeIdempotency(),
	}
}

func (f *messageFixture) service(t *testing.T) *MessageService {
	t.Helper()

	svc, err := NewMessageService(f.repo, f.single, f.batches, f.limiter, f.idem, MessageServiceConfig{
		EnqueueTimeout: 10 * time.Millisecond,
		BatchSizeLimit: 3,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMessageService() error = %v", err)
	}
	return svc
}

func textDraft(recipient, from string) domain.Draft {
	return domain.Draft{Recipient: recipient, Content: "hello", From: from}
}

func TestSubmitBuffersMessage(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	msg, err := f.service(t).Submit(context.Background(), domain.KindText, textDraft("user-1", "tenant-a"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if msg.ID == "" {
		t.Fatal("message id should be assigned")
	}
	if !strings.HasPrefix(msg.IdempotencyKeyOrEmpty(), "msg:") {
		t.Fatalf("idempotency key = %q, want msg: prefix", msg.IdempotencyKeyOrEmpty())
	}
	if msg.Status != domain.StatusPending || msg.Priority != domain.PriorityNormal {
		t.Fatalf("message = %s/%s, want PENDING/NORMAL", msg.Status, msg.Priority)
	}
	if f.single.Len() != 1 {
		t.Fatalf("buffer depth = %d, want 1", f.single.Len())
	}
	if len(f.limiter.calls) != 1 || f.limiter.calls[0] != "tenant-a" {
		t.Fatalf("limiter calls = %v, want [tenant-a]", f.limiter.calls)
	}
}

func TestSubmitAssignsAttachmentIDs(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	draft := domain.Draft{
		Recipient:   "user-1",
		From:        "tenant-a",
		Attachments: []domain.Attachment{{FileName: "a.pdf", URL: "https://files.example.com/a.pdf"}},
	}
	msg, err := f.service(t).Submit(context.Background(), domain.KindAttachment, draft)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if msg.Attachments[0].ID == "" || msg.Attachments[0].MessageID != msg.ID {
		t.Fatalf("attachment = %+v, want id and owner assigned", msg.Attachments[0])
	}
}

func TestSubmitRejectsInvalidDraft(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	_, err := f.service(t).Submit(context.Background(), domain.KindJSON, domain.Draft{
		Recipient: "user-1",
		Content:   "{not json",
		From:      "tenant-a",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if f.single.Len() != 0 {
		t.Fatal("invalid message must not be buffered")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	f.limiter.allowFn = func(ctx context.Context, subject string) (bool, error) { return false, nil }

	_, err := f.service(t).Submit(context.Background(), domain.KindText, textDraft("user-1", "tenant-a"))
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
}

func TestSubmitFailsOpenWhenLimiterErrors(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	f.limiter.allowFn = func(ctx context.Context, subject string) (bool, error) {
		return false, errors.New("redis unavailable")
	}

	if _, err := f.service(t).Submit(context.Background(), domain.KindText, textDraft("user-1", "tenant-a")); err != nil {
		t.Fatalf("Submit() error = %v, want admitted", err)
	}
}

func TestSubmitBufferFull(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(1)
	svc := f.service(t)
	if _, err := svc.Submit(context.Background(), domain.KindText, textDraft("user-1", "tenant-a")); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	_, err := svc.Submit(context.Background(), domain.KindText, textDraft("user-2", "tenant-a"))
	if !errors.Is(err, buffer.ErrFull) {
		t.Fatalf("error = %v, want buffer.ErrFull", err)
	}
	if got := f.single.Metrics().Rejected; got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
}

func TestSubmitBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	_, err := f.service(t).SubmitBatch(context.Background(), []BatchItem{
		{Kind: domain.KindText, Draft: textDraft("user-1", "tenant-a")},
		{Kind: domain.KindText, Draft: domain.Draft{Recipient: "user-2", From: "tenant-a"}},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if f.batches.Len() != 0 {
		t.Fatal("partially valid batch must not be buffered")
	}
}

func TestSubmitBatchBuffersOneUnit(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	messages, err := f.service(t).SubmitBatch(context.Background(), []BatchItem{
		{Kind: domain.KindText, Draft: textDraft("user-1", "tenant-a")},
		{Kind: domain.KindText, Draft: textDraft("user-2", "tenant-a")},
		{Kind: domain.KindJSON, Draft: domain.Draft{Recipient: "user-3", Content: `{"a":1}`, From: "tenant-b"}},
	})
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	if f.batches.Len() != 1 {
		t.Fatalf("batch buffer depth = %d, want 1", f.batches.Len())
	}
	if len(f.limiter.calls) != 2 {
		t.Fatalf("limiter calls = %v, want one per sender", f.limiter.calls)
	}
}

func TestSubmitBatchValidatesSize(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	svc := f.service(t)

	if _, err := svc.SubmitBatch(context.Background(), nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty batch error = %v, want ErrValidation", err)
	}

	items := make([]BatchItem, 4)
	for i := range items {
		items[i] = BatchItem{Kind: domain.KindText, Draft: textDraft("user-1", "tenant-a")}
	}
	if _, err := svc.SubmitBatch(context.Background(), items); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("oversized batch error = %v, want ErrValidation", err)
	}
}

func TestRequeueReleasesIdempotencyKey(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	var requeued string
	f.repo.requeueFn = func(ctx context.Context, id string, now time.Time) error {
		requeued = id
		return nil
	}
	f.repo.getByIDFn = func(ctx context.Context, id string) (*domain.Message, error) {
		return newTestMessage(id, domain.StatusFailed, 0), nil
	}
	_, _ = f.idem.MarkProcessed(context.Background(), "msg:m1", time.Hour)

	msg, err := f.service(t).Requeue(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if requeued != "m1" || msg.ID != "m1" {
		t.Fatalf("requeued = %q, message = %q", requeued, msg.ID)
	}
	if processed, _ := f.idem.IsProcessed(context.Background(), "msg:m1"); processed {
		t.Fatal("idempotency key should be released on requeue")
	}
}

func TestRequeueNotDeadLettered(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	f.repo.requeueFn = func(ctx context.Context, id string, now time.Time) error {
		return domain.ErrInvalidTransition
	}

	if _, err := f.service(t).Requeue(context.Background(), "m1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if len(f.idem.released) != 0 {
		t.Fatal("key must not be released when requeue is refused")
	}
}

func TestBufferMetricsReportsBothBuffers(t *testing.T) {
	t.Parallel()

	f := newMessageFixture(10)
	metrics := f.service(t).BufferMetrics()
	if len(metrics) != 2 || metrics[0].Name != "messages" || metrics[1].Name != "batches" {
		t.Fatalf("buffer metrics = %+v", metrics)
	}
}
