package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name     string
		priority domain.Priority
		want     uint8
	}{
		{name: "high", priority: domain.PriorityHigh, want: 3},
		{name: "normal", priority: domain.PriorityNormal, want: 2},
		{name: "low", priority: domain.PriorityLow, want: 1},
		{name: "invalid", priority: domain.Priority("invalid"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.priority)
			if got != tt.want {
				t.Fatalf("PriorityValue(%q) = %d, want %d", tt.priority, got, tt.want)
			}
		})
	}
}

func testMessage(id string, priority domain.Priority) *domain.Message {
	content := "hello"
	key := "msg:" + id
	return &domain.Message{
		ID:             id,
		Recipient:      "user-1",
		Content:        &content,
		ContentType:    domain.ContentTypeText,
		Priority:       priority,
		Status:         domain.StatusPending,
		IdempotencyKey: &key,
		From:           "tenant-a",
	}
}

func TestNewBroadcast(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("TRT", 3*3600))
	b := NewBroadcast([]*domain.Message{
		testMessage("m1", domain.PriorityLow),
		testMessage("m2", domain.PriorityHigh),
	}, now)

	if b.BatchID == "" {
		t.Fatal("BatchID is empty")
	}
	if !b.CreatedAt.Equal(now) || b.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt = %v, want %v in UTC", b.CreatedAt, now)
	}
	ids := b.MessageIDs()
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("MessageIDs() = %v, want [m1 m2]", ids)
	}
	if b.Priority() != domain.PriorityHigh {
		t.Fatalf("Priority() = %s, want %s", b.Priority(), domain.PriorityHigh)
	}
	if b.Messages[1].IdempotencyKey != "msg:m2" {
		t.Fatalf("IdempotencyKey = %q, want msg:m2", b.Messages[1].IdempotencyKey)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestBroadcastValidate(t *testing.T) {
	valid := NewBroadcast([]*domain.Message{testMessage("m1", domain.PriorityNormal)}, time.Now())

	noID := valid
	noID.BatchID = ""
	if err := noID.Validate(); err == nil {
		t.Fatal("expected error for empty batch id")
	}

	empty := valid
	empty.Messages = nil
	if err := empty.Validate(); err == nil {
		t.Fatal("expected error for empty broadcast")
	}

	badPriority := NewBroadcast([]*domain.Message{testMessage("m1", domain.Priority("URGENT"))}, time.Now())
	if err := badPriority.Validate(); err == nil {
		t.Fatal("expected error for invalid priority")
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	event := EventFromMessage(testMessage("m1", domain.PriorityNormal))

	payload, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent() unexpected error: %v", err)
	}
	got, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent() unexpected error: %v", err)
	}
	if got.ID != "m1" || got.Content == nil || *got.Content != "hello" {
		t.Fatalf("DecodeEvent() = %+v", got)
	}

	if _, err := DecodeEvent([]byte("{")); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

type fakeAcknowledger struct {
	acked    int
	nacked   int
	rejected int
	requeue  bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.rejected++
	f.requeue = requeue
	return nil
}

func TestHandleDelivery(t *testing.T) {
	valid, err := json.Marshal(NewBroadcast([]*domain.Message{testMessage("m1", domain.PriorityNormal)}, time.Now()))
	if err != nil {
		t.Fatalf("marshal broadcast: %v", err)
	}
	invalid, err := json.Marshal(Broadcast{BatchID: "b1"})
	if err != nil {
		t.Fatalf("marshal broadcast: %v", err)
	}

	tests := []struct {
		name         string
		body         []byte
		handlerErr   error
		wantAck      int
		wantNack     int
		wantReject   int
		wantRequeue  bool
		wantHandlers int
	}{
		{name: "handled", body: valid, wantAck: 1, wantHandlers: 1},
		{name: "handler failure requeues", body: valid, handlerErr: errors.New("db down"), wantNack: 1, wantRequeue: true, wantHandlers: 1},
		{name: "invalid json is dead-lettered", body: []byte("not json"), wantReject: 1},
		{name: "invalid broadcast is dead-lettered", body: invalid, wantReject: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			consumer := NewRabbitMQConsumer(&RabbitMQ{}, 1, zap.NewNop())

			calls := 0
			handler := func(context.Context, Broadcast) error {
				calls++
				return tt.handlerErr
			}

			d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: tt.body}
			if err := consumer.handleDelivery(context.Background(), d, handler); err != nil {
				t.Fatalf("handleDelivery() unexpected error: %v", err)
			}

			if calls != tt.wantHandlers {
				t.Fatalf("handler calls = %d, want %d", calls, tt.wantHandlers)
			}
			if ack.acked != tt.wantAck || ack.nacked != tt.wantNack || ack.rejected != tt.wantReject {
				t.Fatalf("ack/nack/reject = %d/%d/%d, want %d/%d/%d",
					ack.acked, ack.nacked, ack.rejected, tt.wantAck, tt.wantNack, tt.wantReject)
			}
			if ack.requeue != tt.wantRequeue {
				t.Fatalf("requeue = %v, want %v", ack.requeue, tt.wantRequeue)
			}
		})
	}
}
