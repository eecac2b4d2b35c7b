package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

// MessageEvent is the wire form of a message at the ingestion/delivery boundary.
// It is also the payload pushed to recipients and parked in the pending cache.
type MessageEvent struct {
	ID             string             `json:"id"`
	Recipient      string             `json:"recipient"`
	Subject        string             `json:"subject"`
	Content        *string            `json:"content"`
	ContentType    domain.ContentType `json:"contentType"`
	Priority       domain.Priority    `json:"priority"`
	IdempotencyKey string             `json:"idempotencyKey"`
	From           string             `json:"from"`
}

func (e MessageEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(e.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if !e.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", e.Priority)
	}
	return nil
}

// Broadcast carries a batch of created or resubmitted messages.
type Broadcast struct {
	BatchID   string         `json:"batchId"`
	Messages  []MessageEvent `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (b Broadcast) Validate() error {
	if strings.TrimSpace(b.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if len(b.Messages) == 0 {
		return fmt.Errorf("broadcast has no messages")
	}
	for i, m := range b.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// MessageIDs returns the ids of the carried messages in order.
func (b Broadcast) MessageIDs() []string {
	return lo.Map(b.Messages, func(e MessageEvent, _ int) string { return e.ID })
}

// Priority is the highest priority among the carried messages.
func (b Broadcast) Priority() domain.Priority {
	best := domain.PriorityLow
	for _, m := range b.Messages {
		if PriorityValue(m.Priority) > PriorityValue(best) {
			best = m.Priority
		}
	}
	return best
}

func EventFromMessage(m *domain.Message) MessageEvent {
	return MessageEvent{
		ID:             m.ID,
		Recipient:      m.Recipient,
		Subject:        m.Subject,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Priority:       m.Priority,
		IdempotencyKey: m.IdempotencyKeyOrEmpty(),
		From:           m.From,
	}
}

func NewBroadcast(messages []*domain.Message, now time.Time) Broadcast {
	return Broadcast{
		BatchID:   uuid.NewString(),
		Messages:  lo.Map(messages, func(m *domain.Message, _ int) MessageEvent { return EventFromMessage(m) }),
		CreatedAt: now.UTC(),
	}
}

// EncodeEvent serializes the payload delivered to a recipient.
func EncodeEvent(e MessageEvent) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message event: %w", err)
	}
	return payload, nil
}

func DecodeEvent(payload []byte) (MessageEvent, error) {
	var e MessageEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return MessageEvent{}, fmt.Errorf("failed to unmarshal message event: %w", err)
	}
	return e, nil
}
