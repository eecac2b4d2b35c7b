package buffer

import "github.com/kursadbilgin/relay-engine/internal/domain"

// MessageBuffer queues single messages.
type MessageBuffer = Buffer[*domain.Message]

// BatchBuffer queues producer batches that must be persisted together.
type BatchBuffer = Buffer[[]*domain.Message]

func NewMessageBuffer(capacity int) *MessageBuffer {
	return New[*domain.Message]("messages", capacity)
}

func NewBatchBuffer(capacity int) *BatchBuffer {
	return New[[]*domain.Message]("batches", capacity)
}
