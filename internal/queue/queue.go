package queue

import (
	"context"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

// Publisher publishes broadcasts to the delivery workers.
type Publisher interface {
	Publish(ctx context.Context, b Broadcast) error
	Close() error
}

// BroadcastHandler handles a consumed broadcast. A non-nil error requeues it.
type BroadcastHandler func(ctx context.Context, b Broadcast) error

// Consumer consumes broadcasts until its context is canceled.
type Consumer interface {
	Consume(ctx context.Context, handler BroadcastHandler) error
	Close() error
}

const (
	// BroadcastExchange fans "messages created" broadcasts out to every bound queue.
	BroadcastExchange = "relay.messages"
	// CreatedQueue is the work queue shared by delivery workers.
	CreatedQueue = "messages.created"
	// CreatedDLQ receives broadcasts that could not be decoded.
	CreatedDLQ = "messages.created.dlq"

	dlxExchangeName  = "relay.dlx"
	dlqRoutingKey    = "messages.created"
	queueMaxPriority int32 = 3
)

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
