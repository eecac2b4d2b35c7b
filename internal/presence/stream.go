package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const DefaultMailboxSize = 64

// StreamConnection buffers payloads for a long-lived stream such as SSE.
// The stream handler drains Messages until Done is closed.
type StreamConnection struct {
	id        string
	recipient string
	mailbox   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewStreamConnection(recipient string, mailboxSize int) *StreamConnection {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &StreamConnection{
		id:        uuid.NewString(),
		recipient: recipient,
		mailbox:   make(chan []byte, mailboxSize),
		done:      make(chan struct{}),
	}
}

func (c *StreamConnection) ID() string        { return c.id }
func (c *StreamConnection) Recipient() string { return c.recipient }
func (c *StreamConnection) Kind() string      { return KindStream }

// Send never blocks: a full mailbox fails the push so the caller can park or retry.
func (c *StreamConnection) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return &PushError{Recipient: c.recipient, Transient: true, Cause: ErrConnectionClosed}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case c.mailbox <- payload:
		return nil
	default:
		return &PushError{Recipient: c.recipient, Transient: true, Cause: ErrMailboxFull}
	}
}

func (c *StreamConnection) Messages() <-chan []byte { return c.mailbox }

func (c *StreamConnection) Done() <-chan struct{} { return c.done }

func (c *StreamConnection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
