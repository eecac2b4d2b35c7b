package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Connection kinds. A webhook push only succeeds on a 2xx response, which
// already confirms receipt.
const (
	KindStream  = "stream"
	KindWebhook = "webhook"
)

// Connection is a live push channel to one recipient.
type Connection interface {
	ID() string
	Recipient() string
	Kind() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Tracker answers whether a recipient is online and pushes payloads to it.
type Tracker interface {
	GetConnection(ctx context.Context, recipient string) (Connection, bool, error)
	Push(ctx context.Context, conn Connection, payload []byte) error
}

var _ Tracker = (*Hub)(nil)

// Hub is an in-process registry of recipient connections. A recipient holds at
// most one connection; connecting again replaces and closes the previous one.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:  make(map[string]Connection),
		logger: logger,
	}
}

func (h *Hub) Connect(conn Connection) error {
	if conn == nil {
		return fmt.Errorf("connection is required")
	}
	recipient := strings.TrimSpace(conn.Recipient())
	if recipient == "" {
		return fmt.Errorf("connection recipient is required")
	}

	h.mu.Lock()
	previous, replaced := h.conns[recipient]
	h.conns[recipient] = conn
	h.mu.Unlock()

	if replaced && previous.ID() != conn.ID() {
		if err := previous.Close(); err != nil {
			h.logger.Warn("failed to close replaced connection",
				zap.Error(err),
				zap.String("recipient", recipient),
				zap.String("connectionId", previous.ID()),
			)
		}
	}

	h.logger.Info("recipient connected",
		zap.String("recipient", recipient),
		zap.String("connectionId", conn.ID()),
		zap.String("kind", conn.Kind()),
	)
	return nil
}

// Disconnect removes the recipient's connection. A non-empty connID only removes
// the connection with that id, so a late cleanup cannot drop a newer connection.
func (h *Hub) Disconnect(recipient, connID string) bool {
	h.mu.Lock()
	conn, ok := h.conns[recipient]
	if !ok || (connID != "" && conn.ID() != connID) {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, recipient)
	h.mu.Unlock()

	if err := conn.Close(); err != nil {
		h.logger.Warn("failed to close connection",
			zap.Error(err),
			zap.String("recipient", recipient),
		)
	}

	h.logger.Info("recipient disconnected",
		zap.String("recipient", recipient),
		zap.String("connectionId", conn.ID()),
	)
	return true
}

func (h *Hub) GetConnection(_ context.Context, recipient string) (Connection, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.conns[recipient]
	return conn, ok, nil
}

func (h *Hub) Push(ctx context.Context, conn Connection, payload []byte) error {
	if conn == nil {
		return &PushError{Message: "no connection", Transient: true}
	}
	return conn.Send(ctx, payload)
}

// Count returns the number of connected recipients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every registered connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}
