package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrMailboxFull      = errors.New("mailbox full")
)

// PushError classifies a failed push to a live connection as transient or permanent.
type PushError struct {
	Recipient  string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *PushError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "push error")

	if e.Recipient != "" {
		parts = append(parts, "recipient="+e.Recipient)
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *PushError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a push may succeed if attempted again later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return pushErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
