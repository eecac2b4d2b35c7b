package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a message.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusQueued       Status = "QUEUED"
	StatusRetrying     Status = "RETRYING"
	StatusSent         Status = "SENT"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusFailed       Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRetrying, StatusSent, StatusAcknowledged, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusPending, StatusSent, StatusFailed, StatusQueued},
	StatusQueued:   {StatusRetrying, StatusSent, StatusPending, StatusFailed},
	StatusRetrying: {StatusSent, StatusPending, StatusFailed, StatusQueued},
	StatusFailed:   {StatusRetrying, StatusFailed},
	StatusSent:     {StatusAcknowledged, StatusQueued, StatusFailed},
}

// CanTransitionTo reports whether a message in status s may move to next.
// Acknowledged has no outgoing edges.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ContentType is the encoding of a message body.
type ContentType string

const (
	ContentTypeText ContentType = "TEXT"
	ContentTypeJSON ContentType = "JSON"
)

func (c ContentType) String() string { return string(c) }

func (c ContentType) IsValid() bool {
	switch c {
	case ContentTypeText, ContentTypeJSON:
		return true
	}
	return false
}

func ParseContentTypeFromString(s string) (ContentType, error) {
	ct := ContentType(strings.ToUpper(strings.TrimSpace(s)))
	if !ct.IsValid() {
		return "", fmt.Errorf("%w: invalid content type %q", ErrValidation, s)
	}
	return ct, nil
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

const (
	MaxRecipientLength = 255
	MaxSubjectLength   = 255
	MaxContentLength   = 64 * 1024
	MaxAttachments     = 10
)

// Attachment is a file reference owned by exactly one message.
type Attachment struct {
	ID          string
	MessageID   string
	FileName    string
	ContentType string
	URL         string
	ExpiresAt   *time.Time
}

func (a *Attachment) Validate() error {
	if strings.TrimSpace(a.FileName) == "" {
		return fmt.Errorf("%w: attachment file name is required", ErrValidation)
	}
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("%w: attachment url is required", ErrValidation)
	}
	return nil
}

// Message is the aggregate moved through the delivery pipeline.
type Message struct {
	ID             string
	Recipient      string
	Subject        string
	Content        *string
	ContentType    ContentType
	Status         Status
	Priority       Priority
	RetryCount     int
	NextRetryAt    *time.Time
	LastRetryAt    *time.Time
	MovedToDLQAt   *time.Time
	LastError      *string
	SentAt         *time.Time
	AcknowledgedAt *time.Time
	IdempotencyKey *string
	From           string
	Attachments    []Attachment
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if len(m.Recipient) > MaxRecipientLength {
		return fmt.Errorf("%w: recipient exceeds %d characters", ErrValidation, MaxRecipientLength)
	}
	if len([]rune(m.Subject)) > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLength)
	}
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if !m.ContentType.IsValid() {
		return fmt.Errorf("%w: invalid content type %q", ErrValidation, m.ContentType)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, m.Priority)
	}
	if m.Content == nil && len(m.Attachments) == 0 {
		return fmt.Errorf("%w: content or attachments are required", ErrValidation)
	}
	if m.Content != nil && len(*m.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes (got %d)", ErrValidation, MaxContentLength, len(*m.Content))
	}
	if len(m.Attachments) > MaxAttachments {
		return fmt.Errorf("%w: at most %d attachments allowed", ErrValidation, MaxAttachments)
	}
	for i := range m.Attachments {
		if err := m.Attachments[i].Validate(); err != nil {
			return err
		}
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("%w: retry count must not be negative", ErrValidation)
	}
	return nil
}

// IsDeadLettered reports whether the message exhausted its retries.
func (m *Message) IsDeadLettered() bool {
	return m.MovedToDLQAt != nil
}

// TransitionTo moves the message to next, enforcing the status state machine.
func (m *Message) TransitionTo(next Status, now time.Time) error {
	if m.IsDeadLettered() {
		return fmt.Errorf("%w: message %s is dead-lettered", ErrInvalidTransition, m.ID)
	}
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, next)
	}
	m.Status = next
	m.UpdatedAt = now
	switch next {
	case StatusSent:
		m.SentAt = &now
		m.NextRetryAt = nil
	case StatusAcknowledged:
		m.AcknowledgedAt = &now
	case StatusPending:
		m.NextRetryAt = nil
	}
	return nil
}

// ScheduleRetry records a failed attempt that remains eligible for retry.
func (m *Message) ScheduleRetry(reason string, nextRetryAt, now time.Time) {
	m.Status = StatusFailed
	m.LastError = &reason
	m.NextRetryAt = &nextRetryAt
	m.UpdatedAt = now
}

// DeadLetter marks the message permanently failed.
func (m *Message) DeadLetter(reason string, now time.Time) {
	m.Status = StatusFailed
	m.LastError = &reason
	m.NextRetryAt = nil
	m.MovedToDLQAt = &now
	m.UpdatedAt = now
}

// IdempotencyKeyOrEmpty returns the assigned idempotency key, if any.
func (m *Message) IdempotencyKeyOrEmpty() string {
	if m.IdempotencyKey == nil {
		return ""
	}
	return *m.IdempotencyKey
}
