package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageKind selects the creation strategy for a new message.
type MessageKind string

const (
	KindText       MessageKind = "TEXT"
	KindJSON       MessageKind = "JSON"
	KindAttachment MessageKind = "ATTACHMENT"
)

func (k MessageKind) String() string { return string(k) }

func (k MessageKind) IsValid() bool {
	switch k {
	case KindText, KindJSON, KindAttachment:
		return true
	}
	return false
}

func ParseMessageKindFromString(s string) (MessageKind, error) {
	k := MessageKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid message kind %q", ErrValidation, s)
	}
	return k, nil
}

// Draft carries producer input before a message is created.
type Draft struct {
	Recipient   string
	Subject     string
	Content     string
	Priority    Priority
	From        string
	Attachments []Attachment
}

// NewMessage builds a pending message from a draft using the strategy for kind.
// The caller assigns ID and idempotency key.
func NewMessage(kind MessageKind, d Draft, now time.Time) (*Message, error) {
	msg := &Message{
		Recipient:   strings.TrimSpace(d.Recipient),
		Subject:     d.Subject,
		Priority:    d.Priority,
		From:        d.From,
		Status:      StatusPending,
		Attachments: d.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	switch kind {
	case KindText:
		if strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("%w: text message requires content", ErrValidation)
		}
		msg.ContentType = ContentTypeText
		msg.Content = &d.Content
	case KindJSON:
		if !json.Valid([]byte(d.Content)) {
			return nil, fmt.Errorf("%w: content is not valid JSON", ErrValidation)
		}
		msg.ContentType = ContentTypeJSON
		msg.Content = &d.Content
	case KindAttachment:
		if len(d.Attachments) == 0 {
			return nil, fmt.Errorf("%w: attachment message requires at least one attachment", ErrValidation)
		}
		msg.ContentType = ContentTypeText
		if strings.TrimSpace(d.Content) != "" {
			msg.Content = &d.Content
		}
	default:
		return nil, fmt.Errorf("%w: invalid message kind %q", ErrValidation, kind)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
