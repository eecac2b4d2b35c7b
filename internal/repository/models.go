package repository

import (
	"time"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID             string             `gorm:"type:uuid;primaryKey"`
	Recipient      string             `gorm:"type:varchar(255);not null"`
	Subject        string             `gorm:"type:varchar(255);not null;default:''"`
	Content        *string            `gorm:"type:text"`
	ContentType    domain.ContentType  `gorm:"type:varchar(10);not null"`
	Status         domain.Status      `gorm:"type:varchar(20);not null"`
	Priority       domain.Priority    `gorm:"type:varchar(10);not null"`
	RetryCount     int                `gorm:"not null;default:0"`
	NextRetryAt    *time.Time         `gorm:"type:timestamptz"`
	LastRetryAt    *time.Time         `gorm:"type:timestamptz"`
	MovedToDLQAt   *time.Time         `gorm:"column:moved_to_dlq_at;type:timestamptz"`
	LastError      *string            `gorm:"type:text"`
	SentAt         *time.Time         `gorm:"type:timestamptz"`
	AcknowledgedAt *time.Time         `gorm:"type:timestamptz"`
	IdempotencyKey *string            `gorm:"type:varchar(255)"`
	Sender         string             `gorm:"column:sender;type:varchar(255);not null"`
	Attachments    []AttachmentModel  `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

// AttachmentModel is the persistence model for message_attachments.
type AttachmentModel struct {
	ID          string     `gorm:"type:uuid;primaryKey"`
	MessageID   string     `gorm:"type:uuid;not null"`
	FileName    string     `gorm:"type:varchar(255);not null"`
	ContentType string     `gorm:"type:varchar(127)"`
	URL         string     `gorm:"type:text;not null"`
	ExpiresAt   *time.Time `gorm:"type:timestamptz"`
}

func (AttachmentModel) TableName() string {
	return "message_attachments"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string       `gorm:"type:uuid;primaryKey"`
	MessageID     string       `gorm:"type:uuid;not null"`
	AttemptNumber int          `gorm:"not null"`
	Route         domain.Route `gorm:"type:varchar(10);not null"`
	ConnectionID  *string      `gorm:"type:varchar(64)"`
	Error         *string      `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	attachments := make([]AttachmentModel, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, AttachmentModel{
			ID:          a.ID,
			MessageID:   m.ID,
			FileName:    a.FileName,
			ContentType: a.ContentType,
			URL:         a.URL,
			ExpiresAt:   a.ExpiresAt,
		})
	}

	return &MessageModel{
		ID:             m.ID,
		Recipient:      m.Recipient,
		Subject:        m.Subject,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Status:         m.Status,
		Priority:       m.Priority,
		RetryCount:     m.RetryCount,
		NextRetryAt:    m.NextRetryAt,
		LastRetryAt:    m.LastRetryAt,
		MovedToDLQAt:   m.MovedToDLQAt,
		LastError:      m.LastError,
		SentAt:         m.SentAt,
		AcknowledgedAt: m.AcknowledgedAt,
		IdempotencyKey: m.IdempotencyKey,
		Sender:         m.From,
		Attachments:    attachments,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	var attachments []domain.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, domain.Attachment{
			ID:          a.ID,
			MessageID:   a.MessageID,
			FileName:    a.FileName,
			ContentType: a.ContentType,
			URL:         a.URL,
			ExpiresAt:   a.ExpiresAt,
		})
	}

	return &domain.Message{
		ID:             m.ID,
		Recipient:      m.Recipient,
		Subject:        m.Subject,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Status:         m.Status,
		Priority:       m.Priority,
		RetryCount:     m.RetryCount,
		NextRetryAt:    m.NextRetryAt,
		LastRetryAt:    m.LastRetryAt,
		MovedToDLQAt:   m.MovedToDLQAt,
		LastError:      m.LastError,
		SentAt:         m.SentAt,
		AcknowledgedAt: m.AcknowledgedAt,
		IdempotencyKey: m.IdempotencyKey,
		From:           m.Sender,
		Attachments:    attachments,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		MessageID:     a.MessageID,
		AttemptNumber: a.AttemptNumber,
		Route:         a.Route,
		ConnectionID:  a.ConnectionID,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		MessageID:     m.MessageID,
		AttemptNumber: m.AttemptNumber,
		Route:         m.Route,
		ConnectionID:  m.ConnectionID,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}
