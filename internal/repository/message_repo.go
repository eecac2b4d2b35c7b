package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/relay-engine/internal/domain"
)

const defaultInsertBatchSize = 100

type ListParams struct {
	Status       *domain.Status
	Recipient    *string
	DeadLettered *bool
	Page         int
	PageSize     int
}

type MessageRepository interface {
	CreateBatch(ctx context.Context, messages []*domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error)
	List(ctx context.Context, params ListParams) ([]domain.Message, int64, error)
	Update(ctx context.Context, m *domain.Message) error
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkQueued(ctx context.Context, ids []string, nextRetryAt time.Time) error
	GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
	MarkRetrying(ctx context.Context, id string, now time.Time) (bool, error)
	RestoreAfterPublishFailure(ctx context.Context, id string, status domain.Status, nextRetryAt time.Time) error
	GetUnacknowledged(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Message, error)
	RequeueUnacknowledged(ctx context.Context, id, reason string, now time.Time) (bool, error)
	DeadLetterUnacknowledged(ctx context.Context, id, reason string, now time.Time) (bool, error)
	Acknowledge(ctx context.Context, id string, now time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error
}

type GormMessageRepo struct {
	db        *gorm.DB
	batchSize int
}

func NewGormMessageRepo(db *gorm.DB, batchSize int) *GormMessageRepo {
	if batchSize <= 0 {
		batchSize = defaultInsertBatchSize
	}
	return &GormMessageRepo{db: db, batchSize: batchSize}
}

// CreateBatch inserts messages and their attachments in one transaction.
// Rows that already exist are skipped so a retried flush is harmless.
func (r *GormMessageRepo) CreateBatch(ctx context.Context, messages []*domain.Message) error {
	models := make([]MessageModel, 0, len(messages))
	for _, m := range messages {
		if model := messageModelFromDomain(m); model != nil {
			models = append(models, *model)
		}
	}
	if len(models) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).CreateInBatches(&models, r.batchSize).Error
	})
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

// GetByIDs returns the messages that exist, in no particular order.
func (r *GormMessageRepo) GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []MessageModel
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("id IN ?", ids).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, messageModelToDomain(&models[i]))
	}
	return messages, nil
}

func (r *GormMessageRepo) List(ctx context.Context, params ListParams) ([]domain.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&MessageModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Recipient != nil {
		query = query.Where("recipient = ?", *params.Recipient)
	}
	if params.DeadLettered != nil {
		if *params.DeadLettered {
			query = query.Where("moved_to_dlq_at IS NOT NULL")
		} else {
			query = query.Where("moved_to_dlq_at IS NULL")
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []MessageModel
	err := query.
		Preload("Attachments").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages, total, nil
}

// Update persists the mutable delivery bookkeeping of m. Nil pointers clear their columns.
func (r *GormMessageRepo) Update(ctx context.Context, m *domain.Message) error {
	if m == nil {
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"status":          m.Status,
			"retry_count":     m.RetryCount,
			"next_retry_at":   m.NextRetryAt,
			"last_retry_at":   m.LastRetryAt,
			"moved_to_dlq_at": m.MovedToDLQAt,
			"last_error":      m.LastError,
			"sent_at":         m.SentAt,
			"acknowledged_at": m.AcknowledgedAt,
			"updated_at":      m.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormMessageRepo) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkSent commits the SENT transition in its own transaction so the status is
// durable before the payload is pushed.
func (r *GormMessageRepo) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		msg := messageModelToDomain(&model)
		if err := msg.TransitionTo(domain.StatusSent, sentAt); err != nil {
			return err
		}

		return tx.Model(&MessageModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":        domain.StatusSent,
				"sent_at":       sentAt,
				"next_retry_at": nil,
				"updated_at":    sentAt,
			}).Error
	})
}

// MarkQueued hands freshly persisted messages to the retry sweep after a failed broadcast.
func (r *GormMessageRepo) MarkQueued(ctx context.Context, ids []string, nextRetryAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id IN ? AND status = ? AND sent_at IS NULL", ids, domain.StatusPending).
		Updates(map[string]any{
			"status":        domain.StatusQueued,
			"next_retry_at": nextRetryAt,
			"updated_at":    nextRetryAt,
		}).Error
}

func (r *GormMessageRepo) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("status IN ? AND next_retry_at <= ? AND moved_to_dlq_at IS NULL",
			[]domain.Status{domain.StatusFailed, domain.StatusQueued}, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages, nil
}

// MarkRetrying claims a due message for resubmission. It reports false when
// another sweeper or a late delivery already moved it.
func (r *GormMessageRepo) MarkRetrying(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ? AND next_retry_at <= ? AND moved_to_dlq_at IS NULL",
			id, []domain.Status{domain.StatusFailed, domain.StatusQueued}, now).
		Updates(map[string]any{
			"status":        domain.StatusRetrying,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormMessageRepo) RestoreAfterPublishFailure(ctx context.Context, id string, status domain.Status, nextRetryAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.StatusRetrying).
		Updates(map[string]any{
			"status":        status,
			"next_retry_at": nextRetryAt,
			"updated_at":    nextRetryAt,
		}).Error
}

func (r *GormMessageRepo) GetUnacknowledged(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND acknowledged_at IS NULL AND sent_at <= ?", domain.StatusSent, sentBefore).
		Order("sent_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages, nil
}

// RequeueUnacknowledged moves a SENT message back to QUEUED and spends one
// retry, so a recipient that never acknowledges exhausts the budget.
func (r *GormMessageRepo) RequeueUnacknowledged(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ? AND acknowledged_at IS NULL", id, domain.StatusSent).
		Updates(map[string]any{
			"status":        domain.StatusQueued,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
			"last_error":    reason,
			"next_retry_at": now,
			"sent_at":       nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeadLetterUnacknowledged terminates a SENT message whose retry budget is spent.
func (r *GormMessageRepo) DeadLetterUnacknowledged(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ? AND acknowledged_at IS NULL", id, domain.StatusSent).
		Updates(map[string]any{
			"status":          domain.StatusFailed,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_retry_at":   now,
			"last_error":      reason,
			"next_retry_at":   nil,
			"moved_to_dlq_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormMessageRepo) Acknowledge(ctx context.Context, id string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.StatusSent).
		Updates(map[string]any{
			"status":          domain.StatusAcknowledged,
			"acknowledged_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.transitionConflict(ctx, id, domain.StatusAcknowledged)
	}
	return nil
}

// Requeue gives a dead-lettered message a fresh retry budget.
func (r *GormMessageRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ? AND moved_to_dlq_at IS NOT NULL", id, domain.StatusFailed).
		Updates(map[string]any{
			"status":          domain.StatusQueued,
			"moved_to_dlq_at": nil,
			"retry_count":     0,
			"next_retry_at":   now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.transitionConflict(ctx, id, domain.StatusQueued)
	}
	return nil
}

func (r *GormMessageRepo) transitionConflict(ctx context.Context, id string, target domain.Status) error {
	var model MessageModel
	err := r.db.WithContext(ctx).Select("id", "status").First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, model.Status, target)
}
