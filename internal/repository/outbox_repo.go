package repository

import (
	"context"
	"time"

	"posqueue/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) GetByRecordID(ctx context.Context, recordID string) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusSent,
			"sent_at":    sentAt.UTC(),
			"last_error": "",
		}).Error
}

// RecordFailure 记录一次投递失败，达到 maxRetries 后不再自动投递
func (r *OutboxRepository) RecordFailure(ctx context.Context, msg *model.OutboxMessage, reason string, maxRetries int) error {
	retries := msg.RetryCount + 1
	status := model.OutboxStatusPending
	if retries >= maxRetries {
		status = model.OutboxStatusFailed
	}
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"retry_count": retries,
			"last_error":  truncate(reason, 512),
			"status":      status,
		}).Error
	if err != nil {
		return err
	}
	msg.RetryCount = retries
	msg.Status = status
	return nil
}

func (r *OutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusFailed).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// CountByStatus 指定状态的消息数
func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
