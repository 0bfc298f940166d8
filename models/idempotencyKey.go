package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey provides durable, DB-backed idempotency for push handlers.
// Unique constraint: (handler_name, message_id).
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	HandlerName string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ClaimIdempotencyKey inserts a STARTED row. Returns false when the
// (handler, message) pair was already claimed — duplicate delivery.
func ClaimIdempotencyKey(ctx context.Context, db *gorm.DB, handlerName, messageId string) (bool, error) {
	rec := IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      IdempotencyStatusStarted,
	}
	err := db.WithContext(ctx).Create(&rec).Error
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func MarkIdempotencyOutcome(ctx context.Context, db *gorm.DB, handlerName, messageId string, status IdempotencyStatus, lastError error) error {
	updates := map[string]interface{}{"status": status}
	if lastError != nil {
		msg := lastError.Error()
		updates["last_error"] = &msg
	}
	return db.WithContext(ctx).
		Model(&IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(updates).Error
}
