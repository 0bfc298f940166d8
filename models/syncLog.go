package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncLog is the append-only operation log: one row per record-level
// outcome within a pass. Rows are never updated or deleted except by
// explicit operator cleanup.
type SyncLog struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	SyncRunId    uint       `gorm:"index" json:"sync_run_id"`
	EntityType   EntityType `gorm:"index;size:50;not null" json:"entity_type"`
	SourceId     string     `gorm:"index;size:128" json:"source_id"`
	Outcome      string     `gorm:"size:20;not null" json:"outcome"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func AppendSyncLog(ctx context.Context, db *gorm.DB, runId uint, entityType EntityType, sourceId, outcome, errorMessage string) error {
	entry := SyncLog{
		SyncRunId:    runId,
		EntityType:   entityType,
		SourceId:     sourceId,
		Outcome:      outcome,
		ErrorMessage: errorMessage,
	}
	return db.WithContext(ctx).Create(&entry).Error
}

func ListSyncLogsForRun(ctx context.Context, db *gorm.DB, runId uint) ([]SyncLog, error) {
	var logs []SyncLog
	err := db.WithContext(ctx).
		Where("sync_run_id = ?", runId).
		Order("id").
		Find(&logs).Error
	return logs, err
}

// PurgeSyncLogsBefore is the operator cleanup path.
func PurgeSyncLogsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&SyncLog{})
	return res.RowsAffected, res.Error
}
