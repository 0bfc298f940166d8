package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncRun is the run ledger: one row per sync pass execution.
type SyncRun struct {
	ID          uint          `gorm:"primary_key" json:"id"`
	EntityType  EntityType    `gorm:"index;size:50;not null" json:"entity_type"`
	Direction   SyncDirection `gorm:"size:30;not null" json:"direction"`
	Status      string        `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy string        `gorm:"size:20" json:"triggered_by"`
	JobKey      string        `gorm:"index;size:191" json:"job_key"`
	ParentRunId *uint         `gorm:"index" json:"parent_run_id"`

	TotalRecords int    `json:"total_records"`
	SuccessCount int    `json:"success_count"`
	SkippedCount int    `json:"skipped_count"`
	FailedCount  int    `json:"failed_count"`
	LastError    string `gorm:"type:text" json:"last_error"`

	StartedAt   *time.Time `gorm:"index" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *SyncRun) IsTerminal() bool {
	switch r.Status {
	case SyncRunStatusSuccess, SyncRunStatusFailed, SyncRunStatusPartial:
		return true
	}
	return false
}

func CreateSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun) error {
	if run.Status == "" {
		run.Status = SyncRunStatusQueued
	}
	if run.Direction == "" {
		run.Direction = DirectionSourceToTarget
	}
	return db.WithContext(ctx).Create(run).Error
}

func GetSyncRun(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// StartSyncRun moves a queued run to running. Returns false when the run is
// already terminal or running (duplicate delivery); the caller must not
// execute the pass in that case.
func StartSyncRun(ctx context.Context, db *gorm.DB, id uint, startedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&SyncRun{}).
		Where("id = ? AND status = ?", id, SyncRunStatusQueued).
		Updates(map[string]interface{}{
			"status":     SyncRunStatusRunning,
			"started_at": startedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RunTally accumulates per-record outcomes for one pass.
type RunTally struct {
	Total     int
	Created   int
	Updated   int
	Skipped   int
	Failed    int
	LastError string
}

func (t *RunTally) Status() string {
	succeeded := t.Created + t.Updated
	switch {
	case t.Failed > 0 && succeeded == 0:
		return SyncRunStatusFailed
	case t.Failed > 0:
		return SyncRunStatusPartial
	default:
		return SyncRunStatusSuccess
	}
}

// FinalizeSyncRun records the pass outcome exactly once: rows already
// terminal are left untouched.
func FinalizeSyncRun(ctx context.Context, db *gorm.DB, id uint, tally RunTally, completedAt time.Time) error {
	var run SyncRun
	if err := db.WithContext(ctx).Select("id,started_at,status").Where("id = ?", id).Take(&run).Error; err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}

	var durationMs int64
	if run.StartedAt != nil {
		durationMs = completedAt.Sub(*run.StartedAt).Milliseconds()
	}

	return db.WithContext(ctx).
		Model(&SyncRun{}).
		Where("id = ? AND status IN ?", id, []string{SyncRunStatusQueued, SyncRunStatusRunning}).
		Updates(map[string]interface{}{
			"status":        tally.Status(),
			"total_records": tally.Total,
			"success_count": tally.Created + tally.Updated,
			"skipped_count": tally.Skipped,
			"failed_count":  tally.Failed,
			"last_error":    tally.LastError,
			"completed_at":  completedAt,
			"duration_ms":   durationMs,
		}).Error
}

// FailSyncRun marks a run failed with a pass-level error (e.g. source
// unreachable before any record was attempted).
func FailSyncRun(ctx context.Context, db *gorm.DB, id uint, cause string, completedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&SyncRun{}).
		Where("id = ? AND status IN ?", id, []string{SyncRunStatusQueued, SyncRunStatusRunning}).
		Updates(map[string]interface{}{
			"status":       SyncRunStatusFailed,
			"last_error":   cause,
			"completed_at": completedAt,
		}).Error
}

// ReclassifyStuckRuns converts running rows whose startedAt is older than
// the threshold to failed. Terminal rows are never touched. Returns the
// number of rows converted.
func ReclassifyStuckRuns(ctx context.Context, db *gorm.DB, olderThan time.Duration, now time.Time) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be positive")
	}
	cutoff := now.Add(-olderThan)
	res := db.WithContext(ctx).
		Model(&SyncRun{}).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", SyncRunStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":       SyncRunStatusFailed,
			"last_error":   "run exceeded maximum duration; reclassified by sweep",
			"completed_at": now,
		})
	return res.RowsAffected, res.Error
}

func ListRecentSyncRuns(ctx context.Context, db *gorm.DB, entityType EntityType, limit int) ([]SyncRun, error) {
	q := db.WithContext(ctx).Model(&SyncRun{}).Order("id desc").Limit(limit)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var runs []SyncRun
	err := q.Find(&runs).Error
	return runs, err
}
