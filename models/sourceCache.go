package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Cached SalonOS records. The import collaborator owns these rows; the sync
// engine only reads them and writes back the SyncFields denormalization.
// The mapping store remains the source of truth for identity correspondence.

// SyncFields is embedded in every cached source entity.
type SyncFields struct {
	SyncStatus   string     `gorm:"index;size:20;not null;default:pending" json:"sync_status"`
	SyncError    string     `gorm:"type:text" json:"sync_error"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	TargetId     string     `gorm:"size:128" json:"target_id"`
}

type SalonClient struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	Name      string     `gorm:"size:255" json:"name"`
	Email     string     `gorm:"size:255" json:"email"`
	Phone     string     `gorm:"size:40" json:"phone"`
	Mobile    string     `gorm:"size:40" json:"mobile"`
	FirstSeen *time.Time `json:"first_seen"`

	SourceUpdatedAt time.Time `gorm:"index" json:"source_updated_at"`
	SyncFields      `gorm:"embedded"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalonStaff struct {
	ID    string `gorm:"primaryKey;size:64" json:"id"`
	Name  string `gorm:"size:255" json:"name"`
	Email string `gorm:"size:255" json:"email"`
	Phone string `gorm:"size:40" json:"phone"`
	Role  string `gorm:"size:50" json:"role"`

	SourceUpdatedAt time.Time `gorm:"index" json:"source_updated_at"`
	SyncFields      `gorm:"embedded"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalonProduct struct {
	ID    string          `gorm:"primaryKey;size:64" json:"id"`
	Name  string          `gorm:"size:255" json:"name"`
	Sku   string          `gorm:"size:100" json:"sku"`
	Price decimal.Decimal `gorm:"type:decimal(20,6)" json:"price"`

	SourceUpdatedAt time.Time `gorm:"index" json:"source_updated_at"`
	SyncFields      `gorm:"embedded"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalonAppointment struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	ClientId    string    `gorm:"index;size:64;not null" json:"client_id"`
	StaffId     string    `gorm:"index;size:64" json:"staff_id"`
	ServiceName string    `gorm:"size:255" json:"service_name"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	Status      string    `gorm:"size:30" json:"status"`

	SourceUpdatedAt time.Time `gorm:"index" json:"source_updated_at"`
	SyncFields      `gorm:"embedded"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LoyaltyBalance is keyed by the owning client's SalonOS id.
type LoyaltyBalance struct {
	ID     string          `gorm:"primaryKey;size:64" json:"id"`
	Points decimal.Decimal `gorm:"type:decimal(20,6)" json:"points"`
	Tier   string          `gorm:"size:30" json:"tier"`

	SourceUpdatedAt time.Time `gorm:"index" json:"source_updated_at"`
	SyncFields      `gorm:"embedded"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c SalonClient) SourceId() string      { return c.ID }
func (s SalonStaff) SourceId() string       { return s.ID }
func (p SalonProduct) SourceId() string     { return p.ID }
func (a SalonAppointment) SourceId() string { return a.ID }
func (l LoyaltyBalance) SourceId() string   { return l.ID }

// FindSyncCandidates returns the bounded batch for one pass: records never
// successfully synced, failed last time, or changed since their last
// successful sync. Oldest-changed-first so retries do not starve.
func FindSyncCandidates[T any](ctx context.Context, db *gorm.DB, batch int) ([]T, error) {
	var out []T
	err := db.WithContext(ctx).
		Where("sync_status IN ? OR (last_synced_at IS NOT NULL AND source_updated_at > last_synced_at)",
			[]string{CacheSyncPending, CacheSyncFailed}).
		Order("source_updated_at asc").
		Limit(batch).
		Find(&out).Error
	return out, err
}

// MarkRecordSynced denormalizes a successful relay onto the cache row.
func MarkRecordSynced[T any](ctx context.Context, db *gorm.DB, sourceId, targetId string, at time.Time) error {
	var model T
	return db.WithContext(ctx).
		Model(&model).
		Where("id = ?", sourceId).
		Updates(map[string]interface{}{
			"sync_status":    CacheSyncSynced,
			"sync_error":     "",
			"last_synced_at": at,
			"target_id":      targetId,
		}).Error
}

// MarkRecordSkipped marks a record the target reported as a duplicate (or a
// record intentionally not relayed). last_synced_at advances so the record
// is not re-attempted until it changes again.
func MarkRecordSkipped[T any](ctx context.Context, db *gorm.DB, sourceId, reason string, at time.Time) error {
	var model T
	return db.WithContext(ctx).
		Model(&model).
		Where("id = ?", sourceId).
		Updates(map[string]interface{}{
			"sync_status":    CacheSyncSkipped,
			"sync_error":     reason,
			"last_synced_at": at,
		}).Error
}

func MarkRecordFailed[T any](ctx context.Context, db *gorm.DB, sourceId, cause string) error {
	var model T
	return db.WithContext(ctx).
		Model(&model).
		Where("id = ?", sourceId).
		Updates(map[string]interface{}{
			"sync_status": CacheSyncFailed,
			"sync_error":  cause,
		}).Error
}

func CountCacheRecords[T any](ctx context.Context, db *gorm.DB) (int64, error) {
	var model T
	var count int64
	err := db.WithContext(ctx).Model(&model).Count(&count).Error
	return count, err
}

func ListCacheIDs[T any](ctx context.Context, db *gorm.DB) ([]string, error) {
	var model T
	var ids []string
	err := db.WithContext(ctx).Model(&model).Order("id").Pluck("id", &ids).Error
	return ids, err
}
