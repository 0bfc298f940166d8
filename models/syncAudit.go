package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// SyncAuditLog records one audit comparison per entity kind per audit run.
type SyncAuditLog struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	AuditRunId string     `gorm:"index;size:64" json:"audit_run_id"`
	EntityType EntityType `gorm:"index;size:50;not null" json:"entity_type"`

	LocalCount   int64 `json:"local_count"`
	MappingCount int64 `json:"mapping_count"`
	TargetCount  int64 `json:"target_count"`

	// DiscrepanciesJSON holds the serialized AuditDiscrepancies.
	DiscrepanciesJSON []byte `gorm:"type:json" json:"discrepancies"`

	// Partial is set when a live API walk failed mid-audit; counts and
	// discrepancies then cover only what was collected.
	Partial   bool      `json:"partial"`
	Notes     string    `gorm:"type:text" json:"notes"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AuditDiscrepancies enumerates what the reconciler found for one kind.
type AuditDiscrepancies struct {
	// Present in the target system, absent from the mapping store.
	OrphanedTargetIds []string `json:"orphaned_target_ids,omitempty"`
	// Mapping rows whose target id no longer exists on the target side.
	StaleTargetMappings []string `json:"stale_target_mappings,omitempty"`
	// Mapping rows whose source id no longer exists in the local cache.
	StaleSourceMappings []string `json:"stale_source_mappings,omitempty"`
	// Target ids referenced by more than one mapping row.
	DuplicateTargetIds []string `json:"duplicate_target_ids,omitempty"`
}

func (d AuditDiscrepancies) IsClean() bool {
	return len(d.OrphanedTargetIds) == 0 &&
		len(d.StaleTargetMappings) == 0 &&
		len(d.StaleSourceMappings) == 0 &&
		len(d.DuplicateTargetIds) == 0
}

func CreateSyncAuditLog(ctx context.Context, db *gorm.DB, entry *SyncAuditLog, disc AuditDiscrepancies) error {
	discJSON, err := json.Marshal(disc)
	if err != nil {
		return err
	}
	entry.DiscrepanciesJSON = discJSON
	return db.WithContext(ctx).Create(entry).Error
}

func ListSyncAuditLogs(ctx context.Context, db *gorm.DB, limit int) ([]SyncAuditLog, error) {
	var entries []SyncAuditLog
	err := db.WithContext(ctx).
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
