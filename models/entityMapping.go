package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// EntityMapping is the durable identity correspondence between a SalonOS
// record and its LeadPulse counterpart. (entity_type, source_id) is unique:
// at most one target identity per source entity per kind. The reverse
// direction (one source per target id) is audited, not enforced.
type EntityMapping struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	EntityType   EntityType `gorm:"uniqueIndex:idx_entity_mapping,priority:1;size:50;not null" json:"entity_type"`
	SourceId     string     `gorm:"uniqueIndex:idx_entity_mapping,priority:2;size:128;not null" json:"source_id"`
	TargetId     string     `gorm:"index;size:128;not null" json:"target_id"`
	MetadataJSON []byte     `gorm:"type:json" json:"metadata"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MappingMetadata is the enumerated metadata bag carried on a mapping.
// Kept narrow on purpose: each field feeds the audit trail's
// human-readable detail.
type MappingMetadata struct {
	MatchConfidence string `json:"match_confidence,omitempty"`
	MatchedBy       string `json:"matched_by,omitempty"`
	SourceName      string `json:"source_name,omitempty"`
	TargetName      string `json:"target_name,omitempty"`
	SourceUpdatedAt string `json:"source_updated_at,omitempty"`
}

func (m *EntityMapping) Metadata() MappingMetadata {
	var md MappingMetadata
	if len(m.MetadataJSON) > 0 {
		_ = json.Unmarshal(m.MetadataJSON, &md)
	}
	return md
}

// ConflictError reports an attempt to map a source entity that already maps
// to a different target identity. Repointing must be an explicit overwrite,
// never a silent one.
type ConflictError struct {
	EntityType EntityType
	SourceId   string
	ExistingId string
	AttemptId  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict: %s %s already mapped to target %s (attempted %s)",
		e.EntityType, e.SourceId, e.ExistingId, e.AttemptId)
}

// FindMapping returns nil, nil when no mapping exists.
func FindMapping(ctx context.Context, db *gorm.DB, entityType EntityType, sourceId string) (*EntityMapping, error) {
	var mapping EntityMapping
	err := db.WithContext(ctx).
		Where("entity_type = ? AND source_id = ?", entityType, sourceId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

// CreateMapping inserts a new correspondence. It fails with *ConflictError
// when the pair is already mapped to a different target id, and is a no-op
// when the identical mapping already exists (idempotent re-run).
func CreateMapping(ctx context.Context, db *gorm.DB, entityType EntityType, sourceId, targetId string, md MappingMetadata) error {
	existing, err := FindMapping(ctx, db, entityType, sourceId)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.TargetId == targetId {
			return nil
		}
		return &ConflictError{
			EntityType: entityType,
			SourceId:   sourceId,
			ExistingId: existing.TargetId,
			AttemptId:  targetId,
		}
	}

	mdJSON, _ := json.Marshal(md)
	now := time.Now()
	mapping := EntityMapping{
		EntityType:   entityType,
		SourceId:     sourceId,
		TargetId:     targetId,
		MetadataJSON: mdJSON,
		LastSeenAt:   &now,
	}
	err = db.WithContext(ctx).Create(&mapping).Error
	if err != nil && isDuplicateKeyError(err) {
		// Lost a race with another writer for the same key: re-read and
		// report conflict only if the winner chose a different target.
		winner, ferr := FindMapping(ctx, db, entityType, sourceId)
		if ferr != nil {
			return ferr
		}
		if winner != nil && winner.TargetId != targetId {
			return &ConflictError{
				EntityType: entityType,
				SourceId:   sourceId,
				ExistingId: winner.TargetId,
				AttemptId:  targetId,
			}
		}
		return nil
	}
	return err
}

// OverwriteMapping repoints an existing mapping to a new target identity.
// Rare, operator-driven.
func OverwriteMapping(ctx context.Context, db *gorm.DB, entityType EntityType, sourceId, targetId string) error {
	res := db.WithContext(ctx).
		Model(&EntityMapping{}).
		Where("entity_type = ? AND source_id = ?", entityType, sourceId).
		Updates(map[string]interface{}{
			"target_id":    targetId,
			"last_seen_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMappingNotFound
	}
	return nil
}

var ErrMappingNotFound = errors.New("entity mapping not found")

// TouchMapping refreshes last-seen and metadata after a successful relay.
func TouchMapping(ctx context.Context, db *gorm.DB, entityType EntityType, sourceId string, md MappingMetadata) error {
	mdJSON, _ := json.Marshal(md)
	return db.WithContext(ctx).
		Model(&EntityMapping{}).
		Where("entity_type = ? AND source_id = ?", entityType, sourceId).
		Updates(map[string]interface{}{
			"last_seen_at":  time.Now(),
			"metadata_json": mdJSON,
		}).Error
}

func ListMappingsByType(ctx context.Context, db *gorm.DB, entityType EntityType) ([]EntityMapping, error) {
	var mappings []EntityMapping
	err := db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("id").
		Find(&mappings).Error
	return mappings, err
}

func CountMappingsByType(ctx context.Context, db *gorm.DB, entityType EntityType) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&EntityMapping{}).
		Where("entity_type = ?", entityType).
		Count(&count).Error
	return count, err
}

// FindStaleMappings returns mappings of the given kind whose target id is
// not in knownTargetIds. Used by the audit reconciler.
func FindStaleMappings(ctx context.Context, db *gorm.DB, entityType EntityType, knownTargetIds []string) ([]EntityMapping, error) {
	mappings, err := ListMappingsByType(ctx, db, entityType)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(knownTargetIds))
	for _, id := range knownTargetIds {
		known[id] = struct{}{}
	}
	var stale []EntityMapping
	for _, m := range mappings {
		if _, ok := known[m.TargetId]; !ok {
			stale = append(stale, m)
		}
	}
	return stale, nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	// Some driver paths surface 1062 as a plain error string.
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "duplicate key")
}
