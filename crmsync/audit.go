package crmsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mmdatafocus/salonsync_backend/models"
)

// targetCollection maps an entity kind to the LeadPulse collection its
// mappings point into. Loyalty mappings reference contacts.
func targetCollection(entityType models.EntityType) (string, error) {
	switch entityType {
	case models.EntityTypeClient, models.EntityTypeLoyalty:
		return "contacts", nil
	case models.EntityTypeStaff:
		return "owners", nil
	case models.EntityTypeProduct:
		return "products", nil
	case models.EntityTypeAppointment:
		return "activities", nil
	default:
		return "", fmt.Errorf("no target collection for entity type %q", entityType)
	}
}

// ComputeAuditDiff compares the three views of one entity kind. Pure, so
// the classification logic is testable without a database or API.
func ComputeAuditDiff(mappings []models.EntityMapping, localIds, targetIds []string) models.AuditDiscrepancies {
	local := make(map[string]struct{}, len(localIds))
	for _, id := range localIds {
		local[id] = struct{}{}
	}
	target := make(map[string]struct{}, len(targetIds))
	for _, id := range targetIds {
		target[id] = struct{}{}
	}

	var disc models.AuditDiscrepancies
	mapped := make(map[string]int, len(mappings))
	for _, m := range mappings {
		mapped[m.TargetId]++
		if _, ok := local[m.SourceId]; !ok {
			disc.StaleSourceMappings = append(disc.StaleSourceMappings, m.SourceId)
		}
		if _, ok := target[m.TargetId]; !ok {
			disc.StaleTargetMappings = append(disc.StaleTargetMappings, m.TargetId)
		}
	}
	for _, id := range targetIds {
		if _, ok := mapped[id]; !ok {
			disc.OrphanedTargetIds = append(disc.OrphanedTargetIds, id)
		}
	}
	for id, count := range mapped {
		if count > 1 {
			disc.DuplicateTargetIds = append(disc.DuplicateTargetIds, id)
		}
	}

	sort.Strings(disc.OrphanedTargetIds)
	sort.Strings(disc.StaleTargetMappings)
	sort.Strings(disc.StaleSourceMappings)
	sort.Strings(disc.DuplicateTargetIds)
	return disc
}

// RunAudit reconciles one entity kind across the cache, the mapping store
// and the live target listing, and persists the result. A failed target
// walk does not abort the audit; the entry is marked partial instead.
func (e *Engine) RunAudit(ctx context.Context, entityType models.EntityType) (*models.SyncAuditLog, error) {
	return e.runAuditAs(ctx, entityType, uuid.New().String())
}

// RunFullAudit audits every synced kind under one shared audit run id.
func (e *Engine) RunFullAudit(ctx context.Context) ([]models.SyncAuditLog, error) {
	auditRunId := uuid.New().String()
	entries := make([]models.SyncAuditLog, 0, len(models.SyncedEntityTypes))
	for _, entityType := range models.SyncedEntityTypes {
		entry, err := e.runAuditAs(ctx, entityType, auditRunId)
		if err != nil {
			return entries, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (e *Engine) runAuditAs(ctx context.Context, entityType models.EntityType, auditRunId string) (*models.SyncAuditLog, error) {
	collection, err := targetCollection(entityType)
	if err != nil {
		return nil, err
	}

	localIds, err := e.listLocalIDs(ctx, entityType)
	if err != nil {
		return nil, err
	}
	mappings, err := models.ListMappingsByType(ctx, e.db, entityType)
	if err != nil {
		return nil, err
	}

	partial := false
	notes := ""
	targetIds, err := e.target.listAllIDs(ctx, collection)
	if err != nil {
		partial = true
		notes = "target listing incomplete: " + err.Error()
	}

	disc := ComputeAuditDiff(mappings, localIds, targetIds)
	if entityType == models.EntityTypeLoyalty {
		// Loyalty shares the contacts collection; contacts without a
		// loyalty row are expected, not orphans.
		disc.OrphanedTargetIds = nil
	}
	if partial {
		// An incomplete target walk would misreport every unseen id as a
		// stale mapping; suppress target-side findings in that case.
		disc.StaleTargetMappings = nil
		disc.OrphanedTargetIds = nil
	}

	entry := &models.SyncAuditLog{
		AuditRunId:   auditRunId,
		EntityType:   entityType,
		LocalCount:   int64(len(localIds)),
		MappingCount: int64(len(mappings)),
		TargetCount:  int64(len(targetIds)),
		Partial:      partial,
		Notes:        notes,
	}
	if err := models.CreateSyncAuditLog(ctx, e.db, entry, disc); err != nil {
		return nil, err
	}

	if !disc.IsClean() {
		e.logger.WithFields(map[string]interface{}{
			"entityType": entityType,
			"orphaned":   len(disc.OrphanedTargetIds),
			"staleTgt":   len(disc.StaleTargetMappings),
			"staleSrc":   len(disc.StaleSourceMappings),
			"dupTgt":     len(disc.DuplicateTargetIds),
		}).Warn("audit found discrepancies")
	}
	return entry, nil
}

func (e *Engine) listLocalIDs(ctx context.Context, entityType models.EntityType) ([]string, error) {
	switch entityType {
	case models.EntityTypeClient:
		return models.ListCacheIDs[models.SalonClient](ctx, e.db)
	case models.EntityTypeStaff:
		return models.ListCacheIDs[models.SalonStaff](ctx, e.db)
	case models.EntityTypeProduct:
		return models.ListCacheIDs[models.SalonProduct](ctx, e.db)
	case models.EntityTypeAppointment:
		return models.ListCacheIDs[models.SalonAppointment](ctx, e.db)
	case models.EntityTypeLoyalty:
		return models.ListCacheIDs[models.LoyaltyBalance](ctx, e.db)
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}
