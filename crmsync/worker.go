package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

func (e *Engine) runEntityPass(ctx context.Context, run *models.SyncRun) (models.RunTally, error) {
	switch run.EntityType {
	case models.EntityTypeClient:
		return runPass(ctx, e, run, e.relayClient)
	case models.EntityTypeStaff:
		return runPass(ctx, e, run, e.relayStaff)
	case models.EntityTypeProduct:
		return runPass(ctx, e, run, e.relayProduct)
	case models.EntityTypeAppointment:
		return runPass(ctx, e, run, e.relayAppointment)
	case models.EntityTypeLoyalty:
		return runPass(ctx, e, run, e.relayLoyalty)
	default:
		return models.RunTally{}, fmt.Errorf("no pass implemented for entity type %q", run.EntityType)
	}
}

type cacheRecord interface {
	SourceId() string
}

// runPass drains one bounded batch of candidates through the relay
// function, settling every per-record outcome into the tally, the
// operation log and the cache denormalization. Only pass-level failures
// (candidate query, cancelled context) abort the loop.
func runPass[T cacheRecord](ctx context.Context, e *Engine, run *models.SyncRun, relay func(ctx context.Context, rec T) (string, bool, error)) (models.RunTally, error) {
	var tally models.RunTally
	records, err := models.FindSyncCandidates[T](ctx, e.db, e.cfg.BatchSize)
	if err != nil {
		return tally, err
	}
	tally.Total = len(records)

	for _, rec := range records {
		if err := e.pace(ctx); err != nil {
			return tally, err
		}
		targetId, created, relayErr := relay(ctx, rec)
		settleRecord[T](ctx, e, &tally, run, rec.SourceId(), targetId, created, relayErr)
	}
	return tally, nil
}

// settleRecord translates one relay result into ledger bookkeeping. A
// missing dependency counts as skipped for the run but leaves the cache
// row failed so the next pass retries it after repair lands.
func settleRecord[T any](ctx context.Context, e *Engine, tally *models.RunTally, run *models.SyncRun, sourceId, targetId string, created bool, relayErr error) {
	now := time.Now()

	var depErr *DependencyError
	var skipErr *SkipError
	switch {
	case relayErr == nil:
		outcome := models.SyncOutcomeUpdated
		if created {
			outcome = models.SyncOutcomeCreated
			tally.Created++
		} else {
			tally.Updated++
		}
		logOp(ctx, e, run, sourceId, outcome, "")
		markOp(ctx, e, sourceId, func() error {
			return models.MarkRecordSynced[T](ctx, e.db, sourceId, targetId, now)
		})

	case errors.As(relayErr, &depErr):
		tally.Skipped++
		logOp(ctx, e, run, sourceId, models.SyncOutcomeSkipped, relayErr.Error())
		markOp(ctx, e, sourceId, func() error {
			return models.MarkRecordFailed[T](ctx, e.db, sourceId, relayErr.Error())
		})
		if err := e.RequestRepair(ctx, depErr.EntityType, depErr.SourceId); err != nil {
			config.LogError(e.logger, "crmsync", "settleRecord", sourceId, nil, err)
		}

	case errors.As(relayErr, &skipErr):
		tally.Skipped++
		logOp(ctx, e, run, sourceId, models.SyncOutcomeSkipped, skipErr.Reason)
		markOp(ctx, e, sourceId, func() error {
			return models.MarkRecordSkipped[T](ctx, e.db, sourceId, skipErr.Reason, now)
		})

	default:
		tally.Failed++
		tally.LastError = relayErr.Error()
		logOp(ctx, e, run, sourceId, models.SyncOutcomeFailed, relayErr.Error())
		markOp(ctx, e, sourceId, func() error {
			return models.MarkRecordFailed[T](ctx, e.db, sourceId, relayErr.Error())
		})
	}
}

func logOp(ctx context.Context, e *Engine, run *models.SyncRun, sourceId, outcome, message string) {
	if err := models.AppendSyncLog(ctx, e.db, run.ID, run.EntityType, sourceId, outcome, message); err != nil {
		config.LogError(e.logger, "crmsync", "logOp", sourceId, nil, err)
	}
}

func markOp(ctx context.Context, e *Engine, sourceId string, mark func() error) {
	if err := mark(); err != nil {
		config.LogError(e.logger, "crmsync", "markOp", sourceId, nil, err)
	}
}

func (e *Engine) pace(ctx context.Context) error {
	if e.cfg.RecordPacing <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.cfg.RecordPacing):
		return nil
	}
}

// upsertTarget is the shared create-or-update step: update through the
// existing mapping when one exists, otherwise create remotely and record
// the new correspondence.
func (e *Engine) upsertTarget(ctx context.Context, entityType models.EntityType, sourceId, kind string, payload any, md models.MappingMetadata) (string, bool, error) {
	mapping, err := models.FindMapping(ctx, e.db, entityType, sourceId)
	if err != nil {
		return "", false, err
	}

	if mapping != nil {
		if err := e.target.updateRecord(ctx, kind, mapping.TargetId, payload); err != nil {
			return "", false, err
		}
		if err := models.TouchMapping(ctx, e.db, entityType, sourceId, md); err != nil {
			config.LogError(e.logger, "crmsync", "upsertTarget", sourceId, nil, err)
		}
		return mapping.TargetId, false, nil
	}

	targetId, err := e.target.createRecord(ctx, kind, payload)
	if err != nil {
		return "", false, err
	}
	if err := models.CreateMapping(ctx, e.db, entityType, sourceId, targetId, md); err != nil {
		return "", false, err
	}
	return targetId, true, nil
}

func (e *Engine) relayClient(ctx context.Context, rec models.SalonClient) (string, bool, error) {
	payload := ClientPayload{
		ExternalId: rec.ID,
		Name:       rec.Name,
		Phone:      utils.NormalizePhoneNumber(rec.Phone, utils.CountryCode),
		Mobile:     utils.NormalizePhoneNumber(rec.Mobile, utils.CountryCode),
	}
	if utils.IsValidEmail(rec.Email) {
		payload.Email = rec.Email
	}
	md := models.MappingMetadata{
		MatchedBy:       "sync",
		MatchConfidence: "exact",
		SourceName:      rec.Name,
		SourceUpdatedAt: rec.SourceUpdatedAt.Format(time.RFC3339),
	}
	return e.upsertTarget(ctx, models.EntityTypeClient, rec.ID, "contacts", payload, md)
}

func (e *Engine) relayStaff(ctx context.Context, rec models.SalonStaff) (string, bool, error) {
	payload := StaffPayload{
		ExternalId: rec.ID,
		Name:       rec.Name,
		Role:       rec.Role,
	}
	if utils.IsValidEmail(rec.Email) {
		payload.Email = rec.Email
	}
	md := models.MappingMetadata{
		MatchedBy:       "sync",
		MatchConfidence: "exact",
		SourceName:      rec.Name,
		SourceUpdatedAt: rec.SourceUpdatedAt.Format(time.RFC3339),
	}
	return e.upsertTarget(ctx, models.EntityTypeStaff, rec.ID, "owners", payload, md)
}

func (e *Engine) relayProduct(ctx context.Context, rec models.SalonProduct) (string, bool, error) {
	payload := ProductPayload{
		ExternalId: rec.ID,
		Name:       rec.Name,
		Sku:        rec.Sku,
		Price:      rec.Price,
	}
	md := models.MappingMetadata{
		MatchedBy:       "sync",
		MatchConfidence: "exact",
		SourceName:      rec.Name,
		SourceUpdatedAt: rec.SourceUpdatedAt.Format(time.RFC3339),
	}
	return e.upsertTarget(ctx, models.EntityTypeProduct, rec.ID, "products", payload, md)
}

// relayAppointment requires both referenced mappings to exist before the
// activity can carry target-side ids.
func (e *Engine) relayAppointment(ctx context.Context, rec models.SalonAppointment) (string, bool, error) {
	clientMapping, err := models.FindMapping(ctx, e.db, models.EntityTypeClient, rec.ClientId)
	if err != nil {
		return "", false, err
	}
	if clientMapping == nil {
		return "", false, &DependencyError{EntityType: models.EntityTypeClient, SourceId: rec.ClientId}
	}

	payload := AppointmentPayload{
		ExternalId: rec.ID,
		ContactId:  clientMapping.TargetId,
		Subject:    rec.ServiceName,
		StartsAt:   rec.StartsAt,
		EndsAt:     rec.EndsAt,
		Status:     rec.Status,
	}
	if rec.StaffId != "" {
		staffMapping, err := models.FindMapping(ctx, e.db, models.EntityTypeStaff, rec.StaffId)
		if err != nil {
			return "", false, err
		}
		if staffMapping == nil {
			return "", false, &DependencyError{EntityType: models.EntityTypeStaff, SourceId: rec.StaffId}
		}
		payload.OwnerId = staffMapping.TargetId
	}

	md := models.MappingMetadata{
		MatchedBy:       "sync",
		MatchConfidence: "exact",
		SourceName:      rec.ServiceName,
		SourceUpdatedAt: rec.SourceUpdatedAt.Format(time.RFC3339),
	}
	return e.upsertTarget(ctx, models.EntityTypeAppointment, rec.ID, "activities", payload, md)
}

// relayLoyalty patches loyalty fields onto the mapped contact; the loyalty
// mapping points at the owning contact's target id.
func (e *Engine) relayLoyalty(ctx context.Context, rec models.LoyaltyBalance) (string, bool, error) {
	clientMapping, err := models.FindMapping(ctx, e.db, models.EntityTypeClient, rec.ID)
	if err != nil {
		return "", false, err
	}
	if clientMapping == nil {
		return "", false, &DependencyError{EntityType: models.EntityTypeClient, SourceId: rec.ID}
	}

	payload := LoyaltyPayload{
		ContactId: clientMapping.TargetId,
		Points:    rec.Points,
		Tier:      rec.Tier,
	}
	if err := e.target.patchContact(ctx, clientMapping.TargetId, payload); err != nil {
		return "", false, err
	}

	existing, err := models.FindMapping(ctx, e.db, models.EntityTypeLoyalty, rec.ID)
	if err != nil {
		return "", false, err
	}
	md := models.MappingMetadata{
		MatchedBy:       "sync",
		MatchConfidence: "exact",
		SourceUpdatedAt: rec.SourceUpdatedAt.Format(time.RFC3339),
	}
	if existing != nil {
		if err := models.TouchMapping(ctx, e.db, models.EntityTypeLoyalty, rec.ID, md); err != nil {
			config.LogError(e.logger, "crmsync", "relayLoyalty", rec.ID, nil, err)
		}
		return clientMapping.TargetId, false, nil
	}
	if err := models.CreateMapping(ctx, e.db, models.EntityTypeLoyalty, rec.ID, clientMapping.TargetId, md); err != nil {
		return "", false, err
	}
	return clientMapping.TargetId, true, nil
}
