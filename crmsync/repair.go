package crmsync

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
)

// RequestRepair asks for a single missing record to be fetched and synced.
// A durable SetNX key debounces the request: while one repair for the same
// record is in flight (or its TTL has not lapsed) further requests publish
// nothing.
func (e *Engine) RequestRepair(ctx context.Context, entityType models.EntityType, sourceId string) error {
	return e.requestRepairAs(ctx, entityType, sourceId, models.SyncTriggeredRepair)
}

func (e *Engine) requestRepairAs(ctx context.Context, entityType models.EntityType, sourceId, triggeredBy string) error {
	jobKey := repairJobKey(entityType, sourceId)
	claimed, err := e.rdb.SetNX(ctx, jobKey, "1", e.cfg.RepairKeyTTL).Result()
	if err != nil {
		return fmt.Errorf("claim repair key: %w", err)
	}
	if !claimed {
		return nil
	}

	msg := RepairMessage{EntityType: entityType, SourceId: sourceId, JobKey: jobKey, TriggeredBy: triggeredBy}
	if err := e.publishRepair(ctx, msg); err != nil {
		// Free the key so a later pass can request the repair again.
		e.rdb.Del(ctx, jobKey)
		return err
	}

	e.logger.WithFields(map[string]interface{}{
		"entityType": entityType,
		"sourceId":   sourceId,
	}).Info("repair requested")
	return nil
}

// HandleRepair fetches one record from SalonOS into the cache and relays
// it immediately under a dedicated repair run. The debounce key is
// released regardless of outcome so failed repairs can be requested again.
func (e *Engine) HandleRepair(ctx context.Context, msg RepairMessage) error {
	defer e.rdb.Del(context.WithoutCancel(ctx), repairJobKey(msg.EntityType, msg.SourceId))

	if !isSyncedEntityType(msg.EntityType) {
		return fmt.Errorf("no sync pass for entity type %q", msg.EntityType)
	}

	if err := e.source.fetchAndCache(ctx, e.db, msg.EntityType, msg.SourceId); err != nil {
		return fmt.Errorf("fetch %s/%s: %w", msg.EntityType, msg.SourceId, err)
	}

	triggeredBy := msg.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredRepair
	}
	run := &models.SyncRun{
		EntityType:  msg.EntityType,
		Direction:   models.DirectionSourceToTarget,
		TriggeredBy: triggeredBy,
		JobKey:      msg.JobKey,
	}
	if err := models.CreateSyncRun(ctx, e.db, run); err != nil {
		return err
	}
	started, err := models.StartSyncRun(ctx, e.db, run.ID, time.Now())
	if err != nil || !started {
		return err
	}

	var tally models.RunTally
	tally.Total = 1
	targetId, created, relayErr := e.relayOne(ctx, msg.EntityType, msg.SourceId)
	switch msg.EntityType {
	case models.EntityTypeClient:
		settleRecord[models.SalonClient](ctx, e, &tally, run, msg.SourceId, targetId, created, relayErr)
	case models.EntityTypeStaff:
		settleRecord[models.SalonStaff](ctx, e, &tally, run, msg.SourceId, targetId, created, relayErr)
	case models.EntityTypeProduct:
		settleRecord[models.SalonProduct](ctx, e, &tally, run, msg.SourceId, targetId, created, relayErr)
	case models.EntityTypeAppointment:
		settleRecord[models.SalonAppointment](ctx, e, &tally, run, msg.SourceId, targetId, created, relayErr)
	case models.EntityTypeLoyalty:
		settleRecord[models.LoyaltyBalance](ctx, e, &tally, run, msg.SourceId, targetId, created, relayErr)
	}

	if err := models.FinalizeSyncRun(ctx, e.db, run.ID, tally, time.Now()); err != nil {
		return err
	}
	if relayErr != nil {
		config.LogError(e.logger, "crmsync", "HandleRepair", msg.SourceId, nil, relayErr)
	}
	return nil
}

// relayOne loads a single cached record and relays it through the same
// per-entity routine the batch pass uses.
func (e *Engine) relayOne(ctx context.Context, entityType models.EntityType, sourceId string) (string, bool, error) {
	switch entityType {
	case models.EntityTypeClient:
		rec, err := loadCacheRecord[models.SalonClient](ctx, e, sourceId)
		if err != nil {
			return "", false, err
		}
		return e.relayClient(ctx, rec)
	case models.EntityTypeStaff:
		rec, err := loadCacheRecord[models.SalonStaff](ctx, e, sourceId)
		if err != nil {
			return "", false, err
		}
		return e.relayStaff(ctx, rec)
	case models.EntityTypeProduct:
		rec, err := loadCacheRecord[models.SalonProduct](ctx, e, sourceId)
		if err != nil {
			return "", false, err
		}
		return e.relayProduct(ctx, rec)
	case models.EntityTypeAppointment:
		rec, err := loadCacheRecord[models.SalonAppointment](ctx, e, sourceId)
		if err != nil {
			return "", false, err
		}
		return e.relayAppointment(ctx, rec)
	case models.EntityTypeLoyalty:
		rec, err := loadCacheRecord[models.LoyaltyBalance](ctx, e, sourceId)
		if err != nil {
			return "", false, err
		}
		return e.relayLoyalty(ctx, rec)
	default:
		return "", false, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func loadCacheRecord[T any](ctx context.Context, e *Engine, sourceId string) (T, error) {
	var rec T
	err := e.db.WithContext(ctx).Where("id = ?", sourceId).Take(&rec).Error
	return rec, err
}
