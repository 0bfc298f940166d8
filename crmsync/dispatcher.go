package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
)

// scheduledJobKey is deterministic within one cadence window so every
// replica computes the same key and only one wins the SetNX.
func scheduledJobKey(entityType models.EntityType, direction models.SyncDirection, bucket time.Time) string {
	return fmt.Sprintf("sync:%s:%s:%d", entityType, direction, bucket.Unix())
}

func repairJobKey(entityType models.EntityType, sourceId string) string {
	return fmt.Sprintf("repair:%s:%s", entityType, sourceId)
}

// EnqueueScheduledPass creates and publishes a scheduled run for the
// current cadence window. Returns nil run when another replica (or an
// earlier tick) already claimed the window.
func (e *Engine) EnqueueScheduledPass(ctx context.Context, entityType models.EntityType) (*models.SyncRun, error) {
	cadence := e.cfg.ScheduleCadence[entityType]
	if cadence <= 0 {
		return nil, fmt.Errorf("no cadence configured for %s", entityType)
	}

	bucket := time.Now().Truncate(cadence)
	jobKey := scheduledJobKey(entityType, models.DirectionSourceToTarget, bucket)

	claimed, err := e.rdb.SetNX(ctx, jobKey, "1", cadence).Result()
	if err != nil {
		return nil, fmt.Errorf("claim job key: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	run := &models.SyncRun{
		EntityType:  entityType,
		Direction:   models.DirectionSourceToTarget,
		TriggeredBy: models.SyncTriggeredSchedule,
		JobKey:      jobKey,
	}
	if err := models.CreateSyncRun(ctx, e.db, run); err != nil {
		// Free the window so a later tick can claim it again.
		e.rdb.Del(ctx, jobKey)
		return nil, err
	}
	if err := e.publishRun(ctx, run); err != nil {
		models.FailSyncRun(ctx, e.db, run.ID, "publish: "+err.Error(), time.Now())
		e.rdb.Del(ctx, jobKey)
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"runId":      run.ID,
		"entityType": entityType,
		"jobKey":     jobKey,
	}).Info("scheduled sync run enqueued")
	return run, nil
}

// TriggerOnDemand enqueues one run per requested entity type. On-demand
// runs are never debounced; each gets a unique job key.
func (e *Engine) TriggerOnDemand(ctx context.Context, entityTypes []models.EntityType, triggeredBy string, parentRunId *uint) ([]models.SyncRun, error) {
	if len(entityTypes) == 0 {
		entityTypes = models.SyncedEntityTypes
	}

	runs := make([]models.SyncRun, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		if !isSyncedEntityType(entityType) {
			return runs, fmt.Errorf("no sync pass for entity type %q", entityType)
		}
		run := &models.SyncRun{
			EntityType:  entityType,
			Direction:   models.DirectionSourceToTarget,
			TriggeredBy: triggeredBy,
			JobKey:      "sync:ondemand:" + uuid.New().String(),
			ParentRunId: parentRunId,
		}
		if err := models.CreateSyncRun(ctx, e.db, run); err != nil {
			return runs, err
		}
		if err := e.publishRun(ctx, run); err != nil {
			models.FailSyncRun(ctx, e.db, run.ID, "publish: "+err.Error(), time.Now())
			return runs, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// RetryRun enqueues a fresh run for the same entity type as a finished
// failed or partial run, linked through ParentRunId.
func (e *Engine) RetryRun(ctx context.Context, runId uint) (*models.SyncRun, error) {
	parent, err := models.GetSyncRun(ctx, e.db, runId)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.SyncRunStatusFailed && parent.Status != models.SyncRunStatusPartial {
		return nil, fmt.Errorf("run %d is %s, only failed or partial runs can be retried", runId, parent.Status)
	}

	runs, err := e.TriggerOnDemand(ctx, []models.EntityType{parent.EntityType}, models.SyncTriggeredRetry, &parent.ID)
	if err != nil {
		return nil, err
	}
	return &runs[0], nil
}

// ExecuteRun performs one queued run end to end. Redelivered messages for
// a finished run are acknowledged without effect; a lock holds off
// concurrent execution of the same run.
func (e *Engine) ExecuteRun(ctx context.Context, msg RunMessage) error {
	lock, err := e.locker.Obtain(ctx, fmt.Sprintf("lock:run:%d", msg.RunId), e.cfg.RunLockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		e.logger.WithField("runId", msg.RunId).Info("run already executing elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("obtain run lock: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	run, err := models.GetSyncRun(ctx, e.db, msg.RunId)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}

	started, err := models.StartSyncRun(ctx, e.db, run.ID, time.Now())
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	log := e.logger.WithFields(map[string]interface{}{
		"runId":      run.ID,
		"entityType": run.EntityType,
	})
	log.Info("sync run started")

	tally, passErr := e.runEntityPass(ctx, run)
	if passErr != nil {
		config.LogError(e.logger, "crmsync", "ExecuteRun", run.JobKey, nil, passErr)
		if ferr := models.FailSyncRun(ctx, e.db, run.ID, passErr.Error(), time.Now()); ferr != nil {
			return ferr
		}
		return nil
	}

	if err := models.FinalizeSyncRun(ctx, e.db, run.ID, tally, time.Now()); err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"total":   tally.Total,
		"created": tally.Created,
		"updated": tally.Updated,
		"skipped": tally.Skipped,
		"failed":  tally.Failed,
	}).Info("sync run finished")
	return nil
}
