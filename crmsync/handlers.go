package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

type entityStatus struct {
	EntityType   models.EntityType `json:"entityType"`
	LocalCount   int64             `json:"localCount"`
	MappingCount int64             `json:"mappingCount"`
	LastRun      *RunSummary       `json:"lastRun,omitempty"`
}

// StatusHandler reports per-kind cache and mapping counts with the most
// recent run for each.
func (e *Engine) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		statuses := make([]entityStatus, 0, len(models.SyncedEntityTypes))
		for _, entityType := range models.SyncedEntityTypes {
			localCount, err := e.countLocal(ctx, entityType)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			mappingCount, err := models.CountMappingsByType(ctx, e.db, entityType)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			status := entityStatus{
				EntityType:   entityType,
				LocalCount:   localCount,
				MappingCount: mappingCount,
			}
			runs, err := models.ListRecentSyncRuns(ctx, e.db, entityType, 1)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if len(runs) == 1 {
				summary := summarizeRun(&runs[0])
				status.LastRun = &summary
			}
			statuses = append(statuses, status)
		}
		c.JSON(http.StatusOK, gin.H{"entities": statuses})
	}
}

// TriggerHandler enqueues on-demand runs for the requested kinds (all
// kinds when the body names none).
func (e *Engine) TriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		for _, entityType := range req.EntityTypes {
			if !isSyncedEntityType(entityType) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type: " + string(entityType)})
				return
			}
		}

		runs, err := e.TriggerOnDemand(c.Request.Context(), req.EntityTypes, models.SyncTriggeredManual, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		summaries := make([]RunSummary, 0, len(runs))
		for i := range runs {
			summaries = append(summaries, summarizeRun(&runs[i]))
		}
		c.JSON(http.StatusAccepted, gin.H{"runs": summaries})
	}
}

func (e *Engine) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := utils.IntFromEnv("SYNC_RUN_LIST_LIMIT", 50)
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		entityType := models.EntityType(c.Query("entityType"))
		if entityType != "" && !models.IsKnownEntityType(entityType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type"})
			return
		}

		runs, err := models.ListRecentSyncRuns(c.Request.Context(), e.db, entityType, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		summaries := make([]RunSummary, 0, len(runs))
		for i := range runs {
			summaries = append(summaries, summarizeRun(&runs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"runs": summaries})
	}
}

// GetRunHandler returns one run with its operation log.
func (e *Engine) GetRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		run, err := models.GetSyncRun(ctx, e.db, uint(runId))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		logs, err := models.ListSyncLogsForRun(ctx, e.db, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": summarizeRun(run), "operations": logs})
	}
}

func (e *Engine) RetryRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		run, err := e.RetryRun(c.Request.Context(), uint(runId))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": summarizeRun(run)})
	}
}

func (e *Engine) TriggerAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := e.RunFullAudit(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"audits": entries})
	}
}

func (e *Engine) ListAuditsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		entries, err := models.ListSyncAuditLogs(c.Request.Context(), e.db, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"audits": entries})
	}
}

type webhookEvent struct {
	EventId    string            `json:"eventId"`
	EntityType models.EntityType `json:"entityType" validate:"required"`
	RecordId   string            `json:"recordId" validate:"required"`
	Record     json.RawMessage   `json:"record"`
}

// WebhookHandler ingests SalonOS change notifications. Always 204 so the
// source never retries into a poison loop; events carrying a record body
// land in the cache directly, and every event enqueues a debounced repair
// job so the fetch and relay happen on the worker, never in the request.
func (e *Engine) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var event webhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			c.Status(204)
			return
		}
		if err := utils.ValidateStruct(event); err != nil {
			c.Status(204)
			return
		}
		if !isSyncedEntityType(event.EntityType) {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		if event.EventId != "" {
			claimed, err := models.ClaimIdempotencyKey(ctx, e.db, "salonos-webhook", event.EventId)
			if err != nil || !claimed {
				c.Status(204)
				return
			}
			defer func() {
				e.settleIdempotency(ctx, "salonos-webhook", event.EventId, nil)
			}()
		}

		if err := e.ingestWebhookEvent(ctx, event); err != nil {
			config.LogError(e.logger, "crmsync", "WebhookHandler", event.RecordId, nil, err)
		}
		c.Status(204)
	}
}

func (e *Engine) ingestWebhookEvent(ctx context.Context, event webhookEvent) error {
	if len(event.Record) > 0 {
		// Best effort: a body that does not decode still gets repaired
		// from a fresh fetch on the worker.
		if err := e.cacheInlineRecord(ctx, event.EntityType, event.Record); err != nil {
			config.LogError(e.logger, "crmsync", "cacheInlineRecord", event.RecordId, nil, err)
		}
	}
	return e.requestRepairAs(ctx, event.EntityType, event.RecordId, models.SyncTriggeredWebhook)
}

func (e *Engine) cacheInlineRecord(ctx context.Context, entityType models.EntityType, raw json.RawMessage) error {
	switch entityType {
	case models.EntityTypeClient:
		var rec sourceClientRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, e.db, rec.toModel())
	case models.EntityTypeStaff:
		var rec sourceStaffRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, e.db, rec.toModel())
	case models.EntityTypeProduct:
		var rec sourceProductRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, e.db, rec.toModel())
	case models.EntityTypeAppointment:
		var rec sourceAppointmentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return replaceCacheRecord(ctx, e.db, rec.toModel())
	case models.EntityTypeLoyalty:
		var rec sourceLoyaltyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.ClientId == "" {
			return errors.New("loyalty record missing clientId")
		}
		return replaceCacheRecord(ctx, e.db, rec.toModel())
	default:
		return errors.New("unsupported entity type")
	}
}

func isSyncedEntityType(entityType models.EntityType) bool {
	for _, t := range models.SyncedEntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

func (e *Engine) countLocal(ctx context.Context, entityType models.EntityType) (int64, error) {
	switch entityType {
	case models.EntityTypeClient:
		return models.CountCacheRecords[models.SalonClient](ctx, e.db)
	case models.EntityTypeStaff:
		return models.CountCacheRecords[models.SalonStaff](ctx, e.db)
	case models.EntityTypeProduct:
		return models.CountCacheRecords[models.SalonProduct](ctx, e.db)
	case models.EntityTypeAppointment:
		return models.CountCacheRecords[models.SalonAppointment](ctx, e.db)
	case models.EntityTypeLoyalty:
		return models.CountCacheRecords[models.LoyaltyBalance](ctx, e.db)
	default:
		return 0, errors.New("unknown entity type")
	}
}
