package crmsync

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

const (
	RunsTopicName   = "crm-sync-runs"
	RepairTopicName = "crm-repair"

	RunsSubscriptionName   = "crm-sync-runs-push"
	RepairSubscriptionName = "crm-repair-push"
)

// DependencyError marks a record whose referenced entity has no mapping
// yet. The record is skipped for this pass and a repair job is requested
// for the missing dependency.
type DependencyError struct {
	EntityType models.EntityType
	SourceId   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("missing dependency %s/%s", e.EntityType, e.SourceId)
}

// RunMessage is the Pub/Sub payload for a sync run. The run row already
// exists in queued state when the message is published; delivery only
// triggers execution.
type RunMessage struct {
	RunId      uint                 `json:"runId"`
	EntityType models.EntityType    `json:"entityType"`
	Direction  models.SyncDirection `json:"direction"`
	JobKey     string               `json:"jobKey"`
}

// RepairMessage asks a worker to fetch and sync one specific record.
type RepairMessage struct {
	EntityType  models.EntityType `json:"entityType"`
	SourceId    string            `json:"sourceId"`
	JobKey      string            `json:"jobKey"`
	TriggeredBy string            `json:"triggeredBy,omitempty"`
}

// TriggerRequest is the REST body for an on-demand pass.
type TriggerRequest struct {
	EntityTypes []models.EntityType `json:"entityTypes"`
}

// RunSummary is the REST shape for run listing and detail.
type RunSummary struct {
	Id           uint                 `json:"id"`
	EntityType   models.EntityType    `json:"entityType"`
	Direction    models.SyncDirection `json:"direction"`
	Status       string               `json:"status"`
	TriggeredBy  string               `json:"triggeredBy"`
	ParentRunId  *uint                `json:"parentRunId,omitempty"`
	TotalRecords int                  `json:"totalRecords"`
	SuccessCount int                  `json:"successCount"`
	SkippedCount int                  `json:"skippedCount"`
	FailedCount  int                  `json:"failedCount"`
	LastError    string               `json:"lastError,omitempty"`
	StartedAt    *time.Time           `json:"startedAt,omitempty"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
	DurationMs   int64                `json:"durationMs"`
}

func summarizeRun(run *models.SyncRun) RunSummary {
	return RunSummary{
		Id:           run.ID,
		EntityType:   run.EntityType,
		Direction:    run.Direction,
		Status:       run.Status,
		TriggeredBy:  run.TriggeredBy,
		ParentRunId:  run.ParentRunId,
		TotalRecords: run.TotalRecords,
		SuccessCount: run.SuccessCount,
		SkippedCount: run.SkippedCount,
		FailedCount:  run.FailedCount,
		LastError:    run.LastError,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		DurationMs:   run.DurationMs,
	}
}

// ClientPayload is the LeadPulse contact shape.
type ClientPayload struct {
	ExternalId string `json:"externalId"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Mobile     string `json:"mobile,omitempty"`
}

// StaffPayload is the LeadPulse owner/representative shape.
type StaffPayload struct {
	ExternalId string `json:"externalId"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role,omitempty"`
}

// ProductPayload is the LeadPulse catalog item shape.
type ProductPayload struct {
	ExternalId string          `json:"externalId"`
	Name       string          `json:"name"`
	Sku        string          `json:"sku,omitempty"`
	Price      decimal.Decimal `json:"price"`
}

// AppointmentPayload is the LeadPulse activity shape. ContactId and
// OwnerId are target-side ids resolved through the mapping store.
type AppointmentPayload struct {
	ExternalId string    `json:"externalId"`
	ContactId  string    `json:"contactId"`
	OwnerId    string    `json:"ownerId,omitempty"`
	Subject    string    `json:"subject"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
	Status     string    `json:"status"`
}

// LoyaltyPayload updates custom loyalty fields on an existing contact.
type LoyaltyPayload struct {
	ContactId string          `json:"contactId"`
	Points    decimal.Decimal `json:"loyaltyPoints"`
	Tier      string          `json:"loyaltyTier"`
}

// EngineConfig carries the tunables the engine reads once at startup.
type EngineConfig struct {
	BatchSize       int
	RecordPacing    time.Duration
	ScheduleCadence map[models.EntityType]time.Duration
	ScheduleStagger time.Duration
	RepairKeyTTL    time.Duration
	RunLockTTL      time.Duration
	StuckRunAge     time.Duration
	AuditInterval   time.Duration
	LogRetention    time.Duration
}

// LoadEngineConfig resolves engine tunables from the environment with the
// defaults the service runs with in production.
func LoadEngineConfig() EngineConfig {
	cadence := map[models.EntityType]time.Duration{
		models.EntityTypeClient:      minutes("SYNC_CADENCE_CLIENT_MINUTES", 15),
		models.EntityTypeStaff:       minutes("SYNC_CADENCE_STAFF_MINUTES", 60),
		models.EntityTypeProduct:     minutes("SYNC_CADENCE_PRODUCT_MINUTES", 60),
		models.EntityTypeAppointment: minutes("SYNC_CADENCE_APPOINTMENT_MINUTES", 10),
		models.EntityTypeLoyalty:     minutes("SYNC_CADENCE_LOYALTY_MINUTES", 30),
	}
	return EngineConfig{
		BatchSize:       utils.IntFromEnv("SYNC_BATCH_SIZE", 200),
		RecordPacing:    time.Duration(utils.IntFromEnv("SYNC_RECORD_PACING_MS", 150)) * time.Millisecond,
		ScheduleCadence: cadence,
		ScheduleStagger: time.Duration(utils.IntFromEnv("SYNC_SCHEDULE_STAGGER_SECONDS", 20)) * time.Second,
		RepairKeyTTL:    minutes("SYNC_REPAIR_KEY_TTL_MINUTES", 10),
		RunLockTTL:      minutes("SYNC_RUN_LOCK_TTL_MINUTES", 15),
		StuckRunAge:     minutes("SYNC_STUCK_RUN_AGE_MINUTES", 60),
		AuditInterval:   minutes("SYNC_AUDIT_INTERVAL_MINUTES", 360),
		LogRetention:    time.Duration(utils.IntFromEnv("SYNC_LOG_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}
}

func minutes(key string, fallback int) time.Duration {
	return time.Duration(utils.IntFromEnv(key, fallback)) * time.Minute
}
