package models

// EntityType identifies a category of record being synchronized.
type EntityType string

const (
	EntityTypeClient      EntityType = "client"
	EntityTypeAppointment EntityType = "appointment"
	EntityTypeStaff       EntityType = "staff"
	EntityTypeProduct     EntityType = "product"
	EntityTypeLoyalty     EntityType = "loyalty"
	EntityTypeStaffUser   EntityType = "staff_user"
	EntityTypeCheckin     EntityType = "checkin"
)

// SyncedEntityTypes lists the kinds with their own scheduled pass, in
// dependency order (clients before the records that reference them).
var SyncedEntityTypes = []EntityType{
	EntityTypeClient,
	EntityTypeStaff,
	EntityTypeProduct,
	EntityTypeAppointment,
	EntityTypeLoyalty,
}

func IsKnownEntityType(t EntityType) bool {
	switch t {
	case EntityTypeClient, EntityTypeAppointment, EntityTypeStaff,
		EntityTypeProduct, EntityTypeLoyalty, EntityTypeStaffUser, EntityTypeCheckin:
		return true
	}
	return false
}

type SyncDirection string

const (
	DirectionSourceToTarget SyncDirection = "source_to_target"
	DirectionTargetToSource SyncDirection = "target_to_source"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRetry    = "retry"
	SyncTriggeredRepair   = "repair"
	SyncTriggeredWebhook  = "webhook"
)

// Per-record outcomes written to the operation log.
const (
	SyncOutcomeCreated = "created"
	SyncOutcomeUpdated = "updated"
	SyncOutcomeSkipped = "skipped"
	SyncOutcomeFailed  = "failed"
)

// Sync-status values denormalized onto cached source records.
// These fields are derived; the mapping store is the source of truth.
const (
	CacheSyncPending = "pending"
	CacheSyncSynced  = "synced"
	CacheSyncSkipped = "skipped"
	CacheSyncFailed  = "failed"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
)
