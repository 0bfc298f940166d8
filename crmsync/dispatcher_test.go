package crmsync

import (
	"testing"
	"time"

	"github.com/mmdatafocus/salonsync_backend/models"
)

func TestScheduledJobKeyDeterministicWithinWindow(t *testing.T) {
	cadence := 15 * time.Minute
	base := time.Date(2026, 3, 1, 10, 2, 11, 0, time.UTC)

	k1 := scheduledJobKey(models.EntityTypeClient, models.DirectionSourceToTarget, base.Truncate(cadence))
	k2 := scheduledJobKey(models.EntityTypeClient, models.DirectionSourceToTarget, base.Add(9*time.Minute).Truncate(cadence))
	if k1 != k2 {
		t.Fatalf("keys within one window must match: %q vs %q", k1, k2)
	}

	k3 := scheduledJobKey(models.EntityTypeClient, models.DirectionSourceToTarget, base.Add(20*time.Minute).Truncate(cadence))
	if k1 == k3 {
		t.Fatalf("keys across windows must differ: %q", k1)
	}
}

func TestScheduledJobKeyVariesByKindAndDirection(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	byKind := map[string]struct{}{}
	for _, entityType := range models.SyncedEntityTypes {
		byKind[scheduledJobKey(entityType, models.DirectionSourceToTarget, bucket)] = struct{}{}
	}
	if len(byKind) != len(models.SyncedEntityTypes) {
		t.Fatalf("expected %d distinct keys, got %d", len(models.SyncedEntityTypes), len(byKind))
	}

	fwd := scheduledJobKey(models.EntityTypeClient, models.DirectionSourceToTarget, bucket)
	rev := scheduledJobKey(models.EntityTypeClient, models.DirectionTargetToSource, bucket)
	if fwd == rev {
		t.Fatal("direction must be part of the job key")
	}
}

func TestRepairJobKey(t *testing.T) {
	k := repairJobKey(models.EntityTypeStaff, "st-42")
	if k != "repair:staff:st-42" {
		t.Fatalf("unexpected repair key: %q", k)
	}
}
