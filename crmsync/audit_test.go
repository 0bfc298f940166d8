package crmsync

import (
	"reflect"
	"testing"

	"github.com/mmdatafocus/salonsync_backend/models"
)

func mapping(sourceId, targetId string) models.EntityMapping {
	return models.EntityMapping{
		EntityType: models.EntityTypeClient,
		SourceId:   sourceId,
		TargetId:   targetId,
	}
}

func TestComputeAuditDiffCleanState(t *testing.T) {
	mappings := []models.EntityMapping{
		mapping("s1", "t1"),
		mapping("s2", "t2"),
	}
	disc := ComputeAuditDiff(mappings, []string{"s1", "s2"}, []string{"t1", "t2"})
	if !disc.IsClean() {
		t.Fatalf("expected clean audit, got %+v", disc)
	}
}

func TestComputeAuditDiffOrphanedTargets(t *testing.T) {
	mappings := []models.EntityMapping{mapping("s1", "t1")}
	disc := ComputeAuditDiff(mappings, []string{"s1"}, []string{"t1", "t2", "t3"})
	if !reflect.DeepEqual(disc.OrphanedTargetIds, []string{"t2", "t3"}) {
		t.Fatalf("expected orphans t2,t3, got %v", disc.OrphanedTargetIds)
	}
	if len(disc.StaleTargetMappings) != 0 || len(disc.StaleSourceMappings) != 0 {
		t.Fatalf("unexpected stale findings: %+v", disc)
	}
}

func TestComputeAuditDiffStaleTargetMappings(t *testing.T) {
	mappings := []models.EntityMapping{
		mapping("s1", "t1"),
		mapping("s2", "t-gone"),
	}
	disc := ComputeAuditDiff(mappings, []string{"s1", "s2"}, []string{"t1"})
	if !reflect.DeepEqual(disc.StaleTargetMappings, []string{"t-gone"}) {
		t.Fatalf("expected stale target t-gone, got %v", disc.StaleTargetMappings)
	}
}

func TestComputeAuditDiffStaleSourceMappings(t *testing.T) {
	mappings := []models.EntityMapping{
		mapping("s1", "t1"),
		mapping("s-deleted", "t2"),
	}
	disc := ComputeAuditDiff(mappings, []string{"s1"}, []string{"t1", "t2"})
	if !reflect.DeepEqual(disc.StaleSourceMappings, []string{"s-deleted"}) {
		t.Fatalf("expected stale source s-deleted, got %v", disc.StaleSourceMappings)
	}
}

func TestComputeAuditDiffDuplicateTargets(t *testing.T) {
	mappings := []models.EntityMapping{
		mapping("s1", "t1"),
		mapping("s2", "t1"),
		mapping("s3", "t2"),
	}
	disc := ComputeAuditDiff(mappings, []string{"s1", "s2", "s3"}, []string{"t1", "t2"})
	if !reflect.DeepEqual(disc.DuplicateTargetIds, []string{"t1"}) {
		t.Fatalf("expected duplicate t1, got %v", disc.DuplicateTargetIds)
	}
}

func TestComputeAuditDiffManyStaleNoFalsePositives(t *testing.T) {
	var mappings []models.EntityMapping
	var local, target []string
	for i := 0; i < 50; i++ {
		s := "s" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		tgt := "t" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		mappings = append(mappings, mapping(s, tgt))
		local = append(local, s)
		if i%2 == 0 {
			target = append(target, tgt)
		}
	}
	disc := ComputeAuditDiff(mappings, local, target)
	if len(disc.StaleTargetMappings) != 25 {
		t.Fatalf("expected 25 stale target mappings, got %d", len(disc.StaleTargetMappings))
	}
	if len(disc.StaleSourceMappings) != 0 {
		t.Fatalf("expected no stale source mappings, got %v", disc.StaleSourceMappings)
	}
	if len(disc.OrphanedTargetIds) != 0 {
		t.Fatalf("expected no orphans, got %v", disc.OrphanedTargetIds)
	}
}

func TestComputeAuditDiffEmptyInputs(t *testing.T) {
	disc := ComputeAuditDiff(nil, nil, nil)
	if !disc.IsClean() {
		t.Fatalf("empty state must be clean, got %+v", disc)
	}
}
