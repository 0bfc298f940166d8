package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/bsm/redislock"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
)

func TestMappingAndRunLedgerIntegration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "salonsync_test")

	db := config.ConnectDatabaseWithRetry()
	rdb, locker := config.ConnectRedisWithRetry()
	defer rdb.Close()

	models.MigrateTable(db)

	// Mapping store: identical re-create is a no-op, different target is a
	// conflict, never a silent repoint.
	md := models.MappingMetadata{MatchedBy: "sync", SourceName: "Alice"}
	if err := models.CreateMapping(ctx, db, models.EntityTypeClient, "c-1", "lp-1", md); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if err := models.CreateMapping(ctx, db, models.EntityTypeClient, "c-1", "lp-1", md); err != nil {
		t.Fatalf("idempotent re-create must succeed: %v", err)
	}
	err := models.CreateMapping(ctx, db, models.EntityTypeClient, "c-1", "lp-OTHER", md)
	var conflict *models.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ExistingId != "lp-1" || conflict.AttemptId != "lp-OTHER" {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}
	got, err := models.FindMapping(ctx, db, models.EntityTypeClient, "c-1")
	if err != nil || got == nil || got.TargetId != "lp-1" {
		t.Fatalf("mapping must keep original target after conflict, got %+v err=%v", got, err)
	}

	// Same source id under another kind is a separate correspondence.
	if err := models.CreateMapping(ctx, db, models.EntityTypeStaff, "c-1", "own-9", md); err != nil {
		t.Fatalf("cross-kind mapping: %v", err)
	}

	// Run ledger: start guard, exactly-once finalize.
	run := &models.SyncRun{EntityType: models.EntityTypeClient, TriggeredBy: models.SyncTriggeredManual, JobKey: "sync:test:1"}
	if err := models.CreateSyncRun(ctx, db, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	started, err := models.StartSyncRun(ctx, db, run.ID, time.Now())
	if err != nil || !started {
		t.Fatalf("first start must win: started=%v err=%v", started, err)
	}
	started, err = models.StartSyncRun(ctx, db, run.ID, time.Now())
	if err != nil || started {
		t.Fatalf("second start must be rejected: started=%v err=%v", started, err)
	}

	tally := models.RunTally{Total: 5, Created: 2, Updated: 1, Skipped: 1, Failed: 1, LastError: "validation: bad phone"}
	if err := models.FinalizeSyncRun(ctx, db, run.ID, tally, time.Now()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := models.FinalizeSyncRun(ctx, db, run.ID, models.RunTally{Total: 99}, time.Now()); err != nil {
		t.Fatalf("re-finalize must be a no-op, not an error: %v", err)
	}
	final, err := models.GetSyncRun(ctx, db, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != models.SyncRunStatusPartial || final.TotalRecords != 5 || final.SuccessCount != 3 {
		t.Fatalf("finalize must stick once: %+v", final)
	}

	// Stuck-run sweep touches only aged running rows.
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	stuck := &models.SyncRun{EntityType: models.EntityTypeStaff, Status: models.SyncRunStatusRunning, StartedAt: &old, JobKey: "sync:test:stuck"}
	fresh := &models.SyncRun{EntityType: models.EntityTypeStaff, Status: models.SyncRunStatusRunning, StartedAt: &now, JobKey: "sync:test:fresh"}
	if err := db.WithContext(ctx).Create(stuck).Error; err != nil {
		t.Fatalf("seed stuck run: %v", err)
	}
	if err := db.WithContext(ctx).Create(fresh).Error; err != nil {
		t.Fatalf("seed fresh run: %v", err)
	}
	count, err := models.ReclassifyStuckRuns(ctx, db, time.Hour, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 reclassified run, got %d", count)
	}
	sweptStuck, _ := models.GetSyncRun(ctx, db, stuck.ID)
	if sweptStuck.Status != models.SyncRunStatusFailed {
		t.Fatalf("stuck run must be failed, got %s", sweptStuck.Status)
	}
	sweptFresh, _ := models.GetSyncRun(ctx, db, fresh.ID)
	if sweptFresh.Status != models.SyncRunStatusRunning {
		t.Fatalf("fresh run must stay running, got %s", sweptFresh.Status)
	}
	sweptFinal, _ := models.GetSyncRun(ctx, db, run.ID)
	if sweptFinal.Status != models.SyncRunStatusPartial {
		t.Fatalf("terminal run must be untouched by sweep, got %s", sweptFinal.Status)
	}

	// Candidate selection skips records already synced and unchanged.
	base := time.Now().Add(-time.Hour)
	seedClients := []models.SalonClient{
		{ID: "cand-pending", Name: "P", SourceUpdatedAt: base, SyncFields: models.SyncFields{SyncStatus: models.CacheSyncPending}},
		{ID: "cand-failed", Name: "F", SourceUpdatedAt: base.Add(time.Minute), SyncFields: models.SyncFields{SyncStatus: models.CacheSyncFailed}},
		{ID: "cand-synced", Name: "S", SourceUpdatedAt: base, SyncFields: models.SyncFields{SyncStatus: models.CacheSyncSynced}},
	}
	for i := range seedClients {
		if err := db.WithContext(ctx).Create(&seedClients[i]).Error; err != nil {
			t.Fatalf("seed client: %v", err)
		}
	}
	syncedAt := base.Add(30 * time.Minute)
	if err := models.MarkRecordSynced[models.SalonClient](ctx, db, "cand-synced", "lp-synced", syncedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	candidates, err := models.FindSyncCandidates[models.SalonClient](ctx, db, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].ID != "cand-pending" || candidates[1].ID != "cand-failed" {
		t.Fatalf("candidates must come oldest first: %+v", candidates)
	}

	// A synced record becomes a candidate again only when the source moves.
	if err := db.WithContext(ctx).Model(&models.SalonClient{}).Where("id = ?", "cand-synced").
		Update("source_updated_at", syncedAt.Add(time.Minute)).Error; err != nil {
		t.Fatalf("advance source: %v", err)
	}
	candidates, err = models.FindSyncCandidates[models.SalonClient](ctx, db, 10)
	if err != nil {
		t.Fatalf("candidates after change: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("changed synced record must re-qualify, got %d candidates", len(candidates))
	}

	// Durable idempotency claims: first delivery wins, duplicates bounce.
	claimed, err := models.ClaimIdempotencyKey(ctx, db, "crm-sync-run", "msg-1")
	if err != nil || !claimed {
		t.Fatalf("first claim must win: claimed=%v err=%v", claimed, err)
	}
	claimed, err = models.ClaimIdempotencyKey(ctx, db, "crm-sync-run", "msg-1")
	if err != nil || claimed {
		t.Fatalf("duplicate claim must bounce: claimed=%v err=%v", claimed, err)
	}
	claimed, err = models.ClaimIdempotencyKey(ctx, db, "crm-repair", "msg-1")
	if err != nil || !claimed {
		t.Fatalf("same message id under another handler is a fresh claim: claimed=%v err=%v", claimed, err)
	}

	// Run lock: second obtain for the same run key must not succeed.
	lock, err := locker.Obtain(ctx, "lock:run:777", time.Minute, nil)
	if err != nil {
		t.Fatalf("obtain lock: %v", err)
	}
	_, err = locker.Obtain(ctx, "lock:run:777", time.Minute, nil)
	if !errors.Is(err, redislock.ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release lock: %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("salonsync-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("salonsync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=salonsync_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
