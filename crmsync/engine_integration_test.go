package crmsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
)

type capturedPublish struct {
	mu       sync.Mutex
	payloads []any
}

func (p *capturedPublish) publish(ctx context.Context, topicName string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturedPublish) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *capturedPublish) last() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		return nil
	}
	return p.payloads[len(p.payloads)-1]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWebhookAndRepairDebounceIntegration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startEngineRedisContainer(t)
	t.Cleanup(func() { _ = engineDockerRmForce(redisName) })
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))

	rdb, _ := config.ConnectRedisWithRetry()
	defer rdb.Close()

	captured := &capturedPublish{}
	e := &Engine{
		rdb:       rdb,
		logger:    quietLogger(),
		cfg:       LoadEngineConfig(),
		publisher: captured.publish,
	}

	// Webhook: the notification is acknowledged with a repair job on the
	// queue, no upstream's fetch happens inside the request.
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/salonos", e.WebhookHandler())

	post := func(body string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/salonos", strings.NewReader(body))
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(`{"entityType":"client","recordId":"c-9"}`); code != 204 {
		t.Fatalf("webhook must ack 204, got %d", code)
	}
	if captured.count() != 1 {
		t.Fatalf("expected one repair publish, got %d", captured.count())
	}
	msg, ok := captured.last().(RepairMessage)
	if !ok {
		t.Fatalf("expected RepairMessage, got %T", captured.last())
	}
	if msg.EntityType != models.EntityTypeClient || msg.SourceId != "c-9" {
		t.Fatalf("unexpected repair identity: %+v", msg)
	}
	if msg.TriggeredBy != models.SyncTriggeredWebhook {
		t.Fatalf("webhook repair must carry trigger %q, got %q", models.SyncTriggeredWebhook, msg.TriggeredBy)
	}

	// A second notification for the same record inside the debounce
	// window publishes nothing.
	if code := post(`{"entityType":"client","recordId":"c-9"}`); code != 204 {
		t.Fatalf("webhook must ack 204, got %d", code)
	}
	if captured.count() != 1 {
		t.Fatalf("same-record notification must be debounced, got %d publishes", captured.count())
	}

	// A different record is its own job.
	if code := post(`{"entityType":"client","recordId":"c-10"}`); code != 204 {
		t.Fatalf("webhook must ack 204, got %d", code)
	}
	if captured.count() != 2 {
		t.Fatalf("distinct record must publish, got %d publishes", captured.count())
	}

	// Concurrent repair requests for one identity: exactly one SetNX
	// claim wins and exactly one job is published.
	before := captured.count()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.RequestRepair(ctx, models.EntityTypeStaff, "s-1"); err != nil {
				t.Errorf("request repair: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := captured.count() - before; got != 1 {
		t.Fatalf("5 concurrent repair requests must publish exactly 1 job, got %d", got)
	}

	// Once the worker releases the key the record can be repaired again.
	if err := rdb.Del(ctx, repairJobKey(models.EntityTypeStaff, "s-1")).Err(); err != nil {
		t.Fatalf("release repair key: %v", err)
	}
	if err := e.RequestRepair(ctx, models.EntityTypeStaff, "s-1"); err != nil {
		t.Fatalf("request repair after release: %v", err)
	}
	if got := captured.count() - before; got != 2 {
		t.Fatalf("released identity must publish again, got %d", got)
	}
}

func TestScheduledPassFreesWindowOnPublishFailure(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startEngineRedisContainer(t)
	t.Cleanup(func() { _ = engineDockerRmForce(redisName) })

	mysqlName, mysqlPort := startEngineMySQLContainer(t)
	t.Cleanup(func() { _ = engineDockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "salonsync_test")

	db := config.ConnectDatabaseWithRetry()
	rdb, _ := config.ConnectRedisWithRetry()
	defer rdb.Close()

	models.MigrateTable(db)

	e := &Engine{
		db:     db,
		rdb:    rdb,
		logger: quietLogger(),
		cfg:    LoadEngineConfig(),
		publisher: func(ctx context.Context, topicName string, payload any) error {
			return fmt.Errorf("broker down")
		},
	}

	if _, err := e.EnqueueScheduledPass(ctx, models.EntityTypeClient); err == nil {
		t.Fatal("publish failure must surface")
	}

	cadence := e.cfg.ScheduleCadence[models.EntityTypeClient]
	jobKey := scheduledJobKey(models.EntityTypeClient, models.DirectionSourceToTarget, time.Now().Truncate(cadence))
	exists, err := rdb.Exists(ctx, jobKey).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 0 {
		t.Fatal("window key must be freed after a failed enqueue")
	}

	runs, err := models.ListRecentSyncRuns(ctx, db, models.EntityTypeClient, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected the failed run on the ledger: %v (%d runs)", err, len(runs))
	}
	if runs[0].Status != models.SyncRunStatusFailed {
		t.Fatalf("run status = %q, want failed", runs[0].Status)
	}

	// With the broker back, the same window can be claimed again.
	captured := &capturedPublish{}
	e.publisher = captured.publish
	run, err := e.EnqueueScheduledPass(ctx, models.EntityTypeClient)
	if err != nil {
		t.Fatalf("enqueue after recovery: %v", err)
	}
	if run == nil {
		t.Fatal("recovered enqueue must claim the freed window")
	}
	if captured.count() != 1 {
		t.Fatalf("expected one run publish, got %d", captured.count())
	}
}

func startEngineRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("salonsync-test-redis-%d", time.Now().UnixNano())
	out, err := engineDockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := engineDockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := engineDockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startEngineMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("salonsync-test-mysql-%d", time.Now().UnixNano())
	out, err := engineDockerRun(
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
	port, err := engineDockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := engineDockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func engineDockerHostPort(container, portProto string) (string, error) {
	out, err := engineDockerRun("port", container, portProto)
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

func engineDockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := engineDockerRun("rm", "-f", container)
	return err
}

func engineDockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
