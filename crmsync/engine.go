package crmsync

import (
	"context"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
)

// Engine owns one direction of the SalonOS to LeadPulse relay: scheduling,
// run execution, repair and the nightly audit. All collaborators are
// injected; the engine holds no global state.
type Engine struct {
	db     *gorm.DB
	rdb    *redis.Client
	locker *redislock.Client
	pub    *pubsub.Client
	logger *logrus.Logger
	cfg    EngineConfig
	source *salonOSClient
	target *leadPulseClient

	// publisher defaults to the Pub/Sub topic publish; injectable in tests.
	publisher func(ctx context.Context, topicName string, payload any) error
}

func NewEngine(db *gorm.DB, rdb *redis.Client, locker *redislock.Client, pub *pubsub.Client, logger *logrus.Logger) (*Engine, error) {
	cfg := LoadEngineConfig()
	retry := NewRetryPolicy()

	tokens, err := newOauthTokenSource()
	if err != nil {
		return nil, err
	}
	source, err := newSalonOSClient(retry)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:     db,
		rdb:    rdb,
		locker: locker,
		pub:    pub,
		logger: logger,
		cfg:    cfg,
		source: source,
		target: newLeadPulseClient(tokens, retry),
	}
	e.publisher = e.publish
	return e, nil
}

// StartScheduler launches the background loops: one staggered ticker per
// entity type for scheduled passes, plus the stuck-run sweep, the audit
// and operation-log retention. Loops stop when ctx is cancelled.
func (e *Engine) StartScheduler(ctx context.Context) {
	if config.ScheduledPassesEnabled() {
		stagger := time.Duration(0)
		for _, entityType := range models.SyncedEntityTypes {
			go e.scheduleLoop(ctx, entityType, stagger)
			stagger += e.cfg.ScheduleStagger
		}
	}

	go e.sweepLoop(ctx)
	if config.AuditEnabled() {
		go e.auditLoop(ctx)
	}
	go e.retentionLoop(ctx)
}

func (e *Engine) scheduleLoop(ctx context.Context, entityType models.EntityType, stagger time.Duration) {
	cadence := e.cfg.ScheduleCadence[entityType]
	if cadence <= 0 {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(stagger):
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	e.enqueueScheduled(ctx, entityType)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.enqueueScheduled(ctx, entityType)
		}
	}
}

func (e *Engine) enqueueScheduled(ctx context.Context, entityType models.EntityType) {
	if _, err := e.EnqueueScheduledPass(ctx, entityType); err != nil {
		config.LogError(e.logger, "crmsync", "enqueueScheduled", string(entityType), nil, err)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.cfg.StuckRunAge / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclassified, err := models.ReclassifyStuckRuns(ctx, e.db, e.cfg.StuckRunAge, time.Now())
			if err != nil {
				config.LogError(e.logger, "crmsync", "sweepLoop", "", nil, err)
				continue
			}
			if reclassified > 0 {
				e.logger.WithField("count", reclassified).Warn("reclassified stuck sync runs")
			}
		}
	}
}

func (e *Engine) auditLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entityType := range models.SyncedEntityTypes {
				if _, err := e.RunAudit(ctx, entityType); err != nil {
					config.LogError(e.logger, "crmsync", "auditLoop", string(entityType), nil, err)
				}
			}
		}
	}
}

func (e *Engine) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.LogRetention)
			purged, err := models.PurgeSyncLogsBefore(ctx, e.db, cutoff)
			if err != nil {
				config.LogError(e.logger, "crmsync", "retentionLoop", "", nil, err)
				continue
			}
			if purged > 0 {
				e.logger.WithField("count", purged).Info("purged aged sync log rows")
			}
		}
	}
}
