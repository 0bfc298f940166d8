package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/crmsync"
	"github.com/mmdatafocus/salonsync_backend/middlewares"
	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

const defaultPort = "8080"

func main() {
	_ = godotenv.Load()

	port := os.Getenv("CRM_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.NewLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db := config.ConnectDatabaseWithRetry()
	rdb, locker := config.ConnectRedisWithRetry()
	pub, err := config.NewPubSubClient(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
	}

	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	engine, err := crmsync.NewEngine(db, rdb, locker, pub, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "engine"}).Fatal(err)
	}
	if err := crmsync.EnsureSubscriptions(sigCtx, pub); err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
	}
	engine.StartScheduler(sigCtx)

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware(rdb))
	r.Use(middlewares.AuthMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/api/auth/login", loginHandler(db, rdb))
	r.POST("/api/auth/logout", logoutHandler(rdb))

	api := r.Group("/api/sync", middlewares.RequireOperator())
	api.GET("/status", engine.StatusHandler())
	api.POST("/trigger", engine.TriggerHandler())
	api.GET("/runs", engine.ListRunsHandler())
	api.GET("/runs/:id", engine.GetRunHandler())
	api.POST("/runs/:id/retry", engine.RetryRunHandler())
	api.POST("/audits", middlewares.RequireAdmin(), engine.TriggerAuditHandler())
	api.GET("/audits", engine.ListAuditsHandler())
	api.GET("/exports/mappings", engine.ExportMappingsHandler())
	api.GET("/exports/runs", engine.ExportRunsHandler())

	// Inbound change notifications and worker push deliveries.
	r.POST("/webhooks/salonos", engine.WebhookHandler())
	r.POST("/pubsub/crm-sync-runs", engine.RunPushHandler())
	r.POST("/pubsub/crm-repair", engine.RepairPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler(db *gorm.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}

		ctx := c.Request.Context()
		user, err := models.GetUserByUsername(ctx, db, req.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if user == nil || user.IsActive == nil || !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err := utils.ComparePassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		jwt, err := utils.JwtGenerate(user.ID, string(user.Role))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		sessionToken := uuid.New().String()
		sessionTTL := time.Duration(utils.IntFromEnv("SESSION_HOUR_LIFESPAN", 24)) * time.Hour
		session := middlewares.SessionData{Username: user.Username, Role: string(user.Role)}
		if err := config.SetRedisObject(ctx, rdb, "Token:"+sessionToken, session, sessionTTL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":        jwt,
			"sessionToken": sessionToken,
			"role":         user.Role,
			"username":     user.Username,
		})
	}
}

func logoutHandler(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Status(http.StatusNoContent)
			return
		}
		if err := config.RemoveRedisKey(c.Request.Context(), rdb, "Token:"+token); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
