// stuck-run-sweep reclassifies sync runs stuck in running state (a worker
// crash between start and finalize leaves the row running forever). Safe
// to run anytime; terminal rows are never touched.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/stuck-run-sweep
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mmdatafocus/salonsync_backend/config"
	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	db := config.ConnectDatabaseWithRetry()

	olderThan := time.Duration(utils.IntFromEnv("SYNC_STUCK_RUN_AGE_MINUTES", 60)) * time.Minute
	count, err := models.ReclassifyStuckRuns(ctx, db, olderThan, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reclassified %d stuck run(s) older than %s\n", count, olderThan)
}
