// expiry-sweep queues guarantee-expiry notifications for one business and
// exits. Meant to run from cron; the sweep is idempotent per serial and
// expiry month, so overlapping runs are harmless.
//
// Usage (from backend directory):
//   DB_* REDIS_ADDRESS=... BUSINESS_ID=... go run ./cmd/expiry-sweep
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/workflow"
)

func main() {
	ctx := context.Background()

	businessID := os.Getenv("BUSINESS_ID")
	if businessID == "" {
		fmt.Fprintln(os.Stderr, "BUSINESS_ID env var is required.")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	logger := config.GetLogger()
	queued, err := workflow.RunGuaranteeExpirySweep(ctx, db, logger, businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Queued %d guarantee-expiry notifications for business %q.\n", queued, businessID)
}
