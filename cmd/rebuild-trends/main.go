package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/yungusdotcom/thrive-dashboard/config"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/reports"
	"github.com/yungusdotcom/thrive-dashboard/thrive"
	"github.com/yungusdotcom/thrive-dashboard/workflow"
)

// One-shot rebuild of the shared dashboard payload, for cron or Cloud
// Scheduler jobs that do not go through the HTTP service.
func main() {
	weeks := flag.Int("weeks", 0, "Optional: trend window in weeks. Defaults to TREND_WEEKS (12).")
	triggeredBy := flag.String("triggered-by", models.RebuildTriggeredScheduler, "Recorded trigger source (manual|scheduler|stale).")
	timeout := flag.Int("timeout", 300, "Overall timeout in seconds.")
	flag.Parse()

	logger := config.GetLogger()

	config.ConnectRedisWithRetry()

	calendar, err := reports.NewCalendar()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reporting calendar: %v\n", err)
		os.Exit(1)
	}
	client, err := thrive.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "thrive client: %v\n", err)
		os.Exit(1)
	}

	cache := workflow.NewSummaryCache(config.RedisObjectStore{}, logger)
	cache.Load()
	trends := workflow.NewTrendBuilder(client, cache, calendar, logger)
	rebuilder := workflow.NewRebuilder(trends, config.RedisObjectStore{}, workflow.NewRedisLocker(), logger)
	rebuilder.Publish = config.PublishRebuildEvent
	if *weeks > 0 {
		rebuilder.Weeks = *weeks
	}

	if config.RebuildHistoryEnabled() {
		config.ConnectDatabaseWithRetry()
		models.MigrateTable()
		rebuilder.DB = config.GetDB()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	fmt.Printf("rebuilding dashboard payload (%d weeks)...\n", rebuilder.Weeks)
	result := rebuilder.TriggerRebuild(ctx, *triggeredBy)

	// No flush loop in a one-shot run; persist whatever the build cached.
	cache.Flush()

	out, _ := json.Marshal(result)
	fmt.Println(string(out))

	switch result.Status {
	case models.RebuildStatusOk:
	case models.RebuildStatusSkipped:
		fmt.Fprintln(os.Stderr, "another rebuild already holds the lease")
	default:
		os.Exit(1)
	}
}
