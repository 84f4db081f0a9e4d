package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungusdotcom/thrive-dashboard/config"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/reports"
	"github.com/yungusdotcom/thrive-dashboard/thrive"
	"github.com/yungusdotcom/thrive-dashboard/workflow"
)

// Pre-fills the summary cache so the first dashboard request after a
// deploy or a cache clear does not pay for the whole history fetch.
func main() {
	weeks := flag.Int("weeks", 12, "Trend window in weeks; the current open week is fetched but never cached.")
	storeID := flag.String("store-id", "", "Optional: warm a single store instead of every store.")
	timeout := flag.Int("timeout", 900, "Overall timeout in seconds.")
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	var stores []models.Store
	if id := strings.TrimSpace(*storeID); id != "" {
		stores = []models.Store{{ID: id}}
	} else {
		stores, err = client.ListStores(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list stores: %v\n", err)
			os.Exit(1)
		}
	}
	if len(stores) == 0 {
		fmt.Println("no stores to warm")
		return
	}

	before := cache.Len()
	failed := 0
	for _, store := range stores {
		points := trends.GetTrend(ctx, store.ID, *weeks)
		bad := 0
		for _, point := range points {
			if point.Error != "" {
				bad++
			}
		}
		if bad > 0 {
			failed++
			fmt.Fprintf(os.Stderr, "store %s: %d of %d periods failed\n", store.ID, bad, len(points))
			continue
		}
		fmt.Printf("store %s: %d periods ready\n", store.ID, len(points))
	}

	cache.Flush()
	fmt.Printf("summary cache holds %d entries (%d new)\n", cache.Len(), cache.Len()-before)
	if failed > 0 {
		os.Exit(1)
	}
}
