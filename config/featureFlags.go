package config

import (
	"os"
	"strings"
)

// RebuildHistoryEnabled turns on the MySQL-backed rebuild run history.
// The dashboard runs fine without a database; with the flag off the
// service never connects to MySQL and the run-history endpoints report
// the feature as disabled.
//
// Set via env:
// - REBUILD_HISTORY_ENABLED=true
func RebuildHistoryEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REBUILD_HISTORY_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RebuildEventsTopic names the Pub/Sub topic that receives rebuild
// completion events. Empty disables event publishing.
//
// Set via env:
// - REBUILD_EVENTS_TOPIC=trend-rebuild-events
func RebuildEventsTopic() string {
	return strings.TrimSpace(os.Getenv("REBUILD_EVENTS_TOPIC"))
}
