package models

import "time"

const (
	RebuildRunStatusRunning = "running"
	RebuildRunStatusSuccess = "success"
	RebuildRunStatusPartial = "partial"
	RebuildRunStatusFailed  = "failed"

	RebuildTriggeredManual    = "manual"
	RebuildTriggeredScheduler = "scheduler"
	RebuildTriggeredStale     = "stale"
)

// RebuildRun is the audit row written for every rebuild attempt that won
// the lease. Rows are only recorded when REBUILD_HISTORY_ENABLED is on.
type RebuildRun struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	Status      string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy string     `gorm:"size:20" json:"triggered_by"`
	Weeks       int        `json:"weeks"`
	StoreCount  int        `json:"store_count"`
	ErrorCount  int        `json:"error_count"`
	ErrorsJSON  []byte     `gorm:"type:json" json:"errors_json,omitempty"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
