package models

import "time"

const (
	RebuildStatusOk      = "ok"
	RebuildStatusSkipped = "skipped"
	RebuildStatusError   = "error"

	DashboardStatusReady    = "ready"
	DashboardStatusBuilding = "building"
)

// TrendPoint is one slot of a store's weekly trend, oldest first. Exactly
// one of Summary and Error is set; a nil Summary with a non-empty Error
// means the fetch for that period failed while the rest of the trend is
// still usable.
type TrendPoint struct {
	PeriodStart string   `json:"periodStart"`
	PeriodEnd   string   `json:"periodEnd"`
	Label       string   `json:"label"`
	Closed      bool     `json:"closed"`
	FromCache   bool     `json:"fromCache,omitempty"`
	Summary     *Summary `json:"summary"`
	Error       string   `json:"error,omitempty"`
}

// StoreTrend carries a full trend for one store. Error is set only when
// every point failed, i.e. the store contributed nothing to the payload.
type StoreTrend struct {
	StoreID   string       `json:"storeId"`
	StoreName string       `json:"storeName"`
	Points    []TrendPoint `json:"points"`
	Error     string       `json:"error,omitempty"`
}

// TrendPayload is the shared dashboard document: every store's trend over
// the same window, built in one rebuild pass and cached as a whole.
type TrendPayload struct {
	BuiltAt    time.Time             `json:"builtAt"`
	Weeks      int                   `json:"weeks"`
	StoreCount int                   `json:"storeCount"`
	ErrorCount int                   `json:"errorCount"`
	Stores     map[string]StoreTrend `json:"stores"`
}

// RebuildResult is what a rebuild trigger reports back to its caller.
type RebuildResult struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	StoreCount int    `json:"storeCount,omitempty"`
	ErrorCount int    `json:"errorCount,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DashboardState wraps the payload for serving: ready with data (possibly
// stale while a refresh runs behind the scenes), or building when no
// payload exists yet.
type DashboardState struct {
	Status  string        `json:"status"`
	Stale   bool          `json:"stale,omitempty"`
	Payload *TrendPayload `json:"payload,omitempty"`
}
