// Package workflow wires the reporting pieces together: the write-once
// cache of closed-period summaries, the per-store trend builder and the
// lease-guarded dashboard rebuild.
package workflow

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yungusdotcom/thrive-dashboard/config"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/reports"
)

// ObjectStore is the slice of the Redis helpers the workflow needs. A
// found=false return means the key is missing; corrupt values surface as
// errors and are treated as misses by callers.
type ObjectStore interface {
	GetObject(key string, dest interface{}) (bool, error)
	SetObject(key string, obj interface{}, exp time.Duration) error
}

// SummaryKey identifies one closed-period summary. The period start is an
// ISO date string so keys stay comparable; it only becomes part of a
// storage key when the whole cache is persisted.
type SummaryKey struct {
	StoreID     string
	PeriodStart string
}

func (k SummaryKey) String() string {
	return k.StoreID + "|" + k.PeriodStart
}

func keyFor(storeID string, period reports.Period) SummaryKey {
	return SummaryKey{StoreID: storeID, PeriodStart: period.StartDate()}
}

type summaryCacheState struct {
	Entries []models.CachedSummary `json:"entries"`
}

// SummaryCache holds summaries of closed periods. Closed history never
// changes upstream, so entries are write-once: the first Put for a key
// wins and later writes are ignored. Mutations mark the cache dirty; a
// background Run loop persists the whole cache debounced, coalescing
// bursts of Puts into one write.
type SummaryCache struct {
	Store         ObjectStore
	Logger        *logrus.Logger
	StorageKey    string
	FlushInterval time.Duration

	mu      sync.RWMutex
	entries map[SummaryKey]models.CachedSummary
	dirty   bool
}

func NewSummaryCache(store ObjectStore, logger *logrus.Logger) *SummaryCache {
	flushSeconds := 3
	if v := strings.TrimSpace(os.Getenv("CACHE_FLUSH_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			flushSeconds = n
		}
	}
	return &SummaryCache{
		Store:         store,
		Logger:        logger,
		StorageKey:    "trend:summary-cache",
		FlushInterval: time.Duration(flushSeconds) * time.Second,
		entries:       map[SummaryKey]models.CachedSummary{},
	}
}

// Load hydrates the cache from storage. Call once at startup, before the
// cache serves reads. A missing or unreadable blob just starts the cache
// empty; a corrupt cache is a cache miss, not a failure.
func (sc *SummaryCache) Load() {
	var state summaryCacheState
	found, err := sc.Store.GetObject(sc.StorageKey, &state)
	if err != nil {
		config.LogError(sc.Logger, "workflow", "SummaryCacheLoad", "Discarding unreadable summary cache", sc.StorageKey, err)
		return
	}
	if !found {
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, entry := range state.Entries {
		if entry.StoreID == "" || entry.PeriodStart == "" {
			continue
		}
		key := SummaryKey{StoreID: entry.StoreID, PeriodStart: entry.PeriodStart}
		sc.entries[key] = entry
	}
	sc.Logger.WithFields(logrus.Fields{
		"module":  "workflow",
		"entries": len(sc.entries),
	}).Info("summary cache loaded")
}

func (sc *SummaryCache) Get(storeID string, period reports.Period) (models.CachedSummary, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	entry, ok := sc.entries[keyFor(storeID, period)]
	return entry, ok
}

// Put records a summary for a closed period. It refuses open periods,
// zero-net summaries (a zero week is indistinguishable from a failed
// fetch, so it stays uncached and gets retried) and keys that already have
// an entry. Returns whether the entry was written.
func (sc *SummaryCache) Put(storeID string, period reports.Period, summary models.Summary, now time.Time) bool {
	if storeID == "" {
		return false
	}
	if !period.ClosedAt(now) {
		return false
	}
	if !summary.NetSales.GreaterThan(decimal.Zero) {
		return false
	}

	key := keyFor(storeID, period)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.entries[key]; ok {
		return false
	}
	sc.entries[key] = models.CachedSummary{
		StoreID:     storeID,
		PeriodStart: period.StartDate(),
		PeriodEnd:   period.EndDate(),
		Summary:     summary,
		CachedAt:    now.UTC(),
	}
	sc.dirty = true
	return true
}

func (sc *SummaryCache) Len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.entries)
}

// Reset drops every in-memory entry without writing to the store. The ops
// cache-clear path calls this after deleting the persisted state so the
// two do not drift apart.
func (sc *SummaryCache) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.entries = make(map[SummaryKey]models.CachedSummary)
	sc.dirty = false
}

// Flush persists the cache if anything changed since the last write. The
// snapshot is taken under the lock but the storage write happens outside
// it; on write failure the cache re-marks itself dirty so the next flush
// retries.
func (sc *SummaryCache) Flush() {
	sc.mu.Lock()
	if !sc.dirty {
		sc.mu.Unlock()
		return
	}
	state := summaryCacheState{Entries: make([]models.CachedSummary, 0, len(sc.entries))}
	for _, entry := range sc.entries {
		state.Entries = append(state.Entries, entry)
	}
	sc.dirty = false
	sc.mu.Unlock()

	sort.Slice(state.Entries, func(i, j int) bool {
		if state.Entries[i].StoreID != state.Entries[j].StoreID {
			return state.Entries[i].StoreID < state.Entries[j].StoreID
		}
		return state.Entries[i].PeriodStart < state.Entries[j].PeriodStart
	})

	if err := sc.Store.SetObject(sc.StorageKey, state, 0); err != nil {
		config.LogError(sc.Logger, "workflow", "SummaryCacheFlush", "Failed to persist summary cache", sc.StorageKey, err)
		sc.mu.Lock()
		sc.dirty = true
		sc.mu.Unlock()
	}
}

// Run flushes on the debounce interval until ctx is done, then flushes a
// final time so shutdown never loses entries.
func (sc *SummaryCache) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			sc.Flush()
			return
		case <-time.After(sc.FlushInterval):
		}
		sc.Flush()
	}
}
