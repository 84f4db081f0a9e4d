package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/yungusdotcom/thrive-dashboard/config"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/utils"
)

// ErrLeaseHeld reports that another process is already rebuilding.
var ErrLeaseHeld = errors.New("trend rebuild lease held")

// Locker hands out TTL leases. The production implementation sits on
// redislock so exactly one process across the fleet rebuilds at a time.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

type redisLeaseLocker struct{}

// NewRedisLocker returns a Locker backed by the shared redislock client.
// The client is resolved at Obtain time because Redis connects after the
// HTTP server starts listening.
func NewRedisLocker() Locker {
	return redisLeaseLocker{}
}

func (redisLeaseLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	client := config.GetRedisLock()
	if client == nil {
		return nil, errors.New("redis lock client not initialized")
	}
	lock, err := client.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Rebuilder builds the fleet-wide dashboard payload and keeps it in the
// object store. Rebuilds are serialized through a lease; run history and
// event publishing are optional and skipped when DB or Publish are nil.
type Rebuilder struct {
	Trends  *TrendBuilder
	Store   ObjectStore
	Locker  Locker
	DB      *gorm.DB
	Logger  *logrus.Logger
	Tracer  trace.Tracer
	Publish func(ctx context.Context, event config.RebuildEvent) error

	PayloadKey string
	LeaseKey   string
	LeaseTTL   time.Duration
	FreshFor   time.Duration
	Weeks      int
}

func NewRebuilder(trends *TrendBuilder, store ObjectStore, locker Locker, logger *logrus.Logger) *Rebuilder {
	leaseTTL := 120
	if v := strings.TrimSpace(os.Getenv("REBUILD_LEASE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			leaseTTL = n
		}
	}
	freshFor := 900
	if v := strings.TrimSpace(os.Getenv("PAYLOAD_FRESH_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			freshFor = n
		}
	}
	return &Rebuilder{
		Trends:     trends,
		Store:      store,
		Locker:     locker,
		Logger:     logger,
		Tracer:     otel.Tracer("thrive-dashboard"),
		PayloadKey: "trend:dashboard",
		LeaseKey:   "lease:trend-rebuild",
		LeaseTTL:   time.Duration(leaseTTL) * time.Second,
		FreshFor:   time.Duration(freshFor) * time.Second,
		Weeks:      trends.DefaultWeeks,
	}
}

// TriggerRebuild rebuilds the dashboard payload unless another rebuild
// holds the lease, in which case it returns skipped immediately. Per-store
// fetch failures stay inside the payload; only a failed store listing
// makes the whole run an error. The lease is released on every exit path.
func (rb *Rebuilder) TriggerRebuild(ctx context.Context, triggeredBy string) models.RebuildResult {
	ctx, span := rb.Tracer.Start(ctx, "rebuild.trigger")
	span.SetAttributes(attribute.String("triggered_by", triggeredBy))
	defer span.End()

	lease, err := rb.Locker.Obtain(ctx, rb.LeaseKey, rb.LeaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		rb.Logger.WithFields(logrus.Fields{
			"module":       "workflow",
			"triggered_by": triggeredBy,
		}).Info("rebuild already running, skipping")
		return models.RebuildResult{Status: models.RebuildStatusSkipped}
	}
	if err != nil {
		config.LogError(rb.Logger, "workflow", "TriggerRebuild", "Could not obtain rebuild lease", rb.LeaseKey, err)
		return models.RebuildResult{Status: models.RebuildStatusError, Error: err.Error()}
	}
	defer func() {
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			rb.Logger.WithFields(logrus.Fields{
				"module": "workflow",
				"key":    rb.LeaseKey,
			}).Warn("failed to release rebuild lease: " + releaseErr.Error())
		}
	}()

	startedAt := time.Now()
	run := rb.beginRun(ctx, triggeredBy, startedAt)

	trends, err := rb.Trends.GetAllTrend(ctx, rb.Weeks)
	if err != nil {
		config.LogError(rb.Logger, "workflow", "TriggerRebuild", "Store listing failed, keeping previous payload", triggeredBy, err)
		result := models.RebuildResult{
			Status:     models.RebuildStatusError,
			DurationMs: time.Since(startedAt).Milliseconds(),
			Error:      err.Error(),
		}
		rb.finishRun(ctx, run, models.RebuildRunStatusFailed, result, nil)
		return result
	}

	storeErrors := map[string]string{}
	for id, trend := range trends {
		if trend.Error != "" {
			storeErrors[id] = trend.Error
		}
	}

	payload := models.TrendPayload{
		BuiltAt:    time.Now().UTC(),
		Weeks:      rb.Weeks,
		StoreCount: len(trends),
		ErrorCount: len(storeErrors),
		Stores:     trends,
	}
	if err := rb.Store.SetObject(rb.PayloadKey, payload, 0); err != nil {
		// The freshly built payload still reaches this caller; it just
		// will not survive until the next rebuild.
		config.LogError(rb.Logger, "workflow", "TriggerRebuild", "Failed to persist dashboard payload", rb.PayloadKey, err)
	}

	result := models.RebuildResult{
		Status:     models.RebuildStatusOk,
		DurationMs: time.Since(startedAt).Milliseconds(),
		StoreCount: len(trends),
		ErrorCount: len(storeErrors),
	}

	runStatus := models.RebuildRunStatusSuccess
	if len(storeErrors) > 0 {
		runStatus = models.RebuildRunStatusPartial
		if len(storeErrors) == len(trends) {
			runStatus = models.RebuildRunStatusFailed
		}
	}
	rb.finishRun(ctx, run, runStatus, result, storeErrors)
	rb.publishEvent(ctx, triggeredBy, payload.BuiltAt, result)

	span.SetAttributes(
		attribute.Int("store_count", result.StoreCount),
		attribute.Int("error_count", result.ErrorCount),
	)
	return result
}

// CachedPayload returns the stored dashboard payload, nil when missing.
// Unreadable payloads count as missing.
func (rb *Rebuilder) CachedPayload() *models.TrendPayload {
	var payload models.TrendPayload
	found, err := rb.Store.GetObject(rb.PayloadKey, &payload)
	if err != nil {
		config.LogError(rb.Logger, "workflow", "CachedPayload", "Discarding unreadable dashboard payload", rb.PayloadKey, err)
		return nil
	}
	if !found {
		return nil
	}
	return &payload
}

// Dashboard serves the cached payload stale-while-revalidate: a payload
// older than FreshFor is returned immediately while a rebuild kicks off in
// the background, and with no payload at all callers get a building status.
func (rb *Rebuilder) Dashboard() models.DashboardState {
	payload := rb.CachedPayload()
	if payload == nil {
		rb.rebuildAsync(models.RebuildTriggeredStale)
		return models.DashboardState{Status: models.DashboardStatusBuilding}
	}

	stale := time.Since(payload.BuiltAt) > rb.FreshFor
	if stale {
		rb.rebuildAsync(models.RebuildTriggeredStale)
	}
	return models.DashboardState{
		Status:  models.DashboardStatusReady,
		Stale:   stale,
		Payload: payload,
	}
}

// rebuildAsync fires a background rebuild bounded by the lease TTL. The
// lease makes duplicate fires cheap: extras return skipped.
func (rb *Rebuilder) rebuildAsync(triggeredBy string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rb.LeaseTTL)
		defer cancel()
		rb.TriggerRebuild(ctx, triggeredBy)
	}()
}

func (rb *Rebuilder) beginRun(ctx context.Context, triggeredBy string, startedAt time.Time) *models.RebuildRun {
	if rb.DB == nil || !config.RebuildHistoryEnabled() {
		return nil
	}
	run := &models.RebuildRun{
		Status:      models.RebuildRunStatusRunning,
		TriggeredBy: triggeredBy,
		Weeks:       rb.Weeks,
		StartedAt:   &startedAt,
	}
	if err := rb.DB.WithContext(ctx).Create(run).Error; err != nil {
		config.LogError(rb.Logger, "workflow", "beginRun", "Failed to record rebuild run", triggeredBy, err)
		return nil
	}
	return run
}

func (rb *Rebuilder) finishRun(ctx context.Context, run *models.RebuildRun, status string, result models.RebuildResult, storeErrors map[string]string) {
	if rb.DB == nil || run == nil {
		return
	}
	finishedAt := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": finishedAt,
		"duration_ms": result.DurationMs,
		"store_count": result.StoreCount,
		"error_count": result.ErrorCount,
	}
	if len(storeErrors) > 0 {
		if data, err := json.Marshal(storeErrors); err == nil {
			updates["errors_json"] = data
		}
	}
	if err := rb.DB.WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		config.LogError(rb.Logger, "workflow", "finishRun", "Failed to finalize rebuild run", run.ID, err)
	}
}

func (rb *Rebuilder) publishEvent(ctx context.Context, triggeredBy string, builtAt time.Time, result models.RebuildResult) {
	if rb.Publish == nil {
		return
	}
	event := config.RebuildEvent{
		Status:      result.Status,
		TriggeredBy: triggeredBy,
		Weeks:       rb.Weeks,
		StoreCount:  result.StoreCount,
		ErrorCount:  result.ErrorCount,
		DurationMs:  result.DurationMs,
		BuiltAt:     builtAt,
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		event.CorrelationId = correlationId
	}
	if err := rb.Publish(ctx, event); err != nil {
		rb.Logger.WithFields(logrus.Fields{
			"module":       "workflow",
			"triggered_by": triggeredBy,
		}).Warn("failed to publish rebuild event: " + err.Error())
	}
}
