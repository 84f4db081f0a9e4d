package workflow

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungusdotcom/thrive-dashboard/config"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/reports"
	"github.com/yungusdotcom/thrive-dashboard/utils"
)

// TicketFetcher is the upstream surface the trend builder needs; the
// thrive client implements it.
type TicketFetcher interface {
	ListStores(ctx context.Context) ([]models.Store, error)
	ListTickets(ctx context.Context, storeID string, start, end time.Time) ([]models.Ticket, error)
}

type TrendBuilder struct {
	Fetcher          TicketFetcher
	Cache            *SummaryCache
	Calendar         *reports.Calendar
	Logger           *logrus.Logger
	Tracer           trace.Tracer
	StoreConcurrency int
	DefaultWeeks     int
}

func NewTrendBuilder(fetcher TicketFetcher, cache *SummaryCache, calendar *reports.Calendar, logger *logrus.Logger) *TrendBuilder {
	concurrency := 2
	if v := strings.TrimSpace(os.Getenv("STORE_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}
	weeks := 12
	if v := strings.TrimSpace(os.Getenv("TREND_WEEKS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 52 {
			weeks = n
		}
	}
	return &TrendBuilder{
		Fetcher:          fetcher,
		Cache:            cache,
		Calendar:         calendar,
		Logger:           logger,
		Tracer:           otel.Tracer("thrive-dashboard"),
		StoreConcurrency: concurrency,
		DefaultWeeks:     weeks,
	}
}

// GetTrend assembles the weekly trend for one store, oldest week first.
// Closed weeks come from the summary cache when present. When every closed
// week is cached only the open week goes upstream; otherwise one fetch
// spans the whole window and the closed buckets it produces are cached.
// A failed fetch marks only the slots it was meant to fill.
func (tb *TrendBuilder) GetTrend(ctx context.Context, storeID string, weeksBack int) []models.TrendPoint {
	if weeksBack <= 0 {
		weeksBack = tb.DefaultWeeks
	}
	ctx, span := tb.Tracer.Start(ctx, "trend.get")
	span.SetAttributes(attribute.String("store_id", storeID), attribute.Int("weeks", weeksBack))
	defer span.End()

	now := tb.Calendar.Now()
	periods := tb.Calendar.LastWeeks(weeksBack)

	points := make([]models.TrendPoint, len(periods))
	var missing []int
	closedMissing := 0
	for i, period := range periods {
		points[i] = models.TrendPoint{
			PeriodStart: period.StartDate(),
			PeriodEnd:   period.EndDate(),
			Label:       period.Label,
			Closed:      period.ClosedAt(now),
		}
		if points[i].Closed {
			if entry, ok := tb.Cache.Get(storeID, period); ok {
				summary := entry.Summary
				points[i].Summary = &summary
				points[i].FromCache = true
				continue
			}
			closedMissing++
		}
		missing = append(missing, i)
	}

	if closedMissing == 0 {
		// Warm path: only open periods (normally just the current week)
		// need upstream data.
		for _, i := range missing {
			period := periods[i]
			tickets, err := tb.Fetcher.ListTickets(ctx, storeID, period.Start, period.End)
			if err != nil {
				config.LogError(tb.Logger, "workflow", "GetTrend", "Open period fetch failed", storeID, err)
				points[i].Error = err.Error()
				continue
			}
			summary := reports.Summarize(tickets)
			points[i].Summary = &summary
		}
		return points
	}

	// Cold path: one fetch spanning the entire window, bucketed into
	// periods afterwards. A failed spanning fetch leaves the cached slots
	// intact and caches nothing.
	start := periods[0].Start
	end := periods[len(periods)-1].End
	tickets, err := tb.Fetcher.ListTickets(ctx, storeID, start, end)
	if err != nil {
		config.LogError(tb.Logger, "workflow", "GetTrend", "Spanning fetch failed", storeID, err)
		for _, i := range missing {
			points[i].Error = err.Error()
		}
		return points
	}

	summaries := reports.SummarizeByPeriod(tickets, periods)
	for i, period := range periods {
		if period.ClosedAt(now) {
			tb.Cache.Put(storeID, period, summaries[i], now)
		}
	}
	for _, i := range missing {
		summary := summaries[i]
		points[i].Summary = &summary
	}
	return points
}

// GetSummary fetches and summarizes one store over an arbitrary date
// range. Ad-hoc ranges rarely line up with cached weeks, so this always
// goes upstream.
func (tb *TrendBuilder) GetSummary(ctx context.Context, storeID string, start, end time.Time) (models.Summary, error) {
	ctx, span := tb.Tracer.Start(ctx, "trend.summary")
	span.SetAttributes(attribute.String("store_id", storeID))
	defer span.End()

	tickets, err := tb.Fetcher.ListTickets(ctx, storeID, start, end)
	if err != nil {
		return models.Summary{}, err
	}
	return reports.Summarize(tickets), nil
}

// GetAllTrend builds the trend for every store, a bounded number of stores
// in flight at once. The upstream call gate spaces the actual requests, so
// extra concurrency here would only deepen the queue.
func (tb *TrendBuilder) GetAllTrend(ctx context.Context, weeksBack int) (map[string]models.StoreTrend, error) {
	ctx, span := tb.Tracer.Start(ctx, "trend.get-all")
	defer span.End()

	stores, err := tb.Fetcher.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("stores", len(stores)))

	results := make([]models.StoreTrend, len(stores))
	pool := utils.NewWorkerPool(tb.StoreConcurrency)
	for i, store := range stores {
		pool.Submit(func() {
			points := tb.GetTrend(ctx, store.ID, weeksBack)
			trend := models.StoreTrend{
				StoreID:   store.ID,
				StoreName: store.Name,
				Points:    points,
			}
			failed := 0
			for _, point := range points {
				if point.Error != "" {
					failed++
				}
			}
			if len(points) > 0 && failed == len(points) {
				trend.Error = points[len(points)-1].Error
			}
			results[i] = trend
		})
	}
	pool.Wait()

	trends := make(map[string]models.StoreTrend, len(results))
	for _, trend := range results {
		trends[trend.StoreID] = trend
	}
	return trends, nil
}
