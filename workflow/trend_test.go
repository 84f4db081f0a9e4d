package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yungusdotcom/thrive-dashboard/models"
)

var errUpstreamDown = errors.New("upstream down")

type fetchCall struct {
	storeID string
	start   string
	end     string
}

// fakeFetcher serves tickets from memory, filtered by store and date
// range, and records every call so tests can assert how often and how
// wide the builder fetched.
type fakeFetcher struct {
	mu      sync.Mutex
	stores  []models.Store
	tickets []models.Ticket
	failFor map[string]bool
	listErr error
	delay   time.Duration
	calls   []fetchCall
	active  int
	peak    int
}

func (f *fakeFetcher) ListStores(ctx context.Context) ([]models.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.stores, nil
}

func (f *fakeFetcher) ListTickets(ctx context.Context, storeID string, start, end time.Time) ([]models.Ticket, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{
		storeID: storeID,
		start:   start.Format("2006-01-02"),
		end:     end.Format("2006-01-02"),
	})
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	fail := f.failFor[storeID]
	delay := f.delay
	tickets := make([]models.Ticket, len(f.tickets))
	copy(tickets, f.tickets)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, errUpstreamDown
	}

	var out []models.Ticket
	cutoff := end.AddDate(0, 0, 1)
	for _, ticket := range tickets {
		if ticket.StoreID != storeID {
			continue
		}
		if ticket.SoldAt.Before(start) || !ticket.SoldAt.Before(cutoff) {
			continue
		}
		out = append(out, ticket)
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) call(i int) fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func trendTicket(t *testing.T, id, storeID string, soldAt time.Time, net string) models.Ticket {
	t.Helper()
	amount, err := decimal.NewFromString(net)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", net, err)
	}
	return models.Ticket{
		ID:           id,
		StoreID:      storeID,
		SoldAt:       soldAt,
		CustomerType: "Recreational",
		Employee:     "Dana",
		Items: []models.TicketLine{{
			Product:   "Blue Dream 3.5g",
			Category:  "Flower",
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: amount,
		}},
	}
}

// newTestTrendBuilder pins the calendar to Wed Aug 19 2026 in Denver:
// LastWeeks(3) is Aug 3-9 and Aug 10-16 (closed) plus Aug 17-23 (open).
func newTestTrendBuilder(t *testing.T, fetcher *fakeFetcher) (*TrendBuilder, *SummaryCache) {
	t.Helper()
	cal, _ := cacheTestCalendar(t)
	cache := NewSummaryCache(newFakeObjectStore(), quietLogger())
	return NewTrendBuilder(fetcher, cache, cal, quietLogger()), cache
}

func denverDay(t *testing.T, day string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", day, loc)
	if err != nil {
		t.Fatalf("bad day %q: %v", day, err)
	}
	return ts
}

func TestGetTrendColdFetchesWholeWindowOnce(t *testing.T) {
	fetcher := &fakeFetcher{tickets: []models.Ticket{
		trendTicket(t, "t1", "s1", denverDay(t, "2026-08-05 12:00"), "100"),
		trendTicket(t, "t2", "s1", denverDay(t, "2026-08-12 12:00"), "200"),
		trendTicket(t, "t3", "s1", denverDay(t, "2026-08-18 12:00"), "50"),
	}}
	tb, cache := newTestTrendBuilder(t, fetcher)

	points := tb.GetTrend(context.Background(), "s1", 3)

	if fetcher.callCount() != 1 {
		t.Fatalf("cold trend should fetch once, got %d calls", fetcher.callCount())
	}
	call := fetcher.call(0)
	if call.start != "2026-08-03" || call.end != "2026-08-23" {
		t.Fatalf("spanning fetch covered %s..%s", call.start, call.end)
	}

	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	for i, want := range []string{"100", "200", "50"} {
		if points[i].Summary == nil {
			t.Fatalf("point %d has no summary", i)
		}
		if got := points[i].Summary.NetSales.String(); got != want {
			t.Fatalf("point %d net = %s, want %s", i, got, want)
		}
		if points[i].FromCache {
			t.Fatalf("point %d served from cache on a cold build", i)
		}
	}
	if !points[0].Closed || !points[1].Closed || points[2].Closed {
		t.Fatal("closed flags wrong")
	}

	// Both closed weeks had sales, so both got cached; the open week did not.
	if cache.Len() != 2 {
		t.Fatalf("cache holds %d entries, want 2", cache.Len())
	}
}

func TestGetTrendWarmFetchesOnlyOpenPeriod(t *testing.T) {
	fetcher := &fakeFetcher{tickets: []models.Ticket{
		trendTicket(t, "t1", "s1", denverDay(t, "2026-08-05 12:00"), "100"),
		trendTicket(t, "t2", "s1", denverDay(t, "2026-08-12 12:00"), "200"),
		trendTicket(t, "t3", "s1", denverDay(t, "2026-08-18 12:00"), "50"),
	}}
	tb, _ := newTestTrendBuilder(t, fetcher)

	tb.GetTrend(context.Background(), "s1", 3)
	points := tb.GetTrend(context.Background(), "s1", 3)

	if fetcher.callCount() != 2 {
		t.Fatalf("warm trend should add exactly one call, got %d total", fetcher.callCount())
	}
	call := fetcher.call(1)
	if call.start != "2026-08-17" || call.end != "2026-08-23" {
		t.Fatalf("warm fetch covered %s..%s, want the open week", call.start, call.end)
	}

	if !points[0].FromCache || !points[1].FromCache {
		t.Fatal("closed weeks should come from cache")
	}
	if points[2].FromCache {
		t.Fatal("open week must never come from cache")
	}
	if got := points[0].Summary.NetSales.String(); got != "100" {
		t.Fatalf("cached week net = %s, want 100", got)
	}
}

func TestGetTrendSpanningFailureKeepsCachedSlots(t *testing.T) {
	fetcher := &fakeFetcher{tickets: []models.Ticket{
		trendTicket(t, "t1", "s1", denverDay(t, "2026-08-05 12:00"), "100"),
	}}
	tb, cache := newTestTrendBuilder(t, fetcher)
	cal, now := cacheTestCalendar(t)

	// Only the oldest closed week is cached; the other closed week will
	// force a spanning fetch, which then fails.
	cache.Put("s1", cal.WeekRange(2), cacheSummary(t, "100"), now)
	fetcher.failFor = map[string]bool{"s1": true}

	points := tb.GetTrend(context.Background(), "s1", 3)

	if points[0].Error != "" || points[0].Summary == nil || !points[0].FromCache {
		t.Fatal("cached slot should be untouched by the failed fetch")
	}
	if points[1].Error == "" || points[1].Summary != nil {
		t.Fatal("uncached closed slot should carry the error")
	}
	if points[2].Error == "" || points[2].Summary != nil {
		t.Fatal("open slot should carry the error")
	}
	if cache.Len() != 1 {
		t.Fatalf("failed fetch must not change the cache, got %d entries", cache.Len())
	}
}

func TestGetTrendOpenPeriodFailureIsolated(t *testing.T) {
	fetcher := &fakeFetcher{}
	tb, cache := newTestTrendBuilder(t, fetcher)
	cal, now := cacheTestCalendar(t)
	cache.Put("s1", cal.WeekRange(1), cacheSummary(t, "200"), now)
	cache.Put("s1", cal.WeekRange(2), cacheSummary(t, "100"), now)
	fetcher.failFor = map[string]bool{"s1": true}

	points := tb.GetTrend(context.Background(), "s1", 3)

	if fetcher.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", fetcher.callCount())
	}
	if !points[0].FromCache || !points[1].FromCache {
		t.Fatal("closed weeks should be served from cache despite the failure")
	}
	if points[2].Error == "" {
		t.Fatal("open week should carry the fetch error")
	}
}

func TestGetSummaryFetchesExactRange(t *testing.T) {
	fetcher := &fakeFetcher{tickets: []models.Ticket{
		trendTicket(t, "t1", "s1", denverDay(t, "2026-02-10 09:00"), "40"),
		trendTicket(t, "t2", "s1", denverDay(t, "2026-02-11 09:00"), "60"),
		trendTicket(t, "t3", "s1", denverDay(t, "2026-03-01 09:00"), "999"),
	}}
	tb, _ := newTestTrendBuilder(t, fetcher)

	start := denverDay(t, "2026-02-01 00:00")
	end := denverDay(t, "2026-02-28 00:00")
	summary, err := tb.GetSummary(context.Background(), "s1", start, end)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}

	call := fetcher.call(0)
	if call.storeID != "s1" || call.start != "2026-02-01" || call.end != "2026-02-28" {
		t.Fatalf("unexpected fetch %+v", call)
	}
	if summary.TransactionCount != 2 {
		t.Fatalf("transactions = %d, want 2", summary.TransactionCount)
	}
	if got := summary.NetSales.String(); got != "100" {
		t.Fatalf("net = %s, want 100", got)
	}
}

func TestGetSummaryPropagatesFetchError(t *testing.T) {
	fetcher := &fakeFetcher{failFor: map[string]bool{"s1": true}}
	tb, _ := newTestTrendBuilder(t, fetcher)

	_, err := tb.GetSummary(context.Background(), "s1", denverDay(t, "2026-02-01 00:00"), denverDay(t, "2026-02-28 00:00"))
	if !errors.Is(err, errUpstreamDown) {
		t.Fatalf("err = %v, want upstream error", err)
	}
}

func TestGetAllTrendIsolatesFailingStore(t *testing.T) {
	fetcher := &fakeFetcher{
		stores: []models.Store{
			{ID: "s1", Name: "Downtown", Active: true},
			{ID: "s2", Name: "Airport", Active: true},
			{ID: "s3", Name: "Uptown", Active: true},
		},
		tickets: []models.Ticket{
			trendTicket(t, "t1", "s1", denverDay(t, "2026-08-05 12:00"), "100"),
			trendTicket(t, "t2", "s3", denverDay(t, "2026-08-12 12:00"), "200"),
		},
		failFor: map[string]bool{"s2": true},
	}
	tb, _ := newTestTrendBuilder(t, fetcher)

	trends, err := tb.GetAllTrend(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetAllTrend: %v", err)
	}
	if len(trends) != 3 {
		t.Fatalf("trends = %d stores, want 3", len(trends))
	}

	if trends["s2"].Error == "" {
		t.Fatal("fully failed store should carry a store-level error")
	}
	for i, point := range trends["s2"].Points {
		if point.Error == "" {
			t.Fatalf("s2 point %d missing error", i)
		}
	}
	if trends["s1"].Error != "" || trends["s3"].Error != "" {
		t.Fatal("healthy stores should not carry store-level errors")
	}
	if trends["s1"].StoreName != "Downtown" {
		t.Fatalf("store name = %q", trends["s1"].StoreName)
	}
	if trends["s1"].Points[0].Summary == nil {
		t.Fatal("s1 should have data for its first closed week")
	}
}

func TestGetAllTrendListErrorPropagates(t *testing.T) {
	fetcher := &fakeFetcher{listErr: errUpstreamDown}
	tb, _ := newTestTrendBuilder(t, fetcher)

	trends, err := tb.GetAllTrend(context.Background(), 3)
	if !errors.Is(err, errUpstreamDown) {
		t.Fatalf("err = %v, want listing error", err)
	}
	if trends != nil {
		t.Fatal("no partial result on a failed listing")
	}
}

func TestGetAllTrendBoundsStoreConcurrency(t *testing.T) {
	var stores []models.Store
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		stores = append(stores, models.Store{ID: id, Name: id, Active: true})
	}
	fetcher := &fakeFetcher{stores: stores, delay: 5 * time.Millisecond}
	tb, _ := newTestTrendBuilder(t, fetcher)
	tb.StoreConcurrency = 2

	if _, err := tb.GetAllTrend(context.Background(), 3); err != nil {
		t.Fatalf("GetAllTrend: %v", err)
	}

	fetcher.mu.Lock()
	peak := fetcher.peak
	fetcher.mu.Unlock()
	if peak > 2 {
		t.Fatalf("observed %d concurrent fetches, limit is 2", peak)
	}
}
