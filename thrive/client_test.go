package thrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestClient(baseURL string) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         "test-key",
		apiKeyHdr:      "X-API-Key",
		pageSize:       2,
		maxAttempts:    3,
		initialBackoff: time.Millisecond,
		maxBackoff:     4 * time.Millisecond,
		http:           &http.Client{Timeout: 5 * time.Second},
		gate:           newCallGate(time.Millisecond),
	}
}

func TestGetListPaginatesUntilTotalCount(t *testing.T) {
	var mu sync.Mutex
	var pages []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		page := r.URL.Query().Get("page")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()

		switch page {
		case "1":
			fmt.Fprint(w, `{"records":[{"id":"t1"},{"id":"t2"}],"total_count":5}`)
		case "2":
			fmt.Fprint(w, `{"records":[{"id":"t3"},{"id":"t4"}],"total_count":5}`)
		case "3":
			fmt.Fprint(w, `{"records":[{"id":"t5"}],"total_count":5}`)
		default:
			t.Errorf("unexpected page %q", page)
			fmt.Fprint(w, `{"records":[],"total_count":5}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	records, err := c.getList(context.Background(), "/v1/tickets", nil)
	if err != nil {
		t.Fatalf("getList failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pages) != 3 {
		t.Fatalf("expected 3 page requests, got %d (%v)", len(pages), pages)
	}
	for i, want := range []string{"1", "2", "3"} {
		if pages[i] != want {
			t.Fatalf("expected sequential pages [1 2 3], got %v", pages)
		}
	}
}

func TestGetListStopsOnShortPage(t *testing.T) {
	var mu sync.Mutex
	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		if n == 1 {
			fmt.Fprint(w, `{"data":[{"id":"s1"},{"id":"s2"}]}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"s3"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	records, err := c.getList(context.Background(), "/v1/stores", nil)
	if err != nil {
		t.Fatalf("getList failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
}

func TestGetJSONRetriesRateLimit(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"records":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.getJSON(context.Background(), "/v1/tickets", nil); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestGetJSONClientErrorFailsFast(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"unknown store"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.getJSON(context.Background(), "/v1/tickets", nil)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("404 must not be reported as upstream unavailable: %v", err)
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %T: %v", err, err)
	}
	if apiErr.status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", apiErr.status)
	}
	if !strings.Contains(apiErr.body, "unknown store") {
		t.Fatalf("expected response body in error, got %q", apiErr.body)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("expected no retries on 404, got %d attempts", attempts)
	}
}

func TestGetJSONExhaustsRetriesOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.getJSON(context.Background(), "/v1/tickets", nil)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != c.maxAttempts {
		t.Fatalf("expected %d attempts, got %d", c.maxAttempts, attempts)
	}
}

func TestErrorBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.getJSON(context.Background(), "/v1/tickets", nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if len(apiErr.body) != maxErrorBodyBytes {
		t.Fatalf("expected body truncated to %d bytes, got %d", maxErrorBodyBytes, len(apiErr.body))
	}
}

func TestCallGateReservations(t *testing.T) {
	gap := 100 * time.Millisecond
	gate := newCallGate(gap)
	now := time.Now()

	if wait := gate.reserve(now); wait != 0 {
		t.Fatalf("first reservation should not wait, got %s", wait)
	}
	if wait := gate.reserve(now); wait != gap {
		t.Fatalf("second reservation should wait one gap, got %s", wait)
	}
	if wait := gate.reserve(now); wait != 2*gap {
		t.Fatalf("third reservation should wait two gaps, got %s", wait)
	}

	later := now.Add(time.Second)
	if wait := gate.reserve(later); wait != 0 {
		t.Fatalf("reservation after idle gap should not wait, got %s", wait)
	}
}

func TestCallGateSpacingAcrossGoroutines(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		fmt.Fprint(w, `{"records":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.gate = newCallGate(30 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.getJSON(context.Background(), "/v1/tickets", nil); err != nil {
				t.Errorf("getJSON failed: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(arrivals))
	}
	for i := 1; i < len(arrivals); i++ {
		if gap := arrivals[i].Sub(arrivals[i-1]); gap < 20*time.Millisecond {
			t.Fatalf("requests %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestListTicketsConvertsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("store_id"); got != "store-1" {
			t.Errorf("expected store_id=store-1, got %q", got)
		}
		if got := r.URL.Query().Get("start_date"); got != "2026-08-10" {
			t.Errorf("expected start_date=2026-08-10, got %q", got)
		}
		fmt.Fprint(w, `{"records":[
			{"id":"t1","sold_at":"2026-08-10T14:30:00Z","customer_type":"Medical","employee":"Dana",
			 "items":[{"product_name":"Blue Dream 3.5g","brand":"Acme","category":"Flower","quantity":2,"unit_price":25.50,"gross_total":51.00,"discount_total":5.10,"voided":false}]},
			{"id":"t2","sold_at":"2026-08-11 09:15:00","voided":true,
			 "items":[{"product_name":"Gummies","category":"Edibles","quantity":1,"unit_price":18}]},
			{"id":"t3","sold_at":"not-a-date","items":[]}
		],"total_count":3}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC)
	tickets, err := c.ListTickets(context.Background(), "store-1", start, end)
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected malformed ticket dropped, got %d tickets", len(tickets))
	}

	first := tickets[0]
	if first.ID != "t1" || first.StoreID != "store-1" || first.CustomerType != "Medical" || first.Employee != "Dana" {
		t.Fatalf("unexpected ticket fields: %+v", first)
	}
	if len(first.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(first.Items))
	}
	item := first.Items[0]
	if item.Brand != "Acme" || item.Category != "Flower" {
		t.Fatalf("unexpected item fields: %+v", item)
	}
	if !item.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected quantity 2, got %s", item.Quantity)
	}
	if !item.UnitPrice.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("expected unit price 25.50, got %s", item.UnitPrice)
	}
	if item.GrossTotal == nil || !item.GrossTotal.Equal(decimal.RequireFromString("51.00")) {
		t.Fatalf("expected explicit gross 51.00, got %v", item.GrossTotal)
	}
	if !item.Discount.Equal(decimal.RequireFromString("5.10")) {
		t.Fatalf("expected discount 5.10, got %s", item.Discount)
	}

	second := tickets[1]
	if !second.Voided {
		t.Fatal("expected second ticket to keep its voided flag")
	}
	if second.Items[0].GrossTotal != nil {
		t.Fatalf("expected absent gross to stay nil, got %v", second.Items[0].GrossTotal)
	}
}

func TestListStoresSkipsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[
			{"id":"store-1","display_name":"Thrive Uptown","name":"uptown"},
			{"id":"","name":"ghost"},
			{"id":"store-2","name":"Thrive Downtown","active":false}
		],"total_count":3}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	stores, err := c.ListStores(context.Background())
	if err != nil {
		t.Fatalf("ListStores failed: %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("expected 2 stores, got %d", len(stores))
	}
	if stores[0].Name != "Thrive Uptown" {
		t.Fatalf("expected display_name preferred, got %q", stores[0].Name)
	}
	if !stores[0].Active {
		t.Fatal("expected active to default true")
	}
	if stores[1].Active {
		t.Fatal("expected explicit active=false to stick")
	}
}

func TestNewClientDefaults(t *testing.T) {
	t.Setenv("THRIVE_API_KEY", "k")
	t.Setenv("THRIVE_API_BASE_URL", "")
	t.Setenv("THRIVE_API_KEY_HEADER", "")
	t.Setenv("THRIVE_RATE_LIMIT_GAP_MS", "")
	t.Setenv("THRIVE_PAGE_SIZE", "")

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.baseURL != "https://api.thrive-commerce.com" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
	if c.apiKeyHdr != "X-API-Key" {
		t.Fatalf("unexpected api key header %q", c.apiKeyHdr)
	}
	if c.gate.gap != 350*time.Millisecond {
		t.Fatalf("expected 350ms gap, got %s", c.gate.gap)
	}
	if c.pageSize != 200 || c.maxAttempts != 5 {
		t.Fatalf("unexpected paging defaults: pageSize=%d maxAttempts=%d", c.pageSize, c.maxAttempts)
	}
	if c.maxBackoff != 20*time.Second {
		t.Fatalf("expected 20s backoff cap, got %s", c.maxBackoff)
	}

	t.Setenv("THRIVE_API_KEY", " ")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error when api key is blank")
	}
}

func TestGetJSONHonoursContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := newTestClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.getJSON(ctx, "/v1/tickets", url.Values{})
	if err == nil {
		t.Fatal("expected error after context deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
