// Package thrive wraps the Thrive commerce API behind a client that
// survives its aggressive rate limiting: every call waits for a shared
// minimum gap, 429s and 5xx responses retry with capped exponential
// backoff, and list endpoints page until the reported total is in hand.
package thrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungusdotcom/thrive-dashboard/models"
)

// ErrUpstreamUnavailable is returned once every retry attempt for a call
// has been spent. Callers treat it as "try again later", never as bad input.
var ErrUpstreamUnavailable = errors.New("thrive upstream unavailable")

const maxErrorBodyBytes = 512

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("thrive api error %d: %s", e.status, e.body)
}

// callGate spaces calls out by a minimum gap. Each caller reserves the
// next send slot under the mutex and sleeps outside it, so the gap holds
// across goroutines without serializing the waits themselves.
type callGate struct {
	mu   sync.Mutex
	gap  time.Duration
	next time.Time
}

func newCallGate(gap time.Duration) *callGate {
	return &callGate{gap: gap}
}

func (g *callGate) reserve(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next.Before(now) {
		g.next = now
	}
	wait := g.next.Sub(now)
	g.next = g.next.Add(g.gap)
	return wait
}

func (g *callGate) wait(ctx context.Context) error {
	wait := g.reserve(time.Now())
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Client struct {
	baseURL        string
	apiKey         string
	apiKeyHdr      string
	pageSize       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	http           *http.Client
	gate           *callGate
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("THRIVE_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.thrive-commerce.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("THRIVE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("THRIVE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("thrive api key is empty")
	}
	gapMs := int64(350)
	if v := strings.TrimSpace(os.Getenv("THRIVE_RATE_LIMIT_GAP_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			gapMs = n
		}
	}
	pageSize := 200
	if v := strings.TrimSpace(os.Getenv("THRIVE_PAGE_SIZE")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 500 {
			pageSize = int(n)
		}
	}

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		apiKeyHdr:      apiKeyHeader,
		pageSize:       pageSize,
		maxAttempts:    5,
		initialBackoff: time.Second,
		maxBackoff:     20 * time.Second,
		http:           &http.Client{Timeout: 30 * time.Second},
		gate:           newCallGate(time.Duration(gapMs) * time.Millisecond),
	}, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes]
	}
	return s
}

// getJSON performs one rate-gated GET with retries. 429 and 5xx back off
// exponentially (doubling from initialBackoff, capped at maxBackoff) until
// maxAttempts is spent; any other non-2xx fails immediately with the
// status and a truncated response body.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	backoff := c.initialBackoff
	lastFailure := "no attempts made"
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.gate.wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastFailure = err.Error()
		} else {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return body, nil
			}
			if !retryableStatus(resp.StatusCode) {
				return nil, &apiError{status: resp.StatusCode, body: truncateBody(body)}
			}
			lastFailure = fmt.Sprintf("status %d", resp.StatusCode)
		}

		if attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
	return nil, fmt.Errorf("%w: %d attempts failed, last: %s", ErrUpstreamUnavailable, c.maxAttempts, lastFailure)
}

// getList pages through a list endpoint until the accumulated records reach
// the reported total_count or the API returns a short page. Any page
// failure discards the partial result.
func (c *Client) getList(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var records []json.RawMessage
	page := 1
	for {
		pageParams := url.Values{}
		for k, v := range params {
			pageParams[k] = v
		}
		pageParams.Set("page", strconv.Itoa(page))
		pageParams.Set("page_size", strconv.Itoa(c.pageSize))

		body, err := c.getJSON(ctx, path, pageParams)
		if err != nil {
			return nil, err
		}
		var parsed listEnvelope
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, err
		}

		items := parsed.Records
		if len(items) == 0 {
			items = parsed.Data
		}
		records = append(records, items...)

		if len(items) < c.pageSize {
			return records, nil
		}
		if parsed.TotalCount > 0 && len(records) >= parsed.TotalCount {
			return records, nil
		}
		page++
	}
}

func (c *Client) ListStores(ctx context.Context) ([]models.Store, error) {
	raw, err := c.getList(ctx, "/v1/stores", nil)
	if err != nil {
		return nil, err
	}
	stores := make([]models.Store, 0, len(raw))
	for _, r := range raw {
		var payload storePayload
		if err := json.Unmarshal(r, &payload); err != nil {
			continue
		}
		store := storeFromPayload(payload)
		if store.ID == "" {
			continue
		}
		stores = append(stores, store)
	}
	return stores, nil
}

// ListTickets returns every ticket sold at one store between two dates,
// inclusive, interpreted in the reporting timezone of the caller.
func (c *Client) ListTickets(ctx context.Context, storeID string, start, end time.Time) ([]models.Ticket, error) {
	params := url.Values{}
	params.Set("store_id", storeID)
	params.Set("start_date", start.Format("2006-01-02"))
	params.Set("end_date", end.Format("2006-01-02"))

	raw, err := c.getList(ctx, "/v1/tickets", params)
	if err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(raw))
	for _, r := range raw {
		var payload ticketPayload
		if err := json.Unmarshal(r, &payload); err != nil {
			continue
		}
		ticket, ok := ticketFromPayload(payload)
		if !ok {
			continue
		}
		if ticket.StoreID == "" {
			ticket.StoreID = storeID
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}
