package goaudits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/auditbridge-io/auditbridge/internal/clock"
)

const (
	maxAttempts    = 5
	attemptTimeout = 30 * time.Second
	baseDelay      = 1000 * time.Millisecond
	maxDelay       = 8000 * time.Millisecond
	maxJitter      = 300 * time.Millisecond

	maxResponseSize = 64 << 20 // 64 MiB; summaries for a busy day are large
)

type (
	// Client posts JSON bodies to the GoAudits API with bearer auth,
	// bounded retries, and typed error classification.
	//
	// Retry schedule: up to 5 attempts total; the delay before attempt n
	// (1-indexed, n >= 2) is min(1000*2^(n-2), 8000)ms plus uniform jitter
	// of up to 300ms. Each attempt carries its own 30s timeout. The budget
	// is shared across mixed transient error classes.
	Client struct {
		httpClient *http.Client
		token      string
		jitter     clock.Jitter
		limiter    *rate.Limiter
		logger     *slog.Logger

		baseDelay time.Duration
		maxDelay  time.Duration

		summaryURL string
		detailsURL string
		filterID   int
	}

	// Option configures optional Client behavior.
	Option func(*Client)
)

// WithJitter overrides the jitter source. Tests use a zero jitter.
func WithJitter(j clock.Jitter) Option {
	return func(c *Client) {
		c.jitter = j
	}
}

// WithBackoff overrides the backoff schedule bounds. Tests shrink these to
// keep retry paths fast.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a Client for the configured endpoints, authenticating every
// request with the given bearer token.
func New(cfg *Config, token string, logger *slog.Logger, opts ...Option) *Client {
	client := &Client{
		// Per-attempt timeout is enforced via context so that the retry
		// loop, not the transport, owns cancellation.
		httpClient: &http.Client{},
		token:      token,
		jitter:     clock.NewJitter(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.DetailsRPS), cfg.DetailsBurst),
		logger:     logger,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		summaryURL: cfg.SummaryURL,
		detailsURL: cfg.DetailsURL,
		filterID:   cfg.FilterID,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// FetchSummary posts the summary request for the [start, end] date window
// and returns the raw records. Failures here are run-level.
func (c *Client) FetchSummary(ctx context.Context, start, end time.Time) ([]map[string]any, error) {
	return c.postJSON(ctx, c.summaryURL, summaryRequest(start, end, c.filterID))
}

// FetchDetails posts the details request for one report. Calls are
// rate-limited to bound load on the provider.
func (c *Client) FetchDetails(ctx context.Context, reportID string) ([]map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{Class: ClassRetryable, Message: "rate limiter wait cancelled", Err: err}
	}

	return c.postJSON(ctx, c.detailsURL, detailsRequest(reportID))
}

// postJSON is the single POST primitive: marshal once, attempt up to
// maxAttempts times, classify every failure.
func (c *Client) postJSON(ctx context.Context, url string, body any) ([]map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &APIError{Class: ClassNonRetryable, Message: "failed to marshal request body", Err: err}
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleepBeforeAttempt(ctx, attempt); err != nil {
				return nil, lastErr
			}
		}

		records, err := c.attempt(ctx, url, payload)
		if err == nil {
			return records, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}

		c.logger.Warn("retryable API failure",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// sleepBeforeAttempt waits min(base*2^(n-2), max) + uniform(0, 300ms).
// Returns the context error if cancelled mid-wait.
func (c *Client) sleepBeforeAttempt(ctx context.Context, attempt int) error {
	delay := c.baseDelay << (attempt - 2)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}

	delay += c.jitter(maxJitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attempt performs one POST with its own 30s timeout and classifies the result.
func (c *Client) attempt(ctx context.Context, url string, payload []byte) ([]map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Class: ClassNonRetryable, Message: "failed to build request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and per-attempt timeouts are transient by contract.
		return nil, &APIError{Class: ClassRetryable, Message: "request failed", Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &APIError{
			Class:      ClassFatalAuth,
			StatusCode: resp.StatusCode,
			Message:    "authentication rejected",
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &APIError{
			Class:      ClassRetryable,
			StatusCode: resp.StatusCode,
			Message:    "transient provider failure",
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{
			Class:      ClassNonRetryable,
			StatusCode: resp.StatusCode,
			Message:    "unexpected response status",
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &APIError{Class: ClassRetryable, Message: "failed to read response body", Err: err}
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &APIError{
			Class:      ClassBadShape,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("expected a JSON array of records, got %d bytes of something else", len(data)),
			Err:        err,
		}
	}

	return records, nil
}
