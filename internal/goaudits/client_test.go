package goaudits

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditbridge-io/auditbridge/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func zeroJitter() clock.Jitter {
	return func(time.Duration) time.Duration { return 0 }
}

func newTestClient(summaryURL, detailsURL string) *Client {
	cfg := &Config{
		SummaryURL:   summaryURL,
		DetailsURL:   detailsURL,
		FilterID:     7,
		DetailsRPS:   1000,
		DetailsBurst: 1000,
	}

	return New(cfg, "test-token", discardLogger(),
		WithJitter(zeroJitter()),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
}

func TestFetchSummarySendsContract(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`[{"ID":"R1","Updated_On":"2024-08-01 10:00:00"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

	records, err := client.FetchSummary(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "R1", records[0]["ID"])

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "2024-07-01", gotBody["start_date"])
	assert.Equal(t, "2024-08-01", gotBody["end_date"])
	assert.Equal(t, "Completed", gotBody["status"])
	assert.Equal(t, true, gotBody["jsonflag"])
	assert.Equal(t, float64(7), gotBody["filterId"])
}

func TestFetchDetailsMergesAuditID(t *testing.T) {
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`[{"RecordType":"Detail"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	_, err := client.FetchDetails(context.Background(), "R1")
	require.NoError(t, err)

	assert.Equal(t, "R1", gotBody["audit_id"])
	assert.Equal(t, "Detail", gotBody["recordtype"])
	assert.Equal(t, "Completed", gotBody["status"])

	// The provider requires the full base key set even when values are empty.
	for _, key := range []string{"start_date", "end_date", "client", "location", "auditor", "checklist", "filterId", "archive", "attachments"} {
		assert.Contains(t, gotBody, key)
	}
}

func TestRetryOnServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	records, err := client.FetchSummary(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	_, err := client.FetchSummary(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestFatalAuthNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "forbidden", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(server.URL, server.URL)

			_, err := client.FetchSummary(context.Background(), time.Now(), time.Now())
			require.Error(t, err)
			assert.True(t, IsFatalAuth(err))
			assert.Equal(t, int32(1), calls.Load(), "fatal auth must not be retried")
		})
	}
}

func TestNonRetryableStatusNotRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	_, err := client.FetchSummary(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.Equal(t, ClassNonRetryable, ClassOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTooManyRequestsRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	_, err := client.FetchSummary(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBadShapeNotRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"error":"an object, not an array"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)

	_, err := client.FetchDetails(context.Background(), "R1")
	require.Error(t, err)
	assert.True(t, IsBadShape(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // nothing is listening any more

	client := newTestClient(server.URL, server.URL)

	_, err := client.FetchSummary(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestBackoffSchedule(t *testing.T) {
	// The documented schedule for base=1000ms, max=8000ms:
	// attempt 2 → 1000ms, 3 → 2000ms, 4 → 4000ms, 5 → 8000ms (capped).
	client := New(&Config{DetailsRPS: 1, DetailsBurst: 1}, "", discardLogger(), WithJitter(zeroJitter()))

	var delays []time.Duration

	for attempt := 2; attempt <= maxAttempts; attempt++ {
		delay := client.baseDelay << (attempt - 2)
		if delay > client.maxDelay {
			delay = client.maxDelay
		}

		delays = append(delays, delay)
	}

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
	}, delays)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := &Config{SummaryURL: server.URL, DetailsURL: server.URL, DetailsRPS: 1, DetailsBurst: 1}
	client := New(cfg, "", discardLogger(),
		WithJitter(zeroJitter()),
		WithBackoff(time.Hour, time.Hour), // would block without cancellation
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err := client.FetchSummary(ctx, time.Now(), time.Now())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
