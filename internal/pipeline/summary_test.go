package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummaryRecord(t *testing.T) {
	tests := []struct {
		name     string
		record   map[string]any
		wantOK   bool
		wantID   string
		wantTime time.Time
		wantCert string
	}{
		{
			name:     "provider timestamp form",
			record:   map[string]any{"ID": "R1", "Updated_On": "2024-08-01 10:00:00"},
			wantOK:   true,
			wantID:   "R1",
			wantTime: time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "numeric id coerced without fraction",
			record:   map[string]any{"audit_id": float64(12345), "Updated_On": "2024-08-01 10:00:00"},
			wantOK:   true,
			wantID:   "12345",
			wantTime: time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "first id alias wins",
			record:   map[string]any{"reportId": "late", "Id": "early", "Updated_On": "2024-08-01 10:00:00"},
			wantOK:   true,
			wantID:   "early",
			wantTime: time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "falls back to EndTime",
			record:   map[string]any{"ID": "R1", "EndTime": "2024-08-02 09:30:15"},
			wantOK:   true,
			wantID:   "R1",
			wantTime: time.Date(2024, 8, 2, 9, 30, 15, 0, time.UTC),
		},
		{
			name:     "falls back to bare Date",
			record:   map[string]any{"ID": "R1", "Date": "2024-08-03"},
			wantOK:   true,
			wantID:   "R1",
			wantTime: time.Date(2024, 8, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "cert alias extracted",
			record:   map[string]any{"ID": "R1", "Updated_On": "2024-08-01 10:00:00", "certification_number": "MCS-001"},
			wantOK:   true,
			wantID:   "R1",
			wantTime: time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
			wantCert: "MCS-001",
		},
		{
			name:   "missing id",
			record: map[string]any{"Updated_On": "2024-08-01 10:00:00"},
			wantOK: false,
		},
		{
			name:   "null id",
			record: map[string]any{"ID": nil, "Updated_On": "2024-08-01 10:00:00"},
			wantOK: false,
		},
		{
			name:   "unparseable timestamp",
			record: map[string]any{"ID": "R1", "Updated_On": "yesterday-ish"},
			wantOK: false,
		},
		{
			name:   "no timestamp field",
			record: map[string]any{"ID": "R1"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := ParseSummaryRecord(tt.record)

			require.Equal(t, tt.wantOK, ok)

			if !tt.wantOK {
				return
			}

			assert.Equal(t, tt.wantID, item.ReportID)
			assert.True(t, item.CompletedAt.Equal(tt.wantTime), "got %v want %v", item.CompletedAt, tt.wantTime)
			assert.Equal(t, tt.wantCert, item.Cert)
			assert.NotNil(t, item.Raw)
		})
	}
}

func TestParseUTCInstant(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   time.Time
	}{
		{
			name:   "space separated",
			raw:    "2024-08-01 10:00:00",
			wantOK: true,
			want:   time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:   "rfc3339 passes through",
			raw:    "2024-08-01T10:00:00Z",
			wantOK: true,
			want:   time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:   "date only",
			raw:    "2024-08-01",
			wantOK: true,
			want:   time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		{name: "garbage", raw: "not a time", wantOK: false},
		{name: "empty", raw: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseUTCInstant(tt.raw)

			require.Equal(t, tt.wantOK, ok)

			if tt.wantOK {
				assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
			}
		})
	}
}
