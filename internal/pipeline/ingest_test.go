package pipeline

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func summaryRecord(id, updatedOn string) map[string]any {
	return map[string]any{"ID": id, "Updated_On": updatedOn}
}

func epochBounds() Bounds {
	return Bounds{Lower: time.Unix(0, 0).UTC()}
}

func TestSelectBatchFiltersAndSorts(t *testing.T) {
	ingester := NewIngester(nil, nil, discardLogger())

	records := []map[string]any{
		summaryRecord("B", "2024-08-01 12:00:00"),
		summaryRecord("A", "2024-08-01 10:00:00"),
		{"Updated_On": "2024-08-01 11:00:00"}, // no id, dropped
		{"ID": "C"},                           // no timestamp, dropped
	}

	var counters Counters

	batch := ingester.SelectBatch(records, epochBounds(), 50, &counters)

	require.Len(t, batch, 2)
	assert.Equal(t, "A", batch[0].ReportID)
	assert.Equal(t, "B", batch[1].ReportID)
	assert.Equal(t, int64(4), counters.Fetched.Load())
	assert.Equal(t, int64(2), counters.Eligible.Load())
	assert.Equal(t, int64(2), counters.Selected.Load())
}

func TestSelectBatchLowerBoundExclusive(t *testing.T) {
	ingester := NewIngester(nil, nil, discardLogger())

	watermark := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	records := []map[string]any{
		summaryRecord("AT", "2024-08-01 10:00:00"),  // at the watermark, dropped
		summaryRecord("NEW", "2024-08-01 10:00:01"), // strictly after, kept
	}

	var counters Counters

	batch := ingester.SelectBatch(records, Bounds{Lower: watermark}, 50, &counters)

	require.Len(t, batch, 1)
	assert.Equal(t, "NEW", batch[0].ReportID)
}

func TestSelectBatchUpperBoundInclusive(t *testing.T) {
	ingester := NewIngester(nil, nil, discardLogger())

	upper := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []map[string]any{
		summaryRecord("IN", "2024-08-01 12:00:00"),
		summaryRecord("OUT", "2024-08-01 12:00:01"),
	}

	var counters Counters

	batch := ingester.SelectBatch(records, Bounds{Lower: time.Unix(0, 0).UTC(), Upper: upper, HasUpper: true}, 50, &counters)

	require.Len(t, batch, 1)
	assert.Equal(t, "IN", batch[0].ReportID)
}

// A batch boundary inside a same-instant group would strand the unselected
// part behind the advanced watermark, so ties on the cutoff are pulled in.
func TestSelectBatchTieExpansion(t *testing.T) {
	ingester := NewIngester(nil, nil, discardLogger())

	records := []map[string]any{
		summaryRecord("A", "2024-08-01 10:00:00"),
		summaryRecord("B", "2024-08-01 10:00:00"),
		summaryRecord("C", "2024-08-01 10:00:00"),
		summaryRecord("D", "2024-08-01 10:00:01"),
	}

	var counters Counters

	batch := ingester.SelectBatch(records, epochBounds(), 2, &counters)

	require.Len(t, batch, 3)
	assert.Equal(t, "A", batch[0].ReportID)
	assert.Equal(t, "B", batch[1].ReportID)
	assert.Equal(t, "C", batch[2].ReportID)
	assert.Equal(t, int64(3), counters.Selected.Load())
}

func TestSelectBatchNoTieNoExpansion(t *testing.T) {
	ingester := NewIngester(nil, nil, discardLogger())

	records := []map[string]any{
		summaryRecord("A", "2024-08-01 10:00:00"),
		summaryRecord("B", "2024-08-01 10:00:01"),
		summaryRecord("C", "2024-08-01 10:00:02"),
	}

	var counters Counters

	batch := ingester.SelectBatch(records, epochBounds(), 2, &counters)

	require.Len(t, batch, 2)
	assert.Equal(t, "B", batch[1].ReportID)
}

func TestSelectBatchSortTiesByReportID(t *testing.T) {
	ingester := NewIngester(nil, nil, discardLogger())

	records := []map[string]any{
		summaryRecord("Z", "2024-08-01 10:00:00"),
		summaryRecord("A", "2024-08-01 10:00:00"),
	}

	var counters Counters

	batch := ingester.SelectBatch(records, epochBounds(), 50, &counters)

	require.Len(t, batch, 2)
	assert.Equal(t, "A", batch[0].ReportID)
	assert.Equal(t, "Z", batch[1].ReportID)
}
