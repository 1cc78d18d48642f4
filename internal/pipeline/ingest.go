package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/auditbridge-io/auditbridge/internal/clock"
)

// Bounds restricts ingest eligibility. Lower is exclusive (the watermark
// instant itself has already been ingested); Upper is inclusive and applies
// only when HasUpper is set.
type Bounds struct {
	Lower    time.Time
	Upper    time.Time
	HasUpper bool
}

// Ingester turns summary records into report rows under ledger idempotency
// and owns watermark advancement.
type Ingester struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewIngester creates the ingest stage.
func NewIngester(store Store, clk clock.Clock, logger *slog.Logger) *Ingester {
	return &Ingester{store: store, clock: clk, logger: logger}
}

// SelectBatch parses, filters, and orders summary records, returning at most
// batchSize items plus any items tied on the last selected item's
// completedAt. The tie expansion prevents a same-instant group from being
// split across runs, which would strand the unselected part behind an
// already-advanced watermark.
func (i *Ingester) SelectBatch(records []map[string]any, bounds Bounds, batchSize int, counters *Counters) []SummaryItem {
	counters.Fetched.Add(int64(len(records)))

	eligible := make([]SummaryItem, 0, len(records))

	for _, rec := range records {
		item, ok := ParseSummaryRecord(rec)
		if !ok {
			continue
		}

		if !item.CompletedAt.After(bounds.Lower) {
			continue
		}

		if bounds.HasUpper && item.CompletedAt.After(bounds.Upper) {
			continue
		}

		eligible = append(eligible, item)
	}

	counters.Eligible.Add(int64(len(eligible)))

	sort.Slice(eligible, func(a, b int) bool {
		if !eligible[a].CompletedAt.Equal(eligible[b].CompletedAt) {
			return eligible[a].CompletedAt.Before(eligible[b].CompletedAt)
		}

		return eligible[a].ReportID < eligible[b].ReportID
	})

	if len(eligible) > batchSize {
		cutoff := eligible[batchSize-1].CompletedAt
		end := batchSize

		for end < len(eligible) && eligible[end].CompletedAt.Equal(cutoff) {
			end++
		}

		eligible = eligible[:end]
	}

	counters.Selected.Add(int64(len(eligible)))

	return eligible
}

// Ingest processes the selected items one transaction each, then advances the
// watermark iff every item either committed or was already ledgered. The
// watermark moves to the maximum committed completedAt; when nothing new
// committed it is only written to create a missing watermark row.
func (i *Ingester) Ingest(
	ctx context.Context,
	items []SummaryItem,
	runID string,
	watermark time.Time,
	watermarkExists bool,
	counters *Counters,
) error {
	target := watermark

	for _, item := range items {
		committed, err := i.ingestOne(ctx, item, runID)
		if err != nil {
			counters.IngestFailed.Add(1)
			i.logger.Error("report ingest failed",
				slog.String("report_id", item.ReportID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if !committed {
			counters.IngestAlreadyProcessed.Add(1)

			continue
		}

		counters.Ingested.Add(1)

		if item.CompletedAt.After(target) {
			target = item.CompletedAt
		}
	}

	if counters.IngestFailed.Load() > 0 {
		i.logger.Warn("watermark not advanced, batch had ingest failures",
			slog.Int64("failed", counters.IngestFailed.Load()),
		)

		return nil
	}

	if target.After(watermark) || !watermarkExists {
		if err := i.store.UpsertWatermark(ctx, JobIngest, target); err != nil {
			return fmt.Errorf("failed to advance watermark: %w", err)
		}

		i.logger.Info("watermark advanced",
			slog.String("job", JobIngest),
			slog.Time("watermark", target),
		)
	}

	return nil
}

// ingestOne commits one report row guarded by its ledger acquisition.
// Returns false without error when the item was already ledgered.
func (i *Ingester) ingestOne(ctx context.Context, item SummaryItem, runID string) (bool, error) {
	tx, err := i.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	acquired, err := i.store.TryMarkProcessed(ctx, tx, JobIngest, item.ReportID, runID, i.clock.Now())
	if err != nil {
		return false, err
	}

	if !acquired {
		return false, nil
	}

	report := Report{
		ReportID:            item.ReportID,
		CompletedAt:         item.CompletedAt,
		CertificationNumber: item.Cert,
		IngestRunID:         runID,
	}

	if err := i.store.InsertReport(ctx, tx, report); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit report: %w", err)
	}

	return true, nil
}
