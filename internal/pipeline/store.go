package pipeline

import (
	"context"
	"database/sql"
	"time"
)

// Store is the persistence contract the pipeline stages require. The
// PostgreSQL implementation lives in internal/storage.
//
// Every mutation that participates in per-item idempotency takes the item's
// transaction so the ledger acquisition and the writes it guards commit or
// roll back together.
type Store interface {
	// BeginTx opens the transaction for one item's writes.
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// GetWatermark returns the stored watermark instant for jobName.
	// The second result is false when no watermark row exists yet.
	GetWatermark(ctx context.Context, jobName string) (time.Time, bool, error)

	// UpsertWatermark advances the watermark for jobName. Callers only
	// invoke it with instants at or beyond the stored value.
	UpsertWatermark(ctx context.Context, jobName string, instant time.Time) error

	// InsertRun records the start of a run in run history.
	InsertRun(ctx context.Context, runID, jobName, correlationID string, startedAt time.Time) error

	// FinishRun closes the run-history row with a terminal status and the
	// one-line summary message.
	FinishRun(ctx context.Context, runID string, status RunStatus, message string, completedAt time.Time) error

	// TryMarkProcessed attempts to acquire (jobName, itemKey) in the
	// processed-items ledger inside tx. Returns false when another run
	// already holds the key.
	TryMarkProcessed(ctx context.Context, tx *sql.Tx, jobName, itemKey, runID string, processedAt time.Time) (bool, error)

	// IsProcessed reports whether (jobName, itemKey) is already ledgered.
	// Used outside transactions to skip work before it starts.
	IsProcessed(ctx context.Context, jobName, itemKey string) (bool, error)

	// InsertReport writes the report row inside tx.
	InsertReport(ctx context.Context, tx *sql.Tx, report Report) error

	// UpdateReportCertIfEmpty sets the certification number only when the
	// stored value is still NULL. An already-populated value wins.
	UpdateReportCertIfEmpty(ctx context.Context, tx *sql.Tx, reportID, cert string) error

	// InsertAnswerIfAbsent writes one answer row, leaving any existing row
	// for the same (reportID, questionKey) untouched.
	InsertAnswerIfAbsent(ctx context.Context, tx *sql.Tx, answer Answer) error

	// CountAnswers returns the persisted answer count for the report as
	// seen by tx, including rows written earlier in the same transaction.
	CountAnswers(ctx context.Context, tx *sql.Tx, reportID string) (int, error)

	// ReportCert returns the report's certification number as seen by tx,
	// or the empty string when the column is NULL.
	ReportCert(ctx context.Context, tx *sql.Tx, reportID string) (string, error)

	// InsertFinding writes a finding row. On conflict the severity text
	// columns are coalesced so an earlier NULL can be filled in, but an
	// existing value is never overwritten.
	InsertFinding(ctx context.Context, tx *sql.Tx, finding FindingRow) error

	// UpsertScore writes or replaces the score roll-up row.
	UpsertScore(ctx context.Context, tx *sql.Tx, score ScoreRow) error

	// LoadAnswers returns the report's persisted answers keyed by question
	// key. SQL NULL answer values surface as empty strings.
	LoadAnswers(ctx context.Context, reportID string) (map[string]string, error)

	// HasMetadataColumns reports whether the optional report metadata
	// columns exist in this deployment's schema. Probed once per run.
	HasMetadataColumns(ctx context.Context) (bool, error)

	// LoadReportMetadata returns the report's non-NULL metadata column
	// values keyed by column name. Empty when the columns do not exist.
	LoadReportMetadata(ctx context.Context, reportID string) (map[string]string, error)
}
