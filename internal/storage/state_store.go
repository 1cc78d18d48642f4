package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/auditbridge-io/auditbridge/internal/pipeline"
)

// metadataColumns are the optional reports columns probed once per process.
// Deployments migrated before these columns existed run without them.
var metadataColumns = []string{"rule_set_name", "technology_type", "assessment_type", "template_name"}

// StateStore implements the pipeline's persistence contract on PostgreSQL.
//
// In dry-run mode every mutation is suppressed and ledger acquisition is
// answered by SELECT instead of INSERT, so a dry run reads real state but
// leaves none behind.
type StateStore struct {
	conn   *Connection
	logger *slog.Logger
	dryRun bool

	probeOnce sync.Once
	metaCols  []string
	probeErr  error
}

// Compile-time check that StateStore satisfies the pipeline contract.
var _ pipeline.Store = (*StateStore)(nil)

// StateStoreOption configures optional StateStore behavior.
type StateStoreOption func(*StateStore)

// WithDryRun suppresses all mutations.
func WithDryRun() StateStoreOption {
	return func(s *StateStore) {
		s.dryRun = true
	}
}

// NewStateStore creates a StateStore over an established connection.
func NewStateStore(conn *Connection, logger *slog.Logger, opts ...StateStoreOption) *StateStore {
	store := &StateStore{conn: conn, logger: logger}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// BeginTx opens the transaction for one item's writes.
func (s *StateStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, nil)
}

// GetWatermark reads the watermark row for jobName. A missing row yields the
// Unix epoch and exists=false.
func (s *StateStore) GetWatermark(ctx context.Context, jobName string) (time.Time, bool, error) {
	var instant time.Time

	err := s.conn.QueryRowContext(ctx,
		`SELECT utc_instant FROM watermark WHERE job_name = $1`,
		jobName,
	).Scan(&instant)

	if errors.Is(err, sql.ErrNoRows) {
		return time.Unix(0, 0).UTC(), false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark for %s: %w", jobName, err)
	}

	return instant.UTC(), true, nil
}

// UpsertWatermark writes the watermark row for jobName.
func (s *StateStore) UpsertWatermark(ctx context.Context, jobName string, instant time.Time) error {
	if s.dryRun {
		s.logger.Info("dry-run: watermark upsert suppressed",
			slog.String("job", jobName),
			slog.Time("watermark", instant),
		)

		return nil
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO watermark (job_name, utc_instant, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (job_name)
		 DO UPDATE SET utc_instant = EXCLUDED.utc_instant, updated_at = NOW()`,
		jobName, instant.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert watermark for %s: %w", jobName, err)
	}

	return nil
}

// InsertRun records the start of a run.
func (s *StateStore) InsertRun(ctx context.Context, runID, jobName, correlationID string, startedAt time.Time) error {
	if s.dryRun {
		s.logger.Info("dry-run: run-history insert suppressed", slog.String("run_id", runID))

		return nil
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO run_history (run_id, job_name, status, correlation_id, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		runID, jobName, string(pipeline.StatusRunning), correlationID, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run history: %w", err)
	}

	return nil
}

// FinishRun closes the run-history row.
func (s *StateStore) FinishRun(ctx context.Context, runID string, status pipeline.RunStatus, message string, completedAt time.Time) error {
	if s.dryRun {
		s.logger.Info("dry-run: run-history update suppressed",
			slog.String("run_id", runID),
			slog.String("status", string(status)),
			slog.String("message", message),
		)

		return nil
	}

	_, err := s.conn.ExecContext(ctx,
		`UPDATE run_history
		 SET status = $2, message = $3, completed_at = $4
		 WHERE run_id = $1`,
		runID, string(status), message, completedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}

	return nil
}

// TryMarkProcessed acquires (jobName, itemKey) in the ledger inside tx. The
// primary-key collision is the idempotency mechanism: ON CONFLICT DO NOTHING
// swallows the duplicate and acquisition is read off the affected row count.
// A raised unique violation would abort tx and poison every statement after
// it, so the conflict must never surface as an error.
func (s *StateStore) TryMarkProcessed(ctx context.Context, tx *sql.Tx, jobName, itemKey, runID string, processedAt time.Time) (bool, error) {
	if s.dryRun {
		processed, err := s.isProcessedIn(ctx, tx, jobName, itemKey)
		if err != nil {
			return false, err
		}

		return !processed, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_items (job_name, item_key, run_id, processed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_name, item_key) DO NOTHING`,
		jobName, itemKey, runID, processedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire ledger entry (%s, %s): %w", jobName, itemKey, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire ledger entry (%s, %s): %w", jobName, itemKey, err)
	}

	return affected == 1, nil
}

// IsProcessed reports whether (jobName, itemKey) is already ledgered.
func (s *StateStore) IsProcessed(ctx context.Context, jobName, itemKey string) (bool, error) {
	var processed bool

	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM processed_items WHERE job_name = $1 AND item_key = $2
		 )`,
		jobName, itemKey,
	).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry (%s, %s): %w", jobName, itemKey, err)
	}

	return processed, nil
}

func (s *StateStore) isProcessedIn(ctx context.Context, tx *sql.Tx, jobName, itemKey string) (bool, error) {
	var processed bool

	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM processed_items WHERE job_name = $1 AND item_key = $2
		 )`,
		jobName, itemKey,
	).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry (%s, %s): %w", jobName, itemKey, err)
	}

	return processed, nil
}

// InsertReport writes the report row. The certification number is stored as
// NULL when empty so the enrich stage's conditional update can fill it.
func (s *StateStore) InsertReport(ctx context.Context, tx *sql.Tx, report pipeline.Report) error {
	if s.dryRun {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO reports (report_id, completed_at, certification_number, ingest_run_id)
		 VALUES ($1, $2, NULLIF($3, ''), $4)`,
		report.ReportID, report.CompletedAt.UTC(), report.CertificationNumber, report.IngestRunID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report %s: %w", report.ReportID, err)
	}

	return nil
}

// UpdateReportCertIfEmpty fills the certification number only when the stored
// value is still NULL or empty. An already-populated value always wins.
func (s *StateStore) UpdateReportCertIfEmpty(ctx context.Context, tx *sql.Tx, reportID, cert string) error {
	if s.dryRun {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE reports
		 SET certification_number = $2
		 WHERE report_id = $1
		   AND (certification_number IS NULL OR certification_number = '')`,
		reportID, cert,
	)
	if err != nil {
		return fmt.Errorf("failed to update certification for report %s: %w", reportID, err)
	}

	return nil
}

// InsertAnswerIfAbsent writes one answer row, leaving an existing row for the
// same (report, question key) untouched.
func (s *StateStore) InsertAnswerIfAbsent(ctx context.Context, tx *sql.Tx, answer pipeline.Answer) error {
	if s.dryRun {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO report_answers (report_id, question_key, answer_value, section, question_text, enrich_run_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		 ON CONFLICT (report_id, question_key) DO NOTHING`,
		answer.ReportID, answer.QuestionKey, answer.AnswerValue,
		answer.Section, answer.QuestionText, answer.EnrichRunID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert answer (%s, %s): %w", answer.ReportID, answer.QuestionKey, err)
	}

	return nil
}

// CountAnswers counts the report's answers as seen by tx.
func (s *StateStore) CountAnswers(ctx context.Context, tx *sql.Tx, reportID string) (int, error) {
	var count int

	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report_answers WHERE report_id = $1`,
		reportID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count answers for report %s: %w", reportID, err)
	}

	return count, nil
}

// ReportCert reads the report's certification number as seen by tx. A missing
// row or NULL column both yield the empty string.
func (s *StateStore) ReportCert(ctx context.Context, tx *sql.Tx, reportID string) (string, error) {
	var cert string

	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(certification_number, '') FROM reports WHERE report_id = $1`,
		reportID,
	).Scan(&cert)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read certification for report %s: %w", reportID, err)
	}

	return cert, nil
}

// InsertFinding writes a finding row. On a duplicate key only the severity
// text columns are coalesced so an earlier NULL can be back-filled; no other
// column is mutated.
func (s *StateStore) InsertFinding(ctx context.Context, tx *sql.Tx, finding pipeline.FindingRow) error {
	if s.dryRun {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO findings (
		     report_id, rule_set_name, rule_set_version, question_key,
		     answer_value, severity, finding_code,
		     major_non_compliant_text, minor_non_compliant_text, score_run_id
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
		 ON CONFLICT (report_id, rule_set_name, rule_set_version, question_key)
		 DO UPDATE SET
		     major_non_compliant_text = COALESCE(findings.major_non_compliant_text, EXCLUDED.major_non_compliant_text),
		     minor_non_compliant_text = COALESCE(findings.minor_non_compliant_text, EXCLUDED.minor_non_compliant_text)`,
		finding.ReportID, finding.RuleSetName, finding.RuleSetVersion, finding.QuestionKey,
		finding.AnswerValue, string(finding.Severity), finding.FindingCode,
		finding.MajorText, finding.MinorText, finding.ScoreRunID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert finding (%s, %s): %w", finding.ReportID, finding.QuestionKey, err)
	}

	return nil
}

// UpsertScore writes or replaces the score roll-up row.
func (s *StateStore) UpsertScore(ctx context.Context, tx *sql.Tx, score pipeline.ScoreRow) error {
	if s.dryRun {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO scores (
		     report_id, rule_set_name, rule_set_version,
		     major_count, minor_count, score_value, outcome, score_run_id, scored_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (report_id, rule_set_name, rule_set_version)
		 DO UPDATE SET
		     major_count  = EXCLUDED.major_count,
		     minor_count  = EXCLUDED.minor_count,
		     score_value  = EXCLUDED.score_value,
		     outcome      = EXCLUDED.outcome,
		     score_run_id = EXCLUDED.score_run_id,
		     scored_at    = EXCLUDED.scored_at`,
		score.ReportID, score.RuleSetName, score.RuleSetVersion,
		score.MajorCount, score.MinorCount, score.ScoreValue,
		score.Outcome, score.ScoreRunID, score.ScoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert score (%s, %s, %s): %w",
			score.ReportID, score.RuleSetName, score.RuleSetVersion, err)
	}

	return nil
}

// LoadAnswers returns the report's answers keyed by question key. SQL NULL
// answer values surface as empty strings; the evaluator's emptyIsNull
// normalisation recovers the null semantics.
func (s *StateStore) LoadAnswers(ctx context.Context, reportID string) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT question_key, COALESCE(answer_value, '')
		 FROM report_answers
		 WHERE report_id = $1`,
		reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load answers for report %s: %w", reportID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	answers := make(map[string]string)

	for rows.Next() {
		var key, value string

		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}

		answers[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate answers for report %s: %w", reportID, err)
	}

	return answers, nil
}

// HasMetadataColumns probes information_schema once per process for the
// optional reports metadata columns.
func (s *StateStore) HasMetadataColumns(ctx context.Context) (bool, error) {
	s.probeOnce.Do(func() {
		s.metaCols, s.probeErr = s.probeMetadataColumns(ctx)
	})

	if s.probeErr != nil {
		return false, s.probeErr
	}

	return len(s.metaCols) > 0, nil
}

func (s *StateStore) probeMetadataColumns(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT column_name
		 FROM information_schema.columns
		 WHERE table_name = 'reports'
		   AND column_name = ANY($1)`,
		pq.Array(metadataColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to probe metadata columns: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	present := make(map[string]struct{})

	for rows.Next() {
		var name string

		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}

		present[name] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate column probe: %w", err)
	}

	// Preserve declaration order so generated SELECTs are stable.
	cols := make([]string, 0, len(present))

	for _, col := range metadataColumns {
		if _, ok := present[col]; ok {
			cols = append(cols, col)
		}
	}

	return cols, nil
}

// LoadReportMetadata reads the present metadata columns for one report,
// returning only non-empty values. The SELECT list is built from the probe so
// deployments without the columns never reference them.
func (s *StateStore) LoadReportMetadata(ctx context.Context, reportID string) (map[string]string, error) {
	if _, err := s.HasMetadataColumns(ctx); err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(s.metaCols))

	if len(s.metaCols) == 0 {
		return meta, nil
	}

	query := `SELECT ` + coalescedList(s.metaCols) + ` FROM reports WHERE report_id = $1`

	values := make([]string, len(s.metaCols))
	dests := make([]any, len(s.metaCols))

	for i := range values {
		dests[i] = &values[i]
	}

	err := s.conn.QueryRowContext(ctx, query, reportID).Scan(dests...)

	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for report %s: %w", reportID, err)
	}

	for i, col := range s.metaCols {
		if values[i] != "" {
			meta[col] = values[i]
		}
	}

	return meta, nil
}

// coalescedList renders "COALESCE(col, '')" terms for the probed columns.
// The names come from the fixed probe list, never from input.
func coalescedList(cols []string) string {
	terms := make([]string, len(cols))

	for i, col := range cols {
		terms[i] = "COALESCE(" + col + ", '')"
	}

	return strings.Join(terms, ", ")
}
