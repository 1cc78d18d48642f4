// Package outbox materialises pending notification rows from scored reports.
// It only inserts; sending is a downstream concern.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/auditbridge-io/auditbridge/internal/pipeline"
	"github.com/auditbridge-io/auditbridge/internal/storage"
)

// ScopeAll materialises every score without an outbox row; ScopeBatch
// restricts to a supplied report set via a temporary table.
const (
	ScopeAll   = "all"
	ScopeBatch = "batch"
)

// candidate is one score joined with its installation/installer lookups.
type candidate struct {
	reportID       string
	ruleSetName    string
	ruleSetVersion string
	certificate    string
	recipientEmail string
	companyName    string
}

// Materialiser inserts Pending outbox rows for scores that have none yet.
// Idempotency comes from the NOT EXISTS sub-query, so repeated runs only add
// rows for newly scored reports.
type Materialiser struct {
	conn      *storage.Connection
	templates map[string]string // "name|version" → template override
	logger    *slog.Logger
	dryRun    bool
}

// Compile-time check against the orchestrator's contract.
var _ pipeline.OutboxMaterialiser = (*Materialiser)(nil)

// Option configures optional Materialiser behavior.
type Option func(*Materialiser)

// WithTemplateOverrides replaces derived template names for specific
// (rule set name, version) pairs. Keys use the "name|version" form.
func WithTemplateOverrides(overrides map[string]string) Option {
	return func(m *Materialiser) {
		m.templates = overrides
	}
}

// WithDryRun suppresses inserts while still computing counts.
func WithDryRun() Option {
	return func(m *Materialiser) {
		m.dryRun = true
	}
}

// New creates a Materialiser over an established connection.
func New(conn *storage.Connection, logger *slog.Logger, opts ...Option) *Materialiser {
	m := &Materialiser{
		conn:      conn,
		templates: make(map[string]string),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Materialise inserts one Pending row per score lacking an outbox row.
// Rows without a resolvable recipient are still inserted and counted, so a
// later backfill can target them by status.
func (m *Materialiser) Materialise(ctx context.Context, scope string, reportIDs []string) (pipeline.OutboxResult, error) {
	if scope != ScopeAll && scope != ScopeBatch {
		return pipeline.OutboxResult{}, fmt.Errorf("unknown materialisation scope %q", scope)
	}

	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.OutboxResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	scoped := scope == ScopeBatch

	if scoped {
		if err := m.stageScope(ctx, tx, reportIDs); err != nil {
			return pipeline.OutboxResult{}, err
		}
	}

	result := pipeline.OutboxResult{}

	result.SkippedAlreadyExists, err = m.countExisting(ctx, tx, scoped)
	if err != nil {
		return pipeline.OutboxResult{}, err
	}

	candidates, err := m.loadCandidates(ctx, tx, scoped)
	if err != nil {
		return pipeline.OutboxResult{}, err
	}

	for _, c := range candidates {
		if c.recipientEmail == "" {
			result.MissingRecipient++
		}

		if !m.dryRun {
			if err := m.insert(ctx, tx, c); err != nil {
				return pipeline.OutboxResult{}, err
			}
		}

		result.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return pipeline.OutboxResult{}, fmt.Errorf("failed to commit outbox materialisation: %w", err)
	}

	return result, nil
}

// stageScope loads the batch's report IDs into a transaction-local temporary
// table so the candidate query can join against it.
func (m *Materialiser) stageScope(ctx context.Context, tx *sql.Tx, reportIDs []string) error {
	_, err := tx.ExecContext(ctx,
		`CREATE TEMPORARY TABLE scoped_reports (report_id TEXT PRIMARY KEY) ON COMMIT DROP`,
	)
	if err != nil {
		return fmt.Errorf("failed to create scope table: %w", err)
	}

	if len(reportIDs) == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scoped_reports (report_id)
		 SELECT DISTINCT unnest($1::text[])`,
		pq.Array(reportIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to stage scope: %w", err)
	}

	return nil
}

func scopeClause(scoped bool) string {
	if scoped {
		return ` AND s.report_id IN (SELECT report_id FROM scoped_reports)`
	}

	return ``
}

// countExisting counts in-scope scores that already have an outbox row.
func (m *Materialiser) countExisting(ctx context.Context, tx *sql.Tx, scoped bool) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM scores s
		WHERE EXISTS (
		    SELECT 1 FROM email_outbox o
		    WHERE o.report_id = s.report_id
		      AND o.rule_set_name = s.rule_set_name
		      AND o.rule_set_version = s.rule_set_version
		)` + scopeClause(scoped)

	var count int

	if err := tx.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count existing outbox rows: %w", err)
	}

	return count, nil
}

// loadCandidates selects scores without an outbox row, joined with the
// installation and installer lookups that supply recipient and company.
func (m *Materialiser) loadCandidates(ctx context.Context, tx *sql.Tx, scoped bool) ([]candidate, error) {
	query := `
		SELECT s.report_id, s.rule_set_name, s.rule_set_version,
		       COALESCE(r.certification_number, ''),
		       COALESCE(i.contact_email, ''),
		       COALESCE(i.company_name, '')
		FROM scores s
		JOIN reports r ON r.report_id = s.report_id
		LEFT JOIN installation inst ON inst.certificate_number = r.certification_number
		LEFT JOIN installer i ON i.installer_id = inst.installer_id
		WHERE NOT EXISTS (
		    SELECT 1 FROM email_outbox o
		    WHERE o.report_id = s.report_id
		      AND o.rule_set_name = s.rule_set_name
		      AND o.rule_set_version = s.rule_set_version
		)` + scopeClause(scoped) + `
		ORDER BY s.report_id, s.rule_set_name, s.rule_set_version`

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox candidates: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var candidates []candidate

	for rows.Next() {
		var c candidate

		err := rows.Scan(
			&c.reportID, &c.ruleSetName, &c.ruleSetVersion,
			&c.certificate, &c.recipientEmail, &c.companyName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox candidate: %w", err)
		}

		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox candidates: %w", err)
	}

	return candidates, nil
}

func (m *Materialiser) insert(ctx context.Context, tx *sql.Tx, c candidate) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO email_outbox (
		     report_id, rule_set_name, rule_set_version,
		     certificate_number, recipient_email, company_name, template_name
		 )
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)`,
		c.reportID, c.ruleSetName, c.ruleSetVersion,
		c.certificate, c.recipientEmail, c.companyName,
		m.templateFor(c.ruleSetName, c.ruleSetVersion),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox row (%s, %s, %s): %w",
			c.reportID, c.ruleSetName, c.ruleSetVersion, err)
	}

	return nil
}

// templateFor picks the notification template for a (name, version) pair:
// a configured override, or the derived "audit-<name>-<version>" default.
func (m *Materialiser) templateFor(name, version string) string {
	if tmpl, ok := m.templates[name+"|"+version]; ok {
		return tmpl
	}

	return "audit-" + strings.ToLower(name) + "-" + version
}
