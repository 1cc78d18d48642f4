package outbox

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/auditbridge-io/auditbridge/internal/config"
	"github.com/auditbridge-io/auditbridge/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := config.SetupTestDatabase(context.Background(), t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return testDB.Connection
}

func seedScoredReport(t *testing.T, db *sql.DB, reportID, cert string) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO reports (report_id, completed_at, certification_number, ingest_run_id)
		 VALUES ($1, NOW(), NULLIF($2, ''), 'run-ingest')`,
		reportID, cert,
	)
	require.NoError(t, err)

	_, err = db.Exec(
		`INSERT INTO scores (report_id, rule_set_name, rule_set_version,
		                     major_count, minor_count, outcome, score_run_id, scored_at)
		 VALUES ($1, 'PV', 'v2', 1, 0, 'Fail', 'run-score', NOW())`,
		reportID,
	)
	require.NoError(t, err)
}

func seedInstallation(t *testing.T, db *sql.DB, cert, installerID, email, company string) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO installer (installer_id, company_name, contact_email)
		 VALUES ($1, $2, NULLIF($3, ''))
		 ON CONFLICT (installer_id) DO NOTHING`,
		installerID, company, email,
	)
	require.NoError(t, err)

	_, err = db.Exec(
		`INSERT INTO installation (certificate_number, installer_id) VALUES ($1, $2)`,
		cert, installerID,
	)
	require.NoError(t, err)
}

func outboxCount(t *testing.T, db *sql.DB) int {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM email_outbox`).Scan(&count))

	return count
}

func TestMaterialiseAllScope(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	seedScoredReport(t, db, "R1", "MCS-001")
	seedInstallation(t, db, "MCS-001", "INST-1", "installer@example.com", "Acme Solar")

	m := New(storage.NewConnectionFromDB(db), discardLogger())

	result, err := m.Materialise(ctx, ScopeAll, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Inserted)
	assert.Zero(t, result.SkippedAlreadyExists)
	assert.Zero(t, result.MissingRecipient)

	var recipient, company, template, status string
	require.NoError(t, db.QueryRow(
		`SELECT recipient_email, company_name, template_name, status
		 FROM email_outbox WHERE report_id = 'R1'`).
		Scan(&recipient, &company, &template, &status))

	assert.Equal(t, "installer@example.com", recipient)
	assert.Equal(t, "Acme Solar", company)
	assert.Equal(t, "audit-pv-v2", template)
	assert.Equal(t, "Pending", status)
}

func TestMaterialiseIdempotent(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	seedScoredReport(t, db, "R1", "MCS-001")

	m := New(storage.NewConnectionFromDB(db), discardLogger())

	first, err := m.Materialise(ctx, ScopeAll, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	// A second run finds the existing row and inserts nothing.
	second, err := m.Materialise(ctx, ScopeAll, nil)
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 1, second.SkippedAlreadyExists)

	assert.Equal(t, 1, outboxCount(t, db))
}

func TestMaterialiseBatchScope(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	seedScoredReport(t, db, "IN-BATCH", "")
	seedScoredReport(t, db, "OUT-OF-BATCH", "")

	m := New(storage.NewConnectionFromDB(db), discardLogger())

	result, err := m.Materialise(ctx, ScopeBatch, []string{"IN-BATCH"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)

	var reportID string
	require.NoError(t, db.QueryRow(`SELECT report_id FROM email_outbox`).Scan(&reportID))
	assert.Equal(t, "IN-BATCH", reportID)

	// A later all-scope run picks up the remainder.
	result, err = m.Materialise(ctx, ScopeAll, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.SkippedAlreadyExists)
}

func TestMaterialiseEmptyBatch(t *testing.T) {
	db := setupDB(t)

	seedScoredReport(t, db, "R1", "")

	m := New(storage.NewConnectionFromDB(db), discardLogger())

	result, err := m.Materialise(context.Background(), ScopeBatch, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.Zero(t, outboxCount(t, db))
}

func TestMaterialiseMissingRecipient(t *testing.T) {
	db := setupDB(t)

	// No installation row at all, and one whose installer has no email.
	seedScoredReport(t, db, "R-NO-INST", "MCS-404")
	seedScoredReport(t, db, "R-NO-EMAIL", "MCS-002")
	seedInstallation(t, db, "MCS-002", "INST-2", "", "Quiet Installers Ltd")

	m := New(storage.NewConnectionFromDB(db), discardLogger())

	result, err := m.Materialise(context.Background(), ScopeAll, nil)
	require.NoError(t, err)

	// Rows are inserted anyway so a backfill can target them later.
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 2, result.MissingRecipient)
	assert.Equal(t, 2, outboxCount(t, db))

	var recipient sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT recipient_email FROM email_outbox WHERE report_id = 'R-NO-EMAIL'`).Scan(&recipient))
	assert.False(t, recipient.Valid)
}

func TestMaterialiseTemplateOverride(t *testing.T) {
	db := setupDB(t)

	seedScoredReport(t, db, "R1", "")

	m := New(storage.NewConnectionFromDB(db), discardLogger(),
		WithTemplateOverrides(map[string]string{"PV|v2": "custom-pv-template"}),
	)

	_, err := m.Materialise(context.Background(), ScopeAll, nil)
	require.NoError(t, err)

	var template string
	require.NoError(t, db.QueryRow(`SELECT template_name FROM email_outbox`).Scan(&template))
	assert.Equal(t, "custom-pv-template", template)
}

func TestMaterialiseDryRun(t *testing.T) {
	db := setupDB(t)

	seedScoredReport(t, db, "R1", "")

	m := New(storage.NewConnectionFromDB(db), discardLogger(), WithDryRun())

	result, err := m.Materialise(context.Background(), ScopeAll, nil)
	require.NoError(t, err)

	// Counts are computed but nothing is written.
	assert.Equal(t, 1, result.Inserted)
	assert.Zero(t, outboxCount(t, db))
}

func TestMaterialiseUnknownScope(t *testing.T) {
	db := setupDB(t)

	m := New(storage.NewConnectionFromDB(db), discardLogger())

	_, err := m.Materialise(context.Background(), "everything", nil)
	assert.Error(t, err)
}
