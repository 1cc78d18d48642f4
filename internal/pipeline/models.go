// Package pipeline implements the unified GoAudits batch pipeline: ingest of
// summary records into report rows, enrichment with per-question answers,
// rule-driven scoring, and orchestration with per-item idempotency.
//
// The package defines the Store interface it needs for persistence; the
// concrete PostgreSQL implementation lives in internal/storage.
package pipeline

import (
	"time"

	"github.com/auditbridge-io/auditbridge/internal/rules"
)

// Ledger job names. Each stage acquires items under its own name so a report
// can be independently idempotent per stage.
const (
	JobIngest = "GoAuditsIngestion"
	JobEnrich = "GoAuditsEnrichment"
	JobScore  = "GoAuditsScoring"

	// JobPipeline names the unified run in run history.
	JobPipeline = "GoAuditsPipeline"
)

// RunStatus is the lifecycle state of a run-history row.
type RunStatus string

// Run states.
const (
	StatusRunning   RunStatus = "Running"
	StatusSucceeded RunStatus = "Succeeded"
	StatusFailed    RunStatus = "Failed"
)

type (
	// Report is the materialised report row. Empty optional strings are
	// persisted as SQL NULL.
	Report struct {
		ReportID            string
		CompletedAt         time.Time
		CertificationNumber string
		IngestRunID         string

		// Optional metadata columns, present only in deployments whose
		// schema carries them (probed once per run).
		RuleSetName    string
		TechnologyType string
		AssessmentType string
		TemplateName   string
	}

	// Answer is one extracted question/answer pair. A nil AnswerValue is
	// persisted as SQL NULL.
	Answer struct {
		ReportID     string
		QuestionKey  string
		AnswerValue  *string
		Section      string
		QuestionText string
		EnrichRunID  string
	}

	// FindingRow is a persisted non-compliance event. Exactly one of
	// MajorText/MinorText is non-nil, matching Severity.
	FindingRow struct {
		ReportID       string
		RuleSetName    string
		RuleSetVersion string
		QuestionKey    string
		AnswerValue    string
		Severity       rules.Severity
		FindingCode    string
		MajorText      *string
		MinorText      *string
		ScoreRunID     string
	}

	// ScoreRow is the roll-up record for a (report, rule set version).
	ScoreRow struct {
		ReportID       string
		RuleSetName    string
		RuleSetVersion string
		MajorCount     int
		MinorCount     int
		ScoreValue     *string
		Outcome        string
		ScoreRunID     string
		ScoredAt       time.Time
	}
)

// ScoreItemKey builds the ledger item key for a scoring acquisition.
func ScoreItemKey(reportID, name, version string) string {
	return reportID + "|" + name + "|" + version
}
