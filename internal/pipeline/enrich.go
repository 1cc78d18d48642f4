package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/auditbridge-io/auditbridge/internal/clock"
)

// Column width limits, mirrored from the schema.
const (
	maxCertLen         = 100
	maxSectionLen      = 200
	maxQuestionTextLen = 1000
	maxAnswerValueLen  = 4000
)

var (
	// ErrNoDetailRows is returned when the details response contains no
	// Detail-tagged rows. Per-item, not retried.
	ErrNoDetailRows = errors.New("details response contains no detail rows")
)

var certQuestionPattern = regexp.MustCompile(`(?i)certificate number`)

// DetailsFetcher is the slice of the API client the enrich stage needs.
type DetailsFetcher interface {
	FetchDetails(ctx context.Context, reportID string) ([]map[string]any, error)
}

// Enricher fetches per-report details, extracts the certification number and
// per-question answers, and persists them in one transaction per report.
type Enricher struct {
	store        Store
	api          DetailsFetcher
	clock        clock.Clock
	logger       *slog.Logger
	validateKeys bool
}

// NewEnricher creates the enrich stage. When validateKeys is set, every
// text-derived question key is checked for derivation stability and logged
// when unstable.
func NewEnricher(store Store, api DetailsFetcher, clk clock.Clock, logger *slog.Logger, validateKeys bool) *Enricher {
	return &Enricher{store: store, api: api, clock: clk, logger: logger, validateKeys: validateKeys}
}

// EnrichOutcome reports what one enrichment did, carrying the in-memory
// answer map and raw payload forward so scoring can avoid a store round-trip.
type EnrichOutcome struct {
	Answers          map[string]string
	Payload          []map[string]any
	AlreadyProcessed bool
	CertMissing      bool
}

// Enrich fetches and persists details for one report.
func (e *Enricher) Enrich(ctx context.Context, reportID, runID string) (*EnrichOutcome, error) {
	rows, err := e.api.FetchDetails(ctx, reportID)
	if err != nil {
		return nil, err
	}

	details := detailRows(rows)
	if len(details) == 0 {
		return nil, fmt.Errorf("%w: report %s", ErrNoDetailRows, reportID)
	}

	cert := extractCert(details)
	answers := e.extractAnswers(reportID, runID, details)

	outcome, err := e.persist(ctx, reportID, runID, cert, answers)
	if err != nil {
		return nil, err
	}

	outcome.Payload = rows
	outcome.Answers = make(map[string]string, len(answers))

	for _, a := range answers {
		value := ""
		if a.AnswerValue != nil {
			value = *a.AnswerValue
		}

		outcome.Answers[a.QuestionKey] = value
	}

	return outcome, nil
}

// persist applies one report's enrichment in a single transaction: the cert
// update (only when still empty), the answer inserts, and the ledger
// acquisition, which is only taken once at least one answer row exists.
func (e *Enricher) persist(ctx context.Context, reportID, runID, cert string, answers []Answer) (*EnrichOutcome, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if cert != "" {
		if err := e.store.UpdateReportCertIfEmpty(ctx, tx, reportID, cert); err != nil {
			return nil, err
		}
	}

	for _, answer := range answers {
		if err := e.store.InsertAnswerIfAbsent(ctx, tx, answer); err != nil {
			return nil, err
		}
	}

	count, err := e.store.CountAnswers(ctx, tx, reportID)
	if err != nil {
		return nil, err
	}

	// Dry-run transactions cannot observe their own suppressed writes.
	if count < len(answers) {
		count = len(answers)
	}

	storedCert, err := e.store.ReportCert(ctx, tx, reportID)
	if err != nil {
		return nil, err
	}

	outcome := &EnrichOutcome{}

	if count > 0 {
		acquired, err := e.store.TryMarkProcessed(ctx, tx, JobEnrich, reportID, runID, e.clock.Now())
		if err != nil {
			return nil, err
		}

		outcome.AlreadyProcessed = !acquired

		if storedCert == "" && cert == "" {
			outcome.CertMissing = true
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enrichment: %w", err)
	}

	return outcome, nil
}

// detailRows filters the response down to rows tagged RecordType=Detail.
func detailRows(rows []map[string]any) []map[string]any {
	details := make([]map[string]any, 0, len(rows))

	for _, row := range rows {
		if tag, ok := row["RecordType"].(string); ok && tag == "Detail" {
			details = append(details, row)
		}
	}

	return details
}

// extractCert finds the certification number: the first detail row whose
// QUESTION_ID is "1" or whose question text mentions the certificate number.
func extractCert(details []map[string]any) string {
	for _, row := range details {
		id, _ := coerceScalar(row["QUESTION_ID"])
		question, _ := row["Question"].(string)

		if strings.TrimSpace(id) != "1" && !certQuestionPattern.MatchString(question) {
			continue
		}

		cert := strings.TrimSpace(answerString(row["Answer"]))

		return truncate(cert, maxCertLen)
	}

	return ""
}

// extractAnswers builds the answer rows for one report, de-duplicating by
// question key with first occurrence winning.
func (e *Enricher) extractAnswers(reportID, runID string, details []map[string]any) []Answer {
	answers := make([]Answer, 0, len(details))
	seen := make(map[string]struct{}, len(details))

	for _, row := range details {
		id, _ := coerceScalar(row["QUESTION_ID"])
		question, _ := row["Question"].(string)

		key := DeriveQuestionKey(id, question)
		if key == "" {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		if e.validateKeys && strings.TrimSpace(id) == "" && !IsStableQuestionKey(key) {
			e.logger.Warn("derived question key is not derivation-stable",
				slog.String("report_id", reportID),
				slog.String("question_key", key),
			)
		}

		answers = append(answers, Answer{
			ReportID:     reportID,
			QuestionKey:  key,
			AnswerValue:  answerValue(row["Answer"]),
			Section:      sectionValue(row),
			QuestionText: truncate(strings.TrimSpace(question), maxQuestionTextLen),
			EnrichRunID:  runID,
		})
	}

	return answers
}

// answerValue renders an answer for persistence: nil stays NULL, scalars are
// coerced, structured values are JSON-serialised, everything is truncated.
func answerValue(v any) *string {
	if v == nil {
		return nil
	}

	s := truncate(answerString(v), maxAnswerValueLen)

	return &s
}

// answerString gives the string form of any JSON value.
func answerString(v any) string {
	if v == nil {
		return ""
	}

	if s, ok := coerceScalar(v); ok {
		return s
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	return string(data)
}

// sectionValue joins Section and GroupName unless the group is absent or the
// literal placeholder "N/A".
func sectionValue(row map[string]any) string {
	section, _ := row["Section"].(string)
	section = strings.TrimSpace(section)

	group, _ := row["GroupName"].(string)
	group = strings.TrimSpace(group)

	if group != "" && group != "N/A" {
		section = section + " | " + group
	}

	return truncate(section, maxSectionLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}
