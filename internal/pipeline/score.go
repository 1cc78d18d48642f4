package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/auditbridge-io/auditbridge/internal/clock"
	"github.com/auditbridge-io/auditbridge/internal/rules"
)

// Scorer evaluates a resolved rule document over a report's answers and
// persists findings plus the score roll-up, guarded by a per-version ledger
// acquisition.
type Scorer struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewScorer creates the score stage.
func NewScorer(store Store, clk clock.Clock, logger *slog.Logger) *Scorer {
	return &Scorer{store: store, clock: clk, logger: logger}
}

// ScoreOutcome reports what one scoring attempt did.
type ScoreOutcome struct {
	AlreadyProcessed bool
	NotEligible      bool
	Evaluation       *rules.Evaluation
}

// Score evaluates doc over answers for one report and persists the result.
//
// The report is eligible only when at least one answered question key appears
// in the document's eligibility set; otherwise nothing is written. The ledger
// insert is the first statement of the transaction, so a duplicate
// acquisition commits nothing. A malformed rule during evaluation surfaces as
// an error wrapping rules.ErrBadRule, which callers treat as run-fatal.
func (s *Scorer) Score(
	ctx context.Context,
	reportID string,
	doc *rules.Document,
	answers map[string]string,
	runID string,
) (*ScoreOutcome, error) {
	if !eligibleForScoring(doc, answers) {
		return &ScoreOutcome{NotEligible: true}, nil
	}

	eval, err := rules.Evaluate(doc, answers)
	if err != nil {
		return nil, fmt.Errorf("rule set %s %s: %w", doc.RuleSetName, doc.RuleSetVersion, err)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	now := s.clock.Now()
	itemKey := ScoreItemKey(reportID, doc.RuleSetName, doc.RuleSetVersion)

	acquired, err := s.store.TryMarkProcessed(ctx, tx, JobScore, itemKey, runID, now)
	if err != nil {
		return nil, err
	}

	if !acquired {
		return &ScoreOutcome{AlreadyProcessed: true}, nil
	}

	for _, finding := range eval.Findings {
		row := FindingRow{
			ReportID:       reportID,
			RuleSetName:    doc.RuleSetName,
			RuleSetVersion: doc.RuleSetVersion,
			QuestionKey:    finding.QuestionKey,
			AnswerValue:    finding.AnswerValue,
			Severity:       finding.Severity,
			FindingCode:    finding.Code,
			MajorText:      finding.MajorText,
			MinorText:      finding.MinorText,
			ScoreRunID:     runID,
		}

		if err := s.store.InsertFinding(ctx, tx, row); err != nil {
			return nil, err
		}
	}

	score := ScoreRow{
		ReportID:       reportID,
		RuleSetName:    doc.RuleSetName,
		RuleSetVersion: doc.RuleSetVersion,
		MajorCount:     eval.MajorCount,
		MinorCount:     eval.MinorCount,
		ScoreValue:     eval.ScoreValue,
		Outcome:        eval.Outcome,
		ScoreRunID:     runID,
		ScoredAt:       now,
	}

	if err := s.store.UpsertScore(ctx, tx, score); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit score: %w", err)
	}

	s.logger.Info("report scored",
		slog.String("report_id", reportID),
		slog.String("rule_set", doc.RuleSetName),
		slog.String("version", doc.RuleSetVersion),
		slog.String("outcome", eval.Outcome),
		slog.Int("major_count", eval.MajorCount),
		slog.Int("minor_count", eval.MinorCount),
	)

	return &ScoreOutcome{Evaluation: eval}, nil
}

// eligibleForScoring requires a non-empty answer map sharing at least one key
// with the document's eligibility set.
func eligibleForScoring(doc *rules.Document, answers map[string]string) bool {
	if len(answers) == 0 {
		return false
	}

	eligible := doc.EligibilityKeys()

	for key := range answers {
		if _, ok := eligible[key]; ok {
			return true
		}
	}

	return false
}
