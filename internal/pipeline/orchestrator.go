package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/auditbridge-io/auditbridge/internal/clock"
	"github.com/auditbridge-io/auditbridge/internal/config"
	"github.com/auditbridge-io/auditbridge/internal/goaudits"
	"github.com/auditbridge-io/auditbridge/internal/rules"
)

// finishTimeout bounds the best-effort run-history update when the run
// context is already cancelled.
const finishTimeout = 10 * time.Second

// maxRunMessageLen matches the run-history message column width.
const maxRunMessageLen = 4000

// API is the slice of the GoAudits client the orchestrator drives.
type API interface {
	FetchSummary(ctx context.Context, start, end time.Time) ([]map[string]any, error)
	DetailsFetcher
}

// OutboxResult reports what one materialisation pass did.
type OutboxResult struct {
	Inserted             int
	SkippedAlreadyExists int
	MissingRecipient     int
}

// OutboxMaterialiser inserts pending notification rows for scored reports.
// scope is "all" or "batch"; reportIDs applies only to batch scope.
type OutboxMaterialiser interface {
	Materialise(ctx context.Context, scope string, reportIDs []string) (OutboxResult, error)
}

// Orchestrator runs one batch end to end: run-history acquisition, summary
// fetch, ingest with watermark advancement, the bounded worker pool for
// per-report enrich/resolve/score, optional outbox materialisation, and
// run-history finalisation.
type Orchestrator struct {
	cfg      *config.Pipeline
	store    Store
	api      API
	loader   *rules.Loader
	resolver *rules.Resolver
	outbox   OutboxMaterialiser // nil when materialisation is disabled
	clock    clock.Clock
	logger   *slog.Logger

	ingester *Ingester
	enricher *Enricher
	scorer   *Scorer

	counters Counters
	hasMeta  bool
}

// NewOrchestrator wires the pipeline. outbox may be nil when
// MATERIALISE_EMAIL is off.
func NewOrchestrator(
	cfg *config.Pipeline,
	store Store,
	api API,
	loader *rules.Loader,
	resolver *rules.Resolver,
	outbox OutboxMaterialiser,
	clk clock.Clock,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		api:      api,
		loader:   loader,
		resolver: resolver,
		outbox:   outbox,
		clock:    clk,
		logger:   logger,
		ingester: NewIngester(store, clk, logger),
		enricher: NewEnricher(store, api, clk, logger, cfg.ValidateKeys),
		scorer:   NewScorer(store, clk, logger),
	}
}

// Counters exposes the run's counters, primarily for tests and callers that
// report beyond the run-history message.
func (o *Orchestrator) Counters() *Counters {
	return &o.counters
}

// Run executes one batch. The returned error is the run-level failure, if
// any; per-item failures surface only through counters and log lines.
func (o *Orchestrator) Run(ctx context.Context) error {
	runID := uuid.NewString()
	correlationID := uuid.NewString()

	logger := o.logger.With(
		slog.String("run_id", runID),
		slog.String("correlation_id", correlationID),
	)

	if err := o.store.InsertRun(ctx, runID, JobPipeline, correlationID, o.clock.Now()); err != nil {
		return fmt.Errorf("failed to insert run history: %w", err)
	}

	logger.Info("pipeline run started",
		slog.Int("batch_size", o.cfg.BatchSize),
		slog.Bool("dry_run", o.cfg.DryRun),
	)

	runErr := o.run(ctx, runID, logger)

	o.finishRun(runID, runErr, logger)

	return runErr
}

func (o *Orchestrator) run(ctx context.Context, runID string, logger *slog.Logger) error {
	var err error

	o.hasMeta, err = o.store.HasMetadataColumns(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe metadata columns: %w", err)
	}

	watermark, exists, err := o.store.GetWatermark(ctx, JobIngest)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}

	bounds := o.bounds(watermark)

	start := bounds.Lower
	end := o.clock.Now()

	if bounds.HasUpper {
		end = bounds.Upper
	}

	records, err := o.api.FetchSummary(ctx, start, end)
	if err != nil {
		return fmt.Errorf("summary fetch failed: %w", err)
	}

	batch := o.ingester.SelectBatch(records, bounds, o.cfg.BatchSize, &o.counters)

	logger.Info("batch selected",
		slog.Int64("fetched", o.counters.Fetched.Load()),
		slog.Int64("eligible", o.counters.Eligible.Load()),
		slog.Int("selected", len(batch)),
		slog.Time("watermark", watermark),
	)

	if err := o.ingester.Ingest(ctx, batch, runID, watermark, exists, &o.counters); err != nil {
		return err
	}

	if err := o.processBatch(ctx, batch, runID, logger); err != nil {
		return err
	}

	return o.materialise(ctx, batch, logger)
}

// bounds derives the eligibility window from the watermark and the optional
// start/end overrides.
func (o *Orchestrator) bounds(watermark time.Time) Bounds {
	bounds := Bounds{Lower: watermark}

	if o.cfg.HasStart && o.cfg.StartOverride.After(bounds.Lower) {
		bounds.Lower = o.cfg.StartOverride
	}

	if o.cfg.HasEnd {
		bounds.Upper = o.cfg.EndOverride
		bounds.HasUpper = true
	}

	return bounds
}

// processBatch drains the batch through the worker pool. Per-item failures
// are counted; only fatal-auth and malformed-rule failures cancel the group.
func (o *Orchestrator) processBatch(ctx context.Context, batch []SummaryItem, runID string, logger *slog.Logger) error {
	queue := make(chan SummaryItem, len(batch))

	for _, item := range batch {
		queue <- item
	}

	close(queue)

	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < o.cfg.DetailsConcurrency; w++ {
		g.Go(func() error {
			for item := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}

				if err := o.processItem(gctx, item, runID, logger); err != nil {
					return err
				}
			}

			return nil
		})
	}

	return g.Wait()
}

// processItem runs enrich, ruleset resolution, and score for one report.
// A nil return means the item is done, skipped, or counted as failed.
func (o *Orchestrator) processItem(ctx context.Context, item SummaryItem, runID string, logger *slog.Logger) error {
	var (
		answers map[string]string
		payload []map[string]any
	)

	enriched, err := o.store.IsProcessed(ctx, JobEnrich, item.ReportID)
	if err != nil {
		o.counters.DetailsFailed.Add(1)
		logger.Error("failed to check enrichment ledger",
			slog.String("report_id", item.ReportID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if enriched {
		o.counters.DetailsAlreadyProcessed.Add(1)
	} else {
		outcome, err := o.enricher.Enrich(ctx, item.ReportID, runID)
		if err != nil {
			if goaudits.IsFatalAuth(err) {
				return fmt.Errorf("report %s: %w", item.ReportID, err)
			}

			o.counters.DetailsFailed.Add(1)
			logger.Error("report enrichment failed",
				slog.String("report_id", item.ReportID),
				slog.String("error", err.Error()),
			)

			return nil
		}

		if outcome.AlreadyProcessed {
			o.counters.DetailsAlreadyProcessed.Add(1)
		} else {
			o.counters.DetailsProcessed.Add(1)
		}

		if outcome.CertMissing {
			o.counters.CertMissing.Add(1)
		}

		answers = outcome.Answers
		payload = outcome.Payload
	}

	if answers == nil {
		answers, err = o.store.LoadAnswers(ctx, item.ReportID)
		if err != nil {
			o.counters.ScoreFailed.Add(1)
			logger.Error("failed to load answers for scoring",
				slog.String("report_id", item.ReportID),
				slog.String("error", err.Error()),
			)

			return nil
		}
	}

	if len(answers) == 0 {
		o.counters.SkippedNotEligible.Add(1)
		logger.Info("report skipped, no answers to score",
			slog.String("report_id", item.ReportID),
		)

		return nil
	}

	meta := map[string]string{}

	if o.hasMeta {
		meta, err = o.store.LoadReportMetadata(ctx, item.ReportID)
		if err != nil {
			o.counters.ScoreFailed.Add(1)
			logger.Error("failed to load report metadata",
				slog.String("report_id", item.ReportID),
				slog.String("error", err.Error()),
			)

			return nil
		}
	}

	if payload == nil {
		payload = []map[string]any{item.Raw}
	}

	questionKeys := make([]string, 0, len(answers))
	for key := range answers {
		questionKeys = append(questionKeys, key)
	}

	resolution, err := o.resolver.Resolve(meta, payload, questionKeys)
	if err != nil {
		// Malformed rule documents fail the run, not the item.
		return fmt.Errorf("report %s: %w", item.ReportID, err)
	}

	if !resolution.Resolved {
		o.counters.SkippedNotEligible.Add(1)
		logger.Info("report skipped, rule set unresolved",
			slog.String("report_id", item.ReportID),
			slog.String("reason", resolution.Reason),
		)

		return nil
	}

	doc, err := o.loader.Load(resolution.Name, resolution.Version)
	if err != nil {
		return fmt.Errorf("report %s: %w", item.ReportID, err)
	}

	outcome, err := o.scorer.Score(ctx, item.ReportID, doc, answers, runID)
	if err != nil {
		if errors.Is(err, rules.ErrBadRule) {
			return fmt.Errorf("report %s: %w", item.ReportID, err)
		}

		o.counters.ScoreFailed.Add(1)
		logger.Error("report scoring failed",
			slog.String("report_id", item.ReportID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	switch {
	case outcome.NotEligible:
		o.counters.SkippedNotEligible.Add(1)
	case outcome.AlreadyProcessed:
		o.counters.ScoreAlreadyProcessed.Add(1)
	default:
		o.counters.ScoreProcessed.Add(1)
	}

	return nil
}

// materialise inserts pending outbox rows when enabled.
func (o *Orchestrator) materialise(ctx context.Context, batch []SummaryItem, logger *slog.Logger) error {
	if !o.cfg.MaterialiseEmail || o.outbox == nil {
		return nil
	}

	var reportIDs []string

	if o.cfg.MaterialiseScope == "batch" {
		reportIDs = make([]string, 0, len(batch))
		for _, item := range batch {
			reportIDs = append(reportIDs, item.ReportID)
		}
	}

	result, err := o.outbox.Materialise(ctx, o.cfg.MaterialiseScope, reportIDs)
	if err != nil {
		return fmt.Errorf("outbox materialisation failed: %w", err)
	}

	o.counters.EmailOutboxInserted.Add(int64(result.Inserted))
	o.counters.EmailOutboxSkipped.Add(int64(result.SkippedAlreadyExists))
	o.counters.EmailMissingRecipient.Add(int64(result.MissingRecipient))

	logger.Info("outbox materialised",
		slog.String("scope", o.cfg.MaterialiseScope),
		slog.Int("inserted", result.Inserted),
		slog.Int("skipped_already_exists", result.SkippedAlreadyExists),
		slog.Int("missing_recipient", result.MissingRecipient),
	)

	return nil
}

// finishRun closes the run-history row. Runs on a fresh context so a
// cancelled run still records its terminal state.
func (o *Orchestrator) finishRun(runID string, runErr error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	status := StatusSucceeded
	message := o.counters.Summary()

	if runErr != nil {
		status = StatusFailed
		message = message + " | Error: " + runErr.Error()
	}

	if len(message) > maxRunMessageLen {
		message = message[:maxRunMessageLen]
	}

	if err := o.store.FinishRun(ctx, runID, status, message, o.clock.Now()); err != nil {
		logger.Error("failed to finalise run history",
			slog.String("error", err.Error()),
		)
	}

	logger.Info("pipeline run finished",
		slog.String("status", string(status)),
		slog.String("summary", o.counters.Summary()),
	)
}
