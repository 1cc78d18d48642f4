package pipeline

import (
	"fmt"
	"sync/atomic"
)

// Counters aggregates per-run outcome counts across the worker pool. All
// fields are atomics because enrich and score outcomes are recorded
// concurrently.
type Counters struct {
	Fetched  atomic.Int64
	Eligible atomic.Int64
	Selected atomic.Int64

	Ingested               atomic.Int64
	IngestAlreadyProcessed atomic.Int64
	IngestFailed           atomic.Int64

	DetailsProcessed        atomic.Int64
	DetailsAlreadyProcessed atomic.Int64
	DetailsFailed           atomic.Int64
	CertMissing             atomic.Int64

	SkippedNotEligible    atomic.Int64
	ScoreProcessed        atomic.Int64
	ScoreAlreadyProcessed atomic.Int64
	ScoreFailed           atomic.Int64

	EmailOutboxInserted   atomic.Int64
	EmailOutboxSkipped    atomic.Int64
	EmailMissingRecipient atomic.Int64
}

// Summary renders the single-line counter summary recorded in run history.
func (c *Counters) Summary() string {
	return fmt.Sprintf(
		"Fetched=%d Eligible=%d Selected=%d "+
			"Ingested=%d IngestAlreadyProcessed=%d IngestFailed=%d "+
			"DetailsProcessed=%d DetailsAlreadyProcessed=%d DetailsFailed=%d CertMissing=%d "+
			"SkippedNotEligible=%d ScoreProcessed=%d ScoreAlreadyProcessed=%d ScoreFailed=%d "+
			"EmailOutboxInserted=%d EmailOutboxSkipped=%d EmailMissingRecipient=%d",
		c.Fetched.Load(), c.Eligible.Load(), c.Selected.Load(),
		c.Ingested.Load(), c.IngestAlreadyProcessed.Load(), c.IngestFailed.Load(),
		c.DetailsProcessed.Load(), c.DetailsAlreadyProcessed.Load(), c.DetailsFailed.Load(), c.CertMissing.Load(),
		c.SkippedNotEligible.Load(), c.ScoreProcessed.Load(), c.ScoreAlreadyProcessed.Load(), c.ScoreFailed.Load(),
		c.EmailOutboxInserted.Load(), c.EmailOutboxSkipped.Load(), c.EmailMissingRecipient.Load(),
	)
}
