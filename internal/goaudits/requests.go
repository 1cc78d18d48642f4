package goaudits

import (
	"time"

	"github.com/auditbridge-io/auditbridge/internal/config"
)

const (
	defaultDetailsRPS   = 5
	defaultDetailsBurst = 3
)

// Config holds the endpoint and rate-limit configuration for the client.
type Config struct {
	SummaryURL string
	DetailsURL string
	FilterID   int

	// DetailsRPS / DetailsBurst bound the call rate to the details
	// endpoint across the worker pool.
	DetailsRPS   int
	DetailsBurst int
}

// LoadConfig reads client configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		SummaryURL:   config.GetEnvStr("SUMMARY_URL", ""),
		DetailsURL:   config.GetEnvStr("DETAILS_URL", ""),
		FilterID:     config.GetEnvInt("GOAUDITS_FILTER_ID", 0),
		DetailsRPS:   config.GetEnvInt("GOAUDITS_DETAILS_RPS", defaultDetailsRPS),
		DetailsBurst: config.GetEnvInt("GOAUDITS_DETAILS_BURST", defaultDetailsBurst),
	}
}

// summaryRequest builds the summary endpoint body. The provider expects the
// full field set even when most values are empty.
func summaryRequest(start, end time.Time, filterID int) map[string]any {
	return map[string]any{
		"start_date": start.UTC().Format("2006-01-02"),
		"end_date":   end.UTC().Format("2006-01-02"),
		"status":     "Completed",
		"jsonflag":   true,
		"filterId":   filterID,
		"client":     "",
		"location":   "",
		"auditor":    "",
		"checklist":  "",
		"department": 0,
		"archive":    false,
	}
}

// detailsBaseRequest is the fixed base body the details endpoint requires to
// produce a detail-level response. The provider rejects requests missing any
// of these keys, so treat the set as an externally-defined constant.
var detailsBaseRequest = map[string]any{
	"jsonflag":    true,
	"status":      "Completed",
	"recordtype":  "Detail",
	"start_date":  "",
	"end_date":    "",
	"client":      "",
	"location":    "",
	"auditor":     "",
	"checklist":   "",
	"filterId":    0,
	"archive":     false,
	"attachments": false,
}

// detailsRequest merges audit_id into a copy of the fixed base body.
func detailsRequest(reportID string) map[string]any {
	body := make(map[string]any, len(detailsBaseRequest)+1)

	for k, v := range detailsBaseRequest {
		body[k] = v
	}

	body["audit_id"] = reportID

	return body
}
