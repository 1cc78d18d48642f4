package pipeline

import (
	"strconv"
	"strings"
	"time"
)

// Field aliases observed across summary payload variants. First non-null wins.
var (
	reportIDAliases = []string{"ID", "Id", "auditId", "audit_id", "id", "reportId", "report_id"}

	certAliases = []string{
		"CertificationNumber", "certificationNumber", "certification_number",
		"CertificateNumber", "certificateNumber", "certificate_number",
		"CertNo", "cert_no",
	}
)

// SummaryItem is one summary record with its typed fields extracted. Raw keeps
// the opaque record for downstream ruleset-resolution heuristics.
type SummaryItem struct {
	ReportID    string
	CompletedAt time.Time
	Cert        string
	Raw         map[string]any
}

// ParseSummaryRecord extracts the typed fields from one summary record.
// Returns false when the record lacks a report ID or a parseable completion
// instant; such records are not eligible for ingestion.
func ParseSummaryRecord(rec map[string]any) (SummaryItem, bool) {
	reportID := firstScalar(rec, reportIDAliases)
	if reportID == "" {
		return SummaryItem{}, false
	}

	completedAt, ok := completionInstant(rec)
	if !ok {
		return SummaryItem{}, false
	}

	return SummaryItem{
		ReportID:    reportID,
		CompletedAt: completedAt,
		Cert:        firstScalar(rec, certAliases),
		Raw:         rec,
	}, true
}

// completionInstant prefers Updated_On, then EndTime, then Date.
func completionInstant(rec map[string]any) (time.Time, bool) {
	for _, field := range []string{"Updated_On", "EndTime", "Date"} {
		raw, ok := rec[field].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}

		if t, ok := parseUTCInstant(raw); ok {
			return t, true
		}
	}

	return time.Time{}, false
}

// parseUTCInstant parses the provider's "YYYY-MM-DD HH:MM:SS" form by
// inserting T and appending Z, and also accepts RFC3339 and bare dates.
func parseUTCInstant(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)

	if strings.Contains(raw, " ") {
		raw = strings.Replace(raw, " ", "T", 1) + "Z"
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}

	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true
	}

	return time.Time{}, false
}

// firstScalar returns the first alias whose value is a non-null scalar,
// coerced to its string form.
func firstScalar(rec map[string]any, aliases []string) string {
	for _, alias := range aliases {
		v, ok := rec[alias]
		if !ok || v == nil {
			continue
		}

		if s, ok := coerceScalar(v); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}

	return ""
}

// coerceScalar converts a JSON scalar to its string form. Numbers arrive as
// float64 from encoding/json; integral values must not gain a fraction.
func coerceScalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}
