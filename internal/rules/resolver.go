package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Metadata fields inspected by the resolver heuristics, matched
// case-insensitively as key substrings.
var metadataKeyHints = []string{"ruleset", "rule_set", "technology", "assessment", "template"}

// Resolution is the outcome of ruleset resolution for one report.
type Resolution struct {
	Name     string
	Version  string
	Resolved bool
	// Reason is a structured explanation used when the report is skipped
	// as not eligible, and records which heuristic won otherwise.
	Reason string
}

// Resolver determines which rule set applies to a report. Resolution order:
//
//  1. Report metadata fields (ruleset/technology/assessment/template keys).
//  2. The same keys inside the details payload rows.
//  3. Question-key overlap against each known rule set's eligibility keys;
//     the strictly higher count wins, a tie stays unresolved.
//
// The eligibility-key cache is read-mostly, written on first access per
// (name, version), and safe under concurrent readers.
type Resolver struct {
	loader   *Loader
	versions map[string]string // rule set name → version

	mu          sync.RWMutex
	eligibility map[cacheKey]map[string]struct{}
}

// NewResolver creates a Resolver over the loader with the given version map
// (e.g. {"PV": "v2", "HeatPump": "v3"}).
func NewResolver(loader *Loader, versions map[string]string) *Resolver {
	return &Resolver{
		loader:      loader,
		versions:    versions,
		eligibility: make(map[cacheKey]map[string]struct{}),
	}
}

// Resolve determines (name, version) for a report.
//
// meta holds the report's optional metadata columns, payload the raw details
// rows, and questionKeys the report's observed question keys. A malformed
// rule document surfaces as an error (run-level failure); an unresolvable
// report returns Resolved=false with a structured reason.
func (r *Resolver) Resolve(
	meta map[string]string,
	payload []map[string]any,
	questionKeys []string,
) (Resolution, error) {
	if name := classifyFields(meta); name != "" {
		return r.resolved(name, "metadata")
	}

	for _, row := range payload {
		fields := make(map[string]string, len(row))

		for k, v := range row {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}

		if name := classifyFields(fields); name != "" {
			return r.resolved(name, "payload")
		}
	}

	name, err := r.resolveByOverlap(questionKeys)
	if err != nil {
		return Resolution{}, err
	}

	if name != "" {
		return r.resolved(name, "question-key overlap")
	}

	return Resolution{Reason: "no metadata hint, no payload hint, no dominant question-key overlap"}, nil
}

func (r *Resolver) resolved(name, reason string) (Resolution, error) {
	version, ok := r.versions[name]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: no version configured for rule set %q", ErrBadRule, name)
	}

	return Resolution{Name: name, Version: version, Resolved: true, Reason: reason}, nil
}

// classifyFields scans hinted fields and maps their values heuristically.
// Returns "" when no field matches.
func classifyFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))

	for k := range fields {
		lower := strings.ToLower(k)
		for _, hint := range metadataKeyHints {
			if strings.Contains(lower, hint) {
				keys = append(keys, k)

				break
			}
		}
	}

	// Map iteration order is random; sort for deterministic resolution.
	sort.Strings(keys)

	for _, k := range keys {
		if name := classifyValue(fields[k]); name != "" {
			return name
		}
	}

	return ""
}

// classifyValue maps a metadata value to a rule set name by substring.
func classifyValue(value string) string {
	lower := strings.ToLower(value)

	for _, hint := range []string{"heat pump", "heatpump", "hp"} {
		if strings.Contains(lower, hint) {
			return "HeatPump"
		}
	}

	for _, hint := range []string{"pv", "photovoltaic", "solar"} {
		if strings.Contains(lower, hint) {
			return "PV"
		}
	}

	return ""
}

// resolveByOverlap counts observed question keys against each rule set's
// eligibility keys. A strictly greater count wins; a tie stays unresolved.
func (r *Resolver) resolveByOverlap(questionKeys []string) (string, error) {
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}

	sort.Strings(names)

	var (
		bestName  string
		bestCount int
		tied      bool
	)

	for _, name := range names {
		eligible, err := r.eligibilityKeys(name, r.versions[name])
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				// A rule set with no document on disk cannot be a candidate.
				continue
			}

			return "", err
		}

		count := 0

		for _, k := range questionKeys {
			if _, ok := eligible[k]; ok {
				count++
			}
		}

		switch {
		case count > bestCount:
			bestName = name
			bestCount = count
			tied = false
		case count == bestCount && count > 0:
			tied = true
		}
	}

	if bestCount == 0 || tied {
		return "", nil
	}

	return bestName, nil
}

// eligibilityKeys returns the cached eligibility set for (name, version),
// loading the document on first access.
func (r *Resolver) eligibilityKeys(name, version string) (map[string]struct{}, error) {
	key := cacheKey{name: strings.ToLower(name), version: version}

	r.mu.RLock()
	keys, ok := r.eligibility[key]
	r.mu.RUnlock()

	if ok {
		return keys, nil
	}

	doc, err := r.loader.Load(name, version)
	if err != nil {
		return nil, err
	}

	keys = doc.EligibilityKeys()

	r.mu.Lock()
	r.eligibility[key] = keys
	r.mu.Unlock()

	return keys, nil
}
