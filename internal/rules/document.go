// Package rules provides versioned scoring rule documents, the deterministic
// rule evaluator, and the ruleset resolver.
//
// A rule document is immutable per (name, version): once loaded it is cached
// for the process lifetime and never mutated, so outputs for a given version
// are stable across runs.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Severity classifies a finding.
type Severity string

// Recognised severities.
const (
	SeverityMajor Severity = "Major"
	SeverityMinor Severity = "Minor"
)

// Recognised condition operators.
const (
	OpMissing = "missing"
	OpEquals  = "equals"
	OpIn      = "in"
)

var (
	// ErrDocumentNotFound is returned when no rule file exists for (name, version).
	ErrDocumentNotFound = errors.New("rule document not found")

	// ErrBadRule is returned when a rule document is structurally invalid or
	// uses an unknown operator. This fails the scoring run, not the item.
	ErrBadRule = errors.New("bad rule document")
)

type (
	// Normalization holds the document-level answer normalisation defaults.
	Normalization struct {
		Trim            bool `json:"trim"            yaml:"trim"`
		CaseInsensitive bool `json:"caseInsensitive" yaml:"caseInsensitive"`
		EmptyIsNull     bool `json:"emptyIsNull"     yaml:"emptyIsNull"`
	}

	// Condition is the non-compliance predicate of a rule. Trim and
	// CaseInsensitive, when set, override the document defaults.
	Condition struct {
		Op              string   `json:"op"                        yaml:"op"`
		Value           *string  `json:"value,omitempty"           yaml:"value,omitempty"`
		Values          []string `json:"values,omitempty"          yaml:"values,omitempty"`
		Trim            *bool    `json:"trim,omitempty"            yaml:"trim,omitempty"`
		CaseInsensitive *bool    `json:"caseInsensitive,omitempty" yaml:"caseInsensitive,omitempty"`
	}

	// FindingSpec describes the finding a rule produces when non-compliant.
	FindingSpec struct {
		Severity              Severity `json:"severity"                        yaml:"severity"`
		Code                  string   `json:"code,omitempty"                  yaml:"code,omitempty"`
		Message               string   `json:"message"                         yaml:"message"`
		MajorNonCompliantText string   `json:"majorNonCompliantText,omitempty" yaml:"majorNonCompliantText,omitempty"`
		MinorNonCompliantText string   `json:"minorNonCompliantText,omitempty" yaml:"minorNonCompliantText,omitempty"`
	}

	// Rule is a single compliance check against one question key.
	Rule struct {
		RuleID           string      `json:"ruleId"                    yaml:"ruleId"`
		QuestionKey      string      `json:"questionKey"               yaml:"questionKey"`
		Enabled          *bool       `json:"enabled,omitempty"         yaml:"enabled,omitempty"`
		QuestionKeysAny  []string    `json:"questionKeysAny,omitempty" yaml:"questionKeysAny,omitempty"`
		NonCompliantWhen Condition   `json:"nonCompliantWhen"          yaml:"nonCompliantWhen"`
		Finding          FindingSpec `json:"finding"                   yaml:"finding"`
	}

	// OutcomeCondition is one recognised `when` shape. Precedence is
	// positional: the rule set author decides by ordering outcomeRules.
	OutcomeCondition struct {
		Always        bool `json:"always,omitempty"        yaml:"always,omitempty"`
		MajorCountGte *int `json:"majorCountGte,omitempty" yaml:"majorCountGte,omitempty"`
		MinorCountGte *int `json:"minorCountGte,omitempty" yaml:"minorCountGte,omitempty"`
	}

	// OutcomeRule maps a condition to an outcome label.
	OutcomeRule struct {
		When    OutcomeCondition `json:"when"    yaml:"when"`
		Outcome string           `json:"outcome" yaml:"outcome"`
	}

	// ScoreValueSpec derives the score value from the evaluation.
	ScoreValueSpec struct {
		Type       string `json:"type"                 yaml:"type"`
		From       string `json:"from"                 yaml:"from"`
		FixedValue any    `json:"fixedValue,omitempty" yaml:"fixedValue,omitempty"`
	}

	// Scoring holds outcome determination and score value derivation.
	Scoring struct {
		OutcomeRules []OutcomeRule   `json:"outcomeRules" yaml:"outcomeRules"`
		ScoreValue   *ScoreValueSpec `json:"scoreValue"   yaml:"scoreValue"`
	}

	// Document is a complete versioned rule set.
	Document struct {
		RuleSetName         string        `json:"ruleSetName"                  yaml:"ruleSetName"`
		RuleSetVersion      string        `json:"ruleSetVersion"               yaml:"ruleSetVersion"`
		AnswerNormalization Normalization `json:"answerNormalization"          yaml:"answerNormalization"`
		Rules               []Rule        `json:"rules"                        yaml:"rules"`
		Scoring             Scoring       `json:"scoring"                      yaml:"scoring"`
		IgnoreQuestionKeys  []string      `json:"ignoreQuestionKeys,omitempty" yaml:"ignoreQuestionKeys,omitempty"`
	}
)

// IsEnabled reports whether the rule participates in evaluation (default true).
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// EligibilityKeys returns the declared eligibility set of the document: the
// union of every rule's questionKey and questionKeysAny plus
// ignoreQuestionKeys. Used for resolver overlap and the scoring precondition.
func (d *Document) EligibilityKeys() map[string]struct{} {
	keys := make(map[string]struct{})

	for _, rule := range d.Rules {
		if rule.QuestionKey != "" {
			keys[rule.QuestionKey] = struct{}{}
		}

		for _, k := range rule.QuestionKeysAny {
			keys[k] = struct{}{}
		}
	}

	for _, k := range d.IgnoreQuestionKeys {
		keys[k] = struct{}{}
	}

	return keys
}

// validate enforces the load-time contract: name/version match the filename,
// outcome rules are present, a score value spec exists, and every rule uses a
// recognised operator with the operands it requires.
func (d *Document) validate(name, version string) error {
	if !strings.EqualFold(d.RuleSetName, name) {
		return fmt.Errorf("%w: ruleSetName %q does not match filename %q", ErrBadRule, d.RuleSetName, name)
	}

	if d.RuleSetVersion != version {
		return fmt.Errorf("%w: ruleSetVersion %q does not match filename %q", ErrBadRule, d.RuleSetVersion, version)
	}

	if d.Rules == nil {
		return fmt.Errorf("%w: rules must be an array", ErrBadRule)
	}

	if len(d.Scoring.OutcomeRules) == 0 {
		return fmt.Errorf("%w: scoring.outcomeRules must be non-empty", ErrBadRule)
	}

	if d.Scoring.ScoreValue == nil {
		return fmt.Errorf("%w: scoring.scoreValue is required", ErrBadRule)
	}

	for _, rule := range d.Rules {
		cond := rule.NonCompliantWhen

		switch cond.Op {
		case OpMissing:
		case OpEquals:
			if cond.Value == nil {
				return fmt.Errorf("%w: rule %q: op equals requires value", ErrBadRule, rule.RuleID)
			}
		case OpIn:
			if len(cond.Values) == 0 {
				return fmt.Errorf("%w: rule %q: op in requires values", ErrBadRule, rule.RuleID)
			}
		default:
			return fmt.Errorf("%w: rule %q: unknown op %q", ErrBadRule, rule.RuleID, cond.Op)
		}

		if rule.Finding.Severity != SeverityMajor && rule.Finding.Severity != SeverityMinor {
			return fmt.Errorf("%w: rule %q: severity must be Major or Minor", ErrBadRule, rule.RuleID)
		}
	}

	return nil
}

type cacheKey struct {
	name    string
	version string
}

// Loader loads and caches rule documents from a directory. The cache is
// read-mostly: written on first access per (name, version), read concurrently
// by the worker pool thereafter.
type Loader struct {
	dir   string
	mu    sync.RWMutex
	cache map[cacheKey]*Document
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		cache: make(map[cacheKey]*Document),
	}
}

// Load returns the rule document for (name, version), reading and validating
// the file on first use. File lookup is `<name lower-cased>.<version>` with a
// .json, .yaml, or .yml extension.
func (l *Loader) Load(name, version string) (*Document, error) {
	key := cacheKey{name: strings.ToLower(name), version: version}

	l.mu.RLock()
	doc, ok := l.cache[key]
	l.mu.RUnlock()

	if ok {
		return doc, nil
	}

	doc, err := l.loadFile(key.name, version)
	if err != nil {
		return nil, err
	}

	if err := doc.validate(name, version); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// A concurrent loader may have won the race; keep the first entry so
	// every reader sees the same immutable document.
	if existing, ok := l.cache[key]; ok {
		return existing, nil
	}

	l.cache[key] = doc

	return doc, nil
}

func (l *Loader) loadFile(lowerName, version string) (*Document, error) {
	base := fmt.Sprintf("%s.%s", lowerName, version)

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(l.dir, base+ext)

		data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to read rule document %s: %w", path, err)
		}

		var doc Document

		if ext == ".json" {
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrBadRule, path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrBadRule, path, err)
			}
		}

		return &doc, nil
	}

	return nil, fmt.Errorf("%w: %s.{json,yaml,yml} in %s", ErrDocumentNotFound, base, l.dir)
}
