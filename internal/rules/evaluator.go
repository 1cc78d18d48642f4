package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// UnknownOutcome is the outcome when no outcome rule matches.
const UnknownOutcome = "Unknown"

type (
	// Finding is one non-compliance event produced by the evaluator.
	// Exactly one of MajorText/MinorText is set, matching the severity.
	Finding struct {
		QuestionKey string
		AnswerValue string
		Severity    Severity
		Code        string
		Message     string
		MajorText   *string
		MinorText   *string
	}

	// Evaluation is the result of running a rule document over an answer map.
	Evaluation struct {
		Findings   []Finding
		MajorCount int
		MinorCount int
		Outcome    string
		ScoreValue *string
	}
)

// Evaluate runs the document's rules over the answer map in declaration
// order. It is a pure function: same document and answers always produce the
// same evaluation.
//
// Answer values loaded from the store represent SQL NULL as an empty string;
// the emptyIsNull normalisation option collapses that back to null. A key
// absent from the map is null before normalisation.
func Evaluate(doc *Document, answers map[string]string) (*Evaluation, error) {
	eval := &Evaluation{}

	for i := range doc.Rules {
		rule := &doc.Rules[i]
		if !rule.IsEnabled() {
			continue
		}

		raw, present := answers[rule.QuestionKey]

		var rawPtr *string
		if present {
			rawPtr = &raw
		}

		nonCompliant, err := evaluateCondition(&rule.NonCompliantWhen, doc.AnswerNormalization, rawPtr)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.RuleID, err)
		}

		if !nonCompliant {
			continue
		}

		finding := Finding{
			QuestionKey: rule.QuestionKey,
			AnswerValue: raw,
			Severity:    rule.Finding.Severity,
			Code:        rule.Finding.Code,
			Message:     rule.Finding.Message,
		}

		switch rule.Finding.Severity {
		case SeverityMajor:
			eval.MajorCount++

			if rule.Finding.MajorNonCompliantText != "" {
				text := rule.Finding.MajorNonCompliantText
				finding.MajorText = &text
			}
		case SeverityMinor:
			eval.MinorCount++

			if rule.Finding.MinorNonCompliantText != "" {
				text := rule.Finding.MinorNonCompliantText
				finding.MinorText = &text
			}
		}

		eval.Findings = append(eval.Findings, finding)
	}

	eval.Outcome = determineOutcome(doc.Scoring.OutcomeRules, eval.MajorCount, eval.MinorCount)
	eval.ScoreValue = deriveScoreValue(doc.Scoring.ScoreValue, eval.Outcome)

	return eval, nil
}

// normalize applies the normalisation pipeline to a raw answer:
// null passes through, then trim, then empty-to-null, then lower-casing.
func normalize(raw *string, trim, caseInsensitive, emptyIsNull bool) *string {
	if raw == nil {
		return nil
	}

	value := *raw

	if trim {
		value = strings.TrimSpace(value)
	}

	if emptyIsNull && value == "" {
		return nil
	}

	if caseInsensitive {
		value = strings.ToLower(value)
	}

	return &value
}

// effectiveOptions resolves the per-rule trim/caseInsensitive overrides
// against the document defaults. emptyIsNull has no per-rule override.
func effectiveOptions(cond *Condition, defaults Normalization) (trim, caseInsensitive bool) {
	trim = defaults.Trim
	if cond.Trim != nil {
		trim = *cond.Trim
	}

	caseInsensitive = defaults.CaseInsensitive
	if cond.CaseInsensitive != nil {
		caseInsensitive = *cond.CaseInsensitive
	}

	return trim, caseInsensitive
}

func evaluateCondition(cond *Condition, defaults Normalization, raw *string) (bool, error) {
	trim, caseInsensitive := effectiveOptions(cond, defaults)
	answerNorm := normalize(raw, trim, caseInsensitive, defaults.EmptyIsNull)

	switch cond.Op {
	case OpMissing:
		return answerNorm == nil || *answerNorm == "", nil

	case OpEquals:
		valueNorm := normalize(cond.Value, trim, caseInsensitive, defaults.EmptyIsNull)

		return answerNorm != nil && valueNorm != nil && *answerNorm == *valueNorm, nil

	case OpIn:
		if answerNorm == nil {
			return false, nil
		}

		for i := range cond.Values {
			memberNorm := normalize(&cond.Values[i], trim, caseInsensitive, defaults.EmptyIsNull)
			if memberNorm != nil && *memberNorm == *answerNorm {
				return true, nil
			}
		}

		return false, nil

	default:
		// Unreachable for documents that passed load validation; kept for
		// documents evaluated without going through the loader.
		return false, fmt.Errorf("%w: unknown op %q", ErrBadRule, cond.Op)
	}
}

// determineOutcome returns the outcome of the first matching outcome rule,
// or UnknownOutcome when none match.
func determineOutcome(outcomeRules []OutcomeRule, majorCount, minorCount int) string {
	for _, or := range outcomeRules {
		switch {
		case or.When.Always:
			return or.Outcome
		case or.When.MajorCountGte != nil && majorCount >= *or.When.MajorCountGte:
			return or.Outcome
		case or.When.MinorCountGte != nil && minorCount >= *or.When.MinorCountGte:
			return or.Outcome
		}
	}

	return UnknownOutcome
}

// deriveScoreValue computes the score value string per the scoreValue spec.
// Unrecognised shapes yield nil rather than an error: the score row is still
// written with a null value.
func deriveScoreValue(spec *ScoreValueSpec, outcome string) *string {
	if spec == nil {
		return nil
	}

	switch spec.From {
	case "fixed":
		return stringifyScalar(spec.FixedValue)

	case "outcome":
		if spec.Type == "text" || spec.Type == "numeric" {
			value := outcome

			return &value
		}

		return nil

	default:
		return nil
	}
}

// stringifyScalar renders a JSON/YAML scalar as its string form.
// Floats drop insignificant trailing zeros so 80 round-trips as "80".
func stringifyScalar(v any) *string {
	var s string

	switch value := v.(type) {
	case nil:
		return nil
	case string:
		s = value
	case bool:
		s = strconv.FormatBool(value)
	case int:
		s = strconv.Itoa(value)
	case int64:
		s = strconv.FormatInt(value, 10)
	case float64:
		s = strconv.FormatFloat(value, 'f', -1, 64)
	default:
		s = fmt.Sprintf("%v", value)
	}

	return &s
}
