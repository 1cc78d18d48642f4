// Package goaudits provides the HTTP client for the GoAudits reporting API:
// a single retried POST primitive with typed error classification, plus the
// summary and details endpoint contracts.
package goaudits

import (
	"errors"
	"fmt"
)

// Class partitions API failures by how callers must react.
type Class string

// Error classes.
const (
	// ClassFatalAuth: 401/403. Never retried; aborts the entire run.
	ClassFatalAuth Class = "FatalAuth"

	// ClassRetryable: 429, 5xx, network errors, timeouts.
	ClassRetryable Class = "Retryable"

	// ClassBadShape: 2xx with a body that is not the expected JSON array.
	// Not retried; a per-item failure in stages that tolerate it.
	ClassBadShape Class = "BadShape"

	// ClassNonRetryable: any other non-2xx.
	ClassNonRetryable Class = "NonRetryable"
)

// APIError carries the classification alongside the underlying failure.
type APIError struct {
	Class      Class
	StatusCode int // zero for network-level failures
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("goaudits: %s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("goaudits: %s: %s", e.Class, e.Message)
}

// Unwrap exposes the underlying error for errors.Is/As chains.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf extracts the error class, defaulting to NonRetryable for errors
// that did not originate from this package.
func ClassOf(err error) Class {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}

	return ClassNonRetryable
}

// IsFatalAuth reports whether err must abort the whole run.
func IsFatalAuth(err error) bool {
	return ClassOf(err) == ClassFatalAuth
}

// IsRetryable reports whether the client may retry the attempt.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassRetryable
}

// IsBadShape reports whether the response decoded into an unexpected shape.
func IsBadShape(err error) bool {
	return ClassOf(err) == ClassBadShape
}
