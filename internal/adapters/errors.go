// Package adapters defines the shared error taxonomy for external service
// adapters. The orchestrator classifies every adapter failure as transient
// (retry with backoff) or permanent (fail fast with a reason code); raw
// provider errors are never passed through to callers.
package adapters

import (
	"context"
	"errors"
	"fmt"
)

// Class partitions adapter failures by retry eligibility.
type Class int

const (
	// ClassTransient - network trouble, rate limits, 5xx. Retry with backoff.
	ClassTransient Class = iota
	// ClassPermanent - bad input or policy rejection. Fail fast, no retry.
	ClassPermanent
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

// Reason codes carried by permanent errors. Stable, machine-readable; these
// surface to callers as the job's failure code.
const (
	CodeUnsupportedFormat = "unsupported_format"
	CodeContentPolicy     = "content_policy"
	CodeInvalidOutput     = "invalid_output"
	CodeRateLimited       = "rate_limited"
	CodeUnavailable       = "unavailable"
	CodeTimeout           = "timeout"
)

// Error wraps a provider failure with its classification.
type Error struct {
	Class Class
	Code  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s adapter error (%s): %v", e.Class, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(code string, err error) *Error {
	return &Error{Class: ClassTransient, Code: code, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(code string, err error) *Error {
	return &Error{Class: ClassPermanent, Code: code, Err: err}
}

// Classify returns the classification of err. Unclassified errors and
// timeouts count as transient; an unknown failure mode is worth one retry.
func Classify(err error) (Class, string) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class, ae.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, CodeTimeout
	}
	return ClassTransient, CodeUnavailable
}

// IsPermanent reports whether err should skip further retries.
func IsPermanent(err error) bool {
	c, _ := Classify(err)
	return c == ClassPermanent
}

// ClassifyHTTPStatus maps an HTTP status code from a provider to a
// classified error code and class.
func ClassifyHTTPStatus(status int) (Class, string) {
	switch {
	case status == 429:
		return ClassTransient, CodeRateLimited
	case status >= 500:
		return ClassTransient, CodeUnavailable
	case status == 415:
		return ClassPermanent, CodeUnsupportedFormat
	case status == 422:
		return ClassPermanent, CodeContentPolicy
	default:
		return ClassPermanent, CodeInvalidOutput
	}
}
