package bitbucket

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure so callers can map it onto a response status.
type ErrorKind string

const (
	// KindValidation is a caller error detected before any upstream call.
	KindValidation ErrorKind = "validation"
	// KindTransient is a retryable upstream failure that exhausted its retry budget.
	KindTransient ErrorKind = "transient"
	// KindTerminal is a non-retryable upstream failure such as 400, 401, 403 or 404.
	KindTerminal ErrorKind = "terminal"
	// KindCanceled means the caller went away before the work completed.
	KindCanceled ErrorKind = "canceled"
	// KindInternal covers decode failures and logic errors.
	KindInternal ErrorKind = "internal"
)

var (
	// ErrDecode marks an upstream payload that could not be decoded.
	ErrDecode = errors.New("decode upstream response")
	// ErrPageLimit marks a cursor chain longer than the configured page cap.
	ErrPageLimit = errors.New("pagination page limit exceeded")
)

// FieldViolation is one invalid input field.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports invalid caller input.
type ValidationError struct {
	Violations []FieldViolation
}

// NewValidationError creates a validation error for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Violations: []FieldViolation{{Field: field, Message: message}}}
}

// Add appends a violation.
func (e *ValidationError) Add(field, message string) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Message: message})
}

// OrNil returns nil when no violations were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		if violation.Field == "" {
			parts = append(parts, violation.Message)
			continue
		}
		parts = append(parts, violation.Field+": "+violation.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// UpstreamError is a failed upstream call, either a non-2xx status or a transport failure.
type UpstreamError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Attempts   int
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	builder := strings.Builder{}
	builder.WriteString(e.Method)
	builder.WriteString(" ")
	builder.WriteString(e.URL)
	if e.StatusCode > 0 {
		fmt.Fprintf(&builder, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&builder, " (after %d attempts)", e.Attempts)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		builder.WriteString(": ")
		builder.WriteString(body)
	}
	return builder.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Classify reports the kind of a pipeline error.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindValidation
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.Transient {
			return KindTransient
		}
		return KindTerminal
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.StatusCode
	}
	return 0
}
