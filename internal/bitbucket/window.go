package bitbucket

import (
	"strings"
	"time"
)

const (
	// DateLayout is the calendar-date layout used in queries and period strings.
	DateLayout = "2006-01-02"

	// DefaultMaxConcurrency bounds fan-out when a window does not set its own cap.
	DefaultMaxConcurrency = 8
)

// Window is a validated pull request query: where to look, which dates, and how wide to fan out.
type Window struct {
	Workspace string
	Repos     []string
	// Since and Until are calendar dates; only the date part is used.
	Since  time.Time
	Until  time.Time
	States []string
	Queued *bool
	// MaxConcurrency caps in-flight upstream calls per fan-out site. Zero uses DefaultMaxConcurrency.
	MaxConcurrency int
}

// Validate reports every invalid field at once.
func (w Window) Validate() error {
	validation := &ValidationError{}
	if strings.TrimSpace(w.Workspace) == "" {
		validation.Add("workspace", "workspace is required")
	}
	if len(w.Repos) == 0 {
		validation.Add("repo", "at least one repository is required")
	}
	for _, repo := range w.Repos {
		if strings.TrimSpace(repo) == "" {
			validation.Add("repo", "repository names must not be blank")
			break
		}
	}
	if w.Since.IsZero() {
		validation.Add("sinceDate", "since date is required")
	}
	if w.Until.IsZero() {
		validation.Add("untilDate", "until date is required")
	}
	if !w.Since.IsZero() && !w.Until.IsZero() && w.SinceDate() > w.UntilDate() {
		validation.Add("sinceDate", "since date must be on or before until date")
	}
	for _, state := range w.States {
		if strings.TrimSpace(state) == "" {
			validation.Add("state", "states must not be blank")
			break
		}
	}
	if w.MaxConcurrency < 0 {
		validation.Add("maxConcurrency", "max concurrency must be at least 1")
	}
	return validation.OrNil()
}

// Concurrency returns the effective fan-out cap, never below 1.
func (w Window) Concurrency() int {
	if w.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return w.MaxConcurrency
}

// SinceDate formats Since as YYYY-MM-DD.
func (w Window) SinceDate() string {
	return w.Since.Format(DateLayout)
}

// UntilDate formats Until as YYYY-MM-DD.
func (w Window) UntilDate() string {
	return w.Until.Format(DateLayout)
}
