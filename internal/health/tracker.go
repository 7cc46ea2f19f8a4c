// Package health reports the reachability of the service's integrations.
// It only observes; nothing in the request path consults it.
package health

import (
	"sync"
	"time"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusDown:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Report is the externally visible state of one dependency.
type Report struct {
	Name                string     `json:"name"`
	Status              Status     `json:"status"`
	Detail              string     `json:"detail,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Tracker folds observed outcomes for one dependency into a Status. A failure
// streak below the threshold reads as degraded, at or above it as down, and
// any success resets the streak.
type Tracker struct {
	name      string
	threshold int
	now       func() time.Time

	mu          sync.Mutex
	disabled    string
	degraded    string
	lastErr     error
	lastSuccess time.Time
	lastFailure time.Time
	failures    int
}

func newTracker(name string, threshold int, now func() time.Time) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{name: name, threshold: threshold, now: now}
}

func (t *Tracker) Name() string { return t.name }

// Record stores the outcome of one interaction; nil means success.
func (t *Tracker) Record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		t.lastSuccess = t.now()
		t.failures = 0
		t.lastErr = nil
		return
	}
	t.lastFailure = t.now()
	t.failures++
	t.lastErr = err
}

// Disable marks the dependency as intentionally turned off. It reports ok
// and is skipped by polling.
func (t *Tracker) Disable(reason string) {
	t.mu.Lock()
	if reason == "" {
		reason = "disabled"
	}
	t.disabled = reason
	t.mu.Unlock()
}

func (t *Tracker) Disabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disabled != ""
}

// Degrade pins the dependency to at least degraded, e.g. while a fallback
// backend stands in for it.
func (t *Tracker) Degrade(reason string) {
	t.mu.Lock()
	t.degraded = reason
	t.mu.Unlock()
}

func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{Name: t.name, Status: StatusOK, ConsecutiveFailures: t.failures}
	if !t.lastSuccess.IsZero() {
		ts := t.lastSuccess
		r.LastSuccess = &ts
	}
	if !t.lastFailure.IsZero() {
		ts := t.lastFailure
		r.LastFailure = &ts
	}

	switch {
	case t.disabled != "":
		r.Detail = t.disabled
	case t.failures >= t.threshold:
		r.Status = StatusDown
		r.Detail = t.lastErr.Error()
	case t.failures > 0:
		r.Status = StatusDegraded
		r.Detail = t.lastErr.Error()
	case t.degraded != "":
		r.Status = StatusDegraded
		r.Detail = t.degraded
	case r.LastSuccess == nil:
		r.Detail = "not yet observed"
	}
	return r
}
