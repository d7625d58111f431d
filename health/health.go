// Package health implements the on-demand diagnostic checks: a set of
// independent probes over the project's state files and working tree,
// aggregated into a single report.
package health

import (
	"os/exec"
	"time"

	"github.com/501336North/oss-supervisor/state"
)

// Status is a single check verdict.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// OverallStatus aggregates check verdicts.
type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallWarning  OverallStatus = "warning"
	OverallCritical OverallStatus = "critical"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the aggregate of all checks.
type Report struct {
	OverallStatus OverallStatus `json:"overall_status"`
	Checks        []CheckResult `json:"checks"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// Staleness thresholds.
const (
	// activeSessionWindow: a log touched this recently means a session
	// is in progress and the stricter checks apply.
	activeSessionWindow = 5 * time.Minute
	// progressDocWindow bounds PROGRESS.md age during an active session.
	progressDocWindow = 60 * time.Minute
	// notificationWindow bounds notification age during an active session.
	notificationWindow = 30 * time.Minute
)

// PendingCounter exposes the queue depth to the queue check.
type PendingCounter interface {
	PendingCount() int
	MaxSize() int
}

// Checker runs the diagnostic checks against one project.
type Checker struct {
	paths       state.Paths
	projectRoot string
	now         func() time.Time
	lookPath    func(string) (string, error)
	pending     PendingCounter
	// lastNotification returns when a notification was last delivered;
	// zero means never or unknown.
	lastNotification func() time.Time
	// notifierBinaries are probed in order for the notifications check.
	notifierBinaries []string
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		c.now = now
	}
}

// WithLookPath overrides binary discovery, mainly for tests.
func WithLookPath(fn func(string) (string, error)) CheckerOption {
	return func(c *Checker) {
		if fn != nil {
			c.lookPath = fn
		}
	}
}

// WithQueue wires the live queue into the queue check.
func WithQueue(q PendingCounter) CheckerOption {
	return func(c *Checker) {
		c.pending = q
	}
}

// WithLastNotification wires the notification-delivery timestamp source.
func WithLastNotification(fn func() time.Time) CheckerOption {
	return func(c *Checker) {
		if fn != nil {
			c.lastNotification = fn
		}
	}
}

// NewChecker creates a Checker for the project rooted at projectRoot.
func NewChecker(projectRoot string, opts ...CheckerOption) *Checker {
	c := &Checker{
		paths:            state.NewPaths(projectRoot),
		projectRoot:      projectRoot,
		now:              time.Now,
		lookPath:         exec.LookPath,
		lastNotification: func() time.Time { return time.Time{} },
		notifierBinaries: []string{"terminal-notifier", "osascript", "notify-send"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes every check and aggregates the report. Checks never
// return errors; problems surface as warn or fail results.
func (c *Checker) Run() *Report {
	checks := []CheckResult{
		c.checkLogging(),
		c.checkDevDocs(),
		c.checkDelegation(),
		c.checkArchive(),
		c.checkNotifications(),
		c.checkQueue(),
		c.checkQualityGates(),
		c.checkGitSafety(),
	}

	overall := OverallHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusFail:
			overall = OverallCritical
		case StatusWarn:
			if overall == OverallHealthy {
				overall = OverallWarning
			}
		}
	}

	return &Report{
		OverallStatus: overall,
		Checks:        checks,
		GeneratedAt:   c.now(),
	}
}
