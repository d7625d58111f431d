// Package compliance tracks the six iron laws across a session: per-law
// violation streaks with full history, escalating intervention tasks,
// and parsing of pre-check blocks embedded in live log output.
package compliance

import (
	"fmt"
	"sync"
	"time"

	"github.com/501336North/oss-supervisor/queue"
	"github.com/501336North/oss-supervisor/worklog"
)

// LawCount is the number of iron laws.
const LawCount = 6

// lawNames maps law number (1-based) to its checklist field name.
var lawNames = [LawCount + 1]string{
	"",
	"law1_tdd",
	"law2_behavior_tests",
	"law3_no_loops",
	"law4_feature_branch",
	"law5_delegation",
	"law6_docs_synced",
}

// LawName returns the checklist field name for a law number, or "" when
// the number is out of range.
func LawName(law int) string {
	if law < 1 || law > LawCount {
		return ""
	}
	return lawNames[law]
}

// RefetchDirective is embedded in repeated-violation prompts so the
// executing agent re-reads the canonical laws document before acting.
const RefetchDirective = "Before doing anything else, refetch the canonical iron laws document and re-read it in full."

// Mode controls when the monitor runs its periodic scan.
type Mode string

const (
	// ModeAlways scans on a fixed interval for the whole session.
	ModeAlways Mode = "always"
	// ModeWorkflowOnly scans only while a workflow command is active.
	ModeWorkflowOnly Mode = "workflow-only"
)

// DefaultInterval is the periodic scan interval in always mode.
const DefaultInterval = 5 * time.Second

// Violation is one recorded law failure. History is append-only.
type Violation struct {
	Law     int       `json:"law"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Monitor holds per-law violation state. Safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	active  [LawCount + 1]int
	history []Violation
	mode    Mode
	every   time.Duration
	now     func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMode sets the scan mode.
func WithMode(m Mode) MonitorOption {
	return func(mon *Monitor) {
		if m == ModeAlways || m == ModeWorkflowOnly {
			mon.mode = m
		}
	}
}

// WithInterval overrides the periodic scan interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(mon *Monitor) {
		if d > 0 {
			mon.every = d
		}
	}
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(mon *Monitor) {
		mon.now = now
	}
}

// NewMonitor creates a Monitor in always mode with the default interval.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		mode:  ModeAlways,
		every: DefaultInterval,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the configured scan mode.
func (m *Monitor) Mode() Mode { return m.mode }

// Interval returns the periodic scan interval.
func (m *Monitor) Interval() time.Duration { return m.every }

// RecordViolation appends to history and bumps the law's active streak.
// Out-of-range laws are ignored.
func (m *Monitor) RecordViolation(law int, message string) {
	if law < 1 || law > LawCount {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[law]++
	m.history = append(m.history, Violation{Law: law, Message: message, At: m.now()})
}

// RecordPass resets the law's active streak. History is untouched.
func (m *Monitor) RecordPass(law int) {
	if law < 1 || law > LawCount {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[law] = 0
}

// ActiveCount returns the law's current violation streak.
func (m *Monitor) ActiveCount(law int) int {
	if law < 1 || law > LawCount {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[law]
}

// History returns a copy of the full violation history, optionally
// filtered by law (0 means all laws).
func (m *Monitor) History(law int) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, 0, len(m.history))
	for _, v := range m.history {
		if law == 0 || v.Law == law {
			out = append(out, v)
		}
	}
	return out
}

// Reset clears all active streaks at a session boundary. History is
// preserved.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.active {
		m.active[i] = 0
	}
}

// CreateInterventionTask escalates by current streak: the first
// violation is let pass (nil), the second yields a low-priority task,
// the third and beyond a high-priority repeated-violation task whose
// prompt tells the agent to refetch the laws document.
func (m *Monitor) CreateInterventionTask(law int, message, hint string) *queue.Input {
	count := m.ActiveCount(law)
	if count <= 1 {
		return nil
	}

	ctx := map[string]any{
		"law":    law,
		"name":   LawName(law),
		"count":  count,
		"detail": message,
	}
	if hint != "" {
		ctx["hint"] = hint
	}

	if count == 2 {
		prompt := fmt.Sprintf("Iron law #%d (%s) was violated again: %s. Correct the workflow before continuing.",
			law, LawName(law), message)
		if hint != "" {
			prompt += " Suggested fix: " + hint
		}
		return &queue.Input{
			Priority:       queue.PriorityLow,
			Source:         "compliance-monitor",
			AnomalyType:    "iron_law_violation",
			Prompt:         prompt,
			SuggestedAgent: "code-reviewer",
			Context:        ctx,
		}
	}

	prompt := fmt.Sprintf("Iron law #%d (%s) has been violated %d times in a row: %s. %s",
		law, LawName(law), count, message, RefetchDirective)
	if hint != "" {
		prompt += " Suggested fix: " + hint
	}
	return &queue.Input{
		Priority:       queue.PriorityHigh,
		Source:         "compliance-monitor",
		AnomalyType:    "iron_law_repeated",
		Prompt:         prompt,
		SuggestedAgent: "code-reviewer",
		Context:        ctx,
	}
}

// HandleViolation records the violation and returns the escalation task,
// nil on a first offense.
func (m *Monitor) HandleViolation(law int, message, hint string) *queue.Input {
	m.RecordViolation(law, message)
	return m.CreateInterventionTask(law, message, hint)
}

// ProcessChecklist consumes a checklist attached to a COMPLETE or
// AGENT_COMPLETE entry: each failed law is recorded as a violation, each
// observed law as a pass. Returns the escalation tasks, in law order.
func (m *Monitor) ProcessChecklist(cmd string, cl worklog.Checklist) []*queue.Input {
	results := []bool{
		cl.Law1TDD, cl.Law2BehaviorTests, cl.Law3NoLoops,
		cl.Law4FeatureBranch, cl.Law5Delegation, cl.Law6DocsSynced,
	}

	var tasks []*queue.Input
	for i, passed := range results {
		law := i + 1
		if passed {
			m.RecordPass(law)
			continue
		}
		msg := fmt.Sprintf("%s reported %s not observed", cmd, LawName(law))
		if task := m.HandleViolation(law, msg, ""); task != nil {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// ProcessPreChecks consumes parsed pre-check results: failures are
// recorded and escalated, passes reset streaks.
func (m *Monitor) ProcessPreChecks(checks []PreCheck) []*queue.Input {
	var tasks []*queue.Input
	for _, c := range checks {
		if c.Passed {
			m.RecordPass(c.Law)
			continue
		}
		if task := m.HandleViolation(c.Law, c.Text, c.Hint); task != nil {
			tasks = append(tasks, task)
		}
	}
	return tasks
}
