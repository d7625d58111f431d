// Package analyzer reconstructs workflow state from the ordered log and
// detects semantic issues: loops, silence, TDD violations, phase drift,
// and stalled or abandoned work. Given the same entry list the result is
// deterministic.
package analyzer

import (
	"github.com/501336North/oss-supervisor/queue"
)

// IssueKind is the closed set of detectable workflow issues.
type IssueKind string

const (
	IssueLoopDetected       IssueKind = "loop_detected"
	IssueExplicitFailure    IssueKind = "explicit_failure"
	IssuePhaseStuck         IssueKind = "phase_stuck"
	IssueSilence            IssueKind = "silence"
	IssueTDDViolation       IssueKind = "tdd_violation"
	IssueOutOfOrder         IssueKind = "out_of_order"
	IssueMissingMilestones  IssueKind = "missing_milestones"
	IssueAbruptStop         IssueKind = "abrupt_stop"
	IssueAbandonedAgent     IssueKind = "abandoned_agent"
	IssueDecliningVelocity  IssueKind = "declining_velocity"
	IssueRegression         IssueKind = "regression"
	IssueIronLawViolation   IssueKind = "iron_law_violation"
	IssueIronLawRepeated    IssueKind = "iron_law_repeated"
	IssueIronLawIgnored     IssueKind = "iron_law_ignored"
	IssueSpecDriftStructure IssueKind = "spec_drift_structural"
	IssueSpecDriftCriteria  IssueKind = "spec_drift_criteria"
)

// issuePriority maps issue kinds to remediation task priority.
var issuePriority = map[IssueKind]queue.Priority{
	IssueLoopDetected:       queue.PriorityHigh,
	IssueExplicitFailure:    queue.PriorityCritical,
	IssuePhaseStuck:         queue.PriorityHigh,
	IssueSilence:            queue.PriorityMedium,
	IssueTDDViolation:       queue.PriorityHigh,
	IssueOutOfOrder:         queue.PriorityMedium,
	IssueMissingMilestones:  queue.PriorityMedium,
	IssueAbruptStop:         queue.PriorityHigh,
	IssueAbandonedAgent:     queue.PriorityMedium,
	IssueDecliningVelocity:  queue.PriorityLow,
	IssueRegression:         queue.PriorityCritical,
	IssueIronLawViolation:   queue.PriorityLow,
	IssueIronLawRepeated:    queue.PriorityHigh,
	IssueIronLawIgnored:     queue.PriorityHigh,
	IssueSpecDriftStructure: queue.PriorityMedium,
	IssueSpecDriftCriteria:  queue.PriorityMedium,
}

// Priority returns the remediation priority for the issue kind.
func (k IssueKind) Priority() queue.Priority {
	if p, ok := issuePriority[k]; ok {
		return p
	}
	return queue.PriorityMedium
}

// issueWeight drives the health score: 100 - Σ weight × confidence,
// clamped to [0,100]. Relative magnitudes matter, exact values do not.
var issueWeight = map[IssueKind]float64{
	IssueLoopDetected:       15,
	IssueExplicitFailure:    25,
	IssuePhaseStuck:         12,
	IssueSilence:            8,
	IssueTDDViolation:       18,
	IssueOutOfOrder:         10,
	IssueMissingMilestones:  8,
	IssueAbruptStop:         15,
	IssueAbandonedAgent:     10,
	IssueDecliningVelocity:  6,
	IssueRegression:         25,
	IssueIronLawViolation:   8,
	IssueIronLawRepeated:    18,
	IssueIronLawIgnored:     20,
	IssueSpecDriftStructure: 12,
	IssueSpecDriftCriteria:  10,
}

// Issue is a detected workflow problem with its supporting evidence.
type Issue struct {
	Kind       IssueKind      `json:"kind"`
	Confidence float64        `json:"confidence"`
	Context    map[string]any `json:"context,omitempty"`
	// Entries references the originating log entries by index into the
	// analyzed list.
	Entries []int `json:"entries,omitempty"`
}

// Priority returns the remediation priority for the issue.
func (i *Issue) Priority() queue.Priority {
	return i.Kind.Priority()
}

// Progress is the chain state of a single command.
type Progress string

const (
	ProgressPending  Progress = "pending"
	ProgressActive   Progress = "active"
	ProgressComplete Progress = "complete"
)

// Report is the analyzer output.
type Report struct {
	Issues        []Issue              `json:"issues"`
	ChainProgress map[string]Progress  `json:"chain_progress"`
	HealthScore   float64              `json:"health_score"`
}
