// Package intervene maps detected issues to interventions: a response
// kind chosen by confidence, a bounded user notification, and, when the
// response calls for action, a remediation task ready for the queue.
package intervene

import (
	"github.com/501336North/oss-supervisor/analyzer"
	"github.com/501336North/oss-supervisor/queue"
)

// Response is how the supervisor reacts to an issue.
type Response string

const (
	ResponseAutoRemediate Response = "auto_remediate"
	ResponseNotifySuggest Response = "notify_suggest"
	ResponseNotifyOnly    Response = "notify_only"
)

// Confidence boundaries for response selection.
const (
	autoRemediateAbove = 0.9
	suggestAtOrAbove   = 0.7
)

// Notification is the user-facing copy for an intervention. Title and
// Message are length-bounded at render time.
type Notification struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Priority queue.Priority `json:"priority"`
	Sound    string         `json:"sound,omitempty"`
}

// Intervention is the full reaction to one issue.
type Intervention struct {
	Issue        analyzer.Issue `json:"issue"`
	Response     Response       `json:"response"`
	Notification Notification   `json:"notification"`
	// Task is the remediation work item, nil when the response is
	// notify_only.
	Task *queue.Input `json:"task,omitempty"`
}

// responseFor maps confidence to a response kind.
func responseFor(confidence float64) Response {
	switch {
	case confidence > autoRemediateAbove:
		return ResponseAutoRemediate
	case confidence >= suggestAtOrAbove:
		return ResponseNotifySuggest
	default:
		return ResponseNotifyOnly
	}
}

// notificationPriority narrows a task priority to the notification set
// {low, high, critical}.
func notificationPriority(p queue.Priority) queue.Priority {
	switch p {
	case queue.PriorityCritical:
		return queue.PriorityCritical
	case queue.PriorityHigh:
		return queue.PriorityHigh
	default:
		return queue.PriorityLow
	}
}

// Generate is a pure function from issue to intervention. The same
// issue always yields the same intervention.
func Generate(issue analyzer.Issue) Intervention {
	tpl := lookupTemplate(sourceFor(issue.Kind), issue.Kind)
	response := responseFor(issue.Confidence)
	priority := issue.Priority()

	iv := Intervention{
		Issue:    issue,
		Response: response,
		Notification: Notification{
			Title:    clampRunes(render(tpl.Title, issue.Context), maxTitleRunes),
			Message:  clampRunes(render(tpl.Message, issue.Context), maxMessageRunes),
			Priority: notificationPriority(priority),
			Sound:    tpl.Sound,
		},
	}

	if response != ResponseNotifyOnly {
		iv.Task = &queue.Input{
			Priority:       priority,
			Source:         sourceFor(issue.Kind),
			AnomalyType:    string(issue.Kind),
			Prompt:         render(tpl.Prompt, issue.Context),
			SuggestedAgent: tpl.Agent,
			Context:        issue.Context,
		}
	}
	return iv
}

// GenerateAll maps a batch of issues, preserving order.
func GenerateAll(issues []analyzer.Issue) []Intervention {
	out := make([]Intervention, len(issues))
	for i, issue := range issues {
		out[i] = Generate(issue)
	}
	return out
}

// sourceFor tags the monitor an issue kind originates from.
func sourceFor(kind analyzer.IssueKind) string {
	switch kind {
	case analyzer.IssueIronLawViolation, analyzer.IssueIronLawRepeated, analyzer.IssueIronLawIgnored:
		return "compliance-monitor"
	case analyzer.IssueSpecDriftStructure, analyzer.IssueSpecDriftCriteria:
		return "drift-monitor"
	default:
		return "workflow-monitor"
	}
}
