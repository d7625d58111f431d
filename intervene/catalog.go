package intervene

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/501336North/oss-supervisor/analyzer"
)

// Rendered copy length bounds, in runes.
const (
	maxTitleRunes   = 20
	maxMessageRunes = 50
)

// template is one catalog entry. Title, Message, and Prompt may carry
// {placeholder} tokens resolved from the issue context.
type template struct {
	Title   string
	Message string
	Prompt  string
	Agent   string
	Sound   string
}

// catalogKey addresses a template by originating monitor and issue kind.
type catalogKey struct {
	Source string
	Kind   analyzer.IssueKind
}

// catalog holds the notification and prompt copy per (source, kind).
var catalog = map[catalogKey]template{
	{"workflow-monitor", analyzer.IssueLoopDetected}: {
		Title:   "Agent loop",
		Message: "{tool_name} repeated {repeat_count} times",
		Prompt:  "The agent is calling {tool_name} repeatedly without progress. Break the loop and take a different approach.",
		Agent:   "debugger",
		Sound:   "Basso",
	},
	{"workflow-monitor", analyzer.IssueExplicitFailure}: {
		Title:   "Command failed",
		Message: "{command} failed: {error}",
		Prompt:  "The {command} command reported a failure: {error}. Diagnose and fix the underlying cause.",
		Agent:   "debugger",
		Sound:   "Sosumi",
	},
	{"workflow-monitor", analyzer.IssuePhaseStuck}: {
		Title:   "Phase stalled",
		Message: "{phase} quiet for {stale_seconds}s",
		Prompt:  "The {phase} phase of {command} has made no progress for {stale_seconds} seconds. Check whether the agent is blocked.",
		Agent:   "debugger",
	},
	{"workflow-monitor", analyzer.IssueSilence}: {
		Title:   "No activity",
		Message: "{command} silent for {quiet_seconds}s",
		Prompt:  "Nothing has been logged for {quiet_seconds} seconds while {command} is running. Verify the session is still alive.",
		Agent:   "debugger",
	},
	{"workflow-monitor", analyzer.IssueTDDViolation}: {
		Title:   "TDD violated",
		Message: "Green started without a red test",
		Prompt:  "Implementation started before a failing test was written. Stop, write the failing test first, then implement.",
		Agent:   "tdd-orchestrator",
		Sound:   "Basso",
	},
	{"workflow-monitor", analyzer.IssueOutOfOrder}: {
		Title:   "Out of order",
		Message: "{command} ran before {expected}",
		Prompt:  "The {command} step started before {expected} finished. Return to {expected} and complete it first.",
		Agent:   "tdd-orchestrator",
	},
	{"workflow-monitor", analyzer.IssueMissingMilestones}: {
		Title:   "Steps skipped",
		Message: "{command} finished with steps missing",
		Prompt:  "The {command} command completed without its expected milestones. Review what was skipped and backfill.",
		Agent:   "code-reviewer",
	},
	{"workflow-monitor", analyzer.IssueAbruptStop}: {
		Title:   "Work stopped",
		Message: "{command} stopped without finishing",
		Prompt:  "The {command} command started but never completed and has gone quiet. Resume or close it out.",
		Agent:   "debugger",
	},
	{"workflow-monitor", analyzer.IssueAbandonedAgent}: {
		Title:   "Agent abandoned",
		Message: "{agent_type} never reported back",
		Prompt:  "A delegated {agent_type} agent was spawned but never completed. Check its output and collect or restart it.",
		Agent:   "debugger",
	},
	{"workflow-monitor", analyzer.IssueDecliningVelocity}: {
		Title:   "Slowing down",
		Message: "Milestone pace dropped by half",
		Prompt:  "Milestone velocity has dropped to less than half the earlier pace. Check for hidden blockers.",
		Agent:   "debugger",
	},
	{"workflow-monitor", analyzer.IssueRegression}: {
		Title:   "Regression",
		Message: "Previously passing work broke",
		Prompt:  "A previously passing area has regressed. Bisect the recent changes and restore the passing state.",
		Agent:   "debugger",
		Sound:   "Sosumi",
	},
	{"compliance-monitor", analyzer.IssueIronLawViolation}: {
		Title:   "Law violated",
		Message: "Law {law} broken: {detail}",
		Prompt:  "Law {law} was violated: {detail}. Correct the workflow before continuing.",
		Agent:   "code-reviewer",
	},
	{"compliance-monitor", analyzer.IssueIronLawRepeated}: {
		Title:   "Law repeated",
		Message: "Law {law} broken {count} times",
		Prompt:  "Law {law} has been violated {count} times in a row. Re-read the canonical laws document in full before doing anything else, then correct the workflow.",
		Agent:   "code-reviewer",
		Sound:   "Basso",
	},
	{"compliance-monitor", analyzer.IssueIronLawIgnored}: {
		Title:   "Check ignored",
		Message: "Pre-check failure was ignored",
		Prompt:  "A failing pre-check was ignored and work continued anyway. Stop and address the failed check.",
		Agent:   "code-reviewer",
	},
	{"drift-monitor", analyzer.IssueSpecDriftStructure}: {
		Title:   "Structure drift",
		Message: "Layout diverges from the plan",
		Prompt:  "The implementation structure has drifted from the planned layout. Reconcile the plan or the code.",
		Agent:   "code-reviewer",
	},
	{"drift-monitor", analyzer.IssueSpecDriftCriteria}: {
		Title:   "Criteria drift",
		Message: "Acceptance criteria not covered",
		Prompt:  "Acceptance criteria are no longer covered by the implementation. Restore coverage or revise the criteria.",
		Agent:   "code-reviewer",
	},
}

// fallbackTemplate covers kinds with no catalog entry so an intervention
// is always produced.
var fallbackTemplate = template{
	Title:   "Workflow issue",
	Message: "A workflow issue was detected",
	Prompt:  "A workflow issue was detected. Review the recent log activity and intervene as needed.",
	Agent:   "debugger",
}

func lookupTemplate(source string, kind analyzer.IssueKind) template {
	if tpl, ok := catalog[catalogKey{source, kind}]; ok {
		return tpl
	}
	return fallbackTemplate
}

// placeholderFallbacks substitute for missing or placeholder-valued
// context keys. The rendered copy must read naturally either way.
var placeholderFallbacks = map[string]string{
	"tool_name":     "a tool",
	"command":       "the current step",
	"phase":         "the current phase",
	"expected":      "the prior step",
	"agent_type":    "a delegated",
	"agent_id":      "a delegated agent",
	"error":         "see the log",
	"detail":        "see the log",
	"law":           "an iron law",
	"repeat_count":  "many",
	"count":         "multiple",
	"stale_seconds": "several",
	"quiet_seconds": "several",
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// render substitutes {key} placeholders from the context. Missing,
// empty, or placeholder-ish values fall back to neutral copy; the token
// "unknown" never survives rendering.
func render(tpl string, ctx map[string]any) string {
	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(token string) string {
		key := token[1 : len(token)-1]
		if v, ok := ctx[key]; ok {
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" && !strings.EqualFold(s, "unknown") && s != "<nil>" {
				return s
			}
		}
		if fb, ok := placeholderFallbacks[key]; ok {
			return fb
		}
		return ""
	})
	return strings.Join(strings.Fields(out), " ")
}

// clampRunes truncates s to at most n runes.
func clampRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
