// Package rules implements the regex rule engine that classifies
// free-form log text into typed anomalies. Loop detection always runs
// first; the named rules are scanned in declared order and the first
// match wins.
package rules

import (
	"regexp"
	"strconv"

	"github.com/501336North/oss-supervisor/queue"
)

// DefaultLoopThreshold is how many occurrences of the same tool name
// count as an agent loop.
const DefaultLoopThreshold = 5

// toolPattern extracts tool names for loop detection.
var toolPattern = regexp.MustCompile(`Tool:\s*(\w+)`)

// Match is the result of a rule engine scan.
type Match struct {
	Rule           string
	Anomaly        string
	Priority       queue.Priority
	Context        map[string]any
	SuggestedAgent string
	Prompt         string
}

// Rule is one named pattern with its classification and follow-up hints.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Anomaly  string
	Priority queue.Priority
	Agent    string
	Prompt   string
	// Extract populates anomaly context from the regex submatches.
	// Nil means no extra context beyond the excerpt.
	Extract func(groups []string) map[string]any
}

// defaultRules is the declared rule order. Loop detection is not a rule;
// it runs before any of these.
var defaultRules = []Rule{
	{
		Name:     "test_failure_fail",
		Pattern:  regexp.MustCompile(`(?i)FAIL\s+(\S+\.test\.[tj]sx?)`),
		Anomaly:  "test_failure",
		Priority: queue.PriorityHigh,
		Agent:    "debugger",
		Prompt:   "A test file is failing. Investigate the failure and fix the underlying cause.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"file": groups[1]}
		},
	},
	{
		Name:     "test_failure_vitest",
		Pattern:  regexp.MustCompile(`❯\s+(\S+\.test\.[tj]sx?)\s+\([^)]*\d+\s+failed`),
		Anomaly:  "test_failure",
		Priority: queue.PriorityHigh,
		Agent:    "debugger",
		Prompt:   "Vitest reports failing tests. Investigate the failure and fix the underlying cause.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"file": groups[1]}
		},
	},
	{
		Name:     "test_failure_generic",
		Pattern:  regexp.MustCompile(`(?i)Test failed:?\s*(.+)`),
		Anomaly:  "test_failure",
		Priority: queue.PriorityHigh,
		Agent:    "debugger",
		Prompt:   "A test is failing. Investigate the failure and fix the underlying cause.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"detail": groups[1]}
		},
	},
	{
		Name:     "agent_stuck_timeout",
		Pattern:  regexp.MustCompile(`(?i)(?:Command\s+)?timed?\s*out\s+(?:after\s+)?(\d+)`),
		Anomaly:  "agent_stuck",
		Priority: queue.PriorityHigh,
		Agent:    "debugger",
		Prompt:   "A command timed out. Determine whether the agent is stuck and unblock it.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"timeout_seconds": atoiOrZero(groups[1])}
		},
	},
	{
		Name:     "agent_stuck_no_output",
		Pattern:  regexp.MustCompile(`(?i)no\s+output\s+(?:received\s+)?(?:for\s+)?(\d+)\s*(?:seconds?|s)`),
		Anomaly:  "agent_stuck",
		Priority: queue.PriorityHigh,
		Agent:    "debugger",
		Prompt:   "An agent has produced no output. Determine whether it is stuck and unblock it.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"silent_seconds": atoiOrZero(groups[1])}
		},
	},
	{
		Name:     "ci_failure_emoji",
		Pattern:  regexp.MustCompile(`(?i)❌\s*(?:CI|Build|Pipeline)[:\s]+(.+)`),
		Anomaly:  "ci_failure",
		Priority: queue.PriorityHigh,
		Agent:    "deployment-engineer",
		Prompt:   "CI is failing. Inspect the pipeline output and repair the build.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"detail": groups[1]}
		},
	},
	{
		Name:     "ci_failure_text",
		Pattern:  regexp.MustCompile(`(?i)(?:CI|build)\s+failed`),
		Anomaly:  "ci_failure",
		Priority: queue.PriorityHigh,
		Agent:    "deployment-engineer",
		Prompt:   "CI is failing. Inspect the pipeline output and repair the build.",
	},
	{
		Name:     "pr_check_failed",
		Pattern:  regexp.MustCompile(`(?i)PR\s+check\s+failed`),
		Anomaly:  "pr_check_failed",
		Priority: queue.PriorityHigh,
		Agent:    "deployment-engineer",
		Prompt:   "A pull request check failed. Review the check output and bring the PR green.",
	},
	{
		Name:     "push_failed",
		Pattern:  regexp.MustCompile(`(?i)(?:error:\s*)?failed\s+to\s+push`),
		Anomaly:  "push_failed",
		Priority: queue.PriorityHigh,
		Agent:    "deployment-engineer",
		Prompt:   "A git push failed. Resolve the rejection and push the branch.",
	},
	{
		Name:     "exception_with_stack",
		Pattern:  regexp.MustCompile(`(?:TypeError|ReferenceError|SyntaxError|RangeError):\s*(.+?)(?:\n\s+at\s+\S+\s+\(([^:]+):(\d+))`),
		Anomaly:  "exception",
		Priority: queue.PriorityMedium,
		Agent:    "debugger",
		Prompt:   "An exception was thrown. Read the stack trace and fix the defect at its origin.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{
				"message": groups[1],
				"file":    groups[2],
				"line":    atoiOrZero(groups[3]),
			}
		},
	},
	{
		Name:     "error_generic",
		Pattern:  regexp.MustCompile(`(?i)(?:TypeError|ReferenceError|SyntaxError|RangeError|Error):\s*(.+)`),
		Anomaly:  "exception",
		Priority: queue.PriorityMedium,
		Agent:    "debugger",
		Prompt:   "An error was reported. Investigate and fix the defect at its origin.",
		Extract: func(groups []string) map[string]any {
			return map[string]any{"message": groups[1]}
		},
	},
}

// Engine scans free-form text against the rule set.
type Engine struct {
	rules         []Rule
	loopThreshold int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLoopThreshold overrides the loop detection threshold.
func WithLoopThreshold(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.loopThreshold = n
		}
	}
}

// NewEngine creates an Engine with the default rule set.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		rules:         defaultRules,
		loopThreshold: DefaultLoopThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RuleNames returns the declared rule order.
func (e *Engine) RuleNames() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Scan classifies the text. Loop detection runs first regardless of
// other matches; otherwise the first matching rule wins. Returns nil on
// empty input or no match.
func (e *Engine) Scan(text string) *Match {
	if text == "" {
		return nil
	}

	if m := e.detectLoop(text); m != nil {
		return m
	}

	for i := range e.rules {
		r := &e.rules[i]
		groups := r.Pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		ctx := map[string]any{"excerpt": excerpt(groups[0])}
		if r.Extract != nil {
			for k, v := range r.Extract(groups) {
				ctx[k] = v
			}
		}
		return &Match{
			Rule:           r.Name,
			Anomaly:        r.Anomaly,
			Priority:       r.Priority,
			Context:        ctx,
			SuggestedAgent: r.Agent,
			Prompt:         r.Prompt,
		}
	}
	return nil
}

// detectLoop counts Tool: occurrences per tool name. The busiest tool at
// or above the threshold is an agent loop.
func (e *Engine) detectLoop(text string) *Match {
	counts := make(map[string]int)
	for _, groups := range toolPattern.FindAllStringSubmatch(text, -1) {
		counts[groups[1]]++
	}

	var topTool string
	top := 0
	for tool, n := range counts {
		if n > top || (n == top && tool < topTool) {
			topTool, top = tool, n
		}
	}
	if top < e.loopThreshold {
		return nil
	}

	return &Match{
		Rule:     "agent_loop",
		Anomaly:  "agent_loop",
		Priority: queue.PriorityHigh,
		Context: map[string]any{
			"tool_name":    topTool,
			"repeat_count": top,
		},
		SuggestedAgent: "debugger",
		Prompt:         "The agent is repeating the same tool call in a loop. Break the loop and make forward progress.",
	}
}

// excerpt bounds a matched snippet for context payloads.
func excerpt(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max]
	}
	return s
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
