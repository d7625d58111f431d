package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/501336North/oss-supervisor/queue"
)

func TestScanEmptyInput(t *testing.T) {
	assert.Nil(t, NewEngine().Scan(""))
}

func TestScanNoMatch(t *testing.T) {
	assert.Nil(t, NewEngine().Scan("all tests passing, build green, nothing to see"))
}

func TestLoopDetectionWinsOverRules(t *testing.T) {
	// Text contains both a test failure and a tool loop; the loop wins.
	var b strings.Builder
	b.WriteString("FAIL src/auth.test.ts\n")
	for i := 0; i < 6; i++ {
		b.WriteString("Tool: Grep\n")
	}

	m := NewEngine().Scan(b.String())
	require.NotNil(t, m)
	assert.Equal(t, "agent_loop", m.Anomaly)
	assert.Equal(t, queue.PriorityHigh, m.Priority)
	assert.Equal(t, "debugger", m.SuggestedAgent)
	assert.Equal(t, "Grep", m.Context["tool_name"])
	assert.GreaterOrEqual(t, m.Context["repeat_count"].(int), 5)
}

func TestLoopThresholdConfigurable(t *testing.T) {
	text := "Tool: Read\nTool: Read\nTool: Read\n"
	assert.Nil(t, NewEngine().Scan(text))

	m := NewEngine(WithLoopThreshold(3)).Scan(text)
	require.NotNil(t, m)
	assert.Equal(t, "Read", m.Context["tool_name"])
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		rule     string
		anomaly  string
		priority queue.Priority
		agent    string
		context  map[string]any
	}{
		{
			name:     "fail test file",
			input:    "FAIL src/components/Login.test.tsx (3.2s)",
			rule:     "test_failure_fail",
			anomaly:  "test_failure",
			priority: queue.PriorityHigh,
			agent:    "debugger",
			context:  map[string]any{"file": "src/components/Login.test.tsx"},
		},
		{
			name:     "vitest failure",
			input:    "❯ src/utils/date.test.ts (4 tests | 2 failed)",
			rule:     "test_failure_vitest",
			anomaly:  "test_failure",
			priority: queue.PriorityHigh,
			agent:    "debugger",
			context:  map[string]any{"file": "src/utils/date.test.ts"},
		},
		{
			name:    "generic test failure",
			input:   "Test failed: expected 3 to equal 4",
			rule:    "test_failure_generic",
			anomaly: "test_failure",
			agent:   "debugger",
			context: map[string]any{"detail": "expected 3 to equal 4"},
		},
		{
			name:    "command timeout",
			input:   "Command timed out after 120 seconds",
			rule:    "agent_stuck_timeout",
			anomaly: "agent_stuck",
			agent:   "debugger",
			context: map[string]any{"timeout_seconds": 120},
		},
		{
			name:    "no output",
			input:   "no output received for 90 seconds",
			rule:    "agent_stuck_no_output",
			anomaly: "agent_stuck",
			agent:   "debugger",
			context: map[string]any{"silent_seconds": 90},
		},
		{
			name:    "ci emoji",
			input:   "❌ CI: lint stage exploded",
			rule:    "ci_failure_emoji",
			anomaly: "ci_failure",
			agent:   "deployment-engineer",
			context: map[string]any{"detail": "lint stage exploded"},
		},
		{
			name:    "ci text",
			input:   "the build failed on main",
			rule:    "ci_failure_text",
			anomaly: "ci_failure",
			agent:   "deployment-engineer",
		},
		{
			name:    "pr check",
			input:   "PR check failed: required review missing",
			rule:    "pr_check_failed",
			anomaly: "pr_check_failed",
			agent:   "deployment-engineer",
		},
		{
			name:    "push failed",
			input:   "error: failed to push some refs to origin",
			rule:    "push_failed",
			anomaly: "push_failed",
			agent:   "deployment-engineer",
		},
		{
			name:     "exception with stack",
			input:    "TypeError: cannot read properties of undefined\n    at renderList (src/list.ts:42:7)",
			rule:     "exception_with_stack",
			anomaly:  "exception",
			priority: queue.PriorityMedium,
			agent:    "debugger",
			context:  map[string]any{"file": "src/list.ts", "line": 42},
		},
		{
			name:     "generic error",
			input:    "Error: ENOENT no such file or directory",
			rule:     "error_generic",
			anomaly:  "exception",
			priority: queue.PriorityMedium,
			agent:    "debugger",
		},
	}

	engine := NewEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := engine.Scan(tt.input)
			require.NotNil(t, m)
			assert.Equal(t, tt.rule, m.Rule)
			assert.Equal(t, tt.anomaly, m.Anomaly)
			assert.Equal(t, tt.agent, m.SuggestedAgent)
			if tt.priority != "" {
				assert.Equal(t, tt.priority, m.Priority)
			}
			for k, v := range tt.context {
				assert.Equal(t, v, m.Context[k], "context key %s", k)
			}
			assert.NotEmpty(t, m.Prompt)
			assert.NotEmpty(t, m.Context["excerpt"])
		})
	}
}

func TestRuleOrderFirstMatchWins(t *testing.T) {
	// Input matches both test_failure_fail and error_generic; the
	// earlier rule must win.
	m := NewEngine().Scan("FAIL src/a.test.ts\nError: assertion blew up")
	require.NotNil(t, m)
	assert.Equal(t, "test_failure_fail", m.Rule)
}

func TestRuleNamesStable(t *testing.T) {
	assert.Equal(t, []string{
		"test_failure_fail",
		"test_failure_vitest",
		"test_failure_generic",
		"agent_stuck_timeout",
		"agent_stuck_no_output",
		"ci_failure_emoji",
		"ci_failure_text",
		"pr_check_failed",
		"push_failed",
		"exception_with_stack",
		"error_generic",
	}, NewEngine().RuleNames())
}
