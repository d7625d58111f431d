package rules

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/501336North/oss-supervisor/queue"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCustomRules(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: oom_killed
    pattern: "(?i)out of memory"
    anomaly: resource_exhaustion
    priority: critical
    agent: debugger
    prompt: The process ran out of memory. Find the allocation hot spot.
  - name: lint_failed
    pattern: "(?i)lint failed"
    anomaly: ci_failure
`)

	rules, err := LoadCustomRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "oom_killed", rules[0].Name)
	assert.Equal(t, queue.PriorityCritical, rules[0].Priority)
	// Unrecognized or absent priority defaults to medium.
	assert.Equal(t, queue.PriorityMedium, rules[1].Priority)
}

func TestLoadCustomRulesMissingFileIsEmpty(t *testing.T) {
	rules, err := LoadCustomRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestLoadCustomRulesRejectsBadPattern(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: broken
    pattern: "(unclosed"
    anomaly: exception
`)
	_, err := LoadCustomRules(path)
	assert.Error(t, err)
}

func TestLoadCustomRulesRequiresFields(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: incomplete
    pattern: "x"
`)
	_, err := LoadCustomRules(path)
	assert.Error(t, err)
}

func TestCustomRulesScanBeforeBuiltins(t *testing.T) {
	custom := []Rule{{
		Name:     "custom_ci",
		Pattern:  regexp.MustCompile(`(?i)build failed`),
		Anomaly:  "custom_ci",
		Priority: queue.PriorityLow,
	}}
	engine := NewEngine(WithCustomRules(custom))

	m := engine.Scan("the build failed on main")
	require.NotNil(t, m)
	assert.Equal(t, "custom_ci", m.Rule)
	assert.Equal(t, "custom_ci", m.Anomaly)
}

func TestCustomRulesEmptyOverlayKeepsDefaults(t *testing.T) {
	engine := NewEngine(WithCustomRules(nil))

	m := engine.Scan("error: failed to push some refs")
	require.NotNil(t, m)
	assert.Equal(t, "push_failed", m.Rule)
}
