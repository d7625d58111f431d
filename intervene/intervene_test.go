package intervene

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/501336North/oss-supervisor/analyzer"
	"github.com/501336North/oss-supervisor/queue"
)

func TestResponseKindByConfidence(t *testing.T) {
	tests := []struct {
		confidence float64
		want       Response
	}{
		{0.95, ResponseAutoRemediate},
		{0.91, ResponseAutoRemediate},
		{0.90, ResponseNotifySuggest},
		{0.85, ResponseNotifySuggest},
		{0.70, ResponseNotifySuggest},
		{0.69, ResponseNotifyOnly},
		{0.30, ResponseNotifyOnly},
		{0.0, ResponseNotifyOnly},
	}
	for _, tt := range tests {
		iv := Generate(analyzer.Issue{Kind: analyzer.IssueSilence, Confidence: tt.confidence})
		assert.Equal(t, tt.want, iv.Response, "confidence %v", tt.confidence)
	}
}

// A loop at confidence 0.85 yields a suggestion with a bounded title and
// a high-priority debugger task.
func TestGenerateLoopIssue(t *testing.T) {
	iv := Generate(analyzer.Issue{
		Kind:       analyzer.IssueLoopDetected,
		Confidence: 0.85,
		Context: map[string]any{
			"tool_name":    "Grep",
			"repeat_count": 10,
		},
	})

	assert.Equal(t, ResponseNotifySuggest, iv.Response)
	assert.LessOrEqual(t, utf8.RuneCountInString(iv.Notification.Title), 20)
	assert.LessOrEqual(t, utf8.RuneCountInString(iv.Notification.Message), 50)
	assert.Equal(t, queue.PriorityHigh, iv.Notification.Priority)
	assert.Contains(t, iv.Notification.Message, "Grep")

	require.NotNil(t, iv.Task)
	assert.Equal(t, queue.PriorityHigh, iv.Task.Priority)
	assert.Equal(t, "loop_detected", iv.Task.AnomalyType)
	assert.Equal(t, "debugger", iv.Task.SuggestedAgent)
	assert.Equal(t, "workflow-monitor", iv.Task.Source)
	assert.Contains(t, iv.Task.Prompt, "Grep")
}

func TestNotifyOnlyCarriesNoTask(t *testing.T) {
	iv := Generate(analyzer.Issue{
		Kind:       analyzer.IssueDecliningVelocity,
		Confidence: 0.65,
	})
	assert.Equal(t, ResponseNotifyOnly, iv.Response)
	assert.Nil(t, iv.Task)
	assert.NotEmpty(t, iv.Notification.Title)
}

func TestAutoRemediateFailure(t *testing.T) {
	iv := Generate(analyzer.Issue{
		Kind:       analyzer.IssueExplicitFailure,
		Confidence: 0.95,
		Context:    map[string]any{"command": "green", "error": "FAIL src/auth.test.ts"},
	})

	assert.Equal(t, ResponseAutoRemediate, iv.Response)
	assert.Equal(t, queue.PriorityCritical, iv.Notification.Priority)
	require.NotNil(t, iv.Task)
	assert.Equal(t, queue.PriorityCritical, iv.Task.Priority)
	assert.Contains(t, iv.Task.Prompt, "green")
}

func TestNotificationPriorityNarrowing(t *testing.T) {
	// Medium-priority issue kinds notify at low.
	iv := Generate(analyzer.Issue{Kind: analyzer.IssueOutOfOrder, Confidence: 0.80})
	assert.Equal(t, queue.PriorityLow, iv.Notification.Priority)
	require.NotNil(t, iv.Task)
	assert.Equal(t, queue.PriorityMedium, iv.Task.Priority)
}

// The token "unknown" must never appear in rendered copy, whatever the
// context holds.
func TestUnknownNeverRendered(t *testing.T) {
	contexts := []map[string]any{
		nil,
		{},
		{"tool_name": "unknown"},
		{"tool_name": "UNKNOWN", "repeat_count": ""},
		{"command": nil, "error": "unknown"},
	}
	kinds := []analyzer.IssueKind{
		analyzer.IssueLoopDetected,
		analyzer.IssueExplicitFailure,
		analyzer.IssuePhaseStuck,
		analyzer.IssueSilence,
		analyzer.IssueOutOfOrder,
		analyzer.IssueAbandonedAgent,
		analyzer.IssueIronLawRepeated,
	}
	for _, kind := range kinds {
		for _, ctx := range contexts {
			iv := Generate(analyzer.Issue{Kind: kind, Confidence: 0.85, Context: ctx})
			assert.NotContains(t, strings.ToLower(iv.Notification.Title), "unknown", "%s title", kind)
			assert.NotContains(t, strings.ToLower(iv.Notification.Message), "unknown", "%s message", kind)
			if iv.Task != nil {
				assert.NotContains(t, strings.ToLower(iv.Task.Prompt), "unknown", "%s prompt", kind)
			}
		}
	}
}

func TestAllCatalogTitlesWithinBounds(t *testing.T) {
	for key, tpl := range catalog {
		assert.LessOrEqual(t, utf8.RuneCountInString(tpl.Title), maxTitleRunes,
			"%s/%s title too long", key.Source, key.Kind)
		assert.NotEmpty(t, tpl.Message, "%s/%s", key.Source, key.Kind)
		assert.NotEmpty(t, tpl.Prompt, "%s/%s", key.Source, key.Kind)
		assert.NotEmpty(t, tpl.Agent, "%s/%s", key.Source, key.Kind)
	}
}

func TestEveryIssueKindProducesCopy(t *testing.T) {
	kinds := []analyzer.IssueKind{
		analyzer.IssueLoopDetected, analyzer.IssueExplicitFailure,
		analyzer.IssuePhaseStuck, analyzer.IssueSilence,
		analyzer.IssueTDDViolation, analyzer.IssueOutOfOrder,
		analyzer.IssueMissingMilestones, analyzer.IssueAbruptStop,
		analyzer.IssueAbandonedAgent, analyzer.IssueDecliningVelocity,
		analyzer.IssueRegression, analyzer.IssueIronLawViolation,
		analyzer.IssueIronLawRepeated, analyzer.IssueIronLawIgnored,
		analyzer.IssueSpecDriftStructure, analyzer.IssueSpecDriftCriteria,
	}
	for _, kind := range kinds {
		iv := Generate(analyzer.Issue{Kind: kind, Confidence: 0.75})
		assert.NotEmpty(t, iv.Notification.Title, "%s", kind)
		assert.NotEmpty(t, iv.Notification.Message, "%s", kind)
		require.NotNil(t, iv.Task, "%s", kind)
		assert.Equal(t, string(kind), iv.Task.AnomalyType)
		assert.Equal(t, kind.Priority(), iv.Task.Priority)
	}
}

func TestLongMessageClamped(t *testing.T) {
	iv := Generate(analyzer.Issue{
		Kind:       analyzer.IssueExplicitFailure,
		Confidence: 0.95,
		Context: map[string]any{
			"command": "build",
			"error":   strings.Repeat("a very long error message ", 10),
		},
	})
	assert.LessOrEqual(t, utf8.RuneCountInString(iv.Notification.Message), 50)
	// The prompt keeps the full detail.
	assert.Greater(t, len(iv.Task.Prompt), 50)
}

func TestGenerateIsPure(t *testing.T) {
	issue := analyzer.Issue{
		Kind:       analyzer.IssueTDDViolation,
		Confidence: 0.90,
		Context:    map[string]any{"command": "green"},
	}
	assert.Equal(t, Generate(issue), Generate(issue))
}

func TestGenerateAllPreservesOrder(t *testing.T) {
	issues := []analyzer.Issue{
		{Kind: analyzer.IssueLoopDetected, Confidence: 0.85},
		{Kind: analyzer.IssueSilence, Confidence: 0.72},
	}
	ivs := GenerateAll(issues)
	require.Len(t, ivs, 2)
	assert.Equal(t, analyzer.IssueLoopDetected, ivs[0].Issue.Kind)
	assert.Equal(t, analyzer.IssueSilence, ivs[1].Issue.Kind)
}
