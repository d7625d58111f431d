package worklog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.log")
	w, err := NewWriter(path)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, path
}

func TestWriterAppendRoundTrip(t *testing.T) {
	w, path := newTestWriter(t)

	require.NoError(t, w.Append(Entry{
		Cmd:   "ideate",
		Event: EventComplete,
		Data:  map[string]any{"summary": "Design complete"},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "{"))
	assert.Equal(t, "# IDEATE:COMPLETE - Design complete", lines[1])

	entries, err := NewReader(path).ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventComplete, entries[0].Event)
	assert.Equal(t, "ideate", entries[0].Cmd)
	assert.Equal(t, "Design complete", entries[0].DataString("summary"))
	assert.Equal(t, time.UTC, entries[0].TS.Location())
	assert.False(t, entries[0].TS.IsZero())
}

func TestWriterSummaryDescriptions(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  string
	}{
		{
			name:  "failed with error",
			entry: Entry{Cmd: "build", Event: EventFailed, Data: map[string]any{"error": "tests broken"}},
			want:  "# BUILD:FAILED - tests broken",
		},
		{
			name:  "start with args",
			entry: Entry{Cmd: "ship", Event: EventStart, Data: map[string]any{"args": []any{"--fast", "main"}}},
			want:  "# SHIP:START - --fast main",
		},
		{
			name:  "milestone with description",
			entry: Entry{Cmd: "plan", Event: EventMilestone, Data: map[string]any{"description": "task_breakdown"}},
			want:  "# PLAN:MILESTONE - task_breakdown",
		},
		{
			name: "agent spawn",
			entry: Entry{
				Cmd: "build", Event: EventAgentSpawn,
				Agent: &AgentRef{Type: "debugger", ID: "agent-1", ParentCmd: "build"},
				Data:  map[string]any{"task": "fix flaky test"},
			},
			want: "# BUILD:AGENT_SPAWN - debugger: fix flaky test",
		},
		{
			name:  "phase qualified",
			entry: Entry{Cmd: "build", Phase: "GREEN", Event: EventPhaseStart},
			want:  "# BUILD:GREEN:PHASE_START",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, path := newTestWriter(t)
			require.NoError(t, w.Append(tt.entry))
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
			assert.Equal(t, tt.want, lines[1])
		})
	}
}

func TestWriterChecklistBlock(t *testing.T) {
	w, path := newTestWriter(t)

	require.NoError(t, w.Append(Entry{
		Cmd:   "build",
		Event: EventComplete,
		Data:  map[string]any{"summary": "done"},
		IronLaws: &Checklist{
			Law1TDD:           true,
			Law2BehaviorTests: true,
			Law3NoLoops:       true,
			Law4FeatureBranch: false,
			Law5Delegation:    true,
			Law6DocsSynced:    true,
		},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "# IRON LAW COMPLIANCE:")
	assert.Contains(t, content, "# [✗] LAW #4: Feature branch")
	assert.Contains(t, content, "# [✓] LAW #1: TDD (RED before GREEN)")
	assert.Contains(t, content, "# Result: 5/6 laws observed")

	// Every summary line is skipped; only the single data entry parses.
	entries, err := NewReader(path).ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriterMonotonicTimestamps(t *testing.T) {
	w, path := newTestWriter(t)

	later := time.Now().UTC().Add(time.Hour)
	require.NoError(t, w.Append(Entry{Cmd: "plan", Event: EventStart, TS: later}))
	require.NoError(t, w.Append(Entry{Cmd: "plan", Event: EventMilestone, TS: later.Add(-time.Minute)}))

	entries, err := NewReader(path).ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[1].TS.Before(entries[0].TS))
}

func TestWriterConcurrentAppends(t *testing.T) {
	w, path := newTestWriter(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Append(Entry{Cmd: "build", Event: EventMilestone, Data: map[string]any{"description": "m"}})
		}()
	}
	wg.Wait()

	entries, err := NewReader(path).ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestReaderSkipsMalformedAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.log")
	content := strings.Join([]string{
		`{"ts":"2026-08-26T10:00:00Z","cmd":"ideate","event":"START"}`,
		"# IDEATE:START",
		"",
		"{not json",
		`{"ts":"2026-08-26T10:01:00Z","cmd":"ideate","event":"COMPLETE","data":{"summary":"ok"}}`,
		"# IDEATE:COMPLETE - ok",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := NewReader(path).ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventStart, entries[0].Event)
	assert.Equal(t, EventComplete, entries[1].Event)
}

func TestReaderQueryLast(t *testing.T) {
	w, path := newTestWriter(t)
	require.NoError(t, w.Append(Entry{Cmd: "plan", Event: EventStart}))
	require.NoError(t, w.Append(Entry{Cmd: "build", Event: EventStart}))
	require.NoError(t, w.Append(Entry{Cmd: "build", Phase: "RED", Event: EventPhaseStart}))
	require.NoError(t, w.Append(Entry{Cmd: "build", Event: EventComplete}))

	r := NewReader(path)

	e, err := r.QueryLast(Filter{Cmd: "build", Event: EventStart})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "build", e.Cmd)

	e, err = r.QueryLast(Filter{Phase: "RED"})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, EventPhaseStart, e.Event)

	e, err = r.QueryLast(Filter{Cmd: "ship"})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestReaderMissingFile(t *testing.T) {
	entries, err := NewReader(filepath.Join(t.TempDir(), "absent.log")).ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTailerDeliversNewEntries(t *testing.T) {
	w, path := newTestWriter(t)

	var mu sync.Mutex
	var got []Entry
	tailer := NewTailer(path)
	require.NoError(t, tailer.Start(context.Background(), func(e Entry) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))
	defer tailer.Stop()

	require.NoError(t, w.Append(Entry{Cmd: "plan", Event: EventStart}))
	require.NoError(t, w.Append(Entry{Cmd: "plan", Event: EventMilestone, Data: map[string]any{"description": "task_breakdown"}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventStart, got[0].Event)
	assert.Equal(t, EventMilestone, got[1].Event)
}

func TestTailerSkipsHistory(t *testing.T) {
	w, path := newTestWriter(t)
	require.NoError(t, w.Append(Entry{Cmd: "ideate", Event: EventStart}))

	var mu sync.Mutex
	var count int
	tailer := NewTailer(path)
	require.NoError(t, tailer.Start(context.Background(), func(Entry) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer tailer.Stop()

	require.NoError(t, w.Append(Entry{Cmd: "ideate", Event: EventComplete}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTailerSurvivesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.log")
	line := `{"ts":"2026-08-26T10:00:00Z","cmd":"plan","event":"START"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line+line+line), 0o644))

	var mu sync.Mutex
	var count int
	tailer := NewTailer(path)
	require.NoError(t, tailer.Start(context.Background(), func(Entry) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer tailer.Stop()

	// Truncate below the tracked position, then write a fresh file. The
	// tailer must reset to offset 0 and deliver the new entry.
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTailerStopIsFast(t *testing.T) {
	_, path := newTestWriter(t)
	tailer := NewTailer(path)
	require.NoError(t, tailer.Start(context.Background(), func(Entry) {}))

	start := time.Now()
	tailer.Stop()
	assert.Less(t, time.Since(start), time.Second)
}
