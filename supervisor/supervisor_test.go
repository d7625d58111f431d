package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/501336North/oss-supervisor/config"
	"github.com/501336North/oss-supervisor/intervene"
	"github.com/501336North/oss-supervisor/queue"
	"github.com/501336North/oss-supervisor/state"
	"github.com/501336North/oss-supervisor/worklog"
)

// quietSettings turns the compliance timer down so tests stay fast.
func quietSettings() *config.Settings {
	s := config.DefaultSettings()
	s.ComplianceIntervalSeconds = 1
	return s
}

func startSupervisor(t *testing.T, root string, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	opts = append([]SupervisorOption{WithSettings(quietSettings())}, opts...)
	sup := New(root, opts...)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)
	return sup
}

func appendEntries(t *testing.T, root string, entries ...worklog.Entry) {
	t.Helper()
	paths := state.NewPaths(root)
	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	w, err := worklog.NewWriter(paths.WorkflowLog())
	require.NoError(t, err)
	defer w.Close()
	for _, e := range entries {
		require.NoError(t, w.Append(e))
	}
}

func TestPIDFileConflict(t *testing.T) {
	root := t.TempDir()
	sup := startSupervisor(t, root)
	defer sup.Stop()

	second := New(root, WithSettings(quietSettings()))
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrConflict)
}

func TestStalePIDFileCleaned(t *testing.T) {
	root := t.TempDir()
	paths := state.NewPaths(root)
	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	require.NoError(t, os.WriteFile(paths.PIDFile(), []byte("999999999"), 0o644))

	orig := processAlive
	processAlive = func(int) bool { return false }
	defer func() { processAlive = orig }()

	sup := startSupervisor(t, root)
	defer sup.Stop()

	raw, err := os.ReadFile(paths.PIDFile())
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(raw))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStopReleasesPIDFileQuickly(t *testing.T) {
	root := t.TempDir()
	sup := startSupervisor(t, root)

	begin := time.Now()
	sup.Stop()
	assert.Less(t, time.Since(begin), time.Second)

	_, err := os.Stat(state.NewPaths(root).PIDFile())
	assert.True(t, os.IsNotExist(err))

	// Stop is idempotent.
	sup.Stop()
}

func TestEntryUpdatesSnapshot(t *testing.T) {
	root := t.TempDir()
	sup := startSupervisor(t, root)

	appendEntries(t, root,
		worklog.Entry{Cmd: "ideate", Event: worklog.EventStart},
		worklog.Entry{Cmd: "ideate", Event: worklog.EventComplete,
			Data: map[string]any{"summary": "done"}},
	)

	require.Eventually(t, func() bool {
		return sup.Snapshot().ChainProgress["ideate"] == "complete"
	}, 3*time.Second, 20*time.Millisecond)

	snap := sup.Snapshot()
	assert.Equal(t, "ideate", snap.CurrentCmd)
	assert.Equal(t, "plan", snap.NextSuggested)

	// The snapshot file is persisted too.
	loaded, found := state.LoadChainSnapshot(state.NewPaths(root).WorkflowState(), nil)
	require.True(t, found)
	assert.Equal(t, "complete", loaded.ChainProgress["ideate"])
}

func TestSnapshotRebuiltFromLogAtStart(t *testing.T) {
	root := t.TempDir()
	appendEntries(t, root,
		worklog.Entry{Cmd: "ideate", Event: worklog.EventStart},
		worklog.Entry{Cmd: "ideate", Event: worklog.EventComplete},
		worklog.Entry{Cmd: "plan", Event: worklog.EventStart},
	)

	sup := startSupervisor(t, root)
	defer sup.Stop()

	snap := sup.Snapshot()
	assert.Equal(t, "complete", snap.ChainProgress["ideate"])
	assert.Equal(t, "active", snap.ChainProgress["plan"])
	assert.Equal(t, "plan", snap.CurrentCmd)
}

func TestFailureEnqueuesTaskAndNotifies(t *testing.T) {
	root := t.TempDir()
	var mu sync.Mutex
	var notes []intervene.Notification
	sup := startSupervisor(t, root, WithNotifier(func(n intervene.Notification) {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, n)
	}))

	appendEntries(t, root,
		worklog.Entry{Cmd: "ship", Event: worklog.EventStart},
		worklog.Entry{Cmd: "ship", Event: worklog.EventFailed,
			Data: map[string]any{"error": "failed to push some refs"}},
	)

	require.Eventually(t, func() bool {
		return sup.Queue().PendingCount() > 0
	}, 3*time.Second, 20*time.Millisecond)

	task := sup.Queue().NextPending()
	require.NotNil(t, task)
	assert.Equal(t, queue.PriorityCritical, task.Priority)
	assert.Equal(t, "explicit_failure", task.AnomalyType)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, notes)
	assert.NotEmpty(t, notes[0].Title)
}

func TestTDDSemaphoreSuppressesTestFailure(t *testing.T) {
	root := t.TempDir()
	paths := state.NewPaths(root)
	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	require.NoError(t, state.AcquireTDDLock(paths.TDDLock(), "red", "auth"))

	sup := startSupervisor(t, root)

	appendEntries(t, root,
		worklog.Entry{Cmd: "green", Event: worklog.EventStart},
		worklog.Entry{Cmd: "green", Event: worklog.EventFailed,
			Data: map[string]any{"error": "FAIL src/auth.test.ts"}},
	)

	// Give the tailer time to deliver; the test-failure task must not
	// appear while the semaphore is held.
	time.Sleep(500 * time.Millisecond)
	for _, task := range sup.Queue().Tasks() {
		assert.NotEqual(t, "explicit_failure", task.AnomalyType)
		assert.NotEqual(t, "test_failure", task.AnomalyType)
	}
}

func TestRuleEngineEnqueuesFromErrorText(t *testing.T) {
	root := t.TempDir()
	sup := startSupervisor(t, root)

	appendEntries(t, root,
		worklog.Entry{Cmd: "ship", Event: worklog.EventMilestone,
			Data: map[string]any{
				"description": "push attempt",
				"output":      "error: failed to push some refs to origin",
			}},
	)

	require.Eventually(t, func() bool {
		for _, task := range sup.Queue().Tasks() {
			if task.AnomalyType == "push_failed" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDuplicateIssuesEnqueueOnce(t *testing.T) {
	root := t.TempDir()
	sup := startSupervisor(t, root)

	appendEntries(t, root,
		worklog.Entry{Cmd: "build", Event: worklog.EventStart},
		worklog.Entry{Cmd: "build", Event: worklog.EventFailed,
			Data: map[string]any{"error": "boom"}},
	)

	require.Eventually(t, func() bool {
		return sup.Queue().PendingCount() > 0
	}, 3*time.Second, 20*time.Millisecond)

	// More entries trigger re-analysis; the same failure must not be
	// enqueued again.
	appendEntries(t, root,
		worklog.Entry{Cmd: "triage", Event: worklog.EventStart},
		worklog.Entry{Cmd: "triage", Event: worklog.EventComplete},
	)
	time.Sleep(300 * time.Millisecond)

	count := 0
	for _, task := range sup.Queue().Tasks() {
		if task.AnomalyType == "explicit_failure" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestChecklistFeedsComplianceMonitor(t *testing.T) {
	root := t.TempDir()
	sup := startSupervisor(t, root)

	failing := &worklog.Checklist{
		Law1TDD: true, Law2BehaviorTests: true, Law3NoLoops: true,
		Law4FeatureBranch: false, Law5Delegation: true, Law6DocsSynced: true,
	}
	appendEntries(t, root,
		worklog.Entry{Cmd: "build", Event: worklog.EventComplete, IronLaws: failing},
		worklog.Entry{Cmd: "ship", Event: worklog.EventComplete, IronLaws: failing},
	)

	// Second failed checklist escalates law 4 to a low-priority task.
	require.Eventually(t, func() bool {
		for _, task := range sup.Queue().Tasks() {
			if task.AnomalyType == "iron_law_violation" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPreCheckScanEscalation(t *testing.T) {
	root := t.TempDir()
	paths := state.NewPaths(root)
	sup := startSupervisor(t, root)

	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	block := func(msg string) string {
		return fmt.Sprintf("# IRON LAW PRE-CHECK\n# [✗] LAW #4: %s\n\n", msg)
	}
	f, err := os.OpenFile(paths.WorkflowLog(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(block("On main branch") + block("Still on main"))
	require.NoError(t, err)
	f.Close()

	require.Eventually(t, func() bool {
		for _, task := range sup.Queue().Tasks() {
			if task.AnomalyType == "iron_law_violation" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}
