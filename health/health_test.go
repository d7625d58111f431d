package health

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/501336North/oss-supervisor/state"
	"github.com/501336North/oss-supervisor/worklog"
)

func find(report *Report, name string) CheckResult {
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	return CheckResult{}
}

func noBinaries(string) (string, error) {
	return "", errors.New("not found")
}

func allBinaries(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

// writeLog appends one structured entry to the project's workflow log.
func writeLog(t *testing.T, root string, e worklog.Entry) {
	t.Helper()
	paths := state.NewPaths(root)
	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	w, err := worklog.NewWriter(paths.WorkflowLog())
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(e))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestMissingLogIsCritical(t *testing.T) {
	root := t.TempDir()
	report := NewChecker(root, WithLookPath(allBinaries)).Run()

	assert.Equal(t, StatusFail, find(report, "logging").Status)
	assert.Equal(t, OverallCritical, report.OverallStatus)
}

func TestHealthyProject(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{Cmd: "ideate", Event: worklog.EventStart})
	writeFile(t, filepath.Join(root, "PLAN.md"), "# plan")
	writeFile(t, filepath.Join(root, "PROGRESS.md"), "# progress")
	writeFile(t, filepath.Join(root, "go.mod"), "module example.test\n")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/feature/supervisor\n")

	report := NewChecker(root,
		WithLookPath(allBinaries),
		WithLastNotification(time.Now),
	).Run()

	for _, check := range report.Checks {
		assert.Equal(t, StatusPass, check.Status, check.Name+": "+check.Message)
	}
	assert.Equal(t, OverallHealthy, report.OverallStatus)
}

func TestMissingDocsFail(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{Cmd: "plan", Event: worklog.EventStart})

	report := NewChecker(root, WithLookPath(allBinaries)).Run()
	docs := find(report, "dev_docs")
	assert.Equal(t, StatusFail, docs.Status)
	assert.Contains(t, docs.Message, "PLAN.md")
	assert.Contains(t, docs.Message, "PROGRESS.md")
}

func TestStaleProgressWarnsDuringActiveSession(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{Cmd: "build", Event: worklog.EventStart})
	writeFile(t, filepath.Join(root, "PLAN.md"), "# plan")
	progress := filepath.Join(root, "PROGRESS.md")
	writeFile(t, progress, "# progress")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(progress, old, old))

	report := NewChecker(root, WithLookPath(allBinaries)).Run()
	assert.Equal(t, StatusWarn, find(report, "dev_docs").Status)
}

func TestDelegationWarnsOnSpecializedWorkWithoutAgents(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{
		Cmd:   "build",
		Event: worklog.EventMilestone,
		Data:  map[string]any{"description": "edited src/auth/login.ts"},
	})

	report := NewChecker(root, WithLookPath(allBinaries)).Run()
	delegation := find(report, "delegation")
	assert.Equal(t, StatusWarn, delegation.Status)
	assert.Contains(t, delegation.Details["expected_agents"], "typescript-pro")
}

func TestDelegationPassesWhenAgentsSpawned(t *testing.T) {
	root := t.TempDir()
	paths := state.NewPaths(root)
	require.NoError(t, os.MkdirAll(paths.ProjectDir, 0o755))
	w, err := worklog.NewWriter(paths.WorkflowLog())
	require.NoError(t, err)
	require.NoError(t, w.Append(worklog.Entry{
		Cmd:   "build",
		Event: worklog.EventMilestone,
		Data:  map[string]any{"description": "edited src/auth/login.ts"},
	}))
	require.NoError(t, w.Append(worklog.Entry{
		Cmd:   "build",
		Event: worklog.EventAgentSpawn,
		Agent: &worklog.AgentRef{Type: "typescript-pro", ID: "a1"},
	}))
	w.Close()

	report := NewChecker(root, WithLookPath(allBinaries)).Run()
	assert.Equal(t, StatusPass, find(report, "delegation").Status)
}

func TestArchiveFlagsCompletedFeature(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "features", "login", "PROGRESS.md"),
		"## Phases\n- red: done\n- green: done\n- ship: complete\n")
	writeFile(t, filepath.Join(root, "features", "signup", "PROGRESS.md"),
		"## Phases\n- red: done\n- green: in progress\n")

	report := NewChecker(root, WithLookPath(allBinaries)).Run()
	archive := find(report, "archive")
	assert.Equal(t, StatusWarn, archive.Status)
	dirs := archive.Details["directories"].([]string)
	require.Len(t, dirs, 1)
	assert.Contains(t, dirs[0], "login")
}

func TestNotifierMissingFails(t *testing.T) {
	root := t.TempDir()
	report := NewChecker(root, WithLookPath(noBinaries)).Run()
	assert.Equal(t, StatusFail, find(report, "notifications").Status)
}

func TestStaleNotificationsWarnDuringActiveSession(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{Cmd: "build", Event: worklog.EventStart})

	report := NewChecker(root,
		WithLookPath(allBinaries),
		WithLastNotification(func() time.Time { return time.Now().Add(-time.Hour) }),
	).Run()
	assert.Equal(t, StatusWarn, find(report, "notifications").Status)
}

type fakeQueue struct{ pending, max int }

func (f fakeQueue) PendingCount() int { return f.pending }
func (f fakeQueue) MaxSize() int      { return f.max }

func TestQueueSaturationWarns(t *testing.T) {
	root := t.TempDir()
	report := NewChecker(root,
		WithLookPath(allBinaries),
		WithQueue(fakeQueue{pending: 50, max: 50}),
	).Run()
	assert.Equal(t, StatusWarn, find(report, "queue").Status)

	report = NewChecker(root,
		WithLookPath(allBinaries),
		WithQueue(fakeQueue{pending: 3, max: 50}),
	).Run()
	assert.Equal(t, StatusPass, find(report, "queue").Status)
}

func TestGitSafetyWarnsOnMain(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{Cmd: "build", Event: worklog.EventStart})
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main\n")

	report := NewChecker(root, WithLookPath(allBinaries)).Run()
	git := find(report, "git_safety")
	assert.Equal(t, StatusWarn, git.Status)
	assert.Equal(t, "main", git.Details["branch"])
}

func TestOverallAggregation(t *testing.T) {
	// Warn-only project: overall is warning, not critical.
	root := t.TempDir()
	writeLog(t, root, worklog.Entry{Cmd: "build", Event: worklog.EventStart})
	writeFile(t, filepath.Join(root, "PLAN.md"), "# plan")
	writeFile(t, filepath.Join(root, "PROGRESS.md"), "# progress")
	writeFile(t, filepath.Join(root, "go.mod"), "module example.test\n")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main\n")

	report := NewChecker(root,
		WithLookPath(allBinaries),
		WithLastNotification(time.Now),
	).Run()
	assert.Equal(t, OverallWarning, report.OverallStatus)
}
