package health

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/501336North/oss-supervisor/worklog"
)

// delegationHints maps source file extensions to the specialist agent
// expected to handle them.
var delegationHints = map[string]string{
	".ts":    "typescript-pro",
	".tsx":   "typescript-pro",
	".py":    "python-pro",
	".go":    "golang-pro",
	".java":  "java-pro",
	".swift": "ios-developer",
	".dart":  "flutter-expert",
}

// activeSession reports whether the log has been touched recently enough
// to count the session as live.
func (c *Checker) activeSession() bool {
	info, err := os.Stat(c.paths.WorkflowLog())
	if err != nil {
		return false
	}
	return c.now().Sub(info.ModTime()) < activeSessionWindow
}

// checkLogging verifies the session log exists, is fresh under an active
// session, and carries at least one structured entry.
func (c *Checker) checkLogging() CheckResult {
	path := c.paths.WorkflowLog()
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{
			Name:    "logging",
			Status:  StatusFail,
			Message: "workflow log missing",
			Details: map[string]any{"path": path},
		}
	}

	entries, err := worklog.NewReader(path).ReadAll()
	if err != nil || len(entries) == 0 {
		return CheckResult{
			Name:    "logging",
			Status:  StatusWarn,
			Message: "workflow log has no structured entries",
			Details: map[string]any{"path": path},
		}
	}

	age := c.now().Sub(info.ModTime())
	if age >= activeSessionWindow {
		return CheckResult{
			Name:    "logging",
			Status:  StatusWarn,
			Message: fmt.Sprintf("workflow log stale for %s", age.Round(time.Second)),
			Details: map[string]any{"entries": len(entries)},
		}
	}

	return CheckResult{
		Name:    "logging",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d entries, last write %s ago", len(entries), age.Round(time.Second)),
	}
}

// checkDevDocs verifies PLAN.md and PROGRESS.md exist and that
// PROGRESS.md is kept current during an active session.
func (c *Checker) checkDevDocs() CheckResult {
	var missing []string
	for _, doc := range []string{"PLAN.md", "PROGRESS.md"} {
		if _, err := os.Stat(filepath.Join(c.projectRoot, doc)); err != nil {
			missing = append(missing, doc)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "dev_docs",
			Status:  StatusFail,
			Message: "required docs missing: " + strings.Join(missing, ", "),
		}
	}

	if c.activeSession() {
		info, err := os.Stat(filepath.Join(c.projectRoot, "PROGRESS.md"))
		if err == nil {
			if age := c.now().Sub(info.ModTime()); age >= progressDocWindow {
				return CheckResult{
					Name:    "dev_docs",
					Status:  StatusWarn,
					Message: fmt.Sprintf("PROGRESS.md untouched for %s during active session", age.Round(time.Minute)),
				}
			}
		}
	}

	return CheckResult{Name: "dev_docs", Status: StatusPass, Message: "PLAN.md and PROGRESS.md present"}
}

// checkDelegation verifies that when specialized file types show up in
// tool milestones, matching delegated agents were spawned.
func (c *Checker) checkDelegation() CheckResult {
	if !c.activeSession() {
		return CheckResult{Name: "delegation", Status: StatusPass, Message: "no active session"}
	}

	entries, err := worklog.NewReader(c.paths.WorkflowLog()).ReadAll()
	if err != nil {
		return CheckResult{Name: "delegation", Status: StatusWarn, Message: "could not read workflow log"}
	}

	expected := make(map[string]bool)
	spawned := false
	for i := range entries {
		e := &entries[i]
		if e.Event == worklog.EventAgentSpawn || e.Agent != nil {
			spawned = true
			continue
		}
		if e.Event != worklog.EventMilestone {
			continue
		}
		for _, file := range extractFiles(e.DataString("description")) {
			if agent, ok := delegationHints[filepath.Ext(file)]; ok {
				expected[agent] = true
			}
		}
	}

	if len(expected) > 0 && !spawned {
		agents := make([]string, 0, len(expected))
		for agent := range expected {
			agents = append(agents, agent)
		}
		return CheckResult{
			Name:    "delegation",
			Status:  StatusWarn,
			Message: "specialized file work without delegated agents",
			Details: map[string]any{"expected_agents": agents},
		}
	}

	return CheckResult{Name: "delegation", Status: StatusPass, Message: "delegation in use"}
}

var filePattern = regexp.MustCompile(`\S+\.\w+`)

// extractFiles pulls path-looking tokens out of a milestone description.
func extractFiles(s string) []string {
	return filePattern.FindAllString(s, -1)
}

// completionPattern flags a feature PROGRESS.md that reports its final
// phases done.
var completionPattern = regexp.MustCompile(`(?i)(ship|integration)[^\n]*(complete|done|✅)`)

// checkArchive flags completed feature directories still sitting under
// the active features path.
func (c *Checker) checkArchive() CheckResult {
	root := os.DirFS(c.projectRoot)
	matches, err := doublestar.Glob(root, "features/**/PROGRESS.md")
	if err != nil || len(matches) == 0 {
		return CheckResult{Name: "archive", Status: StatusPass, Message: "no feature directories"}
	}

	var stale []string
	for _, match := range matches {
		content, err := os.ReadFile(filepath.Join(c.projectRoot, match))
		if err != nil {
			continue
		}
		if completionPattern.Match(content) {
			stale = append(stale, filepath.Dir(match))
		}
	}

	if len(stale) > 0 {
		return CheckResult{
			Name:    "archive",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d completed feature(s) not yet archived", len(stale)),
			Details: map[string]any{"directories": stale},
		}
	}
	return CheckResult{Name: "archive", Status: StatusPass, Message: "no completed features awaiting archive"}
}

// checkNotifications verifies a notifier binary is discoverable and that
// notifications are actually flowing during an active session.
func (c *Checker) checkNotifications() CheckResult {
	found := ""
	for _, bin := range c.notifierBinaries {
		if path, err := c.lookPath(bin); err == nil {
			found = path
			break
		}
	}
	if found == "" {
		return CheckResult{
			Name:    "notifications",
			Status:  StatusFail,
			Message: "no notifier binary discoverable",
			Details: map[string]any{"probed": c.notifierBinaries},
		}
	}

	if c.activeSession() {
		last := c.lastNotification()
		if last.IsZero() || c.now().Sub(last) >= notificationWindow {
			return CheckResult{
				Name:    "notifications",
				Status:  StatusWarn,
				Message: "no notification delivered in the last 30 minutes",
				Details: map[string]any{"notifier": found},
			}
		}
	}

	return CheckResult{Name: "notifications", Status: StatusPass, Message: "notifier available"}
}

// checkQueue verifies the queue is wired and not saturated.
func (c *Checker) checkQueue() CheckResult {
	if c.pending == nil {
		return CheckResult{Name: "queue", Status: StatusPass, Message: "queue not attached"}
	}
	pending, max := c.pending.PendingCount(), c.pending.MaxSize()
	if max > 0 && pending >= max {
		return CheckResult{
			Name:    "queue",
			Status:  StatusWarn,
			Message: fmt.Sprintf("queue saturated at %d tasks", pending),
		}
	}
	return CheckResult{
		Name:    "queue",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d pending task(s)", pending),
	}
}

// checkQualityGates verifies a test or lint configuration exists for the
// project's primary toolchain.
func (c *Checker) checkQualityGates() CheckResult {
	for _, marker := range []string{"go.mod", "package.json", "pyproject.toml", "Makefile"} {
		if _, err := os.Stat(filepath.Join(c.projectRoot, marker)); err == nil {
			return CheckResult{Name: "quality_gates", Status: StatusPass, Message: marker + " present"}
		}
	}
	return CheckResult{
		Name:    "quality_gates",
		Status:  StatusWarn,
		Message: "no recognizable build configuration",
	}
}

// checkGitSafety warns when workflow activity is happening directly on a
// default branch.
func (c *Checker) checkGitSafety() CheckResult {
	head, err := os.ReadFile(filepath.Join(c.projectRoot, ".git", "HEAD"))
	if err != nil {
		return CheckResult{Name: "git_safety", Status: StatusWarn, Message: "not a git repository"}
	}

	ref := strings.TrimSpace(string(head))
	branch := strings.TrimPrefix(ref, "ref: refs/heads/")
	if c.activeSession() && (branch == "main" || branch == "master") {
		return CheckResult{
			Name:    "git_safety",
			Status:  StatusWarn,
			Message: "active session on " + branch,
			Details: map[string]any{"branch": branch},
		}
	}
	return CheckResult{Name: "git_safety", Status: StatusPass, Message: "on branch " + branch}
}
