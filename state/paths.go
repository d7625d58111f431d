package state

import (
	"os"
	"path/filepath"
)

// DirName is the dot-directory holding all supervisor state.
const DirName = ".oss"

// Paths resolves the well-known state file locations for a project.
type Paths struct {
	// ProjectDir is the project-scope .oss directory.
	ProjectDir string
	// UserDir is the user-scope .oss directory.
	UserDir string
}

// NewPaths builds Paths for the given project root. The user scope
// defaults to $HOME/.oss.
func NewPaths(projectRoot string) Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Paths{
		ProjectDir: filepath.Join(projectRoot, DirName),
		UserDir:    filepath.Join(home, DirName),
	}
}

// WorkflowLog is the append-only structured log.
func (p Paths) WorkflowLog() string { return filepath.Join(p.ProjectDir, "workflow.log") }

// WorkflowState is the chain-progress snapshot.
func (p Paths) WorkflowState() string { return filepath.Join(p.ProjectDir, "workflow-state.json") }

// QueueDir is the directory holding queue.json and its archives.
func (p Paths) QueueDir() string { return p.ProjectDir }

// TDDLock is the presence-only TDD-mode semaphore.
func (p Paths) TDDLock() string { return filepath.Join(p.ProjectDir, "tdd-mode.lock") }

// PIDFile is the supervisor uniqueness file.
func (p Paths) PIDFile() string { return filepath.Join(p.ProjectDir, "watcher.pid") }

// CustomRules is the optional user rules overlay for the rule engine.
func (p Paths) CustomRules() string { return filepath.Join(p.ProjectDir, "rules.yaml") }

// ProjectConfig is the project-scope model-routing config.
func (p Paths) ProjectConfig() string { return filepath.Join(p.ProjectDir, "config.json") }

// UserConfig is the user-scope model-routing config.
func (p Paths) UserConfig() string { return filepath.Join(p.UserDir, "config.json") }

// Settings is the user-scope notification + supervisor preferences file.
func (p Paths) Settings() string { return filepath.Join(p.UserDir, "settings.json") }

// UpdateState is the self-update cache.
func (p Paths) UpdateState() string { return filepath.Join(p.UserDir, "update-state.json") }
