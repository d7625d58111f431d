package state

import (
	"log/slog"
	"time"
)

// snapshotVersion is the schema version for workflow-state.json.
const snapshotVersion = "1.0"

// maxRecentMilestones bounds the milestone timestamp history kept in the
// snapshot.
const maxRecentMilestones = 20

// ChainSnapshot is the persisted workflow-state cache. It is derived
// from the log and rebuildable from it; the file is owned exclusively by
// the orchestrator.
type ChainSnapshot struct {
	Version        string            `json:"version"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CurrentCmd     string            `json:"current_cmd"`
	CurrentPhase   string            `json:"current_phase,omitempty"`
	ChainProgress  map[string]string `json:"chain_progress"`
	Milestones     []time.Time       `json:"recent_milestones,omitempty"`
	LastActivity   time.Time         `json:"last_activity"`
	NextSuggested  string            `json:"next_suggested,omitempty"`
	CurrentCommand string            `json:"currentCommand,omitempty"`
	NextCommand    string            `json:"nextCommand,omitempty"`
}

// DefaultChainSnapshot returns an empty snapshot.
func DefaultChainSnapshot() *ChainSnapshot {
	return &ChainSnapshot{
		Version:       snapshotVersion,
		ChainProgress: make(map[string]string),
	}
}

// RecordMilestone appends a milestone timestamp, trimming the history.
func (s *ChainSnapshot) RecordMilestone(ts time.Time) {
	s.Milestones = append(s.Milestones, ts)
	if len(s.Milestones) > maxRecentMilestones {
		s.Milestones = s.Milestones[len(s.Milestones)-maxRecentMilestones:]
	}
}

// LoadChainSnapshot reads the snapshot at path. Missing or malformed
// files yield the default snapshot; the second return reports whether a
// valid file was found.
func LoadChainSnapshot(path string, logger *slog.Logger) (*ChainSnapshot, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	s := DefaultChainSnapshot()
	found, err := ReadJSON(path, s)
	if err != nil {
		logger.Warn("Snapshot file malformed, using defaults", "path", path, "error", err)
		return DefaultChainSnapshot(), false
	}
	if !found {
		return s, false
	}
	if s.ChainProgress == nil {
		s.ChainProgress = make(map[string]string)
	}
	return s, true
}

// SaveChainSnapshot atomically persists the snapshot.
func SaveChainSnapshot(path string, s *ChainSnapshot) error {
	s.Version = snapshotVersion
	s.UpdatedAt = time.Now().UTC()
	return WriteJSON(path, s)
}
