package state

import (
	"log/slog"
	"time"
)

// UpdateState is the self-update cache: the plugin version last seen and
// the per-prompt hashes and signatures used to detect stale caches.
// Signature verification itself happens in the external CLI; the
// supervisor only stores what it is handed.
type UpdateState struct {
	PluginVersion   string            `json:"plugin_version"`
	LastChecked     time.Time         `json:"last_checked"`
	ManifestVersion string            `json:"manifest_version,omitempty"`
	PromptHashes    map[string]string `json:"prompt_hashes,omitempty"`
	PromptSigs      map[string]string `json:"prompt_signatures,omitempty"`
}

// LoadUpdateState reads the update cache at path. Missing or malformed
// files fall back to defaults without crashing.
func LoadUpdateState(path string, logger *slog.Logger) *UpdateState {
	if logger == nil {
		logger = slog.Default()
	}
	var s UpdateState
	found, err := ReadJSON(path, &s)
	if err != nil {
		logger.Warn("Update state malformed, using defaults", "path", path, "error", err)
		return &UpdateState{}
	}
	if !found {
		return &UpdateState{}
	}
	return &s
}

// SaveUpdateState atomically persists the update cache.
func SaveUpdateState(path string, s *UpdateState) error {
	return WriteJSON(path, s)
}

// Stale reports whether the cache should be refreshed for the given
// manifest version.
func (s *UpdateState) Stale(manifestVersion string) bool {
	return s.ManifestVersion != manifestVersion
}
