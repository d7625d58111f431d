// Package config loads the supervisor's two configuration surfaces: the
// model-routing config (user scope merged with project scope, project
// winning) and the supervisor settings. Both are JSON, both tolerate
// missing or malformed files by falling back to defaults.
package config

import (
	"os"
	"strings"

	"github.com/501336North/oss-supervisor/state"
)

// Routing is the model-routing configuration consumed by the proxy.
type Routing struct {
	// Default is the target used when no map below names one, e.g.
	// "ollama/qwen2.5-coder:7b".
	Default string `json:"default"`
	// FallbackEnabled lets the proxy fall through to Default when a
	// mapped model's provider is unavailable.
	FallbackEnabled bool `json:"fallback_enabled"`

	Agents   map[string]string `json:"agents,omitempty"`
	Commands map[string]string `json:"commands,omitempty"`
	Skills   map[string]string `json:"skills,omitempty"`
	Hooks    map[string]string `json:"hooks,omitempty"`

	// APIKeys maps provider name to credential. Environment variables
	// override these entries.
	APIKeys map[string]string `json:"api_keys,omitempty"`

	// OllamaBaseURL overrides the local handler endpoint.
	OllamaBaseURL string `json:"ollama_base_url,omitempty"`
}

// DefaultRouting returns the baseline routing config.
func DefaultRouting() *Routing {
	return &Routing{
		Default:         "ollama/qwen2.5-coder:7b",
		FallbackEnabled: true,
		Agents:          map[string]string{},
		Commands:        map[string]string{},
		Skills:          map[string]string{},
		Hooks:           map[string]string{},
		APIKeys:         map[string]string{},
	}
}

// envKeyOverrides maps environment variables to api-key providers.
var envKeyOverrides = map[string]string{
	"OPENROUTER_API_KEY": "openrouter",
	"OPENAI_API_KEY":     "openai",
	"GEMINI_API_KEY":     "gemini",
}

// LoadRouting merges defaults, the user-scope config, the project-scope
// config, and environment overrides, in that order. Malformed files are
// skipped with defaults preserved.
func LoadRouting(paths state.Paths) *Routing {
	r := DefaultRouting()

	for _, path := range []string{paths.UserConfig(), paths.ProjectConfig()} {
		var layer routingFile
		if found, err := state.ReadJSON(path, &layer); err == nil && found {
			r.merge(&layer)
		}
	}

	for env, provider := range envKeyOverrides {
		if v := os.Getenv(env); v != "" {
			r.APIKeys[provider] = v
		}
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		r.OllamaBaseURL = v
	}
	return r
}

// routingFile is the on-disk shape of one config layer. FallbackEnabled
// is a pointer so an absent key does not clobber the merged value.
type routingFile struct {
	Default         string            `json:"default"`
	FallbackEnabled *bool             `json:"fallback_enabled"`
	Agents          map[string]string `json:"agents"`
	Commands        map[string]string `json:"commands"`
	Skills          map[string]string `json:"skills"`
	Hooks           map[string]string `json:"hooks"`
	APIKeys         map[string]string `json:"api_keys"`
	OllamaBaseURL   string            `json:"ollama_base_url"`
}

// merge overlays non-zero fields of layer onto r. Map entries are merged
// key-by-key with the layer winning.
func (r *Routing) merge(layer *routingFile) {
	if layer.Default != "" {
		r.Default = layer.Default
	}
	if layer.FallbackEnabled != nil {
		r.FallbackEnabled = *layer.FallbackEnabled
	}
	if layer.OllamaBaseURL != "" {
		r.OllamaBaseURL = layer.OllamaBaseURL
	}
	mergeMap(r.Agents, layer.Agents)
	mergeMap(r.Commands, layer.Commands)
	mergeMap(r.Skills, layer.Skills)
	mergeMap(r.Hooks, layer.Hooks)
	mergeMap(r.APIKeys, layer.APIKeys)
}

func mergeMap(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// Resolve returns the model target for a named agent, command, skill, or
// hook, falling back to Default.
func (r *Routing) Resolve(kind, name string) string {
	var m map[string]string
	switch kind {
	case "agent":
		m = r.Agents
	case "command":
		m = r.Commands
	case "skill":
		m = r.Skills
	case "hook":
		m = r.Hooks
	}
	if target, ok := m[name]; ok && target != "" {
		return target
	}
	return r.Default
}

// SplitTarget splits "provider/model" into its parts. Ok is false when
// the target has no provider prefix.
func SplitTarget(target string) (provider, model string, ok bool) {
	provider, model, ok = strings.Cut(target, "/")
	if !ok || provider == "" || model == "" {
		return "", "", false
	}
	return provider, model, true
}
