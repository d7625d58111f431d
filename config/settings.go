package config

import (
	"fmt"
	"time"

	"github.com/501336North/oss-supervisor/state"
)

// Settings are the user-scope supervisor preferences stored in
// settings.json.
type Settings struct {
	// Notifications master switch and default sound name.
	NotificationsEnabled bool   `json:"notifications_enabled"`
	NotificationSound    string `json:"notification_sound,omitempty"`

	// ComplianceMode is "always" or "workflow-only".
	ComplianceMode string `json:"compliance_mode"`
	// ComplianceIntervalSeconds is the periodic scan interval.
	ComplianceIntervalSeconds int `json:"compliance_interval_seconds"`

	// QueueMaxSize caps the live remediation queue.
	QueueMaxSize int `json:"queue_max_size"`

	// ProxyPort is the model-routing proxy listen port.
	ProxyPort int `json:"proxy_port"`

	// LLM fallback classifier settings.
	LLMEndpoint        string  `json:"llm_endpoint,omitempty"`
	LLMModel           string  `json:"llm_model,omitempty"`
	LLMConfidenceFloor float64 `json:"llm_confidence_floor"`
}

// DefaultSettings returns the baseline preferences.
func DefaultSettings() *Settings {
	return &Settings{
		NotificationsEnabled:      true,
		NotificationSound:         "Glass",
		ComplianceMode:            "always",
		ComplianceIntervalSeconds: 5,
		QueueMaxSize:              50,
		ProxyPort:                 3456,
		LLMConfidenceFloor:        0.7,
	}
}

// Validate rejects settings the supervisor cannot run with.
func (s *Settings) Validate() error {
	if s.ComplianceMode != "always" && s.ComplianceMode != "workflow-only" {
		return fmt.Errorf("%w: compliance_mode %q", state.ErrInvalidInput, s.ComplianceMode)
	}
	if s.ComplianceIntervalSeconds <= 0 {
		return fmt.Errorf("%w: compliance_interval_seconds must be positive", state.ErrInvalidInput)
	}
	if s.QueueMaxSize <= 0 {
		return fmt.Errorf("%w: queue_max_size must be positive", state.ErrInvalidInput)
	}
	if s.ProxyPort <= 0 || s.ProxyPort > 65535 {
		return fmt.Errorf("%w: proxy_port %d out of range", state.ErrInvalidInput, s.ProxyPort)
	}
	if s.LLMConfidenceFloor < 0 || s.LLMConfidenceFloor > 1 {
		return fmt.Errorf("%w: llm_confidence_floor must be in [0,1]", state.ErrInvalidInput)
	}
	return nil
}

// ComplianceInterval returns the scan interval as a duration.
func (s *Settings) ComplianceInterval() time.Duration {
	return time.Duration(s.ComplianceIntervalSeconds) * time.Second
}

// LoadSettings reads the user settings file, falling back to defaults on
// a missing or malformed file. Invalid values in a well-formed file also
// fall back, field-by-field is not attempted; the file is taken whole or
// not at all.
func LoadSettings(paths state.Paths) *Settings {
	s := DefaultSettings()

	var loaded Settings
	found, err := state.ReadJSON(paths.Settings(), &loaded)
	if err != nil || !found {
		return s
	}
	if err := loaded.Validate(); err != nil {
		return s
	}
	return &loaded
}

// SaveSettings persists the settings atomically.
func SaveSettings(paths state.Paths, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return state.WriteJSON(paths.Settings(), s)
}
