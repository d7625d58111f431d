package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/501336North/oss-supervisor/queue"
)

// customRule is the on-disk shape of one user-defined rule.
type customRule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Anomaly  string `yaml:"anomaly"`
	Priority string `yaml:"priority"`
	Agent    string `yaml:"agent"`
	Prompt   string `yaml:"prompt"`
}

type customFile struct {
	Rules []customRule `yaml:"rules"`
}

// LoadCustomRules reads a YAML rules overlay. Custom rules are scanned
// ahead of the built-in set so users can shadow a built-in pattern. A
// missing file yields no rules and no error.
func LoadCustomRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read custom rules: %w", err)
	}

	var file customFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse custom rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for _, cr := range file.Rules {
		if cr.Name == "" || cr.Pattern == "" || cr.Anomaly == "" {
			return nil, fmt.Errorf("custom rule %q: name, pattern and anomaly are required", cr.Name)
		}
		pattern, err := regexp.Compile(cr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom rule %q: %w", cr.Name, err)
		}
		rules = append(rules, Rule{
			Name:     cr.Name,
			Pattern:  pattern,
			Anomaly:  cr.Anomaly,
			Priority: parsePriority(cr.Priority),
			Agent:    cr.Agent,
			Prompt:   cr.Prompt,
		})
	}
	return rules, nil
}

// WithCustomRules prepends user rules to the scan order.
func WithCustomRules(extra []Rule) EngineOption {
	return func(e *Engine) {
		if len(extra) == 0 {
			return
		}
		merged := make([]Rule, 0, len(extra)+len(e.rules))
		merged = append(merged, extra...)
		merged = append(merged, e.rules...)
		e.rules = merged
	}
}

func parsePriority(s string) queue.Priority {
	switch s {
	case "critical":
		return queue.PriorityCritical
	case "high":
		return queue.PriorityHigh
	case "low":
		return queue.PriorityLow
	default:
		return queue.PriorityMedium
	}
}
