// Package worklog implements the append-only structured workflow log:
// the hybrid line format (one JSON entry line followed by one #-prefixed
// human summary line), a serialized writer, a reader with filtering, and
// a near-real-time tailer.
package worklog

import (
	"fmt"
	"strings"
	"time"
)

// Event is the closed set of workflow event kinds.
type Event string

const (
	EventStart         Event = "START"
	EventPhaseStart    Event = "PHASE_START"
	EventPhaseComplete Event = "PHASE_COMPLETE"
	EventMilestone     Event = "MILESTONE"
	EventAgentSpawn    Event = "AGENT_SPAWN"
	EventAgentComplete Event = "AGENT_COMPLETE"
	EventComplete      Event = "COMPLETE"
	EventFailed        Event = "FAILED"
	EventIronLawCheck  Event = "IRON_LAW_CHECK"
)

// AgentRef describes a delegated agent attached to an entry.
type AgentRef struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ParentCmd string `json:"parent_cmd,omitempty"`
}

// Checklist is the six-law compliance checklist attached to COMPLETE and
// AGENT_COMPLETE entries.
type Checklist struct {
	Law1TDD           bool `json:"law1_tdd"`
	Law2BehaviorTests bool `json:"law2_behavior_tests"`
	Law3NoLoops       bool `json:"law3_no_loops"`
	Law4FeatureBranch bool `json:"law4_feature_branch"`
	Law5Delegation    bool `json:"law5_delegation"`
	Law6DocsSynced    bool `json:"law6_docs_synced"`
}

// Passed returns how many of the six laws the checklist reports as observed.
func (c Checklist) Passed() int {
	n := 0
	for _, ok := range []bool{
		c.Law1TDD, c.Law2BehaviorTests, c.Law3NoLoops,
		c.Law4FeatureBranch, c.Law5Delegation, c.Law6DocsSynced,
	} {
		if ok {
			n++
		}
	}
	return n
}

// checklistLabels maps checklist position to the human label used in the
// summary block. Order matches the law numbering.
var checklistLabels = []string{
	"TDD (RED before GREEN)",
	"Behavior-focused tests",
	"No unreviewed loops",
	"Feature branch",
	"Delegation to agents",
	"Docs synced",
}

// values returns the checklist booleans in law order.
func (c Checklist) values() []bool {
	return []bool{
		c.Law1TDD, c.Law2BehaviorTests, c.Law3NoLoops,
		c.Law4FeatureBranch, c.Law5Delegation, c.Law6DocsSynced,
	}
}

// Entry is the unit of truth in the workflow log. It marshals to a single
// JSON line; the writer pairs it with a #-prefixed summary line.
type Entry struct {
	TS       time.Time      `json:"ts"`
	Cmd      string         `json:"cmd"`
	Phase    string         `json:"phase,omitempty"`
	Event    Event          `json:"event"`
	Data     map[string]any `json:"data,omitempty"`
	Agent    *AgentRef      `json:"agent,omitempty"`
	IronLaws *Checklist     `json:"ironLaws,omitempty"`
}

// DataString returns the named payload value when it is a string, or ""
// when the key is absent or holds another type. Payloads are free-form;
// callers must tolerate missing keys.
func (e *Entry) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Summary renders the human summary line content: CMD[:PHASE]:EVENT - desc.
func (e *Entry) Summary() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(e.Cmd))
	if e.Phase != "" {
		b.WriteString(":")
		b.WriteString(strings.ToUpper(e.Phase))
	}
	b.WriteString(":")
	b.WriteString(string(e.Event))
	if desc := e.description(); desc != "" {
		b.WriteString(" - ")
		b.WriteString(desc)
	}
	return b.String()
}

// description picks the human description for the summary line. Agent
// entries win over event-specific payloads.
func (e *Entry) description() string {
	if e.Agent != nil || e.Event == EventAgentSpawn || e.Event == EventAgentComplete {
		agentType := ""
		if e.Agent != nil {
			agentType = e.Agent.Type
		}
		if agentType == "" {
			agentType = e.DataString("agent_type")
		}
		task := e.DataString("task")
		if task != "" {
			return fmt.Sprintf("%s: %s", agentType, task)
		}
		return agentType
	}

	switch e.Event {
	case EventComplete:
		return e.DataString("summary")
	case EventFailed:
		return e.DataString("error")
	case EventStart:
		if args, ok := e.Data["args"].([]any); ok {
			parts := make([]string, 0, len(args))
			for _, a := range args {
				if s, ok := a.(string); ok {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, " ")
		}
		return e.DataString("args")
	case EventMilestone:
		return e.DataString("description")
	}
	return ""
}
