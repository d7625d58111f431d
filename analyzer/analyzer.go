package analyzer

import (
	"fmt"
	"regexp"
	"time"

	"github.com/501336North/oss-supervisor/worklog"
)

// Detector defaults. All are overridable through options.
const (
	// DefaultLoopRepeats is the consecutive-tool-use count that counts
	// as a loop.
	DefaultLoopRepeats = 3
	// DefaultLoopWindow is the rolling entry window for loop detection.
	DefaultLoopWindow = 20
	// DefaultPhaseStuckAfter is how long a phase may go without a
	// milestone before it is stuck.
	DefaultPhaseStuckAfter = 240 * time.Second
	// DefaultSilenceAfter is how long the log may be silent after a
	// START before the silence detector fires.
	DefaultSilenceAfter = 90 * time.Second
	// DefaultAbruptStopAfter is the last-activity age that turns an
	// unfinished command into an abrupt stop.
	DefaultAbruptStopAfter = 300 * time.Second
	// DefaultAgentAbandonAfter is how long a spawned agent may go
	// without activity before it is abandoned.
	DefaultAgentAbandonAfter = 120 * time.Second
	// velocityWindow is the milestone count per comparison window for
	// the declining-velocity detector.
	velocityWindow = 10
)

// milestoneToolPattern extracts a tool name from milestone descriptions
// like "Tool: Grep".
var milestoneToolPattern = regexp.MustCompile(`Tool:\s*(\w+)`)

// requiredMilestones is the minimum milestone set expected before a
// command's COMPLETE.
var requiredMilestones = map[string][]string{
	"ideate": {"problem_definition", "solution_design", "approach_selected"},
	"plan":   {"context_gathering", "task_breakdown", "sequencing"},
}

// shipRequiredAgentSpawns is the delegated-agent count the ship command
// is expected to spawn before completing.
const shipRequiredAgentSpawns = 4

// Analyzer turns an ordered entry list into chain state and issues.
type Analyzer struct {
	now               func() time.Time
	loopRepeats       int
	loopWindow        int
	phaseStuckAfter   time.Duration
	silenceAfter      time.Duration
	abruptStopAfter   time.Duration
	agentAbandonAfter time.Duration
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the time source; detectors measure staleness
// against it.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// WithLoopDetection overrides the consecutive-repeat threshold and the
// rolling window size.
func WithLoopDetection(repeats, window int) Option {
	return func(a *Analyzer) {
		if repeats > 0 {
			a.loopRepeats = repeats
		}
		if window > 0 {
			a.loopWindow = window
		}
	}
}

// New creates an Analyzer with default thresholds.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		now:               time.Now,
		loopRepeats:       DefaultLoopRepeats,
		loopWindow:        DefaultLoopWindow,
		phaseStuckAfter:   DefaultPhaseStuckAfter,
		silenceAfter:      DefaultSilenceAfter,
		abruptStopAfter:   DefaultAbruptStopAfter,
		agentAbandonAfter: DefaultAgentAbandonAfter,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs every detector over the entries and scores overall health.
func (a *Analyzer) Analyze(entries []worklog.Entry) *Report {
	report := &Report{
		Issues:        []Issue{},
		ChainProgress: BuildChainProgress(entries),
	}

	detectors := []func([]worklog.Entry) []Issue{
		a.detectLoops,
		a.detectExplicitFailures,
		a.detectPhaseStuck,
		a.detectSilence,
		a.detectTDDViolations,
		a.detectOutOfOrder,
		a.detectMissingMilestones,
		a.detectAbruptStop,
		a.detectAbandonedAgents,
		a.detectDecliningVelocity,
	}
	for _, detect := range detectors {
		report.Issues = append(report.Issues, detect(entries)...)
	}

	report.HealthScore = scoreHealth(report.Issues)
	return report
}

// scoreHealth computes 100 - Σ weight × confidence, clamped to [0,100].
func scoreHealth(issues []Issue) float64 {
	score := 100.0
	for i := range issues {
		score -= issueWeight[issues[i].Kind] * issues[i].Confidence
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// entryToolName extracts the tool name carried by a milestone entry, or
// "" when it has none.
func entryToolName(e *worklog.Entry) string {
	if tool := e.DataString("tool"); tool != "" {
		return tool
	}
	if groups := milestoneToolPattern.FindStringSubmatch(e.DataString("description")); groups != nil {
		return groups[1]
	}
	return ""
}

// detectLoops flags any tool repeated in >= loopRepeats consecutive
// milestone/tool entries within the rolling window. Confidence grows
// with repetitions up to 0.95.
func (a *Analyzer) detectLoops(entries []worklog.Entry) []Issue {
	start := 0
	if len(entries) > a.loopWindow {
		start = len(entries) - a.loopWindow
	}

	var issues []Issue
	runTool := ""
	runLen := 0
	var runIdx []int
	flush := func() {
		if runTool != "" && runLen >= a.loopRepeats {
			confidence := 0.60 + 0.025*float64(runLen)
			if confidence > 0.95 {
				confidence = 0.95
			}
			idx := make([]int, len(runIdx))
			copy(idx, runIdx)
			issues = append(issues, Issue{
				Kind:       IssueLoopDetected,
				Confidence: confidence,
				Context: map[string]any{
					"tool_name":    runTool,
					"repeat_count": runLen,
				},
				Entries: idx,
			})
		}
	}

	for i := start; i < len(entries); i++ {
		e := &entries[i]
		if e.Event != worklog.EventMilestone {
			continue
		}
		tool := entryToolName(e)
		if tool == "" {
			flush()
			runTool, runLen, runIdx = "", 0, nil
			continue
		}
		if tool == runTool {
			runLen++
			runIdx = append(runIdx, i)
		} else {
			flush()
			runTool, runLen, runIdx = tool, 1, []int{i}
		}
	}
	flush()
	return issues
}

// detectExplicitFailures reports every FAILED event at confidence 0.95.
// The context records whether the failure text reads like a test
// failure so the TDD semaphore can gate enqueues.
func (a *Analyzer) detectExplicitFailures(entries []worklog.Entry) []Issue {
	var issues []Issue
	for i := range entries {
		e := &entries[i]
		if e.Event != worklog.EventFailed {
			continue
		}
		errText := e.DataString("error")
		issues = append(issues, Issue{
			Kind:       IssueExplicitFailure,
			Confidence: 0.95,
			Context: map[string]any{
				"command":      e.Cmd,
				"error":        errText,
				"test_failure": looksLikeTestFailure(errText),
			},
			Entries: []int{i},
		})
	}
	return issues
}

// testFailureHint matches error text that reads like a failing test.
var testFailureHint = regexp.MustCompile(`(?i)(FAIL\s+\S+\.test\.|test(s)?\s+fail|failing\s+test)`)

func looksLikeTestFailure(s string) bool {
	return s != "" && testFailureHint.MatchString(s)
}

// detectPhaseStuck fires when a PHASE_START is outstanding and no
// MILESTONE or AGENT_COMPLETE has landed for longer than the threshold.
func (a *Analyzer) detectPhaseStuck(entries []worklog.Entry) []Issue {
	openIdx := -1
	lastProgress := time.Time{}
	for i := range entries {
		e := &entries[i]
		switch e.Event {
		case worklog.EventPhaseStart:
			openIdx = i
			lastProgress = e.TS
		case worklog.EventPhaseComplete:
			openIdx = -1
		case worklog.EventMilestone, worklog.EventAgentComplete:
			lastProgress = e.TS
		}
	}
	if openIdx < 0 {
		return nil
	}

	stale := a.now().Sub(lastProgress)
	if stale <= a.phaseStuckAfter {
		return nil
	}

	e := &entries[openIdx]
	return []Issue{{
		Kind:       IssuePhaseStuck,
		Confidence: scaleConfidence(0.75, 0.90, stale, a.phaseStuckAfter),
		Context: map[string]any{
			"command":       e.Cmd,
			"phase":         e.Phase,
			"stale_seconds": int(stale.Seconds()),
		},
		Entries: []int{openIdx},
	}}
}

// detectSilence fires when nothing at all has been logged for longer
// than the threshold while a command is underway.
func (a *Analyzer) detectSilence(entries []worklog.Entry) []Issue {
	if len(entries) == 0 {
		return nil
	}

	startIdx := -1
	for i := range entries {
		e := &entries[i]
		switch e.Event {
		case worklog.EventStart:
			startIdx = i
		case worklog.EventComplete, worklog.EventFailed:
			if startIdx >= 0 && entries[startIdx].Cmd == e.Cmd {
				startIdx = -1
			}
		}
	}
	if startIdx < 0 {
		return nil
	}

	last := entries[len(entries)-1].TS
	quiet := a.now().Sub(last)
	if quiet <= a.silenceAfter {
		return nil
	}

	return []Issue{{
		Kind:       IssueSilence,
		Confidence: scaleConfidence(0.70, 0.85, quiet, a.silenceAfter),
		Context: map[string]any{
			"command":       entries[startIdx].Cmd,
			"quiet_seconds": int(quiet.Seconds()),
		},
		Entries: []int{len(entries) - 1},
	}}
}

// detectTDDViolations flags a green start with no preceding red
// completion in the same run.
func (a *Analyzer) detectTDDViolations(entries []worklog.Entry) []Issue {
	var issues []Issue
	redComplete := false
	for i := range entries {
		e := &entries[i]

		isRedDone := (e.Cmd == "red" && e.Event == worklog.EventComplete) ||
			(phaseCommand(e.Phase) == "red" && e.Event == worklog.EventPhaseComplete)
		if isRedDone {
			redComplete = true
			continue
		}

		isGreenStart := (e.Cmd == "green" && e.Event == worklog.EventStart) ||
			(phaseCommand(e.Phase) == "green" && e.Event == worklog.EventPhaseStart)
		if isGreenStart && !redComplete {
			issues = append(issues, Issue{
				Kind:       IssueTDDViolation,
				Confidence: 0.90,
				Context: map[string]any{
					"command": e.Cmd,
					"phase":   e.Phase,
				},
				Entries: []int{i},
			})
			// One violation per missing red completion.
			redComplete = true
		}
	}
	return issues
}

// detectOutOfOrder flags a canonical start whose predecessor has neither
// started nor completed.
func (a *Analyzer) detectOutOfOrder(entries []worklog.Entry) []Issue {
	started := make(map[string]bool)
	completed := make(map[string]bool)
	var issues []Issue
	seen := make(map[string]bool)

	for i := range entries {
		e := &entries[i]

		cmd := ""
		switch {
		case e.Event == worklog.EventStart:
			cmd = e.Cmd
		case e.Event == worklog.EventPhaseStart && phaseCommand(e.Phase) != "":
			cmd = phaseCommand(e.Phase)
		}
		if cmd != "" {
			if pos, ok := chainPosition[cmd]; ok && pos > 0 && !seen[cmd] {
				prev := ChainOrder[pos-1]
				if !started[prev] && !completed[prev] {
					seen[cmd] = true
					issues = append(issues, Issue{
						Kind:       IssueOutOfOrder,
						Confidence: 0.80,
						Context: map[string]any{
							"command":  cmd,
							"expected": prev,
						},
						Entries: []int{i},
					})
				}
			}
			started[cmd] = true
		}

		if e.Event == worklog.EventComplete {
			completed[e.Cmd] = true
		}
		if e.Event == worklog.EventPhaseComplete && phaseCommand(e.Phase) != "" {
			completed[phaseCommand(e.Phase)] = true
		}
	}
	return issues
}

// detectMissingMilestones verifies each completed command logged its
// minimum milestone set. Each missing milestone lowers confidence in the
// chain, reported as one issue per command.
func (a *Analyzer) detectMissingMilestones(entries []worklog.Entry) []Issue {
	milestones := make(map[string]map[string]bool)
	agentSpawns := make(map[string]int)
	completedAt := make(map[string]int)

	for i := range entries {
		e := &entries[i]
		switch e.Event {
		case worklog.EventMilestone:
			if milestones[e.Cmd] == nil {
				milestones[e.Cmd] = make(map[string]bool)
			}
			milestones[e.Cmd][e.DataString("description")] = true
		case worklog.EventAgentSpawn:
			agentSpawns[e.Cmd]++
		case worklog.EventComplete:
			completedAt[e.Cmd] = i
		}
	}

	var issues []Issue
	for cmd, required := range requiredMilestones {
		idx, done := completedAt[cmd]
		if !done {
			continue
		}
		var missing []string
		for _, name := range required {
			if !milestones[cmd][name] {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			issues = append(issues, missingMilestoneIssue(cmd, missing, idx))
		}
	}

	if idx, done := completedAt["ship"]; done {
		var missing []string
		if agentSpawns["ship"] < shipRequiredAgentSpawns {
			missing = append(missing, fmt.Sprintf("agent_spawns (%d/%d)", agentSpawns["ship"], shipRequiredAgentSpawns))
		}
		hasGate := false
		for name := range milestones["ship"] {
			if gatePattern.MatchString(name) {
				hasGate = true
				break
			}
		}
		if !hasGate {
			missing = append(missing, "gate")
		}
		if len(missing) > 0 {
			issues = append(issues, missingMilestoneIssue("ship", missing, idx))
		}
	}
	return issues
}

var gatePattern = regexp.MustCompile(`(?i)gate`)

func missingMilestoneIssue(cmd string, missing []string, idx int) Issue {
	confidence := 0.60 + 0.10*float64(len(missing))
	if confidence > 0.90 {
		confidence = 0.90
	}
	return Issue{
		Kind:       IssueMissingMilestones,
		Confidence: confidence,
		Context: map[string]any{
			"command": cmd,
			"missing": missing,
		},
		Entries: []int{idx},
	}
}

// detectAbruptStop flags a command that started, never finished, and has
// seen no activity for longer than the threshold.
func (a *Analyzer) detectAbruptStop(entries []worklog.Entry) []Issue {
	if len(entries) == 0 {
		return nil
	}

	open := make(map[string]int)
	for i := range entries {
		e := &entries[i]
		switch e.Event {
		case worklog.EventStart:
			open[e.Cmd] = i
		case worklog.EventComplete, worklog.EventFailed:
			delete(open, e.Cmd)
		}
	}
	if len(open) == 0 {
		return nil
	}

	age := a.now().Sub(entries[len(entries)-1].TS)
	if age <= a.abruptStopAfter {
		return nil
	}

	var issues []Issue
	for cmd, idx := range open {
		issues = append(issues, Issue{
			Kind:       IssueAbruptStop,
			Confidence: 0.85,
			Context: map[string]any{
				"command":      cmd,
				"idle_seconds": int(age.Seconds()),
			},
			Entries: []int{idx},
		})
	}
	return issues
}

// detectAbandonedAgents flags AGENT_SPAWN entries with no matching
// AGENT_COMPLETE and no activity under that agent id for too long.
func (a *Analyzer) detectAbandonedAgents(entries []worklog.Entry) []Issue {
	spawned := make(map[string]int)
	lastSeen := make(map[string]time.Time)

	for i := range entries {
		e := &entries[i]
		if e.Agent == nil || e.Agent.ID == "" {
			continue
		}
		id := e.Agent.ID
		lastSeen[id] = e.TS
		switch e.Event {
		case worklog.EventAgentSpawn:
			spawned[id] = i
		case worklog.EventAgentComplete:
			delete(spawned, id)
		}
	}

	var issues []Issue
	for id, idx := range spawned {
		idle := a.now().Sub(lastSeen[id])
		if idle <= a.agentAbandonAfter {
			continue
		}
		e := &entries[idx]
		issues = append(issues, Issue{
			Kind:       IssueAbandonedAgent,
			Confidence: 0.80,
			Context: map[string]any{
				"agent_id":     id,
				"agent_type":   e.Agent.Type,
				"command":      e.Cmd,
				"idle_seconds": int(idle.Seconds()),
			},
			Entries: []int{idx},
		})
	}
	return issues
}

// detectDecliningVelocity compares the milestone rate of the last
// fixed-size window against the prior window of equal size. Windows are
// 10 milestones each; fewer than two full windows stays silent.
func (a *Analyzer) detectDecliningVelocity(entries []worklog.Entry) []Issue {
	var stamps []time.Time
	lastIdx := 0
	for i := range entries {
		if entries[i].Event == worklog.EventMilestone {
			stamps = append(stamps, entries[i].TS)
			lastIdx = i
		}
	}
	if len(stamps) < 2*velocityWindow {
		return nil
	}

	recent := stamps[len(stamps)-velocityWindow:]
	prior := stamps[len(stamps)-2*velocityWindow : len(stamps)-velocityWindow]

	recentSpan := recent[len(recent)-1].Sub(recent[0])
	priorSpan := prior[len(prior)-1].Sub(prior[0])
	if priorSpan <= 0 || recentSpan <= 0 {
		return nil
	}

	// Equal milestone counts: rate halves exactly when the span doubles.
	if recentSpan < 2*priorSpan {
		return nil
	}

	return []Issue{{
		Kind:       IssueDecliningVelocity,
		Confidence: 0.65,
		Context: map[string]any{
			"recent_span_seconds": int(recentSpan.Seconds()),
			"prior_span_seconds":  int(priorSpan.Seconds()),
		},
		Entries: []int{lastIdx},
	}}
}

// scaleConfidence interpolates between lo and hi based on how far past
// the threshold the observed duration is, saturating at twice the
// threshold.
func scaleConfidence(lo, hi float64, observed, threshold time.Duration) float64 {
	if threshold <= 0 {
		return lo
	}
	over := float64(observed-threshold) / float64(threshold)
	if over < 0 {
		over = 0
	}
	if over > 1 {
		over = 1
	}
	return lo + (hi-lo)*over
}
