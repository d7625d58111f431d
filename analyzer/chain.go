package analyzer

import (
	"strings"

	"github.com/501336North/oss-supervisor/worklog"
)

// ChainOrder is the canonical command sequence against which out-of-order
// starts are judged. Build phases ride between acceptance and integration.
var ChainOrder = []string{
	"ideate", "plan", "acceptance", "red", "green", "refactor", "integration", "ship",
}

// chainPosition maps canonical commands to their position. Non-canonical
// (ad-hoc) commands have no position and are exempt from ordering checks.
var chainPosition = func() map[string]int {
	m := make(map[string]int, len(ChainOrder))
	for i, cmd := range ChainOrder {
		m[cmd] = i
	}
	return m
}()

// phaseCommand maps a build phase name to its canonical command slot, so
// a GREEN phase inside build counts as green for ordering and TDD checks.
func phaseCommand(phase string) string {
	p := strings.ToLower(phase)
	if _, ok := chainPosition[p]; ok {
		return p
	}
	return ""
}

// BuildChainProgress derives the command → progress mapping. A command is
// active from its START until its own COMPLETE/FAILED or the START of a
// later canonical command; COMPLETE marks it complete; FAILED leaves it
// active (the failure surfaces as an issue instead).
func BuildChainProgress(entries []worklog.Entry) map[string]Progress {
	progress := make(map[string]Progress, len(ChainOrder))
	for _, cmd := range ChainOrder {
		progress[cmd] = ProgressPending
	}

	for _, e := range entries {
		switch e.Event {
		case worklog.EventStart:
			progress[e.Cmd] = ProgressActive
			// A later canonical start supersedes earlier active commands.
			if pos, ok := chainPosition[e.Cmd]; ok {
				for cmd, p := range progress {
					if p != ProgressActive || cmd == e.Cmd {
						continue
					}
					if prior, ok := chainPosition[cmd]; ok && prior < pos {
						progress[cmd] = ProgressComplete
					}
				}
			}
		case worklog.EventComplete:
			progress[e.Cmd] = ProgressComplete
		case worklog.EventFailed:
			// Stays active; terminal failure is an issue, not progress.
		}
	}
	return progress
}

// NextCommand suggests the next canonical command: the first one that is
// not yet complete. Empty when the chain is done.
func NextCommand(progress map[string]Progress) string {
	for _, cmd := range ChainOrder {
		if progress[cmd] != ProgressComplete {
			return cmd
		}
	}
	return ""
}
