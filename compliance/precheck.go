package compliance

import (
	"regexp"
	"strconv"
	"strings"
)

// PreCheck is one parsed pre-check line, with its optional hint.
type PreCheck struct {
	Law    int
	Passed bool
	Text   string
	Hint   string
}

var (
	precheckHeader = regexp.MustCompile(`IRON LAW PRE-CHECK`)
	precheckLine   = regexp.MustCompile(`\[([✓✗xX ])\]\s*LAW\s*#(\d+):\s*(.*)`)
	precheckHint   = regexp.MustCompile(`^\s*→\s*(.+)`)
)

// PreCheckParser extracts pre-check blocks from live log text. A block
// opens with an "IRON LAW PRE-CHECK" line and consists of check lines
// `[✓|✗] LAW #n: text`, each optionally followed by a `→ hint`
// continuation. The parser is line-oriented and keeps state across
// Feed calls so blocks split over chunks still parse.
type PreCheckParser struct {
	inBlock bool
	partial string
	pending []PreCheck
}

// NewPreCheckParser creates an empty parser.
func NewPreCheckParser() *PreCheckParser {
	return &PreCheckParser{}
}

// Feed consumes a chunk of raw text and returns the pre-checks completed
// by it. A trailing partial line is carried into the next call.
func (p *PreCheckParser) Feed(chunk string) []PreCheck {
	text := p.partial + chunk
	lines := strings.Split(text, "\n")
	p.partial = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var done []PreCheck
	for _, line := range lines {
		done = append(done, p.feedLine(line)...)
	}
	return done
}

// Flush returns any buffered checks, including one from a final
// unterminated line.
func (p *PreCheckParser) Flush() []PreCheck {
	if p.partial != "" {
		p.feedLine(p.partial)
		p.partial = ""
	}
	done := p.pending
	p.pending = nil
	p.inBlock = false
	return done
}

func (p *PreCheckParser) feedLine(line string) []PreCheck {
	if precheckHeader.MatchString(line) {
		done := p.pending
		p.pending = nil
		p.inBlock = true
		return done
	}
	if !p.inBlock {
		return nil
	}

	if groups := precheckLine.FindStringSubmatch(line); groups != nil {
		law, err := strconv.Atoi(groups[2])
		if err != nil || law < 1 || law > LawCount {
			return nil
		}
		p.pending = append(p.pending, PreCheck{
			Law:    law,
			Passed: groups[1] == "✓",
			Text:   strings.TrimSpace(groups[3]),
		})
		return nil
	}

	if groups := precheckHint.FindStringSubmatch(line); groups != nil {
		if n := len(p.pending); n > 0 {
			p.pending[n-1].Hint = strings.TrimSpace(groups[1])
		}
		return nil
	}

	// Any other line closes the block and releases buffered checks.
	p.inBlock = false
	done := p.pending
	p.pending = nil
	return done
}

// ParsePreChecks parses a complete text in one shot.
func ParsePreChecks(text string) []PreCheck {
	p := NewPreCheckParser()
	checks := p.Feed(text)
	return append(checks, p.Flush()...)
}
