package worklog

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// maxLineSize bounds a single log line. Payloads are small; 1MB leaves
// generous headroom for embedded excerpts.
const maxLineSize = 1 << 20

// Filter pins a subset of entry attributes for queries. Zero values match
// everything.
type Filter struct {
	Cmd   string
	Event Event
	Phase string
}

func (f Filter) matches(e *Entry) bool {
	if f.Cmd != "" && e.Cmd != f.Cmd {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	return true
}

// Reader reads data entries from a workflow log file.
type Reader struct {
	path string
}

// NewReader creates a Reader over the log at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// ReadAll returns every data entry in file order. Summary lines, blank
// lines, and malformed JSON lines are skipped silently. A missing file
// yields an empty slice.
func (r *Reader) ReadAll() ([]Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if e, ok := parseLine(scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// QueryLast returns the newest entry matching the filter, or nil when
// nothing matches.
func (r *Reader) QueryLast(filter Filter) (*Entry, error) {
	entries, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if filter.matches(&entries[i]) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// parseLine parses a single log line. Lines beginning with # and blank
// lines are never parsed as data.
func parseLine(line string) (Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
