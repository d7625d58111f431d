package worklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeQueueBuffer is the size of the writer's FIFO channel.
const writeQueueBuffer = 64

// Writer appends entries to the workflow log. Writes are serialized
// through an internal FIFO so concurrent callers never see torn entries;
// each append lands as a single write burst (JSON line + summary block).
type Writer struct {
	path   string
	logger *slog.Logger

	queue chan writeRequest
	done  chan struct{}

	// lastTS enforces non-decreasing timestamps within this process.
	// Only touched by the writer goroutine.
	lastTS time.Time
}

type writeRequest struct {
	entry Entry
	ack   chan error
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the diagnostic logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates a Writer appending to path, creating the parent
// directory if needed.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &Writer{
		path:   path,
		logger: slog.Default(),
		queue:  make(chan writeRequest, writeQueueBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.drain()
	return w, nil
}

// Append queues the entry and blocks until it is on disk. A zero TS is
// stamped with the current UTC time.
func (w *Writer) Append(entry Entry) error {
	req := writeRequest{entry: entry, ack: make(chan error, 1)}
	select {
	case w.queue <- req:
		return <-req.ack
	case <-w.done:
		return fmt.Errorf("append: writer closed")
	}
}

// Close stops the writer after flushing queued entries.
func (w *Writer) Close() {
	close(w.done)
}

// drain is the single writer goroutine.
func (w *Writer) drain() {
	for {
		select {
		case req := <-w.queue:
			req.ack <- w.write(req.entry)
		case <-w.done:
			// Flush anything already queued.
			for {
				select {
				case req := <-w.queue:
					req.ack <- w.write(req.entry)
				default:
					return
				}
			}
		}
	}
}

// write renders and appends one entry as a single write burst.
func (w *Writer) write(entry Entry) error {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	} else {
		entry.TS = entry.TS.UTC()
	}
	// Timestamps never go backwards within a single process.
	if entry.TS.Before(w.lastTS) {
		entry.TS = w.lastTS
	}
	w.lastTS = entry.TS

	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	var b strings.Builder
	b.Write(line)
	b.WriteString("\n# ")
	b.WriteString(entry.Summary())
	b.WriteString("\n")

	if entry.IronLaws != nil && (entry.Event == EventComplete || entry.Event == EventAgentComplete) {
		writeChecklistBlock(&b, *entry.IronLaws)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// writeChecklistBlock renders the compliance summary block: header, six
// check lines, result line, trailing #. All lines are #-prefixed so
// readers skip them.
func writeChecklistBlock(b *strings.Builder, c Checklist) {
	b.WriteString("# IRON LAW COMPLIANCE:\n")
	for i, ok := range c.values() {
		mark := "✗"
		if ok {
			mark = "✓"
		}
		fmt.Fprintf(b, "# [%s] LAW #%d: %s\n", mark, i+1, checklistLabels[i])
	}
	fmt.Fprintf(b, "# Result: %d/6 laws observed\n", c.Passed())
	b.WriteString("#\n")
}
