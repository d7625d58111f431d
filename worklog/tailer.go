package worklog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval is the fallback poll cadence. fsnotify wakes the tailer
// early on most platforms; the ticker guarantees progress everywhere.
const pollInterval = 50 * time.Millisecond

// Tailer follows a workflow log and fires a callback for each new data
// entry. It tracks its byte position and survives rotation: when the file
// shrinks below the last position, reading restarts from offset 0.
type Tailer struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	pos     int64
	partial string
	cancel  context.CancelFunc
	stopped chan struct{}
}

// TailerOption configures a Tailer.
type TailerOption func(*Tailer)

// WithTailerLogger sets the diagnostic logger.
func WithTailerLogger(logger *slog.Logger) TailerOption {
	return func(t *Tailer) {
		t.logger = logger
	}
}

// NewTailer creates a Tailer over the log at path.
func NewTailer(path string, opts ...TailerOption) *Tailer {
	t := &Tailer{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins tailing from the current end of file. Entries appended
// before Start are not replayed; use Reader.ReadAll for history.
func (t *Tailer) Start(ctx context.Context, callback func(Entry)) error {
	if callback == nil {
		return fmt.Errorf("start tailing: callback is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return fmt.Errorf("start tailing: already running")
	}

	// Begin at the current size so only new entries are delivered.
	if info, err := os.Stat(t.path); err == nil {
		t.pos = info.Size()
	} else {
		t.pos = 0
	}

	// Watch the parent directory: the log file itself may not exist yet.
	var watcher *fsnotify.Watcher
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filepath.Dir(t.path)); err == nil {
			watcher = w
		} else {
			t.logger.Debug("Falling back to polling only", "path", t.path, "error", err)
			_ = w.Close()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = make(chan struct{})

	go t.loop(ctx, watcher, callback)
	return nil
}

// Stop halts the tailer and waits for the poll loop to exit.
func (t *Tailer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	stopped := t.stopped
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (t *Tailer) loop(ctx context.Context, watcher *fsnotify.Watcher, callback func(Entry)) {
	defer close(t.stopped)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == t.path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				t.poll(callback)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.logger.Warn("Tailer watch error", "error", err)
		case <-ticker.C:
			t.poll(callback)
		}
	}
}

// poll reads the delta between the tracked position and the file size
// snapshot taken at the start of the tick, then fires the callback per
// new data entry.
func (t *Tailer) poll(callback func(Entry)) {
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	size := info.Size()

	t.mu.Lock()
	if size < t.pos {
		// Rotation or truncation: restart from the top.
		t.pos = 0
		t.partial = ""
	}
	if size == t.pos {
		t.mu.Unlock()
		return
	}
	pos := t.pos
	t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return
	}

	// Read only up to the size snapshot; concurrent appends past it are
	// picked up on the next tick.
	buf := make([]byte, size-pos)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return
	}
	buf = buf[:n]

	t.mu.Lock()
	t.pos = pos + int64(n)
	chunk := t.partial + string(buf)
	lines := strings.Split(chunk, "\n")
	// The final element is either empty (chunk ended on a newline) or an
	// incomplete line to carry into the next poll.
	t.partial = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	t.mu.Unlock()

	for _, line := range lines {
		if e, ok := parseLine(line); ok {
			callback(e)
		}
	}
}
