package queue

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/501336North/oss-supervisor/state"
)

// DefaultMaxSize is the live queue size cap. On overflow the oldest task
// of the lowest priority present is moved to the expired archive.
const DefaultMaxSize = 50

// File names under the queue directory.
const (
	liveFile    = "queue.json"
	failedFile  = "queue-failed.json"
	expiredFile = "queue-expired.json"
)

// fileVersion is the schema version stamped on every queue file.
const fileVersion = "1.0"

// File is the versioned on-disk representation shared by the live queue
// and both archives.
type File struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Tasks     []Task    `json:"tasks"`
}

// EventType labels queue mutations published to listeners.
type EventType string

const (
	EventTaskAdded   EventType = "task_added"
	EventTaskUpdated EventType = "task_updated"
	EventTaskRemoved EventType = "task_removed"
	EventTaskFailed  EventType = "task_failed"
	EventTaskExpired EventType = "task_expired"
	EventCleared     EventType = "queue_cleared"
)

// Event is the compact object published on each mutation.
type Event struct {
	Type       EventType `json:"type"`
	Task       *Task     `json:"task,omitempty"`
	QueueCount int       `json:"queueCount"`
	Message    string    `json:"message"`
}

// Listener receives queue events. Panics in listeners are isolated and
// never affect the mutating caller.
type Listener func(Event)

// Manager owns the live queue file and its archives. All mutations hold
// the manager lock, re-sort, and persist atomically before returning.
type Manager struct {
	dir     string
	maxSize int
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	tasks     []Task
	listeners []Listener
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxSize overrides the queue size cap.
func WithMaxSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// WithManagerLogger sets the diagnostic logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager loads (or creates) the live queue under dir. A malformed
// live file is treated as absent; it is replaced on the next successful
// persist rather than crashing the supervisor.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		dir:     dir,
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	var f File
	found, err := state.ReadJSON(m.livePath(), &f)
	if err != nil {
		// Malformed JSON: start empty, keep going.
		m.logger.Warn("Queue file malformed, starting empty", "path", m.livePath(), "error", err)
		found = false
	}
	if found {
		m.tasks = f.Tasks
		m.sortLocked()
	} else {
		if err := m.persistLocked(); err != nil {
			return nil, fmt.Errorf("initialize queue file: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) livePath() string    { return filepath.Join(m.dir, liveFile) }
func (m *Manager) failedPath() string  { return filepath.Join(m.dir, failedFile) }
func (m *Manager) expiredPath() string { return filepath.Join(m.dir, expiredFile) }

// MaxSize returns the queue size cap.
func (m *Manager) MaxSize() int { return m.maxSize }

// Subscribe registers a listener for queue events.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Add assigns an id and creation timestamp, inserts the task, re-sorts,
// enforces the size cap, and persists before returning.
func (m *Manager) Add(input Input) (*Task, error) {
	if !input.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", state.ErrInvalidInput, input.Priority)
	}

	m.mu.Lock()
	now := m.now().UTC()
	task := Task{
		ID:             newTaskID(now),
		CreatedAt:      now,
		Priority:       input.Priority,
		Source:         input.Source,
		AnomalyType:    input.AnomalyType,
		Prompt:         input.Prompt,
		SuggestedAgent: input.SuggestedAgent,
		Context:        input.Context,
		Status:         StatusPending,
	}
	m.tasks = append(m.tasks, task)
	m.sortLocked()

	var expired []Task
	for len(m.tasks) > m.maxSize {
		victim := m.evictLocked()
		expired = append(expired, victim)
	}
	for _, victim := range expired {
		if err := m.archiveLocked(m.expiredPath(), victim, ArchiveReasonExpired); err != nil {
			m.logger.Warn("Failed to archive expired task", "task_id", victim.ID, "error", err)
		}
	}

	err := m.persistLocked()
	count := len(m.tasks)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for i := range expired {
		m.publish(Event{Type: EventTaskExpired, Task: &expired[i], QueueCount: count,
			Message: fmt.Sprintf("task %s expired (queue full)", expired[i].ID)})
	}
	m.publish(Event{Type: EventTaskAdded, Task: &task, QueueCount: count,
		Message: fmt.Sprintf("task %s added (%s)", task.ID, task.Priority)})
	return &task, nil
}

// NextPending returns the head of the pending queue: highest priority
// first, oldest first within a priority. Nil when nothing is pending.
func (m *Manager) NextPending() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].Status == StatusPending {
			t := m.tasks[i]
			return &t
		}
	}
	return nil
}

// Patch describes a partial task update. Nil fields are left unchanged.
type Patch struct {
	Status   *Status
	Error    *string
	Attempts *int
}

// Update applies a patch to the identified task. A transition to
// completed stamps completed_at exactly once.
func (m *Manager) Update(id string, patch Patch) (*Task, error) {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s", state.ErrNotFound, id)
	}

	task := &m.tasks[idx]
	if patch.Status != nil {
		if *patch.Status == StatusCompleted && task.Status != StatusCompleted {
			now := m.now().UTC()
			task.CompletedAt = &now
		}
		task.Status = *patch.Status
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.Attempts != nil {
		task.Attempts = *patch.Attempts
	}

	updated := *task
	err := m.persistLocked()
	count := len(m.tasks)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.publish(Event{Type: EventTaskUpdated, Task: &updated, QueueCount: count,
		Message: fmt.Sprintf("task %s updated", id)})
	return &updated, nil
}

// Remove deletes the identified task from the live queue.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s", state.ErrNotFound, id)
	}
	removed := m.tasks[idx]
	m.tasks = append(m.tasks[:idx], m.tasks[idx+1:]...)
	err := m.persistLocked()
	count := len(m.tasks)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publish(Event{Type: EventTaskRemoved, Task: &removed, QueueCount: count,
		Message: fmt.Sprintf("task %s removed", id)})
	return nil
}

// MoveToFailed appends the task to the failed archive with the error
// message, then removes it from the live queue.
func (m *Manager) MoveToFailed(id, errMsg string) error {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s", state.ErrNotFound, id)
	}
	task := m.tasks[idx]
	task.Status = StatusFailed
	task.Error = errMsg

	if err := m.archiveLocked(m.failedPath(), task, ArchiveReasonFailed); err != nil {
		m.mu.Unlock()
		return err
	}
	m.tasks = append(m.tasks[:idx], m.tasks[idx+1:]...)
	err := m.persistLocked()
	count := len(m.tasks)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publish(Event{Type: EventTaskFailed, Task: &task, QueueCount: count,
		Message: fmt.Sprintf("task %s moved to failed archive", id)})
	return nil
}

// Clear empties the live queue.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.tasks = nil
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publish(Event{Type: EventCleared, QueueCount: 0, Message: "queue cleared"})
	return nil
}

// PendingCount returns the number of pending tasks.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.tasks {
		if m.tasks[i].Status == StatusPending {
			n++
		}
	}
	return n
}

// CountByPriority returns task counts keyed by priority.
func (m *Manager) CountByPriority() map[Priority]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Priority]int)
	for i := range m.tasks {
		counts[m.tasks[i].Priority]++
	}
	return counts
}

// Tasks returns a copy of the live queue in sorted order.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// indexLocked finds a task by id. Caller holds the lock.
func (m *Manager) indexLocked(id string) int {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// sortLocked restores the ordering invariant: priority rank ascending,
// then creation time ascending. Caller holds the lock.
func (m *Manager) sortLocked() {
	sort.SliceStable(m.tasks, func(i, j int) bool {
		ri, rj := m.tasks[i].Priority.Rank(), m.tasks[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return m.tasks[i].CreatedAt.Before(m.tasks[j].CreatedAt)
	})
}

// evictLocked removes and returns the overflow victim: the oldest task of
// the lowest priority present. Caller holds the lock.
func (m *Manager) evictLocked() Task {
	victim := 0
	for i := range m.tasks {
		vi, vv := m.tasks[i], m.tasks[victim]
		if vi.Priority.Rank() > vv.Priority.Rank() ||
			(vi.Priority.Rank() == vv.Priority.Rank() && vi.CreatedAt.Before(vv.CreatedAt)) {
			victim = i
		}
	}
	task := m.tasks[victim]
	m.tasks = append(m.tasks[:victim], m.tasks[victim+1:]...)
	return task
}

// persistLocked atomically rewrites the live queue file. Caller holds the
// lock; the ordering invariant holds before persistence returns.
func (m *Manager) persistLocked() error {
	f := File{Version: fileVersion, UpdatedAt: m.now().UTC(), Tasks: m.tasks}
	if f.Tasks == nil {
		f.Tasks = []Task{}
	}
	return state.WriteJSON(m.livePath(), &f)
}

// archiveLocked appends a task to an archive file, stamping archived_at
// and the reason. A malformed archive file is replaced.
func (m *Manager) archiveLocked(path string, task Task, reason ArchiveReason) error {
	var f File
	if _, err := state.ReadJSON(path, &f); err != nil {
		m.logger.Warn("Archive file malformed, rewriting", "path", path, "error", err)
		f = File{}
	}
	if f.Version == "" {
		f.Version = fileVersion
	}

	now := m.now().UTC()
	task.ArchivedAt = &now
	task.ArchiveReason = reason
	f.Tasks = append(f.Tasks, task)
	f.UpdatedAt = now
	return state.WriteJSON(path, &f)
}

// publish delivers an event to all listeners, isolating panics.
func (m *Manager) publish(event Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("Queue listener panicked", "event", event.Type, "panic", r)
				}
			}()
			l(event)
		}()
	}
}
