// Package supervisor is the orchestrator: it owns the PID file, the
// chain-state snapshot, and the TDD semaphore; tails the workflow log;
// fans entries out to the analyzer, rule engine, and compliance monitor;
// and turns issues into notifications and queued remediation tasks.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/501336North/oss-supervisor/analyzer"
	"github.com/501336North/oss-supervisor/compliance"
	"github.com/501336North/oss-supervisor/config"
	"github.com/501336North/oss-supervisor/intervene"
	"github.com/501336North/oss-supervisor/llmdetect"
	"github.com/501336North/oss-supervisor/metrics"
	"github.com/501336North/oss-supervisor/queue"
	"github.com/501336North/oss-supervisor/rules"
	"github.com/501336North/oss-supervisor/state"
	"github.com/501336North/oss-supervisor/worklog"
)

// Notifier delivers a user-facing notification. Implementations must be
// fast or hand off; the supervisor calls it inline.
type Notifier func(intervene.Notification)

// Supervisor wires the components together for one project.
type Supervisor struct {
	paths    state.Paths
	settings *config.Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notify   Notifier

	queue      *queue.Manager
	analyzer   *analyzer.Analyzer
	engine     *rules.Engine
	monitor    *compliance.Monitor
	classifier *llmdetect.Classifier
	tailer     *worklog.Tailer
	precheck   *compliance.PreCheckParser

	mu       sync.Mutex
	entries  []worklog.Entry
	snapshot *state.ChainSnapshot
	handled  map[string]bool
	rawPos   int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithNotifier sets the notification callback.
func WithNotifier(n Notifier) SupervisorOption {
	return func(s *Supervisor) {
		if n != nil {
			s.notify = n
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches the instrumentation bundle.
func WithMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithClassifier attaches the LLM fallback classifier. Without one the
// rule engine is the only free-form detector.
func WithClassifier(c *llmdetect.Classifier) SupervisorOption {
	return func(s *Supervisor) {
		s.classifier = c
	}
}

// WithSettings overrides the loaded settings.
func WithSettings(settings *config.Settings) SupervisorOption {
	return func(s *Supervisor) {
		if settings != nil {
			s.settings = settings
		}
	}
}

// New creates a Supervisor for the project rooted at projectRoot.
func New(projectRoot string, opts ...SupervisorOption) *Supervisor {
	paths := state.NewPaths(projectRoot)
	s := &Supervisor{
		paths:    paths,
		settings: config.LoadSettings(paths),
		logger:   slog.Default(),
		notify:   func(intervene.Notification) {},
		precheck: compliance.NewPreCheckParser(),
		handled:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}

	custom, err := rules.LoadCustomRules(paths.CustomRules())
	if err != nil {
		s.logger.Warn("Ignoring custom rules file", "error", err)
	}
	s.engine = rules.NewEngine(rules.WithCustomRules(custom))

	s.analyzer = analyzer.New()
	s.monitor = compliance.NewMonitor(
		compliance.WithMode(compliance.Mode(s.settings.ComplianceMode)),
		compliance.WithInterval(s.settings.ComplianceInterval()),
	)
	return s
}

// Queue exposes the live queue manager; nil before Start.
func (s *Supervisor) Queue() *queue.Manager { return s.queue }

// Snapshot returns a copy of the current chain snapshot.
func (s *Supervisor) Snapshot() state.ChainSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return *state.DefaultChainSnapshot()
	}
	return *s.snapshot
}

// Start acquires the PID file, loads state, and begins tailing. A second
// live instance fails with Conflict.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	if err := os.MkdirAll(s.paths.ProjectDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := acquirePIDFile(s.paths.PIDFile()); err != nil {
		return err
	}

	q, err := queue.NewManager(s.paths.QueueDir(),
		queue.WithMaxSize(s.settings.QueueMaxSize),
		queue.WithManagerLogger(s.logger),
	)
	if err != nil {
		releasePIDFile(s.paths.PIDFile())
		return err
	}
	s.queue = q

	state.RemoveTDDLockIfStale(s.paths.TDDLock())

	// Seed in-memory state from the log; the snapshot file is a cache
	// and is rebuilt whenever it is missing.
	entries, err := worklog.NewReader(s.paths.WorkflowLog()).ReadAll()
	if err != nil {
		s.logger.Warn("Could not read workflow log at start", "error", err)
	}
	s.mu.Lock()
	s.entries = entries
	s.snapshot, _ = state.LoadChainSnapshot(s.paths.WorkflowState(), s.logger)
	s.rebuildSnapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.tailer = worklog.NewTailer(s.paths.WorkflowLog(), worklog.WithTailerLogger(s.logger))
	if err := s.tailer.Start(runCtx, s.onEntry); err != nil {
		cancel()
		releasePIDFile(s.paths.PIDFile())
		return fmt.Errorf("start tailer: %w", err)
	}

	s.wg.Add(1)
	go s.complianceLoop(runCtx)

	s.started = true
	s.logger.Info("Supervisor started",
		"project", s.paths.ProjectDir,
		"compliance_mode", s.monitor.Mode(),
	)
	return nil
}

// Stop halts tailing, persists a final snapshot, and releases the PID
// file. Completes well under a second.
func (s *Supervisor) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	s.tailer.Stop()
	s.wg.Wait()
	s.persistSnapshot()
	releasePIDFile(s.paths.PIDFile())

	s.started = false
	s.tailer = nil
	s.queue = nil
	s.logger.Info("Supervisor stopped")
}

// onEntry is the tail callback: update the snapshot, analyze, and react.
func (s *Supervisor) onEntry(e worklog.Entry) {
	if s.metrics != nil {
		s.metrics.EntriesProcessed.Inc()
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	entries := s.entries
	s.rebuildSnapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot()

	// Compliance checklists ride on COMPLETE/AGENT_COMPLETE entries.
	if e.IronLaws != nil &&
		(e.Event == worklog.EventComplete || e.Event == worklog.EventAgentComplete) {
		for _, task := range s.monitor.ProcessChecklist(e.Cmd, *e.IronLaws) {
			s.enqueue(*task)
		}
	}

	report := s.analyzer.Analyze(entries)
	for _, issue := range report.Issues {
		s.handleIssue(issue)
	}

	// Free-form detection over the entry's text payload: rules first,
	// LLM fallback when they miss.
	s.scanFreeForm(&e)
}

// handleIssue turns one analyzer issue into a notification and task,
// once. The TDD semaphore suppresses test-failure enqueues.
func (s *Supervisor) handleIssue(issue analyzer.Issue) {
	key := issueKey(issue)
	s.mu.Lock()
	if s.handled[key] {
		s.mu.Unlock()
		return
	}
	s.handled[key] = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IssuesDetected.WithLabelValues(string(issue.Kind)).Inc()
	}

	iv := intervene.Generate(issue)

	if iv.Task != nil {
		if s.tddSuppressed(issue) {
			s.logger.Info("TDD mode active", "suppressed_kind", issue.Kind)
		} else {
			s.enqueue(*iv.Task)
		}
	}

	if s.settings.NotificationsEnabled {
		if s.metrics != nil {
			s.metrics.Notifications.Inc()
		}
		s.notify(iv.Notification)
	}
}

// tddSuppressed reports whether the TDD semaphore blocks this issue:
// explicit test failures are expected while red/green cycling.
func (s *Supervisor) tddSuppressed(issue analyzer.Issue) bool {
	if issue.Kind != analyzer.IssueExplicitFailure {
		return false
	}
	isTest, _ := issue.Context["test_failure"].(bool)
	return isTest && state.TDDLockActive(s.paths.TDDLock())
}

// scanFreeForm runs the rule engine over the entry's text payload and
// falls back to the LLM classifier when no rule fires.
func (s *Supervisor) scanFreeForm(e *worklog.Entry) {
	text := e.DataString("error")
	if text == "" {
		text = e.DataString("output")
	}
	if text == "" {
		return
	}

	if match := s.engine.Scan(text); match != nil {
		if match.Anomaly == "test_failure" && state.TDDLockActive(s.paths.TDDLock()) {
			s.logger.Info("TDD mode active", "suppressed_rule", match.Rule)
			return
		}
		s.enqueueOnce("rule:"+match.Rule+":"+e.Cmd, queue.Input{
			Priority:       match.Priority,
			Source:         "log-monitor",
			AnomalyType:    match.Anomaly,
			Prompt:         match.Prompt,
			SuggestedAgent: match.SuggestedAgent,
			Context:        match.Context,
		})
		return
	}

	if s.classifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), llmdetect.DefaultTimeout)
	defer cancel()
	if det := s.classifier.Classify(ctx, text); det != nil {
		s.enqueueOnce("llm:"+string(det.Kind)+":"+e.Cmd, queue.Input{
			Priority:       det.Kind.Priority(),
			Source:         "llm-monitor",
			AnomalyType:    string(det.Kind),
			Prompt:         det.Prompt,
			SuggestedAgent: det.SuggestedAgent,
			Context:        det.Context,
		})
	}
}

// complianceLoop runs the periodic compliance scan. In workflow-only
// mode ticks are skipped while no command is active.
func (s *Supervisor) complianceLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.monitor.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.complianceScan()
		}
	}
}

// complianceScan reads new raw log bytes and feeds pre-check blocks to
// the monitor.
func (s *Supervisor) complianceScan() {
	if s.monitor.Mode() == compliance.ModeWorkflowOnly && !s.workflowActive() {
		return
	}
	if s.metrics != nil {
		s.metrics.ComplianceScans.Inc()
	}

	state.RemoveTDDLockIfStale(s.paths.TDDLock())

	chunk, err := s.readRawDelta()
	if err != nil || chunk == "" {
		return
	}
	for _, task := range s.monitor.ProcessPreChecks(s.precheck.Feed(chunk)) {
		s.enqueue(*task)
	}
}

// readRawDelta reads log bytes appended since the last scan. Truncation
// resets the cursor.
func (s *Supervisor) readRawDelta() (string, error) {
	f, err := os.Open(s.paths.WorkflowLog())
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	pos := s.rawPos
	if info.Size() < pos {
		pos = 0
	}
	s.mu.Unlock()

	if info.Size() == pos {
		return "", nil
	}
	buf := make([]byte, info.Size()-pos)
	if _, err := f.ReadAt(buf, pos); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.rawPos = info.Size()
	s.mu.Unlock()
	return string(buf), nil
}

// workflowActive reports whether some command has started and not yet
// finished.
func (s *Supervisor) workflowActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := map[string]bool{}
	for i := range s.entries {
		e := &s.entries[i]
		switch e.Event {
		case worklog.EventStart:
			open[e.Cmd] = true
		case worklog.EventComplete, worklog.EventFailed:
			delete(open, e.Cmd)
		}
	}
	return len(open) > 0
}

// enqueue adds a task, logging failures rather than surfacing them; the
// supervisor never aborts on operational errors.
func (s *Supervisor) enqueue(input queue.Input) {
	if _, err := s.queue.Add(input); err != nil {
		s.logger.Error("Enqueue failed", "anomaly", input.AnomalyType, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.TasksEnqueued.WithLabelValues(string(input.Priority)).Inc()
	}
}

// enqueueOnce deduplicates free-form detections by key.
func (s *Supervisor) enqueueOnce(key string, input queue.Input) {
	s.mu.Lock()
	if s.handled[key] {
		s.mu.Unlock()
		return
	}
	s.handled[key] = true
	s.mu.Unlock()
	s.enqueue(input)
}

// rebuildSnapshotLocked refreshes the snapshot from the entry list.
// Caller holds s.mu.
func (s *Supervisor) rebuildSnapshotLocked() {
	if s.snapshot == nil {
		s.snapshot = state.DefaultChainSnapshot()
	}

	progress := analyzer.BuildChainProgress(s.entries)

	s.snapshot.ChainProgress = make(map[string]string, len(progress))
	for cmd, p := range progress {
		s.snapshot.ChainProgress[cmd] = string(p)
	}

	s.snapshot.Milestones = nil
	for i := range s.entries {
		e := &s.entries[i]
		s.snapshot.LastActivity = e.TS
		switch e.Event {
		case worklog.EventStart:
			s.snapshot.CurrentCmd = e.Cmd
			s.snapshot.CurrentPhase = ""
		case worklog.EventPhaseStart:
			s.snapshot.CurrentPhase = e.Phase
		case worklog.EventPhaseComplete:
			s.snapshot.CurrentPhase = ""
		case worklog.EventMilestone:
			s.snapshot.RecordMilestone(e.TS)
		}
	}

	next := analyzer.NextCommand(progress)
	s.snapshot.NextSuggested = next
	s.snapshot.CurrentCommand = s.snapshot.CurrentCmd
	s.snapshot.NextCommand = next
}

func (s *Supervisor) persistSnapshot() {
	s.mu.Lock()
	snap := *s.snapshot
	s.mu.Unlock()
	if err := state.SaveChainSnapshot(s.paths.WorkflowState(), &snap); err != nil {
		s.logger.Error("Snapshot persist failed", "error", err)
	}
}

// issueKey dedupes issues across repeated analyses of a growing log.
func issueKey(issue analyzer.Issue) string {
	key := string(issue.Kind)
	if cmd, ok := issue.Context["command"].(string); ok {
		key += ":" + cmd
	}
	if tool, ok := issue.Context["tool_name"].(string); ok {
		key += ":" + tool
	}
	if len(issue.Entries) > 0 {
		key += fmt.Sprintf(":%d", issue.Entries[0])
	}
	return key
}
