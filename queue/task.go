// Package queue implements the persistent, priority-ordered, size-bounded
// remediation task queue with failed and expired archives.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the queue. Critical sorts first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityRank maps priorities to sort rank; lower sorts first.
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the sort rank for the priority. Unknown priorities sort
// after low so malformed input never jumps the queue.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ArchiveReason explains why a task was moved to an archive file.
type ArchiveReason string

const (
	ArchiveReasonFailed  ArchiveReason = "failed"
	ArchiveReasonExpired ArchiveReason = "expired"
	ArchiveReasonDropped ArchiveReason = "dropped"
)

// Task is a queued remediation task.
type Task struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	Priority       Priority       `json:"priority"`
	Source         string         `json:"source"`
	AnomalyType    string         `json:"anomaly_type"`
	Prompt         string         `json:"prompt"`
	SuggestedAgent string         `json:"suggested_agent,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	// Archive metadata, set only on archived copies.
	ArchivedAt    *time.Time    `json:"archived_at,omitempty"`
	ArchiveReason ArchiveReason `json:"archive_reason,omitempty"`
}

// Input describes a task to enqueue. ID, timestamps, status, and attempt
// count are assigned by the manager.
type Input struct {
	Priority       Priority
	Source         string
	AnomalyType    string
	Prompt         string
	SuggestedAgent string
	Context        map[string]any
}

// newTaskID builds a stable id of the form task-YYYYMMDD-HHMMSS-xxxx.
func newTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:4]
	return fmt.Sprintf("task-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}
