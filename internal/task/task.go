package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies how a worker should execute the command payload.
type Kind string

const (
	KindSession Kind = "session" // interactive session command
	KindShell   Kind = "shell"   // command line run through the shell
	KindScript  Kind = "script"  // executable script path
)

// Priority selects one of the four queue lanes.
type Priority string

const (
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Priorities lists all lanes from highest to lowest.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground}

// Status is the externally visible lifecycle of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not-found"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrInvalidTask is returned when a submitted task fails validation.
// Input errors are rejected synchronously and never enqueued.
var ErrInvalidTask = errors.New("invalid task")

// Task describes one unit of work submitted to the pool. Immutable after
// submission except for the retry counter.
type Task struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"type"`
	Priority    Priority          `json:"priority"`
	Workstream  string            `json:"workstream_id,omitempty"` // affinity key
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	MaxRetries  int               `json:"max_retries"`
	RetryCount  int               `json:"retry_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// New builds a task with a fresh identifier and defaulted priority.
func New(kind Kind, command string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		Priority:    PriorityMedium,
		Command:     command,
		SubmittedAt: time.Now(),
	}
}

// Validate checks the fields required before a task may be enqueued.
func (t *Task) Validate() error {
	if t.Kind == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	switch t.Kind {
	case KindSession, KindShell, KindScript:
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidTask, t.Kind)
	}
	if t.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidTask)
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	switch t.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground:
	default:
		return fmt.Errorf("%w: unsupported priority %q", ErrInvalidTask, t.Priority)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidTask)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", ErrInvalidTask)
	}
	return nil
}
