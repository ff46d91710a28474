// Package worker wraps one isolated agent process together with its
// execution context and lifecycle state machine.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/task"
)

// Worker is the pool-side handle for one agent process. It holds at most one
// task at a time. All state changes go through the transition table in
// state.go.
type Worker struct {
	ID string

	mu      sync.Mutex
	state   State
	runner  Runner
	ctxt    *Context
	factory RunnerFactory

	currentTask   *task.Task
	currentMsgID  string
	affinity      string // workstream of the last assigned task
	idleSince     time.Time
	lastHeartbeat time.Time

	completed           uint64
	failed              uint64
	consecutiveFailures int
	restarts            int
}

// Snapshot is a read-only view of a worker published to observers.
type Snapshot struct {
	ID                  string        `json:"id"`
	State               string        `json:"state"`
	CurrentTask         string        `json:"current_task,omitempty"`
	Affinity            string        `json:"workstream_id,omitempty"`
	TasksCompleted      uint64        `json:"tasks_completed"`
	TasksFailed         uint64        `json:"tasks_failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Restarts            int           `json:"restarts"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	Usage               ResourceUsage `json:"usage"`
}

// New builds a worker around a context and a runner factory. Start must be
// called before tasks can be assigned.
func New(id string, ctxt *Context, factory RunnerFactory) *Worker {
	return &Worker{
		ID:      id,
		state:   StateIdle,
		ctxt:    ctxt,
		factory: factory,
	}
}

// Start sets up the context and launches the agent process.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.runner != nil {
		return fmt.Errorf("worker %s already started", w.ID)
	}
	if err := w.ctxt.Setup(); err != nil {
		return err
	}
	runner, err := w.factory(w.ctxt)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		_ = w.ctxt.Teardown()
		return fmt.Errorf("worker %s: %w", w.ID, err)
	}
	w.runner = runner
	now := time.Now()
	w.idleSince = now
	w.lastHeartbeat = now
	return nil
}

// Runner returns the current process runner.
func (w *Worker) Runner() Runner {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runner
}

// Context returns the worker's execution context.
func (w *Worker) Context() *Context { return w.ctxt }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IdleSince reports when the worker last became idle, used for
// least-recently-used selection.
func (w *Worker) IdleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idleSince
}

// Affinity returns the workstream of the most recent assignment.
func (w *Worker) Affinity() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.affinity
}

// Assign sends the task to the agent and moves the worker to Busy. Returns
// the task message id used as the correlation key for the terminal result.
func (w *Worker) Assign(t *task.Task) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := checkTransition(w.state, StateBusy); err != nil {
		return "", err
	}
	if w.currentTask != nil {
		return "", fmt.Errorf("worker %s already holds task %s", w.ID, w.currentTask.ID)
	}

	msg, err := proto.New(proto.TypeTask, proto.TaskPayload{
		TaskID:         t.ID,
		Kind:           string(t.Kind),
		Command:        t.Command,
		Args:           t.Args,
		Env:            t.Env,
		TimeoutSeconds: int64(t.Timeout / time.Second),
	})
	if err != nil {
		return "", err
	}
	if err := w.runner.Send(msg); err != nil {
		return "", fmt.Errorf("worker %s: %w", w.ID, err)
	}

	w.state = StateBusy
	w.currentTask = t
	w.currentMsgID = msg.ID
	if t.Workstream != "" {
		w.affinity = t.Workstream
	}
	w.ctxt.RecordCommand(t.Command, t.Args)
	return msg.ID, nil
}

// CurrentTask returns the in-flight task, or nil.
func (w *Worker) CurrentTask() *task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask
}

// CurrentMsgID returns the correlation id of the in-flight task message.
func (w *Worker) CurrentMsgID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentMsgID
}

// FinishTask records the terminal result of the in-flight task. On success
// the worker returns to Idle; on failure it moves to Error and the caller
// decides recovery.
func (w *Worker) FinishTask(success bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	target := StateIdle
	if !success {
		target = StateError
	}
	// A failure result may land on a worker already in Error (heartbeat loss
	// while busy); settling it is not a transition fault.
	if !(w.state == StateError && target == StateError) {
		if err := checkTransition(w.state, target); err != nil {
			return err
		}
	}
	w.state = target
	w.currentTask = nil
	w.currentMsgID = ""
	if success {
		w.completed++
		w.consecutiveFailures = 0
		w.idleSince = time.Now()
	} else {
		w.failed++
		w.consecutiveFailures++
	}
	return nil
}

// MarkError moves an Idle or Busy worker to Error (heartbeat loss, protocol
// fault). The in-flight task, if any, stays attached until the caller clears
// it.
func (w *Worker) MarkError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateError {
		return nil
	}
	if err := checkTransition(w.state, StateError); err != nil {
		return err
	}
	w.state = StateError
	return nil
}

// Recover acknowledges an Error state and resets the worker to Idle.
func (w *Worker) Recover() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := checkTransition(w.state, StateIdle); err != nil {
		return err
	}
	w.state = StateIdle
	w.currentTask = nil
	w.currentMsgID = ""
	w.idleSince = time.Now()
	return nil
}

// MarkCrashed moves an Error worker to Crashed. A crashed worker accepts no
// tasks until Restart.
func (w *Worker) MarkCrashed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateCrashed {
		return nil
	}
	if err := checkTransition(w.state, StateCrashed); err != nil {
		return err
	}
	w.state = StateCrashed
	w.currentTask = nil
	w.currentMsgID = ""
	if w.runner != nil {
		_ = w.runner.Stop()
	}
	return nil
}

// Restart allocates a fresh process and context under the same worker id.
// Only valid from Crashed.
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := checkTransition(w.state, StateIdle); err != nil {
		return err
	}
	if w.state != StateCrashed {
		return fmt.Errorf("worker %s: restart is only valid from crashed, not %s", w.ID, w.state)
	}
	if w.runner != nil {
		_ = w.runner.Stop()
	}
	if err := w.ctxt.Reset(); err != nil {
		return err
	}
	runner, err := w.factory(w.ctxt)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("worker %s restart: %w", w.ID, err)
	}
	w.runner = runner
	w.state = StateIdle
	w.restarts++
	w.consecutiveFailures = 0
	now := time.Now()
	w.idleSince = now
	w.lastHeartbeat = now
	return nil
}

// Restarts returns how many times this worker has been restarted.
func (w *Worker) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// ConsecutiveFailures returns the current failure streak.
func (w *Worker) ConsecutiveFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveFailures
}

// RecordHeartbeat notes a liveness signal from the agent.
func (w *Worker) RecordHeartbeat(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = at
}

// LastHeartbeat returns the most recent liveness signal.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// Retire terminates the process and tears down the context. The worker is
// unusable afterwards.
func (w *Worker) Retire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runner != nil {
		_ = w.runner.Stop()
	}
	return w.ctxt.Teardown()
}

// Snapshot returns the current observable state of the worker.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	snap := Snapshot{
		ID:                  w.ID,
		State:               w.state.String(),
		Affinity:            w.affinity,
		TasksCompleted:      w.completed,
		TasksFailed:         w.failed,
		ConsecutiveFailures: w.consecutiveFailures,
		Restarts:            w.restarts,
		LastHeartbeat:       w.lastHeartbeat,
	}
	if w.currentTask != nil {
		snap.CurrentTask = w.currentTask.ID
	}
	runner := w.runner
	w.mu.Unlock()

	if runner != nil {
		if usage, err := runner.Usage(); err == nil {
			snap.Usage = usage
		}
	}
	return snap
}
