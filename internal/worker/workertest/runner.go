// Package workertest provides an in-memory Runner so pool and API tests can
// run without spawning real agent processes.
package workertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

// Runner is a scripted in-memory stand-in for an agent process.
type Runner struct {
	WorkerID string

	mu      sync.Mutex
	sent    []proto.Message
	respond func(proto.Message) *proto.Message
	stopped bool
	crashed bool

	msgs chan proto.Message
	done chan struct{}
}

// NewRunner creates a fake runner with no automatic responses.
func NewRunner(workerID string) *Runner {
	return &Runner{
		WorkerID: workerID,
		msgs:     make(chan proto.Message, 64),
		done:     make(chan struct{}),
	}
}

// Respond installs a handler invoked for every task message the pool sends;
// a non-nil return is emitted back as if the agent had answered.
func (r *Runner) Respond(fn func(proto.Message) *proto.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respond = fn
}

// RespondSuccess makes the runner answer every task with a clean result.
func (r *Runner) RespondSuccess() {
	r.Respond(func(msg proto.Message) *proto.Message {
		var payload proto.TaskPayload
		if err := msg.Decode(&payload); err != nil {
			return nil
		}
		reply, _ := proto.NewReply(proto.TypeResult, msg.ID, proto.ResultPayload{
			TaskID: payload.TaskID,
		})
		return &reply
	})
}

// RespondFailure makes the runner fail every task with the given error class.
func (r *Runner) RespondFailure(class string) {
	r.Respond(func(msg proto.Message) *proto.Message {
		var payload proto.TaskPayload
		if err := msg.Decode(&payload); err != nil {
			return nil
		}
		reply, _ := proto.NewReply(proto.TypeResult, msg.ID, proto.ResultPayload{
			TaskID:     payload.TaskID,
			ExitCode:   1,
			Error:      "scripted failure",
			ErrorClass: class,
		})
		return &reply
	})
}

func (r *Runner) Start(ctx context.Context) error { return nil }

func (r *Runner) Send(msg proto.Message) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("runner stopped")
	}
	r.sent = append(r.sent, msg)
	respond := r.respond
	r.mu.Unlock()

	if respond != nil && msg.Type == proto.TypeTask {
		if reply := respond(msg); reply != nil {
			r.Emit(*reply)
		}
	}
	return nil
}

// Emit delivers a message to the pool as if the agent had written it.
func (r *Runner) Emit(msg proto.Message) {
	select {
	case r.msgs <- msg:
	case <-r.done:
	}
}

// EmitResult sends a terminal result correlated to the given task message.
func (r *Runner) EmitResult(taskMsgID string, payload proto.ResultPayload) {
	reply, _ := proto.NewReply(proto.TypeResult, taskMsgID, payload)
	r.Emit(reply)
}

// EmitHeartbeat sends a liveness signal.
func (r *Runner) EmitHeartbeat(status string) {
	msg, _ := proto.New(proto.TypeHeartbeat, proto.HeartbeatPayload{Status: status})
	r.Emit(msg)
}

// Crash simulates an unexpected process exit.
func (r *Runner) Crash() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.crashed {
		return
	}
	r.crashed = true
	close(r.done)
}

// Sent returns every message the pool delivered to this runner.
func (r *Runner) Sent() []proto.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proto.Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTasks returns only the task messages sent to this runner.
func (r *Runner) SentTasks() []proto.TaskPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.TaskPayload
	for _, msg := range r.sent {
		if msg.Type != proto.TypeTask {
			continue
		}
		var payload proto.TaskPayload
		if err := msg.Decode(&payload); err == nil {
			out = append(out, payload)
		}
	}
	return out
}

func (r *Runner) Messages() <-chan proto.Message { return r.msgs }

func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) Err() error { return nil }

func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if !r.crashed {
		r.crashed = true
		close(r.done)
	}
	return nil
}

func (r *Runner) Usage() (worker.ResourceUsage, error) {
	return worker.ResourceUsage{}, nil
}

// Hub hands out fake runners and remembers them by worker id so tests can
// drive individual workers.
type Hub struct {
	mu      sync.Mutex
	runners map[string][]*Runner
	setup   func(*Runner)
}

// NewHub creates a hub. setup, if non-nil, runs on every new runner (for
// installing default responses).
func NewHub(setup func(*Runner)) *Hub {
	return &Hub{runners: make(map[string][]*Runner), setup: setup}
}

// Factory returns a worker.RunnerFactory producing fakes from this hub.
func (h *Hub) Factory() worker.RunnerFactory {
	return func(ctxt *worker.Context) (worker.Runner, error) {
		r := NewRunner(ctxt.WorkerID)
		if h.setup != nil {
			h.setup(r)
		}
		h.mu.Lock()
		h.runners[ctxt.WorkerID] = append(h.runners[ctxt.WorkerID], r)
		h.mu.Unlock()
		return r, nil
	}
}

// Runner returns the most recent runner created for a worker id.
func (h *Hub) Runner(workerID string) *Runner {
	h.mu.Lock()
	defer h.mu.Unlock()
	rs := h.runners[workerID]
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

// WorkerIDs lists every worker id that received a runner.
func (h *Hub) WorkerIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.runners))
	for id := range h.runners {
		ids = append(ids, id)
	}
	return ids
}
