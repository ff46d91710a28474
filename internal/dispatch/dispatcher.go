// Package dispatch selects a worker for the next queued task: workstream
// affinity first, then the least-recently-used idle worker.
package dispatch

import (
	"sync"

	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

// Dispatcher remembers workstream-to-worker affinity and picks candidates.
// It never blocks: with no eligible worker it simply returns nil and the
// task stays at the head of its lane.
type Dispatcher struct {
	mu       sync.Mutex
	affinity map[string]string // workstream id -> worker id
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{affinity: make(map[string]string)}
}

// Select picks a worker for t from the eligible candidates (already filtered
// to Idle state and a permitting circuit breaker). Returns nil when no
// candidate fits.
func (d *Dispatcher) Select(t *task.Task, candidates []*worker.Worker) *worker.Worker {
	if len(candidates) == 0 {
		return nil
	}

	// Prefer the worker already bound to the task's workstream, for
	// working-directory and session locality.
	if t.Workstream != "" {
		d.mu.Lock()
		bound := d.affinity[t.Workstream]
		d.mu.Unlock()
		for _, w := range candidates {
			if w.ID == bound || w.Affinity() == t.Workstream {
				d.record(t.Workstream, w.ID)
				return w
			}
		}
	}

	// Otherwise the worker idle the longest.
	chosen := candidates[0]
	for _, w := range candidates[1:] {
		if w.IdleSince().Before(chosen.IdleSince()) {
			chosen = w
		}
	}
	if t.Workstream != "" {
		d.record(t.Workstream, chosen.ID)
	}
	return chosen
}

func (d *Dispatcher) record(workstream, workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.affinity[workstream] = workerID
}

// Forget drops every affinity binding to a worker, used when it is retired.
func (d *Dispatcher) Forget(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ws, id := range d.affinity {
		if id == workerID {
			delete(d.affinity, ws)
		}
	}
}
