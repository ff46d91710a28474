package health

import (
	"sync"
	"time"
)

// Escalation levels produced by a heartbeat sweep.
type Level int

const (
	LevelOK Level = iota
	// LevelSuspect: missed-beat threshold reached, worker should move to
	// Error and receive a forced probe.
	LevelSuspect
	// LevelDead: the forced probe also went unanswered, worker should move
	// to Crashed.
	LevelDead
)

// Tracker counts consecutive missed heartbeats per worker. The pool probes
// on a fixed cadence; a beat (proactive or probe answer) resets the count.
type Tracker struct {
	interval      time.Duration
	missThreshold int

	mu     sync.Mutex
	beats  map[string]time.Time
	missed map[string]int
	probed map[string]bool // forced probe outstanding
}

// NewTracker builds a tracker with the given cadence and miss threshold.
func NewTracker(interval time.Duration, missThreshold int) *Tracker {
	if missThreshold <= 0 {
		missThreshold = 3
	}
	return &Tracker{
		interval:      interval,
		missThreshold: missThreshold,
		beats:         make(map[string]time.Time),
		missed:        make(map[string]int),
		probed:        make(map[string]bool),
	}
}

// Track starts watching a worker, counting from now.
func (t *Tracker) Track(workerID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beats[workerID] = now
	t.missed[workerID] = 0
	t.probed[workerID] = false
}

// Forget stops watching a retired worker.
func (t *Tracker) Forget(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.beats, workerID)
	delete(t.missed, workerID)
	delete(t.probed, workerID)
}

// RecordBeat registers a liveness signal and clears any escalation.
func (t *Tracker) RecordBeat(workerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.beats[workerID]; !ok {
		return
	}
	t.beats[workerID] = at
	t.missed[workerID] = 0
	t.probed[workerID] = false
}

// Sweep evaluates every tracked worker at the given instant and returns the
// escalation level for each worker that missed its cadence.
func (t *Tracker) Sweep(now time.Time) map[string]Level {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Level)
	for id, last := range t.beats {
		if now.Sub(last) < t.interval {
			continue
		}
		// One interval of silence counts as one miss; the beat timestamp
		// advances so each interval is counted once.
		t.beats[id] = last.Add(t.interval)
		t.missed[id]++

		switch {
		case t.probed[id]:
			// Still silent after the forced probe.
			out[id] = LevelDead
		case t.missed[id] >= t.missThreshold:
			t.probed[id] = true
			out[id] = LevelSuspect
		default:
			out[id] = LevelOK
		}
	}
	return out
}

// Missed returns the current consecutive miss count for a worker.
func (t *Tracker) Missed(workerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missed[workerID]
}
