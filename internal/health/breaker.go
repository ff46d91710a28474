package health

import (
	"sync"
	"time"
)

// BreakerState is the classic three-state circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerPolicy configures the per-worker circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // exclusion period before trials
	TrialTasks       int           // successful trials required to close again
}

// DefaultBreakerPolicy: open after 5 consecutive failures, 60s cooldown,
// one trial task before full restoration.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, Cooldown: 60 * time.Second, TrialTasks: 1}
}

// Breaker tracks one worker's failure streak.
type Breaker struct {
	policy BreakerPolicy

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int // trial successes while half-open
	trials    int // trial tasks dispatched while half-open
	openedAt  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(policy BreakerPolicy) *Breaker {
	return &Breaker{policy: policy}
}

// Allow reports whether the worker may receive a task at this moment. An
// open breaker flips to half-open once its cooldown elapses.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.policy.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.trials = 0
		b.successes = 0
		return true
	case BreakerHalfOpen:
		return b.trials < b.policy.TrialTasks
	}
	return false
}

// NoteDispatch records that a trial task was actually handed to the worker.
func (b *Breaker) NoteDispatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trials++
	}
}

// RecordSuccess resets the failure streak; enough half-open successes close
// the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.policy.TrialTasks {
			b.state = BreakerClosed
		}
	}
}

// RecordFailure counts a failure; a half-open failure reopens immediately,
// and a closed breaker opens at the threshold.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
	case BreakerClosed:
		if b.failures >= b.policy.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet keys breakers by worker id.
type BreakerSet struct {
	policy BreakerPolicy

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set sharing one policy.
func NewBreakerSet(policy BreakerPolicy) *BreakerSet {
	return &BreakerSet{policy: policy, breakers: make(map[string]*Breaker)}
}

func (s *BreakerSet) get(workerID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[workerID]
	if !ok {
		b = NewBreaker(s.policy)
		s.breakers[workerID] = b
	}
	return b
}

// Allow reports whether the worker's breaker permits dispatch now.
func (s *BreakerSet) Allow(workerID string, now time.Time) bool {
	return s.get(workerID).Allow(now)
}

// NoteDispatch forwards to the worker's breaker.
func (s *BreakerSet) NoteDispatch(workerID string) {
	s.get(workerID).NoteDispatch()
}

// RecordSuccess forwards to the worker's breaker.
func (s *BreakerSet) RecordSuccess(workerID string) {
	s.get(workerID).RecordSuccess()
}

// RecordFailure forwards to the worker's breaker.
func (s *BreakerSet) RecordFailure(workerID string, now time.Time) {
	s.get(workerID).RecordFailure(now)
}

// State returns the worker's circuit state.
func (s *BreakerSet) State(workerID string) BreakerState {
	return s.get(workerID).State()
}

// Remove drops a retired worker's breaker.
func (s *BreakerSet) Remove(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, workerID)
}
