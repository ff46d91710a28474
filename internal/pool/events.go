package pool

import (
	"sync"
	"time"
)

// EventType enumerates the pool events published to collaborators.
type EventType string

const (
	EventWorkerState   EventType = "worker_state_changed"
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventPoolScaled    EventType = "pool_scaled"
)

// Event carries the minimal identifiers a consumer needs to re-query state.
// It never embeds derived presentation text.
type Event struct {
	Type      EventType `json:"type"`
	WorkerID  string    `json:"worker_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	State     string    `json:"state,omitempty"`   // worker state or terminal task status
	Workers   int       `json:"workers,omitempty"` // total after a scale event
	Timestamp time.Time `json:"timestamp"`
}

// broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than blocking the pool.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and a cancel function.
func (b *broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close terminates every subscription.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
