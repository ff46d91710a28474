package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/nxtg-ai/forge-pool/internal/task"
)

// item wraps a queued task with its enqueue time so the pool can compute
// queue wait metrics.
type item struct {
	task       *task.Task
	enqueuedAt time.Time
}

// Queue is a four-lane strict-priority FIFO queue. Higher lanes always drain
// before lower lanes; there is no starvation protection for low/background
// lanes, callers watch Depths for that.
type Queue struct {
	mu    sync.Mutex
	lanes map[task.Priority]*list.List
	index map[string]*list.Element // task id -> element, for O(1) cancel
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		lanes: make(map[task.Priority]*list.List, len(task.Priorities)),
		index: make(map[string]*list.Element),
	}
	for _, p := range task.Priorities {
		q.lanes[p] = list.New()
	}
	return q
}

// Enqueue appends the task to the back of its priority lane.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.lanes[t.Priority].PushBack(&item{task: t, enqueuedAt: time.Now()})
	q.index[t.ID] = el
}

// Dequeue removes and returns the oldest task from the highest non-empty
// lane, along with how long it waited. Returns nil when the queue is empty.
func (q *Queue) Dequeue() (*task.Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range task.Priorities {
		lane := q.lanes[p]
		if el := lane.Front(); el != nil {
			it := el.Value.(*item)
			lane.Remove(el)
			delete(q.index, it.task.ID)
			return it.task, time.Since(it.enqueuedAt)
		}
	}
	return nil, 0
}

// Peek returns the task at the head of the highest non-empty lane without
// removing it.
func (q *Queue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range task.Priorities {
		if el := q.lanes[p].Front(); el != nil {
			return el.Value.(*item).task
		}
	}
	return nil
}

// Remove deletes a still-queued task by id. Returns false if the task is not
// queued (already dispatched, terminal, or unknown).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[id]
	if !ok {
		return false
	}
	it := el.Value.(*item)
	q.lanes[it.task.Priority].Remove(el)
	delete(q.index, id)
	return true
}

// Contains reports whether a task id is still queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the total number of queued tasks across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Depths returns the per-lane queue depth.
func (q *Queue) Depths() map[task.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[task.Priority]int, len(task.Priorities))
	for _, p := range task.Priorities {
		depths[p] = q.lanes[p].Len()
	}
	return depths
}

// Drain removes and returns every queued task, highest priority first.
// Used at shutdown to fail or archive whatever never ran.
func (q *Queue) Drain() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, p := range task.Priorities {
		lane := q.lanes[p]
		for el := lane.Front(); el != nil; el = lane.Front() {
			it := el.Value.(*item)
			lane.Remove(el)
			delete(q.index, it.task.ID)
			out = append(out, it.task)
		}
	}
	return out
}
