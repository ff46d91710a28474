// Package pool implements the worker pool coordinator: it owns the task
// queue and worker registry, dispatches queued tasks to idle workers, applies
// the health and circuit-breaker policies, and runs the scaling controller.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nxtg-ai/forge-pool/internal/archive"
	"github.com/nxtg-ai/forge-pool/internal/async"
	"github.com/nxtg-ai/forge-pool/internal/dispatch"
	"github.com/nxtg-ai/forge-pool/internal/health"
	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/queue"
	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

var (
	// ErrNotInitialized is returned for task operations before Initialize.
	ErrNotInitialized = errors.New("worker pool not initialized")
	// ErrStopped is returned for operations after Shutdown.
	ErrStopped = errors.New("worker pool stopped")
)

// ScalingOptions tunes the dynamic scaling controller.
type ScalingOptions struct {
	Interval       time.Duration
	UpperThreshold float64
	LowerThreshold float64
	Step           int
	Cooldown       time.Duration
}

// Options configures a Manager.
type Options struct {
	MinWorkers             int
	MaxWorkers             int
	WorkRoot               string
	EnvWhitelist           []string
	Limits                 worker.Limits
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
	MaxWorkerRestarts      int
	Retention              time.Duration
	Retry                  health.RetryPolicy
	Breaker                health.BreakerPolicy
	Scaling                ScalingOptions
	Factory                worker.RunnerFactory
	Archive                *archive.Store
}

func (o *Options) applyDefaults() {
	if o.MinWorkers < 1 {
		o.MinWorkers = 1
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatMissThreshold <= 0 {
		o.HeartbeatMissThreshold = 3
	}
	if o.MaxWorkerRestarts <= 0 {
		o.MaxWorkerRestarts = 3
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry = health.DefaultRetryPolicy()
	}
	if o.Breaker.FailureThreshold <= 0 {
		o.Breaker = health.DefaultBreakerPolicy()
	}
	if o.Scaling.Interval <= 0 {
		o.Scaling.Interval = 15 * time.Second
	}
	if o.Scaling.UpperThreshold <= 0 {
		o.Scaling.UpperThreshold = 0.8
	}
	if o.Scaling.LowerThreshold <= 0 {
		o.Scaling.LowerThreshold = 0.3
	}
	if o.Scaling.Step <= 0 {
		o.Scaling.Step = 2
	}
	if o.Scaling.Cooldown <= 0 {
		o.Scaling.Cooldown = time.Minute
	}
}

// workerEvent is one item on the coordinator's inbound channel: either a
// decoded message from a worker or a process-exit notification.
type workerEvent struct {
	workerID string
	msg      proto.Message
	exited   bool
	runner   worker.Runner // identity guard for stale exit events
}

// inflight tracks one dispatched task until its terminal result arrives.
type inflight struct {
	t               *task.Task
	workerID        string
	msgID           string
	assignedAt      time.Time
	cancelRequested bool
}

// terminalRecord remembers a finished task for status queries until the
// retention window expires.
type terminalRecord struct {
	status task.Status
	errMsg string
	at     time.Time
}

// Manager is the pool aggregate. All shared state (queue, registry, in-flight
// table) is guarded by one mutex; per-worker goroutines publish into the
// events channel and never touch shared state directly.
type Manager struct {
	opts Options
	coll *collectors
	bus  *broadcaster

	mu          sync.Mutex
	initialized bool
	stopped     bool
	baseCtx     context.Context
	queue       *queue.Queue
	workers     map[string]*worker.Worker
	dispatcher  *dispatch.Dispatcher
	breakers    *health.BreakerSet
	tracker     *health.Tracker
	inflights   map[string]*inflight // task id -> assignment
	byMsgID     map[string]string    // task message id -> task id
	records     map[string]*terminalRecord
	retryWait   map[string]*time.Timer // task id -> pending retry timer
	retryTasks  map[string]*task.Task
	lastScale   time.Time
	sumTaskDur  time.Duration
	numTaskDur  uint64
	sumWait     time.Duration
	numWait     uint64
	completed   uint64
	failed      uint64

	events chan workerEvent
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds an uninitialized pool.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:       opts,
		coll:       newCollectors(),
		bus:        newBroadcaster(),
		queue:      queue.New(),
		workers:    make(map[string]*worker.Worker),
		dispatcher: dispatch.New(),
		breakers:   health.NewBreakerSet(opts.Breaker),
		tracker:    health.NewTracker(opts.HeartbeatInterval, opts.HeartbeatMissThreshold),
		inflights:  make(map[string]*inflight),
		byMsgID:    make(map[string]string),
		records:    make(map[string]*terminalRecord),
		retryWait:  make(map[string]*time.Timer),
		retryTasks: make(map[string]*task.Task),
		events:     make(chan workerEvent, 256),
		stop:       make(chan struct{}),
	}
}

// Registry exposes the prometheus registry for the /metrics handler.
func (m *Manager) Registry() *prometheus.Registry { return m.coll.Registry() }

// Initialize spins up the configured minimum worker count and starts the
// coordinator loops. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.initialized {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.baseCtx = ctx

	for i := 0; i < m.opts.MinWorkers; i++ {
		if _, err := m.addWorkerLocked(); err != nil {
			return fmt.Errorf("failed to initialize pool: %w", err)
		}
	}
	m.initialized = true

	m.wg.Add(1)
	async.Go("pool-run", func() {
		defer m.wg.Done()
		m.run()
	})
	m.wg.Add(1)
	async.Go("pool-health", func() {
		defer m.wg.Done()
		m.healthLoop()
	})
	m.wg.Add(1)
	async.Go("pool-scaler", func() {
		defer m.wg.Done()
		m.scaleLoop()
	})
	m.wg.Add(1)
	async.Go("pool-retention", func() {
		defer m.wg.Done()
		m.retentionLoop()
	})

	m.refreshGaugesLocked()
	log.Printf("Pool initialized with %d workers (min=%d max=%d)",
		len(m.workers), m.opts.MinWorkers, m.opts.MaxWorkers)
	return nil
}

// Events returns a subscription to the pool event stream.
func (m *Manager) Events(buffer int) (<-chan Event, func()) {
	return m.bus.Subscribe(buffer)
}

// SubmitTask validates and enqueues a task, returning its id. The queue
// insert is synchronous; dispatch happens immediately when a worker is idle.
func (m *Manager) SubmitTask(t *task.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: missing task", task.ErrInvalidTask)
	}
	if err := t.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrStopped
	}
	if !m.initialized {
		return "", ErrNotInitialized
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = m.opts.Retry.MaxRetries
	}

	m.queue.Enqueue(t)
	m.dispatchLocked()
	m.refreshGaugesLocked()
	return t.ID, nil
}

// CancelTask cancels a task. Queued tasks are removed synchronously; a
// dispatched task gets a best-effort abort forwarded to its worker. Returns
// false when the task is already terminal or unknown.
func (m *Manager) CancelTask(taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return false, ErrNotInitialized
	}

	// Still queued: synchronous removal.
	if m.queue.Remove(taskID) {
		m.recordTerminalLocked(taskID, task.StatusCancelled, "cancelled while queued", nil, "", nil, 0)
		m.bus.Publish(Event{Type: EventTaskCancelled, TaskID: taskID, State: string(task.StatusCancelled)})
		m.refreshGaugesLocked()
		return true, nil
	}

	// Waiting on a retry backoff: stop the timer.
	if timer, ok := m.retryWait[taskID]; ok {
		timer.Stop()
		t := m.retryTasks[taskID]
		delete(m.retryWait, taskID)
		delete(m.retryTasks, taskID)
		m.recordTerminalLocked(taskID, task.StatusCancelled, "cancelled during retry wait", t, "", nil, 0)
		m.bus.Publish(Event{Type: EventTaskCancelled, TaskID: taskID, State: string(task.StatusCancelled)})
		return true, nil
	}

	// Dispatched: forward an abort, once.
	if inf, ok := m.inflights[taskID]; ok {
		if inf.cancelRequested {
			return false, nil
		}
		inf.cancelRequested = true
		if w, ok := m.workers[inf.workerID]; ok {
			msg, err := proto.New(proto.TypeControl, proto.ControlPayload{
				Command: proto.ControlAbort,
				TaskID:  taskID,
			})
			if err == nil {
				if r := w.Runner(); r != nil {
					_ = r.Send(msg)
				}
			}
		}
		return true, nil
	}

	return false, nil
}

// GetTaskStatus reports where a task currently is.
func (m *Manager) GetTaskStatus(taskID string) (task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return "", ErrNotInitialized
	}
	if m.queue.Contains(taskID) {
		return task.StatusQueued, nil
	}
	if _, ok := m.retryTasks[taskID]; ok {
		return task.StatusQueued, nil
	}
	if _, ok := m.inflights[taskID]; ok {
		return task.StatusRunning, nil
	}
	if rec, ok := m.records[taskID]; ok {
		return rec.status, nil
	}
	return task.StatusNotFound, nil
}

// ScaleUp adds up to n workers, clamped at the maximum. n <= 0 uses the
// configured step. Returns the new total.
func (m *Manager) ScaleUp(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, ErrNotInitialized
	}
	if m.stopped {
		return len(m.workers), ErrStopped
	}
	if n <= 0 {
		n = m.opts.Scaling.Step
	}

	added := 0
	for added < n && len(m.workers) < m.opts.MaxWorkers {
		if _, err := m.addWorkerLocked(); err != nil {
			log.Printf("Scale-up worker start failed: %v", err)
			break
		}
		added++
	}
	if added > 0 {
		m.lastScale = time.Now()
		m.coll.scaleOps.WithLabelValues("up").Inc()
		m.bus.Publish(Event{Type: EventPoolScaled, Workers: len(m.workers)})
		m.dispatchLocked()
		m.refreshGaugesLocked()
	}
	return len(m.workers), nil
}

// ScaleDown retires up to n idle workers, never going below the minimum.
// Busy workers are left alone. Returns the new total.
func (m *Manager) ScaleDown(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0, ErrNotInitialized
	}
	if n <= 0 {
		n = m.opts.Scaling.Step
	}

	removed := 0
	for _, w := range m.idleWorkersLocked() {
		if removed >= n || len(m.workers) <= m.opts.MinWorkers {
			break
		}
		m.retireWorkerLocked(w, "scale-down")
		removed++
	}
	if removed > 0 {
		m.lastScale = time.Now()
		m.coll.scaleOps.WithLabelValues("down").Inc()
		m.bus.Publish(Event{Type: EventPoolScaled, Workers: len(m.workers)})
		m.refreshGaugesLocked()
	}
	return len(m.workers), nil
}

// RestartWorker explicitly restarts a crashed worker under the same id.
func (m *Manager) RestartWorker(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker: %s", workerID)
	}
	return m.restartLocked(w)
}

// GetMetrics recomputes the aggregate snapshot on demand.
func (m *Manager) GetMetrics() (PoolMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return PoolMetrics{}, ErrNotInitialized
	}
	return m.metricsLocked(), nil
}

// WorkerStatus pairs a worker snapshot with its circuit state.
type WorkerStatus struct {
	worker.Snapshot
	Breaker string `json:"breaker"`
}

// Status is the aggregate pool view returned by GetStatus.
type Status struct {
	State   string         `json:"state"` // running | stopped
	Workers []WorkerStatus `json:"workers"`
	Metrics PoolMetrics    `json:"metrics"`
}

// GetStatus returns pool plus per-worker snapshots.
func (m *Manager) GetStatus() (Status, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return Status{}, ErrNotInitialized
	}
	state := "running"
	if m.stopped {
		state = "stopped"
	}
	metrics := m.metricsLocked()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	// Snapshots sample process usage; taken outside the pool lock.
	status := Status{State: state, Metrics: metrics}
	for _, w := range workers {
		status.Workers = append(status.Workers, WorkerStatus{
			Snapshot: w.Snapshot(),
			Breaker:  m.breakers.State(w.ID).String(),
		})
	}
	return status, nil
}

// Health derives a liveness verdict from worker error ratio and queue depth.
func (m *Manager) Health() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.initialized {
		return "stopped"
	}
	total := len(m.workers)
	if total == 0 {
		return "unhealthy"
	}
	broken := 0
	for _, w := range m.workers {
		if s := w.State(); s == worker.StateError || s == worker.StateCrashed {
			broken++
		}
	}
	ratio := float64(broken) / float64(total)
	switch {
	case ratio >= 0.5:
		return "unhealthy"
	case ratio > 0 || m.queue.Len() > total*5:
		return "degraded"
	default:
		return "healthy"
	}
}

// Shutdown aborts in-flight tasks, terminates all workers, and stops the
// coordinator loops. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stop)

	// Cancel whatever never ran.
	for _, t := range m.queue.Drain() {
		m.recordTerminalLocked(t.ID, task.StatusCancelled, "pool shutdown", t, "", nil, 0)
	}
	for id, timer := range m.retryWait {
		timer.Stop()
		t := m.retryTasks[id]
		delete(m.retryWait, id)
		delete(m.retryTasks, id)
		m.recordTerminalLocked(id, task.StatusCancelled, "pool shutdown", t, "", nil, 0)
	}
	// Abort whatever is running.
	for id, inf := range m.inflights {
		m.recordTerminalLocked(id, task.StatusCancelled, "pool shutdown", inf.t, inf.workerID, nil, 0)
		delete(m.byMsgID, inf.msgID)
		delete(m.inflights, id)
	}
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if r := w.Runner(); r != nil {
				if msg, err := proto.New(proto.TypeControl, proto.ControlPayload{Command: proto.ControlShutdown}); err == nil {
					_ = r.Send(msg)
				}
			}
			if err := w.Retire(); err != nil {
				log.Printf("Worker %s teardown: %v", w.ID, err)
			}
			if err := m.opts.Archive.RecordWorker(w.Snapshot(), "shutdown"); err != nil {
				log.Printf("Failed to archive worker %s: %v", w.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.bus.Close()
	log.Printf("Pool shut down")
	return nil
}
