package pool

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nxtg-ai/forge-pool/internal/async"
	"github.com/nxtg-ai/forge-pool/internal/health"
	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

// addWorkerLocked starts a fresh worker under a new id and registers it.
func (m *Manager) addWorkerLocked() (*worker.Worker, error) {
	id := "worker-" + uuid.New().String()[:8]
	ctxt := worker.NewContext(m.opts.WorkRoot, id, m.opts.EnvWhitelist, m.opts.Limits)
	w := worker.New(id, ctxt, m.opts.Factory)
	if err := w.Start(m.baseCtx); err != nil {
		return nil, err
	}
	m.workers[id] = w
	m.tracker.Track(id, time.Now())
	m.pumpRunner(w, w.Runner())
	m.bus.Publish(Event{Type: EventWorkerState, WorkerID: id, State: worker.StateIdle.String()})
	log.Printf("Worker %s started", id)
	return w, nil
}

// pumpRunner forwards one runner's messages and its exit into the event
// channel. One pump goroutine exists per runner instance; after a restart the
// old pump's exit notification is ignored via the runner identity check.
func (m *Manager) pumpRunner(w *worker.Worker, r worker.Runner) {
	if r == nil {
		return
	}
	async.Go("worker-pump-"+w.ID, func() {
		for {
			select {
			case msg, ok := <-r.Messages():
				if !ok {
					select {
					case <-r.Done():
					case <-m.stop:
						return
					}
					m.deliver(workerEvent{workerID: w.ID, exited: true, runner: r})
					return
				}
				m.deliver(workerEvent{workerID: w.ID, msg: msg, runner: r})
			case <-r.Done():
			drain:
				for {
					select {
					case msg, ok := <-r.Messages():
						if !ok {
							break drain
						}
						m.deliver(workerEvent{workerID: w.ID, msg: msg, runner: r})
					default:
						break drain
					}
				}
				m.deliver(workerEvent{workerID: w.ID, exited: true, runner: r})
				return
			case <-m.stop:
				return
			}
		}
	})
}

func (m *Manager) deliver(ev workerEvent) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

// run is the coordinator's single consumer of worker events.
func (m *Manager) run() {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) handleEvent(ev workerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	w, ok := m.workers[ev.workerID]
	if !ok {
		return // retired before the event drained
	}

	if ev.exited {
		if w.Runner() != ev.runner {
			return // exit of a previous process generation
		}
		m.crashLocked(w, "process exited")
		m.refreshGaugesLocked()
		return
	}

	switch ev.msg.Type {
	case proto.TypeHeartbeat:
		now := time.Now()
		w.RecordHeartbeat(now)
		m.tracker.RecordBeat(w.ID, now)
		// A beat from a suspect worker clears the escalation.
		if w.State() == worker.StateError && w.CurrentTask() == nil {
			if err := w.Recover(); err == nil {
				m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateIdle.String()})
			}
		}
		// The beat cadence doubles as a dispatch retry, picking up tasks
		// parked behind a circuit breaker cooldown.
		m.dispatchLocked()
	case proto.TypeResult:
		m.handleResultLocked(w, ev.msg)
	case proto.TypeLog:
		var p proto.LogPayload
		if err := ev.msg.Decode(&p); err == nil {
			log.Printf("[worker %s] task %s %s: %s", w.ID, p.TaskID, p.Stream, p.Line)
		}
	case proto.TypeError:
		var p proto.ErrorPayload
		if err := ev.msg.Decode(&p); err == nil {
			log.Printf("Worker %s reported protocol fault %s: %s", w.ID, p.Code, p.Message)
		}
		// Non-fatal: the worker sits in Error until its next beat recovers it.
		if w.State() == worker.StateIdle {
			if err := w.MarkError(); err == nil {
				m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateError.String()})
			}
		}
	default:
		log.Printf("Worker %s sent unexpected message type %q", w.ID, ev.msg.Type)
	}
	m.refreshGaugesLocked()
}

// handleResultLocked settles one in-flight task from its terminal result.
func (m *Manager) handleResultLocked(w *worker.Worker, msg proto.Message) {
	var res proto.ResultPayload
	if err := msg.Decode(&res); err != nil {
		log.Printf("Worker %s sent undecodable result: %v", w.ID, err)
		return
	}

	taskID, ok := m.byMsgID[msg.CorrelationID]
	if !ok {
		taskID = res.TaskID
	}
	inf, ok := m.inflights[taskID]
	if !ok || inf.workerID != w.ID {
		// Duplicate or late result after a crash requeue; the first terminal
		// result won.
		log.Printf("Worker %s sent stale result for task %s, ignoring", w.ID, taskID)
		return
	}
	delete(m.inflights, taskID)
	delete(m.byMsgID, inf.msgID)

	now := time.Now()
	w.RecordHeartbeat(now)
	m.tracker.RecordBeat(w.ID, now)

	duration := time.Duration(res.DurationMS) * time.Millisecond
	exitCode := res.ExitCode

	if res.Success() {
		if err := w.FinishTask(true); err != nil {
			log.Printf("Worker %s state fault on completion: %v", w.ID, err)
		}
		m.breakers.RecordSuccess(w.ID)
		m.completed++
		m.coll.completed.Inc()
		m.coll.taskDuration.Observe(duration.Seconds())
		m.sumTaskDur += duration
		m.numTaskDur++
		m.recordTerminalLocked(taskID, task.StatusCompleted, "", inf.t, w.ID, &exitCode, duration)
		m.bus.Publish(Event{Type: EventTaskCompleted, TaskID: taskID, WorkerID: w.ID, State: string(task.StatusCompleted)})
		m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateIdle.String()})
		m.dispatchLocked()
		return
	}

	// Failure path: the worker passes through Error and is recovered
	// immediately; sustained failure is the breaker's concern, not the
	// state machine's.
	if err := w.FinishTask(false); err != nil {
		log.Printf("Worker %s state fault on failure: %v", w.ID, err)
	}
	if !inf.cancelRequested {
		m.breakers.RecordFailure(w.ID, now)
	}
	if err := w.Recover(); err != nil {
		log.Printf("Worker %s recovery fault: %v", w.ID, err)
	}
	m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateIdle.String()})

	switch {
	case inf.cancelRequested:
		m.recordTerminalLocked(taskID, task.StatusCancelled, "aborted on request", inf.t, w.ID, &exitCode, duration)
		m.bus.Publish(Event{Type: EventTaskCancelled, TaskID: taskID, WorkerID: w.ID, State: string(task.StatusCancelled)})
	case health.Retryable(res.ErrorClass) && inf.t.RetryCount < inf.t.MaxRetries:
		inf.t.RetryCount++
		m.scheduleRetryLocked(inf.t)
	default:
		m.failed++
		m.coll.failed.Inc()
		m.recordTerminalLocked(taskID, task.StatusFailed, res.Error, inf.t, w.ID, &exitCode, duration)
		m.bus.Publish(Event{Type: EventTaskFailed, TaskID: taskID, WorkerID: w.ID, State: string(task.StatusFailed)})
	}
	m.dispatchLocked()
}

// scheduleRetryLocked parks a task for its backoff delay, then requeues it.
func (m *Manager) scheduleRetryLocked(t *task.Task) {
	delay := m.opts.Retry.Backoff(t.RetryCount - 1)
	m.retryTasks[t.ID] = t
	m.retryWait[t.ID] = time.AfterFunc(delay, func() {
		m.requeueRetry(t.ID)
	})
	log.Printf("Task %s scheduled for retry %d/%d in %s", t.ID, t.RetryCount, t.MaxRetries, delay)
}

func (m *Manager) requeueRetry(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	t, ok := m.retryTasks[taskID]
	if !ok {
		return // cancelled while waiting
	}
	delete(m.retryTasks, taskID)
	delete(m.retryWait, taskID)
	m.queue.Enqueue(t)
	m.dispatchLocked()
	m.refreshGaugesLocked()
}

// dispatchLocked drains the queue head-first while idle, breaker-permitted
// workers exist. Strict priority: it always offers the highest lane's head.
func (m *Manager) dispatchLocked() {
	if m.stopped {
		return
	}
	now := time.Now()
	for {
		next := m.queue.Peek()
		if next == nil {
			return
		}
		var candidates []*worker.Worker
		for _, w := range m.workers {
			if w.State() != worker.StateIdle {
				continue
			}
			if !m.breakers.Allow(w.ID, now) {
				continue
			}
			candidates = append(candidates, w)
		}
		w := m.dispatcher.Select(next, candidates)
		if w == nil {
			return
		}

		t, wait := m.queue.Dequeue()
		msgID, err := w.Assign(t)
		if err != nil {
			// Send failed: the process is likely dying. Put the task back and
			// let the exit event settle the worker.
			log.Printf("Dispatch of task %s to worker %s failed: %v", t.ID, w.ID, err)
			m.queue.Enqueue(t)
			_ = w.MarkError()
			m.breakers.RecordFailure(w.ID, now)
			return
		}
		m.breakers.NoteDispatch(w.ID)
		m.inflights[t.ID] = &inflight{t: t, workerID: w.ID, msgID: msgID, assignedAt: now}
		m.byMsgID[msgID] = t.ID
		m.coll.queueWait.Observe(wait.Seconds())
		m.sumWait += wait
		m.numWait++
		m.bus.Publish(Event{Type: EventTaskAssigned, TaskID: t.ID, WorkerID: w.ID})
		m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateBusy.String()})
	}
}

// crashLocked settles a dead or unresponsive worker: its in-flight task is
// requeued or failed per retry budget, then the worker is restarted in place
// or retired and replaced once the restart budget is spent.
func (m *Manager) crashLocked(w *worker.Worker, reason string) {
	log.Printf("Worker %s crashed: %s", w.ID, reason)

	// Settle the in-flight task first. A crash counts against the task's
	// retry budget like any retryable failure.
	for id, inf := range m.inflights {
		if inf.workerID != w.ID {
			continue
		}
		delete(m.inflights, id)
		delete(m.byMsgID, inf.msgID)
		if inf.cancelRequested {
			m.recordTerminalLocked(id, task.StatusCancelled, "worker crashed during abort", inf.t, w.ID, nil, 0)
			m.bus.Publish(Event{Type: EventTaskCancelled, TaskID: id, WorkerID: w.ID, State: string(task.StatusCancelled)})
		} else if inf.t.RetryCount < inf.t.MaxRetries {
			inf.t.RetryCount++
			m.scheduleRetryLocked(inf.t)
		} else {
			m.failed++
			m.coll.failed.Inc()
			m.recordTerminalLocked(id, task.StatusFailed, "worker crashed: "+reason, inf.t, w.ID, nil, 0)
			m.bus.Publish(Event{Type: EventTaskFailed, TaskID: id, WorkerID: w.ID, State: string(task.StatusFailed)})
		}
	}

	if s := w.State(); s == worker.StateIdle || s == worker.StateBusy {
		_ = w.MarkError()
	}
	_ = w.MarkCrashed()
	m.breakers.RecordFailure(w.ID, time.Now())
	m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateCrashed.String()})

	if w.Restarts() < m.opts.MaxWorkerRestarts {
		err := m.restartLocked(w)
		if err == nil {
			return
		}
		log.Printf("Worker %s restart failed: %v", w.ID, err)
	}
	m.replaceWorkerLocked(w, "crash-limit")
}

// restartLocked relaunches a crashed worker's process under the same id.
func (m *Manager) restartLocked(w *worker.Worker) error {
	if err := w.Restart(m.baseCtx); err != nil {
		return err
	}
	m.tracker.Track(w.ID, time.Now())
	m.pumpRunner(w, w.Runner())
	m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: worker.StateIdle.String()})
	log.Printf("Worker %s restarted (restart %d of %d)", w.ID, w.Restarts(), m.opts.MaxWorkerRestarts)
	m.dispatchLocked()
	return nil
}

// replaceWorkerLocked retires a worker past its restart budget and, when the
// pool would fall below its minimum, starts a fresh worker under a new id.
func (m *Manager) replaceWorkerLocked(w *worker.Worker, reason string) {
	m.retireWorkerLocked(w, reason)
	for len(m.workers) < m.opts.MinWorkers {
		if _, err := m.addWorkerLocked(); err != nil {
			log.Printf("Replacement worker start failed: %v", err)
			return
		}
	}
	m.dispatchLocked()
}

// retireWorkerLocked removes a worker from every registry, terminates its
// process, and tears down its context.
func (m *Manager) retireWorkerLocked(w *worker.Worker, reason string) {
	delete(m.workers, w.ID)
	m.dispatcher.Forget(w.ID)
	m.breakers.Remove(w.ID)
	m.tracker.Forget(w.ID)
	snap := w.Snapshot()
	if err := w.Retire(); err != nil {
		log.Printf("Worker %s teardown: %v", w.ID, err)
	}
	if err := m.opts.Archive.RecordWorker(snap, reason); err != nil {
		log.Printf("Failed to archive worker %s: %v", w.ID, err)
	}
	m.bus.Publish(Event{Type: EventWorkerState, WorkerID: w.ID, State: "retired"})
	log.Printf("Worker %s retired: %s", w.ID, reason)
}

// idleWorkersLocked returns idle workers ordered oldest-idle first, the
// preferred victims for scale-down.
func (m *Manager) idleWorkersLocked() []*worker.Worker {
	var idle []*worker.Worker
	for _, w := range m.workers {
		if w.State() == worker.StateIdle {
			idle = append(idle, w)
		}
	}
	for i := 1; i < len(idle); i++ {
		for j := i; j > 0 && idle[j].IdleSince().Before(idle[j-1].IdleSince()); j-- {
			idle[j], idle[j-1] = idle[j-1], idle[j]
		}
	}
	return idle
}

// recordTerminalLocked remembers a terminal status for queries and archives
// the task when a history store is configured.
func (m *Manager) recordTerminalLocked(id string, status task.Status, errMsg string, t *task.Task, workerID string, exitCode *int32, duration time.Duration) {
	m.records[id] = &terminalRecord{status: status, errMsg: errMsg, at: time.Now()}
	if t == nil {
		return
	}
	if err := m.opts.Archive.RecordTask(t, status, workerID, exitCode, errMsg, duration); err != nil {
		log.Printf("Failed to archive task %s: %v", id, err)
	}
}

func (m *Manager) metricsLocked() PoolMetrics {
	pm := PoolMetrics{QueueDepths: make(map[string]int, len(task.Priorities))}
	for _, w := range m.workers {
		pm.TotalWorkers++
		switch w.State() {
		case worker.StateIdle:
			pm.IdleWorkers++
		case worker.StateBusy:
			pm.ActiveWorkers++
		case worker.StateError:
			pm.ErrorWorkers++
		case worker.StateCrashed:
			pm.CrashedWorkers++
		}
	}
	for p, depth := range m.queue.Depths() {
		pm.QueueDepths[string(p)] = depth
		pm.QueueDepth += depth
	}
	pm.TasksCompleted = m.completed
	pm.TasksFailed = m.failed
	if m.numTaskDur > 0 {
		pm.AvgTaskDuration = m.sumTaskDur / time.Duration(m.numTaskDur)
	}
	if m.numWait > 0 {
		pm.AvgQueueWait = m.sumWait / time.Duration(m.numWait)
	}
	if pm.TotalWorkers > 0 {
		pm.Utilization = float64(pm.ActiveWorkers) / float64(pm.TotalWorkers)
	}
	return pm
}

func (m *Manager) refreshGaugesLocked() {
	m.coll.setGauges(m.metricsLocked())
}
