package pool

import (
	"log"
	"time"

	"github.com/nxtg-ai/forge-pool/internal/health"
	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

// healthLoop sweeps heartbeat liveness on the heartbeat cadence.
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.sweep(now)
		case <-m.stop:
			return
		}
	}
}

// sweep escalates silent workers: at the miss threshold the worker moves to
// Error and gets a forced probe; silence after the probe means the process is
// gone and the worker is crashed.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	for id, level := range m.tracker.Sweep(now) {
		w, ok := m.workers[id]
		if !ok {
			m.tracker.Forget(id)
			continue
		}
		switch level {
		case health.LevelSuspect:
			log.Printf("Worker %s missed %d heartbeats, probing", id, m.tracker.Missed(id))
			// Busy workers go to Error too; the in-flight task stays attached
			// so a late result can still settle it.
			if s := w.State(); s == worker.StateIdle || s == worker.StateBusy {
				if err := w.MarkError(); err == nil {
					m.bus.Publish(Event{Type: EventWorkerState, WorkerID: id, State: worker.StateError.String()})
				}
			}
			if r := w.Runner(); r != nil {
				msg, err := proto.New(proto.TypeHeartbeat, proto.HeartbeatPayload{Status: "probe"})
				if err == nil {
					_ = r.Send(msg)
				}
			}
		case health.LevelDead:
			log.Printf("Worker %s silent after forced probe", id)
			m.crashLocked(w, "heartbeat timeout")
		}
	}
	m.dispatchLocked()
	m.refreshGaugesLocked()
}

// scaleLoop runs the automatic scaling controller.
func (m *Manager) scaleLoop() {
	ticker := time.NewTicker(m.opts.Scaling.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.autoscale()
		case <-m.stop:
			return
		}
	}
}

// autoscale applies the threshold policy: grow when utilization or backlog is
// high, shrink when utilization is low and the high and medium lanes are
// drained. A trickle of low-priority work alone never pins the pool size. A
// cooldown after any scale operation damps oscillation.
func (m *Manager) autoscale() {
	m.mu.Lock()
	if m.stopped || !m.initialized {
		m.mu.Unlock()
		return
	}
	if time.Since(m.lastScale) < m.opts.Scaling.Cooldown {
		m.mu.Unlock()
		return
	}
	total := len(m.workers)
	busy := 0
	for _, w := range m.workers {
		if w.State() == worker.StateBusy {
			busy++
		}
	}
	depth := m.queue.Len()
	depths := m.queue.Depths()
	m.mu.Unlock()

	if total == 0 {
		return
	}
	util := float64(busy) / float64(total)
	urgent := depths[task.PriorityHigh] + depths[task.PriorityMedium]

	switch {
	case (util >= m.opts.Scaling.UpperThreshold || depth > total) && total < m.opts.MaxWorkers:
		if n, err := m.ScaleUp(m.opts.Scaling.Step); err == nil {
			log.Printf("Autoscaler grew pool to %d workers (utilization %.2f, backlog %d)", n, util, depth)
		}
	case util <= m.opts.Scaling.LowerThreshold && urgent == 0 && total > m.opts.MinWorkers:
		if n, err := m.ScaleDown(m.opts.Scaling.Step); err == nil {
			log.Printf("Autoscaler shrank pool to %d workers (utilization %.2f)", n, util)
		}
	}
}

// retentionLoop expires terminal task records past the retention window,
// both the in-memory map and the archive store.
func (m *Manager) retentionLoop() {
	period := m.opts.Retention / 4
	if period > time.Minute {
		period = time.Minute
	}
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.expireRecords(now)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) expireRecords(now time.Time) {
	cutoff := now.Add(-m.opts.Retention)
	m.mu.Lock()
	for id, rec := range m.records {
		if rec.at.Before(cutoff) {
			delete(m.records, id)
		}
	}
	m.mu.Unlock()

	if err := m.opts.Archive.Sweep(m.opts.Retention); err != nil {
		log.Printf("Archive sweep failed: %v", err)
	}
}
