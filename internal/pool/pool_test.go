package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxtg-ai/forge-pool/internal/health"
	"github.com/nxtg-ai/forge-pool/internal/pool"
	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker/workertest"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// testOptions builds pool options with all background cadences pushed out of
// the test window; individual tests shorten the one they exercise.
func testOptions(t *testing.T, hub *workertest.Hub) pool.Options {
	t.Helper()
	return pool.Options{
		MinWorkers:             1,
		MaxWorkers:             4,
		WorkRoot:               t.TempDir(),
		HeartbeatInterval:      time.Hour,
		HeartbeatMissThreshold: 3,
		MaxWorkerRestarts:      2,
		Retention:              time.Hour,
		Retry: health.RetryPolicy{
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			MaxRetries: 0,
		},
		Breaker: health.BreakerPolicy{
			FailureThreshold: 100,
			Cooldown:         time.Hour,
			TrialTasks:       1,
		},
		Scaling: pool.ScalingOptions{
			Interval:       time.Hour,
			UpperThreshold: 0.8,
			LowerThreshold: 0.3,
			Step:           2,
			Cooldown:       time.Hour,
		},
		Factory: hub.Factory(),
	}
}

func startPool(t *testing.T, opts pool.Options) *pool.Manager {
	t.Helper()
	m := pool.NewManager(opts)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func submitShell(t *testing.T, m *pool.Manager, command string) string {
	t.Helper()
	id, err := m.SubmitTask(task.New(task.KindShell, command))
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, m *pool.Manager, taskID string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := m.GetTaskStatus(taskID)
		return err == nil && got == want
	}, waitFor, tick, "task %s never reached %s", taskID, want)
}

func onlyWorker(t *testing.T, m *pool.Manager) string {
	t.Helper()
	status, err := m.GetStatus()
	require.NoError(t, err)
	require.Len(t, status.Workers, 1)
	return status.Workers[0].ID
}

func TestSubmitBeforeInitialize(t *testing.T) {
	m := pool.NewManager(testOptions(t, workertest.NewHub(nil)))
	_, err := m.SubmitTask(task.New(task.KindShell, "true"))
	assert.ErrorIs(t, err, pool.ErrNotInitialized)
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	m := startPool(t, testOptions(t, hub))

	_, err := m.SubmitTask(task.New(task.KindShell, ""))
	assert.ErrorIs(t, err, task.ErrInvalidTask)

	bad := task.New(task.KindShell, "true")
	bad.Priority = "urgent"
	_, err = m.SubmitTask(bad)
	assert.ErrorIs(t, err, task.ErrInvalidTask)

	// Nothing invalid reaches the queue.
	metrics, err := m.GetMetrics()
	require.NoError(t, err)
	assert.Zero(t, metrics.QueueDepth)
}

func TestTaskCompletes(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	m := startPool(t, testOptions(t, hub))

	id := submitShell(t, m, "echo hi")
	waitForStatus(t, m, id, task.StatusCompleted)

	metrics, err := m.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), metrics.TasksCompleted)
	assert.Zero(t, metrics.TasksFailed)
}

func TestUnknownTaskStatus(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	m := startPool(t, testOptions(t, hub))

	status, err := m.GetTaskStatus("no-such-task")
	require.NoError(t, err)
	assert.Equal(t, task.StatusNotFound, status)
}

func TestPriorityOrderWhileBacklogged(t *testing.T) {
	hub := workertest.NewHub(nil) // manual results
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	// Occupy the single worker.
	first := submitShell(t, m, "task-first")
	runner := hub.Runner(workerID)
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 1 }, waitFor, tick)

	// Backlog in submission order low, background, high.
	low := task.New(task.KindShell, "task-low")
	low.Priority = task.PriorityLow
	lowID, err := m.SubmitTask(low)
	require.NoError(t, err)

	bg := task.New(task.KindShell, "task-bg")
	bg.Priority = task.PriorityBackground
	_, err = m.SubmitTask(bg)
	require.NoError(t, err)

	high := task.New(task.KindShell, "task-high")
	high.Priority = task.PriorityHigh
	highID, err := m.SubmitTask(high)
	require.NoError(t, err)

	// Finish the running task; the high lane must drain next.
	runner.EmitResult(runner.Sent()[0].ID, proto.ResultPayload{TaskID: first})
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 2 }, waitFor, tick)
	assert.Equal(t, highID, runner.SentTasks()[1].TaskID)

	// Then low beats background.
	runner.EmitResult(runner.Sent()[len(runner.Sent())-1].ID, proto.ResultPayload{TaskID: highID})
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 3 }, waitFor, tick)
	assert.Equal(t, lowID, runner.SentTasks()[2].TaskID)
}

func TestCancelQueuedTask(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	submitShell(t, m, "task-running")
	runner := hub.Runner(workerID)
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 1 }, waitFor, tick)

	queued := submitShell(t, m, "task-queued")
	status, err := m.GetTaskStatus(queued)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, status)

	ok, err := m.CancelTask(queued)
	require.NoError(t, err)
	assert.True(t, ok)
	waitForStatus(t, m, queued, task.StatusCancelled)

	// Cancel is idempotent in effect: the second call reports non-cancellable.
	ok, err = m.CancelTask(queued)
	require.NoError(t, err)
	assert.False(t, ok)

	// The queued task never reaches the worker.
	assert.Len(t, runner.SentTasks(), 1)
}

func TestCancelRunningTaskForwardsAbort(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	id := submitShell(t, m, "task-abort")
	runner := hub.Runner(workerID)
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 1 }, waitFor, tick)

	ok, err := m.CancelTask(id)
	require.NoError(t, err)
	assert.True(t, ok)

	// Exactly one abort control reaches the agent, even across repeated calls.
	ok, err = m.CancelTask(id)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel of the same task must be rejected")

	var aborts int
	for _, msg := range runner.Sent() {
		if msg.Type != proto.TypeControl {
			continue
		}
		var ctl proto.ControlPayload
		require.NoError(t, msg.Decode(&ctl))
		if ctl.Command == proto.ControlAbort && ctl.TaskID == id {
			aborts++
		}
	}
	assert.Equal(t, 1, aborts)

	// The agent's terminal answer lands the task in cancelled, not failed.
	runner.EmitResult(runner.Sent()[0].ID, proto.ResultPayload{
		TaskID:     id,
		ExitCode:   -1,
		Error:      "signal: killed",
		ErrorClass: proto.ErrClassRetryable,
	})
	waitForStatus(t, m, id, task.StatusCancelled)

	metrics, err := m.GetMetrics()
	require.NoError(t, err)
	assert.Zero(t, metrics.TasksFailed, "cancelled tasks do not count as failures")
}

func TestCancelUnknownTask(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	m := startPool(t, testOptions(t, hub))

	ok, err := m.CancelTask("no-such-task")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryableFailureConsumesBudgetThenFails(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondFailure(proto.ErrClassRetryable) })
	m := startPool(t, testOptions(t, hub))

	tk := task.New(task.KindShell, "flaky")
	tk.MaxRetries = 2
	id, err := m.SubmitTask(tk)
	require.NoError(t, err)

	waitForStatus(t, m, id, task.StatusFailed)

	// Initial attempt plus two retries.
	workerID := onlyWorker(t, m)
	assert.Len(t, hub.Runner(workerID).SentTasks(), 3)

	metrics, err := m.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), metrics.TasksFailed, "one terminal failure regardless of attempts")
}

func TestFatalFailureSkipsRetry(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondFailure(proto.ErrClassFatal) })
	m := startPool(t, testOptions(t, hub))

	tk := task.New(task.KindShell, "broken")
	tk.MaxRetries = 5
	id, err := m.SubmitTask(tk)
	require.NoError(t, err)

	waitForStatus(t, m, id, task.StatusFailed)
	workerID := onlyWorker(t, m)
	assert.Len(t, hub.Runner(workerID).SentTasks(), 1, "fatal errors must not be retried")
}

func TestCrashRestartsWorkerAndRequeuesTask(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	tk := task.New(task.KindShell, "survives-crash")
	tk.MaxRetries = 2
	id, err := m.SubmitTask(tk)
	require.NoError(t, err)

	first := hub.Runner(workerID)
	require.Eventually(t, func() bool { return len(first.SentTasks()) == 1 }, waitFor, tick)

	first.Crash()

	// Same worker id, fresh process, task redispatched.
	require.Eventually(t, func() bool {
		r := hub.Runner(workerID)
		return r != first && len(r.SentTasks()) == 1
	}, waitFor, tick)

	second := hub.Runner(workerID)
	assert.Equal(t, id, second.SentTasks()[0].TaskID)

	second.EmitResult(second.Sent()[0].ID, proto.ResultPayload{TaskID: id})
	waitForStatus(t, m, id, task.StatusCompleted)

	status, err := m.GetStatus()
	require.NoError(t, err)
	require.Len(t, status.Workers, 1)
	assert.Equal(t, 1, status.Workers[0].Restarts)
}

func TestCrashBudgetExhaustedReplacesWorker(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	opts.MaxWorkerRestarts = 1
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	hub.Runner(workerID).Crash()
	require.Eventually(t, func() bool {
		return hub.Runner(workerID) != nil && !crashed(hub.Runner(workerID))
	}, waitFor, tick)

	// Second crash exceeds the restart budget: a replacement id appears.
	hub.Runner(workerID).Crash()
	require.Eventually(t, func() bool {
		status, err := m.GetStatus()
		if err != nil || len(status.Workers) != 1 {
			return false
		}
		return status.Workers[0].ID != workerID
	}, waitFor, tick, "worker past its restart budget must be replaced")
}

func crashed(r *workertest.Runner) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

func TestScaleBounds(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	opts := testOptions(t, hub)
	opts.MinWorkers = 2
	opts.MaxWorkers = 4
	m := startPool(t, opts)

	total, err := m.ScaleUp(10)
	require.NoError(t, err)
	assert.Equal(t, 4, total, "scale-up clamps at the maximum")

	total, err = m.ScaleDown(10)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "scale-down clamps at the minimum")
}

func TestScaleDownSparesBusyWorkers(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MinWorkers = 1
	opts.MaxWorkers = 2
	m := startPool(t, opts)

	_, err := m.ScaleUp(1)
	require.NoError(t, err)

	submitShell(t, m, "long-task")
	require.Eventually(t, func() bool {
		status, err := m.GetStatus()
		if err != nil {
			return false
		}
		for _, w := range status.Workers {
			if w.State == "busy" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	total, err := m.ScaleDown(2)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	status, err := m.GetStatus()
	require.NoError(t, err)
	require.Len(t, status.Workers, 1)
	assert.Equal(t, "busy", status.Workers[0].State, "only idle workers are retired")
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondFailure(proto.ErrClassRetryable) })
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	opts.Breaker = health.BreakerPolicy{
		FailureThreshold: 2,
		Cooldown:         200 * time.Millisecond,
		TrialTasks:       1,
	}
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	// Two terminal failures open the circuit.
	waitForStatus(t, m, submitShell(t, m, "fail-1"), task.StatusFailed)
	waitForStatus(t, m, submitShell(t, m, "fail-2"), task.StatusFailed)

	status, err := m.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "open", status.Workers[0].Breaker)

	// With the only worker excluded, new work parks in the queue.
	parked := submitShell(t, m, "parked")
	status2, err := m.GetTaskStatus(parked)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, status2)

	// After the cooldown the next beat triggers a trial dispatch; a scripted
	// success closes the circuit again.
	hub.Runner(workerID).RespondSuccess()
	time.Sleep(250 * time.Millisecond)
	hub.Runner(workerID).EmitHeartbeat("idle")

	waitForStatus(t, m, parked, task.StatusCompleted)
	require.Eventually(t, func() bool {
		status, err := m.GetStatus()
		return err == nil && status.Workers[0].Breaker == "closed"
	}, waitFor, tick)
}

func TestWorkstreamAffinity(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	opts := testOptions(t, hub)
	opts.MinWorkers = 3
	opts.MaxWorkers = 3
	m := startPool(t, opts)

	var firstWorker string
	for i := 0; i < 4; i++ {
		tk := task.New(task.KindShell, "true")
		tk.Workstream = "ws-sticky"
		id, err := m.SubmitTask(tk)
		require.NoError(t, err)
		waitForStatus(t, m, id, task.StatusCompleted)

		var servedBy string
		for _, wid := range hub.WorkerIDs() {
			for _, sent := range hub.Runner(wid).SentTasks() {
				if sent.TaskID == id {
					servedBy = wid
				}
			}
		}
		require.NotEmpty(t, servedBy)
		if firstWorker == "" {
			firstWorker = servedBy
			continue
		}
		assert.Equal(t, firstWorker, servedBy, "workstream tasks must stick to one worker")
	}
}

func TestEventsPublished(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	m := startPool(t, testOptions(t, hub))

	events, cancel := m.Events(64)
	defer cancel()

	id := submitShell(t, m, "observable")
	waitForStatus(t, m, id, task.StatusCompleted)

	seen := map[pool.EventType]bool{}
	deadline := time.After(waitFor)
	for !(seen[pool.EventTaskAssigned] && seen[pool.EventTaskCompleted]) {
		select {
		case ev := <-events:
			if ev.TaskID == id {
				seen[ev.Type] = true
			}
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestShutdownCancelsQueuedWork(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	running := submitShell(t, m, "task-running")
	runner := hub.Runner(workerID)
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 1 }, waitFor, tick)
	queued := submitShell(t, m, "task-queued")

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	require.NoError(t, m.Shutdown(ctx))

	for _, id := range []string{running, queued} {
		status, err := m.GetTaskStatus(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, status, "task %s", id)
	}

	_, err := m.SubmitTask(task.New(task.KindShell, "too-late"))
	assert.ErrorIs(t, err, pool.ErrStopped)

	// Idempotent.
	require.NoError(t, m.Shutdown(ctx))
}

func TestHeartbeatTimeoutCrashesWorker(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatMissThreshold = 2
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)
	first := hub.Runner(workerID)

	// Fake runners never beat: suspect, probe, then crash and restart.
	require.Eventually(t, func() bool {
		r := hub.Runner(workerID)
		return r != nil && r != first
	}, waitFor, tick, "silent worker must be crashed and restarted")
}

func TestBusySuspectWorkerShowsError(t *testing.T) {
	hub := workertest.NewHub(nil)
	opts := testOptions(t, hub)
	opts.MaxWorkers = 1
	opts.HeartbeatInterval = 200 * time.Millisecond
	opts.HeartbeatMissThreshold = 2
	m := startPool(t, opts)
	workerID := onlyWorker(t, m)

	id := submitShell(t, m, "long-and-silent")
	runner := hub.Runner(workerID)
	require.Eventually(t, func() bool { return len(runner.SentTasks()) == 1 }, waitFor, tick)

	// At the miss threshold the busy worker surfaces as error, task attached.
	require.Eventually(t, func() bool {
		status, err := m.GetStatus()
		if err != nil || len(status.Workers) != 1 {
			return false
		}
		w := status.Workers[0]
		return w.State == "error" && w.CurrentTask == id
	}, waitFor, tick, "a silent busy worker must surface as error")

	// The agent comes back: liveness resumes and the late result settles the
	// task without a restart.
	runner.EmitHeartbeat("busy")
	runner.EmitResult(runner.Sent()[0].ID, proto.ResultPayload{TaskID: id})
	waitForStatus(t, m, id, task.StatusCompleted)

	status, err := m.GetStatus()
	require.NoError(t, err)
	assert.Zero(t, status.Workers[0].Restarts)
}

func TestAutoscalerGrowsUnderLoad(t *testing.T) {
	hub := workertest.NewHub(nil) // workers never answer, so they stay busy
	opts := testOptions(t, hub)
	opts.MinWorkers = 1
	opts.MaxWorkers = 3
	opts.Scaling = pool.ScalingOptions{
		Interval:       20 * time.Millisecond,
		UpperThreshold: 0.8,
		LowerThreshold: 0.3,
		Step:           1,
		Cooldown:       time.Millisecond,
	}
	m := startPool(t, opts)

	for i := 0; i < 3; i++ {
		submitShell(t, m, "long-task")
	}

	require.Eventually(t, func() bool {
		metrics, err := m.GetMetrics()
		return err == nil && metrics.TotalWorkers == 3
	}, waitFor, tick, "saturated pool must grow to the maximum")
}

func TestAutoscalerShrinksWithBackgroundBacklog(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondFailure(proto.ErrClassFatal) })
	opts := testOptions(t, hub)
	opts.MinWorkers = 1
	opts.MaxWorkers = 4
	opts.Breaker = health.BreakerPolicy{FailureThreshold: 1, Cooldown: time.Hour, TrialTasks: 1}
	// The scale-up below starts a cooldown long enough to keep the controller
	// out of the setup phase.
	opts.Scaling = pool.ScalingOptions{
		Interval:       20 * time.Millisecond,
		UpperThreshold: 0.8,
		LowerThreshold: 0.3,
		Step:           3,
		Cooldown:       500 * time.Millisecond,
	}
	m := startPool(t, opts)

	_, err := m.ScaleUp(3)
	require.NoError(t, err)

	// One fatal failure per worker opens every breaker.
	for i := 0; i < 4; i++ {
		waitForStatus(t, m, submitShell(t, m, "poison"), task.StatusFailed)
	}
	require.Eventually(t, func() bool {
		status, err := m.GetStatus()
		if err != nil {
			return false
		}
		for _, w := range status.Workers {
			if w.Breaker != "open" {
				return false
			}
		}
		return true
	}, waitFor, tick)

	// A parked background task must not pin the pool at four workers.
	bg := task.New(task.KindShell, "trickle")
	bg.Priority = task.PriorityBackground
	bgID, err := m.SubmitTask(bg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		metrics, err := m.GetMetrics()
		return err == nil && metrics.TotalWorkers == 1
	}, waitFor, tick, "idle pool must shrink past a background-only backlog")

	status, err := m.GetTaskStatus(bgID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, status)
}

func TestHealthVerdict(t *testing.T) {
	hub := workertest.NewHub(func(r *workertest.Runner) { r.RespondSuccess() })
	opts := testOptions(t, hub)
	opts.MinWorkers = 2
	opts.MaxWorkers = 2
	m := startPool(t, opts)

	assert.Equal(t, "healthy", m.Health())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, "stopped", m.Health())
}
