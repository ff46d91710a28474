// Package agent implements the worker side of the pool protocol: a loop that
// reads task and control messages from stdin, executes one task at a time,
// and writes result, log, and heartbeat messages to stdout.
package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/nxtg-ai/forge-pool/internal/executor"
	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/task"
)

// Agent runs the worker-side message loop.
type Agent struct {
	dec       *proto.Decoder
	enc       *proto.Encoder
	exec      *executor.Executor
	heartbeat time.Duration

	mu         sync.Mutex
	activeTask string
	cancelTask context.CancelFunc
}

// New creates an agent reading from in and writing to out.
func New(in io.Reader, out io.Writer, exec *executor.Executor, heartbeat time.Duration) *Agent {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Agent{
		dec:       proto.NewDecoder(in),
		enc:       proto.NewEncoder(out),
		exec:      exec,
		heartbeat: heartbeat,
	}
}

// Run processes messages until the stream closes, a shutdown command arrives,
// or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	// LIFO: cancel first so the heartbeat loop and any running task unblock
	// before the wait.
	defer wg.Wait()
	defer cancel()

	for {
		msg, err := a.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			// Malformed line: report and keep reading.
			a.sendError("protocol", err.Error())
			continue
		}

		switch msg.Type {
		case proto.TypeTask:
			a.handleTask(ctx, msg, &wg)

		case proto.TypeControl:
			var ctl proto.ControlPayload
			if err := msg.Decode(&ctl); err != nil {
				a.sendError("protocol", err.Error())
				continue
			}
			switch ctl.Command {
			case proto.ControlAbort:
				a.abort(ctl.TaskID)
			case proto.ControlShutdown:
				a.abort("")
				return nil
			}

		case proto.TypeHeartbeat:
			// Forced probe from the pool: answer immediately.
			a.sendHeartbeat(msg.ID)

		default:
			a.sendError("protocol", "unexpected message type: "+string(msg.Type))
		}
	}
}

func (a *Agent) handleTask(ctx context.Context, msg proto.Message, wg *sync.WaitGroup) {
	var payload proto.TaskPayload
	if err := msg.Decode(&payload); err != nil {
		a.sendError("protocol", err.Error())
		return
	}

	a.mu.Lock()
	if a.activeTask != "" {
		a.mu.Unlock()
		a.sendResult(msg.ID, proto.ResultPayload{
			TaskID:     payload.TaskID,
			ExitCode:   -1,
			Error:      "worker busy: already executing " + a.activeTask,
			ErrorClass: proto.ErrClassRetryable,
		})
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	a.activeTask = payload.TaskID
	a.cancelTask = cancel
	a.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		a.execute(taskCtx, msg.ID, payload)

		a.mu.Lock()
		a.activeTask = ""
		a.cancelTask = nil
		a.mu.Unlock()
	}()
}

func (a *Agent) execute(ctx context.Context, taskMsgID string, payload proto.TaskPayload) {
	stdout := newLogWriter(a.enc, payload.TaskID, "stdout")
	stderr := newLogWriter(a.enc, payload.TaskID, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	res := a.exec.Execute(ctx, executor.Spec{
		Kind:           task.Kind(payload.Kind),
		Command:        payload.Command,
		Args:           payload.Args,
		Env:            payload.Env,
		TimeoutSeconds: payload.TimeoutSeconds,
	}, stdout, stderr)

	result := proto.ResultPayload{
		TaskID:     payload.TaskID,
		ExitCode:   res.ExitCode,
		ErrorClass: res.ErrorClass,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		result.Error = res.Err.Error()
	}
	a.sendResult(taskMsgID, result)
}

// abort cancels the running task. An empty id aborts whatever is running.
func (a *Agent) abort(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelTask == nil {
		return
	}
	if taskID == "" || taskID == a.activeTask {
		a.cancelTask()
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	a.sendHeartbeat("")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat("")
		}
	}
}

func (a *Agent) sendHeartbeat(correlationID string) {
	a.mu.Lock()
	payload := proto.HeartbeatPayload{Status: "idle"}
	if a.activeTask != "" {
		payload.Status = "busy"
		payload.ActiveTask = a.activeTask
		payload.ActiveTasks = 1
	}
	a.mu.Unlock()

	msg, err := proto.NewReply(proto.TypeHeartbeat, correlationID, payload)
	if err != nil {
		log.Printf("Failed to build heartbeat: %v", err)
		return
	}
	if err := a.enc.Encode(msg); err != nil {
		log.Printf("Failed to send heartbeat: %v", err)
	}
}

func (a *Agent) sendResult(taskMsgID string, payload proto.ResultPayload) {
	msg, err := proto.NewReply(proto.TypeResult, taskMsgID, payload)
	if err != nil {
		log.Printf("Failed to build result: %v", err)
		return
	}
	if err := a.enc.Encode(msg); err != nil {
		log.Printf("Failed to send result: %v", err)
	}
}

func (a *Agent) sendError(code, message string) {
	msg, err := proto.New(proto.TypeError, proto.ErrorPayload{Code: code, Message: message})
	if err != nil {
		log.Printf("Failed to build error message: %v", err)
		return
	}
	if err := a.enc.Encode(msg); err != nil {
		log.Printf("Failed to send error message: %v", err)
	}
}
