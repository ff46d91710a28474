package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/nxtg-ai/forge-pool/internal/proto"
)

// ResourceUsage is a point-in-time sample of a worker process.
type ResourceUsage struct {
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
}

// Runner abstracts the OS process behind a worker so the pool can be tested
// without spawning real agents.
type Runner interface {
	// Start launches the process. Messages become readable afterwards.
	Start(ctx context.Context) error
	// Send delivers one message to the process.
	Send(msg proto.Message) error
	// Messages yields decoded messages from the process until it exits.
	Messages() <-chan proto.Message
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
	// Stop terminates the process group. Safe to call more than once.
	Stop() error
	// Usage samples current resource consumption.
	Usage() (ResourceUsage, error)
}

// RunnerFactory creates a Runner bound to a worker context. The pool uses it
// at initialization, scale-up, and restart.
type RunnerFactory func(ctxt *Context) (Runner, error)

// NewProcRunnerFactory returns a factory spawning the agent binary with the
// given heartbeat interval, one process per worker.
func NewProcRunnerFactory(agentBinary string, heartbeat time.Duration) RunnerFactory {
	return func(ctxt *Context) (Runner, error) {
		if agentBinary == "" {
			return nil, fmt.Errorf("agent binary not configured")
		}
		return &procRunner{
			binary:    agentBinary,
			heartbeat: heartbeat,
			ctxt:      ctxt,
			msgs:      make(chan proto.Message, 64),
			done:      make(chan struct{}),
		}, nil
	}
}

// procRunner manages one agent subprocess: stdin carries pool->worker
// messages, stdout carries worker->pool messages, and the process runs in
// its own group so teardown kills any children it spawned.
type procRunner struct {
	binary    string
	heartbeat time.Duration
	ctxt      *Context

	mu      sync.Mutex
	cmd     *exec.Cmd
	enc     *proto.Encoder
	pgid    int
	exitErr error
	stopped bool

	msgs chan proto.Message
	done chan struct{}
}

func (r *procRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return fmt.Errorf("runner already started")
	}

	cmd := exec.Command(r.binary,
		"--workdir", r.ctxt.WorkDir,
		"--heartbeat", r.heartbeat.String(),
	)
	cmd.Dir = r.ctxt.WorkDir
	cmd.Env = r.ctxt.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	r.cmd = cmd
	r.enc = proto.NewEncoder(stdin)
	if cmd.Process != nil {
		r.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	// Agent stderr is diagnostics only; mirror it to the coordinator log.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[worker %s] %s", r.ctxt.WorkerID, scanner.Text())
		}
	}()

	go r.pump(stdout)
	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
		close(r.done)
	}()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = r.Stop()
			case <-r.done:
			}
		}()
	}
	return nil
}

// pump decodes agent stdout into the message channel until EOF.
func (r *procRunner) pump(stdout io.Reader) {
	defer close(r.msgs)
	dec := proto.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			return
		}
		select {
		case r.msgs <- msg:
		default:
			log.Printf("Worker %s message channel full, dropping %s", r.ctxt.WorkerID, msg.Type)
		}
	}
}

func (r *procRunner) Send(msg proto.Message) error {
	r.mu.Lock()
	enc := r.enc
	r.mu.Unlock()
	if enc == nil {
		return fmt.Errorf("runner not started")
	}
	return enc.Encode(msg)
}

func (r *procRunner) Messages() <-chan proto.Message { return r.msgs }

func (r *procRunner) Done() <-chan struct{} { return r.done }

func (r *procRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

func (r *procRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.stopped {
		return nil
	}
	r.stopped = true
	if r.pgid > 0 {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-r.pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("failed to kill process group: %w", err)
		}
		return nil
	}
	if r.cmd.Process != nil {
		return r.cmd.Process.Kill()
	}
	return nil
}

func (r *procRunner) Usage() (ResourceUsage, error) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ResourceUsage{}, fmt.Errorf("process not running")
	}
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return ResourceUsage{}, err
	}
	usage := ResourceUsage{}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		usage.MemoryBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		usage.CPUPercent = cpu
	}
	return usage, nil
}
