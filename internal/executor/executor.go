package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nxtg-ai/forge-pool/internal/proto"
	"github.com/nxtg-ai/forge-pool/internal/task"
)

// Executor runs task commands inside a working directory.
type Executor struct {
	workDir string
}

// New creates an executor rooted at workDir, creating it if needed.
func New(workDir string) (*Executor, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return &Executor{workDir: workDir}, nil
}

// WorkDir returns the executor's root directory.
func (e *Executor) WorkDir() string {
	return e.workDir
}

// Result contains the outcome of one execution.
type Result struct {
	ExitCode   int32
	Err        error
	ErrorClass string // proto.ErrClassRetryable or proto.ErrClassFatal, empty on success
	Duration   time.Duration
}

// Spec is the executable portion of a task assignment.
type Spec struct {
	Kind           task.Kind
	Command        string
	Args           []string
	Env            map[string]string
	TimeoutSeconds int64
}

// Execute runs the spec to completion, streaming output to stdout/stderr.
// Cancellation of ctx aborts the command.
func (e *Executor) Execute(ctx context.Context, spec Spec, stdout, stderr io.Writer) Result {
	start := time.Now()

	if spec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd, err := e.build(ctx, spec)
	if err != nil {
		return Result{ExitCode: -1, Err: err, ErrorClass: classify(err, nil), Duration: time.Since(start)}
	}

	cmd.Dir = e.workDir
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Commands run in their own process group so cancellation kills the whole
	// tree. Killing only the direct child is not enough: grandchildren inherit
	// our stdout/stderr pipes and Run would block until they exit too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	cmd.WaitDelay = 3 * time.Second

	err = cmd.Run()
	res := Result{Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = int32(exitErr.ExitCode())
		} else {
			res.ExitCode = -1
		}
		res.Err = err
		res.ErrorClass = classify(err, ctx)
	}
	return res
}

func (e *Executor) build(ctx context.Context, spec Spec) (*exec.Cmd, error) {
	switch spec.Kind {
	case task.KindShell:
		if runtime.GOOS == "windows" {
			return exec.CommandContext(ctx, "powershell", "-Command", spec.Command), nil
		}
		return exec.CommandContext(ctx, "/bin/sh", "-c", spec.Command), nil

	case task.KindScript:
		scriptPath := spec.Command
		if !filepath.IsAbs(scriptPath) {
			scriptPath = filepath.Join(e.workDir, scriptPath)
		}
		if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("script not found: %s", scriptPath)
		}
		if runtime.GOOS != "windows" {
			if err := os.Chmod(scriptPath, 0755); err != nil {
				return nil, fmt.Errorf("failed to make script executable: %w", err)
			}
		}
		return exec.CommandContext(ctx, scriptPath, spec.Args...), nil

	case task.KindSession:
		return exec.CommandContext(ctx, spec.Command, spec.Args...), nil

	default:
		return nil, fmt.Errorf("unsupported task kind: %v", spec.Kind)
	}
}

// classify maps an execution error onto the retry taxonomy. Timeouts and
// abrupt process deaths are retryable; missing or non-runnable commands,
// permission problems, and resource exhaustion are not.
func classify(err error, ctx context.Context) string {
	if err == nil {
		return ""
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return proto.ErrClassRetryable
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrPermission) {
		return proto.ErrClassFatal
	}
	// fork/exec failing on memory or descriptor limits would fail again on a
	// retry and keep a struggling host under pressure.
	if errors.Is(err, syscall.ENOMEM) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return proto.ErrClassFatal
	}
	msg := err.Error()
	if strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "resource temporarily unavailable") {
		return proto.ErrClassFatal
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Ordinary non-zero exit: the command ran, treat as retryable.
		return proto.ErrClassRetryable
	}
	return proto.ErrClassRetryable
}
