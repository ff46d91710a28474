package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const historySize = 50

// Limits are the resource ceilings for one worker process. They are exported
// to the agent through its environment; the agent and its children are
// expected to stay inside them.
type Limits struct {
	MaxMemoryBytes  uint64
	CPUSharePercent int
	MaxChildProcs   int
	MaxOpenFiles    int
}

// Context is the per-worker isolation unit: an exclusively owned working
// directory, a whitelisted environment, and resource ceilings. It lives and
// dies with its worker.
type Context struct {
	WorkerID     string
	WorkDir      string
	EnvWhitelist []string
	Limits       Limits

	mu      sync.Mutex
	history []string
}

// NewContext builds a context whose working directory is a subdirectory of
// root named after the worker.
func NewContext(root, workerID string, whitelist []string, limits Limits) *Context {
	return &Context{
		WorkerID:     workerID,
		WorkDir:      filepath.Join(root, workerID),
		EnvWhitelist: whitelist,
		Limits:       limits,
	}
}

// Setup creates the working directory.
func (c *Context) Setup() error {
	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create worker directory: %w", err)
	}
	return nil
}

// Teardown removes the working directory and everything in it. Called on
// every exit path: retire, crash replacement, and pool shutdown.
func (c *Context) Teardown() error {
	if c.WorkDir == "" {
		return nil
	}
	if err := os.RemoveAll(c.WorkDir); err != nil {
		return fmt.Errorf("failed to remove worker directory: %w", err)
	}
	return nil
}

// Reset tears down and recreates the working directory, used on restart so
// the fresh process starts from a clean context.
func (c *Context) Reset() error {
	if err := c.Teardown(); err != nil {
		return err
	}
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
	return c.Setup()
}

// Environ builds the agent process environment: whitelisted host variables
// plus the resource ceilings.
func (c *Context) Environ() []string {
	var env []string
	for _, key := range c.EnvWhitelist {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	env = append(env,
		fmt.Sprintf("FORGE_MAX_MEMORY_BYTES=%d", c.Limits.MaxMemoryBytes),
		fmt.Sprintf("FORGE_CPU_SHARE_PERCENT=%d", c.Limits.CPUSharePercent),
		fmt.Sprintf("FORGE_MAX_CHILD_PROCS=%d", c.Limits.MaxChildProcs),
		fmt.Sprintf("FORGE_MAX_OPEN_FILES=%d", c.Limits.MaxOpenFiles),
	)
	return env
}

// RecordCommand appends a command line to the context's history ring.
func (c *Context) RecordCommand(command string, args []string) {
	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, line)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
}

// History returns a copy of the recorded command history.
func (c *Context) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}
