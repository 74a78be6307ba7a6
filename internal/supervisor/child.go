// Package supervisor implements the Supervisor (C6): ordered process
// startup, health-check-driven restarts with backoff, a filesystem command
// inbox, and ordered shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ChildSpec describes how to start one managed process. The socket that
// marks the Monitor or Hub ready comes from Config, not from the spec.
type ChildSpec struct {
	Name    string // "monitor", "hub", or "worker:<channel>" for Workers
	Command string
	Args    []string
	Env     []string
}

// childState is the restart bookkeeping the health loop consults.
// crashCount counts every crash since startChild spawned the child; it is
// never reset, so crashes are not counted within a sliding window.
type childState struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	crashCount int
	disabled   bool
	lastStart  time.Time
	lastExit   time.Time
	stopping   bool // true once a graceful stop has been requested
}

// child pairs a spec with its live process state.
type child struct {
	spec  ChildSpec
	state childState
}

func newChild(spec ChildSpec) *child {
	return &child{spec: spec}
}

// start launches the process. Must be called with state.mu held.
func (c *child) start() error {
	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Env = c.spec.Env
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.spec.Name, err)
	}
	c.state.cmd = cmd
	c.state.pid = cmd.Process.Pid
	c.state.lastStart = time.Now()
	c.state.stopping = false

	// Reap the process asynchronously so Wait never leaks; the health loop
	// observes liveness via isAlive(), not via this goroutine's result.
	go func() {
		cmd.Wait()
		c.state.mu.Lock()
		c.state.lastExit = time.Now()
		c.state.mu.Unlock()
	}()
	return nil
}

// isAlive reports whether the OS still schedules this PID. gopsutil is used
// (rather than a bare signal-0 check) so the same resource-sampling
// dependency the Worker heartbeat uses also backs the Supervisor's liveness
// probe, per the spec's gopsutil wiring.
func (c *child) isAlive() bool {
	c.state.mu.Lock()
	pid := c.state.pid
	c.state.mu.Unlock()
	if pid == 0 {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// stop sends a graceful-stop signal, waits up to timeout, and force-kills
// the process if it is still alive when the timeout lapses.
func (c *child) stop(ctx context.Context, timeout time.Duration) error {
	c.state.mu.Lock()
	cmd := c.state.cmd
	c.state.stopping = true
	c.state.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", c.spec.Name, err)
	}

	deadline := time.After(timeout)
	for {
		if !c.isAlive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return cmd.Process.Kill()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
