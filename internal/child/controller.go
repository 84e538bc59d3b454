// Package child owns the worker process: it starts it, delivers its exit
// exactly once, and stops it gracefully with escalation to SIGKILL.
package child

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/conduit-monitor/internal/logging"
)

// DefaultStopTimeout is how long a worker gets to exit after SIGTERM
const DefaultStopTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning is returned by Start while a previous worker is still alive
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrExitTaken is returned when the exit handle of a process was already claimed
	ErrExitTaken = errors.New("exit handle already taken")
)

// LaunchError means the worker could not be spawned at all
// (missing executable, permissions). It is never retried by this package.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Outcome reports how a graceful stop ended
type Outcome struct {
	Exited bool
	Forced bool
	Status ExitStatus
}

// Stats is a point-in-time resource snapshot of the worker
type Stats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Process is one launched worker
type Process struct {
	pid       int
	launchID  string
	command   string
	args      []string
	startedAt time.Time
	proc      *os.Process

	// exitCh receives the single Wait result. Only the holder of the Exit
	// returned by Exit() may receive from it.
	exitCh chan ExitStatus
	taken  atomic.Bool
	exited atomic.Bool
}

// Exit is the exclusive right to observe a process's exit
type Exit struct {
	pid int
	ch  <-chan ExitStatus
}

// C returns the channel that delivers the exit status once
func (e *Exit) C() <-chan ExitStatus {
	return e.ch
}

// PID returns the process id the handle belongs to
func (e *Exit) PID() int {
	return e.pid
}

// Exit yields the exit handle. It succeeds once per process.
func (p *Process) Exit() (*Exit, error) {
	if !p.taken.CompareAndSwap(false, true) {
		return nil, ErrExitTaken
	}
	return &Exit{pid: p.pid, ch: p.exitCh}, nil
}

// PID returns the worker's process id
func (p *Process) PID() int {
	return p.pid
}

// LaunchID returns the unique id assigned to this launch
func (p *Process) LaunchID() string {
	return p.launchID
}

// StartedAt returns when the process was spawned
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Args returns the launch arguments
func (p *Process) Args() []string {
	out := make([]string, len(p.args))
	copy(out, p.args)
	return out
}

// Exited reports whether the Wait call has returned
func (p *Process) Exited() bool {
	return p.exited.Load()
}

// Stats samples RSS and CPU usage of the worker
func (p *Process) Stats() (Stats, error) {
	if p.Exited() {
		return Stats{}, fmt.Errorf("process %d has exited", p.pid)
	}

	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to inspect process %d: %w", p.pid, err)
	}

	var stats Stats
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats, nil
}

// signal delivers sig to the worker's process group, falling back to the
// process itself when the group is gone.
func (p *Process) signal(sig syscall.Signal) error {
	if err := syscall.Kill(-p.pid, sig); err == nil {
		return nil
	}
	err := p.proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Controller owns at most one live worker at a time
type Controller struct {
	mu      sync.Mutex
	current *Process
	logger  *logging.Logger
	stdout  io.Writer
	stderr  io.Writer
}

// NewController creates a controller whose workers inherit the supervisor's stdio
func NewController(logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		logger: logger.WithField("component", "child"),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetOutput redirects worker stdout/stderr
func (c *Controller) SetOutput(stdout, stderr io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout = stdout
	c.stderr = stderr
}

// Current returns the live worker, or nil
func (c *Controller) Current() *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start spawns the worker. The one goroutine that waits on it is started
// here, before the Process is handed to anyone who might signal it.
func (c *Controller) Start(command string, args []string) (*Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && !c.current.Exited() {
		return nil, ErrAlreadyRunning
	}

	cmd := exec.Command(command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr

	// Own process group so stop signals reach the worker's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}

	p := &Process{
		pid:       cmd.Process.Pid,
		launchID:  uuid.NewString(),
		command:   command,
		args:      append([]string(nil), args...),
		startedAt: time.Now(),
		proc:      cmd.Process,
		exitCh:    make(chan ExitStatus, 1),
	}
	c.current = p

	go c.wait(cmd, p)

	c.logger.Info("Worker started", map[string]interface{}{
		"pid":       p.pid,
		"launch_id": p.launchID,
		"command":   command,
		"args":      args,
	})

	return p, nil
}

// wait is the only caller of cmd.Wait for p
func (c *Controller) wait(cmd *exec.Cmd, p *Process) {
	status := exitStatusFromWait(cmd.Wait())
	p.exited.Store(true)

	c.mu.Lock()
	if c.current == p {
		c.current = nil
	}
	c.mu.Unlock()

	p.exitCh <- status
}

// GracefulStop sends SIGTERM and waits up to timeout for the worker to exit.
// On timeout it sends SIGKILL and blocks until the exit arrives. It consumes
// the exit handle and is not cancellable once started.
func (c *Controller) GracefulStop(p *Process, exit *Exit, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	// Error ignored on purpose: the worker may already be gone
	if err := p.signal(syscall.SIGTERM); err != nil {
		c.logger.Debug("SIGTERM delivery failed", map[string]interface{}{"pid": p.pid, "error": err})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-exit.C():
		c.logger.Info("Worker stopped gracefully", map[string]interface{}{"pid": p.pid, "status": status.String()})
		return Outcome{Exited: true, Forced: false, Status: status}
	case <-timer.C:
	}

	c.logger.Warn("Worker did not exit gracefully, killing", map[string]interface{}{
		"pid":     p.pid,
		"timeout": timeout.String(),
	})
	if err := p.signal(syscall.SIGKILL); err != nil {
		c.logger.Error("SIGKILL delivery failed", map[string]interface{}{"pid": p.pid, "error": err})
	}

	status := <-exit.C()
	c.logger.Info("Worker killed", map[string]interface{}{"pid": p.pid, "status": status.String()})
	return Outcome{Exited: true, Forced: true, Status: status}
}

// RunUntil starts the worker and waits for it to exit or for ctx to be
// cancelled, in which case the worker is stopped gracefully.
func (c *Controller) RunUntil(ctx context.Context, command string, args []string, stopTimeout time.Duration) (ExitStatus, error) {
	p, err := c.Start(command, args)
	if err != nil {
		return ExitStatus{}, err
	}

	exit, err := p.Exit()
	if err != nil {
		return ExitStatus{}, err
	}

	select {
	case status := <-exit.C():
		return status, nil
	case <-ctx.Done():
		outcome := c.GracefulStop(p, exit, stopTimeout)
		return outcome.Status, nil
	}
}
