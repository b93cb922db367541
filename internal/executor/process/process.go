// Package process runs commands as local child processes with a wall-clock
// limit, process-group teardown and (on Linux) optional cgroup v2 limits and a
// restricted execution user.
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/model"
)

var _ executor.Sandbox = (*Sandbox)(nil)

const (
	// waitDelay bounds how long Wait keeps reading pipes after the process exits.
	waitDelay = 500 * time.Millisecond
	// stopGrace is how long the supervisor gets to empty its subtree.
	stopGrace = 500 * time.Millisecond
)

// Sandbox implements executor.Sandbox with os/exec. It keeps no per-execution
// state, so one value serves any number of concurrent calls.
type Sandbox struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Sandbox.
func New(cfg Config, logger *slog.Logger) (*Sandbox, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.PathEnv == "" {
		cfg.PathEnv = os.Getenv("PATH")
	}
	if err := checkPlatform(cfg); err != nil {
		return nil, err
	}
	return &Sandbox{cfg: cfg, logger: logger}, nil
}

// Execute runs c.Args in c.Dir. The process is killed, together with every
// process in its group, when c.Timeout elapses. Only the timer cancels a
// running program: ctx is used for logging, so a departing HTTP client cannot
// leave a half-killed tree behind.
func (s *Sandbox) Execute(ctx context.Context, c executor.Command) (*model.ExecutionResult, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("process: empty command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	if cmd.Err != nil {
		return nil, s.startError(c.Args[0], cmd.Err)
	}
	cmd.Dir = c.Dir
	// A descendant holding our pipes open cannot stall Wait past this.
	cmd.WaitDelay = waitDelay
	cmd.Env = s.env(c.Dir)
	if c.Stdin != "" {
		// exec copies the reader into the pipe and closes it at EOF, so the
		// program sees end-of-input right after the provided data.
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	stdout := &executor.LimitedBuffer{Max: s.cfg.MaxOutputBytes}
	stderr := &executor.LimitedBuffer{Max: s.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	group, err := s.newGroup()
	if err != nil {
		return nil, err
	}
	defer group.release(s.logger)
	if err := s.prepare(cmd, group); err != nil {
		return nil, s.startError(c.Args[0], err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, s.startError(c.Args[0], err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		waitErr = stop(cmd, group, waitCh)
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The process itself exited cleanly; only its pipes had to be cut.
		waitErr = nil
	}
	// Reap anything the program left running in its group.
	killTree(cmd, group)

	res := &model.ExecutionResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		TimedOut:        timedOut,
		Duration:        time.Since(start),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
	}
	res.MemoryKB, res.OOMKilled = usage(cmd.ProcessState, group)

	switch {
	case timedOut:
		res.ExitCode = -1
		res.ExitError = fmt.Sprintf("killed after %s: time limit exceeded", timeout)
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("process: waiting for %s: %w", c.Args[0], waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// Shell convention, matching what the supervisor reports.
			res.ExitCode = 128 + int(ws.Signal())
		}
		res.ExitError = exitErr.Error()
	}

	s.logger.DebugContext(ctx, "process finished",
		slog.String("phase", string(c.Phase)),
		slog.String("cmd", c.Args[0]),
		slog.Int("exitCode", res.ExitCode),
		slog.Bool("timedOut", res.TimedOut),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// stop ends a timed-out execution. A supervised tree gets stopGrace to tear
// itself down, then the group is killed regardless.
func stop(cmd *exec.Cmd, g *runGroup, waitCh <-chan error) error {
	if requestStop(cmd, g) {
		grace := time.NewTimer(stopGrace)
		defer grace.Stop()
		select {
		case err := <-waitCh:
			return err
		case <-grace.C:
		}
	}
	killTree(cmd, g)
	return <-waitCh
}

func (s *Sandbox) startError(name string, err error) error {
	// Workspace-relative binaries come from the build step; their absence is
	// not a host toolchain problem.
	if strings.HasPrefix(name, "./") {
		return fmt.Errorf("process: start %s: %w", name, err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return apperror.ToolchainNotFound(name, err)
	}
	return fmt.Errorf("process: start %s: %w", name, err)
}

func (s *Sandbox) env(dir string) []string {
	return []string{
		"PATH=" + s.cfg.PathEnv,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}
