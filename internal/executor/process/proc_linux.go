//go:build linux

package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/xid"
)

// runGroup is the per-execution containment: a cgroup when one is configured,
// otherwise the subreaper supervisor.
type runGroup struct {
	path       string
	dir        *os.File
	supervised bool
}

func checkPlatform(cfg Config) error {
	if cfg.CgroupRoot == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(cfg.CgroupRoot, "cgroup.controllers")); err != nil {
		return fmt.Errorf("process: %s is not a cgroup v2 directory: %w", cfg.CgroupRoot, err)
	}
	return nil
}

func (s *Sandbox) newGroup() (*runGroup, error) {
	if s.cfg.CgroupRoot == "" {
		return &runGroup{supervised: true}, nil
	}
	path, err := createRunCgroup(s.cfg.CgroupRoot, "run-"+xid.New().String())
	if err != nil {
		return nil, err
	}
	if err := applyCgroupLimits(path, s.cfg.MemoryLimitMB, s.cfg.PIDsLimit); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("process: apply cgroup limits: %w", err)
	}
	dir, err := os.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("process: open cgroup: %w", err)
	}
	return &runGroup{path: path, dir: dir}, nil
}

// prepare puts the child in its own process group (so the whole tree can be
// signalled at once), ties its life to ours, and either starts it directly
// inside its cgroup or under the supervisor. The restricted credential
// applies to both.
func (s *Sandbox) prepare(cmd *exec.Cmd, g *runGroup) error {
	if g.supervised {
		if err := wrapInSupervisor(cmd); err != nil {
			return err
		}
	}
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if s.cfg.Credential != nil {
		attr.Credential = &syscall.Credential{
			Uid:         s.cfg.Credential.UID,
			Gid:         s.cfg.Credential.GID,
			NoSetGroups: true,
		}
	}
	if g.dir != nil {
		attr.UseCgroupFD = true
		attr.CgroupFD = int(g.dir.Fd())
	}
	cmd.SysProcAttr = attr
	return nil
}

// requestStop asks the supervisor to tear down its subtree. It reports false
// when there is no supervisor and the caller must kill directly.
func requestStop(cmd *exec.Cmd, g *runGroup) bool {
	if !g.supervised || cmd.Process == nil {
		return false
	}
	return cmd.Process.Signal(syscall.SIGTERM) == nil
}

// killTree SIGKILLs the cgroup (which also catches processes that left the
// group via setsid) and the process group. Without a cgroup, escapees are the
// supervisor's job; see requestStop.
func killTree(cmd *exec.Cmd, g *runGroup) {
	if g.path != "" {
		_ = killCgroup(g.path)
	}
	if cmd.Process != nil && cmd.Process.Pid > 0 {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func usage(state *os.ProcessState, g *runGroup) (memoryKB int64, oomKilled bool) {
	return memoryPeakKB(g.path, state), wasOomKilled(g.path)
}

func (g *runGroup) release(logger *slog.Logger) {
	if g.dir != nil {
		_ = g.dir.Close()
	}
	if g.path == "" {
		return
	}
	// rmdir fails with EBUSY until the kernel has finished tearing down the
	// killed processes.
	var err error
	for i := 0; i < 10; i++ {
		if err = os.Remove(g.path); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	logger.Warn("failed to remove cgroup", slog.String("cgroup", g.path), slog.String("error", err.Error()))
}
