//go:build !linux

package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

type runGroup struct{}

func checkPlatform(cfg Config) error {
	if cfg.CgroupRoot != "" || cfg.Credential != nil {
		return fmt.Errorf("process: cgroup limits and credentials are only supported on linux")
	}
	return nil
}

func (s *Sandbox) newGroup() (*runGroup, error) {
	return &runGroup{}, nil
}

func (s *Sandbox) prepare(cmd *exec.Cmd, g *runGroup) error { return nil }

func requestStop(cmd *exec.Cmd, g *runGroup) bool { return false }

// killTree can only reach the direct child on this platform.
func killTree(cmd *exec.Cmd, g *runGroup) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func usage(state *os.ProcessState, g *runGroup) (int64, bool) {
	return 0, false
}

func (g *runGroup) release(logger *slog.Logger) {}
