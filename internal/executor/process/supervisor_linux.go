//go:build linux

package process

// The supervisor contains programs when no cgroup is configured.
//
// WHY A SUPERVISOR?
// A process group is not a container: any program can call setsid() (one line
// of Python or C) and leave the group, so killing -pgid misses it. The escaped
// process keeps our stdout pipe open and keeps running after the time limit.
//
// The fix is to run every program under a tiny init: this same binary,
// re-executed with a marker argv[0]. The init marks itself a child subreaper
// (prctl PR_SET_CHILD_SUBREAPER), so orphaned descendants are reparented to it
// instead of to the host's PID 1. Nothing the program forks can leave its
// subtree, whatever session or group it moves to. When the program exits, or
// the sandbox sends SIGTERM on timeout, the init kills every descendant, reaps
// them all and only then exits.
//
//	server ── init (subreaper) ── program ── children ...
//	                └─ setsid'd orphans end up here, never at PID 1

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// supervisorArg0 marks a re-executed binary as the supervisor.
const supervisorArg0 = "code-runner-supervisor"

// selfExe is resolved once; the supervisor is this very binary.
var selfExe = sync.OnceValues(os.Executable)

// Package init runs before main (and before TestMain in test binaries), so any
// binary that links this package can act as the supervisor.
func init() {
	if len(os.Args) > 2 && os.Args[0] == supervisorArg0 {
		os.Exit(supervise(os.Args[1], os.Args[2:]))
	}
}

// supervise starts path with argv, reaps everything under it and returns the
// program's exit code (128+signal when it was killed by a signal).
func supervise(path string, argv []string) int {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: prctl: %v\n", err)
		return 127
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)

	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Env:   os.Environ(),
		Sys:   &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		return 127
	}

	var sweepOnce sync.Once
	sweep := func() { sweepOnce.Do(func() { go killDescendants(os.Getpid()) }) }
	go func() {
		<-term
		sweep()
	}()

	code := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: nothing is left under us.
			break
		}
		if pid == proc.Pid {
			code = exitCode(ws)
			sweep()
		}
	}
	return code
}

// killDescendants SIGKILLs everything below root until the subtree is empty.
// Processes forked between two scans are caught by the next one; the killed
// ones cannot fork again.
func killDescendants(root int) {
	for {
		pids := descendants(root)
		if len(pids) == 0 {
			return
		}
		for _, pid := range pids {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// descendants walks /proc and returns every process whose ancestry reaches root.
func descendants(root int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	children := make(map[int][]int)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue // exited while we were looking
		}
		if ppid, ok := parentPID(string(stat)); ok {
			children[ppid] = append(children[ppid], pid)
		}
	}

	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, c := range children[next] {
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// parentPID extracts field 4 of /proc/<pid>/stat. The command name in field 2
// may itself contain spaces and parentheses, so parsing starts after the last ')'.
func parentPID(stat string) (int, bool) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	return ppid, err == nil
}

func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	}
	return 1
}

// wrapInSupervisor rewrites cmd to start under the supervisor. The program path is
// checked here so a missing binary fails the start instead of surfacing as
// exit status 127 from the supervisor.
func wrapInSupervisor(cmd *exec.Cmd) error {
	self, err := selfExe()
	if err != nil {
		return fmt.Errorf("process: locating supervisor binary: %w", err)
	}
	prog := cmd.Path
	check := prog
	if !filepath.IsAbs(check) {
		check = filepath.Join(cmd.Dir, check)
	}
	if _, err := os.Stat(check); err != nil {
		return err
	}
	cmd.Args = append([]string{supervisorArg0, prog}, cmd.Args...)
	cmd.Path = self
	return nil
}
