//go:build linux

package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/executor"
)

func newTestSandbox(t *testing.T, mutate func(*Config)) *Sandbox {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	sb, err := New(cfg, logger)
	require.NoError(t, err)
	return sb
}

func sh(dir, script, stdin string, timeout time.Duration) executor.Command {
	return executor.Command{
		Args:    []string{"sh", "-c", script},
		Dir:     dir,
		Stdin:   stdin,
		Timeout: timeout,
		Phase:   executor.PhaseRun,
	}
}

func TestExecute_EchoesStdin(t *testing.T) {
	sb := newTestSandbox(t, nil)

	res, err := sb.Execute(context.Background(), sh(t.TempDir(), "cat", "x", time.Second))
	require.NoError(t, err)
	assert.Equal(t, "x", strings.TrimSpace(res.Stdout))
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.ExitError)
}

func TestExecute_EmptyStdinIsEOF(t *testing.T) {
	sb := newTestSandbox(t, nil)

	// cat would block forever if stdin were left open.
	res, err := sb.Execute(context.Background(), sh(t.TempDir(), "cat; echo done", "", 2*time.Second))
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "done", strings.TrimSpace(res.Stdout))
}

func TestExecute_RunsInWorkDir(t *testing.T) {
	sb := newTestSandbox(t, nil)
	dir := t.TempDir()

	res, err := sb.Execute(context.Background(), sh(dir, "pwd; echo data > out.txt", "", time.Second))
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Equal(t, resolved, strings.TrimSpace(res.Stdout))
	assert.FileExists(t, filepath.Join(dir, "out.txt"))
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	sb := newTestSandbox(t, nil)

	res, err := sb.Execute(context.Background(), sh(t.TempDir(), "echo oops >&2; exit 3", "", time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, "exit status 3", res.ExitError)
	assert.False(t, res.TimedOut)
}

func TestExecute_TimeoutKillsProcessTree(t *testing.T) {
	sb := newTestSandbox(t, nil)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	// The background child inherits stdout; without a group kill Wait would
	// block until it exits on its own.
	script := "echo started; sleep 30 & echo $! > child.pid; wait"
	start := time.Now()
	res, err := sb.Execute(context.Background(), sh(dir, script, "", 300*time.Millisecond))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stdout, "started")
	assert.Less(t, elapsed, 3*time.Second)

	assertDies(t, pidFile)
}

// assertDies waits for the process whose pid is stored in pidFile to be gone.
func assertDies(t *testing.T, pidFile string) {
	t.Helper()
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	childPid := strings.TrimSpace(string(data))
	assert.Eventually(t, func() bool {
		_, err := os.Stat("/proc/" + childPid)
		if err != nil {
			return true
		}
		// A zombie still has a /proc entry; it is dead all the same.
		status, _ := os.ReadFile("/proc/" + childPid + "/status")
		return strings.Contains(string(status), "State:\tZ")
	}, 2*time.Second, 20*time.Millisecond, "process %s outlived its execution", childPid)
}

func requireSetsid(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
}

func TestExecute_TimeoutKillsNewSession(t *testing.T) {
	requireSetsid(t)
	sb := newTestSandbox(t, nil)
	dir := t.TempDir()

	// The escapee leaves the process group but keeps stdout open; a group
	// kill alone would leave Wait blocked for the full 30 seconds.
	script := `setsid sh -c 'echo $$ > child.pid; exec sleep 30' & while :; do :; done`
	start := time.Now()
	res, err := sb.Execute(context.Background(), sh(dir, script, "", 300*time.Millisecond))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, elapsed, 2*time.Second)
	assertDies(t, filepath.Join(dir, "child.pid"))
}

func TestExecute_ExitKillsNewSession(t *testing.T) {
	requireSetsid(t)
	sb := newTestSandbox(t, nil)
	dir := t.TempDir()

	script := `setsid sh -c 'echo $$ > child.pid; exec sleep 30' & sleep 0.2; echo done`
	start := time.Now()
	res, err := sb.Execute(context.Background(), sh(dir, script, "", 5*time.Second))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "done", strings.TrimSpace(res.Stdout))
	assert.Less(t, elapsed, 2*time.Second)
	assertDies(t, filepath.Join(dir, "child.pid"))
}

func TestExecute_ExitCodeSurvivesSupervisor(t *testing.T) {
	sb := newTestSandbox(t, nil)

	res, err := sb.Execute(context.Background(), sh(t.TempDir(), "kill -9 $$", "", time.Second))
	require.NoError(t, err)
	assert.Equal(t, 128+9, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestParentPID(t *testing.T) {
	tests := []struct {
		name   string
		stat   string
		want   int
		wantOK bool
	}{
		{"plain", "1234 (sleep) S 99 1234 1234 0 -1", 99, true},
		{"name with spaces and parens", "77 (a) b (c) R 5 77 77 0", 5, true},
		{"truncated", "12 (x) S", 0, false},
		{"garbage", "nonsense", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parentPID(tt.stat)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescendants(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		killDescendants(cmd.Process.Pid)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	assert.Eventually(t, func() bool {
		ours := descendants(os.Getpid())
		return slices.Contains(ours, cmd.Process.Pid) && len(descendants(cmd.Process.Pid)) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestExecute_InfiniteLoopReturnsWithinLimit(t *testing.T) {
	sb := newTestSandbox(t, nil)

	start := time.Now()
	res, err := sb.Execute(context.Background(), sh(t.TempDir(), "while :; do :; done", "", 200*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 200*time.Millisecond+time.Second)
}

func TestExecute_OutputIsCapped(t *testing.T) {
	sb := newTestSandbox(t, func(c *Config) { c.MaxOutputBytes = 16 })

	res, err := sb.Execute(context.Background(), sh(t.TempDir(), "yes | head -c 100000", "", 2*time.Second))
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 16)
	assert.True(t, res.OutputTruncated)
	assert.False(t, res.TimedOut)
}

func TestExecute_MissingToolchain(t *testing.T) {
	sb := newTestSandbox(t, nil)

	_, err := sb.Execute(context.Background(), executor.Command{
		Args: []string{"definitely-not-a-compiler-9f2c"},
		Dir:  t.TempDir(),
	})
	assert.True(t, errors.Is(err, apperror.ErrToolchainNotFound))
}

func TestExecute_MissingBuiltBinaryIsNotToolchainError(t *testing.T) {
	sb := newTestSandbox(t, nil)

	_, err := sb.Execute(context.Background(), executor.Command{
		Args: []string{"./main"},
		Dir:  t.TempDir(),
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperror.ErrToolchainNotFound))
}

func TestExecute_ConcurrentRunsAreIndependent(t *testing.T) {
	sb := newTestSandbox(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := t.TempDir()
			input := strings.Repeat("z", i+1)
			res, err := sb.Execute(context.Background(), sh(dir, "cat > same.txt; cat same.txt", input, 2*time.Second))
			if assert.NoError(t, err) {
				assert.Equal(t, input, res.Stdout)
			}
		}(i)
	}
	wg.Wait()
}

func TestExecute_EmptyCommand(t *testing.T) {
	sb := newTestSandbox(t, nil)

	_, err := sb.Execute(context.Background(), executor.Command{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestNew_RejectsNonCgroupRoot(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := DefaultConfig()
	cfg.CgroupRoot = t.TempDir()

	_, err := New(cfg, logger)
	assert.Error(t, err)
}
