package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/executor"
)

// WHY A STUB DAEMON?
// client.APIClient is an interface, so Execute can be driven against an
// in-memory fake. The copy-in, exec, copy-out and teardown paths then run in
// every CI job, not only on hosts with a Docker socket.
//
// HOW IT WORKS:
// Containers are maps of tar entry name to file. An exec runs a Go func
// instead of a binary: it sees the container's files and its stdin, and writes
// stdcopy-framed output into the hijacked connection exactly like dockerd.
// Closing that connection is how the fake learns it was killed.

const stubImage = "stub:latest"

// stubFile is a regular file inside a stub container, keyed by its tar name
// ("workspace/main.c").
type stubFile struct {
	mode int64
	data []byte
}

// stubProcess is what a stub program sees while it "runs" in a container.
type stubProcess struct {
	Args   []string
	Stdin  string
	Stdout io.Writer
	Stderr io.Writer
	Files  map[string]stubFile
	Killed <-chan struct{}
}

// stubDocker implements the slice of client.APIClient the executor uses.
// The embedded nil interface makes any other call panic.
type stubDocker struct {
	client.APIClient

	program func(p *stubProcess) int
	oom     bool

	mu      sync.Mutex
	nextID  int
	files   map[string]map[string]stubFile
	execs   map[string]*stubExec
	removed []string
	used    []string
}

type stubExec struct {
	containerID string
	args        []string
	exitCode    int
}

func newStubDocker(program func(p *stubProcess) int) *stubDocker {
	return &stubDocker{
		program: program,
		files:   make(map[string]map[string]stubFile),
		execs:   make(map[string]*stubExec),
	}
}

func (s *stubDocker) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("stub-%d", s.nextID)
	s.files[id] = make(map[string]stubFile)
	return container.CreateResponse{ID: id}, nil
}

func (s *stubDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (s *stubDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	delete(s.files, id)
	return nil
}

func (s *stubDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{OOMKilled: s.oom}},
	}, nil
}

func (s *stubDocker) CopyToContainer(_ context.Context, id, _ string, content io.Reader, _ container.CopyToContainerOptions) error {
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.files[id][hdr.Name] = stubFile{mode: hdr.Mode, data: data}
		s.mu.Unlock()
	}
}

func (s *stubDocker) CopyFromContainer(_ context.Context, id, _ string) (io.ReadCloser, container.PathStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "workspace/", Mode: 0o777}); err != nil {
		return nil, container.PathStat{}, err
	}
	for name, f := range s.files[id] {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: f.mode, Size: int64(len(f.data))}); err != nil {
			return nil, container.PathStat{}, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, container.PathStat{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, container.PathStat{}, err
	}
	return io.NopCloser(&buf), container.PathStat{}, nil
}

func (s *stubDocker) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execID := fmt.Sprintf("exec-%d", len(s.execs)+1)
	s.execs[execID] = &stubExec{containerID: id, args: opts.Cmd}
	s.used = append(s.used, id)
	return container.ExecCreateResponse{ID: execID}, nil
}

func (s *stubDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	s.mu.Lock()
	ex := s.execs[execID]
	files := s.files[ex.containerID]
	s.mu.Unlock()

	pr, pw := io.Pipe()
	conn := &stubConn{out: pr, eof: make(chan struct{}), killed: make(chan struct{})}

	go func() {
		<-conn.eof
		code := s.program(&stubProcess{
			Args:   ex.args,
			Stdin:  conn.stdin(),
			Stdout: stdcopy.NewStdWriter(pw, stdcopy.Stdout),
			Stderr: stdcopy.NewStdWriter(pw, stdcopy.Stderr),
			Files:  files,
			Killed: conn.killed,
		})
		s.mu.Lock()
		ex.exitCode = code
		s.mu.Unlock()
		_ = pw.Close()
	}()

	return types.NewHijackedResponse(conn, "application/vnd.docker.multiplexed-stream"), nil
}

func (s *stubDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return container.ExecInspect{ExecID: execID, ExitCode: s.execs[execID].exitCode}, nil
}

func (s *stubDocker) Close() error { return nil }

func (s *stubDocker) wasRemoved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.removed {
		if r == id {
			return true
		}
	}
	return false
}

func (s *stubDocker) usedContainers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.used...)
}

// stubConn is the hijacked attach connection: writes are the program's stdin,
// reads are its multiplexed output.
type stubConn struct {
	out *io.PipeReader

	mu       sync.Mutex
	in       bytes.Buffer
	eof      chan struct{}
	eofOnce  sync.Once
	killed   chan struct{}
	killOnce sync.Once
}

func (c *stubConn) Read(p []byte) (int, error) { return c.out.Read(p) }

func (c *stubConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Write(p)
}

func (c *stubConn) CloseWrite() error {
	c.eofOnce.Do(func() { close(c.eof) })
	return nil
}

func (c *stubConn) Close() error {
	c.killOnce.Do(func() { close(c.killed) })
	return c.out.Close()
}

func (c *stubConn) stdin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.String()
}

func (c *stubConn) LocalAddr() net.Addr { return nil }
func (c *stubConn) RemoteAddr() net.Addr { return nil }
func (c *stubConn) SetDeadline(time.Time) error { return nil }
func (c *stubConn) SetReadDeadline(time.Time) error { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

func newStubExecutor(t *testing.T, stub *stubDocker) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := DefaultConfig()
	cfg.Images = []string{stubImage}
	cfg.PoolSize = 1

	pool := NewPool(stub, stubImage, cfg, logger)
	pool.Start()
	t.Cleanup(pool.Stop)

	return &Executor{
		cli:    stub,
		config: cfg,
		logger: logger,
		pools:  map[string]*Pool{stubImage: pool},
	}
}

// compileAndRun plays a compiler that emits workspace/main and a binary that
// uppercases its input, but only if that artifact was copied in.
func compileAndRun(p *stubProcess) int {
	switch p.Args[0] {
	case "gcc":
		if _, ok := p.Files["workspace/main.c"]; !ok {
			fmt.Fprintln(p.Stderr, "gcc: error: main.c: No such file or directory")
			return 1
		}
		p.Files["workspace/main"] = stubFile{mode: 0o777, data: []byte("\x7fELF")}
		return 0
	case "./main":
		if _, ok := p.Files["workspace/main"]; !ok {
			fmt.Fprintln(p.Stderr, "sh: ./main: not found")
			return 127
		}
		fmt.Fprint(p.Stdout, strings.ToUpper(p.Stdin))
		return 0
	}
	fmt.Fprintf(p.Stderr, "exec: %q: executable file not found in $PATH\n", p.Args[0])
	return 127
}

func TestExecute_StubBuildArtifactReachesRun(t *testing.T) {
	stub := newStubDocker(compileAndRun)
	e := newStubExecutor(t, stub)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.c"), []byte("int main(){}"), 0o644))

	build, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"gcc", "main.c", "-o", "./main"}, Dir: dir, Image: stubImage,
		Timeout: time.Second, Phase: executor.PhaseBuild,
	})
	require.NoError(t, err)
	require.Equal(t, 0, build.ExitCode, build.Stderr)

	info, err := os.Stat(filepath.Join(dir, "main"))
	require.NoError(t, err, "the build artifact is copied back to the host workspace")
	assert.NotZero(t, info.Mode()&0o100)

	run, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"./main"}, Dir: dir, Image: stubImage, Stdin: "hello",
		Timeout: time.Second, Phase: executor.PhaseRun,
	})
	require.NoError(t, err)
	assert.Equal(t, "HELLO", run.Stdout)
	assert.Empty(t, run.Stderr)
	assert.Equal(t, 0, run.ExitCode)
	assert.False(t, run.TimedOut)

	used := stub.usedContainers()
	require.Len(t, used, 2)
	assert.NotEqual(t, used[0], used[1], "containers are single-use")
	for _, id := range used {
		assert.True(t, stub.wasRemoved(id), "container %s was not removed", id)
	}
}

func TestExecute_StubTimeoutRemovesContainer(t *testing.T) {
	stub := newStubDocker(func(p *stubProcess) int {
		fmt.Fprintln(p.Stdout, "tick")
		<-p.Killed
		return 137
	})
	e := newStubExecutor(t, stub)

	start := time.Now()
	res, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"python3", "loop.py"}, Dir: t.TempDir(), Image: stubImage,
		Timeout: 200 * time.Millisecond, Phase: executor.PhaseRun,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ExitError, "time limit exceeded")
	assert.Equal(t, "tick\n", res.Stdout, "output captured before the kill is kept")

	used := stub.usedContainers()
	require.Len(t, used, 1)
	assert.True(t, stub.wasRemoved(used[0]))
}

func TestExecute_StubMissingToolchain(t *testing.T) {
	e := newStubExecutor(t, newStubDocker(compileAndRun))

	_, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"javac", "Main.java"}, Dir: t.TempDir(), Image: stubImage, Timeout: time.Second,
	})
	assert.True(t, errors.Is(err, apperror.ErrToolchainNotFound), "got %v", err)
}

func TestExecute_StubMissingArtifactIsRuntimeExit(t *testing.T) {
	e := newStubExecutor(t, newStubDocker(compileAndRun))

	res, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"./main"}, Dir: t.TempDir(), Image: stubImage, Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Contains(t, res.Stderr, "not found")
}

func TestExecute_StubOOMKill(t *testing.T) {
	stub := newStubDocker(func(p *stubProcess) int { return 137 })
	stub.oom = true
	e := newStubExecutor(t, stub)

	res, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"python3", "hog.py"}, Dir: t.TempDir(), Image: stubImage, Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 137, res.ExitCode)
	assert.True(t, res.OOMKilled)
}

func TestExecute_StubUnknownImage(t *testing.T) {
	e := newStubExecutor(t, newStubDocker(compileAndRun))

	_, err := e.Execute(context.Background(), executor.Command{
		Args: []string{"ruby", "main.rb"}, Dir: t.TempDir(), Image: "ruby:3", Timeout: time.Second,
	})
	assert.True(t, errors.Is(err, apperror.ErrToolchainNotFound))
}
