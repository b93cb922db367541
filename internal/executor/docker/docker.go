// Package docker runs commands inside pre-warmed, single-use containers.
//
// Each toolchain image gets its own Pool. An Execute call takes a container,
// copies the host workspace into it, runs the command with docker exec and
// copies the workspace back so a later run phase sees the build's artifacts.
// The container is force-removed afterwards, which also kills anything the
// program left running.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/model"
)

var _ executor.Sandbox = (*Executor)(nil)

// apiTimeout bounds each Docker API round trip that is not the program itself.
const apiTimeout = 30 * time.Second

// Executor implements executor.Sandbox using Docker.
type Executor struct {
	cli    client.APIClient
	config Config
	logger *slog.Logger
	pools  map[string]*Pool
}

// New creates a Docker Executor, makes sure every configured image is present
// and starts one container pool per image.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	if len(cfg.Images) == 0 {
		return nil, fmt.Errorf("docker: no images configured")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	for _, ref := range cfg.Images {
		if err := ensureImage(cli, ref, logger); err != nil {
			cli.Close()
			return nil, err
		}
	}

	exec := &Executor{
		cli:    cli,
		config: cfg,
		logger: logger,
		pools:  make(map[string]*Pool, len(cfg.Images)),
	}
	for _, ref := range cfg.Images {
		pool := NewPool(cli, ref, cfg, logger)
		pool.Start()
		exec.pools[ref] = pool
	}

	return exec, nil
}

// ensureImage pulls ref unless it is already present locally.
func ensureImage(cli client.APIClient, ref string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	logger.Info("pulling docker image", slog.String("image", ref))
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	logger.Info("docker image is ready", slog.String("image", ref))
	return nil
}

// Close shuts down every pool and the docker client.
func (e *Executor) Close() error {
	for _, pool := range e.pools {
		pool.Stop()
	}
	return e.cli.Close()
}

// Execute runs c.Args inside a fresh container from the pool for c.Image.
//
// ctx only bounds the wait for a free container. Once the program starts,
// the wall-clock timer is the only thing that stops it.
func (e *Executor) Execute(ctx context.Context, c executor.Command) (*model.ExecutionResult, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("docker: empty command")
	}
	pool, err := e.poolFor(c.Image)
	if err != nil {
		return nil, err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	// Get a pre-warmed container ID from the pool
	containerID, err := pool.GetContainer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container from pool: %w", err)
	}

	// Always ensure we clean up the container that we acquired
	removed := false
	defer func() {
		if !removed {
			pool.removeContainer(containerID)
		}
	}()

	apiCtx, apiCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout+apiTimeout)
	defer apiCancel()

	if err := e.copyIn(apiCtx, containerID, c.Dir); err != nil {
		return nil, err
	}

	execResp, err := e.cli.ContainerExecCreate(apiCtx, containerID, container.ExecOptions{
		User:         e.config.User,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   containerWorkdir,
		Env: []string{
			"HOME=" + containerWorkdir,
			"TMPDIR=/tmp",
			"LANG=C.UTF-8",
			"PYTHONDONTWRITEBYTECODE=1",
		},
		Cmd: c.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	start := time.Now()
	attachResp, err := e.cli.ContainerExecAttach(apiCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	go func() {
		if c.Stdin != "" {
			_, _ = io.WriteString(attachResp.Conn, c.Stdin)
		}
		// Half-close so the program sees end-of-input.
		_ = attachResp.CloseWrite()
	}()

	stdout := &executor.LimitedBuffer{Max: e.config.MaxOutputBytes}
	stderr := &executor.LimitedBuffer{Max: e.config.MaxOutputBytes}

	done := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		// Removing the container kills every process in it.
		pool.removeContainer(containerID)
		removed = true
		attachResp.Close()
		<-done
	}

	res := &model.ExecutionResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		TimedOut:        timedOut,
		Duration:        time.Since(start),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
	}

	if timedOut {
		res.ExitCode = -1
		res.ExitError = fmt.Sprintf("killed after %s: time limit exceeded", timeout)
		e.logFinished(ctx, c, res)
		return res, nil
	}

	inspectResp, err := e.cli.ContainerExecInspect(apiCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	res.ExitCode = inspectResp.ExitCode
	if res.ExitCode != 0 {
		res.ExitError = fmt.Sprintf("exit status %d", res.ExitCode)
		if notFound(c.Args[0], res) {
			return nil, apperror.ToolchainNotFound(c.Args[0], errors.New(strings.TrimSpace(res.Stdout+res.Stderr)))
		}
		if res.ExitCode == 137 {
			res.OOMKilled = e.oomKilled(apiCtx, containerID)
		}
	}

	if err := e.copyOut(apiCtx, containerID, c.Dir); err != nil {
		return nil, err
	}

	e.logFinished(ctx, c, res)
	return res, nil
}

func (e *Executor) poolFor(ref string) (*Pool, error) {
	if ref == "" && len(e.pools) == 1 {
		for _, pool := range e.pools {
			return pool, nil
		}
	}
	pool, ok := e.pools[ref]
	if !ok {
		return nil, apperror.ToolchainNotFound(ref, fmt.Errorf("no container pool for image %q", ref))
	}
	return pool, nil
}

func (e *Executor) copyIn(ctx context.Context, containerID, dir string) error {
	archive, err := packWorkspace(dir)
	if err != nil {
		return apperror.WorkspaceFailed("copy into container", err)
	}
	if err := e.cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return apperror.WorkspaceFailed("copy into container", err)
	}
	return nil
}

func (e *Executor) copyOut(ctx context.Context, containerID, dir string) error {
	reader, _, err := e.cli.CopyFromContainer(ctx, containerID, containerWorkdir)
	if err != nil {
		return apperror.WorkspaceFailed("copy from container", err)
	}
	defer reader.Close()
	if err := unpackWorkspace(reader, dir); err != nil {
		return apperror.WorkspaceFailed("copy from container", err)
	}
	return nil
}

func (e *Executor) oomKilled(ctx context.Context, containerID string) bool {
	info, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	return info.State.OOMKilled
}

func (e *Executor) logFinished(ctx context.Context, c executor.Command, res *model.ExecutionResult) {
	e.logger.DebugContext(ctx, "container exec finished",
		slog.String("phase", string(c.Phase)),
		slog.String("image", c.Image),
		slog.String("cmd", c.Args[0]),
		slog.Int("exitCode", res.ExitCode),
		slog.Bool("timedOut", res.TimedOut),
		slog.Duration("duration", res.Duration),
	)
}

// notFound recognises the runtime's "executable file not found" failure for
// toolchain binaries. Workspace binaries are build artifacts, not toolchains.
func notFound(name string, res *model.ExecutionResult) bool {
	if strings.HasPrefix(name, "./") || (res.ExitCode != 126 && res.ExitCode != 127) {
		return false
	}
	out := res.Stdout + res.Stderr
	return strings.Contains(out, "executable file not found") || strings.Contains(out, "no such file or directory")
}
