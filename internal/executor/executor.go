// Package executor defines the execution sandbox contract shared by the local
// process backend (executor/process) and the container backend (executor/docker).
package executor

import (
	"context"
	"time"

	"github.com/sakif/code-runner/internal/model"
)

// Phase labels a command for logging and metrics.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseRun   Phase = "run"
)

// Command is one process to run inside a workspace.
type Command struct {
	Args    []string
	Dir     string // workspace directory; the process's working directory
	Stdin   string // written then closed; empty means immediate EOF
	Timeout time.Duration
	Image   string // container image, used by the docker backend only
	Phase   Phase
}

// Sandbox runs a Command to completion or forced termination.
//
// Implementations must:
//   - return a non-nil result with a nil error for any process that started,
//     whatever its exit status;
//   - kill the entire process tree when Timeout elapses and set TimedOut;
//   - hold no mutable state shared between concurrent Execute calls.
//
// An error is returned only when the process could not be run at all.
type Sandbox interface {
	Execute(ctx context.Context, cmd Command) (*model.ExecutionResult, error)
}
