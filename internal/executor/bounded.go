package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sakif/code-runner/internal/metrics"
	"github.com/sakif/code-runner/internal/model"
)

// Bounded caps how many commands run at once across the whole server.
//
// Each in-flight Execute holds one slot of a buffered channel; callers past the
// cap wait for a slot (or for their context to end) before any process is
// spawned.
//
// WHY A CHANNEL AND NOT A WORKER POOL?
// A worker pool needs a job type, a result channel and a goroutine per worker
// that outlives the request. A buffered channel used as a semaphore keeps the
// work on the caller's goroutine:
//
//	b.slots <- struct{}{}        // acquire (blocks when full)
//	defer func() { <-b.slots }() // release
//
// The request's own context can then cancel the wait with a plain select.
type Bounded struct {
	next  Sandbox
	slots chan struct{}
}

// NewBounded wraps next with a limit of n concurrent executions.
func NewBounded(next Sandbox, n int) *Bounded {
	if n <= 0 {
		n = 1
	}
	return &Bounded{
		next:  next,
		slots: make(chan struct{}, n),
	}
}

// Capacity returns the configured concurrency limit.
func (b *Bounded) Capacity() int {
	return cap(b.slots)
}

// Execute waits for a free slot, then delegates to the wrapped sandbox.
func (b *Bounded) Execute(ctx context.Context, cmd Command) (*model.ExecutionResult, error) {
	metrics.WaitingExecutions.Inc()
	select {
	case b.slots <- struct{}{}:
		metrics.WaitingExecutions.Dec()
	case <-ctx.Done():
		metrics.WaitingExecutions.Dec()
		return nil, fmt.Errorf("waiting for sandbox slot: %w", ctx.Err())
	}
	defer func() { <-b.slots }()

	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	start := time.Now()
	res, err := b.next.Execute(ctx, cmd)
	metrics.ExecutionDuration.WithLabelValues(string(cmd.Phase)).Observe(float64(time.Since(start).Milliseconds()))
	metrics.ExecutionsTotal.WithLabelValues(string(cmd.Phase), outcome(res, err)).Inc()
	return res, err
}

func outcome(res *model.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "ok"
	}
}
