package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/model"
)

// slowSandbox records the peak number of concurrent Execute calls.
type slowSandbox struct {
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
}

func (s *slowSandbox) Execute(ctx context.Context, cmd Command) (*model.ExecutionResult, error) {
	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return &model.ExecutionResult{Stdout: cmd.Stdin}, nil
}

func TestBounded_CapsConcurrency(t *testing.T) {
	inner := &slowSandbox{delay: 20 * time.Millisecond}
	b := NewBounded(inner, 3)
	assert.Equal(t, 3, b.Capacity())

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Execute(context.Background(), Command{Stdin: "x", Phase: PhaseRun})
			assert.NoError(t, err)
			assert.Equal(t, "x", res.Stdout)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.peak.Load(), int32(3))
	assert.Equal(t, int32(0), inner.current.Load())
}

func TestBounded_ContextEndsWhileWaiting(t *testing.T) {
	inner := &slowSandbox{delay: 200 * time.Millisecond}
	b := NewBounded(inner, 1)

	go func() { _, _ = b.Execute(context.Background(), Command{Phase: PhaseRun}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, Command{Phase: PhaseRun})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewBounded_NonPositiveMeansOne(t *testing.T) {
	assert.Equal(t, 1, NewBounded(&slowSandbox{}, 0).Capacity())
}
