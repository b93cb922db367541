// Package harness orchestrates executions: one ad hoc run, or a whole suite of
// test cases graded against expected output.
//
// Every execution gets its own workspace, released by defer on every path.
// Test cases run one after another in input order; a failure in one case is
// recorded on that case and never stops the others.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/metrics"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/toolchain"
	"github.com/sakif/code-runner/internal/workspace"
)

// Replacement texts for hidden test cases.
const (
	hiddenText = "Hidden"
	correct    = "Correct"
	incorrect  = "Incorrect"
)

// Resolver turns a language identifier into a build/run plan.
type Resolver interface {
	Resolve(language string) (toolchain.Plan, error)
}

// Limits are the wall-clock budgets for the two phases.
type Limits struct {
	Build time.Duration
	Run   time.Duration
}

// Harness runs programs through the sandbox. It keeps no state between calls.
type Harness struct {
	resolver   Resolver
	workspaces *workspace.Manager
	sandbox    executor.Sandbox
	limits     Limits
	logger     *slog.Logger
}

// New creates a Harness.
func New(resolver Resolver, workspaces *workspace.Manager, sandbox executor.Sandbox, limits Limits, logger *slog.Logger) *Harness {
	return &Harness{
		resolver:   resolver,
		workspaces: workspaces,
		sandbox:    sandbox,
		limits:     limits,
		logger:     logger,
	}
}

// Limits returns the configured phase budgets.
func (h *Harness) Limits() Limits {
	return h.limits
}

// RunSingle builds (if needed) and runs code once with stdin.
//
// The returned result is raw: a non-zero exit, stderr output or a timeout are
// reported on the result. Errors are returned for an unsupported language, a
// missing toolchain, a workspace failure or a failed build.
func (h *Harness) RunSingle(ctx context.Context, language, code, stdin string) (*model.ExecutionResult, error) {
	plan, err := h.resolver.Resolve(language)
	if err != nil {
		return nil, err
	}
	return h.execute(ctx, plan, code, stdin)
}

// RunAll grades code against every case, in order.
//
// Only an unsupported language or missing toolchain fails the whole call, and
// that happens before any workspace is allocated. Everything else lands on
// the individual case.
func (h *Harness) RunAll(ctx context.Context, language, code string, cases []model.TestCase) (*model.TestReport, error) {
	plan, err := h.resolver.Resolve(language)
	if err != nil {
		return nil, err
	}

	report := &model.TestReport{
		Language: plan.Language,
		Total:    len(cases),
		Cases:    make([]model.TestCaseResult, 0, len(cases)),
	}
	for i, tc := range cases {
		res := h.runCase(ctx, plan, code, i+1, tc)
		if res.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		metrics.TestCasesTotal.WithLabelValues(plan.Language, string(res.Verdict)).Inc()
		report.Cases = append(report.Cases, res)
	}

	h.logger.InfoContext(ctx, "test run finished",
		slog.String("language", plan.Language),
		slog.Int("total", report.Total),
		slog.Int("passed", report.Passed),
	)
	return report, nil
}

// Score is the rounded percentage of passed cases; an empty suite scores 0.
func Score(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(passed) / float64(total) * 100))
}

func (h *Harness) runCase(ctx context.Context, plan toolchain.Plan, code string, ordinal int, tc model.TestCase) model.TestCaseResult {
	state := newCaseState()
	out := model.TestCaseResult{
		Ordinal:  ordinal,
		Input:    tc.Input,
		Expected: tc.ExpectedOutput,
		Hidden:   tc.IsHidden,
	}

	state.mustTransition(model.CaseRunning)
	start := time.Now()
	res, err := h.execute(ctx, plan, code, tc.Input)
	out.Duration = time.Since(start)

	expected := strings.TrimSpace(tc.ExpectedOutput)
	switch {
	case err != nil:
		out.Verdict, out.Message = classify(err)
		out.TimedOut = errors.Is(err, apperror.ErrTimeout)
		out.Error = true
		state.mustTransition(model.CaseErrored)
	case res.TimedOut:
		out.Verdict = model.VerdictTimeLimitExceeded
		out.Message = apperror.TimedOut("run", h.limits.Run).Error()
		out.TimedOut = true
		out.Actual = strings.TrimSpace(res.Stdout)
		out.Error = true
		state.mustTransition(model.CaseErrored)
	case res.Failed():
		out.Verdict = model.VerdictRuntimeError
		out.Message = runtimeMessage(res)
		out.Actual = strings.TrimSpace(res.Stdout)
		out.Error = true
		state.mustTransition(model.CaseErrored)
	default:
		out.Actual = strings.TrimSpace(res.Stdout)
		if out.Actual == expected {
			out.Passed = true
			out.Verdict = model.VerdictAccepted
			state.mustTransition(model.CasePassed)
		} else {
			out.Verdict = model.VerdictWrongAnswer
			state.mustTransition(model.CaseFailed)
		}
	}
	out.Status = state.status

	if out.Error {
		h.logger.DebugContext(ctx, "test case errored",
			slog.Int("case", ordinal),
			slog.String("verdict", string(out.Verdict)),
		)
	}
	if tc.IsHidden {
		redact(&out)
	}
	return out
}

// execute runs one program in a fresh workspace that is always destroyed.
func (h *Harness) execute(ctx context.Context, plan toolchain.Plan, code, stdin string) (*model.ExecutionResult, error) {
	ws, err := h.workspaces.Create()
	if err != nil {
		return nil, err
	}
	defer h.workspaces.Destroy(ws)

	if _, err := h.workspaces.WriteSource(ws, plan.SourceFile, code); err != nil {
		return nil, err
	}

	if plan.NeedsBuild() {
		build, err := h.sandbox.Execute(ctx, executor.Command{
			Args:    plan.Build,
			Dir:     ws.Path,
			Timeout: h.limits.Build,
			Image:   plan.Image,
			Phase:   executor.PhaseBuild,
		})
		if err != nil {
			return nil, err
		}
		if build.TimedOut {
			return nil, apperror.TimedOut("build", h.limits.Build)
		}
		// Warnings on stderr are fine; only the exit status decides.
		if build.ExitCode != 0 {
			return nil, apperror.BuildFailed(buildMessage(build))
		}
	}

	return h.sandbox.Execute(ctx, executor.Command{
		Args:    plan.Run,
		Dir:     ws.Path,
		Stdin:   stdin,
		Timeout: h.limits.Run,
		Image:   plan.Image,
		Phase:   executor.PhaseRun,
	})
}

// classify maps a per-case error to a verdict and a message.
func classify(err error) (model.Verdict, string) {
	switch {
	case errors.Is(err, apperror.ErrBuild):
		return model.VerdictCompilationError, err.Error()
	case errors.Is(err, apperror.ErrTimeout):
		return model.VerdictTimeLimitExceeded, err.Error()
	default:
		return model.VerdictSystemError, err.Error()
	}
}

func buildMessage(res *model.ExecutionResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(res.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("build failed: %s", res.ExitError)
}

func runtimeMessage(res *model.ExecutionResult) string {
	if res.OOMKilled {
		return "memory limit exceeded"
	}
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return res.ExitError
}

// redact hides everything a candidate could use to reverse-engineer a hidden
// case: the input, the expected output, the actual output and any raw error
// text. Only the pass/fail indicator and the verdict category remain.
func redact(r *model.TestCaseResult) {
	r.Input = hiddenText
	r.Expected = hiddenText
	if r.Passed {
		r.Actual = correct
	} else {
		r.Actual = incorrect
	}
	if r.Message != "" {
		r.Message = string(r.Verdict)
	}
}
