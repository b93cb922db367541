// Package model defines the data structures passed between the runner's layers.
//
// Everything here is ephemeral except Submission, which the submission store
// persists. JSON tags match the wire format the exam application consumes.
package model

import "time"

// ExecutionRequest is one ad hoc run: a program and the stdin to feed it.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"input,omitempty"`
}

// ExecutionResult is what the sandbox observed for a single process.
//
// A non-zero exit is reported here (ExitCode/ExitError), never as a Go error.
// TimedOut means the process tree was killed by the wall-clock timer; Stdout
// and Stderr then hold whatever was captured before the kill.
type ExecutionResult struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	TimedOut        bool          `json:"timedOut"`
	ExitError       string        `json:"exitError,omitempty"`
	ExitCode        int           `json:"exitCode"`
	Duration        time.Duration `json:"duration"`
	MemoryKB        int64         `json:"memoryKb,omitempty"`
	OutputTruncated bool          `json:"outputTruncated,omitempty"`
	OOMKilled       bool          `json:"oomKilled,omitempty"`
}

// Failed reports whether the run did not finish cleanly: it timed out, exited
// non-zero or wrote to stderr.
func (r *ExecutionResult) Failed() bool {
	return r.TimedOut || r.ExitCode != 0 || r.Stderr != ""
}

// TestCase is an (input, expected output) pair owned by a coding question.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

// CaseStatus is the lifecycle state of one test case inside a harness run.
type CaseStatus string

const (
	CasePending CaseStatus = "pending"
	CaseRunning CaseStatus = "running"
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseErrored CaseStatus = "errored"
)

// Terminal reports whether no further transition is allowed.
func (s CaseStatus) Terminal() bool {
	return s == CasePassed || s == CaseFailed || s == CaseErrored
}

// Verdict is the judge-style outcome shown to the candidate.
type Verdict string

const (
	VerdictAccepted          Verdict = "Accepted"
	VerdictWrongAnswer       Verdict = "Wrong Answer"
	VerdictTimeLimitExceeded Verdict = "Time Limit Exceeded"
	VerdictRuntimeError      Verdict = "Runtime Error"
	VerdictCompilationError  Verdict = "Compilation Error"
	VerdictSystemError       Verdict = "System Error"
)

// TestCaseResult is the per-case record returned by test and submit flows.
// For hidden cases Input and Expected are redacted and Actual is one of
// "Correct" or "Incorrect".
type TestCaseResult struct {
	Ordinal  int           `json:"testCaseNumber"`
	Passed   bool          `json:"passed"`
	Status   CaseStatus    `json:"status"`
	Verdict  Verdict       `json:"verdict"`
	Input    string        `json:"input"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
	Hidden   bool          `json:"hidden"`
	Error    bool          `json:"error,omitempty"`
	Message  string        `json:"message,omitempty"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestReport aggregates one harness run. Passed+Failed always equals Total
// and len(Cases) equals the number of submitted test cases. Language is the
// canonical toolchain name, whatever alias the caller used.
type TestReport struct {
	Language string           `json:"language"`
	Total    int              `json:"total"`
	Passed   int              `json:"passed"`
	Failed   int              `json:"failed"`
	Cases    []TestCaseResult `json:"cases"`
}
