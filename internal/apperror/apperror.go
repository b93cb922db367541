// Package apperror defines the typed errors shared by every layer of the runner.
//
// Each constructor wraps one sentinel (ErrBuild, ErrTimeout, ...) in an *AppError
// so callers can branch with errors.Is while still carrying a human-readable
// message. The HTTP layer maps the sentinels to status codes; the harness maps
// them to per-test-case verdicts.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")

	// Execution engine failures.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrToolchainNotFound   = errors.New("toolchain not found")
	ErrWorkspace           = errors.New("workspace error")
	ErrBuild               = errors.New("build failed")
	ErrRuntime             = errors.New("runtime error")
	ErrTimeout             = errors.New("time limit exceeded")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error (os, exec, docker)
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// UnsupportedLanguage is returned before any workspace is allocated.
func UnsupportedLanguage(language string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Message: fmt.Sprintf("language %q is not supported", language),
		Field:   "language",
	}
}

// ToolchainNotFound means the compiler or interpreter is missing on the host.
func ToolchainNotFound(binary string, cause error) *AppError {
	return &AppError{
		Err:     ErrToolchainNotFound,
		Message: fmt.Sprintf("toolchain binary %q is not installed", binary),
		Cause:   cause,
	}
}

func WorkspaceFailed(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrWorkspace,
		Message: fmt.Sprintf("workspace: %s failed", op),
		Cause:   cause,
	}
}

// BuildFailed carries the compiler's stderr verbatim.
func BuildFailed(stderr string) *AppError {
	return &AppError{
		Err:     ErrBuild,
		Message: stderr,
	}
}

// RuntimeFailed carries the program's stderr (or exit status when stderr is empty).
func RuntimeFailed(stderr string) *AppError {
	return &AppError{
		Err:     ErrRuntime,
		Message: stderr,
	}
}

func TimedOut(phase string, limit fmt.Stringer) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("%s exceeded the time limit of %s", phase, limit),
	}
}
