package apperror

import (
	"errors"
	"os"
	"testing"
	"time"
)

// TABLE-DRIVEN TESTS:
// One row per constructor/sentinel pairing. The negative rows matter as much
// as the positive ones: the handler picks a status code and the harness picks
// a verdict from the first sentinel that matches, so a build error that also
// matched ErrRuntime would be reported wrongly in both places.
func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("submission", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("code", "code is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "UnsupportedLanguage wraps ErrUnsupportedLanguage",
			err:       UnsupportedLanguage("cobol"),
			target:    ErrUnsupportedLanguage,
			wantMatch: true,
		},
		{
			name:      "BuildFailed wraps ErrBuild",
			err:       BuildFailed("main.c:1: error"),
			target:    ErrBuild,
			wantMatch: true,
		},
		{
			name:      "BuildFailed does NOT match ErrRuntime",
			err:       BuildFailed("main.c:1: error"),
			target:    ErrRuntime,
			wantMatch: false,
		},
		{
			name:      "TimedOut wraps ErrTimeout",
			err:       TimedOut("run", 2*time.Second),
			target:    ErrTimeout,
			wantMatch: true,
		},
		{
			name:      "TimedOut does NOT match ErrRuntime",
			err:       TimedOut("run", 2*time.Second),
			target:    ErrRuntime,
			wantMatch: false,
		},
		{
			name:      "WorkspaceFailed exposes its cause",
			err:       WorkspaceFailed("create", os.ErrPermission),
			target:    os.ErrPermission,
			wantMatch: true,
		},
		{
			name:      "ToolchainNotFound wraps ErrToolchainNotFound",
			err:       ToolchainNotFound("javac", nil),
			target:    ErrToolchainNotFound,
			wantMatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("submission", "abc123"),
			wantMessage: "submission not found with id abc123",
		},
		{
			name:        "BuildFailed keeps compiler output verbatim",
			err:         BuildFailed("main.cpp:3:1: error: expected ';'"),
			wantMessage: "main.cpp:3:1: error: expected ';'",
		},
		{
			name:        "TimedOut names the phase and limit",
			err:         TimedOut("run", 1500*time.Millisecond),
			wantMessage: "run exceeded the time limit of 1.5s",
		},
		{
			name:        "UnsupportedLanguage quotes the language",
			err:         UnsupportedLanguage("cobol"),
			wantMessage: `language "cobol" is not supported`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestErrorsAs(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), RuntimeFailed("Traceback"))

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As did not find *AppError")
	}
	if appErr.Message != "Traceback" {
		t.Errorf("Message = %q, want %q", appErr.Message, "Traceback")
	}
}

func TestFieldIsSet(t *testing.T) {
	if err := ValidationFailed("testCases", "at least one test case is required"); err.Field != "testCases" {
		t.Errorf("Field = %q, want %q", err.Field, "testCases")
	}
	if err := UnsupportedLanguage("cobol"); err.Field != "language" {
		t.Errorf("Field = %q, want %q", err.Field, "language")
	}
}
