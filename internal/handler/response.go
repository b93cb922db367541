package handler

// RESPONSE HELPERS:
// Handlers never touch the encoder or the status mapping themselves. They call
// writeJSON on success and writeError with whatever the service returned.
//
// CONSISTENT ERROR FORMAT:
// Every error response from the API has the same shape:
//
//	{"error": "build_error", "message": "main.c:3:1: error: expected ';'"}
//
// "error" is a machine-readable kind the exam application switches on;
// "message" is safe to show to the candidate.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-runner/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "timeout")
	Message string `json:"message"` // Human-readable description
}

// writeJSON sends a JSON response with the given status code.
// Headers and status must be set before the body is written.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorKinds maps each sentinel to its HTTP status and wire kind. Order
// matters only in that the first match wins.
var errorKinds = []struct {
	target error
	status int
	kind   string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrUnsupportedLanguage, http.StatusBadRequest, "unsupported_language"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrToolchainNotFound, http.StatusServiceUnavailable, "toolchain_not_found"},
	{apperror.ErrBuild, http.StatusUnprocessableEntity, "build_error"},
	{apperror.ErrRuntime, http.StatusUnprocessableEntity, "runtime_error"},
	{apperror.ErrTimeout, http.StatusRequestTimeout, "timeout"},
	{apperror.ErrWorkspace, http.StatusInternalServerError, "workspace_error"},
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
// The service layer never knows about status codes; this is the only place
// the translation happens.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, k := range errorKinds {
			if errors.Is(err, k.target) {
				writeJSON(w, k.status, ErrorResponse{
					Error:   k.kind,
					Message: appErr.Message,
				})
				return
			}
		}
	}

	// Unknown error: never expose internal details (paths, SQL, docker errors).
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
