// Package handler contains the HTTP handlers of the runner API.
//
// Handlers only parse requests, call the service and write responses. All
// validation and result shaping lives in the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/repository"
	"github.com/sakif/code-runner/internal/service"
	"github.com/sakif/code-runner/internal/toolchain"
)

// maxBodyBytes caps request bodies: 100 test cases of up to 1 MiB each is
// more than any real exam question needs.
const maxBodyBytes = 8 << 20

// ExecutionService is what the handlers need from the service layer.
// *service.ExecutionService implements it.
type ExecutionService interface {
	Run(ctx context.Context, req model.ExecutionRequest) (*model.ExecutionResult, error)
	Test(ctx context.Context, language, code string, cases []model.TestCase) (*model.TestReport, error)
	Submit(ctx context.Context, req service.SubmitRequest) (*model.SubmitSummary, error)
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, opts repository.ListOptions) ([]model.Submission, error)
	Languages() []toolchain.Language
}

// ExecuteHandler serves the run, test and submit endpoints plus submission lookup.
type ExecuteHandler struct {
	svc    ExecutionService
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(svc ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		svc:    svc,
		logger: logger,
	}
}

// RunResponse is the body of a successful POST /api/run.
type RunResponse struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	OutputTruncated bool   `json:"outputTruncated,omitempty"`
}

type testRequest struct {
	Language  string           `json:"language"`
	Code      string           `json:"code"`
	TestCases []model.TestCase `json:"testCases"`
}

type submitRequest struct {
	testRequest
	QuestionID  string `json:"questionId"`
	CandidateID string `json:"candidateId"`
}

// HandleRun executes code once with optional input.
//
// HTTP: POST /api/run  {"language":"python","code":"...","input":"..."}
func (h *ExecuteHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req model.ExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		OutputTruncated: res.OutputTruncated,
	})
}

// HandleTest grades code against test cases without storing anything.
//
// HTTP: POST /api/test  {"language","code","testCases":[{"input","expectedOutput","isHidden"}]}
func (h *ExecuteHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if !h.decode(w, r, &req) {
		return
	}

	report, err := h.svc.Test(r.Context(), req.Language, req.Code, req.TestCases)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleSubmit grades and stores a submission, returning only its summary.
//
// HTTP: POST /api/submit  {"language","code","testCases",...,"questionId","candidateId"}
func (h *ExecuteHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	summary, err := h.svc.Submit(r.Context(), service.SubmitRequest{
		Language:    req.Language,
		Code:        req.Code,
		TestCases:   req.TestCases,
		QuestionID:  req.QuestionID,
		CandidateID: req.CandidateID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// HandleGetSubmission returns one stored submission.
//
// HTTP: GET /api/submissions/{id}
func (h *ExecuteHandler) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	submission, err := h.svc.GetSubmission(r.Context(), id)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			h.logger.Error("failed to get submission",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submission)
}

// HandleListSubmissions pages through stored submissions.
//
// HTTP: GET /api/submissions?questionId=&candidateId=&limit=20&offset=0
func (h *ExecuteHandler) HandleListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, apperror.ValidationFailed("limit", "limit must be an integer"))
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, apperror.ValidationFailed("offset", "offset must be an integer"))
		return
	}

	submissions, err := h.svc.ListSubmissions(r.Context(), repository.ListOptions{
		Limit:       limit,
		Offset:      offset,
		QuestionID:  q.Get("questionId"),
		CandidateID: q.Get("candidateId"),
	})
	if err != nil {
		h.logger.Error("failed to list submissions", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submissions)
}

// HandleLanguages lists the supported languages.
//
// HTTP: GET /api/languages
func (h *ExecuteHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Languages())
}

// decode reads a JSON body into dst, writing a 400 on failure.
func (h *ExecuteHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("invalid request body",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, apperror.ValidationFailed("body", "request body must be valid JSON"))
		return false
	}
	return true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
