// Package service contains the business logic layer of the runner.
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, shapes results, persists submissions
//	Harness / Repository     → executes code / reads and writes the database
//
// ExecutionService takes interfaces, not the concrete harness and sqlite
// types, so its tests run against in-memory fakes.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/harness"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/repository"
	"github.com/sakif/code-runner/internal/toolchain"
)

// Validation constants.
const (
	MaxCodeLength    = 100000  // ~100KB of code
	MaxInputLength   = 1 << 20 // stdin per run or test case
	MaxTestCases     = 100
	MaxRefLength     = 128 // questionId / candidateId
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Runner is the execution engine the service drives; *harness.Harness implements it.
type Runner interface {
	RunSingle(ctx context.Context, language, code, stdin string) (*model.ExecutionResult, error)
	RunAll(ctx context.Context, language, code string, cases []model.TestCase) (*model.TestReport, error)
	Limits() harness.Limits
}

// LanguageCatalog lists supported languages; *toolchain.Adapter implements it.
type LanguageCatalog interface {
	Languages() []toolchain.Language
}

// SubmitRequest carries everything the submit flow needs.
type SubmitRequest struct {
	Language    string
	Code        string
	TestCases   []model.TestCase
	QuestionID  string
	CandidateID string
}

// ExecutionService shapes harness output for the run, test and submit flows.
type ExecutionService struct {
	runner    Runner
	repo      repository.SubmissionRepository
	languages LanguageCatalog
	logger    *slog.Logger
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(runner Runner, repo repository.SubmissionRepository, languages LanguageCatalog, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		runner:    runner,
		repo:      repo,
		languages: languages,
		logger:    logger,
	}
}

// Run executes code once. A timeout, a non-zero exit or anything on stderr is
// returned as a structured error carrying the program's own text.
func (s *ExecutionService) Run(ctx context.Context, req model.ExecutionRequest) (*model.ExecutionResult, error) {
	if err := validateProgram(req.Language, req.Code); err != nil {
		return nil, err
	}
	if len(req.Stdin) > MaxInputLength {
		return nil, apperror.ValidationFailed("input",
			fmt.Sprintf("input must be %d bytes or less", MaxInputLength))
	}

	res, err := s.runner.RunSingle(ctx, req.Language, req.Code, req.Stdin)
	if err != nil {
		s.logFailure(ctx, "run failed", req.Language, err)
		return nil, err
	}

	if !res.Failed() {
		return res, nil
	}
	switch {
	case res.TimedOut:
		return nil, apperror.TimedOut("run", s.runner.Limits().Run)
	case res.OOMKilled:
		return nil, apperror.RuntimeFailed("memory limit exceeded")
	case res.Stderr != "":
		return nil, apperror.RuntimeFailed(res.Stderr)
	default:
		return nil, apperror.RuntimeFailed(res.ExitError)
	}
}

// Test grades code against the given cases and persists nothing.
func (s *ExecutionService) Test(ctx context.Context, language, code string, cases []model.TestCase) (*model.TestReport, error) {
	if err := validateSuite(language, code, cases); err != nil {
		return nil, err
	}
	report, err := s.runner.RunAll(ctx, language, code, cases)
	if err != nil {
		s.logFailure(ctx, "test failed", language, err)
		return nil, err
	}
	return report, nil
}

// Submit grades code, stores the full record and returns only the summary.
func (s *ExecutionService) Submit(ctx context.Context, req SubmitRequest) (*model.SubmitSummary, error) {
	if err := validateSuite(req.Language, req.Code, req.TestCases); err != nil {
		return nil, err
	}
	questionID := strings.TrimSpace(req.QuestionID)
	candidateID := strings.TrimSpace(req.CandidateID)
	if len(questionID) > MaxRefLength {
		return nil, apperror.ValidationFailed("questionId",
			fmt.Sprintf("questionId must be %d characters or less", MaxRefLength))
	}
	if len(candidateID) > MaxRefLength {
		return nil, apperror.ValidationFailed("candidateId",
			fmt.Sprintf("candidateId must be %d characters or less", MaxRefLength))
	}

	report, err := s.runner.RunAll(ctx, req.Language, req.Code, req.TestCases)
	if err != nil {
		s.logFailure(ctx, "submit failed", req.Language, err)
		return nil, err
	}

	language := report.Language
	if language == "" {
		language = normalizeLanguage(req.Language)
	}
	submission := &model.Submission{
		Language:    language,
		QuestionID:  questionID,
		CandidateID: candidateID,
		CodeDigest:  digest(req.Code),
		Score:       harness.Score(report.Passed, report.Total),
		Total:       report.Total,
		Passed:      report.Passed,
		Failed:      report.Failed,
		Cases:       report.Cases,
	}
	if err := s.repo.Create(ctx, submission); err != nil {
		s.logger.ErrorContext(ctx, "failed to store submission",
			slog.String("questionId", questionID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("storing submission: %w", err)
	}

	s.logger.InfoContext(ctx, "submission graded",
		slog.String("id", submission.ID),
		slog.String("language", submission.Language),
		slog.Int("score", submission.Score),
		slog.Int("passed", submission.Passed),
		slog.Int("total", submission.Total),
	)

	return &model.SubmitSummary{
		SubmissionID: submission.ID,
		Score:        submission.Score,
		TotalTests:   submission.Total,
		PassedTests:  submission.Passed,
		FailedTests:  submission.Failed,
	}, nil
}

// GetSubmission retrieves a stored submission.
// Returns apperror.ErrNotFound if it doesn't exist.
func (s *ExecutionService) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "submission ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// ListSubmissions pages through stored submissions, newest first.
func (s *ExecutionService) ListSubmissions(ctx context.Context, opts repository.ListOptions) ([]model.Submission, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.QuestionID = strings.TrimSpace(opts.QuestionID)
	opts.CandidateID = strings.TrimSpace(opts.CandidateID)

	submissions, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	return submissions, nil
}

// Languages lists the supported languages.
func (s *ExecutionService) Languages() []toolchain.Language {
	return s.languages.Languages()
}

func (s *ExecutionService) logFailure(ctx context.Context, msg, language string, err error) {
	// Build errors, timeouts and bad input are the candidate's problem, not ours.
	level := slog.LevelInfo
	if !isUserError(err) {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, msg,
		slog.String("language", language),
		slog.String("error", err.Error()),
	)
}

func isUserError(err error) bool {
	for _, kind := range []error{
		apperror.ErrValidation,
		apperror.ErrUnsupportedLanguage,
		apperror.ErrBuild,
		apperror.ErrRuntime,
		apperror.ErrTimeout,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func validateProgram(language, code string) error {
	if strings.TrimSpace(language) == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if strings.TrimSpace(code) == "" {
		return apperror.ValidationFailed("code", "code is required")
	}
	if len(code) > MaxCodeLength {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}
	return nil
}

func validateSuite(language, code string, cases []model.TestCase) error {
	if err := validateProgram(language, code); err != nil {
		return err
	}
	if len(cases) == 0 {
		return apperror.ValidationFailed("testCases", "at least one test case is required")
	}
	if len(cases) > MaxTestCases {
		return apperror.ValidationFailed("testCases",
			fmt.Sprintf("at most %d test cases are allowed", MaxTestCases))
	}
	for i, tc := range cases {
		if len(tc.Input) > MaxInputLength || len(tc.ExpectedOutput) > MaxInputLength {
			return apperror.ValidationFailed("testCases",
				fmt.Sprintf("test case %d exceeds %d bytes", i+1, MaxInputLength))
		}
	}
	return nil
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// digest is the hex BLAKE2b-256 of the submitted source.
func digest(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
