// Package repository defines the storage contracts the service layer depends on.
// Implementations live in subpackages (sqlite).
package repository

import (
	"context"

	"github.com/sakif/code-runner/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int

	// Optional filters; empty means "any".
	QuestionID  string
	CandidateID string
}

// SubmissionRepository is the durable store for graded submissions.
// Records are immutable once created.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *model.Submission) error
	GetByID(ctx context.Context, id string) (*model.Submission, error)
	List(ctx context.Context, opts ListOptions) ([]model.Submission, error)
}
