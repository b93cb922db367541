package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-runner/internal/apperror"
	"github.com/sakif/code-runner/internal/model"
	"github.com/sakif/code-runner/internal/repository"
)

var _ repository.SubmissionRepository = (*DB)(nil)

const submissionColumns = `id, language, question_id, candidate_id, code_digest,
	score, total, passed, failed, cases, created_at`

// Create inserts a new submission, filling in its ID and CreatedAt.
//
// The per-case results are stored as one JSON column: they are written once,
// always read back together and never queried individually.
func (db *DB) Create(ctx context.Context, s *model.Submission) error {
	s.ID = xid.New().String()
	s.CreatedAt = time.Now().UTC()

	cases := s.Cases
	if cases == nil {
		cases = []model.TestCaseResult{}
	}
	casesJSON, err := json.Marshal(cases)
	if err != nil {
		return fmt.Errorf("sqlite: encoding submission cases: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.Language,
		s.QuestionID,
		s.CandidateID,
		s.CodeDigest,
		s.Score,
		s.Total,
		s.Passed,
		s.Failed,
		string(casesJSON),
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating submission: %w", err)
	}
	return nil
}

// GetByID retrieves a single submission; a missing row is apperror.ErrNotFound.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`,
		id,
	)
	s, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("submission", id)
		}
		return nil, fmt.Errorf("sqlite: getting submission %s: %w", id, err)
	}
	return s, nil
}

// List returns submissions newest first, optionally filtered by question and
// candidate.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Submission, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20 // Default page size
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	var (
		where []string
		args  []any
	)
	if opts.QuestionID != "" {
		where = append(where, "question_id = ?")
		args = append(args, opts.QuestionID)
	}
	if opts.CandidateID != "" {
		where = append(where, "candidate_id = ?")
		args = append(args, opts.CandidateID)
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// xids sort by creation time, which breaks created_at ties deterministically.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing submissions: %w", err)
	}
	defer rows.Close()

	submissions := make([]model.Submission, 0, limit)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning submission row: %w", err)
		}
		submissions = append(submissions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating submissions: %w", err)
	}
	return submissions, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(sc scanner) (*model.Submission, error) {
	var (
		s         model.Submission
		casesJSON string
	)
	if err := sc.Scan(
		&s.ID, &s.Language, &s.QuestionID, &s.CandidateID, &s.CodeDigest,
		&s.Score, &s.Total, &s.Passed, &s.Failed, &casesJSON, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(casesJSON), &s.Cases); err != nil {
		return nil, fmt.Errorf("decoding cases of %s: %w", s.ID, err)
	}
	return &s, nil
}
