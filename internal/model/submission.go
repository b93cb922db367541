package model

import "time"

// Submission is the durable record of a graded submit.
//
// The source itself is not stored; CodeDigest (BLAKE2b-256, hex) lets the exam
// application prove which code was graded without keeping a second copy.
// QuestionID and CandidateID are opaque references owned by the caller.
type Submission struct {
	ID          string           `json:"id"`
	Language    string           `json:"language"`
	QuestionID  string           `json:"questionId,omitempty"`
	CandidateID string           `json:"candidateId,omitempty"`
	CodeDigest  string           `json:"codeDigest"`
	Score       int              `json:"score"`
	Total       int              `json:"totalTests"`
	Passed      int              `json:"passedTests"`
	Failed      int              `json:"failedTests"`
	Cases       []TestCaseResult `json:"cases"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// SubmitSummary is the only thing the submit flow returns to its caller.
type SubmitSummary struct {
	SubmissionID string `json:"submissionId"`
	Score        int    `json:"score"`
	TotalTests   int    `json:"totalTests"`
	PassedTests  int    `json:"passedTests"`
	FailedTests  int    `json:"failedTests"`
}
