package harness

import (
	"fmt"

	"github.com/sakif/code-runner/internal/model"
)

// caseState tracks one test case through pending → running → terminal.
type caseState struct {
	status model.CaseStatus
}

func newCaseState() *caseState {
	return &caseState{status: model.CasePending}
}

// transition moves to next, refusing anything out of order. Terminal states
// never change.
func (s *caseState) transition(next model.CaseStatus) error {
	switch {
	case s.status.Terminal():
		return fmt.Errorf("harness: case is already %s, cannot move to %s", s.status, next)
	case s.status == model.CasePending && next != model.CaseRunning:
		return fmt.Errorf("harness: pending case must start running, not %s", next)
	case s.status == model.CaseRunning && !next.Terminal():
		return fmt.Errorf("harness: running case must finish, not %s", next)
	}
	s.status = next
	return nil
}

// mustTransition is for the harness's own fixed sequence, where a refusal is
// a programming error.
func (s *caseState) mustTransition(next model.CaseStatus) {
	if err := s.transition(next); err != nil {
		panic(err)
	}
}
