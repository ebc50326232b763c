package assistant

import (
	"fmt"

	"github.com/pkg/errors"
)

// Op names the step of a submission that failed.
type Op string

const (
	OpSelectTurn   Op = "select turn"
	OpCreateThread Op = "create thread"
	OpSubmit       Op = "submit turn"
	OpStartRun     Op = "start run"
	OpPoll         Op = "poll run"
	OpExtract      Op = "extract reply"
)

// ErrNoUserTurn means SubmitTurn was handed a log without any user turn.
// It indicates a caller bug and is reported like any other Error.
var ErrNoUserTurn = errors.New("no user turn")

// Error is the single failure type SubmitTurn returns. Remote errors never
// escape without being wrapped in one.
type Error struct {
	Op     Op
	Status RunStatus // terminal run status, when the failure is a run outcome
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("assistant: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func statusError(status RunStatus, detail string) *Error {
	if detail != "" {
		return &Error{Op: OpPoll, Status: status, Err: errors.Errorf("run ended with status: %s (%s)", status, detail)}
	}
	return &Error{Op: OpPoll, Status: status, Err: errors.Errorf("run ended with status: %s", status)}
}
