package engine

import (
	"fmt"
	"time"
)

// ExecutorNotFoundError fails an action whose type no registered executor
// handles.
type ExecutorNotFoundError struct {
	ActionType string
}

func (e *ExecutorNotFoundError) Error() string {
	return fmt.Sprintf("no executor registered for action type %q", e.ActionType)
}

// TimeoutError fails an action that did not finish within its timeout. Err
// is what the executor reported after cancellation, if it returned in time.
type TimeoutError struct {
	ActionID string
	Timeout  time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("action %s timed out after %s", e.ActionID, e.Timeout)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UnknownTaskError is returned when a task filter names a task the
// specification does not declare.
type UnknownTaskError struct {
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.TaskID)
}
