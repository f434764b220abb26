package query

import (
	"errors"
	"fmt"
)

var (
	ErrExecutionFailed  = errors.New("query execution failed")
	ErrExecutionTimeout = errors.New("query execution timed out")
	ErrRemoteCallFailed = errors.New("remote call failed")
)

// ExecutionFailedError is returned when the service reports FAILED or
// CANCELLED for a submitted query.
type ExecutionFailedError struct {
	Query       string
	ExecutionID ExecutionID
	State       ExecutionState
	Reason      string
}

func (e *ExecutionFailedError) Error() string {
	msg := fmt.Sprintf("query with the string %q failed or was cancelled (state=%s)", e.Query, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ExecutionFailedError) Is(target error) bool {
	return target == ErrExecutionFailed
}

// ExecutionTimeoutError is returned when the poll budget runs out before
// the execution succeeds. The remote execution keeps running.
type ExecutionTimeoutError struct {
	Query       string
	ExecutionID ExecutionID
	Attempts    int
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("query with the string %q failed by timeout after %d attempts", e.Query, e.Attempts)
}

func (e *ExecutionTimeoutError) Is(target error) bool {
	return target == ErrExecutionTimeout
}

type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

func (e *RemoteCallError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}

func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteCallError{Op: op, Err: err}
}
