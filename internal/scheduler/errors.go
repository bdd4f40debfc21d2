package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrResourceLimit     = errors.New("resource request exceeds system limit")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrResourceExhausted = errors.New("resources exhausted")
	ErrTimeout           = errors.New("task timed out")
	ErrCancelled         = errors.New("task cancelled")
	ErrSchedulerClosed   = errors.New("scheduler closed")
)

// SubmissionError reports a task rejected at submission time.
type SubmissionError struct {
	TaskID string
	Kind   error
	Msg    string
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("submit %q: %s", e.TaskID, e.Kind)
	}
	return fmt.Sprintf("submit %q: %s: %s", e.TaskID, e.Kind, e.Msg)
}

func (e *SubmissionError) Unwrap() error { return e.Kind }

func rejectf(taskID string, kind error, format string, args ...any) error {
	return &SubmissionError{TaskID: taskID, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// DependencyError reports an unknown, failed or cyclic dependency found
// while registering a task. Path lists the cycle when Kind is ErrCycle.
type DependencyError struct {
	TaskID string
	Kind   error
	DepID  string
	Path   []string
}

func (e *DependencyError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case len(e.Path) > 0:
		return fmt.Sprintf("task %q: %s: %s", e.TaskID, e.Kind, strings.Join(e.Path, " -> "))
	case e.DepID != "":
		return fmt.Sprintf("task %q: %s %q", e.TaskID, e.Kind, e.DepID)
	default:
		return fmt.Sprintf("task %q: %s", e.TaskID, e.Kind)
	}
}

func (e *DependencyError) Unwrap() error { return e.Kind }

// ErrorKind classifies a failed execution for retry decisions.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindApplication
	ErrorKindTimeout
	ErrorKindPanic
	ErrorKindCancelled
	ErrorKindDependencyFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindApplication:
		return "application"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindPanic:
		return "panic"
	case ErrorKindCancelled:
		return "cancelled"
	case ErrorKindDependencyFailed:
		return "dependency_failed"
	default:
		return "none"
	}
}

// ExecutionError wraps whatever ended an attempt.
type ExecutionError struct {
	TaskID  string
	Kind    ErrorKind
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("task %q attempt %d: %s: %v", e.TaskID, e.Attempt, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Classify returns the ErrorKind carried by err. Errors that are not
// ExecutionErrors are classified by their sentinel.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrDependencyFailed):
		return ErrorKindDependencyFailed
	}
	return ErrorKindApplication
}
