package workflow

import (
	"errors"
	"fmt"
)

// Kind names an error class. Kinds map one-to-one onto HTTP status codes
// at the REST surface and onto retry behavior in the runner.
type Kind string

const (
	KindValidation   Kind = "Validation"
	KindConflict     Kind = "Conflict"
	KindCapacity     Kind = "Capacity"
	KindNotFound     Kind = "NotFound"
	KindInvalidState Kind = "InvalidState"
	KindTransient    Kind = "Transient"
	KindTerminal     Kind = "Terminal"
	KindCancelled    Kind = "Cancelled"
)

// ValidationError reports a malformed request: missing fields, a worktree
// path that is not a git working copy, an unknown profile.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ConflictError reports that a worktree already has an active workflow.
type ConflictError struct {
	WorktreePath string
	HolderID     ID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("worktree %s already has active workflow %s", e.WorktreePath, e.HolderID)
}

// CapacityError reports that the global active-workflow cap is reached.
type CapacityError struct {
	Active int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("concurrent workflow limit reached (%d/%d)", e.Active, e.Limit)
}

// NotFoundError reports an unknown workflow id.
type NotFoundError struct {
	WorkflowID ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow %s not found", e.WorkflowID)
}

// InvalidStateError reports a status transition the DFA rejects, such as
// approving a workflow that is not blocked or cancelling a terminal one.
type InvalidStateError struct {
	WorkflowID ID
	Current    Status
	Attempted  Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("workflow %s: invalid transition %s -> %s", e.WorkflowID, e.Current, e.Attempted)
}

// TransientError wraps a failure worth retrying: driver timeout, network
// blip, tracker 5xx. The runner retries these with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError wraps a failure that must not be retried: exhausted
// retries, checkpoint corruption, malformed structured output.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("terminal failure: %s", e.Reason)
	}
	return fmt.Sprintf("terminal failure: %s: %v", e.Reason, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// ErrCancelled is returned by the runner when cooperative cancellation is
// observed at a node boundary. Never reported as a failure.
var ErrCancelled = errors.New("workflow cancelled")

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Terminal wraps err as non-retryable with a stable failure reason.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// KindOf classifies err into the taxonomy. Unknown errors are Terminal.
func KindOf(err error) Kind {
	var (
		validation   *ValidationError
		conflict     *ConflictError
		capacity     *CapacityError
		notFound     *NotFoundError
		invalidState *InvalidStateError
		transient    *TransientError
		terminal     *TerminalError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &capacity):
		return KindCapacity
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &invalidState):
		return KindInvalidState
	case errors.As(err, &transient):
		return KindTransient
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.As(err, &terminal):
		return KindTerminal
	default:
		return KindTerminal
	}
}

// IsTransient reports whether err should be retried by the runner.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
