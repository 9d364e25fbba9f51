// Package workflow defines the core domain entities for workflow
// orchestration: workflow identity, the status state machine, the event
// record, and the error taxonomy shared by every layer above the store.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a workflow.
// It is a string-based type using UUID format for global uniqueness.
type ID string

// NewID generates a new unique workflow ID using UUID v4.
func NewID() ID {
	return ID(uuid.New().String())
}

// String returns the string representation of the ID.
func (id ID) String() string {
	return string(id)
}

// IsValid returns true if the ID is a valid UUID format.
func (id ID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// Status represents the lifecycle state of a workflow.
// Valid transitions:
//
//	pending   -> running, cancelled, failed
//	running   -> blocked, completed, failed, cancelled
//	blocked   -> running, cancelled, failed
//	completed -> (terminal)
//	failed    -> (terminal)
//	cancelled -> (terminal)
type Status string

const (
	// StatusPending indicates the workflow is admitted but its runner has not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the state machine is actively executing.
	StatusRunning Status = "running"
	// StatusBlocked indicates the workflow is suspended awaiting human input.
	StatusBlocked Status = "blocked"
	// StatusCompleted indicates the workflow finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the workflow terminated due to an error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the workflow was cancelled by the user.
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed status transitions.
// The key is the current status, the value is a set of valid target statuses.
// pending -> failed covers the start-timeout watchdog.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusBlocked:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true, // crash recovery with unusable checkpoint
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if this status is a terminal status.
// Terminal statuses cannot transition to any other status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true for statuses that hold the worktree lease and
// count against the concurrency cap.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusBlocked
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// Workflow is one execution of the state machine against one issue and
// one worktree. The status and its timestamps are the only mutable fields;
// everything else is immutable once written.
type Workflow struct {
	ID            ID
	IssueID       string
	WorktreePath  string
	ProfileID     string
	Status        Status
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailureReason string
	StateSnapshot []byte
	SchemaVersion int
}

// IsTerminal returns true if the workflow is in a terminal status.
func (w *Workflow) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// IsActive returns true if the workflow holds its worktree lease.
func (w *Workflow) IsActive() bool {
	return w.Status.IsActive()
}
