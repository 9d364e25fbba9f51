package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Agent tags the component that produced an event.
type Agent string

const (
	AgentArchitect Agent = "architect"
	AgentDeveloper Agent = "developer"
	AgentReviewer  Agent = "reviewer"
	AgentSystem    Agent = "system"
)

// EventType is the closed set of event kinds in the workflow log.
type EventType string

const (
	// Lifecycle
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"

	// Stages
	EventStageStarted   EventType = "STAGE_STARTED"
	EventStageCompleted EventType = "STAGE_COMPLETED"

	// Approval gate
	EventApprovalRequired EventType = "APPROVAL_REQUIRED"
	EventApprovalGranted  EventType = "APPROVAL_GRANTED"
	EventApprovalRejected EventType = "APPROVAL_REJECTED"

	// File artifacts
	EventFileCreated  EventType = "FILE_CREATED"
	EventFileModified EventType = "FILE_MODIFIED"
	EventFileDeleted  EventType = "FILE_DELETED"

	// Review cycle
	EventReviewRequested   EventType = "REVIEW_REQUESTED"
	EventReviewCompleted   EventType = "REVIEW_COMPLETED"
	EventRevisionRequested EventType = "REVISION_REQUESTED"

	// System
	EventSystemError   EventType = "SYSTEM_ERROR"
	EventSystemWarning EventType = "SYSTEM_WARNING"
)

var knownEventTypes = map[EventType]bool{
	EventWorkflowStarted:   true,
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,
	EventStageStarted:      true,
	EventStageCompleted:    true,
	EventApprovalRequired:  true,
	EventApprovalGranted:   true,
	EventApprovalRejected:  true,
	EventFileCreated:       true,
	EventFileModified:      true,
	EventFileDeleted:       true,
	EventReviewRequested:   true,
	EventReviewCompleted:   true,
	EventRevisionRequested: true,
	EventSystemError:       true,
	EventSystemWarning:     true,
}

// IsValid returns true if this is a recognized EventType.
func (t EventType) IsValid() bool {
	return knownEventTypes[t]
}

// Event is one entry in a workflow's append-only log. Sequence numbers are
// assigned by the store: dense, monotonic, starting at 1 per workflow.
// Once written an event is never mutated or renumbered.
type Event struct {
	ID            string         `json:"id"`
	WorkflowID    ID             `json:"workflow_id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Agent         Agent          `json:"agent"`
	Type          EventType      `json:"event_type"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewEvent builds an unsequenced event. The store assigns Sequence on append.
func NewEvent(workflowID ID, agent Agent, eventType EventType, message string) Event {
	return Event{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Agent:      agent,
		Type:       eventType,
		Message:    message,
	}
}

// WithData returns a copy of the event carrying a structured payload.
func (e Event) WithData(data map[string]any) Event {
	e.Data = data
	return e
}

// WithCorrelation returns a copy of the event linked to a request event.
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// TokenUsage is one append-only cost accounting record for a driver call.
type TokenUsage struct {
	ID                  string
	WorkflowID          ID
	Agent               Agent
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                *float64
	Timestamp           time.Time
}
