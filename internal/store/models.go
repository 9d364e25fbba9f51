package store

import (
	"encoding/json"
	"time"

	"github.com/amelia-dev/amelia/internal/workflow"
)

// workflowColumns is the list of columns to select for workflow queries.
const workflowColumns = `id, issue_id, worktree_path, profile_id, status,
	created_at, started_at, completed_at, failure_reason, state_snapshot, schema_version`

// workflowModel represents the database row for the workflows table.
// Time values are Unix milliseconds.
type workflowModel struct {
	ID            string
	IssueID       string
	WorktreePath  string
	ProfileID     string
	Status        string
	CreatedAt     int64
	StartedAt     *int64  // nullable
	CompletedAt   *int64  // nullable
	FailureReason *string // nullable
	StateSnapshot []byte  // nullable
	SchemaVersion int
}

// scanWorkflow scans a row into a workflowModel.
func scanWorkflow(scanner interface{ Scan(...any) error }) (*workflowModel, error) {
	var m workflowModel
	err := scanner.Scan(
		&m.ID, &m.IssueID, &m.WorktreePath, &m.ProfileID, &m.Status,
		&m.CreatedAt, &m.StartedAt, &m.CompletedAt, &m.FailureReason,
		&m.StateSnapshot, &m.SchemaVersion,
	)
	return &m, err
}

func (m *workflowModel) toDomain() *workflow.Workflow {
	w := &workflow.Workflow{
		ID:            workflow.ID(m.ID),
		IssueID:       m.IssueID,
		WorktreePath:  m.WorktreePath,
		ProfileID:     m.ProfileID,
		Status:        workflow.Status(m.Status),
		CreatedAt:     time.UnixMilli(m.CreatedAt).UTC(),
		StateSnapshot: m.StateSnapshot,
		SchemaVersion: m.SchemaVersion,
	}
	if m.StartedAt != nil {
		t := time.UnixMilli(*m.StartedAt).UTC()
		w.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := time.UnixMilli(*m.CompletedAt).UTC()
		w.CompletedAt = &t
	}
	if m.FailureReason != nil {
		w.FailureReason = *m.FailureReason
	}
	return w
}

// eventColumns is the list of columns to select for event queries.
const eventColumns = `id, workflow_id, sequence, timestamp, agent, event_type, message, data, correlation_id`

// eventModel represents the database row for the events table.
type eventModel struct {
	ID            string
	WorkflowID    string
	Sequence      int64
	Timestamp     int64 // Unix milliseconds
	Agent         string
	EventType     string
	Message       string
	Data          *string // nullable, JSON encoded
	CorrelationID *string // nullable
}

// scanEvent scans a row into an eventModel.
func scanEvent(scanner interface{ Scan(...any) error }) (*eventModel, error) {
	var m eventModel
	err := scanner.Scan(
		&m.ID, &m.WorkflowID, &m.Sequence, &m.Timestamp,
		&m.Agent, &m.EventType, &m.Message, &m.Data, &m.CorrelationID,
	)
	return &m, err
}

func toEventModel(e workflow.Event) (*eventModel, error) {
	m := &eventModel{
		ID:         e.ID,
		WorkflowID: string(e.WorkflowID),
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp.UnixMilli(),
		Agent:      string(e.Agent),
		EventType:  string(e.Type),
		Message:    e.Message,
	}
	if e.Data != nil {
		encoded, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data := string(encoded)
		m.Data = &data
	}
	if e.CorrelationID != "" {
		corr := e.CorrelationID
		m.CorrelationID = &corr
	}
	return m, nil
}

func (m *eventModel) toDomain() workflow.Event {
	e := workflow.Event{
		ID:         m.ID,
		WorkflowID: workflow.ID(m.WorkflowID),
		Sequence:   m.Sequence,
		Timestamp:  time.UnixMilli(m.Timestamp).UTC(),
		Agent:      workflow.Agent(m.Agent),
		Type:       workflow.EventType(m.EventType),
		Message:    m.Message,
	}
	if m.Data != nil {
		var data map[string]any
		if err := json.Unmarshal([]byte(*m.Data), &data); err == nil {
			e.Data = data
		}
	}
	if m.CorrelationID != nil {
		e.CorrelationID = *m.CorrelationID
	}
	return e
}

// tokenUsageModel represents the database row for the token_usage table.
type tokenUsageModel struct {
	ID                  string
	WorkflowID          string
	Agent               string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                *float64 // nullable
	Timestamp           int64    // Unix milliseconds
}

func toTokenUsageModel(u workflow.TokenUsage) *tokenUsageModel {
	return &tokenUsageModel{
		ID:                  u.ID,
		WorkflowID:          string(u.WorkflowID),
		Agent:               string(u.Agent),
		Model:               u.Model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		Cost:                u.Cost,
		Timestamp:           u.Timestamp.UnixMilli(),
	}
}
