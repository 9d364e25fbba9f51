// Package agent defines the contracts for the external collaborators the
// orchestrator consumes: the LLM driver, the issue tracker, and the
// plan/execute/review facades built on top of them. Agent internals
// (prompting, transports) live behind these interfaces.
package agent

import (
	"context"
	"encoding/json"
)

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of driver input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one driver call.
type Usage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                *float64
}

// GenerateRequest asks the driver for a single completion. When Schema is
// set the driver must return JSON conforming to it.
type GenerateRequest struct {
	Model    string
	Messages []Message
	Schema   json.RawMessage
}

// GenerateResponse carries the completion text and its token usage.
type GenerateResponse struct {
	Text  string
	Usage Usage
}

// AgenticEventKind is the closed set of streaming event kinds.
type AgenticEventKind string

const (
	AgenticToolCall   AgenticEventKind = "tool_call"
	AgenticToolResult AgenticEventKind = "tool_result"
	AgenticThinking   AgenticEventKind = "thinking"
	AgenticResult     AgenticEventKind = "result"
)

// AgenticEvent is one entry in an agentic execution stream. The stream
// must end with a terminal result event; a stream that closes without
// one is an execution failure.
type AgenticEvent struct {
	Kind AgenticEventKind

	// Tool call / result fields
	Tool   string
	Input  json.RawMessage
	Output json.RawMessage

	// Thinking / result text
	Text string

	// File changes observed during the call (result events)
	Files []FileChange

	// Usage is set on the terminal result event
	Usage *Usage

	// SessionID for driver-side continuity, set on the result event
	SessionID string
}

// FileOp is the kind of change applied to a file.
type FileOp string

const (
	FileOpCreated  FileOp = "created"
	FileOpModified FileOp = "modified"
	FileOpDeleted  FileOp = "deleted"
)

// FileChange records one file artifact produced during execution.
// Before and After hold the file content around the change when the
// driver reports it; they feed the reviewer's diff.
type FileChange struct {
	Path   string `json:"path"`
	Op     FileOp `json:"op"`
	Before string `json:"-"`
	After  string `json:"-"`
}

// AgenticRequest starts a streaming agentic session in a working copy.
type AgenticRequest struct {
	Model     string
	Goal      string
	WorkDir   string
	SessionID string // resume a previous driver session when set
}

// Driver is the LLM transport. Implementations may fail transiently
// (wrapped as workflow.TransientError by callers) or fatally.
type Driver interface {
	// Generate produces one completion, optionally schema-constrained.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)

	// StreamAgentic runs a tool-using session and streams its events.
	// The returned channel is closed when the stream ends.
	StreamAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticEvent, error)
}
