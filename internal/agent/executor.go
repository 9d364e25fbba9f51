package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// ExecRequest drives one agentic execution pass in a working copy.
type ExecRequest struct {
	Model     string
	Goal      string
	WorkDir   string
	SessionID string
}

// ExecResult summarizes a completed agentic pass.
type ExecResult struct {
	FinalResponse string
	Files         []FileChange
	ToolCalls     []string
	ToolResults   []string
	Usage         Usage
	SessionID     string
}

// EmitFunc receives progress events as execution streams. Implementations
// must not block; the executor calls it inline.
type EmitFunc func(event workflow.Event)

// Executor runs agentic coding sessions and translates the driver's
// stream into workflow events.
type Executor struct {
	driver Driver
}

// NewExecutor creates an Executor over the given driver.
func NewExecutor(driver Driver) *Executor {
	return &Executor{driver: driver}
}

// Execute streams one agentic pass, emitting file events as they arrive.
// A stream that closes without a result event is a transient failure so
// the pass can be retried.
func (e *Executor) Execute(ctx context.Context, workflowID workflow.ID, req ExecRequest, emit EmitFunc) (ExecResult, error) {
	stream, err := e.driver.StreamAgentic(ctx, AgenticRequest{
		Model:     req.Model,
		Goal:      req.Goal,
		WorkDir:   req.WorkDir,
		SessionID: req.SessionID,
	})
	if err != nil {
		return ExecResult{}, workflow.Transient("executor.stream", err)
	}

	var (
		result   ExecResult
		finished bool
	)

	for ev := range stream {
		if err := ctx.Err(); err != nil {
			return ExecResult{}, workflow.ErrCancelled
		}

		switch ev.Kind {
		case AgenticToolCall:
			result.ToolCalls = append(result.ToolCalls, toolCallSummary(ev))
		case AgenticToolResult:
			result.ToolResults = append(result.ToolResults, toolResultSummary(ev))
		case AgenticThinking:
			log.Debug(log.CatAgent, "agent thinking", "workflow", workflowID, "chars", len(ev.Text))
		case AgenticResult:
			finished = true
			result.FinalResponse = ev.Text
			result.Files = ev.Files
			result.SessionID = ev.SessionID
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
			for _, fc := range ev.Files {
				emit(fileEvent(workflowID, fc))
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return ExecResult{}, workflow.ErrCancelled
	}
	if !finished {
		return ExecResult{}, workflow.Transient("executor.stream",
			fmt.Errorf("agentic stream ended without a result"))
	}
	return result, nil
}

func fileEvent(workflowID workflow.ID, fc FileChange) workflow.Event {
	var eventType workflow.EventType
	switch fc.Op {
	case FileOpCreated:
		eventType = workflow.EventFileCreated
	case FileOpDeleted:
		eventType = workflow.EventFileDeleted
	default:
		eventType = workflow.EventFileModified
	}
	return workflow.NewEvent(workflowID, workflow.AgentDeveloper, eventType, fc.Path).
		WithData(map[string]any{"path": fc.Path, "op": string(fc.Op)})
}

func toolCallSummary(ev AgenticEvent) string {
	return fmt.Sprintf("%s(%s)", ev.Tool, truncateJSON(ev.Input, 200))
}

func toolResultSummary(ev AgenticEvent) string {
	return fmt.Sprintf("%s -> %s", ev.Tool, truncateJSON(ev.Output, 200))
}

func truncateJSON(raw json.RawMessage, max int) string {
	s := string(raw)
	if len(s) <= max {
		return s
	}
	return truncateAtRune(s, max) + "..."
}

// truncateAtRune cuts s to at most max bytes without splitting a rune.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// tailAtRune keeps at most max trailing bytes of s, starting on a
// rune boundary.
func tailAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
