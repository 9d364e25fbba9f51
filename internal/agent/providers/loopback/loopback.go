// Package loopback provides a deterministic in-process agent backend.
// It fabricates plausible plan, execution, and review results without
// calling any model, so the server can be exercised end to end in
// development and demos.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amelia-dev/amelia/internal/agent"
)

func init() {
	agent.RegisterProvider("loopback", func() (agent.Provider, error) {
		return agent.Provider{
			Driver:  &driver{},
			Tracker: &tracker{},
		}, nil
	})
}

type driver struct{}

// Generate answers schema-constrained requests with canned structured
// output keyed off the prompt contents.
func (d *driver) Generate(_ context.Context, req agent.GenerateRequest) (agent.GenerateResponse, error) {
	prompt := lastUserContent(req.Messages)

	var text string
	switch {
	case strings.Contains(string(req.Schema), "verdict"):
		text = `{"verdict": "approved", "summary": "loopback review: changes accepted"}`
	default:
		text = fmt.Sprintf(
			`{"plan_text": "1. Inspect the issue\n2. Apply the fix\n3. Verify", "goal": %q, "key_files": []}`,
			firstLine(prompt))
	}

	return agent.GenerateResponse{
		Text: text,
		Usage: agent.Usage{
			Model:        "loopback",
			InputTokens:  int64(len(prompt) / 4),
			OutputTokens: int64(len(text) / 4),
		},
	}, nil
}

// StreamAgentic emits a short synthetic tool session and a result.
func (d *driver) StreamAgentic(_ context.Context, req agent.AgenticRequest) (<-chan agent.AgenticEvent, error) {
	usage := agent.Usage{Model: "loopback", InputTokens: 256, OutputTokens: 64}

	ch := make(chan agent.AgenticEvent, 4)
	ch <- agent.AgenticEvent{Kind: agent.AgenticThinking, Text: "loopback: pretending to work"}
	ch <- agent.AgenticEvent{
		Kind:  agent.AgenticToolCall,
		Tool:  "apply_patch",
		Input: json.RawMessage(fmt.Sprintf(`{"cwd": %q}`, req.WorkDir)),
	}
	ch <- agent.AgenticEvent{
		Kind:   agent.AgenticToolResult,
		Tool:   "apply_patch",
		Output: json.RawMessage(`{"ok": true}`),
	}
	ch <- agent.AgenticEvent{
		Kind:      agent.AgenticResult,
		Text:      "loopback: goal addressed",
		Files:     []agent.FileChange{{Path: "CHANGES.md", Op: agent.FileOpModified}},
		Usage:     &usage,
		SessionID: "loopback-session",
	}
	close(ch)
	return ch, nil
}

// tracker synthesizes issues from their ids.
type tracker struct{}

func (t *tracker) GetIssue(_ context.Context, id string) (agent.Issue, error) {
	return agent.Issue{
		ID:          id,
		Title:       "Issue " + id,
		Description: "Synthetic issue generated by the loopback provider.",
		Status:      "open",
	}, nil
}

func lastUserContent(messages []agent.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == agent.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
