package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// planSchema constrains the planner's structured output.
var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"plan_text": {"type": "string"},
		"goal": {"type": "string"},
		"key_files": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["plan_text", "goal"]
}`)

// PlanRequest carries everything the planner needs for one issue.
type PlanRequest struct {
	Model        string
	Issue        Issue
	WorktreePath string
}

// PlanResult is the planner's structured output.
type PlanResult struct {
	PlanText string   `json:"plan_text"`
	Goal     string   `json:"goal"`
	KeyFiles []string `json:"key_files"`
}

// Planner turns an issue into an implementation plan via a single
// schema-constrained driver call.
type Planner struct {
	driver Driver
}

// NewPlanner creates a Planner over the given driver.
func NewPlanner(driver Driver) *Planner {
	return &Planner{driver: driver}
}

// Plan produces a plan for the issue. Malformed structured output is a
// terminal error at this node; driver failures are transient.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (PlanResult, Usage, error) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a software architect. Produce a concise, reviewable implementation plan for the given issue. Respond with JSON only."},
		{Role: RoleUser, Content: fmt.Sprintf(
			"Issue %s: %s\n\n%s\n\nWorking copy: %s",
			req.Issue.ID, req.Issue.Title, req.Issue.Description, req.WorktreePath)},
	}

	resp, err := p.driver.Generate(ctx, GenerateRequest{
		Model:    req.Model,
		Messages: messages,
		Schema:   planSchema,
	})
	if err != nil {
		return PlanResult{}, Usage{}, workflow.Transient("planner.generate", err)
	}

	var result PlanResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return PlanResult{}, resp.Usage, workflow.Terminal("malformed-plan", err)
	}
	if result.PlanText == "" || result.Goal == "" {
		return PlanResult{}, resp.Usage, workflow.Terminal("malformed-plan", fmt.Errorf("plan_text and goal are required"))
	}

	log.Debug(log.CatAgent, "plan produced", "issue", req.Issue.ID, "key_files", len(result.KeyFiles))
	return result, resp.Usage, nil
}
