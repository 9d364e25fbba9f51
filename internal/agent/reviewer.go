package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// Verdict is the reviewer's decision.
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
)

var reviewSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"verdict": {"type": "string", "enum": ["approved", "changes_requested"]},
		"summary": {"type": "string"},
		"issues": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["verdict", "summary"]
}`)

// ReviewRequest carries the work to be judged.
type ReviewRequest struct {
	Model         string
	PlanText      string
	Goal          string
	FinalResponse string
	Files         []FileChange
	Iteration     int
}

// ReviewResult is the reviewer's structured output.
type ReviewResult struct {
	Verdict Verdict  `json:"verdict"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
}

// Reviewer judges executed work against its plan. It feeds the model a
// diff summary of the changed files rather than whole file bodies.
type Reviewer struct {
	driver Driver
	dmp    *diffmatchpatch.DiffMatchPatch
}

// NewReviewer creates a Reviewer over the given driver.
func NewReviewer(driver Driver) *Reviewer {
	return &Reviewer{driver: driver, dmp: diffmatchpatch.New()}
}

// Review asks the model for a verdict on the executed changes. Malformed
// structured output is terminal; driver failures are transient.
func (r *Reviewer) Review(ctx context.Context, req ReviewRequest) (ReviewResult, Usage, error) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a code reviewer. Judge whether the changes fulfil the plan. Respond with JSON only."},
		{Role: RoleUser, Content: r.reviewPrompt(req)},
	}

	resp, err := r.driver.Generate(ctx, GenerateRequest{
		Model:    req.Model,
		Messages: messages,
		Schema:   reviewSchema,
	})
	if err != nil {
		return ReviewResult{}, Usage{}, workflow.Transient("reviewer.generate", err)
	}

	var result ReviewResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return ReviewResult{}, resp.Usage, workflow.Terminal("malformed-review", err)
	}
	if result.Verdict != VerdictApproved && result.Verdict != VerdictChangesRequested {
		return ReviewResult{}, resp.Usage, workflow.Terminal("malformed-review",
			fmt.Errorf("unknown verdict %q", result.Verdict))
	}

	log.Debug(log.CatAgent, "review complete",
		"verdict", result.Verdict, "issues", len(result.Issues), "iteration", req.Iteration)
	return result, resp.Usage, nil
}

func (r *Reviewer) reviewPrompt(req ReviewRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan:\n%s\n\nGoal: %s\n\n", req.PlanText, req.Goal)
	fmt.Fprintf(&b, "Agent report (iteration %d):\n%s\n\n", req.Iteration, req.FinalResponse)
	b.WriteString("Changes:\n")
	b.WriteString(r.DiffSummary(req.Files))
	return b.String()
}

// DiffSummary renders a compact per-file change summary. Files without
// captured content fall back to a one-line marker.
func (r *Reviewer) DiffSummary(files []FileChange) string {
	if len(files) == 0 {
		return "(no file changes reported)\n"
	}

	var b strings.Builder
	for _, fc := range files {
		switch {
		case fc.Op == FileOpDeleted:
			fmt.Fprintf(&b, "--- %s (deleted)\n", fc.Path)
		case fc.Before == "" && fc.After == "":
			fmt.Fprintf(&b, "--- %s (%s, content not captured)\n", fc.Path, fc.Op)
		default:
			diffs := r.dmp.DiffMain(fc.Before, fc.After, false)
			r.dmp.DiffCleanupSemantic(diffs)
			added, removed := diffStats(diffs)
			fmt.Fprintf(&b, "--- %s (%s, +%d/-%d chars)\n", fc.Path, fc.Op, added, removed)
			b.WriteString(renderDiff(diffs))
		}
	}
	return b.String()
}

func diffStats(diffs []diffmatchpatch.Diff) (added, removed int) {
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return added, removed
}

// renderDiff prints only the changed hunks, with a little context.
func renderDiff(diffs []diffmatchpatch.Diff) string {
	const contextChars = 40
	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(&b, "+%s\n", strings.TrimRight(d.Text, "\n"))
		case diffmatchpatch.DiffDelete:
			fmt.Fprintf(&b, "-%s\n", strings.TrimRight(d.Text, "\n"))
		case diffmatchpatch.DiffEqual:
			text := d.Text
			if len(text) > contextChars {
				text = truncateAtRune(text, contextChars/2) + " ... " + tailAtRune(text, contextChars/2)
			}
			fmt.Fprintf(&b, " %s\n", strings.TrimRight(text, "\n"))
		}
	}
	return b.String()
}
