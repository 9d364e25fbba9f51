// Package engine runs workflows as graphs of nodes over an accumulating
// state. Nodes return deltas that a reducer folds into the state; the
// engine checkpoints the state at every node boundary, atomically with
// the events that node produced. An interrupt suspends the run and
// records where to resume.
package engine

import (
	"github.com/amelia-dev/amelia/internal/agent"
)

// SchemaVersion tags checkpoint snapshots. Bump on incompatible State
// changes; snapshots with another version are treated as corrupt.
const SchemaVersion = 1

// State is the accumulated workflow state. Slice fields are append-only
// history; scalar fields are overwritten by non-zero delta values.
type State struct {
	ProfileID        string `json:"profile_id"`
	IssueID          string `json:"issue_id"`
	IssueTitle       string `json:"issue_title"`
	IssueDescription string `json:"issue_description"`
	WorktreePath     string `json:"worktree_path"`

	PlanText string   `json:"plan_text"`
	Goal     string   `json:"goal"`
	KeyFiles []string `json:"key_files,omitempty"`

	AgentHistory []string `json:"agent_history,omitempty"`
	ToolCalls    []string `json:"tool_calls,omitempty"`
	ToolResults  []string `json:"tool_results,omitempty"`

	FinalResponse   string             `json:"final_response"`
	Files           []agent.FileChange `json:"files,omitempty"`
	DriverSessionID string             `json:"driver_session_id"`

	Review          *agent.ReviewResult `json:"review,omitempty"`
	ReviewIteration int                 `json:"review_iteration"`
	ExecutePasses   int                 `json:"execute_passes"`

	// Approval decision, injected by the lifecycle before resume.
	// Never set by nodes.
	HumanApproved    *bool  `json:"human_approved,omitempty"`
	ApprovalFeedback string `json:"approval_feedback,omitempty"`
	RejectionReason  string `json:"rejection_reason,omitempty"`
}

// Merge folds a node's delta into the state: slices concatenate,
// non-zero scalars overwrite, non-nil pointers overwrite.
func (s State) Merge(delta State) State {
	out := s

	setString(&out.ProfileID, delta.ProfileID)
	setString(&out.IssueID, delta.IssueID)
	setString(&out.IssueTitle, delta.IssueTitle)
	setString(&out.IssueDescription, delta.IssueDescription)
	setString(&out.WorktreePath, delta.WorktreePath)
	setString(&out.PlanText, delta.PlanText)
	setString(&out.Goal, delta.Goal)
	setString(&out.FinalResponse, delta.FinalResponse)
	setString(&out.DriverSessionID, delta.DriverSessionID)
	setString(&out.ApprovalFeedback, delta.ApprovalFeedback)
	setString(&out.RejectionReason, delta.RejectionReason)

	out.KeyFiles = append(out.KeyFiles, delta.KeyFiles...)
	out.AgentHistory = append(out.AgentHistory, delta.AgentHistory...)
	out.ToolCalls = append(out.ToolCalls, delta.ToolCalls...)
	out.ToolResults = append(out.ToolResults, delta.ToolResults...)
	out.Files = append(out.Files, delta.Files...)

	if delta.Review != nil {
		out.Review = delta.Review
	}
	if delta.ReviewIteration != 0 {
		out.ReviewIteration = delta.ReviewIteration
	}
	if delta.ExecutePasses != 0 {
		out.ExecutePasses = delta.ExecutePasses
	}
	if delta.HumanApproved != nil {
		out.HumanApproved = delta.HumanApproved
	}

	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
