package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amelia-dev/amelia/internal/agent"
	"github.com/amelia-dev/amelia/internal/profile"
	"github.com/amelia-dev/amelia/internal/tracing"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// Node ids of the coding pipeline.
const (
	NodePlan           = "plan"
	NodeAwaitApproval  = "await_approval"
	NodeResumeApproval = "resume_approval"
	NodeExecute        = "execute"
	NodeReview         = "review"
)

// Terminal reasons the pipeline can stop with.
const (
	ReasonCompleted     = "completed"
	ReasonRejected      = "rejected"
	ReasonMaxIterations = "max-iterations"
)

// SuspendReasonApproval labels the plan-approval interrupt.
const SuspendReasonApproval = "human-approval"

// PipelineConfig bounds the review loop.
type PipelineConfig struct {
	// MaxReviewIterations caps how many times the reviewer may send the
	// work back for revision.
	MaxReviewIterations int
	// MaxTaskReviewIterations caps total execute passes, revisions
	// included.
	MaxTaskReviewIterations int
}

// Pipeline bundles the agent facades the nodes call. The profile is
// re-resolved for every node run so resumes pick up the registry's
// current model bindings, never checkpointed ones.
type Pipeline struct {
	Planner  *agent.Planner
	Executor *agent.Executor
	Reviewer *agent.Reviewer
	Tracker  agent.Tracker
	Profiles *profile.Registry
	Config   PipelineConfig
}

// BuildGraph wires the plan/approve/execute/review graph.
func (p *Pipeline) BuildGraph() *Graph {
	g := NewGraph().
		AddNode(&planNode{p}).
		AddNode(&awaitApprovalNode{}).
		AddNode(&resumeApprovalNode{}).
		AddNode(&executeNode{p}).
		AddNode(&reviewNode{p}).
		SetEntry(NodePlan)

	g.AddEdge(NodePlan, NodeAwaitApproval, nil)
	g.AddEdge(NodeResumeApproval, NodeExecute, func(s State) bool {
		return s.HumanApproved != nil && *s.HumanApproved
	})
	g.AddEdge(NodeReview, NodeExecute, nil)
	return g
}

func (p *Pipeline) resolveProfile(s State) (profile.Profile, error) {
	prof, err := p.Profiles.Get(s.ProfileID)
	if err != nil {
		return profile.Profile{}, workflow.Terminal("profile-missing", err)
	}
	return prof, nil
}

type planNode struct{ p *Pipeline }

func (n *planNode) ID() string                 { return NodePlan }
func (n *planNode) StageAgent() workflow.Agent { return workflow.AgentArchitect }

func (n *planNode) Run(ctx context.Context, state State, _ EmitFunc) NodeResult {
	prof, err := n.p.resolveProfile(state)
	if err != nil {
		return NodeResult{Err: err}
	}

	issue, err := n.p.Tracker.GetIssue(ctx, state.IssueID)
	if err != nil {
		return NodeResult{Err: workflow.Transient("tracker.get_issue", err)}
	}

	result, usage, err := n.p.Planner.Plan(ctx, agent.PlanRequest{
		Model:        prof.PlannerModel,
		Issue:        issue,
		WorktreePath: state.WorktreePath,
	})
	if err != nil {
		return NodeResult{Err: err}
	}

	return NodeResult{
		Delta: State{
			IssueTitle:       issue.Title,
			IssueDescription: issue.Description,
			PlanText:         result.PlanText,
			Goal:             result.Goal,
			KeyFiles:         result.KeyFiles,
			AgentHistory:     []string{"plan: " + result.Goal},
		},
		Usage: []workflow.TokenUsage{tokenUsage(workflow.AgentArchitect, usage)},
	}
}

type awaitApprovalNode struct{}

func (n *awaitApprovalNode) ID() string { return NodeAwaitApproval }

func (n *awaitApprovalNode) Run(ctx context.Context, state State, _ EmitFunc) NodeResult {
	correlationID := uuid.New().String()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(tracing.AttrCorrelationID, correlationID))

	required := workflow.NewEvent("", workflow.AgentSystem, workflow.EventApprovalRequired,
		"plan ready for review").
		WithData(map[string]any{"plan_text": state.PlanText, "goal": state.Goal}).
		WithCorrelation(correlationID)

	return NodeResult{
		Events: []workflow.Event{required},
		Route:  Suspend(SuspendReasonApproval, correlationID, NodeResumeApproval),
	}
}

type resumeApprovalNode struct{}

func (n *resumeApprovalNode) ID() string { return NodeResumeApproval }

func (n *resumeApprovalNode) Run(_ context.Context, state State, _ EmitFunc) NodeResult {
	if state.HumanApproved == nil {
		return NodeResult{Err: fmt.Errorf("resumed without an approval decision")}
	}
	if !*state.HumanApproved {
		return NodeResult{Route: Stop(ReasonRejected)}
	}
	// Approved: routing falls through to the conditional edge.
	return NodeResult{}
}

type executeNode struct{ p *Pipeline }

func (n *executeNode) ID() string                 { return NodeExecute }
func (n *executeNode) StageAgent() workflow.Agent { return workflow.AgentDeveloper }

func (n *executeNode) Run(ctx context.Context, state State, emit EmitFunc) NodeResult {
	prof, err := n.p.resolveProfile(state)
	if err != nil {
		return NodeResult{Err: err}
	}

	result, err := n.p.Executor.Execute(ctx, "", agent.ExecRequest{
		Model:     prof.ExecutorModel,
		Goal:      n.goal(state),
		WorkDir:   state.WorktreePath,
		SessionID: state.DriverSessionID,
	}, agent.EmitFunc(emit))
	if err != nil {
		return NodeResult{Err: err}
	}

	return NodeResult{
		Delta: State{
			FinalResponse:   result.FinalResponse,
			Files:           result.Files,
			ToolCalls:       result.ToolCalls,
			ToolResults:     result.ToolResults,
			DriverSessionID: result.SessionID,
			ExecutePasses:   state.ExecutePasses + 1,
			AgentHistory:    []string{fmt.Sprintf("execute pass %d: %d files changed", state.ExecutePasses+1, len(result.Files))},
		},
		Usage: []workflow.TokenUsage{tokenUsage(workflow.AgentDeveloper, result.Usage)},
	}
}

// goal folds approval feedback and reviewer findings into the prompt for
// revision passes.
func (n *executeNode) goal(state State) string {
	var b strings.Builder
	b.WriteString(state.Goal)
	fmt.Fprintf(&b, "\n\nPlan:\n%s", state.PlanText)
	if state.ApprovalFeedback != "" {
		fmt.Fprintf(&b, "\n\nReviewer guidance from approval:\n%s", state.ApprovalFeedback)
	}
	if state.Review != nil && state.Review.Verdict == agent.VerdictChangesRequested {
		fmt.Fprintf(&b, "\n\nAddress these review findings:\n- %s",
			strings.Join(state.Review.Issues, "\n- "))
	}
	return b.String()
}

type reviewNode struct{ p *Pipeline }

func (n *reviewNode) ID() string                 { return NodeReview }
func (n *reviewNode) StageAgent() workflow.Agent { return workflow.AgentReviewer }

func (n *reviewNode) Run(ctx context.Context, state State, emit EmitFunc) NodeResult {
	prof, err := n.p.resolveProfile(state)
	if err != nil {
		return NodeResult{Err: err}
	}

	emit(workflow.NewEvent("", workflow.AgentReviewer, workflow.EventReviewRequested,
		fmt.Sprintf("review iteration %d", state.ReviewIteration+1)))

	result, usage, err := n.p.Reviewer.Review(ctx, agent.ReviewRequest{
		Model:         prof.ReviewerModel,
		PlanText:      state.PlanText,
		Goal:          state.Goal,
		FinalResponse: state.FinalResponse,
		Files:         state.Files,
		Iteration:     state.ReviewIteration + 1,
	})
	if err != nil {
		return NodeResult{Err: err}
	}

	iteration := state.ReviewIteration + 1
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(tracing.AttrVerdict, string(result.Verdict)),
		attribute.Int(tracing.AttrReviewIteration, iteration))
	delta := State{
		Review:          &result,
		ReviewIteration: iteration,
		AgentHistory:    []string{fmt.Sprintf("review %d: %s", iteration, result.Verdict)},
	}
	events := []workflow.Event{
		workflow.NewEvent("", workflow.AgentReviewer, workflow.EventReviewCompleted, result.Summary).
			WithData(map[string]any{"verdict": string(result.Verdict), "iteration": iteration}),
	}
	nodeResult := NodeResult{
		Delta:  delta,
		Events: events,
		Usage:  []workflow.TokenUsage{tokenUsage(workflow.AgentReviewer, usage)},
	}

	if result.Verdict == agent.VerdictApproved {
		nodeResult.Route = Stop(ReasonCompleted)
		return nodeResult
	}

	if iteration >= n.p.Config.MaxReviewIterations ||
		state.ExecutePasses >= n.p.Config.MaxTaskReviewIterations {
		nodeResult.Route = Stop(ReasonMaxIterations)
		return nodeResult
	}

	nodeResult.Events = append(nodeResult.Events,
		workflow.NewEvent("", workflow.AgentReviewer, workflow.EventRevisionRequested,
			"changes requested").
			WithData(map[string]any{"issues": result.Issues, "iteration": iteration}))
	// Routing falls through to the review -> execute edge.
	return nodeResult
}

func tokenUsage(a workflow.Agent, u agent.Usage) workflow.TokenUsage {
	return workflow.TokenUsage{
		ID:                  uuid.New().String(),
		Agent:               a,
		Timestamp:           time.Now().UTC(),
		Model:               u.Model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		Cost:                u.Cost,
	}
}
