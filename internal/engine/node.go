package engine

import (
	"context"

	"github.com/amelia-dev/amelia/internal/workflow"
)

// EmitFunc persists and publishes an event immediately, outside the
// node-boundary batch. Nodes use it for progress events that must be
// visible while the node is still running.
type EmitFunc func(workflow.Event)

// Node is one step of the graph.
type Node interface {
	ID() string
	Run(ctx context.Context, state State, emit EmitFunc) NodeResult
}

// Stager marks nodes that represent a pipeline stage. The engine brackets
// staged nodes with STAGE_STARTED and STAGE_COMPLETED events attributed
// to the stage's agent.
type Stager interface {
	StageAgent() workflow.Agent
}

// NodeResult is everything a node hands back to the engine. Events are
// committed atomically with the post-node checkpoint. A zero Route defers
// routing to the graph's edges.
type NodeResult struct {
	Delta  State
	Events []workflow.Event
	Usage  []workflow.TokenUsage
	Route  Next
	Err    error
}

// SuspendRequest asks the engine to park the run until an external
// decision arrives.
type SuspendRequest struct {
	Reason        string
	CorrelationID string
	ResumeNode    string
}

// Next is a routing decision: continue to a node, stop, or suspend.
type Next struct {
	To       string
	Terminal bool
	Reason   string
	Suspend  *SuspendRequest
}

// Goto routes to the named node.
func Goto(id string) Next {
	return Next{To: id}
}

// Stop ends the run with a terminal reason.
func Stop(reason string) Next {
	return Next{Terminal: true, Reason: reason}
}

// Suspend parks the run; resumeNode runs when the decision arrives.
func Suspend(reason, correlationID, resumeNode string) Next {
	return Next{Suspend: &SuspendRequest{
		Reason:        reason,
		CorrelationID: correlationID,
		ResumeNode:    resumeNode,
	}}
}

func (n Next) isZero() bool {
	return n.To == "" && !n.Terminal && n.Suspend == nil
}
