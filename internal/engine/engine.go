package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/tracing"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// Persister is the slice of the store the engine needs: boundary
// checkpoints, live event emission, and token accounting.
type Persister interface {
	SaveCheckpoint(ctx context.Context, id workflow.ID, snapshot []byte, schemaVersion int, events ...workflow.Event) ([]workflow.Event, error)
	AppendEvent(ctx context.Context, e workflow.Event) (workflow.Event, error)
	RecordTokens(ctx context.Context, u workflow.TokenUsage) error
}

// RetryPolicy bounds retries of transient node failures. Delays grow
// base*2^attempt, capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns the backoff before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Suspension describes a parked run awaiting an external decision.
type Suspension struct {
	Node          string
	ResumeNode    string
	Reason        string
	CorrelationID string
}

// Outcome is the result of a run: exactly one of Terminal or Suspended
// is set on success.
type Outcome struct {
	State     State
	Terminal  string
	Suspended *Suspension
}

// Engine executes a graph against a persister.
type Engine struct {
	graph     *Graph
	persister Persister
	retry     RetryPolicy
	tracer    trace.Tracer
}

// New creates an Engine. The graph must validate.
func New(graph *Graph, persister Persister, retry RetryPolicy) (*Engine, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return &Engine{graph: graph, persister: persister, retry: retry}, nil
}

// SetTracer installs a tracer for per-node spans. Nil disables them.
func (e *Engine) SetTracer(t trace.Tracer) {
	e.tracer = t
}

// Run starts a fresh run at the graph's entry node.
func (e *Engine) Run(ctx context.Context, id workflow.ID, initial State) (Outcome, error) {
	return e.run(ctx, id, initial, e.graph.entry)
}

// RunFrom continues a run at the given node, typically after resuming a
// suspension or decoding a checkpoint.
func (e *Engine) RunFrom(ctx context.Context, id workflow.ID, state State, node string) (Outcome, error) {
	return e.run(ctx, id, state, node)
}

func (e *Engine) run(ctx context.Context, id workflow.ID, state State, nodeID string) (Outcome, error) {
	for {
		// Cancellation is honored at node boundaries only: a node that
		// already ran has been checkpointed.
		if ctx.Err() != nil {
			return Outcome{State: state}, workflow.ErrCancelled
		}

		node, ok := e.graph.nodes[nodeID]
		if !ok {
			return Outcome{State: state}, fmt.Errorf("unknown node %q", nodeID)
		}

		stage, staged := node.(Stager)
		if staged {
			if err := e.emit(ctx, stageEvent(id, stage.StageAgent(), workflow.EventStageStarted, nodeID)); err != nil {
				return Outcome{State: state}, err
			}
		}

		log.Debug(log.CatEngine, "running node", "workflow", id, "node", nodeID)
		nodeCtx, span := e.startNodeSpan(ctx, id, nodeID, stage)
		result, err := e.runWithRetry(nodeCtx, id, node, state)
		endNodeSpan(span, err)
		if err != nil {
			return Outcome{State: state}, err
		}

		state = state.Merge(result.Delta)

		for _, u := range result.Usage {
			u.WorkflowID = id
			if err := e.persister.RecordTokens(ctx, u); err != nil {
				log.ErrorErr(log.CatEngine, "recording token usage", err, "workflow", id)
			}
		}

		events := result.Events
		for i := range events {
			events[i].WorkflowID = id
		}
		if staged {
			events = append(events, stageEvent(id, stage.StageAgent(), workflow.EventStageCompleted, nodeID))
		}

		route := result.Route
		if route.isZero() {
			next, err := e.graph.route(nodeID, state)
			if err != nil {
				return Outcome{State: state}, err
			}
			route = Goto(next)
		}

		switch {
		case route.Suspend != nil:
			if err := e.checkpoint(ctx, id, route.Suspend.ResumeNode, state, events); err != nil {
				return Outcome{State: state}, err
			}
			return Outcome{State: state, Suspended: &Suspension{
				Node:          nodeID,
				ResumeNode:    route.Suspend.ResumeNode,
				Reason:        route.Suspend.Reason,
				CorrelationID: route.Suspend.CorrelationID,
			}}, nil

		case route.Terminal:
			if err := e.checkpoint(ctx, id, "", state, events); err != nil {
				return Outcome{State: state}, err
			}
			return Outcome{State: state, Terminal: route.Reason}, nil

		default:
			if err := e.checkpoint(ctx, id, route.To, state, events); err != nil {
				return Outcome{State: state}, err
			}
			nodeID = route.To
		}
	}
}

// runWithRetry runs the node, retrying transient failures with backoff.
func (e *Engine) runWithRetry(ctx context.Context, id workflow.ID, node Node, state State) (NodeResult, error) {
	emit := func(ev workflow.Event) {
		ev.WorkflowID = id
		if err := e.emit(ctx, ev); err != nil {
			log.ErrorErr(log.CatEngine, "emitting progress event", err, "workflow", id, "node", node.ID())
		}
	}

	for attempt := 0; ; attempt++ {
		result := node.Run(ctx, state, emit)
		if result.Err == nil {
			return result, nil
		}
		if !workflow.IsTransient(result.Err) || attempt >= e.retry.MaxRetries {
			return NodeResult{}, result.Err
		}

		delay := e.retry.Delay(attempt)
		log.Warn(log.CatEngine, "transient node failure, retrying",
			"workflow", id, "node", node.ID(), "attempt", attempt+1, "delay", delay, "error", result.Err)
		trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
			attribute.Int(tracing.AttrNodeAttempt, attempt+1),
			attribute.String(tracing.AttrErrorMessage, result.Err.Error()),
		))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return NodeResult{}, workflow.ErrCancelled
		}
	}
}

// startNodeSpan opens a span for one node execution, retries included.
func (e *Engine) startNodeSpan(ctx context.Context, id workflow.ID, nodeID string, stage Stager) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	attrs := []attribute.KeyValue{
		attribute.String(tracing.AttrWorkflowID, string(id)),
		attribute.String(tracing.AttrNodeID, nodeID),
	}
	if stage != nil {
		attrs = append(attrs, attribute.String(tracing.AttrStageAgent, string(stage.StageAgent())))
	}
	return e.tracer.Start(ctx, tracing.SpanPrefixNode+nodeID, trace.WithAttributes(attrs...))
}

func endNodeSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(workflow.KindOf(err))))
	}
	span.End()
}

func (e *Engine) checkpoint(ctx context.Context, id workflow.ID, nextNode string, state State, events []workflow.Event) error {
	snapshot, err := EncodeCheckpoint(nextNode, state)
	if err != nil {
		return err
	}
	if _, err := e.persister.SaveCheckpoint(ctx, id, snapshot, SchemaVersion, events...); err != nil {
		return fmt.Errorf("saving checkpoint after node: %w", err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev workflow.Event) error {
	_, err := e.persister.AppendEvent(ctx, ev)
	return err
}

func stageEvent(id workflow.ID, agent workflow.Agent, eventType workflow.EventType, stage string) workflow.Event {
	return workflow.NewEvent(id, agent, eventType, stage).
		WithData(map[string]any{"stage": stage})
}
