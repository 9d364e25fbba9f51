package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amelia-dev/amelia/internal/engine"
	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/tracing"
	"github.com/amelia-dev/amelia/internal/workflow"
)

type runMode int

const (
	// runModeFresh starts a pending workflow at the graph entry.
	runModeFresh runMode = iota
	// runModeResume continues a running workflow at a checkpointed node.
	runModeResume
)

// decision is a resolved approval.
type decision struct {
	approved bool
	feedback string
	reason   string
}

// runner is the goroutine-side handle for one workflow.
type runner struct {
	id     workflow.ID
	cancel context.CancelFunc

	mu            sync.Mutex
	correlationID string
	resume        chan decision
}

func newRunner(id workflow.ID, cancel context.CancelFunc) *runner {
	return &runner{
		id:     id,
		cancel: cancel,
		resume: make(chan decision, 1),
	}
}

func (r *runner) correlation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.correlationID
}

func (r *runner) setCorrelation(id string) {
	r.mu.Lock()
	r.correlationID = id
	r.mu.Unlock()
}

func (r *runner) deliver(d decision) {
	select {
	case r.resume <- d:
	default:
		// The transition gate makes a second delivery unreachable;
		// dropping keeps deliver non-blocking regardless.
	}
}

func (r *runner) requestCancel() {
	r.cancel()
}

// spawn registers and launches a runner for the workflow.
func (s *Service) spawn(wf *workflow.Workflow, mode runMode, resumeNode string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	r := newRunner(wf.ID, cancel)

	s.mu.Lock()
	s.runners[wf.ID] = r
	s.mu.Unlock()

	if mode == runModeFresh {
		s.watchStartTimeout(wf.ID)
	}

	s.wg.Add(1)
	log.SafeGo("runner-"+string(wf.ID), func() {
		defer s.wg.Done()
		defer s.removeRunner(wf.ID)
		defer cancel()
		s.runWorkflow(ctx, r, wf, mode, resumeNode)
	})
}

// spawnRecoveredBlocked registers a runner that waits for the approval
// decision of an already-suspended workflow. The correlation id is
// recovered from the persisted APPROVAL_REQUIRED event.
func (s *Service) spawnRecoveredBlocked(wf *workflow.Workflow, cp engine.Checkpoint) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	r := newRunner(wf.ID, cancel)
	r.setCorrelation(s.recoverCorrelation(wf.ID))

	s.mu.Lock()
	s.runners[wf.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	log.SafeGo("runner-"+string(wf.ID), func() {
		defer s.wg.Done()
		defer s.removeRunner(wf.ID)
		defer cancel()
		s.waitAndResume(ctx, r, wf.ID, cp)
	})
}

// recoverCorrelation finds the correlation id of the latest persisted
// APPROVAL_REQUIRED event.
func (s *Service) recoverCorrelation(id workflow.ID) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := s.store.ListEvents(ctx, id, 0)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "recovering correlation id", err, "workflow", id)
		return ""
	}
	correlation := ""
	for _, ev := range events {
		if ev.Type == workflow.EventApprovalRequired {
			correlation = ev.CorrelationID
		}
	}
	return correlation
}

func (s *Service) runWorkflow(ctx context.Context, r *runner, wf *workflow.Workflow, mode runMode, resumeNode string) {
	id := wf.ID
	ctx, finishSpan := s.traceRun(ctx, wf)
	defer finishSpan()

	state := engine.State{
		ProfileID:    wf.ProfileID,
		IssueID:      wf.IssueID,
		WorktreePath: wf.WorktreePath,
	}

	if mode == runModeFresh {
		started := workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowStarted, "workflow started")
		if _, err := s.store.Transition(ctx, id, workflow.StatusPending, workflow.StatusRunning, "", started); err != nil {
			// Lost the race with cancellation or the start timeout.
			log.Warn(log.CatLifecycle, "workflow did not start", "workflow", id, "error", err)
			return
		}
	}

	var (
		outcome engine.Outcome
		err     error
	)
	if mode == runModeResume {
		cp, decodeErr := engine.DecodeCheckpoint(wf.StateSnapshot)
		if decodeErr != nil {
			s.finalizeError(ctx, id, decodeErr)
			return
		}
		outcome, err = s.engine.RunFrom(ctx, id, cp.State, resumeNode)
	} else {
		outcome, err = s.engine.Run(ctx, id, state)
	}

	s.settle(ctx, r, id, outcome, err)
}

// settle finalizes an engine outcome, looping through suspensions until
// the run reaches a terminal state.
func (s *Service) settle(ctx context.Context, r *runner, id workflow.ID, outcome engine.Outcome, err error) {
	for {
		if err != nil {
			s.finalizeError(ctx, id, err)
			return
		}

		if outcome.Suspended == nil {
			s.finalizeTerminal(ctx, id, outcome)
			return
		}

		r.setCorrelation(outcome.Suspended.CorrelationID)
		if err := s.store.UpdateStatus(ctx, id, workflow.StatusRunning, workflow.StatusBlocked); err != nil {
			log.ErrorErr(log.CatLifecycle, "blocking suspended workflow", err, "workflow", id)
			return
		}
		log.Info(log.CatLifecycle, "workflow awaiting approval",
			"workflow", id, "correlation_id", outcome.Suspended.CorrelationID)

		d, ok := s.awaitDecision(ctx, r, id)
		if !ok {
			return
		}

		resumeState := applyDecision(outcome.State, d)
		outcome, err = s.engine.RunFrom(ctx, id, resumeState, outcome.Suspended.ResumeNode)
	}
}

// traceRun opens a span covering the whole workflow run. The final
// status is read back from the store when the span closes.
func (s *Service) traceRun(ctx context.Context, wf *workflow.Workflow) (context.Context, func()) {
	if s.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := s.tracer.Start(ctx, tracing.SpanPrefixWorkflow+"run", trace.WithAttributes(
		attribute.String(tracing.AttrWorkflowID, string(wf.ID)),
		attribute.String(tracing.AttrIssueID, wf.IssueID),
		attribute.String(tracing.AttrProfileID, wf.ProfileID),
		attribute.String(tracing.AttrWorktreePath, wf.WorktreePath),
	))
	return ctx, func() {
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if final, err := s.store.GetWorkflow(readCtx, wf.ID); err == nil {
			span.SetAttributes(attribute.String(tracing.AttrWorkflowStatus, string(final.Status)))
		}
		span.End()
	}
}

// waitAndResume is the blocked-recovery path: wait for the decision,
// then continue from the checkpoint.
func (s *Service) waitAndResume(ctx context.Context, r *runner, id workflow.ID, cp engine.Checkpoint) {
	d, ok := s.awaitDecision(ctx, r, id)
	if !ok {
		return
	}

	resumeState := applyDecision(cp.State, d)
	outcome, err := s.engine.RunFrom(ctx, id, resumeState, cp.Node)
	s.settle(ctx, r, id, outcome, err)
}

// awaitDecision blocks until a decision arrives or the runner is
// interrupted. A cancelled blocked workflow is finalized here; a drain
// leaves it blocked for the next Recover.
func (s *Service) awaitDecision(ctx context.Context, r *runner, id workflow.ID) (decision, bool) {
	select {
	case d := <-r.resume:
		r.setCorrelation("")
		return d, true
	case <-ctx.Done():
		if s.isDraining() {
			log.Info(log.CatLifecycle, "leaving blocked workflow for recovery", "workflow", id)
			return decision{}, false
		}
		s.finalizeCancelled(context.Background(), id)
		return decision{}, false
	}
}

func applyDecision(state engine.State, d decision) engine.State {
	delta := engine.State{HumanApproved: &d.approved}
	if d.approved {
		delta.ApprovalFeedback = d.feedback
	} else {
		delta.RejectionReason = d.reason
	}
	return state.Merge(delta)
}

// finalizeTerminal maps an engine terminal reason onto a final status.
// A rejected plan still completes: the workflow did its job, the human
// said no.
func (s *Service) finalizeTerminal(ctx context.Context, id workflow.ID, outcome engine.Outcome) {
	switch outcome.Terminal {
	case engine.ReasonCompleted:
		ev := workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowCompleted, "workflow completed")
		s.finalize(ctx, id, workflow.StatusCompleted, "", ev)

	case engine.ReasonRejected:
		ev := workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowCompleted, "plan rejected").
			WithData(map[string]any{"rejected": true, "reason": outcome.State.RejectionReason})
		s.finalize(ctx, id, workflow.StatusCompleted, "", ev)

	default:
		ev := workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowFailed, outcome.Terminal)
		s.finalize(ctx, id, workflow.StatusFailed, outcome.Terminal, ev)
	}
}

func (s *Service) finalizeError(ctx context.Context, id workflow.ID, err error) {
	if errors.Is(err, workflow.ErrCancelled) {
		if s.isDraining() {
			// Keep the persisted running status; Recover resumes from the
			// last checkpoint after restart.
			log.Info(log.CatLifecycle, "leaving running workflow for recovery", "workflow", id)
			return
		}
		s.finalizeCancelled(context.Background(), id)
		return
	}

	reason := failureReason(err)
	events := []workflow.Event{
		workflow.NewEvent(id, workflow.AgentSystem, workflow.EventSystemError, err.Error()),
		workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowFailed, reason),
	}
	s.finalize(ctx, id, workflow.StatusFailed, reason, events...)
}

func (s *Service) finalizeCancelled(ctx context.Context, id workflow.ID) {
	ev := workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowCancelled, "workflow cancelled")
	s.finalize(ctx, id, workflow.StatusCancelled, "", ev)
}

func (s *Service) finalize(ctx context.Context, id workflow.ID, to workflow.Status, failureReason string, events ...workflow.Event) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "finalizing workflow", err, "workflow", id)
		return
	}
	if wf.Status.IsTerminal() {
		return
	}
	if _, err := s.store.Transition(ctx, id, wf.Status, to, failureReason, events...); err != nil {
		log.ErrorErr(log.CatLifecycle, "finalizing workflow", err, "workflow", id, "to", to)
	}
}

// failureReason extracts a stable reason string from a runner error.
func failureReason(err error) string {
	var terminal *workflow.TerminalError
	if errors.As(err, &terminal) && terminal.Reason != "" {
		return terminal.Reason
	}
	var transient *workflow.TransientError
	if errors.As(err, &transient) {
		return "retries-exhausted"
	}
	return "internal-error"
}

// watchStartTimeout fails a workflow that is still pending after the
// start timeout.
func (s *Service) watchStartTimeout(id workflow.ID) {
	if s.startTimeout <= 0 {
		return
	}
	log.SafeGo("start-timeout-"+string(id), func() {
		timer := time.NewTimer(s.startTimeout)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.baseCtx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		events := []workflow.Event{
			workflow.NewEvent(id, workflow.AgentSystem, workflow.EventSystemError, "workflow did not start in time"),
			workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowFailed, "start-timeout"),
		}
		_, err := s.store.Transition(ctx, id, workflow.StatusPending, workflow.StatusFailed, "start-timeout", events...)
		if err == nil {
			log.Warn(log.CatLifecycle, "workflow failed by start timeout", "workflow", id)
			s.stopRunner(id)
		}
	})
}
