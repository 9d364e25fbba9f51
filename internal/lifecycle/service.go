// Package lifecycle owns workflow execution from admission to terminal
// state: it validates requests, spawns a runner per workflow, mediates
// human approval decisions, cancels cooperatively, recovers persisted
// workflows at startup, and drains runners at shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/amelia-dev/amelia/internal/engine"
	"github.com/amelia-dev/amelia/internal/git"
	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/profile"
	"github.com/amelia-dev/amelia/internal/store"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// Options configures a Service.
type Options struct {
	Store    *store.Store
	Pipeline *engine.Pipeline
	Profiles *profile.Registry
	Retry    engine.RetryPolicy

	// Tracer, when set, produces a span per workflow run and per node.
	Tracer trace.Tracer

	// StartTimeout bounds how long a workflow may sit pending before it
	// is failed.
	StartTimeout time.Duration
}

// Service drives workflows through their lifecycle.
type Service struct {
	store    *store.Store
	engine   *engine.Engine
	profiles *profile.Registry
	tracer   trace.Tracer

	startTimeout time.Duration

	mu       sync.Mutex
	runners  map[workflow.ID]*runner
	closed   bool
	draining bool
	wg       sync.WaitGroup

	// base context for runner goroutines, cancelled on shutdown
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewService builds the service and its engine. The pipeline graph must
// validate.
func NewService(opts Options) (*Service, error) {
	eng, err := engine.New(opts.Pipeline.BuildGraph(), opts.Store, opts.Retry)
	if err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}
	eng.SetTracer(opts.Tracer)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Service{
		store:        opts.Store,
		engine:       eng,
		profiles:     opts.Profiles,
		tracer:       opts.Tracer,
		startTimeout: opts.StartTimeout,
		runners:      make(map[workflow.ID]*runner),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}, nil
}

// Start admits a new workflow and spawns its runner. It returns
// ValidationError for a bad request, ConflictError when the worktree is
// already leased, and CapacityError at the concurrency cap.
func (s *Service) Start(ctx context.Context, issueID, worktreePath, profileID string) (*workflow.Workflow, error) {
	if issueID == "" {
		return nil, &workflow.ValidationError{Field: "issue_id", Reason: "is required"}
	}
	if err := validateWorktree(worktreePath); err != nil {
		return nil, err
	}
	if _, err := s.profiles.Get(profileID); err != nil {
		return nil, &workflow.ValidationError{Field: "profile_id", Reason: "unknown profile"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("service is shutting down")
	}
	s.mu.Unlock()

	wf, err := s.store.CreateWorkflow(ctx, issueID, worktreePath, profileID)
	if err != nil {
		return nil, err
	}

	s.spawn(wf, runModeFresh, "")
	return wf, nil
}

// validateWorktree requires an existing directory that git.Inspect
// accepts as a worktree. Linked worktrees carry .git as a pointer
// file and pass too.
func validateWorktree(path string) error {
	if path == "" {
		return &workflow.ValidationError{Field: "worktree_path", Reason: "is required"}
	}
	info, err := git.Inspect(path)
	switch {
	case errors.Is(err, git.ErrNotExist):
		return &workflow.ValidationError{Field: "worktree_path", Reason: "does not exist"}
	case errors.Is(err, git.ErrNotDirectory):
		return &workflow.ValidationError{Field: "worktree_path", Reason: "is not a directory"}
	case err != nil:
		return &workflow.ValidationError{Field: "worktree_path", Reason: "is not a git worktree"}
	}
	log.Debug(log.CatLifecycle, "worktree validated",
		"path", info.Path, "branch", info.Branch, "linked", info.Linked)
	return nil
}

// Approve resolves a pending approval positively. Feedback is passed to
// the executor as guidance. A workflow that is not blocked returns
// InvalidStateError; approving twice therefore fails the second time.
func (s *Service) Approve(ctx context.Context, id workflow.ID, feedback string) error {
	return s.decide(ctx, id, decision{approved: true, feedback: feedback})
}

// Reject resolves a pending approval negatively with a reason.
func (s *Service) Reject(ctx context.Context, id workflow.ID, reason string) error {
	return s.decide(ctx, id, decision{approved: false, reason: reason})
}

func (s *Service) decide(ctx context.Context, id workflow.ID, d decision) error {
	s.mu.Lock()
	r, ok := s.runners[id]
	s.mu.Unlock()

	var correlationID string
	if ok {
		correlationID = r.correlation()
	}
	if correlationID == "" {
		wf, err := s.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		return &workflow.InvalidStateError{WorkflowID: id, Current: wf.Status, Attempted: workflow.StatusRunning}
	}

	// The transition is the single-decision gate: a second decision finds
	// the workflow running and fails with InvalidStateError.
	ev := decisionEvent(id, d, correlationID)
	if _, err := s.store.Transition(ctx, id, workflow.StatusBlocked, workflow.StatusRunning, "", ev); err != nil {
		return err
	}

	r.deliver(d)
	return nil
}

func decisionEvent(id workflow.ID, d decision, correlationID string) workflow.Event {
	if d.approved {
		ev := workflow.NewEvent(id, workflow.AgentSystem, workflow.EventApprovalGranted, "plan approved")
		if d.feedback != "" {
			ev = ev.WithData(map[string]any{"feedback": d.feedback})
		}
		return ev.WithCorrelation(correlationID)
	}
	return workflow.NewEvent(id, workflow.AgentSystem, workflow.EventApprovalRejected, "plan rejected").
		WithData(map[string]any{"reason": d.reason}).
		WithCorrelation(correlationID)
}

// Cancel stops a workflow cooperatively. Pending workflows are cancelled
// in place; running and blocked ones are interrupted at the next node
// boundary. Terminal workflows return InvalidStateError.
func (s *Service) Cancel(ctx context.Context, id workflow.ID) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}

	switch wf.Status {
	case workflow.StatusPending:
		_, err := s.store.Transition(ctx, id, workflow.StatusPending, workflow.StatusCancelled, "",
			workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowCancelled, "cancelled before start"))
		if err != nil {
			return err
		}
		s.stopRunner(id)
		return nil

	case workflow.StatusRunning, workflow.StatusBlocked:
		s.mu.Lock()
		r, ok := s.runners[id]
		s.mu.Unlock()
		if !ok {
			// No live runner (e.g. crash leftovers): finalize directly.
			_, err := s.store.Transition(ctx, id, wf.Status, workflow.StatusCancelled, "",
				workflow.NewEvent(id, workflow.AgentSystem, workflow.EventWorkflowCancelled, "cancelled"))
			return err
		}
		r.requestCancel()
		return nil

	default:
		return &workflow.InvalidStateError{WorkflowID: id, Current: wf.Status, Attempted: workflow.StatusCancelled}
	}
}

// Recover reconciles persisted workflows after a restart. Blocked
// workflows wait for their decision again; running workflows resume from
// their last safe checkpoint or fail; pending ones start fresh.
func (s *Service) Recover(ctx context.Context) error {
	workflows, err := s.store.ListWorkflows(ctx, store.Filter{})
	if err != nil {
		return err
	}

	for _, wf := range workflows {
		switch wf.Status {
		case workflow.StatusPending:
			log.Info(log.CatLifecycle, "recovering pending workflow", "workflow", wf.ID)
			s.spawn(wf, runModeFresh, "")

		case workflow.StatusBlocked:
			cp, err := engine.DecodeCheckpoint(wf.StateSnapshot)
			if err != nil {
				s.failRecovered(ctx, wf, engine.CorruptReason, err)
				continue
			}
			log.Info(log.CatLifecycle, "recovering blocked workflow", "workflow", wf.ID)
			s.spawnRecoveredBlocked(wf, cp)

		case workflow.StatusRunning:
			cp, err := engine.DecodeCheckpoint(wf.StateSnapshot)
			if err != nil || cp.Node == "" {
				s.failRecovered(ctx, wf, "crash-recovery", err)
				continue
			}
			log.Info(log.CatLifecycle, "resuming workflow from checkpoint", "workflow", wf.ID, "node", cp.Node)
			s.spawn(wf, runModeResume, cp.Node)
		}
	}
	return nil
}

func (s *Service) failRecovered(ctx context.Context, wf *workflow.Workflow, reason string, cause error) {
	msg := "workflow could not be recovered"
	if cause != nil {
		msg = cause.Error()
	}
	events := []workflow.Event{
		workflow.NewEvent(wf.ID, workflow.AgentSystem, workflow.EventSystemError, msg),
		workflow.NewEvent(wf.ID, workflow.AgentSystem, workflow.EventWorkflowFailed, reason),
	}
	if _, err := s.store.Transition(ctx, wf.ID, wf.Status, workflow.StatusFailed, reason, events...); err != nil {
		log.ErrorErr(log.CatLifecycle, "failing unrecoverable workflow", err, "workflow", wf.ID)
	}
}

// Shutdown stops admission, interrupts runners, and waits for them to
// drain or for ctx to expire. Interrupted running workflows keep their
// persisted status so Recover can resume them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.draining = true
	s.mu.Unlock()

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info(log.CatLifecycle, "all runners drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for runners: %w", ctx.Err())
	}
}

// RunnerCount returns the number of live runners.
func (s *Service) RunnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

func (s *Service) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Service) stopRunner(id workflow.ID) {
	s.mu.Lock()
	r, ok := s.runners[id]
	s.mu.Unlock()
	if ok {
		r.requestCancel()
	}
}

func (s *Service) removeRunner(id workflow.ID) {
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
}
