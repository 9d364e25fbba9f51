package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/internal/agent"
	"github.com/amelia-dev/amelia/internal/agent/mock"
	"github.com/amelia-dev/amelia/internal/engine"
	"github.com/amelia-dev/amelia/internal/profile"
	"github.com/amelia-dev/amelia/internal/store"
	"github.com/amelia-dev/amelia/internal/workflow"
)

const (
	planJSON     = `{"plan_text": "1. fix it", "goal": "fix the bug"}`
	approvedJSON = `{"verdict": "approved", "summary": "good"}`
)

func execResult() agent.AgenticEvent {
	return agent.AgenticEvent{
		Kind:      agent.AgenticResult,
		Text:      "done",
		Files:     []agent.FileChange{{Path: "main.go", Op: agent.FileOpModified}},
		Usage:     &agent.Usage{Model: "m", InputTokens: 10, OutputTokens: 5},
		SessionID: "sess-1",
	}
}

// happyDriver scripts a full plan -> execute -> approved review run.
func happyDriver() *mock.Driver {
	return mock.NewDriver().
		GenerateText(planJSON, agent.Usage{Model: "m", InputTokens: 100, OutputTokens: 50}).
		GenerateText(approvedJSON, agent.Usage{Model: "m", InputTokens: 40, OutputTokens: 10}).
		StreamEvents(execResult())
}

type fixture struct {
	svc   *Service
	store *store.Store
	dir   string
}

func newFixture(t *testing.T, driver *mock.Driver, maxConcurrent int) *fixture {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "amelia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewStore(db, maxConcurrent)
	return &fixture{svc: newService(t, st, driver), store: st, dir: t.TempDir()}
}

func newService(t *testing.T, st *store.Store, driver *mock.Driver) *Service {
	t.Helper()

	profiles, err := profile.NewRegistry("")
	require.NoError(t, err)

	svc, err := NewService(Options{
		Store: st,
		Pipeline: &engine.Pipeline{
			Planner:  agent.NewPlanner(driver),
			Executor: agent.NewExecutor(driver),
			Reviewer: agent.NewReviewer(driver),
			Tracker:  mock.NewTracker(agent.Issue{ID: "ISS-1", Title: "Bug", Description: "it breaks"}),
			Profiles: profiles,
			Config:   engine.PipelineConfig{MaxReviewIterations: 3, MaxTaskReviewIterations: 5},
		},
		Profiles:     profiles,
		Retry:        engine.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		StartTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func (f *fixture) worktree(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp(f.dir, "wt")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func (f *fixture) waitForStatus(t *testing.T, id workflow.ID, want workflow.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		wf, err := f.store.GetWorkflow(context.Background(), id)
		return err == nil && wf.Status == want
	}, 5*time.Second, 10*time.Millisecond, "workflow never reached %s", want)
}

func (f *fixture) eventTypes(t *testing.T, id workflow.ID) []workflow.EventType {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	types := make([]workflow.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestService_HappyPath(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPending, wf.Status)

	f.waitForStatus(t, wf.ID, workflow.StatusBlocked)

	require.Equal(t, []workflow.EventType{
		workflow.EventWorkflowStarted,
		workflow.EventStageStarted,
		workflow.EventStageCompleted,
		workflow.EventApprovalRequired,
	}, f.eventTypes(t, wf.ID))

	require.NoError(t, f.svc.Approve(ctx, wf.ID, ""))
	f.waitForStatus(t, wf.ID, workflow.StatusCompleted)

	require.Equal(t, []workflow.EventType{
		workflow.EventWorkflowStarted,
		workflow.EventStageStarted, // plan
		workflow.EventStageCompleted,
		workflow.EventApprovalRequired,
		workflow.EventApprovalGranted,
		workflow.EventStageStarted, // execute
		workflow.EventFileModified,
		workflow.EventStageCompleted,
		workflow.EventStageStarted, // review
		workflow.EventReviewRequested,
		workflow.EventReviewCompleted,
		workflow.EventStageCompleted,
		workflow.EventWorkflowCompleted,
	}, f.eventTypes(t, wf.ID))

	// Sequences are dense from 1.
	events, err := f.store.ListEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Sequence)
	}

	// Approval request and grant share a correlation id.
	var requiredCorr, grantedCorr string
	for _, e := range events {
		switch e.Type {
		case workflow.EventApprovalRequired:
			requiredCorr = e.CorrelationID
		case workflow.EventApprovalGranted:
			grantedCorr = e.CorrelationID
		}
	}
	require.NotEmpty(t, requiredCorr)
	require.Equal(t, requiredCorr, grantedCorr)

	// Token usage was recorded for all three agents.
	totals, err := f.store.TokenTotals(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, totals, 3)
}

func TestService_RejectCompletesWithMarker(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	f.waitForStatus(t, wf.ID, workflow.StatusBlocked)

	require.NoError(t, f.svc.Reject(ctx, wf.ID, "wrong approach"))
	f.waitForStatus(t, wf.ID, workflow.StatusCompleted)

	events, err := f.store.ListEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, workflow.EventWorkflowCompleted, last.Type)
	require.Equal(t, true, last.Data["rejected"])
	require.Equal(t, "wrong approach", last.Data["reason"])

	// No execute stage ran.
	for _, typ := range f.eventTypes(t, wf.ID) {
		require.NotEqual(t, workflow.EventFileModified, typ)
	}
}

func TestService_DoubleApproveFails(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	f.waitForStatus(t, wf.ID, workflow.StatusBlocked)

	require.NoError(t, f.svc.Approve(ctx, wf.ID, ""))

	err = f.svc.Approve(ctx, wf.ID, "")
	require.Error(t, err)
	require.Equal(t, workflow.KindInvalidState, workflow.KindOf(err))
}

func TestService_ApproveUnknownWorkflow(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)

	err := f.svc.Approve(context.Background(), workflow.NewID(), "")
	require.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}

func TestService_CancelBlocked(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	f.waitForStatus(t, wf.ID, workflow.StatusBlocked)

	require.NoError(t, f.svc.Cancel(ctx, wf.ID))
	f.waitForStatus(t, wf.ID, workflow.StatusCancelled)

	types := f.eventTypes(t, wf.ID)
	require.Equal(t, workflow.EventWorkflowCancelled, types[len(types)-1])

	// Cancelling a terminal workflow is rejected.
	err = f.svc.Cancel(ctx, wf.ID)
	require.Equal(t, workflow.KindInvalidState, workflow.KindOf(err))
}

func TestService_ValidationErrors(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "", f.worktree(t), "")
	require.Equal(t, workflow.KindValidation, workflow.KindOf(err))

	_, err = f.svc.Start(ctx, "ISS-1", filepath.Join(f.dir, "absent"), "")
	require.Equal(t, workflow.KindValidation, workflow.KindOf(err))

	// Directory without .git
	plain := filepath.Join(f.dir, "plain")
	require.NoError(t, os.Mkdir(plain, 0o755))
	_, err = f.svc.Start(ctx, "ISS-1", plain, "")
	require.Equal(t, workflow.KindValidation, workflow.KindOf(err))

	_, err = f.svc.Start(ctx, "ISS-1", f.worktree(t), "ghost-profile")
	require.Equal(t, workflow.KindValidation, workflow.KindOf(err))
}

func TestService_WorktreeConflict(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()
	wt := f.worktree(t)

	_, err := f.svc.Start(ctx, "ISS-1", wt, "")
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, "ISS-1", wt, "")
	require.Equal(t, workflow.KindConflict, workflow.KindOf(err))
}

func TestService_CapacityLimit(t *testing.T) {
	f := newFixture(t, happyDriver(), 1)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	f.waitForStatus(t, wf.ID, workflow.StatusBlocked)

	_, err = f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.Equal(t, workflow.KindCapacity, workflow.KindOf(err))

	// A terminal workflow frees the slot.
	require.NoError(t, f.svc.Cancel(ctx, wf.ID))
	f.waitForStatus(t, wf.ID, workflow.StatusCancelled)

	_, err = f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
}

func TestService_RecoverBlockedSurvivesRestart(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	f.waitForStatus(t, wf.ID, workflow.StatusBlocked)

	// Simulate a restart: drain the first service, bring up a second on
	// the same store.
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))

	wf2, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusBlocked, wf2.Status, "blocked survives shutdown")

	// The resumed run only needs the execute pass and the review verdict.
	resumeDriver := mock.NewDriver().
		GenerateText(approvedJSON, agent.Usage{}).
		StreamEvents(execResult())
	svc2 := newService(t, f.store, resumeDriver)
	require.NoError(t, svc2.Recover(ctx))

	require.NoError(t, svc2.Approve(ctx, wf.ID, ""))
	f.waitForStatus(t, wf.ID, workflow.StatusCompleted)
}

func TestService_RecoverFailsRunningWithCorruptCheckpoint(t *testing.T) {
	f := newFixture(t, happyDriver(), 5)
	ctx := context.Background()

	// Fabricate a crash leftover: a running workflow with no snapshot.
	wf, err := f.store.CreateWorkflow(ctx, "ISS-9", f.worktree(t), "")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(ctx, wf.ID, workflow.StatusPending, workflow.StatusRunning))

	require.NoError(t, f.svc.Recover(ctx))
	f.waitForStatus(t, wf.ID, workflow.StatusFailed)

	got, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "crash-recovery", got.FailureReason)

	types := f.eventTypes(t, wf.ID)
	require.Contains(t, types, workflow.EventSystemError)
	require.Equal(t, workflow.EventWorkflowFailed, types[len(types)-1])
}

func TestService_RetriesExhaustedFailsWorkflow(t *testing.T) {
	driver := mock.NewDriver().GenerateErr(os.ErrDeadlineExceeded)
	f := newFixture(t, driver, 5)
	ctx := context.Background()

	wf, err := f.svc.Start(ctx, "ISS-1", f.worktree(t), "")
	require.NoError(t, err)
	f.waitForStatus(t, wf.ID, workflow.StatusFailed)

	got, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "retries-exhausted", got.FailureReason)
}

func TestValidateWorktree(t *testing.T) {
	require.Error(t, validateWorktree(""))

	dir := t.TempDir()
	require.Error(t, validateWorktree(filepath.Join(dir, "nope")))
	require.Error(t, validateWorktree(dir), "no .git entry")

	// Linked worktrees have .git as a file.
	linked := filepath.Join(dir, "linked")
	require.NoError(t, os.Mkdir(linked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(linked, ".git"), []byte("gitdir: ../x\n"), 0o644))
	require.NoError(t, validateWorktree(linked))
}
