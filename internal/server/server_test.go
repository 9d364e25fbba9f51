package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/internal/agent"
	"github.com/amelia-dev/amelia/internal/agent/mock"
	"github.com/amelia-dev/amelia/internal/bus"
	"github.com/amelia-dev/amelia/internal/engine"
	"github.com/amelia-dev/amelia/internal/lifecycle"
	"github.com/amelia-dev/amelia/internal/profile"
	"github.com/amelia-dev/amelia/internal/store"
	"github.com/amelia-dev/amelia/internal/workflow"
)

const (
	planJSON     = `{"plan_text": "1. fix", "goal": "fix it"}`
	approvedJSON = `{"verdict": "approved", "summary": "fine"}`
)

func happyDriver() *mock.Driver {
	return mock.NewDriver().
		GenerateText(planJSON, agent.Usage{Model: "m", InputTokens: 10, OutputTokens: 5}).
		GenerateText(approvedJSON, agent.Usage{Model: "m", InputTokens: 5, OutputTokens: 2}).
		StreamEvents(agent.AgenticEvent{
			Kind:      agent.AgenticResult,
			Text:      "done",
			Files:     []agent.FileChange{{Path: "main.go", Op: agent.FileOpModified}},
			Usage:     &agent.Usage{Model: "m", InputTokens: 20, OutputTokens: 8},
			SessionID: "sess-1",
		})
}

type apiFixture struct {
	ts    *httptest.Server
	store *store.Store
	dir   string
}

func newAPIFixture(t *testing.T, driver *mock.Driver, maxConcurrent int) *apiFixture {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "amelia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewStore(db, maxConcurrent)

	b := bus.New()
	t.Cleanup(b.Close)
	st.SetPublisher(b)

	profiles, err := profile.NewRegistry("")
	require.NoError(t, err)

	svc, err := lifecycle.NewService(lifecycle.Options{
		Store: st,
		Pipeline: &engine.Pipeline{
			Planner:  agent.NewPlanner(driver),
			Executor: agent.NewExecutor(driver),
			Reviewer: agent.NewReviewer(driver),
			Tracker:  mock.NewTracker(agent.Issue{ID: "ISS-1", Title: "Bug", Description: "broken"}),
			Profiles: profiles,
			Config:   engine.PipelineConfig{MaxReviewIterations: 3, MaxTaskReviewIterations: 5},
		},
		Profiles:     profiles,
		Retry:        engine.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		StartTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	h := NewHandler(HandlerOptions{
		Store:                st,
		Lifecycle:            svc,
		Bus:                  b,
		WebsocketIdleTimeout: 5 * time.Second,
	})

	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, store: st, dir: t.TempDir()}
}

func (f *apiFixture) worktree(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp(f.dir, "wt")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func (f *apiFixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) createWorkflow(t *testing.T, worktree string) string {
	t.Helper()
	resp, body := f.post(t, "/workflows", map[string]string{
		"issue_id":      "ISS-1",
		"worktree_path": worktree,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func (f *apiFixture) waitForStatus(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		wf, err := f.store.GetWorkflow(context.Background(), workflow.ID(id))
		return err == nil && string(wf.Status) == want
	}, 5*time.Second, 10*time.Millisecond, "workflow never reached %s", want)
}

func TestAPI_CreateWorkflow(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)

	resp, body := f.post(t, "/workflows", map[string]string{
		"issue_id":      "ISS-1",
		"worktree_path": f.worktree(t),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["id"])
	require.Equal(t, "pending", body["status"])
	require.Equal(t, "ISS-1", body["issue_id"])
}

func TestAPI_CreateWorkflowValidation(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)

	resp, body := f.post(t, "/workflows", map[string]string{
		"issue_id":      "ISS-1",
		"worktree_path": filepath.Join(f.dir, "absent"),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Validation", body["error"])
	require.Equal(t, "worktree_path", body["details"].(map[string]any)["field"])
}

func TestAPI_CreateWorkflowConflict(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	wt := f.worktree(t)
	f.createWorkflow(t, wt)

	resp, body := f.post(t, "/workflows", map[string]string{
		"issue_id":      "ISS-1",
		"worktree_path": wt,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "Conflict", body["error"])
	require.NotEmpty(t, body["details"].(map[string]any)["holder_id"])
}

func TestAPI_CreateWorkflowCapacity(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 1)
	f.createWorkflow(t, f.worktree(t))

	resp, body := f.post(t, "/workflows", map[string]string{
		"issue_id":      "ISS-1",
		"worktree_path": f.worktree(t),
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "Capacity", body["error"])
	require.EqualValues(t, 1, body["details"].(map[string]any)["limit"])
}

func TestAPI_GetWorkflow(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))

	resp, body := f.get(t, "/workflows/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, body["id"])

	resp, body = f.get(t, "/workflows/"+string(workflow.NewID()))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NotFound", body["error"])
}

func TestAPI_ListWorkflowsFilter(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))
	f.waitForStatus(t, id, "blocked")

	resp, body := f.get(t, "/workflows?status=blocked")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["workflows"], 1)

	resp, body = f.get(t, "/workflows?status=completed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["workflows"])

	resp, body = f.get(t, "/workflows?status=bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Validation", body["error"])
}

func TestAPI_ApprovalFlow(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))
	f.waitForStatus(t, id, "blocked")

	resp, _ := f.post(t, "/workflows/"+id+"/approve", map[string]string{"feedback": "go ahead"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitForStatus(t, id, "completed")

	// A second approval hits a workflow that is no longer blocked.
	resp, body := f.post(t, "/workflows/"+id+"/approve", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "InvalidState", body["error"])

	resp, body = f.post(t, "/workflows/"+string(workflow.NewID())+"/approve", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NotFound", body["error"])
}

func TestAPI_RejectFlow(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))
	f.waitForStatus(t, id, "blocked")

	resp, _ := f.post(t, "/workflows/"+id+"/reject", map[string]string{"reason": "bad plan"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitForStatus(t, id, "completed")
}

func TestAPI_CancelFlow(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))
	f.waitForStatus(t, id, "blocked")

	resp, _ := f.post(t, "/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitForStatus(t, id, "cancelled")

	resp, body := f.post(t, "/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "InvalidState", body["error"])
}

func TestAPI_ListEvents(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))
	f.waitForStatus(t, id, "blocked")

	resp, body := f.get(t, "/workflows/"+id+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	require.Len(t, events, 4)
	first := events[0].(map[string]any)
	require.Equal(t, "WORKFLOW_STARTED", first["event_type"])
	require.EqualValues(t, 1, first["sequence"])

	resp, body = f.get(t, "/workflows/"+id+"/events?since=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 2)

	resp, body = f.get(t, "/workflows/"+id+"/events?since=banana")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Validation", body["error"])

	resp, _ = f.get(t, "/workflows/"+string(workflow.NewID())+"/events")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_TokenTotals(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)
	id := f.createWorkflow(t, f.worktree(t))
	f.waitForStatus(t, id, "blocked")

	resp, body := f.get(t, "/workflows/"+id+"/tokens")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals := body["totals"].([]any)
	require.Len(t, totals, 1, "only the planner has run")
	require.Equal(t, "architect", totals[0].(map[string]any)["agent"])
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t, happyDriver(), 5)

	resp, body := f.get(t, "/health/live")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alive", body["status"])

	resp, body = f.get(t, "/health/ready")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
}

func TestAPI_ReadyGate(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "amelia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewStore(db, 5)

	ready := false
	h := NewHandler(HandlerOptions{Store: st, Ready: func() bool { return ready }})
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready = true
	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor_Mapping(t *testing.T) {
	cases := []struct {
		kind workflow.Kind
		want int
	}{
		{workflow.KindValidation, http.StatusBadRequest},
		{workflow.KindConflict, http.StatusConflict},
		{workflow.KindCapacity, http.StatusTooManyRequests},
		{workflow.KindNotFound, http.StatusNotFound},
		{workflow.KindInvalidState, http.StatusUnprocessableEntity},
		{workflow.KindTransient, http.StatusInternalServerError},
		{workflow.KindTerminal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			require.Equal(t, tc.want, statusFor(tc.kind), fmt.Sprintf("kind %s", tc.kind))
		})
	}
}
