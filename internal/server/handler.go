package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/amelia-dev/amelia/internal/bus"
	"github.com/amelia-dev/amelia/internal/lifecycle"
	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/store"
	"github.com/amelia-dev/amelia/internal/tracing"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// Handler serves the REST and WebSocket API.
type Handler struct {
	store     *store.Store
	lifecycle *lifecycle.Service
	bus       *bus.Bus

	tracer      trace.Tracer
	idleTimeout time.Duration
	ready       func() bool
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Store     *store.Store
	Lifecycle *lifecycle.Service
	Bus       *bus.Bus
	Tracer    trace.Tracer

	// WebsocketIdleTimeout closes WebSocket clients that stay silent.
	WebsocketIdleTimeout time.Duration

	// Ready gates the readiness probe; nil means always ready.
	Ready func() bool
}

// NewHandler builds the router.
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		store:       opts.Store,
		lifecycle:   opts.Lifecycle,
		bus:         opts.Bus,
		tracer:      opts.Tracer,
		idleTimeout: opts.WebsocketIdleTimeout,
		ready:       opts.Ready,
	}
}

// Router assembles the chi routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware(h.tracer))

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", h.createWorkflow)
		r.Get("/", h.listWorkflows)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getWorkflow)
			r.Post("/approve", h.approveWorkflow)
			r.Post("/reject", h.rejectWorkflow)
			r.Post("/cancel", h.cancelWorkflow)
			r.Get("/events", h.listEvents)
			r.Get("/tokens", h.tokenTotals)
		})
	})

	r.Get("/health/live", h.healthLive)
	r.Get("/health/ready", h.healthReady)
	r.Get("/ws/events", h.serveWebSocket)

	return r
}

type createWorkflowRequest struct {
	IssueID      string `json:"issue_id"`
	WorktreePath string `json:"worktree_path"`
	ProfileID    string `json:"profile_id"`
}

type workflowResponse struct {
	ID            workflow.ID     `json:"id"`
	IssueID       string          `json:"issue_id"`
	WorktreePath  string          `json:"worktree_path"`
	ProfileID     string          `json:"profile_id"`
	Status        workflow.Status `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

func toWorkflowResponse(wf *workflow.Workflow) workflowResponse {
	return workflowResponse{
		ID:            wf.ID,
		IssueID:       wf.IssueID,
		WorktreePath:  wf.WorktreePath,
		ProfileID:     wf.ProfileID,
		Status:        wf.Status,
		CreatedAt:     wf.CreatedAt,
		StartedAt:     wf.StartedAt,
		CompletedAt:   wf.CompletedAt,
		FailureReason: wf.FailureReason,
	}
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &workflow.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	wf, err := h.lifecycle.Start(r.Context(), req.IssueID, req.WorktreePath, req.ProfileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkflowResponse(wf))
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{
		Status:   workflow.Status(r.URL.Query().Get("status")),
		Worktree: r.URL.Query().Get("worktree"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, &workflow.ValidationError{Field: "status", Reason: "unknown status"})
		return
	}

	workflows, err := h.store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]workflowResponse, len(workflows))
	for i, wf := range workflows {
		out[i] = toWorkflowResponse(wf)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(r.Context(), workflow.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

type decisionRequest struct {
	Feedback string `json:"feedback"`
	Reason   string `json:"reason"`
}

func decodeDecision(r *http.Request) decisionRequest {
	var req decisionRequest
	// An empty body is a bare decision.
	_ = json.NewDecoder(r.Body).Decode(&req)
	return req
}

func (h *Handler) approveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	req := decodeDecision(r)

	if err := h.lifecycle.Approve(r.Context(), id, req.Feedback); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "approved"})
}

func (h *Handler) rejectWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	req := decodeDecision(r)

	if err := h.lifecycle.Reject(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))

	if err := h.lifecycle.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, &workflow.ValidationError{Field: "since", Reason: "must be a non-negative integer"})
			return
		}
		since = parsed
	}

	events, err := h.store.ListEvents(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []workflow.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) tokenTotals(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))

	totals, err := h.store.TokenTotals(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if totals == nil {
		totals = []store.TokenTotal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

func (h *Handler) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (h *Handler) healthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DB().Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	if h.ready != nil && !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}

	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "workflows": counts})
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.ErrorErr(log.CatHTTP, "encoding response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := workflow.KindOf(err)
	writeJSON(w, statusFor(kind), errorBody{
		Error:   string(kind),
		Message: err.Error(),
		Details: errorDetails(err),
	})
}

func statusFor(kind workflow.Kind) int {
	switch kind {
	case workflow.KindValidation:
		return http.StatusBadRequest
	case workflow.KindConflict:
		return http.StatusConflict
	case workflow.KindCapacity:
		return http.StatusTooManyRequests
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindInvalidState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(err error) map[string]any {
	var validation *workflow.ValidationError
	if errors.As(err, &validation) {
		return map[string]any{"field": validation.Field}
	}
	var conflict *workflow.ConflictError
	if errors.As(err, &conflict) {
		return map[string]any{"worktree_path": conflict.WorktreePath, "holder_id": string(conflict.HolderID)}
	}
	var capacity *workflow.CapacityError
	if errors.As(err, &capacity) {
		return map[string]any{"active": capacity.Active, "limit": capacity.Limit}
	}
	var invalidState *workflow.InvalidStateError
	if errors.As(err, &invalidState) {
		return map[string]any{"current_status": string(invalidState.Current)}
	}
	return nil
}
