package tracing

// Span attribute keys. These are the semantic conventions for spans in
// the orchestrator.
const (
	// Workflow attributes
	AttrWorkflowID     = "workflow.id"
	AttrWorkflowStatus = "workflow.status"
	AttrIssueID        = "workflow.issue_id"
	AttrProfileID      = "workflow.profile_id"
	AttrWorktreePath   = "workflow.worktree_path"

	// Node attributes
	AttrNodeID        = "node.id"
	AttrNodeAttempt   = "node.attempt"
	AttrStageAgent    = "stage.agent"
	AttrCorrelationID = "approval.correlation_id"

	// Review attributes
	AttrVerdict         = "review.verdict"
	AttrReviewIteration = "review.iteration"

	// HTTP attributes
	AttrHTTPMethod = "http.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPStatus = "http.status_code"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorKind    = "error.kind"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixNode     = "node."
	SpanPrefixHTTP     = "http."
	SpanPrefixWorkflow = "workflow."
)
