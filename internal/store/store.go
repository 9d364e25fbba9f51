package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/workflow"
)

// activeRetentionWindow guards the last minute of an active workflow's
// events from pruning so live subscribers never lose fresh entries.
const activeRetentionWindow = 60 * time.Second

// Publisher receives committed events for live fan-out. Publishing must
// never block; the event bus drops on slow subscribers.
type Publisher interface {
	Publish(event workflow.Event)
}

// Store is the single writer for workflow rows, event sequences, and
// token usage. All writes serialize through a short critical section so
// sequence numbers stay dense and observers never see half-applied state.
type Store struct {
	db            *DB
	maxConcurrent int

	mu        sync.Mutex
	publisher Publisher
}

// NewStore creates a Store over an open database. maxConcurrent bounds
// the number of simultaneously admitted workflows.
func NewStore(db *DB, maxConcurrent int) *Store {
	return &Store{db: db, maxConcurrent: maxConcurrent}
}

// SetPublisher wires the event bus. Events committed after this call are
// published in commit order.
func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// DB returns the underlying database handle.
func (s *Store) DB() *DB {
	return s.db
}

// admissionStatuses occupy the worktree lease and count against the
// concurrency cap. Pending is included: an admitted workflow will run.
var admissionStatuses = []string{
	string(workflow.StatusPending),
	string(workflow.StatusRunning),
	string(workflow.StatusBlocked),
}

// CreateWorkflow admits a new workflow in pending status. The capacity
// check, the worktree lease check, and the insert are atomic.
func (s *Store) CreateWorkflow(ctx context.Context, issueID, worktreePath, profileID string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(admissionStatuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(admissionStatuses))
	for i, st := range admissionStatuses {
		args[i] = st
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE status IN (`+placeholders+`)`, args...,
	).Scan(&active); err != nil {
		return nil, fmt.Errorf("counting active workflows: %w", err)
	}
	if active >= s.maxConcurrent {
		return nil, &workflow.CapacityError{Active: active, Limit: s.maxConcurrent}
	}

	var holderID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM workflows WHERE worktree_path = ? AND status IN (`+placeholders+`) LIMIT 1`,
		append([]any{worktreePath}, args...)...,
	).Scan(&holderID)
	switch {
	case err == nil:
		return nil, &workflow.ConflictError{WorktreePath: worktreePath, HolderID: workflow.ID(holderID)}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("checking worktree lease: %w", err)
	}

	w := &workflow.Workflow{
		ID:           workflow.NewID(),
		IssueID:      issueID,
		WorktreePath: worktreePath,
		ProfileID:    profileID,
		Status:       workflow.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, issue_id, worktree_path, profile_id, status, created_at, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		string(w.ID), w.IssueID, w.WorktreePath, w.ProfileID, string(w.Status), w.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("inserting workflow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing create: %w", err)
	}

	log.Info(log.CatStore, "workflow created", "id", w.ID, "issue", issueID, "worktree", worktreePath)
	return w, nil
}

// GetWorkflow returns the workflow row for id.
func (s *Store) GetWorkflow(ctx context.Context, id workflow.ID) (*workflow.Workflow, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, string(id))
	m, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &workflow.NotFoundError{WorkflowID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("finding workflow: %w", err)
	}
	return m.toDomain(), nil
}

// Filter narrows ListWorkflows results. Zero values match everything.
type Filter struct {
	Status   workflow.Status
	Worktree string
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, f Filter) ([]*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Worktree != "" {
		clauses = append(clauses, "worktree_path = ?")
		args = append(args, f.Worktree)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Workflow
	for rows.Next() {
		m, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, m.toDomain())
	}
	return out, rows.Err()
}

// CountByStatus returns workflow counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[workflow.Status]int, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[workflow.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[workflow.Status(status)] = n
	}
	return counts, rows.Err()
}

// UpdateStatus transitions a workflow from one status to another under
// the DFA. The check is optimistic: if the row's current status is no
// longer from, InvalidStateError is returned and nothing changes.
func (s *Store) UpdateStatus(ctx context.Context, id workflow.ID, from, to workflow.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.transitionTx(ctx, tx, id, from, to, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// transitionTx performs the optimistic status update inside tx.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id workflow.ID, from, to workflow.Status, failureReason string) error {
	if !from.CanTransitionTo(to) {
		return &workflow.InvalidStateError{WorkflowID: id, Current: from, Attempted: to}
	}

	now := time.Now().UTC().UnixMilli()
	var res sql.Result
	var err error
	switch {
	case to == workflow.StatusRunning:
		res, err = tx.ExecContext(ctx,
			`UPDATE workflows SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ? AND status = ?`,
			string(to), now, string(id), string(from))
	case to.IsTerminal():
		var reason *string
		if failureReason != "" {
			reason = &failureReason
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE workflows SET status = ?, completed_at = ?, failure_reason = ? WHERE id = ? AND status = ?`,
			string(to), now, reason, string(id), string(from))
	default:
		res, err = tx.ExecContext(ctx,
			`UPDATE workflows SET status = ? WHERE id = ? AND status = ?`,
			string(to), string(id), string(from))
	}
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, string(id)).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return &workflow.NotFoundError{WorkflowID: id}
		}
		if err != nil {
			return fmt.Errorf("reading current status: %w", err)
		}
		return &workflow.InvalidStateError{WorkflowID: id, Current: workflow.Status(current), Attempted: to}
	}

	log.Debug(log.CatStore, "status transition", "id", id, "from", from, "to", to)
	return nil
}

// AppendEvent assigns the next sequence number, persists the event, and
// publishes it to the bus after commit. Returns the sequenced event.
func (s *Store) AppendEvent(ctx context.Context, e workflow.Event) (workflow.Event, error) {
	out, err := s.AppendEvents(ctx, e)
	if err != nil {
		return workflow.Event{}, err
	}
	return out[0], nil
}

// AppendEvents appends a batch of events in one transaction. All events
// must belong to the same workflow; sequences are assigned contiguously.
func (s *Store) AppendEvents(ctx context.Context, events ...workflow.Event) ([]workflow.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.appendEventsTx(ctx, tx, events)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing events: %w", err)
	}

	s.publishLocked(out)
	return out, nil
}

// appendEventsTx inserts events inside tx, assigning dense sequences.
func (s *Store) appendEventsTx(ctx context.Context, tx *sql.Tx, events []workflow.Event) ([]workflow.Event, error) {
	workflowID := events[0].WorkflowID
	for _, e := range events[1:] {
		if e.WorkflowID != workflowID {
			return nil, fmt.Errorf("append batch spans workflows %s and %s", workflowID, e.WorkflowID)
		}
	}

	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, string(workflowID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &workflow.NotFoundError{WorkflowID: workflowID}
	}
	if err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE workflow_id = ?`, string(workflowID),
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}
	next := last.Int64 + 1

	out := make([]workflow.Event, len(events))
	for i, e := range events {
		e.Sequence = next + int64(i)
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		m, err := toEventModel(e)
		if err != nil {
			return nil, fmt.Errorf("encoding event data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, workflow_id, sequence, timestamp, agent, event_type, message, data, correlation_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.WorkflowID, m.Sequence, m.Timestamp, m.Agent, m.EventType, m.Message, m.Data, m.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("inserting event seq %d: %w", e.Sequence, err)
		}
		out[i] = e
	}
	return out, nil
}

// publishLocked fans committed events out to the bus. Caller holds mu,
// which preserves per-workflow commit order on the live stream.
func (s *Store) publishLocked(events []workflow.Event) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		s.publisher.Publish(e)
	}
}

// SaveCheckpoint persists the state snapshot and the events produced by
// the same node boundary in one transaction. Recovery is atomic: events
// and the snapshot that reflects them commit or roll back together.
func (s *Store) SaveCheckpoint(ctx context.Context, id workflow.ID, snapshot []byte, schemaVersion int, events ...workflow.Event) ([]workflow.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET state_snapshot = ?, schema_version = ? WHERE id = ?`,
		snapshot, schemaVersion, string(id))
	if err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return nil, &workflow.NotFoundError{WorkflowID: id}
	}

	var out []workflow.Event
	if len(events) > 0 {
		out, err = s.appendEventsTx(ctx, tx, events)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing checkpoint: %w", err)
	}

	s.publishLocked(out)
	return out, nil
}

// Transition performs an optimistic status change and appends the events
// that announce it in one transaction. Used for blocked -> running on
// approval and for every terminal transition.
func (s *Store) Transition(ctx context.Context, id workflow.ID, from, to workflow.Status, failureReason string, events ...workflow.Event) ([]workflow.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.transitionTx(ctx, tx, id, from, to, failureReason); err != nil {
		return nil, err
	}

	var out []workflow.Event
	if len(events) > 0 {
		out, err = s.appendEventsTx(ctx, tx, events)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	s.publishLocked(out)
	return out, nil
}

// ListEvents returns a workflow's events with sequence > sinceSequence
// in sequence order. sinceSequence 0 returns the full log.
func (s *Store) ListEvents(ctx context.Context, id workflow.ID, sinceSequence int64) ([]workflow.Event, error) {
	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence`,
		string(id), sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []workflow.Event
	for rows.Next() {
		m, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, m.toDomain())
	}
	return out, rows.Err()
}

// LastSequence returns the highest assigned sequence for a workflow,
// or 0 when the log is empty.
func (s *Store) LastSequence(ctx context.Context, id workflow.ID) (int64, error) {
	var last sql.NullInt64
	if err := s.db.conn.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE workflow_id = ?`, string(id),
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", err)
	}
	return last.Int64, nil
}

// RecordTokens appends a token usage record. Not on the hot path.
func (s *Store) RecordTokens(ctx context.Context, u workflow.TokenUsage) error {
	m := toTokenUsageModel(u)
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO token_usage (id, workflow_id, agent, model, input_tokens, output_tokens,
		 cache_read_tokens, cache_creation_tokens, cost, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkflowID, m.Agent, m.Model, m.InputTokens, m.OutputTokens,
		m.CacheReadTokens, m.CacheCreationTokens, m.Cost, m.Timestamp)
	if err != nil {
		return fmt.Errorf("recording tokens: %w", err)
	}
	return nil
}

// TokenTotal aggregates token usage for one agent within a workflow.
type TokenTotal struct {
	Agent               workflow.Agent `json:"agent"`
	InputTokens         int64          `json:"input_tokens"`
	OutputTokens        int64          `json:"output_tokens"`
	CacheReadTokens     int64          `json:"cache_read_tokens"`
	CacheCreationTokens int64          `json:"cache_creation_tokens"`
	Cost                float64        `json:"cost"`
}

// TokenTotals returns per-agent token totals for a workflow.
func (s *Store) TokenTotals(ctx context.Context, id workflow.ID) ([]TokenTotal, error) {
	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT agent, SUM(input_tokens), SUM(output_tokens), SUM(cache_read_tokens),
		 SUM(cache_creation_tokens), COALESCE(SUM(cost), 0)
		 FROM token_usage WHERE workflow_id = ? GROUP BY agent ORDER BY agent`,
		string(id))
	if err != nil {
		return nil, fmt.Errorf("aggregating tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TokenTotal
	for rows.Next() {
		var t TokenTotal
		var agent string
		if err := rows.Scan(&agent, &t.InputTokens, &t.OutputTokens, &t.CacheReadTokens, &t.CacheCreationTokens, &t.Cost); err != nil {
			return nil, fmt.Errorf("scanning token total: %w", err)
		}
		t.Agent = workflow.Agent(agent)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than beforeAge, then trims each
// workflow's log to its most recent maxPerWorkflow entries. Events from
// the last minute of an active workflow are never deleted.
func (s *Store) PruneEvents(ctx context.Context, beforeAge time.Duration, maxPerWorkflow int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ageCutoff := now.Add(-beforeAge).UnixMilli()
	activeCutoff := now.Add(-activeRetentionWindow).UnixMilli()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	guard := `NOT (
		workflow_id IN (SELECT id FROM workflows WHERE status IN ('running', 'blocked'))
		AND timestamp > ?
	)`

	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE timestamp < ? AND `+guard, ageCutoff, activeCutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning by age: %w", err)
	}
	byAge, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM events WHERE `+guard+` AND (workflow_id, sequence) IN (
			SELECT e.workflow_id, e.sequence FROM events e
			JOIN (SELECT workflow_id, MAX(sequence) AS last FROM events GROUP BY workflow_id) m
			ON e.workflow_id = m.workflow_id
			WHERE e.sequence <= m.last - ?
		)`, activeCutoff, maxPerWorkflow)
	if err != nil {
		return 0, fmt.Errorf("pruning by cap: %w", err)
	}
	byCap, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	total := byAge + byCap
	if total > 0 {
		log.Info(log.CatStore, "pruned events", "by_age", byAge, "by_cap", byCap)
	}
	return total, nil
}
