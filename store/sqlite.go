package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by WAL-mode modernc.org/sqlite over
// a single connection: one connection serializes every CreateEvent
// transaction, which removes the need for an in-process lock on top of the
// transaction itself.
type SQLiteStore struct {
	db        *sql.DB
	sweepHook func(ctx context.Context, runID string)
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// prepares its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	workflow_name     TEXT NOT NULL,
	deployment_id     TEXT,
	spec_version      INTEGER NOT NULL,
	status            TEXT NOT NULL,
	input             TEXT,
	output            TEXT,
	error_message     TEXT,
	error_stack       TEXT,
	error_kind        TEXT,
	execution_context TEXT,
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name, status);

CREATE TABLE IF NOT EXISTS steps (
	run_id       TEXT NOT NULL,
	step_id      TEXT NOT NULL,
	step_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	input        TEXT,
	output       TEXT,
	error_message TEXT,
	error_stack   TEXT,
	error_kind    TEXT,
	attempt      INTEGER NOT NULL,
	retry_after  TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (run_id, step_id)
);

CREATE TABLE IF NOT EXISTS hooks (
	hook_id     TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	token       TEXT NOT NULL,
	metadata    TEXT,
	created_at  TEXT NOT NULL,
	disposed    INTEGER NOT NULL,
	disposed_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hooks_token ON hooks(token) WHERE disposed = 0;
CREATE INDEX IF NOT EXISTS idx_hooks_run ON hooks(run_id);

CREATE TABLE IF NOT EXISTS events (
	event_id       TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	correlation_id TEXT,
	event_data     TEXT,
	spec_version   INTEGER NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, event_id);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id, event_id);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, runID string, input EventInput) (CreateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var cur entities
	if input.EventType != EventRunCreated {
		cur.Run, err = loadRunTx(ctx, tx, runID)
		if err != nil && !isNotFound(err) {
			return CreateResult{}, err
		}
	}
	if input.CorrelationID != "" {
		cur.Step, _ = loadStepTx(ctx, tx, runID, input.CorrelationID)
		cur.Hook, _ = loadHookTx(ctx, tx, input.CorrelationID)
	}
	if input.EventType == EventHookCreated && input.Token != "" {
		cur.TokenOwner, _ = loadHookByTokenTx(ctx, tx, input.Token)
	}

	now := time.Now().UTC()
	p, err := project(now, runID, cur, input)
	if err != nil {
		return CreateResult{}, err
	}

	targetRunID := runID
	if p.NewRunID != "" {
		targetRunID = p.NewRunID
	}

	if p.Run != nil {
		if err := upsertRunTx(ctx, tx, p.Run); err != nil {
			return CreateResult{}, err
		}
	}
	if p.Step != nil {
		if err := upsertStepTx(ctx, tx, p.Step); err != nil {
			return CreateResult{}, err
		}
	}
	if p.Hook != nil {
		if err := upsertHookTx(ctx, tx, p.Hook); err != nil {
			return CreateResult{}, err
		}
	}
	if p.DisposeRunHooks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hooks SET disposed = 1, disposed_at = ? WHERE run_id = ? AND disposed = 0`,
			now.Format(time.RFC3339Nano), targetRunID); err != nil {
			return CreateResult{}, fmt.Errorf("store: dispose run hooks: %w", err)
		}
	}
	if p.Event.EventID != "" {
		p.Event.RunID = targetRunID
		if err := insertEventTx(ctx, tx, p.Event); err != nil {
			return CreateResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("store: commit: %w", err)
	}
	return CreateResult{Event: p.Event, Run: p.Run, Step: p.Step, Hook: p.Hook}, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, order SortOrder, opts PageOpts) (Page[Event], error) {
	limit, lastID, err := normalizePageOpts(opts, order, 100)
	if err != nil {
		return Page[Event]{}, err
	}
	dir := "ASC"
	cmp := ">"
	if order == Descending {
		dir, cmp = "DESC", "<"
	}
	query := fmt.Sprintf(`SELECT event_id, run_id, event_type, correlation_id, event_data, spec_version, created_at
		FROM events WHERE run_id = ? %s ORDER BY event_id %s LIMIT ?`,
		cursorClause(lastID, cmp, "event_id"), dir)
	args := []any{runID}
	if lastID != "" {
		args = append(args, lastID)
	}
	args = append(args, limit+1)
	return queryEventsPage(ctx, s.db, query, args, order, limit, lastID)
}

func (s *SQLiteStore) ListEventsByCorrelationID(ctx context.Context, correlationID string, order SortOrder, opts PageOpts) (Page[Event], error) {
	limit, lastID, err := normalizePageOpts(opts, order, 100)
	if err != nil {
		return Page[Event]{}, err
	}
	dir := "ASC"
	cmp := ">"
	if order == Descending {
		dir, cmp = "DESC", "<"
	}
	query := fmt.Sprintf(`SELECT event_id, run_id, event_type, correlation_id, event_data, spec_version, created_at
		FROM events WHERE correlation_id = ? %s ORDER BY event_id %s LIMIT ?`,
		cursorClause(lastID, cmp, "event_id"), dir)
	args := []any{correlationID}
	if lastID != "" {
		args = append(args, lastID)
	}
	args = append(args, limit+1)
	return queryEventsPage(ctx, s.db, query, args, order, limit, lastID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	run, err := loadRun(ctx, s.db, runID)
	if err != nil {
		return Run{}, err
	}
	return *run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, opts PageOpts) (Page[Run], error) {
	limit, lastID, err := normalizePageOpts(opts, Descending, 50)
	if err != nil {
		return Page[Run]{}, err
	}
	where := "1=1"
	var args []any
	if filter.WorkflowName != "" {
		where += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.DeploymentID != "" {
		where += " AND deployment_id = ?"
		args = append(args, filter.DeploymentID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if lastID != "" {
		where += " AND run_id < ?"
		args = append(args, lastID)
	}
	query := fmt.Sprintf(`SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output,
		error_message, error_stack, error_kind, execution_context, created_at, started_at, completed_at, updated_at
		FROM runs WHERE %s ORDER BY run_id DESC LIMIT ?`, where)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[Run]{}, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return Page[Run]{}, err
		}
		runs = append(runs, r)
	}
	return pageFromRows(runs, func(r Run) string { return r.RunID }, Descending, limit, lastID), nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, runID, stepID string) (Step, error) {
	step, err := loadStepTx(ctx, s.db, runID, stepID)
	if err != nil {
		return Step{}, notFound("step %q not found", stepID)
	}
	return *step, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string, opts PageOpts) (Page[Step], error) {
	limit, lastID, err := normalizePageOpts(opts, Descending, 50)
	if err != nil {
		return Page[Step]{}, err
	}
	where := "run_id = ?"
	args := []any{runID}
	if lastID != "" {
		where += " AND step_id < ?"
		args = append(args, lastID)
	}
	query := fmt.Sprintf(`SELECT run_id, step_id, step_name, status, input, output, error_message, error_stack,
		error_kind, attempt, retry_after, created_at, updated_at FROM steps WHERE %s ORDER BY step_id DESC LIMIT ?`, where)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[Step]{}, fmt.Errorf("store: list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return Page[Step]{}, err
		}
		steps = append(steps, st)
	}
	return pageFromRows(steps, func(s Step) string { return s.StepID }, Descending, limit, lastID), nil
}

func (s *SQLiteStore) GetHook(ctx context.Context, hookID string) (Hook, error) {
	hook, err := loadHookTx(ctx, s.db, hookID)
	if err != nil {
		return Hook{}, notFound("hook %q not found", hookID)
	}
	return *hook, nil
}

func (s *SQLiteStore) GetHookByToken(ctx context.Context, token string) (Hook, error) {
	hook, err := loadHookByTokenTx(ctx, s.db, token)
	if err != nil {
		return Hook{}, notFound("hook with token %q not found", token)
	}
	return *hook, nil
}

func (s *SQLiteStore) ListHooks(ctx context.Context, runID string, opts PageOpts) (Page[Hook], error) {
	limit, lastID, err := normalizePageOpts(opts, Descending, 50)
	if err != nil {
		return Page[Hook]{}, err
	}
	where := "1=1"
	var args []any
	if runID != "" {
		where += " AND run_id = ?"
		args = append(args, runID)
	}
	if lastID != "" {
		where += " AND hook_id < ?"
		args = append(args, lastID)
	}
	query := fmt.Sprintf(`SELECT hook_id, run_id, token, metadata, created_at, disposed, disposed_at
		FROM hooks WHERE %s ORDER BY hook_id DESC LIMIT ?`, where)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[Hook]{}, fmt.Errorf("store: list hooks: %w", err)
	}
	defer rows.Close()

	var hooks []Hook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return Page[Hook]{}, err
		}
		hooks = append(hooks, h)
	}
	return pageFromRows(hooks, func(h Hook) string { return h.HookID }, Descending, limit, lastID), nil
}

// SetSweepHook registers fn to be called, once per affected run, whenever
// Start's sweep clears an elapsed retry_after marker. Callers typically wire
// this to re-enqueue the run's workflow message, since the step's own
// delivery may have been lost (worker crash, queue restart) between the
// retry becoming due and anything re-delivering it.
func (s *SQLiteStore) SetSweepHook(fn func(ctx context.Context, runID string)) {
	s.sweepHook = fn
}

// Start periodically clears elapsed retry_after markers and nudges each
// affected run's workflow via the sweep hook, until ctx is cancelled. This
// is the backstop for steps whose own redelivery (scheduled by the queue at
// retry time) was lost rather than merely delayed.
func (s *SQLiteStore) Start(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepElapsedRetries(ctx)
		}
	}
}

func (s *SQLiteStore) sweepElapsedRetries(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT run_id FROM steps WHERE status = 'pending' AND retry_after IS NOT NULL AND retry_after <= ?`,
		now)
	if err != nil {
		return
	}
	var runIDs []string
	for rows.Next() {
		var runID string
		if rows.Scan(&runID) == nil {
			runIDs = append(runIDs, runID)
		}
	}
	rows.Close()

	_, _ = s.db.ExecContext(ctx,
		`UPDATE steps SET retry_after = NULL WHERE status = 'pending' AND retry_after IS NOT NULL AND retry_after <= ?`,
		now)

	if s.sweepHook == nil {
		return
	}
	for _, runID := range runIDs {
		s.sweepHook(ctx, runID)
	}
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
