package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a durable Store backed by MySQL/MariaDB via
// go-sql-driver/mysql, for deployments that already run a MySQL fleet and
// would rather not add SQLite as a second storage technology. Unlike
// SQLiteStore it allows a real connection pool: concurrent CreateEvent calls
// serialize through SELECT ... FOR UPDATE on the entity row(s) they touch.
type MySQLStore struct {
	db        *sql.DB
	sweepHook func(ctx context.Context, runID string)
}

// NewMySQLStore opens a MySQL store against an existing database (DSN must
// already name it) and prepares its schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	s := &MySQLStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            VARCHAR(36) PRIMARY KEY,
	workflow_name     VARCHAR(255) NOT NULL,
	deployment_id     VARCHAR(255),
	spec_version      INT NOT NULL,
	status            VARCHAR(32) NOT NULL,
	input             LONGTEXT,
	output            LONGTEXT,
	error_message     TEXT,
	error_stack       LONGTEXT,
	error_kind        VARCHAR(64),
	execution_context LONGTEXT,
	created_at        DATETIME(6) NOT NULL,
	started_at        DATETIME(6) NULL,
	completed_at      DATETIME(6) NULL,
	updated_at        DATETIME(6) NOT NULL,
	KEY idx_runs_workflow (workflow_name, status)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS steps (
	run_id        VARCHAR(36) NOT NULL,
	step_id       VARCHAR(36) NOT NULL,
	step_name     VARCHAR(255) NOT NULL,
	status        VARCHAR(32) NOT NULL,
	input         LONGTEXT,
	output        LONGTEXT,
	error_message TEXT,
	error_stack   LONGTEXT,
	error_kind    VARCHAR(64),
	attempt       INT NOT NULL,
	retry_after   DATETIME(6) NULL,
	created_at    DATETIME(6) NOT NULL,
	updated_at    DATETIME(6) NOT NULL,
	PRIMARY KEY (run_id, step_id)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS hooks (
	hook_id     VARCHAR(36) PRIMARY KEY,
	run_id      VARCHAR(36) NOT NULL,
	token       VARCHAR(255) NOT NULL,
	token_active VARCHAR(255) GENERATED ALWAYS AS (IF(disposed = 0, token, NULL)) STORED,
	metadata    LONGTEXT,
	created_at  DATETIME(6) NOT NULL,
	disposed    TINYINT NOT NULL,
	disposed_at DATETIME(6) NULL,
	UNIQUE KEY idx_hooks_token_active (token_active),
	KEY idx_hooks_run (run_id)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS events (
	event_id       VARCHAR(36) PRIMARY KEY,
	run_id         VARCHAR(36) NOT NULL,
	event_type     VARCHAR(64) NOT NULL,
	correlation_id VARCHAR(36),
	event_data     LONGTEXT,
	spec_version   INT NOT NULL,
	created_at     DATETIME(6) NOT NULL,
	KEY idx_events_run (run_id, event_id),
	KEY idx_events_correlation (correlation_id, event_id)
) ENGINE=InnoDB;
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *MySQLStore) CreateEvent(ctx context.Context, runID string, input EventInput) (CreateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var cur entities
	if input.EventType != EventRunCreated {
		cur.Run, err = loadRunForUpdate(ctx, tx, runID)
		if err != nil && !isNotFound(err) {
			return CreateResult{}, err
		}
	}
	if input.CorrelationID != "" {
		cur.Step, _ = loadStepForUpdate(ctx, tx, runID, input.CorrelationID)
		cur.Hook, _ = loadHookForUpdate(ctx, tx, input.CorrelationID)
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
		if err := upsertRunMySQL(ctx, tx, p.Run); err != nil {
			return CreateResult{}, err
		}
	}
	if p.Step != nil {
		if err := upsertStepMySQL(ctx, tx, p.Step); err != nil {
			return CreateResult{}, err
		}
	}
	if p.Hook != nil {
		if err := upsertHookMySQL(ctx, tx, p.Hook); err != nil {
			return CreateResult{}, err
		}
	}
	if p.DisposeRunHooks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hooks SET disposed = 1, disposed_at = ? WHERE run_id = ? AND disposed = 0`,
			now, targetRunID); err != nil {
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

func loadRunForUpdate(ctx context.Context, tx *sql.Tx, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output,
		error_message, error_stack, error_kind, execution_context, created_at, started_at, completed_at, updated_at
		FROM runs WHERE run_id = ? FOR UPDATE`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, notFound("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load run: %w", err)
	}
	return &r, nil
}

func loadStepForUpdate(ctx context.Context, tx *sql.Tx, runID, stepID string) (*Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT run_id, step_id, step_name, status, input, output, error_message,
		error_stack, error_kind, attempt, retry_after, created_at, updated_at
		FROM steps WHERE run_id = ? AND step_id = ? FOR UPDATE`, runID, stepID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, notFound("step %q not found", stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load step: %w", err)
	}
	return &st, nil
}

func loadHookForUpdate(ctx context.Context, tx *sql.Tx, hookID string) (*Hook, error) {
	row := tx.QueryRowContext(ctx, `SELECT hook_id, run_id, token, metadata, created_at, disposed, disposed_at
		FROM hooks WHERE hook_id = ? FOR UPDATE`, hookID)
	h, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, notFound("hook %q not found", hookID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load hook: %w", err)
	}
	return &h, nil
}

func upsertRunMySQL(ctx context.Context, tx *sql.Tx, r *Run) error {
	msg, stack, kind := errParts(r.Error)
	_, err := tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, workflow_name, deployment_id, spec_version, status, input, output, error_message, error_stack,
		 error_kind, execution_context, created_at, started_at, completed_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE status=VALUES(status), output=VALUES(output), error_message=VALUES(error_message),
			error_stack=VALUES(error_stack), error_kind=VALUES(error_kind), started_at=VALUES(started_at),
			completed_at=VALUES(completed_at), updated_at=VALUES(updated_at)`,
		r.RunID, r.WorkflowName, r.DeploymentID, r.SpecVersion, string(r.Status), rawArg(r.Input), rawArg(r.Output),
		msg, stack, kind, rawArg(r.ExecutionContext), r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert run: %w", err)
	}
	return nil
}

func upsertStepMySQL(ctx context.Context, tx *sql.Tx, st *Step) error {
	msg, stack, kind := errParts(st.Error)
	_, err := tx.ExecContext(ctx, `INSERT INTO steps
		(run_id, step_id, step_name, status, input, output, error_message, error_stack, error_kind, attempt,
		 retry_after, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE status=VALUES(status), output=VALUES(output), error_message=VALUES(error_message),
			error_stack=VALUES(error_stack), error_kind=VALUES(error_kind), attempt=VALUES(attempt),
			retry_after=VALUES(retry_after), updated_at=VALUES(updated_at)`,
		st.RunID, st.StepID, st.StepName, string(st.Status), rawArg(st.Input), rawArg(st.Output),
		msg, stack, kind, st.Attempt, st.RetryAfter, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert step: %w", err)
	}
	return nil
}

func upsertHookMySQL(ctx context.Context, tx *sql.Tx, h *Hook) error {
	disposed := 0
	if h.Disposed {
		disposed = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO hooks (hook_id, run_id, token, metadata, created_at, disposed, disposed_at)
		VALUES (?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE disposed=VALUES(disposed), disposed_at=VALUES(disposed_at)`,
		h.HookID, h.RunID, h.Token, rawArg(h.Metadata), h.CreatedAt, disposed, h.DisposedAt)
	if err != nil {
		return fmt.Errorf("store: upsert hook: %w", err)
	}
	return nil
}

func (s *MySQLStore) ListEvents(ctx context.Context, runID string, order SortOrder, opts PageOpts) (Page[Event], error) {
	limit, lastID, err := normalizePageOpts(opts, order, 100)
	if err != nil {
		return Page[Event]{}, err
	}
	dir, cmp := "ASC", ">"
	if order == Descending {
		dir, cmp = "DESC", "<"
	}
	query := fmt.Sprintf(`SELECT event_id, run_id, event_type, correlation_id, event_data, spec_version, created_at
		FROM events WHERE run_id = ? %s ORDER BY event_id %s LIMIT ?`, cursorClause(lastID, cmp, "event_id"), dir)
	args := []any{runID}
	if lastID != "" {
		args = append(args, lastID)
	}
	args = append(args, limit+1)
	return queryEventsPage(ctx, s.db, query, args, order, limit, lastID)
}

func (s *MySQLStore) ListEventsByCorrelationID(ctx context.Context, correlationID string, order SortOrder, opts PageOpts) (Page[Event], error) {
	limit, lastID, err := normalizePageOpts(opts, order, 100)
	if err != nil {
		return Page[Event]{}, err
	}
	dir, cmp := "ASC", ">"
	if order == Descending {
		dir, cmp = "DESC", "<"
	}
	query := fmt.Sprintf(`SELECT event_id, run_id, event_type, correlation_id, event_data, spec_version, created_at
		FROM events WHERE correlation_id = ? %s ORDER BY event_id %s LIMIT ?`, cursorClause(lastID, cmp, "event_id"), dir)
	args := []any{correlationID}
	if lastID != "" {
		args = append(args, lastID)
	}
	args = append(args, limit+1)
	return queryEventsPage(ctx, s.db, query, args, order, limit, lastID)
}

func (s *MySQLStore) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := loadRunTx(ctx, s.db, runID)
	if err != nil {
		return Run{}, err
	}
	return *r, nil
}

func (s *MySQLStore) ListRuns(ctx context.Context, filter RunFilter, opts PageOpts) (Page[Run], error) {
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

func (s *MySQLStore) GetStep(ctx context.Context, runID, stepID string) (Step, error) {
	st, err := loadStepTx(ctx, s.db, runID, stepID)
	if err != nil {
		return Step{}, notFound("step %q not found", stepID)
	}
	return *st, nil
}

func (s *MySQLStore) ListSteps(ctx context.Context, runID string, opts PageOpts) (Page[Step], error) {
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

func (s *MySQLStore) GetHook(ctx context.Context, hookID string) (Hook, error) {
	h, err := loadHookTx(ctx, s.db, hookID)
	if err != nil {
		return Hook{}, notFound("hook %q not found", hookID)
	}
	return *h, nil
}

func (s *MySQLStore) GetHookByToken(ctx context.Context, token string) (Hook, error) {
	h, err := loadHookByTokenTx(ctx, s.db, token)
	if err != nil {
		return Hook{}, notFound("hook with token %q not found", token)
	}
	return *h, nil
}

func (s *MySQLStore) ListHooks(ctx context.Context, runID string, opts PageOpts) (Page[Hook], error) {
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
// Start's sweep clears an elapsed retry_after marker. See SQLiteStore's
// SetSweepHook for why this exists.
func (s *MySQLStore) SetSweepHook(fn func(ctx context.Context, runID string)) {
	s.sweepHook = fn
}

// Start sweeps steps whose retry_after has elapsed and nudges each
// affected run's workflow via the sweep hook, same as SQLiteStore.
func (s *MySQLStore) Start(ctx context.Context) error {
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

func (s *MySQLStore) sweepElapsedRetries(ctx context.Context) {
	now := time.Now().UTC()
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

func (s *MySQLStore) Close() error { return s.db.Close() }
