package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting the load/upsert
// helpers run either inside CreateEvent's transaction or standalone for
// plain reads.
type dbtx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func isNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindNotFound
}

func timeStr(t time.Time) string { return t.Format(time.RFC3339Nano) }

func timeStrPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

// timeLayouts covers both dialects sharing this scan code: SQLite stores
// whatever string upsertRunTx wrote (RFC3339Nano), while MySQL's driver
// renders DATETIME(6) columns back as its own "YYYY-MM-DD HH:MM:SS.ffffff"
// text regardless of how the value was written.
var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"}

func parseFlexTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseFlexTime(s.String)
	if err != nil {
		return nil, fmt.Errorf("store: parse time: %w", err)
	}
	return &t, nil
}

func rawMessage(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func rawArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func errParts(e *ErrorInfo) (message, stack, kind sql.NullString) {
	if e == nil {
		return
	}
	return sql.NullString{String: e.Message, Valid: true},
		sql.NullString{String: e.Stack, Valid: e.Stack != ""},
		sql.NullString{String: e.Kind, Valid: e.Kind != ""}
}

func errorInfoFromParts(message, stack, kind sql.NullString) *ErrorInfo {
	if !message.Valid {
		return nil
	}
	return &ErrorInfo{Message: message.String, Stack: stack.String, Kind: kind.String}
}

// cursorClause renders the WHERE-extension for keyset pagination, or "" when
// there is no cursor yet.
func cursorClause(lastID, cmp, column string) string {
	if lastID == "" {
		return ""
	}
	return fmt.Sprintf(" AND %s %s ?", column, cmp)
}

func loadRunTx(ctx context.Context, q dbtx, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, `SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output,
		error_message, error_stack, error_kind, execution_context, created_at, started_at, completed_at, updated_at
		FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, notFound("run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load run: %w", err)
	}
	return &r, nil
}

func loadRun(ctx context.Context, q dbtx, runID string) (*Run, error) { return loadRunTx(ctx, q, runID) }

func scanRun(s scanner) (Run, error) {
	var r Run
	var deploymentID, input, output, errMsg, errStack, errKind, execCtx sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	err := s.Scan(&r.RunID, &r.WorkflowName, &deploymentID, &r.SpecVersion, &r.Status, &input, &output,
		&errMsg, &errStack, &errKind, &execCtx, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return Run{}, err
	}
	r.DeploymentID = deploymentID.String
	r.Input = rawMessage(input)
	r.Output = rawMessage(output)
	r.Error = errorInfoFromParts(errMsg, errStack, errKind)
	r.ExecutionContext = rawMessage(execCtx)
	r.CreatedAt, err = parseFlexTime(createdAt)
	if err != nil {
		return Run{}, err
	}
	r.UpdatedAt, err = parseFlexTime(updatedAt)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt, err = parseTimePtr(startedAt)
	if err != nil {
		return Run{}, err
	}
	r.CompletedAt, err = parseTimePtr(completedAt)
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

func upsertRunTx(ctx context.Context, q dbtx, r *Run) error {
	msg, stack, kind := errParts(r.Error)
	_, err := q.ExecContext(ctx, `INSERT INTO runs
		(run_id, workflow_name, deployment_id, spec_version, status, input, output, error_message, error_stack,
		 error_kind, execution_context, created_at, started_at, completed_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, output=excluded.output,
			error_message=excluded.error_message, error_stack=excluded.error_stack, error_kind=excluded.error_kind,
			started_at=excluded.started_at, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		r.RunID, r.WorkflowName, r.DeploymentID, r.SpecVersion, string(r.Status), rawArg(r.Input), rawArg(r.Output),
		msg, stack, kind, rawArg(r.ExecutionContext), timeStr(r.CreatedAt), timeStrPtr(r.StartedAt),
		timeStrPtr(r.CompletedAt), timeStr(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert run: %w", err)
	}
	return nil
}

func loadStepTx(ctx context.Context, q dbtx, runID, stepID string) (*Step, error) {
	row := q.QueryRowContext(ctx, `SELECT run_id, step_id, step_name, status, input, output, error_message,
		error_stack, error_kind, attempt, retry_after, created_at, updated_at
		FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, notFound("step %q not found", stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load step: %w", err)
	}
	return &st, nil
}

func scanStep(s scanner) (Step, error) {
	var st Step
	var input, output, errMsg, errStack, errKind, retryAfter sql.NullString
	var createdAt, updatedAt string
	err := s.Scan(&st.RunID, &st.StepID, &st.StepName, &st.Status, &input, &output, &errMsg, &errStack, &errKind,
		&st.Attempt, &retryAfter, &createdAt, &updatedAt)
	if err != nil {
		return Step{}, err
	}
	st.Input = rawMessage(input)
	st.Output = rawMessage(output)
	st.Error = errorInfoFromParts(errMsg, errStack, errKind)
	st.RetryAfter, err = parseTimePtr(retryAfter)
	if err != nil {
		return Step{}, err
	}
	st.CreatedAt, err = parseFlexTime(createdAt)
	if err != nil {
		return Step{}, err
	}
	st.UpdatedAt, err = parseFlexTime(updatedAt)
	if err != nil {
		return Step{}, err
	}
	return st, nil
}

func upsertStepTx(ctx context.Context, q dbtx, st *Step) error {
	msg, stack, kind := errParts(st.Error)
	_, err := q.ExecContext(ctx, `INSERT INTO steps
		(run_id, step_id, step_name, status, input, output, error_message, error_stack, error_kind, attempt,
		 retry_after, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET status=excluded.status, output=excluded.output,
			error_message=excluded.error_message, error_stack=excluded.error_stack, error_kind=excluded.error_kind,
			attempt=excluded.attempt, retry_after=excluded.retry_after, updated_at=excluded.updated_at`,
		st.RunID, st.StepID, st.StepName, string(st.Status), rawArg(st.Input), rawArg(st.Output),
		msg, stack, kind, st.Attempt, timeStrPtr(st.RetryAfter), timeStr(st.CreatedAt), timeStr(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert step: %w", err)
	}
	return nil
}

func loadHookTx(ctx context.Context, q dbtx, hookID string) (*Hook, error) {
	row := q.QueryRowContext(ctx, `SELECT hook_id, run_id, token, metadata, created_at, disposed, disposed_at
		FROM hooks WHERE hook_id = ?`, hookID)
	h, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, notFound("hook %q not found", hookID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load hook: %w", err)
	}
	return &h, nil
}

func loadHookByTokenTx(ctx context.Context, q dbtx, token string) (*Hook, error) {
	row := q.QueryRowContext(ctx, `SELECT hook_id, run_id, token, metadata, created_at, disposed, disposed_at
		FROM hooks WHERE token = ? AND disposed = 0`, token)
	h, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, notFound("hook with token %q not found", token)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load hook by token: %w", err)
	}
	return &h, nil
}

func scanHook(s scanner) (Hook, error) {
	var h Hook
	var metadata, disposedAt sql.NullString
	var createdAt string
	var disposed int
	err := s.Scan(&h.HookID, &h.RunID, &h.Token, &metadata, &createdAt, &disposed, &disposedAt)
	if err != nil {
		return Hook{}, err
	}
	h.Metadata = rawMessage(metadata)
	h.Disposed = disposed != 0
	h.DisposedAt, err = parseTimePtr(disposedAt)
	if err != nil {
		return Hook{}, err
	}
	h.CreatedAt, err = parseFlexTime(createdAt)
	if err != nil {
		return Hook{}, err
	}
	return h, nil
}

func upsertHookTx(ctx context.Context, q dbtx, h *Hook) error {
	disposed := 0
	if h.Disposed {
		disposed = 1
	}
	_, err := q.ExecContext(ctx, `INSERT INTO hooks (hook_id, run_id, token, metadata, created_at, disposed, disposed_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(hook_id) DO UPDATE SET disposed=excluded.disposed, disposed_at=excluded.disposed_at`,
		h.HookID, h.RunID, h.Token, rawArg(h.Metadata), timeStr(h.CreatedAt), disposed, timeStrPtr(h.DisposedAt))
	if err != nil {
		return fmt.Errorf("store: upsert hook: %w", err)
	}
	return nil
}

func insertEventTx(ctx context.Context, q dbtx, e Event) error {
	_, err := q.ExecContext(ctx, `INSERT INTO events (event_id, run_id, event_type, correlation_id, event_data,
		spec_version, created_at) VALUES (?,?,?,?,?,?,?)`,
		e.EventID, e.RunID, string(e.EventType), e.CorrelationID, rawArg(e.EventData), e.SpecVersion, timeStr(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func scanEvent(s scanner) (Event, error) {
	var e Event
	var correlationID, data sql.NullString
	var createdAt string
	err := s.Scan(&e.EventID, &e.RunID, &e.EventType, &correlationID, &data, &e.SpecVersion, &createdAt)
	if err != nil {
		return Event{}, err
	}
	e.CorrelationID = correlationID.String
	e.EventData = rawMessage(data)
	e.CreatedAt, err = parseFlexTime(createdAt)
	return e, err
}

func queryEventsPage(ctx context.Context, q dbtx, query string, args []any, order SortOrder, limit int, lastID string) (Page[Event], error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[Event]{}, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return Page[Event]{}, err
		}
		events = append(events, e)
	}
	return pageFromRows(events, func(e Event) string { return e.EventID }, order, limit, lastID), nil
}

// pageFromRows turns a query result fetched with LIMIT (limit+1) into a
// Page: the caller over-fetches by one row to learn HasMore without a
// separate COUNT query, then pageFromRows trims it back to limit. Per spec
// §3's cursor lifecycle, an empty final page still carries the last cursor
// the caller sent, so lastID is the fallback when no rows come back.
func pageFromRows[T any](rows []T, idOf func(T) string, order SortOrder, limit int, lastID string) Page[T] {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	cursor := ""
	switch {
	case len(rows) > 0:
		cursor = encodeCursor(idOf(rows[len(rows)-1]), order)
	case lastID != "":
		cursor = encodeCursor(lastID, order)
	}
	return Page[T]{Items: rows, Cursor: cursor, HasMore: hasMore}
}
