package store

import "context"

// EventInput describes an event to append via CreateEvent. Not every field
// applies to every EventType; see the per-type notes below. EventData should
// be marshalable to JSON (it becomes Event.EventData).
type EventInput struct {
	// EventType selects which entity projection rule applies.
	EventType EventType

	// CorrelationID references the step/hook/wait this event concerns.
	// Required for every type except run_created/run_started/run_completed/
	// run_failed/run_cancelled, which concern the run itself.
	CorrelationID string

	// EventData is the type-specific payload, e.g. {output},
	// {result}, {error,stack,retryAfter}, {token,metadata}.
	EventData any

	// WorkflowName, DeploymentID, SpecVersion are only read for
	// EventRunCreated, where storage allocates the run.
	WorkflowName string
	DeploymentID string
	SpecVersion  int

	// StepName is only read for EventStepCreated.
	StepName string

	// Token is only read for EventHookCreated. If another live hook already
	// owns this token, CreateEvent emits hook_conflict instead of
	// hook_created and returns no error.
	Token string
}

// CreateResult is the response to CreateEvent: the event that was appended
// (or, for a token conflict, the hook_conflict event with no Hook) plus
// whichever projected entity changed.
type CreateResult struct {
	Event Event
	Run   *Run
	Step  *Step
	Hook  *Hook
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	DeploymentID string
}

// EventStore is the append-only event log contract.
type EventStore interface {
	// CreateEvent transactionally appends an event and updates its
	// projected entity. runID is "" only for EventRunCreated, where the
	// store allocates a new run id.
	CreateEvent(ctx context.Context, runID string, input EventInput) (CreateResult, error)

	// ListEvents lists a run's events. Defaults to Ascending order.
	ListEvents(ctx context.Context, runID string, order SortOrder, opts PageOpts) (Page[Event], error)

	// ListEventsByCorrelationID lists every event recorded against a given
	// correlation id (a step, hook, or wait), across whichever run it
	// belongs to. Defaults to Ascending order.
	ListEventsByCorrelationID(ctx context.Context, correlationID string, order SortOrder, opts PageOpts) (Page[Event], error)
}

// RunStore is the Run read contract.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns defaults to Descending order (newest first).
	ListRuns(ctx context.Context, filter RunFilter, opts PageOpts) (Page[Run], error)
}

// StepStore is the Step read contract.
type StepStore interface {
	GetStep(ctx context.Context, runID, stepID string) (Step, error)
	// ListSteps defaults to Descending order (newest first).
	ListSteps(ctx context.Context, runID string, opts PageOpts) (Page[Step], error)
}

// HookStore is the Hook read contract.
type HookStore interface {
	GetHook(ctx context.Context, hookID string) (Hook, error)
	GetHookByToken(ctx context.Context, token string) (Hook, error)
	// ListHooks defaults to Descending order (newest first). runID == ""
	// lists across all runs.
	ListHooks(ctx context.Context, runID string, opts PageOpts) (Page[Hook], error)
}

// Store is the composite storage handle the engine is constructed with. It
// is the only place that validates entity state machines.
type Store interface {
	EventStore
	RunStore
	StepStore
	HookStore

	// Start runs any backend-specific background maintenance (SQLiteStore
	// and MySQLStore clear elapsed step retry_after markers and call their
	// sweep hook). Backends without such needs
	// return nil immediately. Start blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Close releases backend resources (database handles, etc).
	Close() error
}
