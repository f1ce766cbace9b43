// Package store provides the event-sourced persistence layer for the workflow
// runtime: the four root entities (runs, steps, hooks, events), their state
// machines, and cursor-paginated listings. Storage is the only place that
// validates entity state transitions; everything else treats entities as a
// read-only projection of the event log.
package store

import (
	"encoding/json"
	"time"
)

// CurrentSpecVersion is the event schema/semantics version new runs are
// created under. Runs created under an older version are handled through the
// legacy allow-list in CreateEvent; runs from a newer version are rejected.
const CurrentSpecVersion = 2

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions (save
// for the documented idempotent run_cancelled case).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus enumerates the lifecycle states of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step accepts no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// ErrorInfo is the structured error carried by a failed Run or Step.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Run represents one invocation of a workflow.
type Run struct {
	RunID             string          `json:"run_id"`
	WorkflowName      string          `json:"workflow_name"`
	DeploymentID      string          `json:"deployment_id,omitempty"`
	SpecVersion       int             `json:"spec_version"`
	Status            RunStatus       `json:"status"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             *ErrorInfo      `json:"error,omitempty"`
	ExecutionContext  json.RawMessage `json:"execution_context,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Step represents one logical step call inside a run.
type Step struct {
	RunID      string          `json:"run_id"`
	StepID     string          `json:"step_id"`
	StepName   string          `json:"step_name"`
	Status     StepStatus      `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Attempt    int             `json:"attempt"`
	RetryAfter *time.Time      `json:"retry_after,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Hook represents an externally-addressable resume point.
type Hook struct {
	HookID     string          `json:"hook_id"`
	RunID      string          `json:"run_id"`
	Token      string          `json:"token"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Disposed   bool            `json:"disposed"`
	DisposedAt *time.Time      `json:"disposed_at,omitempty"`
}

// EventType enumerates the append-only event catalog.
type EventType string

const (
	EventRunCreated   EventType = "run_created"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"

	EventStepCreated  EventType = "step_created"
	EventStepStarted  EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed   EventType = "step_failed"
	EventStepRetrying EventType = "step_retrying"

	EventHookCreated  EventType = "hook_created"
	EventHookConflict EventType = "hook_conflict"
	EventHookReceived EventType = "hook_received"
	EventHookDisposed EventType = "hook_disposed"

	EventWaitCreated   EventType = "wait_created"
	EventWaitCompleted EventType = "wait_completed"
)

// Event is one immutable entry in a run's append-only log.
type Event struct {
	EventID       string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	EventType     EventType       `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	SpecVersion   int             `json:"spec_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SortOrder controls listing direction. Event listings default to Ascending;
// run/step/hook listings default to Descending.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// PageOpts controls cursor pagination shared by every listing call.
type PageOpts struct {
	Limit  int
	Cursor string
}

// Page is the (data, cursor, hasMore) shape every listing returns.
//
// When a page reaches the end (HasMore=false), Cursor MUST still be set to
// the last returned item so a client resuming after new inserts continues
// where it left off, not from the beginning.
type Page[T any] struct {
	Items   []T
	Cursor  string
	HasMore bool
}
