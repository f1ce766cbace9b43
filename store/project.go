package store

import "time"

// entities bundles whatever root entities CreateEvent's caller already has
// loaded for the correlation target. Missing entities are nil.
type entities struct {
	Run  *Run
	Step *Step
	Hook *Hook

	// TokenOwner is whichever other hook currently holds input.Token, if
	// any. Only consulted for EventHookCreated. Backends populate it with
	// GetHookByToken before calling project.
	TokenOwner *Hook
}

// plan is what a backend must persist after Project validates an EventInput
// against the current entity state. Exactly one event/entity combination is
// computed per call; backends are responsible for writing it atomically.
type plan struct {
	// NewRunID is set when Project allocated a run id (EventRunCreated).
	NewRunID string

	// Event is the event to append. A zero Event (EventID == "") means no
	// event is written — the idempotent run_cancelled-on-cancelled case.
	Event Event

	Run  *Run  // non-nil: upsert this run state
	Step *Step // non-nil: upsert this step state
	Hook *Hook // non-nil: upsert this hook state

	DisposeRunHooks bool // true when the run just became terminal
}

// gateMode is the result of checking an event against a run's specVersion.
type gateMode int

const (
	gateNormal gateMode = iota
	gateCancelNoEvent
	gateEventOnly
)

// versionGate checks an event against the run's recorded schema version.
// runSpecVersion is the version the *existing* run was created under; it
// does not apply to run_created (which establishes the version).
func versionGate(runSpecVersion int, eventType EventType) (gateMode, error) {
	if runSpecVersion > CurrentSpecVersion {
		return gateNormal, versionMismatch("requires spec version %d", CurrentSpecVersion)
	}
	if runSpecVersion == CurrentSpecVersion {
		return gateNormal, nil
	}
	// Legacy run: small allow-list.
	switch eventType {
	case EventRunCancelled:
		return gateCancelNoEvent, nil
	case EventWaitCompleted, EventHookReceived:
		return gateEventOnly, nil
	default:
		return gateNormal, versionMismatch("not supported for legacy runs")
	}
}

// project validates input against cur and computes what to persist. now is
// injected so backends (and tests) get deterministic timestamps.
func project(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	switch input.EventType {
	case EventRunCreated:
		return projectRunCreated(now, input)
	case EventRunCancelled:
		return projectRunCancelled(now, runID, cur)
	}

	if cur.Run == nil {
		return plan{}, notFound("run %q not found", runID)
	}

	mode, err := versionGate(cur.Run.SpecVersion, input.EventType)
	if err != nil {
		return plan{}, err
	}
	if mode == gateEventOnly {
		return plan{Event: newEvent(runID, cur.Run.SpecVersion, input)}, nil
	}
	// gateCancelNoEvent only applies to EventRunCancelled, handled above.

	switch input.EventType {
	case EventRunStarted:
		return projectRunStarted(now, runID, cur)
	case EventRunCompleted, EventRunFailed:
		return projectRunTerminal(now, runID, cur, input)
	case EventStepCreated:
		return projectStepCreated(now, runID, cur, input)
	case EventStepStarted:
		return projectStepStarted(now, runID, cur, input)
	case EventStepCompleted, EventStepFailed:
		return projectStepTerminal(now, runID, cur, input)
	case EventStepRetrying:
		return projectStepRetrying(now, runID, cur, input)
	case EventHookCreated:
		return projectHookCreated(now, runID, cur, input)
	case EventHookReceived:
		return projectHookReceived(now, runID, cur, input)
	case EventHookDisposed:
		return projectHookDisposed(now, runID, cur, input)
	case EventWaitCreated, EventWaitCompleted:
		return plan{Event: newEvent(runID, cur.Run.SpecVersion, input)}, nil
	default:
		return plan{}, conflict("unknown event type %q", input.EventType)
	}
}

func newEvent(runID string, specVersion int, input EventInput) Event {
	return Event{
		EventID:       NewID(),
		RunID:         runID,
		EventType:     input.EventType,
		CorrelationID: input.CorrelationID,
		EventData:     mustMarshal(input.EventData),
		SpecVersion:   specVersion,
	}
}

func projectRunCreated(now time.Time, input EventInput) (plan, error) {
	specVersion := input.SpecVersion
	if specVersion == 0 {
		specVersion = CurrentSpecVersion
	}
	runID := NewID()
	run := &Run{
		RunID:        runID,
		WorkflowName: input.WorkflowName,
		DeploymentID: input.DeploymentID,
		SpecVersion:  specVersion,
		Status:       RunPending,
		Input:        mustMarshal(input.EventData),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	evt := newEvent(runID, specVersion, input)
	evt.CreatedAt = now
	return plan{NewRunID: runID, Event: evt, Run: run}, nil
}

func projectRunStarted(now time.Time, runID string, cur entities) (plan, error) {
	run := cur.Run
	if run.Status != RunPending {
		return plan{}, conflict("run %q is not pending", runID)
	}
	next := *run
	next.Status = RunRunning
	next.StartedAt = &now
	next.UpdatedAt = now
	evt := newEvent(runID, run.SpecVersion, EventInput{EventType: EventRunStarted})
	evt.CreatedAt = now
	return plan{Event: evt, Run: &next}, nil
}

func projectRunTerminal(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	run := cur.Run
	if run.Status != RunRunning {
		return plan{}, conflict("run %q is not running", runID)
	}
	next := *run
	next.CompletedAt = &now
	next.UpdatedAt = now
	if input.EventType == EventRunCompleted {
		next.Status = RunCompleted
		next.Output = mustMarshal(input.EventData)
	} else {
		next.Status = RunFailed
		next.Error = errorInfoFrom(input.EventData)
	}
	evt := newEvent(runID, run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Run: &next, DisposeRunHooks: true}, nil
}

func projectRunCancelled(now time.Time, runID string, cur entities) (plan, error) {
	run := cur.Run
	if run == nil {
		return plan{}, notFound("run %q not found", runID)
	}
	if run.Status == RunCancelled {
		// Idempotent: existing state returned, no event written.
		return plan{Run: run}, nil
	}
	if run.Status.Terminal() {
		return plan{}, conflict("run %q already terminal (%s)", runID, run.Status)
	}

	mode, err := versionGate(run.SpecVersion, EventRunCancelled)
	if err != nil {
		return plan{}, err
	}

	next := *run
	next.Status = RunCancelled
	next.CompletedAt = &now
	next.UpdatedAt = now

	if mode == gateCancelNoEvent {
		return plan{Run: &next, DisposeRunHooks: true}, nil
	}
	evt := newEvent(runID, run.SpecVersion, EventInput{EventType: EventRunCancelled})
	evt.CreatedAt = now
	return plan{Event: evt, Run: &next, DisposeRunHooks: true}, nil
}

func projectStepCreated(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	if cur.Run.Status.Terminal() {
		return plan{}, conflict("run %q is terminal", runID)
	}
	if cur.Step != nil {
		return plan{}, conflict("step %q already exists", input.CorrelationID)
	}
	step := &Step{
		RunID:     runID,
		StepID:    input.CorrelationID,
		StepName:  input.StepName,
		Status:    StepPending,
		Input:     mustMarshal(input.EventData),
		CreatedAt: now,
		UpdatedAt: now,
	}
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Step: step}, nil
}

func projectStepStarted(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	step := cur.Step
	if step == nil {
		return plan{}, notFound("step %q not found", input.CorrelationID)
	}
	if cur.Run.Status.Terminal() {
		return plan{}, conflict("run %q is terminal", runID)
	}
	if step.Status != StepPending {
		return plan{}, conflict("step %q is not pending", step.StepID)
	}
	next := *step
	next.Status = StepRunning
	next.Attempt++
	next.RetryAfter = nil
	next.UpdatedAt = now
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Step: &next}, nil
}

// projectStepTerminal handles step_completed and step_failed, including the
// "instant completion" exception (no prior Step entity) and the
// run-cancellation-race asymmetry: in-flight (running) steps may always
// complete/fail; never-started (pending) steps may not once the run is
// terminal.
func projectStepTerminal(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	var next *Step
	if cur.Step == nil {
		// Instant completion: no step_created preceded this event, so the
		// Step entity is created here already terminal.
		next = &Step{
			RunID:     runID,
			StepID:    input.CorrelationID,
			StepName:  input.StepName,
			Attempt:   1,
			CreatedAt: now,
		}
	} else {
		if cur.Step.Status.Terminal() {
			return plan{}, conflict("step %q is already terminal", cur.Step.StepID)
		}
		if cur.Step.Status == StepPending && cur.Run.Status.Terminal() {
			return plan{}, conflict("run %q is terminal; step %q never started", runID, cur.Step.StepID)
		}
		cp := *cur.Step
		next = &cp
	}
	next.UpdatedAt = now
	if input.EventType == EventStepCompleted {
		next.Status = StepCompleted
		next.Output = mustMarshal(input.EventData)
	} else {
		next.Status = StepFailed
		next.Error = errorInfoFrom(input.EventData)
	}
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Step: next}, nil
}

func projectStepRetrying(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	step := cur.Step
	if step == nil {
		return plan{}, notFound("step %q not found", input.CorrelationID)
	}
	if step.Status != StepRunning {
		return plan{}, conflict("step %q is not running", step.StepID)
	}
	next := *step
	next.Status = StepPending
	next.UpdatedAt = now
	if ra, ok := retryAfterFrom(input.EventData); ok {
		next.RetryAfter = &ra
	}
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Step: &next}, nil
}

func projectHookCreated(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	if cur.Run.Status.Terminal() {
		return plan{}, conflict("run %q is terminal", runID)
	}
	if cur.Hook != nil {
		return plan{}, conflict("hook %q already exists", input.CorrelationID)
	}
	// Token conflict: emit hook_conflict instead of hook_created, no error.
	if input.Token != "" && cur.TokenOwner != nil && cur.TokenOwner.HookID != input.CorrelationID {
		evt := newEvent(runID, cur.Run.SpecVersion, EventInput{
			EventType:     EventHookConflict,
			CorrelationID: input.CorrelationID,
			EventData:     input.EventData,
		})
		evt.CreatedAt = now
		return plan{Event: evt}, nil
	}
	hook := &Hook{
		HookID:    input.CorrelationID,
		RunID:     runID,
		Token:     input.Token,
		Metadata:  mustMarshal(input.EventData),
		CreatedAt: now,
	}
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Hook: hook}, nil
}

func projectHookReceived(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	if cur.Hook == nil {
		return plan{}, notFound("hook %q not found", input.CorrelationID)
	}
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt}, nil
}

func projectHookDisposed(now time.Time, runID string, cur entities, input EventInput) (plan, error) {
	if cur.Hook == nil {
		return plan{}, notFound("hook %q not found", input.CorrelationID)
	}
	next := *cur.Hook
	next.Disposed = true
	next.DisposedAt = &now
	evt := newEvent(runID, cur.Run.SpecVersion, input)
	evt.CreatedAt = now
	return plan{Event: evt, Hook: &next}, nil
}
