package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRun(t *testing.T, s Store, workflowName string) Run {
	t.Helper()
	res, err := s.CreateEvent(context.Background(), "", EventInput{
		EventType:    EventRunCreated,
		WorkflowName: workflowName,
		EventData:    map[string]any{"x": 1},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	return *res.Run
}

// S1: happy path — create, start, step create/start/complete, run completes.
func TestHappyPath(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	run := newTestRun(t, s, "order-flow")
	require.Equal(t, RunPending, run.Status)

	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunStarted})
	require.NoError(t, err)

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventStepCreated,
		CorrelationID: "step-1",
		StepName:      "charge-card",
	})
	require.NoError(t, err)
	require.Equal(t, StepPending, res.Step.Status)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
	require.NoError(t, err)
	require.Equal(t, StepRunning, res.Step.Status)
	require.Equal(t, 1, res.Step.Attempt)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventStepCompleted,
		CorrelationID: "step-1",
		EventData:     map[string]any{"charged": true},
	})
	require.NoError(t, err)
	require.Equal(t, StepCompleted, res.Step.Status)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunCompleted})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, res.Run.Status)

	page, err := s.ListEvents(ctx, run.RunID, Ascending, PageOpts{})
	require.NoError(t, err)
	require.Len(t, page.Items, 6)
}

// S2: retry then success — step_retrying moves a running step back to
// pending, then a second start/complete cycle succeeds with attempt=2.
func TestRetryThenSuccess(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flaky-flow")
	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunStarted})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "call-api"})
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
	require.NoError(t, err)

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventStepRetrying,
		CorrelationID: "step-1",
		EventData:     map[string]any{"error": map[string]any{"message": "timeout"}},
	})
	require.NoError(t, err)
	require.Equal(t, StepPending, res.Step.Status)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
	require.NoError(t, err)
	require.Equal(t, StepRunning, res.Step.Status)
	require.Equal(t, 2, res.Step.Attempt)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCompleted, CorrelationID: "step-1"})
	require.NoError(t, err)
	require.Equal(t, StepCompleted, res.Step.Status)
}

// S3: retry exhaustion — step_failed is always accepted for a running step,
// regardless of how many retries preceded it; storage does not enforce a
// maximum attempt count (that belongs to the caller's retry policy).
func TestRetryExhaustionFails(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flaky-flow")
	_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunStarted})
	_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "call-api"})
	_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventStepFailed,
		CorrelationID: "step-1",
		EventData:     map[string]any{"error": map[string]any{"message": "gave up"}},
	})
	require.NoError(t, err)
	require.Equal(t, StepFailed, res.Step.Status)
	require.NotNil(t, res.Step.Error)
	require.Equal(t, "gave up", res.Step.Error.Message)

	// Terminal is immutable: a second terminal event is rejected.
	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCompleted, CorrelationID: "step-1"})
	require.ErrorIs(t, err, ErrConflict)
}

// S4: duplicate step creation on redelivery — a second step_created with the
// same correlation id is rejected, not silently merged.
func TestDuplicateStepCreationIsConflict(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")
	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	require.ErrorIs(t, err, ErrConflict)
}

// S5: hook token collision emits hook_conflict instead of hook_created, with
// no Hook entity in the result and no error — this makes hook creation safe
// to redeliver.
func TestHookTokenCollisionEmitsConflictEvent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-1",
		Token:         "shared-token",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Hook)
	require.Equal(t, EventHookCreated, res.Event.EventType)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-2",
		Token:         "shared-token",
	})
	require.NoError(t, err)
	require.Nil(t, res.Hook)
	require.Equal(t, EventHookConflict, res.Event.EventType)

	// Redelivering hook-2's own creation again is safe: no Hook entity was
	// ever recorded for it, so the token check runs again and emits another
	// hook_conflict rather than erroring.
	res, err = s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-2",
		Token:         "shared-token",
	})
	require.NoError(t, err)
	require.Nil(t, res.Hook)
	require.Equal(t, EventHookConflict, res.Event.EventType)
}

// S5 continuation: disposing a hook frees its token for reuse by a new one.
func TestDisposedHookTokenIsReusable(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-a",
		Token:         "t",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Hook)

	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventHookDisposed, CorrelationID: "hook-a"})
	require.NoError(t, err)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-b",
		Token:         "t",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Hook, "disposing hook-a must free token %q for hook-b", "t")
	require.Equal(t, EventHookCreated, res.Event.EventType)
}

// S6: cursor stability across inserts — a cursor taken mid-listing keeps
// working, and an exhausted page still carries a non-empty cursor.
func TestCursorStableAcrossInserts(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	for i := 0; i < 3; i++ {
		_, err := s.CreateEvent(ctx, run.RunID, EventInput{
			EventType:     EventStepCreated,
			CorrelationID: "step-" + string(rune('a'+i)),
			StepName:      "n",
		})
		require.NoError(t, err)
	}

	page, err := s.ListEvents(ctx, run.RunID, Ascending, PageOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.Cursor)

	// Insert another event after taking the cursor.
	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-d", StepName: "n"})
	require.NoError(t, err)

	page2, err := s.ListEvents(ctx, run.RunID, Ascending, PageOpts{Limit: 10, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, page2.Items, 3) // the two steps not yet seen, plus the one inserted after the cursor was taken
	require.False(t, page2.HasMore)
	require.NotEmpty(t, page2.Cursor, "exhausted page must still carry a cursor")
}

// S7: cancellation races a running step — the in-flight step is still
// allowed to complete even though the run already went terminal, but a
// pending (never-started) step is not.
func TestCancellationRaceAsymmetry(t *testing.T) {
	t.Run("in-flight step still completes", func(t *testing.T) {
		s := NewMemStore()
		ctx := context.Background()
		run := newTestRun(t, s, "flow")
		_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunStarted})
		_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
		_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})

		_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunCancelled})
		require.NoError(t, err)

		res, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCompleted, CorrelationID: "step-1"})
		require.NoError(t, err)
		require.Equal(t, StepCompleted, res.Step.Status)
	})

	t.Run("never-started step is rejected", func(t *testing.T) {
		s := NewMemStore()
		ctx := context.Background()
		run := newTestRun(t, s, "flow")
		_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunStarted})
		_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})

		_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunCancelled})
		require.NoError(t, err)

		_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCompleted, CorrelationID: "step-1"})
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("run_cancelled on an already-cancelled run is idempotent", func(t *testing.T) {
		s := NewMemStore()
		ctx := context.Background()
		run := newTestRun(t, s, "flow")
		res, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunCancelled})
		require.NoError(t, err)
		require.Equal(t, EventRunCancelled, res.Event.EventType)

		res, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunCancelled})
		require.NoError(t, err)
		require.Empty(t, res.Event.EventID, "idempotent cancel writes no new event")
		require.Equal(t, RunCancelled, res.Run.Status)
	})
}

// S8: legacy run gate — a run created under an older spec version only
// accepts the small allow-list of events; everything else is rejected with
// a version-mismatch error, and a run from a newer version rejects
// everything.
func TestLegacySpecVersionGate(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	res, err := s.CreateEvent(ctx, "", EventInput{
		EventType:    EventRunCreated,
		WorkflowName: "legacy-flow",
		SpecVersion:  CurrentSpecVersion - 1,
	})
	require.NoError(t, err)
	run := *res.Run
	require.Equal(t, CurrentSpecVersion-1, run.SpecVersion)

	// run_cancelled (event-free) is allowed.
	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunCancelled})
	require.NoError(t, err)

	// wait_completed / hook_received (event-only) are allowed on a fresh run.
	s2 := NewMemStore()
	res2, err := s2.CreateEvent(ctx, "", EventInput{
		EventType:    EventRunCreated,
		WorkflowName: "legacy-flow",
		SpecVersion:  CurrentSpecVersion - 1,
	})
	require.NoError(t, err)
	run2 := *res2.Run
	_, err = s2.CreateEvent(ctx, run2.RunID, EventInput{EventType: EventWaitCompleted, CorrelationID: "wait-1"})
	require.NoError(t, err)
	_, err = s2.CreateEvent(ctx, run2.RunID, EventInput{EventType: EventHookReceived, CorrelationID: "hook-1"})
	require.NoError(t, err)

	// Everything else is rejected.
	_, err = s2.CreateEvent(ctx, run2.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	require.ErrorIs(t, err, ErrVersionMismatch)

	// A run from a newer-than-current spec version rejects everything,
	// including run_cancelled.
	s3 := NewMemStore()
	res3, err := s3.CreateEvent(ctx, "", EventInput{
		EventType:    EventRunCreated,
		WorkflowName: "future-flow",
		SpecVersion:  CurrentSpecVersion + 1,
	})
	require.NoError(t, err)
	run3 := *res3.Run
	_, err = s3.CreateEvent(ctx, run3.RunID, EventInput{EventType: EventRunCancelled})
	require.ErrorIs(t, err, ErrVersionMismatch)
}

// Invariant: event-projection consistency — every append-only event mutates
// exactly the entity its projection rule names, nothing else.
func TestEventProjectionConsistency(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	require.NoError(t, err)
	require.Nil(t, res.Run, "step_created does not return a run mutation")
	require.Nil(t, res.Hook)
	require.NotNil(t, res.Step)
}

// Invariant: exactly-once observable step effect — a redelivered step_started
// for an already-running step is rejected, not silently accepted twice.
func TestStepStartedNotDoubleApplied(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")
	_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
	require.ErrorIs(t, err, ErrConflict)
}

// Invariant: monotonic attempt — attempt only increases, one per
// step_started, never resets.
func TestAttemptMonotonic(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")
	_, _ = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})

	var lastAttempt int
	for i := 0; i < 3; i++ {
		res, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
		require.NoError(t, err)
		require.Greater(t, res.Step.Attempt, lastAttempt)
		lastAttempt = res.Step.Attempt
		_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepRetrying, CorrelationID: "step-1"})
		require.NoError(t, err)
	}
}

// Invariant: spec-version monotonic gate — CreateEvent never upgrades or
// downgrades a run's recorded spec version.
func TestSpecVersionNeverChanges(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	run := newTestRun(t, s, "flow")
	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventRunStarted})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, CurrentSpecVersion, got.SpecVersion)
}

func TestGetRunNotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsFilterByWorkflowName(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestRun(t, s, "a-flow")
	newTestRun(t, s, "b-flow")
	newTestRun(t, s, "a-flow")

	page, err := s.ListRuns(ctx, RunFilter{WorkflowName: "a-flow"}, PageOpts{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	for _, r := range page.Items {
		require.Equal(t, "a-flow", r.WorkflowName)
	}
}
