package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// These rerun a subset of the Store conformance scenarios against
// SQLiteStore instead of MemStore, so the transaction boundary in
// CreateEvent's SQL implementation is exercised the same way the in-memory
// one is above, not just opened and closed.

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteHappyPath(t *testing.T) {
	s := newTestSQLiteStore(t)
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

func TestSQLiteDuplicateStepCreationIsConflict(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := newTestRun(t, s, "flow")
	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "a"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSQLiteHookTokenCollisionEmitsConflictEvent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-1",
		Token:         "shared-token",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Hook)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventHookCreated,
		CorrelationID: "hook-2",
		Token:         "shared-token",
	})
	require.NoError(t, err)
	require.Nil(t, res.Hook)
	require.Equal(t, EventHookConflict, res.Event.EventType)
}

func TestSQLiteDisposedHookTokenIsReusable(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	res, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventHookCreated, CorrelationID: "hook-a", Token: "t"})
	require.NoError(t, err)
	require.NotNil(t, res.Hook)

	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventHookDisposed, CorrelationID: "hook-a"})
	require.NoError(t, err)

	res, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventHookCreated, CorrelationID: "hook-b", Token: "t"})
	require.NoError(t, err)
	require.NotNil(t, res.Hook)
}

// The sweep exists to nudge a run whose step redelivery was lost after its
// retry_after elapsed; verify it clears the marker and calls the hook
// exactly once for the affected run.
func TestSQLiteSweepNudgesRunWithElapsedRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := newTestRun(t, s, "flow")

	_, err := s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepCreated, CorrelationID: "step-1", StepName: "charge"})
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, run.RunID, EventInput{EventType: EventStepStarted, CorrelationID: "step-1"})
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, run.RunID, EventInput{
		EventType:     EventStepRetrying,
		CorrelationID: "step-1",
		EventData:     map[string]any{"retry_after": time.Now().Add(-time.Minute)},
	})
	require.NoError(t, err)

	var nudged []string
	s.SetSweepHook(func(_ context.Context, runID string) {
		nudged = append(nudged, runID)
	})
	s.sweepElapsedRetries(ctx)

	require.Equal(t, []string{run.RunID}, nudged)

	step, err := s.GetStep(ctx, run.RunID, "step-1")
	require.NoError(t, err)
	require.Nil(t, step.RetryAfter)
}

func TestSQLiteCursorStableAcrossInserts(t *testing.T) {
	s := newTestSQLiteStore(t)
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
}

func TestSQLiteListRunsFilterByWorkflowName(t *testing.T) {
	s := newTestSQLiteStore(t)
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

func TestSQLiteGetRunNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
