package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/store"
)

// recordingQueue captures every Enqueue call instead of delivering it,
// giving tests a deterministic way to inspect what the dispatcher and
// suspension handler scheduled without racing a real delivery goroutine.
type recordingQueue struct {
	mu                 sync.Mutex
	calls              []recordedEnqueue
	maxVisibilityDelay time.Duration
}

type recordedEnqueue struct {
	topic   string
	payload []byte
	opts    queue.EnqueueOptions
}

func (q *recordingQueue) Enqueue(_ context.Context, topic string, payload []byte, opts queue.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, recordedEnqueue{topic: topic, payload: payload, opts: opts})
	return nil
}

func (q *recordingQueue) CreateHandler(ctx context.Context, _ string, _ queue.HandlerFunc) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) MaxVisibilityDelay() time.Duration {
	if q.maxVisibilityDelay > 0 {
		return q.maxVisibilityDelay
	}
	return 24 * time.Hour
}
func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) snapshot() []recordedEnqueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]recordedEnqueue, len(q.calls))
	copy(out, q.calls)
	return out
}

func newTestRun(t *testing.T, s store.Store, workflowName string, input any) store.Run {
	t.Helper()
	res, err := s.CreateEvent(context.Background(), "", store.EventInput{
		EventType:    store.EventRunCreated,
		WorkflowName: workflowName,
		EventData:    input,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	return *res.Run
}

func TestDispatchSuspendsOnPendingStep(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	q := &recordingQueue{}
	e, err := New(WithStore(s), WithQueue(q))
	require.NoError(t, err)

	e.RegisterWorkflow("order-flow", func(rc *ReplayContext, input json.RawMessage) (any, error) {
		var args struct {
			Amount float64 `json:"amount"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, Fatal("bad input: %s", err)
		}
		total, err := Step[float64](rc, "charge-card", args.Amount)
		if err != nil {
			return nil, err
		}
		return total, nil
	})

	run := newTestRun(t, s, "order-flow", map[string]any{"amount": 21})

	result, err := e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	require.Equal(t, time.Duration(0), result.ReenqueueDelay)

	calls := q.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "step_charge-card", calls[0].topic)
	require.Equal(t, "charge-card#0", calls[0].opts.IdempotencyKey)

	step, err := s.GetStep(ctx, run.RunID, "charge-card#0")
	require.NoError(t, err)
	require.Equal(t, store.StepPending, step.Status)
	require.JSONEq(t, `21`, string(step.Input))

	refreshed, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, refreshed.Status)
}

func TestDispatchCapsReenqueueDelayAtMaxVisibilityDelay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	q := &recordingQueue{maxVisibilityDelay: time.Minute}
	e, err := New(WithStore(s), WithQueue(q))
	require.NoError(t, err)

	resumeAt := time.Now().Add(48 * time.Hour)
	e.RegisterWorkflow("patient", func(rc *ReplayContext, _ json.RawMessage) (any, error) {
		if err := Wait(rc, "long-wait", resumeAt); err != nil {
			return nil, err
		}
		return "done", nil
	})

	run := newTestRun(t, s, "patient", nil)

	result, err := e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)
	require.True(t, result.Suspended)
	require.Equal(t, time.Minute, result.ReenqueueDelay, "delay must be capped at the queue's MaxVisibilityDelay")

	calls := q.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "workflow_patient", calls[0].topic)
	require.Equal(t, time.Minute, calls[0].opts.VisibilityDelay)
}

func TestDispatchCompletesAfterStepResolves(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	q := &recordingQueue{}
	e, err := New(WithStore(s), WithQueue(q))
	require.NoError(t, err)

	e.RegisterWorkflow("order-flow", func(rc *ReplayContext, input json.RawMessage) (any, error) {
		var args struct {
			Amount float64 `json:"amount"`
		}
		_ = json.Unmarshal(input, &args)
		return Step[float64](rc, "charge-card", args.Amount)
	})
	RegisterStep(e, "charge-card", func(_ context.Context, amount float64) (float64, error) {
		return amount * 2, nil
	})

	run := newTestRun(t, s, "order-flow", map[string]any{"amount": 21})

	_, err = e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)

	calls := q.snapshot()
	require.Len(t, calls, 1)
	var msg stepMessage
	require.NoError(t, json.Unmarshal(calls[0].payload, &msg))

	result, err := e.executeStep(ctx, msg, 1)
	require.NoError(t, err)
	require.Nil(t, result)

	step, err := s.GetStep(ctx, run.RunID, "charge-card#0")
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, step.Status)
	require.JSONEq(t, `42`, string(step.Output))

	workflowCalls := q.snapshot()
	require.Len(t, workflowCalls, 2)
	require.Equal(t, "workflow_order-flow", workflowCalls[1].topic)

	final, err := e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)
	require.False(t, final.Suspended)

	run2, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run2.Status)
	require.JSONEq(t, `42`, string(run2.Output))
}

func TestExecuteStepRetriesOnPlainError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	q := &recordingQueue{}
	e, err := New(WithStore(s), WithQueue(q), WithDefaultRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)

	e.RegisterWorkflow("flaky", func(rc *ReplayContext, _ json.RawMessage) (any, error) {
		return Step[float64](rc, "call-api", nil)
	})
	RegisterStep(e, "call-api", func(_ context.Context, _ any) (float64, error) {
		return 0, errTransient
	})

	run := newTestRun(t, s, "flaky", nil)
	_, err = e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)

	calls := q.snapshot()
	require.Len(t, calls, 1)
	var msg stepMessage
	require.NoError(t, json.Unmarshal(calls[0].payload, &msg))

	result, err := e.executeStep(ctx, msg, 1)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Greater(t, result.TimeoutSeconds, -1)

	step, err := s.GetStep(ctx, run.RunID, "call-api#0")
	require.NoError(t, err)
	require.Equal(t, store.StepPending, step.Status)
	require.NotNil(t, step.RetryAfter)
}

func TestExecuteStepFailsWithRetryCountAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	q := &recordingQueue{}
	e, err := New(WithStore(s), WithQueue(q), WithDefaultRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)

	e.RegisterWorkflow("flaky", func(rc *ReplayContext, _ json.RawMessage) (any, error) {
		return Step[float64](rc, "call-api", nil)
	})
	RegisterStep(e, "call-api", func(_ context.Context, _ any) (float64, error) {
		return 0, errTransient
	})

	run := newTestRun(t, s, "flaky", nil)
	_, err = e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)

	var msg stepMessage
	require.NoError(t, json.Unmarshal(q.snapshot()[0].payload, &msg))

	// Drive three deliveries by hand: the first two exhaust the two
	// configured retries (each comes back as a HandlerResult asking for
	// redelivery after RetryAfter), the third finds the budget exhausted.
	for attempt := 1; attempt <= 3; attempt++ {
		_, err = e.executeStep(ctx, msg, attempt)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond) // let RetryAfter elapse before the next delivery
	}

	step, err := s.GetStep(ctx, run.RunID, "call-api#0")
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)
	require.Contains(t, step.Error.Message, "after 2 retries")
}

func TestExecuteStepFailsFatalImmediately(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	q := &recordingQueue{}
	e, err := New(WithStore(s), WithQueue(q))
	require.NoError(t, err)

	e.RegisterWorkflow("strict", func(rc *ReplayContext, _ json.RawMessage) (any, error) {
		return Step[float64](rc, "validate", nil)
	})
	RegisterStep(e, "validate", func(_ context.Context, _ any) (float64, error) {
		return 0, Fatal("invalid payload")
	})

	run := newTestRun(t, s, "strict", nil)
	_, err = e.Dispatch(ctx, run.RunID)
	require.NoError(t, err)

	var msg stepMessage
	require.NoError(t, json.Unmarshal(q.snapshot()[0].payload, &msg))

	_, err = e.executeStep(ctx, msg, 1)
	require.NoError(t, err)

	step, err := s.GetStep(ctx, run.RunID, "validate#0")
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)
	require.Equal(t, "invalid payload", step.Error.Message)
}

var errTransient = &Error{Kind: KindRetryable, Message: "transient failure"}
