package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/durable/observe"
	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/store"
)

// DispatchResult reports what one Dispatch pass did. Tests assert on this
// directly instead of re-deriving it from stored events.
type DispatchResult struct {
	Suspended      bool
	ReenqueueDelay time.Duration
}

// Dispatch executes runID's workflow body to its next suspension point,
// using the run's event log as the sole source of truth for prior
// primitive outcomes (§4.2). It is safe to call twice for the same run and
// log state: replay is a pure function of the log, so a duplicate dispatch
// (e.g. a redelivered workflow message) produces the same invocations and
// the same — already-applied-or-not — store writes.
func (e *Engine) Dispatch(ctx context.Context, runID string) (DispatchResult, error) {
	run, err := e.cfg.store.GetRun(ctx, runID)
	if err != nil {
		return DispatchResult{}, err
	}
	if run.Status.Terminal() {
		return DispatchResult{}, nil
	}

	fn, ok := e.workflowFunc(run.WorkflowName)
	if !ok {
		return DispatchResult{}, fmt.Errorf("engine: no workflow registered for %q", run.WorkflowName)
	}

	if run.Status == store.RunPending {
		if _, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{EventType: store.EventRunStarted}); err != nil {
			return DispatchResult{}, err
		}
		run.Status = store.RunRunning
	}

	events, err := e.loadAllEvents(ctx, runID)
	if err != nil {
		return DispatchResult{}, err
	}

	now := time.Now().UTC()
	rc := newReplayContext(ctx, runID, now, events, e.cfg.registry, e.cfg.streams)

	e.emit(observe.Event{RunID: runID, Kind: "dispatch_start"})

	output, bodyErr := fn(rc, run.Input)

	if susp, ok := AsSuspension(bodyErr); ok {
		delay, err := e.handleSuspension(ctx, run, susp)
		if err != nil {
			return DispatchResult{}, err
		}
		e.emit(observe.Event{RunID: runID, Kind: "suspended", Meta: map[string]any{"pending": susp.Invocations.Len()}})
		delay = e.capToMaxVisibilityDelay(delay)
		if delay > 0 {
			if err := e.reenqueueWorkflow(ctx, run.WorkflowName, runID, delay); err != nil {
				return DispatchResult{}, err
			}
		}
		return DispatchResult{Suspended: true, ReenqueueDelay: delay}, nil
	}

	if bodyErr != nil {
		classified := classify(bodyErr)
		if classified.Kind == KindFatal {
			_, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{
				EventType: store.EventRunFailed,
				EventData: store.ErrorInfo{Message: classified.Message, Stack: classified.Stack},
			})
			if err != nil {
				return DispatchResult{}, err
			}
			e.emit(observe.Event{RunID: runID, Kind: "run_failed", Meta: map[string]any{"message": classified.Message}})
			return DispatchResult{}, nil
		}
		// Retryable/Transport: leave run_failed unwritten; the caller (the
		// queue handler) returns this error so the message redelivers and
		// the workflow body runs again from the same log state.
		return DispatchResult{}, classified
	}

	raw, err := dehydrateValue(rc, output)
	if err != nil {
		return DispatchResult{}, err
	}
	if _, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{
		EventType: store.EventRunCompleted,
		EventData: raw,
	}); err != nil {
		return DispatchResult{}, err
	}
	e.emit(observe.Event{RunID: runID, Kind: "run_completed"})
	return DispatchResult{}, nil
}

func (e *Engine) loadAllEvents(ctx context.Context, runID string) ([]store.Event, error) {
	var out []store.Event
	var cursor string
	for {
		page, err := e.cfg.store.ListEvents(ctx, runID, store.Ascending, store.PageOpts{Limit: 200, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	return out, nil
}

// capToMaxVisibilityDelay caps delay at the queue backend's
// MaxVisibilityDelay (§4.5: "detect approaching expiry and re-enqueue"). A
// capped delay still reaches the workflow's eventual resumeAt: the
// redispatch it triggers replays the same Wait call and recomputes the
// remaining wait from its resumeAt (engine/suspension.go's createWait),
// capping again if it's still not due, chaining until it is.
func (e *Engine) capToMaxVisibilityDelay(delay time.Duration) time.Duration {
	if max := e.cfg.queue.MaxVisibilityDelay(); max > 0 && delay > max {
		return max
	}
	return delay
}

func (e *Engine) reenqueueWorkflow(ctx context.Context, workflowName, runID string, delay time.Duration) error {
	delay = e.capToMaxVisibilityDelay(delay)
	payload, err := json.Marshal(workflowMessage{RunID: runID})
	if err != nil {
		return err
	}
	if err := e.cfg.queue.Enqueue(ctx, workflowTopic(workflowName), payload, queue.EnqueueOptions{VisibilityDelay: delay}); err != nil {
		return Transport(err)
	}
	return nil
}

// Nudge re-enqueues runID's workflow message with no delay. It is meant for
// callers outside the normal dispatch path — a store's background sweeper,
// an operator's manual retry — that have reason to believe a run is owed a
// redispatch it isn't going to get otherwise (e.g. a step's retry_after
// elapsed but the message that would have redelivered it was lost).
func (e *Engine) Nudge(ctx context.Context, runID string) error {
	run, err := e.cfg.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return e.reenqueueWorkflow(ctx, run.WorkflowName, runID, 0)
}
