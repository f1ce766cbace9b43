package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/store"
)

// handleSuspension turns one Suspension into persisted hook/step/wait
// entities and the queue messages that will eventually resolve them (§4.4).
// It returns the minimum wait delay across any wait invocation in this
// suspension, or 0 if none is pending; the dispatcher uses that delay as the
// workflow message's re-enqueue hint.
func (e *Engine) handleSuspension(ctx context.Context, run store.Run, susp *Suspension) (time.Duration, error) {
	var hooks, steps, waits []*Invocation
	for _, inv := range susp.Invocations.All() {
		switch inv.Kind {
		case PrimitiveHook:
			hooks = append(hooks, inv)
		case PrimitiveStep:
			steps = append(steps, inv)
		case PrimitiveWait:
			waits = append(waits, inv)
		}
	}

	// Hooks first and strictly before steps/waits: a step scheduled in the
	// same suspension may assume its sibling hook already exists.
	if err := runParallel(hooks, func(inv *Invocation) error {
		return e.createHook(ctx, run.RunID, inv)
	}); err != nil {
		return 0, err
	}

	var minDelay time.Duration
	var mu sync.Mutex
	recordDelay := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if minDelay == 0 || d < minDelay {
			minDelay = d
		}
	}

	rest := append(append([]*Invocation{}, steps...), waits...)
	err := runParallel(rest, func(inv *Invocation) error {
		switch inv.Kind {
		case PrimitiveStep:
			return e.createStepAndEnqueue(ctx, run, inv)
		case PrimitiveWait:
			delay, err := e.createWait(ctx, run.RunID, inv)
			if err != nil {
				return err
			}
			recordDelay(delay)
			return nil
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return minDelay, nil
}

// runParallel fans fn out over items on its own goroutine each and joins
// every resulting error; nil items run nothing.
func runParallel(items []*Invocation, fn func(*Invocation) error) error {
	if len(items) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errs := make([]error, len(items))
	for i, inv := range items {
		wg.Add(1)
		go func(i int, inv *Invocation) {
			defer wg.Done()
			errs[i] = fn(inv)
		}(i, inv)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// isDuplicate reports whether err is the store's "already exists" or
// "run is terminal" conflict — both expected here, since a prior attempt at
// this same suspension may have already written the entity before crashing.
// The store does not distinguish the two cases; both are KindConflict.
func isDuplicate(err error) bool {
	var sErr *store.Error
	return errors.As(err, &sErr) && sErr.Kind == store.KindConflict
}

func (e *Engine) createHook(ctx context.Context, runID string, inv *Invocation) error {
	_, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{
		EventType:     store.EventHookCreated,
		CorrelationID: inv.CorrelationID,
		Token:         inv.Token,
	})
	if err != nil && !isDuplicate(err) {
		return Transport(err)
	}
	return nil
}

func (e *Engine) createStepAndEnqueue(ctx context.Context, run store.Run, inv *Invocation) error {
	_, err := e.cfg.store.CreateEvent(ctx, run.RunID, store.EventInput{
		EventType:     store.EventStepCreated,
		CorrelationID: inv.CorrelationID,
		StepName:      inv.StepName,
		EventData:     inv.Args,
	})
	if err != nil && !isDuplicate(err) {
		return Transport(err)
	}

	// The step_execute enqueue is unconditional even on a duplicate
	// step_created: a prior attempt may have written the step and crashed
	// before reaching this enqueue, and idempotencyKey makes a second
	// enqueue of the same correlation id harmless.
	payload, err := json.Marshal(stepMessage{
		WorkflowName: run.WorkflowName,
		RunID:        run.RunID,
		StepID:       inv.CorrelationID,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := e.cfg.queue.Enqueue(ctx, stepTopic(inv.StepName), payload, queue.EnqueueOptions{
		IdempotencyKey: inv.CorrelationID,
	}); err != nil {
		return Transport(err)
	}
	return nil
}

func (e *Engine) createWait(ctx context.Context, runID string, inv *Invocation) (time.Duration, error) {
	_, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{
		EventType:     store.EventWaitCreated,
		CorrelationID: inv.CorrelationID,
	})
	if err != nil && !isDuplicate(err) {
		return 0, Transport(err)
	}
	delay := time.Until(inv.ResumeAt)
	if delay <= 0 {
		// Due: record the outcome so the next replay of this Wait returns.
		_, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{
			EventType:     store.EventWaitCompleted,
			CorrelationID: inv.CorrelationID,
		})
		if err != nil && !isDuplicate(err) {
			return 0, Transport(err)
		}
	}
	if delay < time.Second {
		delay = time.Second
	}
	return delay, nil
}
