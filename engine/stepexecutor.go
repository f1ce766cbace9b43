package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/durable/observe"
	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/store"
)

type retryPayload struct {
	RetryAfter time.Time `json:"retry_after"`
}

// executeStep runs one attempt of one step (§4.3). attempt is the delivery
// attempt the queue reports, used only for the defensive max-attempts guard;
// the authoritative attempt count lives on the Step entity itself and is
// incremented by store when step_started is recorded.
func (e *Engine) executeStep(ctx context.Context, msg stepMessage, attempt int) (*queue.HandlerResult, error) {
	step, err := e.cfg.store.GetStep(ctx, msg.RunID, msg.StepID)
	if err != nil {
		return nil, err
	}

	if step.RetryAfter != nil && step.RetryAfter.After(time.Now()) {
		return &queue.HandlerResult{TimeoutSeconds: secondsUntil(*step.RetryAfter)}, nil
	}

	policy := e.cfg.retryPolicy.normalized()
	maxAttempts := policy.MaxAttempts()
	if attempt > maxAttempts {
		if err := e.failStep(ctx, msg.RunID, msg.StepID, "exceeded max retries"); err != nil {
			return nil, err
		}
		return nil, e.reenqueueWorkflow(ctx, msg.WorkflowName, msg.RunID, 0)
	}

	if step.Status.Terminal() {
		// Completion was already written but the workflow re-entry message
		// was lost; nudge the dispatcher again rather than retrying work
		// that already happened.
		return nil, e.reenqueueWorkflow(ctx, msg.WorkflowName, msg.RunID, 0)
	}
	if step.Status != store.StepPending && step.Status != store.StepRunning {
		return nil, nil
	}

	if _, err := e.cfg.store.CreateEvent(ctx, msg.RunID, store.EventInput{
		EventType:     store.EventStepStarted,
		CorrelationID: msg.StepID,
	}); err != nil {
		return nil, err
	}
	e.emit(observe.Event{RunID: msg.RunID, StepID: msg.StepID, Attempt: step.Attempt + 1, Kind: "step_started"})

	fn, ok := e.stepFunc(step.StepName)
	if !ok {
		if err := e.failStep(ctx, msg.RunID, msg.StepID, "no step registered for "+step.StepName); err != nil {
			return nil, err
		}
		return nil, e.reenqueueWorkflow(ctx, msg.WorkflowName, msg.RunID, 0)
	}

	result, runErr := fn(ctx, step.Input)
	if runErr != nil {
		return e.handleStepFailure(ctx, msg, step, policy, runErr)
	}

	if _, err := e.cfg.store.CreateEvent(ctx, msg.RunID, store.EventInput{
		EventType:     store.EventStepCompleted,
		CorrelationID: msg.StepID,
		EventData:     result,
	}); err != nil {
		return nil, err
	}
	e.emit(observe.Event{RunID: msg.RunID, StepID: msg.StepID, Kind: "step_completed"})
	e.recordStepLatency(step.StepName, "completed", time.Since(msg.RequestedAt))
	return nil, e.reenqueueWorkflow(ctx, msg.WorkflowName, msg.RunID, 0)
}

func (e *Engine) handleStepFailure(ctx context.Context, msg stepMessage, step store.Step, policy RetryPolicy, runErr error) (*queue.HandlerResult, error) {
	classified := classify(runErr)
	nextAttempt := step.Attempt + 1 // step_started already incremented this

	if classified.Kind != KindFatal && nextAttempt < policy.MaxAttempts() {
		retryAfter := time.Now().Add(computeBackoff(nextAttempt-1, policy))
		if classified.RetryAfter != nil {
			retryAfter = *classified.RetryAfter
		}
		if _, err := e.cfg.store.CreateEvent(ctx, msg.RunID, store.EventInput{
			EventType:     store.EventStepRetrying,
			CorrelationID: msg.StepID,
			EventData:     retryPayload{RetryAfter: retryAfter},
		}); err != nil {
			return nil, err
		}
		e.incrementRetries(step.StepName)
		e.emit(observe.Event{RunID: msg.RunID, StepID: msg.StepID, Attempt: nextAttempt, Kind: "step_retrying"})
		return &queue.HandlerResult{TimeoutSeconds: secondsUntil(retryAfter)}, nil
	}

	exhaustedMessage := fmt.Sprintf("%s (failed after %d retries)", classified.Message, policy.MaxRetries)
	if err := e.failStep(ctx, msg.RunID, msg.StepID, exhaustedMessage); err != nil {
		return nil, err
	}
	e.recordStepLatency(step.StepName, "failed", time.Since(msg.RequestedAt))
	return nil, e.reenqueueWorkflow(ctx, msg.WorkflowName, msg.RunID, 0)
}

func (e *Engine) failStep(ctx context.Context, runID, stepID, message string) error {
	_, err := e.cfg.store.CreateEvent(ctx, runID, store.EventInput{
		EventType:     store.EventStepFailed,
		CorrelationID: stepID,
		EventData:     store.ErrorInfo{Message: message},
	})
	if err != nil {
		return err
	}
	e.emit(observe.Event{RunID: runID, StepID: stepID, Kind: "step_failed", Meta: map[string]any{"message": message}})
	return nil
}

func secondsUntil(t time.Time) int {
	d := time.Until(t)
	if d <= 0 {
		return 0
	}
	return int(d.Seconds()) + 1
}
