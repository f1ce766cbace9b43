package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/durable/serialize"
	"github.com/flowforge/durable/store"
)

// Suspension is the sentinel a replay primitive returns when the requested
// work is still pending. It is an ordinary error value, propagated up
// through normal Go error returns — never a panic (§9 "control-flow-by-
// exception"). A workflow body written in the usual "if err != nil return
// nil, err" style forwards it automatically.
type Suspension struct {
	Invocations *InvocationMap
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("workflow suspended: %d pending invocation(s)", s.Invocations.Len())
}

// AsSuspension reports whether err is a *Suspension, unwrapping as needed.
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	ok := errors.As(err, &s)
	return s, ok
}

// WorkflowFunc is a user workflow body. input is the run's dehydrated input;
// the returned value is dehydrated into Run.Output on normal return. Any
// *Suspension returned is handled by the dispatcher, not surfaced to the
// caller of Dispatch.
type WorkflowFunc func(rc *ReplayContext, input json.RawMessage) (any, error)

// decodeErrorInfo extracts the ErrorInfo a step_failed/run_failed event's
// EventData carries. Storage accepts either an ErrorInfo-shaped payload
// directly or one wrapped under an "error" key; replay must accept the same
// two shapes to read back what storage wrote.
func decodeErrorInfo(raw json.RawMessage) store.ErrorInfo {
	var wrapped struct {
		Error store.ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error
	}
	var direct store.ErrorInfo
	_ = json.Unmarshal(raw, &direct)
	return direct
}

// ReplayContext is the per-invocation ambient state a workflow body's
// primitive calls read from. It is constructed fresh for every dispatch and
// passed explicitly to every primitive call — never stashed in a package
// global (§9 "per-invocation context").
type ReplayContext struct {
	ctx     context.Context
	runID   string
	now     time.Time
	reg     *serialize.Registry
	streams serialize.StreamStore

	// terminal maps a correlation id to the most recent terminal event
	// recorded for it (step_completed/failed, hook_received, wait_completed).
	terminal map[string]store.Event

	// seen counts prior occurrences of each caller-supplied name, to derive
	// a stable correlation id when the same name is called more than once
	// in a single workflow body (e.g. inside a loop).
	seen map[string]int

	invocations *InvocationMap
}

// newReplayContext builds a ReplayContext from a run's full event log.
func newReplayContext(ctx context.Context, runID string, now time.Time, events []store.Event, reg *serialize.Registry, streams serialize.StreamStore) *ReplayContext {
	terminal := make(map[string]store.Event)
	for _, ev := range events {
		switch ev.EventType {
		case store.EventStepCompleted, store.EventStepFailed, store.EventHookReceived, store.EventWaitCompleted:
			terminal[ev.CorrelationID] = ev
		}
	}
	return &ReplayContext{
		ctx:         ctx,
		runID:       runID,
		now:         now,
		reg:         reg,
		streams:     streams,
		terminal:    terminal,
		seen:        make(map[string]int),
		invocations: NewInvocationMap(),
	}
}

// correlationID derives a stable id from name and its positional index
// among same-named calls in this replay pass.
func (rc *ReplayContext) correlationID(name string) string {
	idx := rc.seen[name]
	rc.seen[name]++
	return fmt.Sprintf("%s#%d", name, idx)
}

// Now returns the clock reading taken when this dispatch started. It stays
// fixed for the whole replay pass; each dispatch takes a new reading, so the
// value differs from one replay to the next.
func (rc *ReplayContext) Now() time.Time { return rc.now }

// Step is the generic step primitive: name identifies the step (and,
// combined with call order, its correlation id); args is dehydrated and
// persisted as the step's input the first time this correlation id
// suspends. T is the step's result type.
func Step[T any](rc *ReplayContext, name string, args any) (T, error) {
	var zero T
	cid := rc.correlationID(name)

	if ev, ok := rc.terminal[cid]; ok {
		switch ev.EventType {
		case store.EventStepCompleted:
			return hydrateAs[T](rc, ev.EventData)
		case store.EventStepFailed:
			info := decodeErrorInfo(ev.EventData)
			return zero, Fatal("%s", info.Message)
		}
	}

	argsRaw, err := dehydrateValue(rc, args)
	if err != nil {
		return zero, err
	}
	rc.invocations.Put(&Invocation{Kind: PrimitiveStep, CorrelationID: cid, StepName: name, Args: argsRaw})
	return zero, &Suspension{Invocations: rc.invocations}
}

// Hook registers an externally-addressable resume point keyed by token. It
// suspends until a hook_received event arrives for this correlation id.
func Hook[T any](rc *ReplayContext, name, token string) (T, error) {
	var zero T
	cid := rc.correlationID(name)

	if ev, ok := rc.terminal[cid]; ok && ev.EventType == store.EventHookReceived {
		return hydrateAs[T](rc, ev.EventData)
	}

	rc.invocations.Put(&Invocation{Kind: PrimitiveHook, CorrelationID: cid, Token: token})
	return zero, &Suspension{Invocations: rc.invocations}
}

// Wait suspends until resumeAt, resuming with no value. Once wait_completed
// is recorded for this call's correlation id, replaying the call returns nil
// immediately.
func Wait(rc *ReplayContext, name string, resumeAt time.Time) error {
	cid := rc.correlationID(name)
	if _, ok := rc.terminal[cid]; ok {
		return nil
	}
	rc.invocations.Put(&Invocation{Kind: PrimitiveWait, CorrelationID: cid, ResumeAt: resumeAt})
	return &Suspension{Invocations: rc.invocations}
}

// Sleep is Wait relative to the replay clock rather than an absolute time.
func Sleep(rc *ReplayContext, name string, d time.Duration) error {
	return Wait(rc, name, rc.now.Add(d))
}

func dehydrateValue(rc *ReplayContext, v any) (json.RawMessage, error) {
	var ops []serialize.Op
	raw, err := serialize.Dehydrate(rc.ctx, rc.reg, rc.streams, v, &ops)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := op.Await(rc.ctx); err != nil {
			return nil, fmt.Errorf("engine: await dehydrate op %s: %w", op.Kind, err)
		}
	}
	return raw, nil
}

func hydrateAs[T any](rc *ReplayContext, raw json.RawMessage) (T, error) {
	var zero T
	v, err := serialize.Hydrate(rc.ctx, rc.reg, rc.streams, raw, nil)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("engine: hydrated value is %T, want %T", v, zero)
	}
	return typed, nil
}
