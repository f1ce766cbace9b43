// Package engine implements the workflow dispatcher, step executor, and
// suspension handler: the three collaborating pieces that replay a workflow
// body against its event log, execute one step attempt at a time, and turn
// a Suspension into persisted entities plus queue messages.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowforge/durable/observe"
	"github.com/flowforge/durable/queue"
)

// Engine is the composite runtime handle: one Store, one Queue, one
// serialization Registry, and the workflow/step function registries a host
// process registers at startup before calling Start.
type Engine struct {
	cfg config

	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
	steps     map[string]StepFunc

	// sem bounds how many workflow/step messages this Engine processes at
	// once, shared across both queue handlers (WithWorkerConcurrency).
	sem chan struct{}
}

// StepFunc is the dehydrated form every registered step body is wrapped
// into: args in, result out, both already JSON-safe. RegisterStep builds
// one of these from a typed Go function.
type StepFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// New constructs an Engine. WithStore and WithQueue are required; every
// other option has a usable default.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.store == nil {
		return nil, fmt.Errorf("engine: WithStore is required")
	}
	if cfg.queue == nil {
		return nil, fmt.Errorf("engine: WithQueue is required")
	}
	return &Engine{
		cfg:       cfg,
		workflows: make(map[string]WorkflowFunc),
		steps:     make(map[string]StepFunc),
		sem:       make(chan struct{}, cfg.concurrency),
	}, nil
}

// acquire blocks until a worker slot is free or ctx is cancelled.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.sem }

// RegisterWorkflow associates name (the manifest workflowId's basename, or
// any stable string a caller chooses) with fn. Runs whose WorkflowName
// doesn't match a registered workflow fail dispatch with a plain error.
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

// RegisterStep associates name with a typed step function. A and R must
// either be JSON-primitive-compatible (maps, slices, strings, numbers,
// bools), one of serialize's built-in special cases (time.Time, *big.Int,
// *serialize.Set, *serialize.OrderedMap), or a struct type registered with
// the Engine's serialize.Registry — an unregistered struct argument hydrates
// to a serialize.OpaqueRef instead of A, which RegisterStep's wrapper
// reports as an error rather than silently losing data. A bare numeric R
// (int, int32, ...) will not round-trip: serialize.Hydrate decodes JSON
// numbers to float64 the same way encoding/json's any-typed Unmarshal does,
// so a number-valued R should be declared float64, or wrapped in a
// registered struct if a narrower type matters.
func RegisterStep[A, R any](e *Engine, name string, fn func(ctx context.Context, args A) (R, error)) {
	wrapped := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			hydrated, err := serializeHydrate(ctx, e, raw)
			if err != nil {
				return nil, err
			}
			if hydrated != nil {
				typed, ok := hydrated.(A)
				if !ok {
					return nil, fmt.Errorf("engine: step %q expected args %T, got %T (register the type with serialize.Register if it's a struct)", name, args, hydrated)
				}
				args = typed
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return serializeDehydrate(ctx, e, result)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[name] = wrapped
}

func (e *Engine) workflowFunc(name string) (WorkflowFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

func (e *Engine) stepFunc(name string) (StepFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.steps[name]
	return fn, ok
}

func (e *Engine) emit(event observe.Event) {
	e.cfg.emitter.Emit(event)
}

// Start registers the engine's two queue handlers (workflow re-entry and
// step execution) and blocks until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- e.cfg.queue.CreateHandler(ctx, workflowTopicPrefix, e.handleWorkflowMessage) }()
	go func() { errCh <- e.cfg.queue.CreateHandler(ctx, stepTopicPrefix, e.handleStepMessage) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) handleWorkflowMessage(ctx context.Context, _ string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
	var msg workflowMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("engine: decode workflow message: %w", err)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	result, err := e.Dispatch(ctx, msg.RunID)
	if err != nil {
		return nil, err
	}
	if result.Suspended && result.ReenqueueDelay > 0 {
		return &queue.HandlerResult{TimeoutSeconds: int(result.ReenqueueDelay.Seconds())}, nil
	}
	return nil, nil
}

func (e *Engine) handleStepMessage(ctx context.Context, _ string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
	var msg stepMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("engine: decode step message: %w", err)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	return e.executeStep(ctx, msg, meta.Attempt)
}
