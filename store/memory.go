package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process Store backed by mutex-guarded maps of slices.
// It is meant for tests and single-process development, not for production
// durability.
type MemStore struct {
	mu sync.RWMutex

	runs  map[string]*Run
	steps map[string]map[string]*Step // runID -> stepID -> Step

	hooks        map[string]*Hook // hookID -> Hook
	hooksByToken map[string]string // token -> hookID

	events              map[string][]Event // runID -> events, append order
	eventsByCorrelation map[string][]Event // correlationID -> events, append order
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:                make(map[string]*Run),
		steps:               make(map[string]map[string]*Step),
		hooks:               make(map[string]*Hook),
		hooksByToken:        make(map[string]string),
		events:              make(map[string][]Event),
		eventsByCorrelation: make(map[string][]Event),
	}
}

func (m *MemStore) CreateEvent(_ context.Context, runID string, input EventInput) (CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var cur entities
	if input.EventType != EventRunCreated {
		cur.Run = m.runs[runID]
	}
	if input.CorrelationID != "" {
		if steps, ok := m.steps[runID]; ok {
			cur.Step = steps[input.CorrelationID]
		}
		cur.Hook = m.hooks[input.CorrelationID]
	}
	if input.EventType == EventHookCreated && input.Token != "" {
		if ownerID, ok := m.hooksByToken[input.Token]; ok {
			if owner := m.hooks[ownerID]; owner != nil && !owner.Disposed {
				cur.TokenOwner = owner
			}
		}
	}

	p, err := project(now, runID, cur, input)
	if err != nil {
		return CreateResult{}, err
	}

	targetRunID := runID
	if p.NewRunID != "" {
		targetRunID = p.NewRunID
	}

	if p.Run != nil {
		m.runs[targetRunID] = p.Run
	}
	if p.Step != nil {
		if m.steps[targetRunID] == nil {
			m.steps[targetRunID] = make(map[string]*Step)
		}
		m.steps[targetRunID][p.Step.StepID] = p.Step
	}
	if p.Hook != nil {
		m.hooks[p.Hook.HookID] = p.Hook
		if p.Hook.Token != "" {
			m.hooksByToken[p.Hook.Token] = p.Hook.HookID
		}
	}
	if p.DisposeRunHooks {
		for _, h := range m.hooks {
			if h.RunID == targetRunID && !h.Disposed {
				h.Disposed = true
				disposedAt := now
				h.DisposedAt = &disposedAt
			}
		}
	}
	if p.Event.EventID != "" {
		p.Event.RunID = targetRunID
		m.events[targetRunID] = append(m.events[targetRunID], p.Event)
		if p.Event.CorrelationID != "" {
			m.eventsByCorrelation[p.Event.CorrelationID] = append(m.eventsByCorrelation[p.Event.CorrelationID], p.Event)
		}
	}

	return CreateResult{Event: p.Event, Run: p.Run, Step: p.Step, Hook: p.Hook}, nil
}

func (m *MemStore) ListEvents(_ context.Context, runID string, order SortOrder, opts PageOpts) (Page[Event], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return paginate(m.events[runID], func(e Event) string { return e.EventID }, order, opts, 100)
}

func (m *MemStore) ListEventsByCorrelationID(_ context.Context, correlationID string, order SortOrder, opts PageOpts) (Page[Event], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return paginate(m.eventsByCorrelation[correlationID], func(e Event) string { return e.EventID }, order, opts, 100)
}

func (m *MemStore) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, notFound("run %q not found", runID)
	}
	return *run, nil
}

func (m *MemStore) ListRuns(_ context.Context, filter RunFilter, opts PageOpts) (Page[Run], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.DeploymentID != "" && r.DeploymentID != filter.DeploymentID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		matched = append(matched, *r)
	}
	sortRunsByID(matched)
	return paginate(matched, func(r Run) string { return r.RunID }, Descending, opts, 50)
}

func (m *MemStore) GetStep(_ context.Context, runID, stepID string) (Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps, ok := m.steps[runID]
	if !ok {
		return Step{}, notFound("step %q not found", stepID)
	}
	step, ok := steps[stepID]
	if !ok {
		return Step{}, notFound("step %q not found", stepID)
	}
	return *step, nil
}

func (m *MemStore) ListSteps(_ context.Context, runID string, opts PageOpts) (Page[Step], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := make([]Step, 0, len(m.steps[runID]))
	for _, s := range m.steps[runID] {
		steps = append(steps, *s)
	}
	sortStepsByID(steps)
	return paginate(steps, func(s Step) string { return s.StepID }, Descending, opts, 50)
}

func (m *MemStore) GetHook(_ context.Context, hookID string) (Hook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hook, ok := m.hooks[hookID]
	if !ok {
		return Hook{}, notFound("hook %q not found", hookID)
	}
	return *hook, nil
}

func (m *MemStore) GetHookByToken(_ context.Context, token string) (Hook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hookID, ok := m.hooksByToken[token]
	if !ok {
		return Hook{}, notFound("hook with token %q not found", token)
	}
	return *m.hooks[hookID], nil
}

func (m *MemStore) ListHooks(_ context.Context, runID string, opts PageOpts) (Page[Hook], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hooks := make([]Hook, 0, len(m.hooks))
	for _, h := range m.hooks {
		if runID != "" && h.RunID != runID {
			continue
		}
		hooks = append(hooks, *h)
	}
	sortHooksByID(hooks)
	return paginate(hooks, func(h Hook) string { return h.HookID }, Descending, opts, 50)
}

// Start is a no-op: MemStore has no background maintenance to run.
func (m *MemStore) Start(_ context.Context) error { return nil }

// Close is a no-op: MemStore holds no external resources.
func (m *MemStore) Close() error { return nil }
