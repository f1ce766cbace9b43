package engine

import (
	"encoding/json"
	"time"
)

// PrimitiveKind distinguishes the three primitives a workflow body can
// suspend on.
type PrimitiveKind string

const (
	PrimitiveStep PrimitiveKind = "step"
	PrimitiveHook PrimitiveKind = "hook"
	PrimitiveWait PrimitiveKind = "wait"
)

// Invocation is one pending primitive discovered during a replay pass: a
// step not yet resolved, a hook not yet created, or a wait not yet due.
type Invocation struct {
	Kind          PrimitiveKind
	CorrelationID string

	// StepName/Args apply to PrimitiveStep.
	StepName string
	Args     json.RawMessage

	// Token applies to PrimitiveHook.
	Token string

	// ResumeAt applies to PrimitiveWait.
	ResumeAt time.Time
}

// InvocationMap is the per-replay pending-primitive set. It must support
// O(1) insertion and de-duplication by correlation id — a hash map, not a
// scanned slice, per the observed perf constraint on this structure — while
// still iterating in the deterministic order primitives were discovered in.
type InvocationMap struct {
	order []string
	byID  map[string]*Invocation
}

// NewInvocationMap constructs an empty InvocationMap.
func NewInvocationMap() *InvocationMap {
	return &InvocationMap{byID: make(map[string]*Invocation)}
}

// Put records inv, keyed by its CorrelationID. A second Put for the same
// correlation id is a no-op: the first discovery wins, matching replay's
// requirement that suspending on the same primitive twice in one pass is
// idempotent.
func (m *InvocationMap) Put(inv *Invocation) {
	if _, exists := m.byID[inv.CorrelationID]; exists {
		return
	}
	m.byID[inv.CorrelationID] = inv
	m.order = append(m.order, inv.CorrelationID)
}

// Len reports the number of pending invocations.
func (m *InvocationMap) Len() int { return len(m.order) }

// All returns every invocation in discovery order.
func (m *InvocationMap) All() []*Invocation {
	out := make([]*Invocation, len(m.order))
	for i, id := range m.order {
		out[i] = m.byID[id]
	}
	return out
}

// ByKind returns every invocation of the given kind, in discovery order.
func (m *InvocationMap) ByKind(kind PrimitiveKind) []*Invocation {
	var out []*Invocation
	for _, id := range m.order {
		if inv := m.byID[id]; inv.Kind == kind {
			out = append(out, inv)
		}
	}
	return out
}
