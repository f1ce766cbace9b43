package serialize

import (
	"encoding/json"
	"fmt"
)

// Set is an insertion-ordered collection of distinct values, the Go
// equivalent of the value-graph's Set node. Values are compared by their
// encoding/json form so arbitrary (non-comparable) values can still be
// added; membership is a map lookup on that form.
type Set struct {
	order []any
	seen  map[string]struct{}
}

// NewSet constructs a Set containing vals, in order, skipping duplicates.
func NewSet(vals ...any) *Set {
	s := &Set{seen: make(map[string]struct{})}
	for _, v := range vals {
		s.Add(v)
	}
	return s
}

func (s *Set) Add(v any) {
	key := dedupeKey(v)
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, v)
}

func (s *Set) Has(v any) bool {
	_, ok := s.seen[dedupeKey(v)]
	return ok
}

func (s *Set) Values() []any {
	out := make([]any, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set) Len() int { return len(s.order) }

func dedupeKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// OrderedMap is an insertion-ordered key/value collection, the Go
// equivalent of the value-graph's Map node — unlike a plain Go map, keys
// need not be strings and iteration order is preserved.
type OrderedMap struct {
	keys   []any
	values []any
}

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{}
}

func (m *OrderedMap) Set(key, value any) {
	keyJSON := dedupeKey(key)
	for i, k := range m.keys {
		if dedupeKey(k) == keyJSON {
			m.values[i] = value
			return
		}
	}
	m.keys = append(m.keys, key)
	m.values = append(m.values, value)
}

func (m *OrderedMap) Get(key any) (any, bool) {
	keyJSON := dedupeKey(key)
	for i, k := range m.keys {
		if dedupeKey(k) == keyJSON {
			return m.values[i], true
		}
	}
	return nil, false
}

func (m *OrderedMap) Entries() [][2]any {
	out := make([][2]any, len(m.keys))
	for i := range m.keys {
		out[i] = [2]any{m.keys[i], m.values[i]}
	}
	return out
}

func (m *OrderedMap) Len() int { return len(m.keys) }
