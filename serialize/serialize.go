// Package serialize implements the dehydrate/hydrate boundary workflow
// state crosses on its way to and from the event log: an opaque, JSON-safe
// encoding for arbitrary step input/output values, including bigints,
// times, sets, ordered maps, registered struct types, and live streams.
//
// Everything else in this runtime treats a dehydrated value as an opaque
// json.RawMessage; only step bodies and hook payloads see live Go values.
package serialize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op is a side-effecting operation dehydrate queued instead of performing
// inline — currently only stream pumps. Callers must Await every Op
// returned before treating the dehydrated form as durable.
type Op struct {
	Kind  string
	Await func(ctx context.Context) error
}

// Stream is the minimal contract a live stream value satisfies. Reader is
// exhausted by the pump Op dehydrate schedules.
type Stream interface {
	io.Reader
}

// StreamStore is where dehydrate pumps stream bytes and hydrate reads them
// back from, keyed by the reference id dehydrate mints.
type StreamStore interface {
	Put(ctx context.Context, id string, r io.Reader) error
	Get(ctx context.Context, id string) (io.ReadCloser, error)
}

// Reviver lets a caller substitute a custom Go value for one dehydrated
// envelope kind during Hydrate — e.g. the observability path renders a
// stream as a read-only reference object instead of reopening it.
type Reviver func(raw json.RawMessage) (any, error)

// Registry maps dehydrated type tags to the registered Go struct type so
// Hydrate can reconstruct registered class instances instead of falling
// back to an opaque reference. The zero Registry is unusable; use
// NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// NewRegistry constructs an empty type Registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register associates name with T's type so instances of T (passed by value
// or pointer) dehydrate to {"__type": name, ...} and hydrate back to *T.
func Register[T any](r *Registry, name string) {
	var zero T
	t := reflect.TypeOf(zero)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = t
	r.names[t] = name
}

func (r *Registry) nameFor(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	return name, ok
}

func (r *Registry) typeFor(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// envelope is the on-the-wire shape for every non-JSON-primitive value.
type envelope struct {
	Type  string          `json:"__type"`
	Value json.RawMessage `json:"value"`
}

const (
	typeBytes     = "bytes"
	typeTime      = "time"
	typeBigInt    = "bigint"
	typeSet       = "set"
	typeMap       = "map"
	typeStreamRef = "streamRef"
	typeOpaque    = "opaque"
)

// Dehydrate encodes v to a JSON-safe serialForm. Any stream values
// encountered append a pump Op to *opsOut; the caller must await every
// appended Op (typically by collecting them across an entire dehydrate call
// and awaiting as a batch) before relying on the encoded streamRef being
// readable.
func Dehydrate(ctx context.Context, reg *Registry, streams StreamStore, v any, opsOut *[]Op) (json.RawMessage, error) {
	return dehydrateValue(ctx, reg, streams, reflect.ValueOf(v), opsOut)
}

func dehydrateValue(ctx context.Context, reg *Registry, streams StreamStore, rv reflect.Value, opsOut *[]Op) (json.RawMessage, error) {
	if !rv.IsValid() {
		return json.Marshal(nil)
	}
	v := rv.Interface()

	switch val := v.(type) {
	case nil:
		return json.Marshal(nil)
	case json.RawMessage:
		return val, nil
	case time.Time:
		return wrapEnvelope(typeTime, val.Format(time.RFC3339Nano))
	case *big.Int:
		if val == nil {
			return json.Marshal(nil)
		}
		return wrapEnvelope(typeBigInt, val.String())
	case []byte:
		return wrapEnvelope(typeBytes, val)
	case *Set:
		items := val.Values()
		dehydrated := make([]json.RawMessage, len(items))
		for i, it := range items {
			raw, err := dehydrateValue(ctx, reg, streams, reflect.ValueOf(it), opsOut)
			if err != nil {
				return nil, err
			}
			dehydrated[i] = raw
		}
		return wrapEnvelope(typeSet, dehydrated)
	case *OrderedMap:
		entries := val.Entries()
		out := make([][2]json.RawMessage, len(entries))
		for i, kv := range entries {
			k, err := dehydrateValue(ctx, reg, streams, reflect.ValueOf(kv[0]), opsOut)
			if err != nil {
				return nil, err
			}
			vv, err := dehydrateValue(ctx, reg, streams, reflect.ValueOf(kv[1]), opsOut)
			if err != nil {
				return nil, err
			}
			out[i] = [2]json.RawMessage{k, vv}
		}
		return wrapEnvelope(typeMap, out)
	case Stream:
		return dehydrateStream(ctx, streams, val, opsOut)
	case map[string]any:
		out := make(map[string]json.RawMessage, len(val))
		for k, vv := range val {
			raw, err := dehydrateValue(ctx, reg, streams, reflect.ValueOf(vv), opsOut)
			if err != nil {
				return nil, err
			}
			out[k] = raw
		}
		return json.Marshal(out)
	case []any:
		out := make([]json.RawMessage, len(val))
		for i, vv := range val {
			raw, err := dehydrateValue(ctx, reg, streams, reflect.ValueOf(vv), opsOut)
			if err != nil {
				return nil, err
			}
			out[i] = raw
		}
		return json.Marshal(out)
	}

	// Registered class instance: dereference a pointer to look it up and to
	// marshal its underlying fields, but keep the pointer-ness only for
	// identity — the wire form is always the struct body.
	t := rv.Type()
	target := rv
	if t.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return json.Marshal(nil)
		}
		t = t.Elem()
		target = rv.Elem()
	}
	if name, ok := reg.nameFor(t); ok {
		body, err := json.Marshal(target.Interface())
		if err != nil {
			return nil, fmt.Errorf("serialize: marshal %s: %w", name, err)
		}
		return wrapEnvelope(name, body)
	}

	switch t.Kind() {
	case reflect.Struct:
		// Unregistered struct: opaque reference, not an error.
		return wrapEnvelope(typeOpaque, map[string]string{"kind": t.String()})
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("serialize: marshal value: %w", err)
		}
		return body, nil
	}
}

func dehydrateStream(ctx context.Context, streams StreamStore, s Stream, opsOut *[]Op) (json.RawMessage, error) {
	if streams == nil {
		return nil, fmt.Errorf("serialize: dehydrating a stream requires a StreamStore")
	}
	id := uuid.Must(uuid.NewV7()).String()
	*opsOut = append(*opsOut, Op{
		Kind: "stream_pump",
		Await: func(ctx context.Context) error {
			return streams.Put(ctx, id, s)
		},
	})
	return wrapEnvelope(typeStreamRef, map[string]string{"id": id})
}

func wrapEnvelope(typ string, value any) (json.RawMessage, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serialize: marshal %s envelope: %w", typ, err)
	}
	env := envelope{Type: typ, Value: body}
	return json.Marshal(env)
}

// Hydrate reverses Dehydrate. revivers, keyed by envelope type tag, let a
// caller substitute a custom value (e.g. a render-only reference) instead
// of the default reconstruction — most commonly for "streamRef", so an
// observability reader never reopens the underlying stream.
func Hydrate(ctx context.Context, reg *Registry, streams StreamStore, raw json.RawMessage, revivers map[string]Reviver) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Type != "" {
		if rev, ok := revivers[env.Type]; ok {
			return rev(env.Value)
		}
		return hydrateEnvelope(ctx, reg, streams, env, revivers)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("serialize: unmarshal value: %w", err)
	}
	return hydrateGeneric(ctx, reg, streams, generic, revivers)
}

func hydrateEnvelope(ctx context.Context, reg *Registry, streams StreamStore, env envelope, revivers map[string]Reviver) (any, error) {
	switch env.Type {
	case typeTime:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case typeBigInt:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("serialize: invalid bigint %q", s)
		}
		return n, nil
	case typeBytes:
		var b []byte
		if err := json.Unmarshal(env.Value, &b); err != nil {
			return nil, err
		}
		return b, nil
	case typeSet:
		var raws []json.RawMessage
		if err := json.Unmarshal(env.Value, &raws); err != nil {
			return nil, err
		}
		vals := make([]any, len(raws))
		for i, r := range raws {
			v, err := Hydrate(ctx, reg, streams, r, revivers)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return NewSet(vals...), nil
	case typeMap:
		var raws [][2]json.RawMessage
		if err := json.Unmarshal(env.Value, &raws); err != nil {
			return nil, err
		}
		om := NewOrderedMap()
		for _, kv := range raws {
			k, err := Hydrate(ctx, reg, streams, kv[0], revivers)
			if err != nil {
				return nil, err
			}
			v, err := Hydrate(ctx, reg, streams, kv[1], revivers)
			if err != nil {
				return nil, err
			}
			om.Set(k, v)
		}
		return om, nil
	case typeStreamRef:
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Value, &ref); err != nil {
			return nil, err
		}
		if streams == nil {
			return nil, fmt.Errorf("serialize: hydrating a streamRef requires a StreamStore")
		}
		return streams.Get(ctx, ref.ID)
	case typeOpaque:
		var info map[string]string
		_ = json.Unmarshal(env.Value, &info)
		return OpaqueRef{Kind: info["kind"]}, nil
	default:
		t, ok := reg.typeFor(env.Type)
		if !ok {
			return OpaqueRef{Kind: env.Type}, nil
		}
		ptr := reflect.New(t)
		if err := json.Unmarshal(env.Value, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("serialize: unmarshal %s: %w", env.Type, err)
		}
		return ptr.Interface(), nil
	}
}

// hydrateGeneric recursively hydrates a value produced by encoding/json's
// default unmarshal-to-any (maps, slices, primitives), descending into
// nested envelopes that survived as map[string]any with a "__type" key.
func hydrateGeneric(ctx context.Context, reg *Registry, streams StreamStore, v any, revivers map[string]Reviver) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if typ, ok := val["__type"].(string); ok {
			valueJSON, err := json.Marshal(val["value"])
			if err != nil {
				return nil, err
			}
			env := envelope{Type: typ, Value: valueJSON}
			if rev, ok := revivers[typ]; ok {
				return rev(env.Value)
			}
			return hydrateEnvelope(ctx, reg, streams, env, revivers)
		}
		out := make(map[string]any, len(val))
		for k, vv := range val {
			hv, err := hydrateGeneric(ctx, reg, streams, vv, revivers)
			if err != nil {
				return nil, err
			}
			out[k] = hv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			hv, err := hydrateGeneric(ctx, reg, streams, vv, revivers)
			if err != nil {
				return nil, err
			}
			out[i] = hv
		}
		return out, nil
	default:
		return val, nil
	}
}

// OpaqueRef is what a non-registered class instance, or an unrecognized
// envelope type tag, hydrates to — a reference object rather than an error.
type OpaqueRef struct {
	Kind string
}
