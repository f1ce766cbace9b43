package engine

import (
	"time"

	"github.com/flowforge/durable/observe"
	"github.com/flowforge/durable/queue"
	"github.com/flowforge/durable/serialize"
	"github.com/flowforge/durable/store"
)

// Option configures an Engine at construction time.
type Option func(*config) error

type config struct {
	store       store.Store
	queue       queue.Queue
	registry    *serialize.Registry
	streams     serialize.StreamStore
	emitter     observe.Emitter
	metrics     *observe.Metrics
	retryPolicy RetryPolicy
	concurrency int
}

func defaultConfig() config {
	return config{
		registry:    serialize.NewRegistry(),
		emitter:     observe.NewNullEmitter(),
		retryPolicy: DefaultRetryPolicy(),
		concurrency: 8,
	}
}

// WithStore sets the storage backend. Required.
func WithStore(s store.Store) Option {
	return func(c *config) error { c.store = s; return nil }
}

// WithQueue sets the queue backend. Required.
func WithQueue(q queue.Queue) Option {
	return func(c *config) error { c.queue = q; return nil }
}

// WithRegistry overrides the default (empty) serialize.Registry, letting
// workflow step inputs/outputs round-trip as registered class instances
// instead of opaque references.
func WithRegistry(reg *serialize.Registry) Option {
	return func(c *config) error { c.registry = reg; return nil }
}

// WithStreamStore enables step bodies to return live streams.
func WithStreamStore(s serialize.StreamStore) Option {
	return func(c *config) error { c.streams = s; return nil }
}

// WithEmitter wires observability. Defaults to a NullEmitter.
func WithEmitter(e observe.Emitter) Option {
	return func(c *config) error { c.emitter = e; return nil }
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) error { c.metrics = m; return nil }
}

// WithDefaultRetryPolicy overrides the policy applied to steps that don't
// declare their own (default: 3 retries, 1s base, 30s cap).
func WithDefaultRetryPolicy(p RetryPolicy) Option {
	return func(c *config) error {
		if p.MaxRetries < 0 {
			return errInvalidRetryPolicy
		}
		c.retryPolicy = p
		return nil
	}
}

// WithWorkerConcurrency bounds how many queue messages a single Engine
// processes at once (default 8).
func WithWorkerConcurrency(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return errInvalidConcurrency
		}
		c.concurrency = n
		return nil
	}
}

// stepTimeoutDefault is a five-minute step budget that no option sets and the
// executor does not read; host-imposed timeouts are what actually kill a
// long-running step (§4.3).
const stepTimeoutDefault = 5 * time.Minute
