// Package queue provides the at-least-once, FIFO-per-topic delivery
// abstraction the engine dispatches work through: workflow re-entry
// messages and step-execute messages both travel over the same interface,
// distinguished only by topic name.
package queue

import (
	"context"
	"time"
)

// EnqueueOptions carries the optional per-message knobs a producer may set.
type EnqueueOptions struct {
	// IdempotencyKey deduplicates redelivered enqueues over a bounded
	// window (at least one hour). Empty means no dedup.
	IdempotencyKey string

	// DeploymentID scopes delivery to a specific deployment, when the
	// backend supports multi-tenant routing. Empty means unscoped.
	DeploymentID string

	// VisibilityDelay postpones the message's first delivery.
	VisibilityDelay time.Duration
}

// DeliveryMeta describes one delivery attempt of a message to a handler.
type DeliveryMeta struct {
	QueueName string
	MessageID string
	Attempt   int
}

// HandlerResult, when non-nil, tells the queue to keep the message invisible
// for TimeoutSeconds before redelivering — used by the step executor to ask
// for a retry backoff window, and by the dispatcher to ask for a wait delay.
// A nil result (and nil error) acknowledges the message.
type HandlerResult struct {
	TimeoutSeconds int
}

// HandlerFunc processes one delivered message.
type HandlerFunc func(ctx context.Context, topic string, payload []byte, meta DeliveryMeta) (*HandlerResult, error)

// Queue is the minimal contract the engine consumes. Topics used by the
// engine are "workflow_<name>" and "step_<stepName>"; no other topic shape
// is assumed.
type Queue interface {
	// Enqueue publishes payload to topic. The call is fire-and-forget from
	// the caller's perspective: delivery is at-least-once, best-effort
	// FIFO within topic.
	Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOptions) error

	// CreateHandler registers fn for every topic with the given prefix and
	// blocks, dispatching deliveries, until ctx is cancelled.
	CreateHandler(ctx context.Context, topicPrefix string, fn HandlerFunc) error

	// MaxVisibilityDelay is the longest a message may remain invisible
	// before the backend forces redelivery. Callers approaching this
	// threshold should re-enqueue rather than rely on the existing
	// invisibility window.
	MaxVisibilityDelay() time.Duration

	Close() error
}
