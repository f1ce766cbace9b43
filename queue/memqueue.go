package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is an in-process Queue for tests and single-process development.
// Visibility delays and retry backoffs are implemented with time.AfterFunc
// rather than a real broker clock.
type MemQueue struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc // topicPrefix -> handler
	dedup    map[string]time.Time   // idempotencyKey -> expiry
	closed   bool
	done     chan struct{}

	dedupWindow time.Duration
}

// NewMemQueue constructs an empty MemQueue. dedupWindow is how long an
// idempotency key suppresses re-enqueues; pass 0 for the 1-hour default.
func NewMemQueue(dedupWindow time.Duration) *MemQueue {
	if dedupWindow <= 0 {
		dedupWindow = time.Hour
	}
	q := &MemQueue{
		handlers:    make(map[string]HandlerFunc),
		dedup:       make(map[string]time.Time),
		done:        make(chan struct{}),
		dedupWindow: dedupWindow,
	}
	go q.reapDedup()
	return q
}

func (q *MemQueue) reapDedup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			now := time.Now()
			q.mu.Lock()
			for k, exp := range q.dedup {
				if now.After(exp) {
					delete(q.dedup, k)
				}
			}
			q.mu.Unlock()
		}
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOptions) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return context.Canceled
	}
	if opts.IdempotencyKey != "" {
		if exp, ok := q.dedup[opts.IdempotencyKey]; ok && time.Now().Before(exp) {
			q.mu.Unlock()
			return nil
		}
		q.dedup[opts.IdempotencyKey] = time.Now().Add(q.dedupWindow)
	}
	var handler HandlerFunc
	var matchedLen int
	for prefix, fn := range q.handlers {
		if strings.HasPrefix(topic, prefix) && len(prefix) > matchedLen {
			handler, matchedLen = fn, len(prefix)
		}
	}
	q.mu.Unlock()

	if handler == nil {
		return nil // no consumer registered yet; message is dropped like an unbound topic
	}

	messageID := uuid.Must(uuid.NewV7()).String()
	deliver := func() { q.deliver(ctx, handler, topic, payload, messageID, 1) }
	if opts.VisibilityDelay > 0 {
		time.AfterFunc(opts.VisibilityDelay, deliver)
		return nil
	}
	go deliver()
	return nil
}

func (q *MemQueue) deliver(ctx context.Context, fn HandlerFunc, topic string, payload []byte, messageID string, attempt int) {
	select {
	case <-q.done:
		return
	default:
	}
	result, err := fn(ctx, topic, payload, DeliveryMeta{QueueName: topic, MessageID: messageID, Attempt: attempt})
	if err != nil {
		// At-least-once delivery: a handler error means the message was
		// not processed, so redeliver after a short backoff rather than
		// dropping it (engine/dispatcher.go relies on exactly this for its
		// Retryable/Transport errors to redeliver the workflow message).
		time.AfterFunc(deliveryRetryBackoff(attempt), func() {
			q.deliver(ctx, fn, topic, payload, messageID, attempt+1)
		})
		return
	}
	if result == nil {
		return // ack
	}
	delay := time.Duration(result.TimeoutSeconds) * time.Second
	time.AfterFunc(delay, func() { q.deliver(ctx, fn, topic, payload, messageID, attempt+1) })
}

const (
	deliveryRetryBase = time.Second
	deliveryRetryMax  = 30 * time.Second
)

// deliveryRetryBackoff grows the delay between failed deliveries up to
// deliveryRetryMax, doubling per attempt.
func deliveryRetryBackoff(attempt int) time.Duration {
	if attempt < 0 || attempt > 20 { // guard against overflow on a long-failing message
		return deliveryRetryMax
	}
	d := deliveryRetryBase * time.Duration(1<<uint(attempt))
	if d > deliveryRetryMax {
		d = deliveryRetryMax
	}
	return d
}

func (q *MemQueue) CreateHandler(ctx context.Context, topicPrefix string, fn HandlerFunc) error {
	q.mu.Lock()
	q.handlers[topicPrefix] = fn
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	delete(q.handlers, topicPrefix)
	q.mu.Unlock()
	return nil
}

func (q *MemQueue) MaxVisibilityDelay() time.Duration { return 24 * time.Hour }

func (q *MemQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}
