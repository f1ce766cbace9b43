//go:build integration

package queue_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/durable/queue"
)

// RedisQueue needs a real server, so these only run under the integration
// build tag and only when an address is configured.

func newTestRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	addr := os.Getenv("WORKFLOW_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("WORKFLOW_REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	q, err := queue.NewRedisQueue(queue.RedisQueueOptions{Client: client})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueueDeliversEnqueuedMessage(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		_ = q.CreateHandler(ctx, "workflow_", func(_ context.Context, topic string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
			got.Store(string(payload))
			wg.Done()
			return nil, nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte(`{"hello":"world"}`), queue.EnqueueOptions{}))

	waitWithTimeout(t, &wg, 5*time.Second)
	require.Equal(t, `{"hello":"world"}`, got.Load())
}

func TestRedisQueueHandlerErrorRedeliversInsteadOfStalling(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = q.CreateHandler(ctx, "workflow_order", func(_ context.Context, topic string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return nil, errors.New("transient store error")
			}
			close(done)
			return nil, nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte("a"), queue.EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for redelivery after handler error")
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestRedisQueueIdempotencyKeyDedupsWithinWindow(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveries int32
	go func() {
		_ = q.CreateHandler(ctx, "step_", func(_ context.Context, topic string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
			atomic.AddInt32(&deliveries, 1)
			return nil, nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	opts := queue.EnqueueOptions{IdempotencyKey: "retry-123"}
	require.NoError(t, q.Enqueue(ctx, "step_charge", []byte("a"), opts))
	require.NoError(t, q.Enqueue(ctx, "step_charge", []byte("b"), opts))

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&deliveries))
}
