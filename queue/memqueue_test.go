package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowforge/durable/queue"
	"github.com/stretchr/testify/require"
)

func TestMemQueueDeliversEnqueuedMessage(t *testing.T) {
	q := queue.NewMemQueue(time.Hour)
	defer q.Close()

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

	time.Sleep(10 * time.Millisecond) // let the handler register
	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte(`{"hello":"world"}`), queue.EnqueueOptions{}))

	waitWithTimeout(t, &wg, time.Second)
	require.Equal(t, `{"hello":"world"}`, got.Load())
}

func TestMemQueueIdempotencyKeyDedupsWithinWindow(t *testing.T) {
	q := queue.NewMemQueue(time.Hour)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveries int32
	go func() {
		_ = q.CreateHandler(ctx, "step_", func(_ context.Context, topic string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
			atomic.AddInt32(&deliveries, 1)
			return nil, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	opts := queue.EnqueueOptions{IdempotencyKey: "retry-123"}
	require.NoError(t, q.Enqueue(ctx, "step_charge", []byte("a"), opts))
	require.NoError(t, q.Enqueue(ctx, "step_charge", []byte("b"), opts))

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&deliveries))
}

func TestMemQueueHandlerResultReschedulesRedelivery(t *testing.T) {
	q := queue.NewMemQueue(time.Hour)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = q.CreateHandler(ctx, "step_", func(_ context.Context, topic string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return &queue.HandlerResult{TimeoutSeconds: 0}, nil
			}
			close(done)
			return nil, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "step_charge", []byte("a"), queue.EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestMemQueueHandlerErrorRedeliversInsteadOfDropping(t *testing.T) {
	q := queue.NewMemQueue(time.Hour)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = q.CreateHandler(ctx, "workflow_", func(_ context.Context, topic string, payload []byte, meta queue.DeliveryMeta) (*queue.HandlerResult, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return nil, errors.New("transient store error")
			}
			close(done)
			return nil, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte("a"), queue.EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for redelivery after handler error")
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for delivery")
	}
}
