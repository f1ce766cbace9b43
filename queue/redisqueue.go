package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Queue backed by Redis Streams. Each topic maps to one
// stream key; a single consumer group per stream gives at-least-once,
// FIFO-per-topic delivery across any number of worker processes.
//
// Visibility delays before first delivery are implemented by holding the
// message in a ZSET keyed by ready-time and moving it onto the stream once
// due; redelivery after a handler asks for a backoff reuses the same ZSET.
type RedisQueue struct {
	rdb   *redis.Client
	group string

	dedupWindow time.Duration

	closed chan struct{}
}

const redisQueueConsumerGroup = "durable-workers"

// RedisQueueOptions configures a RedisQueue.
type RedisQueueOptions struct {
	// Client is the Redis client used for both stream and dedup storage.
	Client *redis.Client
	// DedupWindow bounds how long an idempotency key suppresses re-enqueues.
	// Defaults to one hour.
	DedupWindow time.Duration
}

// NewRedisQueue constructs a RedisQueue over an existing client.
func NewRedisQueue(opts RedisQueueOptions) (*RedisQueue, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("queue: redis client is required")
	}
	dedupWindow := opts.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = time.Hour
	}
	return &RedisQueue{
		rdb:         opts.Client,
		group:       redisQueueConsumerGroup,
		dedupWindow: dedupWindow,
		closed:      make(chan struct{}),
	}, nil
}

func streamKey(topic string) string    { return "durable:queue:" + topic }
func delayedKey(topic string) string   { return "durable:queue:delayed:" + topic }
func dedupKey(idempotencyKey string) string { return "durable:queue:dedup:" + idempotencyKey }

type envelope struct {
	Payload   string `json:"payload"`
	MessageID string `json:"message_id"`
	Attempt   int    `json:"attempt"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOptions) error {
	if opts.IdempotencyKey != "" {
		ok, err := q.rdb.SetNX(ctx, dedupKey(opts.IdempotencyKey), "1", q.dedupWindow).Result()
		if err != nil {
			return fmt.Errorf("queue: check idempotency key: %w", err)
		}
		if !ok {
			return nil
		}
	}

	env := envelope{Payload: string(payload), MessageID: uuid.Must(uuid.NewV7()).String(), Attempt: 1}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}

	if opts.VisibilityDelay > 0 {
		readyAt := float64(time.Now().Add(opts.VisibilityDelay).UnixMilli())
		return q.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{Score: readyAt, Member: body}).Err()
	}

	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{"body": body},
	}).Err()
}

// CreateHandler consumes topicPrefix as a single topic name: the engine
// registers one handler per concrete topic ("workflow_<name>", not a prefix
// pattern), since Redis streams are keyed on the exact topic.
func (q *RedisQueue) CreateHandler(ctx context.Context, topicPrefix string, fn HandlerFunc) error {
	stream := streamKey(topicPrefix)
	if err := q.rdb.XGroupCreateMkStream(ctx, stream, q.group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}

	consumer := uuid.Must(uuid.NewV7()).String()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go q.promoteDelayed(ctx, topicPrefix, ticker.C)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		default:
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				q.handleDelivery(ctx, stream, topicPrefix, msg, fn)
			}
		}
	}
}

func (q *RedisQueue) handleDelivery(ctx context.Context, stream, topic string, msg redis.XMessage, fn HandlerFunc) {
	raw, _ := msg.Values["body"].(string)
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.rdb.XAck(ctx, stream, q.group, msg.ID)
		return
	}

	result, err := fn(ctx, topic, []byte(env.Payload), DeliveryMeta{QueueName: topic, MessageID: env.MessageID, Attempt: env.Attempt})
	if err != nil {
		// At-least-once delivery: ack the failed attempt out of the PEL and
		// reschedule it on the delayed ZSET instead of leaving it pending
		// with nothing to reclaim it.
		q.rdb.XAck(ctx, stream, q.group, msg.ID)
		env.Attempt++
		body, _ := json.Marshal(env)
		readyAt := float64(time.Now().Add(deliveryRetryBackoff(env.Attempt)).UnixMilli())
		q.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{Score: readyAt, Member: body})
		return
	}
	if result == nil {
		q.rdb.XAck(ctx, stream, q.group, msg.ID)
		return
	}

	q.rdb.XAck(ctx, stream, q.group, msg.ID)
	env.Attempt++
	body, _ := json.Marshal(env)
	readyAt := float64(time.Now().Add(time.Duration(result.TimeoutSeconds) * time.Second).UnixMilli())
	q.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{Score: readyAt, Member: body})
}

// promoteDelayed moves due messages from the per-topic delayed ZSET onto the
// live stream. Runs as a background loop alongside the consumer's read loop.
func (q *RedisQueue) promoteDelayed(ctx context.Context, topic string, tick <-chan time.Time) {
	key := delayedKey(topic)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-tick:
		}

		now := float64(time.Now().UnixMilli())
		due, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "0", Max: fmt.Sprintf("%f", now)}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		for _, body := range due {
			if removed, err := q.rdb.ZRem(ctx, key, body).Result(); err != nil || removed == 0 {
				continue // another worker already promoted this one
			}
			q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(topic), Values: map[string]any{"body": body}})
		}
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (q *RedisQueue) MaxVisibilityDelay() time.Duration { return 24 * time.Hour }

func (q *RedisQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
