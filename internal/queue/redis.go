package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

const streamPrefix = "events:"

// RedisQueue implements Queue over Redis Streams. One stream per shard,
// one consumer group per stream. A shard with an in-flight delivery is held
// back from all consumers and a nacked delivery is redelivered before any
// newer entry of its shard, so same-key messages never overtake each other.
// Unacked entries stay pending and are reclaimed after claim_min_idle,
// which is what makes delivery at-least-once across process crashes.
type RedisQueue struct {
	client *redis.Client
	cfg    config.QueueConfig
	sink   DeadLetterSink
	cursor atomic.Uint32

	mu    sync.Mutex
	held  map[int]bool      // shards with an in-flight delivery
	retry map[int]*Delivery // nacked deliveries awaiting redelivery
}

// NewRedisQueue creates the queue and its consumer groups
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg config.QueueConfig, sink DeadLetterSink) (*RedisQueue, error) {
	q := &RedisQueue{
		client: client,
		cfg:    cfg,
		sink:   sink,
		held:   make(map[int]bool),
		retry:  make(map[int]*Delivery),
	}
	for i := 0; i < cfg.Shards; i++ {
		err := client.XGroupCreateMkStream(ctx, q.stream(i), cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("failed to create consumer group for shard %d: %w", i, err)
		}
	}
	return q, nil
}

func isBusyGroup(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (q *RedisQueue) stream(shard int) string {
	return fmt.Sprintf("%s%d", streamPrefix, shard)
}

// Enqueue appends the payload to the shard stream owning the key
func (q *RedisQueue) Enqueue(ctx context.Context, key string, payload []byte) error {
	shard := shardFor(key, q.cfg.Shards)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(shard),
		Values: map[string]interface{}{"key": key, "payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Dequeue hands out the next entry: in-process redeliveries first, then
// abandoned pending entries, then new ones. The chosen shard stays held
// until the delivery is acked or nacked so no other consumer can read a
// later entry of the same key in the meantime.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string) (*Delivery, error) {
	if d := q.takeRetry(); d != nil {
		return d, nil
	}

	shard, ok := q.holdNextShard()
	if !ok {
		// Every shard has a delivery in flight; back off briefly
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Millisecond):
		}
		return nil, nil
	}

	if d, err := q.reclaim(ctx, shard, consumer); err != nil {
		q.releaseShard(shard)
		return nil, err
	} else if d != nil {
		return d, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{q.stream(shard), ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout.Std(),
	}).Result()
	if err != nil {
		q.releaseShard(shard)
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			return q.delivery(shard, msg, 1), nil
		}
	}
	q.releaseShard(shard)
	return nil, nil
}

// takeRetry hands out a nacked delivery, re-holding its shard
func (q *RedisQueue) takeRetry() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	for shard, d := range q.retry {
		delete(q.retry, shard)
		q.held[shard] = true
		return d
	}
	return nil
}

// holdNextShard claims the next free shard round-robin. A shard with an
// in-flight delivery or a pending redelivery is skipped.
func (q *RedisQueue) holdNextShard() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.cfg.Shards; i++ {
		shard := int(q.cursor.Add(1)) % q.cfg.Shards
		if q.held[shard] || q.retry[shard] != nil {
			continue
		}
		q.held[shard] = true
		return shard, true
	}
	return 0, false
}

func (q *RedisQueue) releaseShard(shard int) {
	q.mu.Lock()
	delete(q.held, shard)
	q.mu.Unlock()
}

// reclaim sweeps pending entries idle longer than claim_min_idle: poison
// entries past the retry budget go to the dead-letter sink, the rest are
// claimed for redelivery.
func (q *RedisQueue) reclaim(ctx context.Context, shard int, consumer string) (*Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream(shard),
		Group:  q.cfg.Group,
		Idle:   q.cfg.ClaimMinIdle.Std(),
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, nil
	}

	for _, p := range pending {
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream(shard),
			Group:    q.cfg.Group,
			Consumer: consumer,
			MinIdle:  q.cfg.ClaimMinIdle.Std(),
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue // another consumer won the claim
		}
		msg := claimed[0]
		attempt := int(p.RetryCount) + 1

		if attempt > q.cfg.MaxAttempts {
			q.deadLetter(ctx, shard, msg, attempt)
			continue
		}
		return q.delivery(shard, msg, attempt), nil
	}
	return nil, nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, shard int, msg redis.XMessage, attempts int) {
	key, payload := decodeValues(msg.Values)
	if q.sink != nil {
		q.sink(ctx, key, payload, attempts, "retry budget exhausted")
	}
	logger.WithComponent("queue").Warn().
		Str("stream", q.stream(shard)).
		Str("msg_id", msg.ID).
		Int("attempts", attempts).
		Msg("dead-lettered poison message")
	q.client.XAck(ctx, q.stream(shard), q.cfg.Group, msg.ID)
	q.client.XDel(ctx, q.stream(shard), msg.ID)
}

// Ack marks the delivery as processed and releases the shard
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	defer q.releaseShard(d.Shard)
	if err := q.client.XAck(ctx, q.stream(d.Shard), q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	q.client.XDel(ctx, q.stream(d.Shard), d.ID)
	return nil
}

// Nack queues the delivery for immediate in-process redelivery ahead of any
// newer entry of its shard, or dead-letters it once the retry budget is
// spent. The entry stays pending in Redis until acked, so a crash before
// the redelivery lands falls back to the reclaim sweep.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	if d.Attempt >= q.cfg.MaxAttempts {
		q.deadLetterDelivery(ctx, d)
		q.releaseShard(d.Shard)
		return nil
	}

	q.mu.Lock()
	q.retry[d.Shard] = &Delivery{
		ID:      d.ID,
		Key:     d.Key,
		Payload: d.Payload,
		Attempt: d.Attempt + 1,
		Shard:   d.Shard,
	}
	delete(q.held, d.Shard)
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) deadLetterDelivery(ctx context.Context, d *Delivery) {
	if q.sink != nil {
		q.sink(ctx, d.Key, d.Payload, d.Attempt, "retry budget exhausted")
	}
	logger.WithComponent("queue").Warn().
		Str("stream", q.stream(d.Shard)).
		Str("msg_id", d.ID).
		Int("attempts", d.Attempt).
		Msg("dead-lettered poison message")
	q.client.XAck(ctx, q.stream(d.Shard), q.cfg.Group, d.ID)
	q.client.XDel(ctx, q.stream(d.Shard), d.ID)
}

func (q *RedisQueue) delivery(shard int, msg redis.XMessage, attempt int) *Delivery {
	key, payload := decodeValues(msg.Values)
	return &Delivery{
		ID:      msg.ID,
		Key:     key,
		Payload: payload,
		Attempt: attempt,
		Shard:   shard,
	}
}

func decodeValues(values map[string]interface{}) (string, []byte) {
	key, _ := values["key"].(string)
	var payload []byte
	switch v := values["payload"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}
	return key, payload
}

// Depth returns the approximate total backlog across shards
func (q *RedisQueue) Depth(ctx context.Context) int64 {
	var total int64
	for i := 0; i < q.cfg.Shards; i++ {
		n, err := q.client.XLen(ctx, q.stream(i)).Result()
		if err == nil {
			total += n
		}
	}
	return total
}

var _ Queue = (*RedisQueue)(nil)
