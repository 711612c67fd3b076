package queue

import (
	"context"
	"hash/fnv"
)

// Delivery is one dequeued message awaiting Ack or Nack
type Delivery struct {
	ID      string
	Key     string
	Payload []byte
	Attempt int
	Shard   int
}

// DeadLetterSink receives messages that exhausted their retry budget.
// They are set aside for manual inspection, never silently dropped.
type DeadLetterSink func(ctx context.Context, key string, payload []byte, attempts int, lastErr string)

// Queue is a durable, ordered-per-key buffer with at-least-once delivery.
// Messages sharing a key are delivered in enqueue order; no cross-key
// ordering is guaranteed. A consumer that never acks causes redelivery,
// so consumers must tolerate duplicates.
type Queue interface {
	Enqueue(ctx context.Context, key string, payload []byte) error
	// Dequeue blocks up to the implementation's poll interval and returns
	// (nil, nil) when idle
	Dequeue(ctx context.Context, consumer string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) error
}

// shardFor maps a key onto one of n shards. Same key, same shard, and each
// shard is FIFO, which is what gives per-key ordering.
func shardFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
