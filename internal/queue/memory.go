package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same semantics as the Redis
// implementation: per-key FIFO, at-least-once, dead-letter past the retry
// budget. Used in tests and single-node development. A key with an
// in-flight delivery is held back so later messages of the same key can
// never overtake a failed one.
type MemoryQueue struct {
	mu          sync.Mutex
	keyQueues   map[string][]*memItem
	readyKeys   []string
	inflight    map[string]*memItem // delivery id → item
	checkedOut  map[string]bool     // keys with an in-flight delivery
	maxAttempts int
	sink        DeadLetterSink
	nextID      int
}

type memItem struct {
	id      string
	key     string
	payload []byte
	attempt int
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(maxAttempts int, sink DeadLetterSink) *MemoryQueue {
	return &MemoryQueue{
		keyQueues:   make(map[string][]*memItem),
		inflight:    make(map[string]*memItem),
		checkedOut:  make(map[string]bool),
		maxAttempts: maxAttempts,
		sink:        sink,
	}
}

// Enqueue appends the payload to the key's FIFO
func (q *MemoryQueue) Enqueue(_ context.Context, key string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	item := &memItem{
		id:      fmt.Sprintf("mem-%d", q.nextID),
		key:     key,
		payload: payload,
		attempt: 0,
	}
	if len(q.keyQueues[key]) == 0 && !q.checkedOut[key] {
		q.readyKeys = append(q.readyKeys, key)
	}
	q.keyQueues[key] = append(q.keyQueues[key], item)
	return nil
}

// Dequeue pops the head of the oldest ready key, or returns (nil, nil)
// after a short idle wait
func (q *MemoryQueue) Dequeue(ctx context.Context, _ string) (*Delivery, error) {
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		if d := q.tryDequeue(); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *MemoryQueue) tryDequeue() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, key := range q.readyKeys {
		items := q.keyQueues[key]
		if len(items) == 0 || q.checkedOut[key] {
			continue
		}
		item := items[0]
		q.keyQueues[key] = items[1:]
		q.readyKeys = append(q.readyKeys[:i], q.readyKeys[i+1:]...)
		q.checkedOut[key] = true
		item.attempt++
		q.inflight[item.id] = item
		return &Delivery{
			ID:      item.id,
			Key:     item.key,
			Payload: item.payload,
			Attempt: item.attempt,
		}
	}
	return nil
}

// Ack completes the delivery and releases the key
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.inflight[d.ID]
	if !ok {
		return fmt.Errorf("unknown delivery %s", d.ID)
	}
	delete(q.inflight, d.ID)
	q.release(item.key)
	return nil
}

// Nack returns the delivery to the head of its key queue for redelivery,
// or dead-letters it once the retry budget is spent
func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	item, ok := q.inflight[d.ID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("unknown delivery %s", d.ID)
	}
	delete(q.inflight, d.ID)

	if item.attempt >= q.maxAttempts {
		q.release(item.key)
		sink := q.sink
		q.mu.Unlock()
		if sink != nil {
			sink(ctx, item.key, item.payload, item.attempt, "retry budget exhausted")
		}
		return nil
	}

	// Back to the head: same-key messages never overtake a failed one
	q.keyQueues[item.key] = append([]*memItem{item}, q.keyQueues[item.key]...)
	q.release(item.key)
	q.mu.Unlock()
	return nil
}

// Len reports the number of undelivered messages across all keys
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.inflight)
	for _, items := range q.keyQueues {
		n += len(items)
	}
	return n
}

// release must be called with q.mu held
func (q *MemoryQueue) release(key string) {
	delete(q.checkedOut, key)
	if len(q.keyQueues[key]) > 0 {
		q.readyKeys = append(q.readyKeys, key)
	}
}

var _ Queue = (*MemoryQueue)(nil)
