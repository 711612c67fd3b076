package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// Task kinds handled by the worker
const (
	KindEscalation       = "escalation"
	KindDeferredDelivery = "deferred_delivery"
)

// Task is one durable delayed job. Payload is kind-specific JSON.
type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes a due task. Returning an error re-schedules the task
// a short backoff later instead of losing it.
type Handler func(ctx context.Context, task Task) error

// Scheduler is a time-ordered index of pending timers. Entries survive
// process restarts; wall-clock delays routinely span process lifetimes.
type Scheduler interface {
	Schedule(ctx context.Context, task Task, due time.Time) error
	Cancel(ctx context.Context, taskID string) error
}
