package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/errwatch/errwatch-backend/pkg/logger"
)

// MemoryScheduler keeps timers in process memory. Pending timers do not
// survive a restart; it backs tests and single-node development without
// Redis.
type MemoryScheduler struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	handlers map[string]Handler
}

// NewMemoryScheduler creates an in-process scheduler
func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		timers:   make(map[string]*time.Timer),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a task kind to its handler
func (s *MemoryScheduler) RegisterHandler(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Schedule arms a timer that fires the task's handler at due
func (s *MemoryScheduler) Schedule(_ context.Context, task Task, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.fire(task)
	})
	return nil
}

// Cancel disarms a pending timer
func (s *MemoryScheduler) Cancel(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[taskID]; ok {
		timer.Stop()
		delete(s.timers, taskID)
	}
	return nil
}

func (s *MemoryScheduler) fire(task Task) {
	s.mu.Lock()
	delete(s.timers, task.ID)
	h := s.handlers[task.Kind]
	s.mu.Unlock()

	if h == nil {
		logger.WithComponent("scheduler").Warn().
			Str("kind", task.Kind).Msg("no handler registered for task kind")
		return
	}
	if err := h(context.Background(), task); err != nil {
		logger.WithComponent("scheduler").Error().Err(err).
			Str("task_id", task.ID).Msg("task handler failed")
	}
}

var _ Scheduler = (*MemoryScheduler)(nil)
