package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/errwatch/errwatch-backend/pkg/logger"
)

const (
	pendingKey = "timers:pending"
	bodyPrefix = "timers:body:"
)

// popDueScript atomically pops due timer ids so two worker processes never
// both fire the same timer
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
end
return due
`)

// RedisScheduler stores timers in a ZSET scored by due time, with task
// bodies in companion keys so Cancel works by id alone.
type RedisScheduler struct {
	client   *redis.Client
	poll     time.Duration
	handlers map[string]Handler
}

// NewRedisScheduler creates a durable scheduler
func NewRedisScheduler(client *redis.Client, poll time.Duration) *RedisScheduler {
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisScheduler{
		client:   client,
		poll:     poll,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a task kind to its handler. Not safe to call after
// Run has started.
func (s *RedisScheduler) RegisterHandler(kind string, h Handler) {
	s.handlers[kind] = h
}

// Schedule stores the task and indexes it by due time
func (s *RedisScheduler) Schedule(ctx context.Context, task Task, due time.Time) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, bodyPrefix+task.ID, body, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(due.UnixMilli()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

// Cancel removes a pending task. Cancelling an already-fired or unknown
// task is a no-op.
func (s *RedisScheduler) Cancel(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, pendingKey, taskID)
	pipe.Del(ctx, bodyPrefix+taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// Run polls for due timers until the context is cancelled
func (s *RedisScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RedisScheduler) tick(ctx context.Context) {
	ids, err := popDueScript.Run(ctx, s.client, []string{pendingKey},
		time.Now().UnixMilli(), 100,
	).StringSlice()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		s.fire(ctx, id)
	}
}

func (s *RedisScheduler) fire(ctx context.Context, id string) {
	log := logger.WithComponent("scheduler")

	body, err := s.client.GetDel(ctx, bodyPrefix+id).Bytes()
	if err != nil {
		// Body already consumed or cancelled between pop and fetch
		return
	}

	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("dropping malformed timer body")
		return
	}

	handler, ok := s.handlers[task.Kind]
	if !ok {
		log.Error().Str("task_id", id).Str("kind", task.Kind).Msg("no handler for timer kind")
		return
	}

	if err := handler(ctx, task); err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("timer handler failed, re-scheduling")
		if serr := s.Schedule(ctx, task, time.Now().Add(s.poll*5)); serr != nil {
			log.Error().Err(serr).Str("task_id", id).Msg("failed to re-schedule timer")
		}
	}
}

var _ Scheduler = (*RedisScheduler)(nil)
