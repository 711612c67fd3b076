package service

import (
	"context"
	"fmt"

	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/queue"
	"github.com/errwatch/errwatch-backend/internal/repository"
)

// OpsService is the operator surface over dead-lettered events
type OpsService struct {
	letters *repository.DeadLetterRepository
	queue   queue.Queue
}

// NewOpsService creates a new OpsService
func NewOpsService(letters *repository.DeadLetterRepository, q queue.Queue) *OpsService {
	return &OpsService{letters: letters, queue: q}
}

// ListDeadLetters returns paginated dead letters, optionally scoped to a tenant
func (s *OpsService) ListDeadLetters(ctx context.Context, tenantID string, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.letters.List(ctx, tenantID, (page-1)*pageSize, pageSize)
}

// RetryDeadLetter re-enqueues a dead letter under its original key and
// stamps it retried. The retry gets a fresh attempt budget.
func (s *OpsService) RetryDeadLetter(ctx context.Context, id int64) error {
	dl, err := s.letters.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, dl.QueueKey, []byte(dl.Payload)); err != nil {
		return fmt.Errorf("failed to re-enqueue dead letter %d: %w", id, err)
	}
	return s.letters.MarkRetried(ctx, id)
}

// DeadLetterSink adapts the repository into the queue's sink callback
func DeadLetterSink(letters *repository.DeadLetterRepository) queue.DeadLetterSink {
	return func(ctx context.Context, key string, payload []byte, attempts int, lastErr string) {
		eventsProcessed.WithLabelValues("dead_letter").Inc()
		dl := &domain.DeadLetter{
			TenantID:  tenantFromKey(key),
			QueueKey:  key,
			Payload:   string(payload),
			Attempts:  attempts,
			LastError: lastErr,
		}
		_ = letters.Create(ctx, dl)
	}
}

// tenantFromKey extracts the tenant half of a "<tenant>:<fingerprint>" key
func tenantFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
