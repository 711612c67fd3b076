package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/queue"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

// GroupUpserter is the grouping store write path
type GroupUpserter interface {
	Upsert(ctx context.Context, tenantID, fp string, report *domain.ErrorReport) (*domain.ErrorGroup, bool, error)
}

// Evaluator receives each upsert result for alert evaluation
type Evaluator interface {
	Evaluate(ctx context.Context, group *domain.ErrorGroup, report *domain.ErrorReport, isNew bool)
}

// ProcessorService drains the event queue: each delivery is folded into its
// error group and the result is handed to the alert engine. Redelivered
// events are harmless because the upsert keyed by (tenant, fingerprint) is
// the unit of work and a duplicate just increments the same group again;
// the queue's per-key ordering keeps increments for one group sequential
// within a shard.
type ProcessorService struct {
	queue     queue.Queue
	groups    GroupUpserter
	alerts    Evaluator
	consumers int
}

// NewProcessorService creates a new ProcessorService
func NewProcessorService(q queue.Queue, groups GroupUpserter, alerts Evaluator, consumers int) *ProcessorService {
	if consumers <= 0 {
		consumers = 1
	}
	return &ProcessorService{
		queue:     q,
		groups:    groups,
		alerts:    alerts,
		consumers: consumers,
	}
}

// Run starts the consumer loop and blocks until ctx is cancelled
func (s *ProcessorService) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.consumers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.consume(ctx, fmt.Sprintf("processor-%d", n))
		}(i)
	}
	wg.Wait()
}

func (s *ProcessorService) consume(ctx context.Context, consumer string) {
	log := logger.WithComponent("processor")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := s.queue.Dequeue(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("consumer", consumer).Msg("dequeue failed")
			continue
		}
		if delivery == nil {
			continue
		}

		if err := s.process(ctx, delivery); err != nil {
			log.Error().Err(err).
				Str("key", delivery.Key).
				Int("attempt", delivery.Attempt).
				Msg("event processing failed")
			eventsProcessed.WithLabelValues("retry").Inc()
			if nackErr := s.queue.Nack(ctx, delivery); nackErr != nil {
				log.Error().Err(nackErr).Str("key", delivery.Key).Msg("nack failed")
			}
			continue
		}

		if err := s.queue.Ack(ctx, delivery); err != nil {
			// The work is done; a redelivery will be absorbed by the upsert
			log.Warn().Err(err).Str("key", delivery.Key).Msg("ack failed")
		}
		eventsProcessed.WithLabelValues("ok").Inc()
	}
}

// process is the unit of work for one delivery. The fingerprint is taken
// from the queue key, so the same stored event always lands in the same
// group even across normalization version changes.
func (s *ProcessorService) process(ctx context.Context, d *queue.Delivery) error {
	var report domain.ErrorReport
	if err := json.Unmarshal(d.Payload, &report); err != nil {
		// Undecodable payloads never succeed; let the retry budget move
		// them to the dead letter table
		return fmt.Errorf("failed to decode event payload: %w", err)
	}

	fp := fingerprintFromKey(d.Key, report.TenantID)
	group, isNew, err := s.groups.Upsert(ctx, report.TenantID, fp, &report)
	if err != nil {
		return fmt.Errorf("group upsert failed: %w", err)
	}
	if isNew {
		groupsCreated.Inc()
	}

	s.alerts.Evaluate(ctx, group, &report, isNew)
	return nil
}

// fingerprintFromKey splits the "<tenant>:<fingerprint>" queue key
func fingerprintFromKey(key, tenantID string) string {
	prefix := tenantID + ":"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
