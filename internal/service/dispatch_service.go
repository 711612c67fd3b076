package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/scheduler"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

// Notifier delivers one notification intent to its channel
type Notifier interface {
	Send(ctx context.Context, intent domain.NotificationIntent) error
}

// WebhookNotifier posts intents as JSON to a configured endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the intent and treats any non-2xx response as a failure
func (n *WebhookNotifier) Send(ctx context.Context, intent domain.NotificationIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes intents to the structured log, for development and
// deployments without a webhook endpoint
type LogNotifier struct{}

// Send logs the intent
func (n *LogNotifier) Send(_ context.Context, intent domain.NotificationIntent) error {
	logger.WithComponent("notifier").Info().
		Str("intent_id", intent.IntentID).
		Str("rule_id", intent.RuleID).
		Str("group_id", intent.GroupID).
		Str("tenant_id", intent.TenantID).
		Int("stage", intent.Stage).
		Strs("recipients", intent.Recipients).
		Msg(intent.Summary)
	return nil
}

// DispatchService fans notification intents out to a worker pool so alert
// evaluation never blocks on delivery. Each intent gets a bounded retry
// budget with exponential backoff; exhausted intents are logged and counted,
// not requeued.
type DispatchService struct {
	notifier Notifier
	cfg      config.DispatchConfig

	queue chan domain.NotificationIntent
	spill scheduler.Scheduler
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatchService creates a new DispatchService
func NewDispatchService(notifier Notifier, cfg config.DispatchConfig) *DispatchService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &DispatchService{
		notifier: notifier,
		cfg:      cfg,
		queue:    make(chan domain.NotificationIntent, cfg.BufferSize),
		sleep:    sleepCtx,
	}
}

// SetSpill registers a durable timer index used when the delivery buffer is
// full. Spilled intents come back through the deferred-delivery handler.
func (s *DispatchService) SetSpill(sched scheduler.Scheduler) {
	s.spill = sched
}

// Dispatch hands an intent to the worker pool without blocking. A full or
// stopped service spills to the durable timer index when one is wired,
// otherwise the intent is dropped; the alternative is stalling the pipeline
// behind a slow notification channel.
func (s *DispatchService) Dispatch(intent domain.NotificationIntent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.closed {
		select {
		case s.queue <- intent:
			return
		default:
		}
	}
	if s.trySpill(intent) {
		return
	}
	dispatchFailures.Inc()
	logger.WithComponent("dispatch").Error().
		Str("intent_id", intent.IntentID).
		Bool("stopped", s.closed).
		Msg("dispatch buffer unavailable, intent dropped")
}

// trySpill parks the intent in the timer index for a near-future retry
func (s *DispatchService) trySpill(intent domain.NotificationIntent) bool {
	if s.spill == nil {
		return false
	}
	payload, err := json.Marshal(deferredPayload{Intent: intent})
	if err != nil {
		return false
	}
	task := scheduler.Task{
		ID:      uuid.New().String(),
		Kind:    scheduler.KindDeferredDelivery,
		Payload: payload,
	}
	if err := s.spill.Schedule(context.Background(), task, time.Now().Add(5*time.Second)); err != nil {
		return false
	}
	logger.WithComponent("dispatch").Warn().
		Str("intent_id", intent.IntentID).
		Msg("dispatch buffer full, intent spilled to timer")
	return true
}

// Run starts the delivery workers and blocks until ctx is cancelled and the
// buffered intents are drained
func (s *DispatchService) Run(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	<-ctx.Done()
	// Producers still holding the channel check the flag under the same
	// lock, so nobody can send once close proceeds
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	s.wg.Wait()
}

func (s *DispatchService) worker(ctx context.Context) {
	defer s.wg.Done()
	for intent := range s.queue {
		s.deliver(ctx, intent)
	}
}

// deliver retries with exponential backoff up to the configured budget
func (s *DispatchService) deliver(ctx context.Context, intent domain.NotificationIntent) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, s.cfg.BaseBackoff.Std()*(1<<(attempt-1)))
		}
		if lastErr = s.notifier.Send(ctx, intent); lastErr == nil {
			return
		}
		logger.WithComponent("dispatch").Warn().Err(lastErr).
			Str("intent_id", intent.IntentID).
			Int("attempt", attempt+1).
			Msg("notification delivery failed")
	}

	dispatchFailures.Inc()
	logger.WithComponent("dispatch").Error().Err(lastErr).
		Str("intent_id", intent.IntentID).
		Str("rule_id", intent.RuleID).
		Msg("notification delivery exhausted retries")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
