package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/fingerprint"
	"github.com/errwatch/errwatch-backend/internal/queue"
	"github.com/errwatch/errwatch-backend/internal/ratelimit"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

const idempotencyPrefix = "idem:"

// RateLimitError carries the retry-after hint to the HTTP layer
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Unwrap lets callers match with errors.Is(err, common.ErrRateLimited)
func (e *RateLimitError) Unwrap() error {
	return common.ErrRateLimited
}

// idempotencyStore claims an idempotency key atomically: the first claim
// wins and stores the receipt, later claims see it
type idempotencyStore interface {
	Claim(ctx context.Context, tenantID, key string, receipt *domain.Receipt, ttl time.Duration) (*domain.Receipt, bool)
	Release(ctx context.Context, tenantID, key string)
}

// IngestService is the ingestion gateway pipeline: validate, rate-limit,
// dedupe on idempotency key, fingerprint, enqueue. Acceptance returns
// before any storage or alert work happens.
type IngestService struct {
	engine  *fingerprint.Engine
	limiter ratelimit.Limiter
	queue   queue.Queue
	idem    idempotencyStore
	cfg     config.IngestConfig

	now func() time.Time
}

// NewIngestService creates a new IngestService. redisClient may be nil, in
// which case idempotency replay detection is disabled (duplicates are still
// tolerated downstream by the grouping upsert).
func NewIngestService(engine *fingerprint.Engine, limiter ratelimit.Limiter, q queue.Queue, redisClient *redis.Client, cfg config.IngestConfig) *IngestService {
	s := &IngestService{
		engine:  engine,
		limiter: limiter,
		queue:   q,
		cfg:     cfg,
		now:     time.Now,
	}
	if redisClient != nil {
		s.idem = &redisIdempotency{client: redisClient}
	}
	return s
}

// IngestOne runs the gateway pipeline for a single report
func (s *IngestService) IngestOne(ctx context.Context, tenant *domain.Tenant, req *domain.ReportRequest) (*domain.Receipt, error) {
	if err := validateReport(req, s.cfg.MaxFrames); err != nil {
		return nil, err
	}

	decision, err := s.limiter.Admit(ctx, tenant.ID, tenant.Tier, ratelimit.ClassSingle, 1)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		ingestRejected.WithLabelValues(tenant.ID, "rate_limited").Inc()
		return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	return s.accept(ctx, tenant, req)
}

// IngestBatch admits the whole batch at cost = item count, then processes
// items independently with partial success
func (s *IngestService) IngestBatch(ctx context.Context, tenant *domain.Tenant, reqs []domain.ReportRequest) ([]domain.BatchItemResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", common.ErrValidation)
	}
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d items", common.ErrValidation, s.cfg.MaxBatchSize)
	}

	decision, err := s.limiter.Admit(ctx, tenant.ID, tenant.Tier, ratelimit.ClassBatch, int64(len(reqs)))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		ingestRejected.WithLabelValues(tenant.ID, "rate_limited").Inc()
		return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	results := make([]domain.BatchItemResult, len(reqs))
	for i := range reqs {
		req := reqs[i]
		results[i].Index = i
		if err := validateReport(&req, s.cfg.MaxFrames); err != nil {
			results[i].Code = "VALIDATION_ERROR"
			results[i].Message = err.Error()
			continue
		}
		receipt, err := s.accept(ctx, tenant, &req)
		if err != nil {
			results[i].Code = "QUEUE_UNAVAILABLE"
			results[i].Message = err.Error()
			continue
		}
		results[i].Accepted = true
		results[i].Receipt = receipt
	}
	return results, nil
}

// accept is the post-admission tail of the pipeline: fingerprint, atomic
// idempotency claim, enqueue keyed by (tenant, fingerprint), receipt.
func (s *IngestService) accept(ctx context.Context, tenant *domain.Tenant, req *domain.ReportRequest) (*domain.Receipt, error) {
	report := s.buildReport(tenant.ID, req)
	fp := s.engine.Compute(report)
	receipt := &domain.Receipt{EventID: report.EventID, GroupKey: fp}

	claimed := req.IdempotencyKey != "" && s.idem != nil
	if claimed {
		existing, won := s.idem.Claim(ctx, tenant.ID, req.IdempotencyKey, receipt, s.cfg.IdempotencyWindow.Std())
		if !won {
			ingestDuplicates.WithLabelValues(tenant.ID).Inc()
			if existing != nil {
				return existing, nil
			}
			dup := *receipt
			dup.Duplicate = true
			return &dup, nil
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	key := tenant.ID + ":" + fp
	if err := s.queue.Enqueue(ctx, key, payload); err != nil {
		// Free the key so a retry with it is not swallowed as a replay
		if claimed {
			s.idem.Release(ctx, tenant.ID, req.IdempotencyKey)
		}
		logger.WithTenantID(tenant.ID).Error().Err(err).Msg("enqueue failed")
		return nil, fmt.Errorf("%w: %s", common.ErrQueueUnavailable, err)
	}

	ingestAccepted.WithLabelValues(tenant.ID).Inc()
	return receipt, nil
}

func (s *IngestService) buildReport(tenantID string, req *domain.ReportRequest) *domain.ErrorReport {
	now := s.now().UTC()
	ts := now
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = req.Timestamp.UTC()
	}
	return &domain.ErrorReport{
		EventID:             uuid.New().String(),
		TenantID:            tenantID,
		Type:                req.Type,
		Message:             req.Message,
		Frames:              req.Frames,
		Severity:            req.Severity,
		Release:             req.Release,
		Platform:            req.Platform,
		Environment:         req.Environment,
		Tags:                req.Tags,
		UserID:              req.UserID,
		SessionID:           req.SessionID,
		IdempotencyKey:      req.IdempotencyKey,
		FingerprintOverride: req.Fingerprint,
		Timestamp:           ts,
		ReceivedAt:          now,
	}
}

// redisIdempotency claims keys with SET NX EX so two concurrent submissions
// with the same key race on one atomic write instead of a read-then-write
type redisIdempotency struct {
	client *redis.Client
}

func (r *redisIdempotency) Claim(ctx context.Context, tenantID, key string, receipt *domain.Receipt, ttl time.Duration) (*domain.Receipt, bool) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return nil, true
	}
	full := idempotencyPrefix + tenantID + ":" + key

	won, err := r.client.SetNX(ctx, full, data, ttl).Result()
	if err != nil {
		// Redis outage must not block ingestion; a duplicate enqueue is
		// tolerated downstream by the grouping upsert
		logger.WithTenantID(tenantID).Warn().Err(err).Msg("idempotency claim failed")
		return nil, true
	}
	if won {
		return nil, true
	}

	stored, err := r.client.Get(ctx, full).Bytes()
	if err != nil {
		return nil, false
	}
	var prev domain.Receipt
	if err := json.Unmarshal(stored, &prev); err != nil {
		return nil, false
	}
	prev.Duplicate = true
	return &prev, false
}

func (r *redisIdempotency) Release(ctx context.Context, tenantID, key string) {
	r.client.Del(ctx, idempotencyPrefix+tenantID+":"+key)
}

// validateReport is the boundary check: reject anything that does not
// conform rather than propagating ambiguity downstream
func validateReport(req *domain.ReportRequest, maxFrames int) error {
	if req.Type == "" && req.Message == "" {
		return fmt.Errorf("%w: type or message is required", common.ErrValidation)
	}
	if len(req.Type) > 255 {
		return fmt.Errorf("%w: type exceeds 255 characters", common.ErrValidation)
	}
	if maxFrames > 0 && len(req.Frames) > maxFrames {
		return fmt.Errorf("%w: more than %d stack frames", common.ErrValidation, maxFrames)
	}
	for i, f := range req.Frames {
		if f.File == "" && f.Function == "" {
			return fmt.Errorf("%w: frame %d has neither file nor function", common.ErrValidation, i)
		}
		if f.Line < 0 {
			return fmt.Errorf("%w: frame %d has negative line", common.ErrValidation, i)
		}
	}
	switch req.Severity {
	case "", "debug", "info", "warning", "error", "fatal":
	default:
		return fmt.Errorf("%w: unknown severity %q", common.ErrValidation, req.Severity)
	}
	return nil
}
