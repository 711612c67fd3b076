package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/fingerprint"
	"github.com/errwatch/errwatch-backend/internal/queue"
	"github.com/errwatch/errwatch-backend/internal/ratelimit"
)

func ingestFixture(t *testing.T) (*IngestService, *queue.MemoryQueue) {
	t.Helper()
	engine := fingerprint.NewEngine(config.FingerprintConfig{Version: 1, TopFrames: 5})
	limiter := ratelimit.NewLocalLimiter(config.RateLimitConfig{
		Single: map[string]config.TierLimit{"free": {PerHour: 1000, Capacity: 3}},
		Batch:  map[string]config.TierLimit{"free": {PerHour: 5000, Capacity: 10}},
	})
	q := queue.NewMemoryQueue(3, nil)
	svc := NewIngestService(engine, limiter, q, nil, config.IngestConfig{
		IdempotencyWindow: config.Duration(time.Hour),
		MaxBatchSize:      5,
		MaxFrames:         10,
	})
	return svc, q
}

func freeTenant() *domain.Tenant {
	return &domain.Tenant{ID: "t1", Tier: domain.TierFree, Active: true}
}

func TestIngestOneEnqueuesExactlyOnce(t *testing.T) {
	svc, q := ingestFixture(t)
	ctx := context.Background()

	receipt, err := svc.IngestOne(ctx, freeTenant(), &domain.ReportRequest{
		Type:    "ValueError",
		Message: "bad input",
		Frames:  []domain.Frame{{File: "/app/handlers.py", Function: "parse", Line: 42}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.EventID)
	assert.Len(t, receipt.GroupKey, fingerprint.Width)
	assert.False(t, receipt.Duplicate)

	d, err := q.Dequeue(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "t1:"+receipt.GroupKey, d.Key)

	var report domain.ErrorReport
	require.NoError(t, json.Unmarshal(d.Payload, &report))
	assert.Equal(t, "ValueError", report.Type)
	assert.Equal(t, "t1", report.TenantID)
	assert.Equal(t, receipt.EventID, report.EventID)
	require.NoError(t, q.Ack(ctx, d))

	// Nothing else was enqueued
	d, err = q.Dequeue(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestIngestOneRejectsInvalidReports(t *testing.T) {
	svc, _ := ingestFixture(t)
	ctx := context.Background()
	tenant := freeTenant()

	cases := []struct {
		name string
		req  domain.ReportRequest
	}{
		{"empty", domain.ReportRequest{}},
		{"bad severity", domain.ReportRequest{Type: "E", Severity: "catastrophic"}},
		{"negative line", domain.ReportRequest{Type: "E", Frames: []domain.Frame{{File: "a.go", Line: -1}}}},
		{"empty frame", domain.ReportRequest{Type: "E", Frames: []domain.Frame{{}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.IngestOne(ctx, tenant, &tc.req)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}
}

func TestIngestOneRateLimited(t *testing.T) {
	svc, _ := ingestFixture(t)
	ctx := context.Background()
	tenant := freeTenant()
	req := &domain.ReportRequest{Type: "E", Message: "m"}

	// Capacity is 3; the fourth submission must be refused with a hint
	for i := 0; i < 3; i++ {
		_, err := svc.IngestOne(ctx, tenant, req)
		require.NoError(t, err)
	}

	_, err := svc.IngestOne(ctx, tenant, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrRateLimited)

	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.GreaterOrEqual(t, rle.RetryAfter, time.Second)
}

func TestIngestBatchPartialSuccess(t *testing.T) {
	svc, q := ingestFixture(t)
	ctx := context.Background()

	results, err := svc.IngestBatch(ctx, freeTenant(), []domain.ReportRequest{
		{Type: "ValueError", Message: "ok"},
		{Severity: "catastrophic"},
		{Type: "TypeError", Message: "also ok"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Accepted)
	assert.NotNil(t, results[0].Receipt)
	assert.False(t, results[1].Accepted)
	assert.Equal(t, "VALIDATION_ERROR", results[1].Code)
	assert.True(t, results[2].Accepted)

	var enqueued int
	for {
		d, err := q.Dequeue(ctx, "c1")
		require.NoError(t, err)
		if d == nil {
			break
		}
		enqueued++
		require.NoError(t, q.Ack(ctx, d))
	}
	assert.Equal(t, 2, enqueued)
}

func TestIngestBatchSizeLimits(t *testing.T) {
	svc, _ := ingestFixture(t)
	ctx := context.Background()
	tenant := freeTenant()

	_, err := svc.IngestBatch(ctx, tenant, nil)
	assert.ErrorIs(t, err, common.ErrValidation)

	big := make([]domain.ReportRequest, 6)
	for i := range big {
		big[i] = domain.ReportRequest{Type: "E"}
	}
	_, err = svc.IngestBatch(ctx, tenant, big)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestIngestBatchAdmissionIsAllOrNothing(t *testing.T) {
	svc, q := ingestFixture(t)
	ctx := context.Background()
	tenant := freeTenant()

	// Batch capacity is 10; two five-item batches drain it
	batch := make([]domain.ReportRequest, 5)
	for i := range batch {
		batch[i] = domain.ReportRequest{Type: "E", Message: "m"}
	}
	for i := 0; i < 2; i++ {
		_, err := svc.IngestBatch(ctx, tenant, batch)
		require.NoError(t, err)
	}

	// The next batch is refused whole, nothing from it is enqueued
	_, err := svc.IngestBatch(ctx, tenant, batch)
	assert.ErrorIs(t, err, common.ErrRateLimited)

	var enqueued int
	for {
		d, derr := q.Dequeue(ctx, "c1")
		require.NoError(t, derr)
		if d == nil {
			break
		}
		enqueued++
		require.NoError(t, q.Ack(ctx, d))
	}
	assert.Equal(t, 10, enqueued)
}

func TestIngestSameErrorSharesGroupKey(t *testing.T) {
	svc, q := ingestFixture(t)
	ctx := context.Background()
	tenant := freeTenant()

	r1, err := svc.IngestOne(ctx, tenant, &domain.ReportRequest{
		Type: "ValueError", Message: "user 17 not found",
	})
	require.NoError(t, err)
	r2, err := svc.IngestOne(ctx, tenant, &domain.ReportRequest{
		Type: "ValueError", Message: "user 99 not found",
	})
	require.NoError(t, err)

	// Same normalized shape, same group, distinct events
	assert.Equal(t, r1.GroupKey, r2.GroupKey)
	assert.NotEqual(t, r1.EventID, r2.EventID)

	d1, _ := q.Dequeue(ctx, "c1")
	require.NotNil(t, d1)
	require.NoError(t, q.Ack(ctx, d1))
	d2, _ := q.Dequeue(ctx, "c1")
	require.NotNil(t, d2)
	assert.Equal(t, d1.Key, d2.Key)
}

type memIdem struct {
	mu     sync.Mutex
	stored map[string]domain.Receipt
}

func (m *memIdem) Claim(_ context.Context, tenantID, key string, receipt *domain.Receipt, _ time.Duration) (*domain.Receipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := tenantID + ":" + key
	if prev, ok := m.stored[full]; ok {
		prev.Duplicate = true
		return &prev, false
	}
	m.stored[full] = *receipt
	return nil, true
}

func (m *memIdem) Release(_ context.Context, tenantID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stored, tenantID+":"+key)
}

type failingQueue struct {
	queue.Queue
}

func (f *failingQueue) Enqueue(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func TestIdempotentReplayEnqueuesOnce(t *testing.T) {
	svc, q := ingestFixture(t)
	svc.idem = &memIdem{stored: make(map[string]domain.Receipt)}
	ctx := context.Background()

	req := &domain.ReportRequest{Type: "TimeoutError", Message: "boom", IdempotencyKey: "evt-1"}

	first, err := svc.IngestOne(ctx, freeTenant(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := svc.IngestOne(ctx, freeTenant(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.GroupKey, second.GroupKey)

	assert.Equal(t, 1, q.Len())
}

func TestEnqueueFailureReleasesIdempotencyClaim(t *testing.T) {
	svc, _ := ingestFixture(t)
	idem := &memIdem{stored: make(map[string]domain.Receipt)}
	svc.idem = idem
	svc.queue = &failingQueue{}
	ctx := context.Background()

	_, err := svc.IngestOne(ctx, freeTenant(), &domain.ReportRequest{
		Type:           "TimeoutError",
		Message:        "boom",
		IdempotencyKey: "evt-1",
	})
	require.ErrorIs(t, err, common.ErrQueueUnavailable)

	// The key is free again; a retry is not swallowed as a replay
	assert.Empty(t, idem.stored)
}
