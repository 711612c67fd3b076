package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/errwatch/errwatch-backend/internal/config"
)

// LocalLimiter keeps token buckets in process memory. It backs single-node
// deployments, tests, and the Redis-down failover path. Each bucket guards
// its own state so tenants never contend with each other.
type LocalLimiter struct {
	cfg config.RateLimitConfig
	mu  sync.Mutex
	// buckets keyed by class:tenant
	buckets map[string]*bucket

	// now is swappable for tests
	now func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter(cfg config.RateLimitConfig) *LocalLimiter {
	return &LocalLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Admit refills and decrements the bucket in one critical section
func (l *LocalLimiter) Admit(_ context.Context, tenantID, tier, class string, cost int64) (Decision, error) {
	limit, ok := l.tierLimit(tier, class)
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate tier %q", tier)
	}

	b := l.bucket(tenantID, class, limit)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	fcost := float64(cost)
	if b.tokens >= fcost {
		b.tokens -= fcost
		return Decision{Allowed: true, Remaining: int64(b.tokens)}, nil
	}

	retry := time.Second
	if b.rate > 0 {
		retry = time.Duration((fcost - b.tokens) / b.rate * float64(time.Second))
		if retry < time.Second {
			retry = time.Second
		}
	}
	return Decision{Allowed: false, Remaining: int64(b.tokens), RetryAfter: retry}, nil
}

func (l *LocalLimiter) bucket(tenantID, class string, limit config.TierLimit) *bucket {
	key := class + ":" + tenantID

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:   float64(limit.Capacity),
			capacity: float64(limit.Capacity),
			rate:     float64(limit.PerHour) / 3600.0,
			last:     l.now(),
		}
		l.buckets[key] = b
	}
	return b
}

func (l *LocalLimiter) tierLimit(tier, class string) (config.TierLimit, bool) {
	var m map[string]config.TierLimit
	if class == ClassBatch {
		m = l.cfg.Batch
	} else {
		m = l.cfg.Single
	}
	limit, ok := m[tier]
	return limit, ok
}
