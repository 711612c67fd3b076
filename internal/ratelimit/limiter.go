package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/errwatch/errwatch-backend/internal/config"
)

// Rate classes. Batch submission amortizes cost per item, not per request,
// so the two endpoints draw from distinct buckets.
const (
	ClassSingle = "single"
	ClassBatch  = "batch"
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter admits or rejects requests against per-(tenant, class) token buckets
type Limiter interface {
	Admit(ctx context.Context, tenantID, tier, class string, cost int64) (Decision, error)
}

// tokenBucketScript refills and decrements a bucket in one atomic step so
// concurrent callers can never over-admit. Bucket state lives in a hash:
// tokens (scaled by 1000 to keep fractional refill exact in integer math)
// and last refill timestamp in ms.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1]) * 1000
local rate_per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4]) * 1000

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
    tokens = capacity
    ts = now
end

local elapsed = now - ts
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate_per_ms)
end

if tokens >= cost then
    tokens = tokens - cost
    redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
    redis.call('PEXPIRE', key, 7200000)
    return {1, math.floor(tokens / 1000), 0}
else
    redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
    redis.call('PEXPIRE', key, 7200000)
    local wait_ms = 0
    if rate_per_ms > 0 then
        wait_ms = math.ceil((cost - tokens) / rate_per_ms)
    end
    return {0, math.floor(tokens / 1000), wait_ms}
end
`)

// RedisLimiter is the shared token bucket limiter backed by Redis
type RedisLimiter struct {
	client   *redis.Client
	cfg      config.RateLimitConfig
	fallback *LocalLimiter
}

// NewRedisLimiter creates a Redis-backed limiter. When Redis is unreachable
// admission falls over to in-process buckets instead of failing open.
func NewRedisLimiter(client *redis.Client, cfg config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		fallback: NewLocalLimiter(cfg),
	}
}

// Admit checks and decrements the (tenant, class) bucket atomically
func (l *RedisLimiter) Admit(ctx context.Context, tenantID, tier, class string, cost int64) (Decision, error) {
	limit, ok := l.tierLimit(tier, class)
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate tier %q", tier)
	}

	if l.client == nil {
		return l.fallback.Admit(ctx, tenantID, tier, class, cost)
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, tenantID)
	// tokens are scaled by 1000 inside the script
	ratePerMs := float64(limit.PerHour) / float64(time.Hour/time.Millisecond) * 1000

	result, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		limit.Capacity, ratePerMs, time.Now().UnixMilli(), cost,
	).Int64Slice()
	if err != nil {
		// Redis down: keep the invariant locally rather than over-admitting
		return l.fallback.Admit(ctx, tenantID, tier, class, cost)
	}

	decision := Decision{
		Allowed:   result[0] == 1,
		Remaining: result[1],
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(result[2]) * time.Millisecond
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}

func (l *RedisLimiter) tierLimit(tier, class string) (config.TierLimit, bool) {
	var m map[string]config.TierLimit
	if class == ClassBatch {
		m = l.cfg.Batch
	} else {
		m = l.cfg.Single
	}
	limit, ok := m[tier]
	return limit, ok
}
