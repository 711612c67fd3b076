package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SpikeTracker maintains per (rule, group) sliding occurrence windows and
// reports the current window rate against the trailing baseline
type SpikeTracker interface {
	// Record adds one occurrence at t and returns the occurrence count of
	// the current window and the average count of trailing windows
	Record(ctx context.Context, ruleID, groupID string, t time.Time) (current, baseline float64, err error)
}

// spikeScript records an occurrence and counts the current window and the
// trailing baseline in one round trip
var spikeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local baseline_window = tonumber(ARGV[3])

redis.call('ZADD', key, now, ARGV[4])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - baseline_window)
redis.call('PEXPIRE', key, baseline_window + 60000)

local current = redis.call('ZCOUNT', key, now - window, now)
local older = redis.call('ZCOUNT', key, now - baseline_window, now - window - 1)
return {current, older}
`)

// spikeMember builds a unique ZSET member. Lua's math.random is seeded
// deterministically per script invocation, so uniqueness must come from
// the caller or same-millisecond occurrences collapse into one entry.
func spikeMember(at time.Time) string {
	return fmt.Sprintf("%d:%s", at.UnixMilli(), uuid.NewString())
}

// RedisSpikeTracker shares windows across worker processes
type RedisSpikeTracker struct {
	client         *redis.Client
	window         time.Duration
	baselineWindow time.Duration
}

// NewRedisSpikeTracker creates a Redis-backed tracker
func NewRedisSpikeTracker(client *redis.Client, window, baselineWindow time.Duration) *RedisSpikeTracker {
	return &RedisSpikeTracker{client: client, window: window, baselineWindow: baselineWindow}
}

// Record adds an occurrence and returns (current window count, baseline
// average per window)
func (t *RedisSpikeTracker) Record(ctx context.Context, ruleID, groupID string, at time.Time) (float64, float64, error) {
	key := fmt.Sprintf("spike:%s:%s", ruleID, groupID)
	result, err := spikeScript.Run(ctx, t.client, []string{key},
		at.UnixMilli(), t.window.Milliseconds(), t.baselineWindow.Milliseconds(),
		spikeMember(at),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record spike sample: %w", err)
	}

	current := float64(result[0])
	trailingWindows := float64(t.baselineWindow/t.window) - 1
	if trailingWindows < 1 {
		trailingWindows = 1
	}
	baseline := float64(result[1]) / trailingWindows
	return current, baseline, nil
}

// LocalSpikeTracker keeps windows in process memory, for tests and
// single-node development
type LocalSpikeTracker struct {
	window         time.Duration
	baselineWindow time.Duration

	mu      sync.Mutex
	samples map[string][]time.Time
}

// NewLocalSpikeTracker creates an in-process tracker
func NewLocalSpikeTracker(window, baselineWindow time.Duration) *LocalSpikeTracker {
	return &LocalSpikeTracker{
		window:         window,
		baselineWindow: baselineWindow,
		samples:        make(map[string][]time.Time),
	}
}

// Record adds an occurrence and computes window counts locally
func (t *LocalSpikeTracker) Record(_ context.Context, ruleID, groupID string, at time.Time) (float64, float64, error) {
	key := ruleID + ":" + groupID

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := at.Add(-t.baselineWindow)
	kept := t.samples[key][:0]
	for _, s := range t.samples[key] {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, at)
	t.samples[key] = kept

	windowStart := at.Add(-t.window)
	var current, older float64
	for _, s := range kept {
		if s.After(windowStart) {
			current++
		} else {
			older++
		}
	}

	trailingWindows := float64(t.baselineWindow/t.window) - 1
	if trailingWindows < 1 {
		trailingWindows = 1
	}
	return current, older / trailingWindows, nil
}
