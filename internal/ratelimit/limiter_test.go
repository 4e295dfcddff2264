package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFallbackLimiter(config Config) *RateLimiter {
	// No Redis: exercises the in-memory token bucket path.
	return NewRateLimiter(&RedisClient{enabled: false}, config, nil)
}

func TestAllowIPFallback(t *testing.T) {
	rl := newFallbackLimiter(Config{IPLimitPerMin: 60, VetLimitPerMin: 30, BurstMultiplier: 1})
	ctx := context.Background()

	result, err := rl.AllowIP(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 60, result.Limit)
}

func TestFallbackBurstExhaustion(t *testing.T) {
	rl := newFallbackLimiter(Config{IPLimitPerMin: 5, BurstMultiplier: 1})
	ctx := context.Background()

	blocked := false
	for i := 0; i < 20; i++ {
		result, err := rl.AllowIP(ctx, "10.0.0.2")
		require.NoError(t, err)
		if !result.Allowed {
			blocked = true
			assert.Greater(t, result.RetryAfter.Seconds(), 0.0)
			break
		}
	}
	assert.True(t, blocked, "burst capacity should run out")
}

func TestFallbackLimitersAreIndependentPerIP(t *testing.T) {
	rl := newFallbackLimiter(Config{IPLimitPerMin: 5, BurstMultiplier: 1})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		rl.AllowIP(ctx, "10.0.0.3")
	}

	// A fresh IP still has its full burst.
	result, err := rl.AllowIP(ctx, "10.0.0.4")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestEndpointLimitIsSeparateFromIPLimit(t *testing.T) {
	rl := newFallbackLimiter(Config{IPLimitPerMin: 100, VetLimitPerMin: 5, BurstMultiplier: 1})
	ctx := context.Background()

	blocked := false
	for i := 0; i < 20; i++ {
		result, err := rl.AllowEndpoint(ctx, "vet", "10.0.0.5", 5)
		require.NoError(t, err)
		if !result.Allowed {
			blocked = true
			break
		}
	}
	assert.True(t, blocked)

	// The general IP limit is untouched by endpoint blocks.
	result, err := rl.AllowIP(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestGetStats(t *testing.T) {
	rl := newFallbackLimiter(DefaultConfig())
	rl.AllowIP(context.Background(), "10.0.0.6")

	stats := rl.GetStats()
	assert.Equal(t, false, stats["redis_enabled"])
	assert.Equal(t, 1, stats["fallback_limiters"])
}
