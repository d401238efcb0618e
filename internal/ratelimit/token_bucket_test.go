package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchhub/kiwisync/internal/clock"
)

func TestLocalBucketEnforcesBurst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLocalBucket(clk)
	ctx := context.Background()

	// 3 per minute.
	rate := 3.0 / 60.0
	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "retry", rate, 3)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d within burst", i+1)
	}

	result, err := limiter.Allow(ctx, "retry", rate, 3)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Positive(t, result.RetryAfter)
}

func TestLocalBucketRefillsOverTime(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLocalBucket(clk)
	ctx := context.Background()

	rate := 3.0 / 60.0
	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "retry", rate, 3)
		require.NoError(t, err)
	}
	result, err := limiter.Allow(ctx, "retry", rate, 3)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	clk.Advance(time.Minute)
	result, err = limiter.Allow(ctx, "retry", rate, 3)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLocalBucketKeysAreIndependent(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	limiter := NewLocalBucket(clk)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "a", 1, 1)
	require.NoError(t, err)
	denied, err := limiter.Allow(ctx, "a", 1, 1)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	other, err := limiter.Allow(ctx, "b", 1, 1)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestAllowRejectsInvalidArguments(t *testing.T) {
	limiter := NewLocalBucket(clock.NewFakeClock(time.Now()))

	_, err := limiter.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
	_, err = limiter.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)
	_, err = limiter.Allow(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}
