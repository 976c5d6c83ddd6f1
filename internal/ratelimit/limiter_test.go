package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/adapter/cache"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/ratelimit"
)

func newLimiter(t *testing.T) (*miniredis.Miniredis, *ratelimit.Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, ratelimit.NewLimiter(cache.NewRedisRateCounter(client), metrics.New(), zap.NewNop())
}

func TestAllowLimitsAfterBudget(t *testing.T) {
	ctx := context.Background()
	mr, limiter := newLimiter(t)
	policy := ratelimit.Policy{Scope: "login_ip", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d := limiter.Allow(ctx, policy, "10.0.0.1")
		require.False(t, d.Limited, "attempt %d", i+1)
		require.Equal(t, 3-(i+1), d.Remaining)
	}
	d := limiter.Allow(ctx, policy, "10.0.0.1")
	require.True(t, d.Limited)
	require.Equal(t, time.Minute, d.RetryAfter)

	var rl *domain.RateLimitError
	require.ErrorAs(t, d.Err(policy.Scope), &rl)
	require.Equal(t, 0, rl.Remaining)

	// independent scope, same subject
	other := ratelimit.Policy{Scope: "login_email", Limit: 3, Window: time.Minute}
	require.False(t, limiter.Allow(ctx, other, "10.0.0.1").Limited)

	mr.FastForward(time.Minute + time.Second)
	require.False(t, limiter.Allow(ctx, policy, "10.0.0.1").Limited)
}

func TestFailedLoginScenario(t *testing.T) {
	ctx := context.Background()
	_, limiter := newLimiter(t)
	policy := ratelimit.Policy{Scope: "login_email", Limit: 5, Window: 15 * time.Minute}
	email := "User@Example.com"

	for i := 0; i < 5; i++ {
		require.False(t, limiter.Peek(ctx, policy, email).Limited)
		limiter.RecordFailure(ctx, policy, email)
	}
	blocked := limiter.Peek(ctx, policy, "user@example.com")
	require.True(t, blocked.Limited)
	require.Equal(t, int64(5), blocked.Count)
	require.InDelta(t, (15 * time.Minute).Seconds(), blocked.RetryAfter.Seconds(), 1)

	limiter.Reset(ctx, policy, email)
	d := limiter.Peek(ctx, policy, email)
	require.False(t, d.Limited)
	require.Zero(t, d.Count)
}

func TestPeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	mr, limiter := newLimiter(t)
	policy := ratelimit.Policy{Scope: "password_reset", Limit: 2, Window: time.Hour}

	for i := 0; i < 10; i++ {
		limiter.Peek(ctx, policy, "a@example.com")
	}
	require.False(t, mr.Exists(ratelimit.Key(policy.Scope, "a@example.com")))
}

type brokenCounter struct{}

func (brokenCounter) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func (brokenCounter) Count(context.Context, string) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func (brokenCounter) Reset(context.Context, string) error { return errors.New("connection refused") }

func TestFailsOpen(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewLimiter(brokenCounter{}, nil, zap.NewNop())
	policy := ratelimit.Policy{Scope: "login_ip", Limit: 1, Window: time.Minute}

	for i := 0; i < 3; i++ {
		require.False(t, limiter.Allow(ctx, policy, "10.0.0.1").Limited)
		require.False(t, limiter.Peek(ctx, policy, "10.0.0.1").Limited)
	}
	limiter.RecordFailure(ctx, policy, "10.0.0.1")
	limiter.Reset(ctx, policy, "10.0.0.1")
}

func TestDisabledPolicy(t *testing.T) {
	limiter := ratelimit.NewLimiter(brokenCounter{}, nil, zap.NewNop())
	d := limiter.Allow(context.Background(), ratelimit.Policy{Scope: "x"}, "k")
	require.False(t, d.Limited)
	require.NoError(t, d.Err("x"))
}
