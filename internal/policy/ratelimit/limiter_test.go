package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_WaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 leaves a ~100ms gap after the first token.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 1, l.Hosts())
}

func TestLimiter_DifferentHostsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestLimiter_ContextCancelled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.test/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.test/next"))
}

func TestLimiter_UnlimitedWhenRateZero(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "https://fast.test/"))
	}
}

func TestLimiter_PenalizeHalvesHostRate(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 4, DefaultBurst: 1})
	l.Penalize("https://busy.test/a")
	require.InDelta(t, 2.0, l.Rate("https://busy.test/b"), 1e-9)
	require.InDelta(t, 4.0, l.Rate("https://calm.test/"), 1e-9)

	for range 20 {
		l.Penalize("https://busy.test/a")
	}
	require.InDelta(t, MinRPS, l.Rate("https://busy.test/"), 1e-9)
}

func TestLimiter_PenalizeUnlimitedHost(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Penalize("https://fast.test/")
	require.InDelta(t, 1.0, l.Rate("https://fast.test/"), 1e-9)
}
