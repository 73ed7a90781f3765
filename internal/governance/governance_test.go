package governance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, OpenTimeout: time.Second, HalfOpenProbes: 1})
	cb.now = func() time.Time { return now }
	fail := errors.New("refused")
	ctx := context.Background()

	assert.ErrorIs(t, cb.ExecuteContext(ctx, func(context.Context) error { return fail }), fail)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, func(context.Context) error { return fail }), fail)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "only one probe at a time")
	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, OpenTimeout: time.Second})
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.Record(errors.New("x"))
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Second)
	require.NoError(t, cb.Allow())
	cb.Record(errors.New("still down"))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 0})
	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(errors.New("x"))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSetPerTarget(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{MaxFailures: 1})
	a := set.Get("127.0.0.1:8081")
	assert.Same(t, a, set.Get("127.0.0.1:8081"))
	require.NoError(t, a.Allow())
	a.Record(errors.New("x"))

	states := set.States()
	assert.Equal(t, StateOpen, states["127.0.0.1:8081"])
	assert.Equal(t, StateClosed, set.Get("127.0.0.1:8082").State())
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connect: %w", syscall.ECONNREFUSED)}
}

func TestRetryPolicyCountsRetries(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Count: 2, Delay: time.Millisecond})
	var slept []time.Duration
	rp.sleep = func(_ context.Context, d time.Duration) error { slept = append(slept, d); return nil }

	calls := 0
	retries, err := rp.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return refused()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.Len(t, slept, 2)
}

func TestRetryPolicyExhausted(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Count: 1})
	rp.sleep = func(context.Context, time.Duration) error { return nil }

	retries, err := rp.Do(context.Background(), func(context.Context, int) error { return refused() })
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 1, retries)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Count: 5})
	calls := 0
	_, err := rp.Do(context.Background(), func(context.Context, int) error {
		calls++
		return ErrCircuitOpen
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyUnlimitedUntilContextEnds(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Count: -1, Delay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := rp.Do(ctx, func(context.Context, int) error {
		calls++
		if calls == 4 {
			cancel()
		}
		return refused()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, calls)
}

func TestRetryBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Delay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2})
	assert.Equal(t, 100*time.Millisecond, rp.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, rp.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, rp.Backoff(2))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(refused()))
	assert.True(t, IsRetryableError(&TimeoutError{Op: "connect", After: time.Second}))
	assert.False(t, IsRetryableError(errors.New("bad config")))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(nil))
}

func TestQuotasSharedPerAccount(t *testing.T) {
	now := time.Unix(100, 0)
	q := NewQuotas(QuotaConfig{PerSecond: 2, Burst: 2})
	q.now = func() time.Time { return now }

	assert.Zero(t, q.Reserve("alice", 1))
	assert.Zero(t, q.Reserve("alice", 1))
	assert.Equal(t, 500*time.Millisecond, q.Reserve("alice", 1))
	assert.Zero(t, q.Reserve("bob", 1), "accounts have separate buckets")
	assert.Equal(t, 2, q.Accounts())

	assert.Zero(t, q.Reserve("carol", 100), "oversized requests are charged the burst")
}

func TestQuotasDisabled(t *testing.T) {
	q := NewQuotas(QuotaConfig{})
	assert.Zero(t, q.Reserve("a", 1000))
	assert.True(t, q.Allow("a", 1000))
}
