package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// ErrRetriesExhausted is returned when every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig defines how failed connection attempts are repeated.
type RetryConfig struct {
	// Count is the number of retries after the first attempt. Negative
	// values retry until the context ends.
	Count int
	// Delay is the wait before the first retry.
	Delay time.Duration
	// MaxDelay caps the wait between retries.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry. Values below 1 keep it fixed.
	Multiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
}

// RetryPolicy repeats an operation according to a RetryConfig.
type RetryPolicy struct {
	config    RetryConfig
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
}

// NewRetryPolicy creates a policy that retries errors accepted by
// IsRetryableError.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	return &RetryPolicy{config: config, retryable: IsRetryableError, sleep: sleepContext}
}

// Config returns the policy configuration.
func (rp *RetryPolicy) Config() RetryConfig { return rp.config }

// Backoff returns the delay before retry number attempt (starting at 0).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := rp.config.Delay
	if rp.config.Multiplier > 1 {
		backoff = time.Duration(float64(backoff) * math.Pow(rp.config.Multiplier, float64(attempt)))
	}
	if backoff > rp.config.MaxDelay {
		backoff = rp.config.MaxDelay
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do calls fn until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx ends. It reports the number of retries performed.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !rp.retryable(err) {
			return attempt, err
		}
		if rp.config.Count >= 0 && attempt >= rp.config.Count {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
		if waitErr := rp.sleep(ctx, rp.Backoff(attempt)); waitErr != nil {
			return attempt, fmt.Errorf("%w: %w", waitErr, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryableError reports whether err looks like a transient connection
// failure. Cancellation and an open circuit are never retried.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.After)
}

// Timeout marks the error as a timeout for net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Is matches context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }
