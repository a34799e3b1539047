// Package retry runs an operation again on retryable failures with bounded
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// #region policy

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

// Delay returns the wait before attempt n (1-based; attempt 1 never waits).
func (p Policy) Delay(n int) time.Duration {
	if n <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// #endregion policy

// #region errors

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// #endregion errors

// #region engine

// Engine decides whether to retry and sleeps between attempts.
type Engine struct {
	policy    Policy
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
}

// NewEngine creates an engine; retryable classifies which errors warrant another attempt.
func NewEngine(policy Policy, retryable func(error) bool) *Engine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Engine{policy: policy, retryable: retryable, sleep: sleepContext}
}

// ShouldRetry reports whether another attempt follows attempt n failing with err.
func (e *Engine) ShouldRetry(n int, err error) bool {
	if err == nil || n >= e.policy.MaxAttempts {
		return false
	}
	return e.retryable != nil && e.retryable(err)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the policy is
// exhausted. fn receives the 1-based attempt number.
func (e *Engine) Do(ctx context.Context, fn func(attempt int) error) error {
	for n := 1; ; n++ {
		if n > 1 {
			if err := e.sleep(ctx, e.policy.Delay(n)); err != nil {
				return err
			}
		}
		err := fn(n)
		if err == nil {
			return nil
		}
		if !e.ShouldRetry(n, err) {
			if n >= e.policy.MaxAttempts && e.retryable != nil && e.retryable(err) {
				return &ExhaustedError{Attempts: n, Last: err}
			}
			return err
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

// #endregion engine
