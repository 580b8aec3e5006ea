// Package retry implements bounded exponential backoff for provider calls.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"net"
	"syscall"
	"time"

	"medscribe/internal/errors"
)

// Policy bounds how often and how quickly a failing call is retried.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       8 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 2 * time.Minute,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Attempt is one invocation of the retried function.
type Attempt struct {
	Number int
	Err    error
	Took   time.Duration
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Each attempt gets its own timeout. observe, when
// non-nil, sees every attempt before the backoff wait.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, observe func(Attempt)) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		lastErr = p.runAttempt(ctx, fn, attempt)
		if observe != nil {
			observe(Attempt{Number: attempt, Err: lastErr, Took: time.Since(start)})
		}
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return stderrors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

func (p Policy) runAttempt(ctx context.Context, fn func(ctx context.Context, attempt int) error, attempt int) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx, attempt)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// the per-attempt deadline is a provider timeout, not a caller abort
		return errors.New(err).
			Component("retry").
			Category(errors.CategoryTransient).
			Context("timeout", p.AttemptTimeout.String()).
			Build()
	}
	return err
}

// IsRetryable reports whether err belongs to a transient failure class:
// categorised transient errors, timeouts, and refused or reset connections.
// Validation failures and everything unclassified are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsCategory(err, errors.CategoryValidation) {
		return false
	}
	if errors.IsCategory(err, errors.CategoryTransient) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET)
}
