package retry

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscribe/internal/errors"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Zero(t, p.Delay(0))
}

func TestDoRetriesTransientUntilExhausted(t *testing.T) {
	var attempts []Attempt
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.Transient("test", "provider", fmt.Errorf("503"))
	}, func(a Attempt) { attempts = append(attempts, a) })

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Error(t, a.Err)
	}
	assert.True(t, errors.IsCategory(err, errors.CategoryTransient))
}

func TestDoStopsOnValidation(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.Validation("test", "audio", "empty audio")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return syscall.ECONNRESET
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy()
	p.AttemptTimeout = 5 * time.Millisecond

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.IsCategory(err, errors.CategoryTransient))
}

func TestDoHonoursCancelledContext(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.Transient("test", "provider", fmt.Errorf("429"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(fmt.Errorf("unclassified")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.False(t, IsRetryable(errors.Validation("c", "language", "unsupported")))
}
