package reservoir_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rv "github.com/veldt-io/reservoir"
)

// Test: a successful op runs exactly once
func TestRetryFirstTrySuccess(t *testing.T) {
	calls := 0
	err := rv.Retry(context.Background(), 5, time.Millisecond, rv.IsRetryable, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// Test: contention is retried until the op succeeds
func TestRetryContentionUntilSuccess(t *testing.T) {
	calls := 0
	err := rv.Retry(context.Background(), 5, time.Millisecond, rv.IsRetryable, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("attempt %d: %w", calls, rv.ErrStoreContention)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// Test: attempts are bounded; the last error surfaces after exhaustion
func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := rv.Retry(context.Background(), 3, time.Millisecond, rv.IsRetryable, func(ctx context.Context) error {
		calls++
		return rv.ErrStoreContention
	})
	assert.ErrorIs(t, err, rv.ErrStoreContention)
	assert.Equal(t, 3, calls)
}

// Test: non-retryable errors surface immediately and verbatim
func TestRetryQuotaErrorsNotRetried(t *testing.T) {
	over := &rv.OverQuotaError{Overs: []string{"ports"}}
	calls := 0
	err := rv.Retry(context.Background(), 5, time.Millisecond, rv.IsRetryable, func(ctx context.Context) error {
		calls++
		return over
	})
	assert.Equal(t, 1, calls)
	var oq *rv.OverQuotaError
	require.ErrorAs(t, err, &oq)
	assert.Same(t, over, oq)
}

// Test: cancellation during backoff aborts the loop
func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errCancel := rv.Retry(ctx, 10, 50*time.Millisecond, rv.IsRetryable, func(ctx context.Context) error {
		calls++
		cancel()
		return rv.ErrStoreContention
	})
	assert.ErrorIs(t, errCancel, context.Canceled)
	assert.Equal(t, 1, calls)
}

// Test: backoff grows between attempts
func TestRetryBackoffGrows(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	calls := 0
	_ = rv.Retry(context.Background(), 3, 10*time.Millisecond, rv.IsRetryable, func(ctx context.Context) error {
		now := time.Now()
		if calls > 0 {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		return rv.ErrStoreContention
	})
	require.Len(t, gaps, 2)
	assert.GreaterOrEqual(t, gaps[0], 10*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 20*time.Millisecond)
}

// Test: the retryable predicate sees wrapped contention
func TestIsRetryable(t *testing.T) {
	assert.True(t, rv.IsRetryable(fmt.Errorf("deadlock: %w", rv.ErrStoreContention)))
	assert.False(t, rv.IsRetryable(&rv.OverQuotaError{Overs: []string{"ports"}}))
	assert.False(t, rv.IsRetryable(errors.New("boom")))
}
