package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyMaxAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, DefaultMaxRetries, p.MaxRetries)
	require.Equal(t, 4, p.MaxAttempts())
}

func TestComputeBackoffCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := computeBackoff(attempt, p)
		require.LessOrEqual(t, d, p.MaxDelay+p.BaseDelay)
		require.Greater(t, d, time.Duration(0))
	}
}

func TestComputeBackoffGrowsWithAttempt(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Hour}
	// With jitter bounded by BaseDelay, attempt 3's floor must exceed
	// attempt 0's ceiling for the exponential growth to be observable.
	floor3 := p.BaseDelay * 8
	ceil0 := p.BaseDelay * 2
	require.Greater(t, floor3, ceil0)
	require.GreaterOrEqual(t, computeBackoff(3, p), floor3)
	require.Less(t, computeBackoff(0, p), ceil0)
}

func TestWithDefaultRetryPolicyRejectsNegativeMaxRetries(t *testing.T) {
	_, err := New(
		WithStore(nil),
		WithQueue(nil),
		WithDefaultRetryPolicy(RetryPolicy{MaxRetries: -1}),
	)
	require.ErrorIs(t, err, errInvalidRetryPolicy)
}

func TestWithWorkerConcurrencyRejectsZero(t *testing.T) {
	_, err := New(WithWorkerConcurrency(0))
	require.ErrorIs(t, err, errInvalidConcurrency)
}
