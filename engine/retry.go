package engine

import (
	"math/rand"
	"time"
)

// DefaultMaxRetries is the number of retries a step gets when no per-step
// override is given: maxAttempts = maxRetries + 1, so three retries means
// four total attempts (§4.3).
const DefaultMaxRetries = 3

// RetryPolicy controls a step's retry budget and exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// means no retries at all (one attempt total).
	MaxRetries int

	// BaseDelay is the base of the exponential backoff. Zero selects 1s.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Zero selects 30s.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy applied when a step carries no
// metadata override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// MaxAttempts is MaxRetries+1, the defensive upper guard checked with strict
// ">" against the loaded step's attempt count before its body runs (§4.3
// step 2).
func (p RetryPolicy) MaxAttempts() int { return p.MaxRetries + 1 }

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// computeBackoff returns the delay before the next attempt, following
// delay = min(base*2^attempt, maxDelay) + jitter(0, base). attempt is
// zero-based (0 = delay before the second attempt).
func computeBackoff(attempt int, p RetryPolicy) time.Duration {
	p = p.normalized()
	exp := p.BaseDelay * (1 << attempt)
	if exp > p.MaxDelay {
		exp = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(p.BaseDelay))) //nolint:gosec // timing jitter, not security
	return exp + jitter
}
