package vapi

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy is an exponential backoff that prefers a server supplied
// Retry-After delay, capped at the max interval.
type retryPolicy struct {
	*backoff.ExponentialBackOff
	disabled bool
	lastErr  error
}

// NextBackOff implements backoff.BackOff.
func (p *retryPolicy) NextBackOff() time.Duration {
	if p.disabled {
		return backoff.Stop
	}
	next := p.ExponentialBackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	var transient *transientStatusError
	if errors.As(p.lastErr, &transient) && transient.retryAfter > 0 {
		if transient.retryAfter > p.MaxInterval {
			return p.MaxInterval
		}
		return transient.retryAfter
	}
	return next
}

// newRetryPolicy creates an exponential policy bounded by maxElapsed.
// A zero maxElapsed disables retries.
func newRetryPolicy(maxElapsed time.Duration) *retryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return &retryPolicy{ExponentialBackOff: b, disabled: maxElapsed == 0}
}
