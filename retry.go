package warren

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy produces the delay before the next retry attempt of a
// supervised operation (connect, channel create, channel recreate). Fixed
// backoffs are the simplest default; callers that want growth with jitter
// can substitute ExponentialRetryPolicy, backed by cenkalti/backoff/v4.
type RetryPolicy struct {
	delay func(attempt int) time.Duration
}

// ConstantRetryPolicy always waits d before the next attempt, regardless of
// how many attempts have already failed.
func ConstantRetryPolicy(d time.Duration) *RetryPolicy {
	return &RetryPolicy{delay: func(int) time.Duration { return d }}
}

// ExponentialRetryPolicy grows the delay from initial towards max, with
// jitter, using cenkalti/backoff/v4's ExponentialBackOff.
func ExponentialRetryPolicy(initial, max time.Duration) *RetryPolicy {
	return &RetryPolicy{
		delay: func(attempt int) time.Duration {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.MaxElapsedTime = 0 // never give up computing a next delay
			b.Reset()

			var d time.Duration
			for i := 0; i <= attempt; i++ {
				d = b.NextBackOff()
			}
			return d
		},
	}
}

// Delay returns the wait before retry attempt number attempt (0-based). A
// nil RetryPolicy retries immediately, which should never happen in
// practice since ConnectorOptions and ChannelManagerOptions apply a default
// policy for every nil field.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || p.delay == nil {
		return 0
	}
	return p.delay(attempt)
}
