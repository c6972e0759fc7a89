package syncqueue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy when a failed item may be attempted again, and when to give up on it
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // failures before an item is dead-lettered
}

// DefaultRetryPolicy 30s, 1m, 2m ... capped at 30m, dead after 10 failures
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 30 * time.Second,
		MaxInterval:     30 * time.Minute,
		Multiplier:      2,
		MaxAttempts:     10,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay wait after the retryCount-th failure
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	b := p.backOff()
	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
		if d == p.MaxInterval {
			break
		}
	}
	return d
}

// Exhausted whether an item that failed retryCount times is dead
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}
