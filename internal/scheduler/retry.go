package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy computes backoff delays for failed tasks: base delay doubled on
// every retry, capped at MaxDelay.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the documented defaults: 60s base, 15min cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 60 * time.Second,
		MaxDelay:  15 * time.Minute,
	}
}

// Delay returns the backoff delay for the given retry index (0 for the first
// retry). Jitter is disabled so delays are deterministic and auditable.
func (p RetryPolicy) Delay(retry int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 0; i < retry; i++ {
		delay = bo.NextBackOff()
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
