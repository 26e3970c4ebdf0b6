package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay returns how long a job that has used attempts attempts waits before
// its next run. The delay doubles per attempt from base up to max, with jitter.
func retryDelay(base, max time.Duration, jitter float64, attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}
