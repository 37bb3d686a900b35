package queue

import (
	"math/rand"
	"time"

	"github.com/hibiken/asynq"
)

const (
	retryBase   = 2 * time.Second
	retryCap    = 5 * time.Minute
	retryJitter = 0.2
)

// RetryDelay is the asynq.RetryDelayFunc: 2s doubling per attempt, capped at
// five minutes, with ±20% jitter so retries of a burst spread out.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return backoff(n, rand.Float64())
}

// backoff computes the delay for attempt n given r in [0, 1).
func backoff(n int, r float64) time.Duration {
	d := retryCap
	if n >= 0 && n < 20 {
		if exp := retryBase << uint(n); exp < retryCap {
			d = exp
		}
	}
	d = time.Duration(float64(d) * (1 + retryJitter*(2*r-1)))
	if d > retryCap {
		d = retryCap
	}
	return d
}
