package worker

import (
	"math"
	"time"
)

// RetryPolicy computes the per-command retry schedule:
// initial * multiplier^(retryCount-1), capped at max. Deterministic so that
// availableAt is reproducible and testable; loop-level jitter lives in
// pkg/infra instead.
type RetryPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the backoff before the retryCount-th retry (1-based).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	delay := time.Duration(float64(p.Initial) * math.Pow(p.Multiplier, float64(retryCount-1)))
	if delay > p.Max || delay < 0 {
		return p.Max
	}
	return delay
}
