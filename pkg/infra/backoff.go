package infra

import (
	"math/rand/v2"
	"sync"
	"time"
)

// jitterFraction spreads concurrent pollers apart by up to 20 percent of the
// current delay in either direction.
const jitterFraction = 0.2

// Backoff paces reconnect and poll-loop retries with jittered exponential
// delays. It is loop-level pacing only; per-command retry scheduling lives in
// the worker's retry policy.
type Backoff struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

// Next returns the jittered wait before the next retry and advances the
// exponential schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

// Reset restarts the schedule after a successful cycle.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

// Attempts reports how many consecutive retries the schedule has paced since
// the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
