package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNextStaysWithinJitteredBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2.0)

	// Jitter is at most 20 percent of the capped delay in either direction
	for i := 0; i < 20; i++ {
		wait := b.Next()
		assert.GreaterOrEqual(t, wait, time.Second)
		assert.LessOrEqual(t, wait, 36*time.Second)
	}
}

func TestBackoffResetRestartsFromInitial(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 2.0)

	for i := 0; i < 5; i++ {
		b.Next()
	}
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())

	// First wait after reset is based on the initial interval again
	wait := b.Next()
	assert.LessOrEqual(t, wait, 2*time.Second)
}
