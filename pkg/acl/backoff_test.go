package acl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultBackoffTable(t *testing.T) {
	b := DefaultBackoff()
	b.rand = func() float64 { return 0 }

	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 128, 256, 256, 256}
	for n, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(n), "attempt %d", n)
	}
}

func TestBackoffIsMonotonicWithWorstCaseJitter(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Minute, Multiplier: 1.5, Jitter: 0.9}

	// Jitter is clamped to 0.5, so the largest delay for n never exceeds
	// the smallest for n+1.
	high := b
	high.rand = func() float64 { return 0.999999 }
	low := b
	low.rand = func() float64 { return 0 }

	for n := 0; n < 30; n++ {
		assert.LessOrEqual(t, high.Delay(n), low.Delay(n+1), "attempt %d", n)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := DefaultBackoff()
	b.rand = func() float64 { return 0.5 }

	assert.Equal(t, b.Max, b.Delay(1000))
	assert.Equal(t, b.Max, b.Delay(64))
}

func TestBackoffZeroValueUsesSaneBase(t *testing.T) {
	var b Backoff
	b.rand = func() float64 { return 0 }
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(-3))
}
