package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffReadyImmediately(t *testing.T) {
	b := NewBackoff(DefaultConfig(15 * time.Second))
	assert.True(t, b.Ready(time.Now()))
	assert.Equal(t, 0, b.Failures())
}

func TestBackoffGatesAfterFailure(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tick := 15 * time.Second
	b := NewBackoff(DefaultConfig(tick))

	b.Fail(now)
	assert.False(t, b.Ready(now))
	assert.False(t, b.Ready(now.Add(tick-time.Second)))
	assert.True(t, b.Ready(now.Add(tick)), "first failure waits exactly one tick")
	assert.Equal(t, 1, b.Failures())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	tick := 15 * time.Second
	cap := 5 * tick
	b := NewBackoff(DefaultConfig(tick))

	for i := 0; i < 10; i++ {
		b.Fail(now)
	}
	// Whatever the jitter, the gate can never exceed the cap.
	assert.True(t, b.Ready(now.Add(cap)))
	assert.Equal(t, 10, b.Failures())
}

func TestBackoffReset(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	b := NewBackoff(DefaultConfig(15 * time.Second))

	b.Fail(now)
	b.Reset()
	assert.True(t, b.Ready(now))
	assert.Equal(t, 0, b.Failures())

	// After a reset the schedule starts over at the initial backoff.
	b.Fail(now)
	assert.True(t, b.Ready(now.Add(15*time.Second)))
}
