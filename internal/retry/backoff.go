// Package retry tracks per-symbol exponential backoff across poll ticks.
// Retries happen on later ticks rather than inline, so one struggling
// symbol never blocks the loop.
package retry

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// Config bounds the backoff schedule.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig starts at one tick and caps at five.
func DefaultConfig(tick time.Duration) Config {
	return Config{
		InitialBackoff: tick,
		MaxBackoff:     5 * tick,
	}
}

// Backoff gates retries for one symbol. Safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	config   Config
	current  time.Duration
	notUntil time.Time
	failures int
}

// NewBackoff creates a tracker that is immediately ready.
func NewBackoff(config Config) *Backoff {
	return &Backoff{config: config}
}

// Ready reports whether the gated action may be attempted again.
func (b *Backoff) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.notUntil)
}

// Failures returns how many consecutive failures have been recorded.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Fail records a transient failure and pushes the next attempt out.
func (b *Backoff) Fail(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.config.InitialBackoff
	} else {
		b.current = calculateNextBackoff(b.current, b.config.MaxBackoff)
	}
	b.failures++
	b.notUntil = now.Add(b.current)
}

// Reset clears the backoff after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	b.failures = 0
	b.notUntil = time.Time{}
}

func calculateNextBackoff(currentBackoff, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
