package connection

import (
	"math"
	"sync"
	"time"
)

// ExponentialBackoff implements an exponential backoff strategy. The n-th
// call to Next (counting from zero) returns initial*factor^n.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration // 0 means uncapped
	factor  float64

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

// NewExponentialBackoff creates a new exponential backoff. A max of zero or
// less leaves the delay uncapped.
func NewExponentialBackoff(initial, max time.Duration, factor float64) *ExponentialBackoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < 0 {
		max = 0
	}
	if factor <= 1 {
		factor = 2.0
	}

	return &ExponentialBackoff{
		initial: initial,
		max:     max,
		factor:  factor,
		current: initial,
	}
}

// Next returns the next backoff duration
func (b *ExponentialBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	duration := b.current

	b.attempts++
	next := float64(b.current) * b.factor
	switch {
	case next >= math.MaxInt64:
		b.current = time.Duration(math.MaxInt64)
	default:
		b.current = time.Duration(next)
	}
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}

	return duration
}

// Reset resets the backoff to initial state
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of attempts since last reset
func (b *ExponentialBackoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
