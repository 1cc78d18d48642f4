// Package clock provides injectable time and jitter sources so retry
// schedules and watermark arithmetic are testable.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock supplies the current instant. Production code uses Real; tests
// substitute a fixed or stepping implementation.
type Clock interface {
	Now() time.Time
}

// Jitter supplies a random duration in [0, max). Production code uses
// NewJitter; tests substitute a deterministic function.
type Jitter func(max time.Duration) time.Duration

// Real is the production Clock backed by time.Now in UTC.
type Real struct{}

// Now returns the current UTC instant.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// NewJitter returns a Jitter backed by a locally seeded PRNG.
// Safe for concurrent use.
func NewJitter() Jitter {
	var mu sync.Mutex

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return func(max time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}

		mu.Lock()
		defer mu.Unlock()

		return time.Duration(rng.Int63n(int64(max)))
	}
}

// Fixed is a Clock that always returns the same instant. Intended for tests.
type Fixed struct {
	Instant time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time {
	return f.Instant
}
