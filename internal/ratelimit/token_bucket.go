// Package ratelimit provides a deterministic token bucket used to bound the
// rate of inbound signaling messages per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanosPerToken = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec). The implementation
// uses fixed-point "nano-tokens" to avoid float rounding drift under many
// small refills.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

// New returns a full bucket. A capacity or rate <= 0 yields a bucket that
// never allows anything, which callers should treat as "disabled" and skip.
func New(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:         clock,
		capacityNano:  capacity * nanosPerToken,
		fillRate:      fillRate,
		availableNano: capacity * nanosPerToken,
		last:          clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < nanosPerToken {
		return false
	}
	b.availableNano -= nanosPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.fillRate <= 0 || b.capacityNano <= 0 {
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond.
	need := b.capacityNano - b.availableNano
	if need <= 0 {
		return
	}
	if elapsed >= need/b.fillRate {
		b.availableNano = b.capacityNano
		return
	}
	b.availableNano += elapsed * b.fillRate
}
