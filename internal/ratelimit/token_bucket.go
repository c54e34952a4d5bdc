// Package ratelimit provides the deterministic token bucket used to bound
// inbound signaling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One token is represented as 1e9 nano-tokens so a fill rate of X tokens/sec
// adds exactly X nano-tokens per elapsed nanosecond, with no float rounding.
const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a provided Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}

	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes the provided number of tokens if available. tokens <= 0
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := toNano(b.capacity)
	if b.available >= capNano {
		b.available = capNano
		return
	}

	// rate tokens/sec == rate nano-tokens/ns. Clamp rather than risk overflow
	// in elapsed*rate when the bucket has been idle for a long time.
	need := capNano - b.available
	if fillTime := need / b.rate; fillTime <= 0 || elapsed >= fillTime {
		b.available = capNano
		return
	}

	b.available += elapsed * b.rate
	if b.available > capNano {
		b.available = capNano
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
