package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	// The full burst is available immediately, then the bucket is dry.
	if !b.Allow(5) {
		t.Fatal("initial burst denied")
	}
	if b.Allow(1) {
		t.Fatal("empty bucket allowed a token")
	}

	// 5 tokens/sec: 200ms buys exactly one token back.
	clk.Advance(200 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatal("refilled token denied")
	}
	if b.Allow(1) {
		t.Fatal("second token allowed after single-token refill")
	}
}

func TestTokenBucketCapacityClamp(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatal("initial token denied")
	}

	// A long idle period refills to capacity, not beyond it.
	clk.Advance(time.Hour)
	if !b.Allow(1) {
		t.Fatal("refill after idle denied")
	}
	if b.Allow(1) {
		t.Fatal("bucket exceeded its capacity")
	}
}

func TestTokenBucketBackwardsClock(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatal("initial burst denied")
	}

	// A clock stepping backwards must not mint tokens.
	clk.Advance(-time.Minute)
	if b.Allow(1) {
		t.Fatal("backwards clock produced a token")
	}

	// Refill resumes from the re-anchored point.
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatal("refill after re-anchor denied")
	}
}

func TestTokenBucketZeroCostAlwaysAllowed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 0, 0)

	if !b.Allow(0) {
		t.Fatal("zero-cost request denied")
	}
	if b.Allow(1) {
		t.Fatal("zero-capacity bucket allowed a token")
	}
}
