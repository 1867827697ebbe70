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

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("expected burst message %d to be allowed", i)
		}
	}
	if b.Allow() {
		t.Fatalf("expected bucket to be empty after burst")
	}

	clk.Advance(200 * time.Millisecond) // exactly one token at 5 tokens/sec
	if !b.Allow() {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow() {
		t.Fatalf("expected only one token to have refilled")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(clk, 2, 1)

	clk.Advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected token %d after long idle", i)
		}
	}
	if b.Allow() {
		t.Fatalf("bucket should not exceed capacity after long idle")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := New(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}
	clk.Advance(-time.Hour)
	if b.Allow() {
		t.Fatalf("expected no refill when time goes backwards")
	}
}
