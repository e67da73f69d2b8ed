package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketStartsFull(t *testing.T) {
	tb := NewTokenBucket(10, 5)
	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("expected token %d to be available", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("expected bucket to be empty after draining the burst")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(100, 2)
	tb.AllowN(2)
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond) // ~5 tokens at 100/s, capped at 2
	if !tb.AllowN(2) {
		t.Fatal("bucket should have refilled to capacity")
	}
	if tb.Allow() {
		t.Fatal("refill must be capped at capacity")
	}
}

func TestTokenBucketAllowNRejectsPartial(t *testing.T) {
	tb := NewTokenBucket(1, 3)
	if !tb.AllowN(3) {
		t.Fatal("expected full burst to be available")
	}
	if tb.AllowN(2) {
		t.Fatal("expected insufficient tokens for 2")
	}
}

func TestTokenBucketWindowBound(t *testing.T) {
	// In a window of ~100ms with rate 50/s and burst 20, at most
	// 20 + ceil(0.1*50) = 25 messages may pass.
	tb := NewTokenBucket(50, 20)
	allowed := 0
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if tb.Allow() {
			allowed++
		}
	}
	if allowed > 26 {
		t.Fatalf("allowed %d messages, expected at most 26", allowed)
	}
	if allowed < 20 {
		t.Fatalf("allowed %d messages, expected at least the burst of 20", allowed)
	}
}
