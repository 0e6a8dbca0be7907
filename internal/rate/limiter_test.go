package rate

import (
	"testing"
	"time"
)

func TestAllowSpendsBurstThenRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("login:1.2.3.4", 60, 3) {
			t.Fatalf("request %d should pass", i)
		}
	}
	if l.Allow("login:1.2.3.4", 60, 3) {
		t.Fatalf("burst exhausted, request should be limited")
	}
	if !l.Allow("login:5.6.7.8", 60, 3) {
		t.Fatalf("other keys have their own bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("login:1.2.3.4", 60, 3) {
		t.Fatalf("one token should have refilled after a second")
	}
}

func TestAllowDisabled(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		if !l.Allow("k", 0, 0) {
			t.Fatalf("limit 0 must disable limiting")
		}
	}
}

func TestIdleBucketsAreCollected(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.lastGC = now
	l.now = func() time.Time { return now }
	l.Allow("a", 10, 1)
	l.Allow("b", 10, 1)
	now = now.Add(idleTTL + 2*time.Minute)
	l.Allow("c", 10, 1)
	if got := l.size(); got != 1 {
		t.Fatalf("expected idle buckets dropped, have %d", got)
	}
}
