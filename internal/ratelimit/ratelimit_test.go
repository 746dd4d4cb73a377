package ratelimit

import (
	"testing"
	"time"
)

func TestConsumeAllowsWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 3, StaleAfter: time.Minute, CleanupInterval: time.Hour})
	defer l.Shutdown()

	for i := 0; i < 3; i++ {
		r := l.Consume("client1")
		if !r.Allowed {
			t.Fatalf("Consume #%d denied, want allowed within burst", i)
		}
	}

	r := l.Consume("client1")
	if r.Allowed {
		t.Error("Consume beyond burst allowed, want denied")
	}
	if r.RetryAfterMs <= 0 {
		t.Errorf("RetryAfterMs = %d, want positive", r.RetryAfterMs)
	}
}

func TestConsumeIsPerClient(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, StaleAfter: time.Minute, CleanupInterval: time.Hour})
	defer l.Shutdown()

	if !l.Consume("a").Allowed {
		t.Error("first Consume for client a denied")
	}
	if !l.Consume("b").Allowed {
		t.Error("first Consume for client b denied, should not share a's bucket")
	}
	if l.Consume("a").Allowed {
		t.Error("second immediate Consume for client a allowed, want denied")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Shutdown()
	l.Shutdown() // must not panic
}
