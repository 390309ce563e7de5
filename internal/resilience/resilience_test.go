package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("provider", BreakerConfig{FailureThreshold: 3, OpenDuration: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: want boom, got %v", i, err)
		}
	}

	if !b.Open() {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}

	// Open breaker fails fast without invoking the function.
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("function must not run while the breaker is open")
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker("provider", BreakerConfig{FailureThreshold: 2, OpenDuration: 30 * time.Millisecond})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return boom })
	}
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(50 * time.Millisecond)

	// Half-open: successful probe resets the breaker to closed.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("want closed after successful probe, got %s", b.State())
	}
	if b.ConsecutiveFailures() != 0 {
		t.Fatal("failure count should reset after closure")
	}

	// A single new failure does not reopen a freshly closed breaker.
	_ = b.Do(func() error { return boom })
	if b.Open() {
		t.Fatal("one failure after closure should not reopen")
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker("provider", BreakerConfig{FailureThreshold: 1, OpenDuration: 20 * time.Millisecond})
	boom := errors.New("boom")

	_ = b.Do(func() error { return boom })
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(35 * time.Millisecond)
	_ = b.Do(func() error { return boom })
	if !b.Open() {
		t.Fatal("failed probe should return the breaker to open")
	}
}

func TestBreakerSetLazyCreation(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())
	a := set.Get("anthropic")
	if set.Get("anthropic") != a {
		t.Fatal("Get should return the same breaker per name")
	}
	set.Get("openai")
	states := set.States()
	if len(states) != 2 || states["anthropic"] != "closed" {
		t.Fatalf("unexpected states: %v", states)
	}
}

func TestLimiterCapacityOne(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimiterConfig{Capacity: 1, RefillPerSecond: 2}).
		WithClock(func() time.Time { return now })

	if _, err := l.Allow("agent:a", "chat"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	wait, err := l.Allow("agent:a", "chat")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call should be limited, got %v", err)
	}
	if wait <= 0 || wait > 500*time.Millisecond {
		t.Fatalf("retry hint should be ≤ 1/rate, got %v", wait)
	}

	// After 1/refill_rate the bucket holds one token again.
	now = now.Add(500 * time.Millisecond)
	if _, err := l.Allow("agent:a", "chat"); err != nil {
		t.Fatalf("call after refill should pass: %v", err)
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimiterConfig{Capacity: 1, RefillPerSecond: 1}).
		WithClock(func() time.Time { return now })

	if _, err := l.Allow("agent:a", "chat"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("agent:a", "submit"); err != nil {
		t.Fatal("different action must use a different bucket")
	}
	if _, err := l.Allow("agent:b", "chat"); err != nil {
		t.Fatal("different subject must use a different bucket")
	}
}

func TestLimiterNeverExceedsCapacityOverWindow(t *testing.T) {
	// Property 7: no more than capacity + refill·window grants in any window.
	now := time.Unix(0, 0)
	capacity, refill := 5.0, 10.0
	l := NewLimiter(LimiterConfig{Capacity: capacity, RefillPerSecond: refill}).
		WithClock(func() time.Time { return now })

	granted := 0
	window := time.Duration(capacity/refill*float64(time.Second)) + 50*time.Millisecond
	step := 10 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < window; elapsed += step {
		for {
			if _, err := l.Allow("s", "a"); err != nil {
				break
			}
			granted++
		}
		now = now.Add(step)
	}

	budget := int(capacity + refill*window.Seconds() + 1)
	if granted > budget {
		t.Fatalf("granted %d tokens, budget %d", granted, budget)
	}
}

func TestLimiterReap(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimiterConfig{Capacity: 5, RefillPerSecond: 1}).
		WithClock(func() time.Time { return now })

	l.Allow("agent:a", "chat")
	l.Allow("agent:b", "chat")
	now = now.Add(30 * time.Minute)
	l.Allow("agent:b", "chat") // refresh b

	if reaped := l.Reap(10 * time.Minute); reaped != 1 {
		t.Fatalf("want 1 reaped bucket, got %d", reaped)
	}
	if l.Size() != 1 {
		t.Fatalf("want 1 live bucket, got %d", l.Size())
	}
}
