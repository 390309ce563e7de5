package resilience

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a subject's bucket is depleted.
var ErrRateLimited = errors.New("rate limited")

// LimiterConfig configures the token buckets.
type LimiterConfig struct {
	// Capacity is the bucket size in tokens.
	Capacity float64

	// RefillPerSecond is the sustained token refill rate.
	RefillPerSecond float64
}

// Limiter is a token-bucket rate limiter keyed by (subject, action).
// Buckets are created lazily on first use and reaped after an idle timeout
// by the maintenance loop.
type Limiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	lastSeen time.Time
}

// NewLimiter creates a limiter with the given bucket parameters.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 30
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 0.5
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// WithClock overrides the clock (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow consumes one token for (subject, action) if available.
// On denial it returns the wait until the next token and ErrRateLimited.
func (l *Limiter) Allow(subject, action string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := subject + "|" + action

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.cfg.Capacity, lastFill: now}
		l.buckets[key] = b
	}

	// Refill proportionally to elapsed time, capped at capacity.
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.cfg.Capacity, b.tokens+elapsed*l.cfg.RefillPerSecond)
		b.lastFill = now
	}
	b.lastSeen = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		wait := time.Duration(deficit / l.cfg.RefillPerSecond * float64(time.Second))
		return wait, ErrRateLimited
	}

	b.tokens--
	return 0, nil
}

// Reap drops buckets untouched for longer than idle. Returns the count removed.
func (l *Limiter) Reap(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the live bucket count (for metrics).
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
