// Package ratelimit implements a keyed token bucket rate limiter.
// Thread-safe. Tokens are refilled lazily on each Allow call; idle buckets
// are dropped by Prune.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/crucible/internal/domain"
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-key token bucket rate limiter. Keys are usually team ids;
// one team cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Unlimited reports whether the limiter never rejects.
func (l *Limiter) Unlimited() bool { return l == nil || l.rate <= 0 }

// Allow consumes one token for key. It returns an error wrapping
// domain.ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(key string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens < 1 {
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, key)
	}
	b.tokens--
	return nil
}

// Remaining returns the whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	if l.Unlimited() {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(key).tokens)
}

// refill must be called with l.mu held.
func (l *Limiter) refill(key string) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
		return b
	}
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = min(b.tokens+elapsed*l.rate, l.burst)
	b.lastFill = now
	return b
}

// Prune removes buckets untouched for longer than idle. A pruned key starts
// over with a full bucket, which is what a refill would have produced.
func (l *Limiter) Prune(idle time.Duration) int {
	if l.Unlimited() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.buckets {
		if b.lastFill.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
