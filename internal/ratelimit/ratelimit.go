package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Limiter implements a token-bucket rate limiter keyed by arbitrary string
// identifiers, here a route scope plus the client IP.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// effectiveRate returns override if positive, otherwise the default rate.
func (l *Limiter) effectiveRate(override int) int {
	if override > 0 {
		return override
	}
	return l.defaultRate
}

// getBucket returns the bucket for key, creating one if it doesn't exist.
// Must be called with l.mu held.
func (l *Limiter) getBucket(key string, rate int) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     float64(rate),
			lastRefill: l.now(),
			rate:       rate,
		}
		l.buckets[key] = b
	}
	b.rate = rate
	return b
}

// refill adds tokens to the bucket based on elapsed time since the last refill.
// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	// Tokens accumulate at rate/window per second.
	refillRate := float64(b.rate) / l.window.Seconds()
	b.tokens += elapsed * refillRate
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastRefill = now
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the bucket is full again.
	ResetAt time.Time
	// RetryAfter is the wait until the next token when Allowed is false.
	RetryAfter time.Duration
}

// Take consumes a token for key if one is available. A positive override
// replaces the default rate for this key.
func (l *Limiter) Take(key string, override int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key, l.effectiveRate(override))
	l.refill(b)

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	d := l.decision(b)
	d.Allowed = allowed
	if !allowed {
		d.RetryAfter = l.untilTokens(b, 1)
	}
	return d
}

// Peek reports the state of key without consuming a token.
func (l *Limiter) Peek(key string, override int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key, l.effectiveRate(override))
	l.refill(b)
	d := l.decision(b)
	d.Allowed = b.tokens >= 1
	return d
}

// decision must be called with l.mu held.
func (l *Limiter) decision(b *bucket) Decision {
	return Decision{
		Limit:     b.rate,
		Remaining: max(int(b.tokens), 0),
		ResetAt:   l.now().Add(l.untilTokens(b, float64(b.rate))),
	}
}

// untilTokens is how long b needs to hold want tokens. Must be called with
// l.mu held.
func (l *Limiter) untilTokens(b *bucket, want float64) time.Duration {
	deficit := want - b.tokens
	if deficit <= 0 || b.rate <= 0 {
		return 0
	}
	perSecond := float64(b.rate) / l.window.Seconds()
	return time.Duration(deficit / perSecond * float64(time.Second))
}

// Prune drops buckets that have refilled completely. A full bucket behaves
// exactly like a missing one, so this only bounds memory for one-off client
// addresses. It returns the number of buckets removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		l.refill(b)
		if b.tokens >= float64(b.rate) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
