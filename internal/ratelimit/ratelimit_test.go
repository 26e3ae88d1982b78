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

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rate int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(rate, window)
	l.now = clock.Now
	return l
}

// drain takes n tokens and returns how many were granted.
func drain(l *Limiter, key string, override, n int) int {
	granted := 0
	for i := 0; i < n; i++ {
		if l.Take(key, override).Allowed {
			granted++
		}
	}
	return granted
}

func TestTake(t *testing.T) {
	tests := []struct {
		name     string
		rate     int
		override int
		attempts int
		want     int
	}{
		{"default rate", 3, 0, 5, 3},
		{"override raises the limit", 2, 5, 8, 5},
		{"override lowers the limit", 10, 3, 6, 3},
		{"single token", 1, 0, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLimiter(tt.rate, time.Minute, newFakeClock(time.Now()))
			if got := drain(l, "register:192.0.2.1", tt.override, tt.attempts); got != tt.want {
				t.Errorf("granted %d of %d, want %d", got, tt.attempts, tt.want)
			}
		})
	}
}

func TestTakeKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(1, time.Minute, newFakeClock(time.Now()))

	if !l.Take("login:192.0.2.1", 0).Allowed {
		t.Fatal("first take should be allowed")
	}
	if l.Take("login:192.0.2.1", 0).Allowed {
		t.Fatal("second take on the same key should be denied")
	}
	if !l.Take("login:192.0.2.2", 0).Allowed {
		t.Fatal("another key should have its own bucket")
	}
}

func TestTakeDecision(t *testing.T) {
	clock := newFakeClock(time.Now())
	// 10 per minute is one token every 6s.
	l := newTestLimiter(10, time.Minute, clock)

	d := l.Take("k", 0)
	if !d.Allowed || d.Limit != 10 || d.Remaining != 9 {
		t.Fatalf("first take = %+v", d)
	}
	if want := clock.Now().Add(6 * time.Second); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}

	drain(l, "k", 0, 9)
	d = l.Take("k", 0)
	if d.Allowed {
		t.Fatal("empty bucket should deny")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if d.RetryAfter != 6*time.Second {
		t.Errorf("RetryAfter = %v, want 6s", d.RetryAfter)
	}
}

func TestRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	// One token per second.
	l := newTestLimiter(60, time.Minute, clock)

	drain(l, "k", 0, 60)
	if l.Take("k", 0).Allowed {
		t.Fatal("should be denied once drained")
	}

	clock.Advance(time.Second)
	if got := drain(l, "k", 0, 3); got != 1 {
		t.Fatalf("after 1s granted %d, want 1", got)
	}

	clock.Advance(5 * time.Second)
	if got := drain(l, "k", 0, 8); got != 5 {
		t.Fatalf("after 5s granted %d, want 5", got)
	}

	// Refill never exceeds the rate.
	clock.Advance(time.Hour)
	if d := l.Peek("k", 0); d.Remaining != 60 {
		t.Fatalf("Remaining after long idle = %d, want 60", d.Remaining)
	}
}

func TestPeek(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	d := l.Peek("k", 0)
	if !d.Allowed || d.Remaining != 5 || !d.ResetAt.Equal(clock.Now()) {
		t.Fatalf("fresh bucket = %+v", d)
	}
	// Peeking consumes nothing.
	if d := l.Peek("k", 0); d.Remaining != 5 {
		t.Fatalf("Remaining after peek = %d, want 5", d.Remaining)
	}

	if d := l.Peek("k", 20); d.Limit != 20 || d.Remaining != 20 {
		t.Fatalf("override peek = %+v", d)
	}
}

func TestConcurrentTake(t *testing.T) {
	l := newTestLimiter(100, time.Minute, newFakeClock(time.Now()))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Take("register:192.0.2.1", 0).Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 100 {
		t.Fatalf("granted %d, want exactly 100", granted)
	}
}

func TestPrune(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(2, time.Minute, clock)

	l.Take("login:10.0.0.1", 0)
	drain(l, "login:10.0.0.2", 0, 2)
	if l.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.Len())
	}

	if n := l.Prune(); n != 0 {
		t.Fatalf("pruned %d before refill, want 0", n)
	}

	clock.Advance(time.Minute)
	if n := l.Prune(); n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	if l.Len() != 0 {
		t.Fatalf("expected no buckets left, got %d", l.Len())
	}
}
