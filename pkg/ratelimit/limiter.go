package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so limiter behaviour is testable with a fake clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default wall clock.
var SystemClock Clock = systemClock{}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is a token-bucket rate limiter keyed by caller identity. Buckets
// are created lazily on first use and reclaimed by Sweep once idle.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	capacity    float64
	refillEvery time.Duration
	clock       Clock
}

func New(capacity int, refillEvery time.Duration, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	if capacity < 1 {
		capacity = 1
	}
	if refillEvery <= 0 {
		refillEvery = time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		capacity:    float64(capacity),
		refillEvery: refillEvery,
		clock:       clock,
	}
}

// Allow reports whether one more request under key fits the bucket, and
// consumes a token when it does.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastSeen: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen)
		b.tokens += elapsed.Seconds() * l.capacity / l.refillEvery.Seconds()
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastSeen = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns how long the caller should wait before the next token
// for key becomes available.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.tokens >= 1 {
		return 0
	}

	missing := 1 - b.tokens
	return time.Duration(missing * l.refillEvery.Seconds() / l.capacity * float64(time.Second))
}

// Sweep drops buckets that have been idle long enough to be full again,
// bounding memory for one-off callers.
func (l *Limiter) Sweep() {
	now := l.clock.Now()
	idle := 2 * l.refillEvery

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
