// Package ratelimit holds the token-bucket limiters used by the HTTP and realtime surfaces.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const evictEvery = 512

// KeyLimiter applies a token bucket per caller key and evicts idle buckets.
type KeyLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyLimiter returns nil when rps or burst is not positive; a nil limiter allows everything.
func NewKeyLimiter(rps float64, burst int, idleTTL time.Duration) *KeyLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*bucket),
	}
}

// Allow consumes one token for key at now.
// Empty keys are not limited.
func (l *KeyLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%evictEvery == 0 {
		l.evictLocked(now)
	}
	return allowed
}

// Len reports how many buckets are tracked.
func (l *KeyLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *KeyLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, b := range l.byKey {
		if b.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

// ConnLimiter limits inbound events on a single realtime connection.
// events per window are refilled continuously; the full allowance is available as burst.
type ConnLimiter struct {
	limiter *rate.Limiter
}

// NewConnLimiter constructs a ConnLimiter, falling back to 120 events per 10s on invalid input.
func NewConnLimiter(events int, window time.Duration) *ConnLimiter {
	if events <= 0 {
		events = 120
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	every := window / time.Duration(events)
	if every <= 0 {
		every = time.Nanosecond
	}
	return &ConnLimiter{limiter: rate.NewLimiter(rate.Every(every), events)}
}

// Allow reports whether an event at now is permitted.
func (c *ConnLimiter) Allow(now time.Time) bool {
	if c == nil {
		return true
	}
	return c.limiter.AllowN(now, 1)
}
