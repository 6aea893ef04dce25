// Package middleware holds the HTTP cross-cutting pieces: bearer
// authentication, request IDs and the fixed-window rate limiter used by the
// messaging core.
package middleware

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FixedWindowLimiter counts admissions per key in fixed windows. A key's
// window begins at its first admission and is reset lazily on the first
// attempt at or after reset_at. The check and the commit are separate so a
// caller consulting several limiters increments none of them unless the
// request is admitted everywhere.
//
// The critical section is O(1), so a single exclusive lock is fine even
// under contention.
type FixedWindowLimiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	entries  map[string]*windowEntry
	now      func() time.Time
	log      *logrus.Entry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewFixedWindowLimiter creates a limiter admitting capacity requests per
// key per window. A background sweep drops idle entries.
func NewFixedWindowLimiter(name string, capacity int, window time.Duration) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		capacity: capacity,
		window:   window,
		entries:  make(map[string]*windowEntry),
		now:      time.Now,
		log:      logrus.WithField("component", "ratelimit").WithField("limiter", name),
	}
	go l.sweep()
	return l
}

// Allow reports whether the key has budget left in its current window. It
// does not consume budget; call Commit once the request is admitted.
func (l *FixedWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.fresh(key)
	if e.count >= l.capacity {
		l.log.WithField("key", key).Debug("window exhausted")
		return false
	}
	return true
}

// Commit consumes one unit of the key's window budget.
func (l *FixedWindowLimiter) Commit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fresh(key).count++
}

// fresh returns the key's entry, lazily resetting an expired window.
// Caller holds l.mu.
func (l *FixedWindowLimiter) fresh(key string) *windowEntry {
	now := l.now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(l.window)}
		l.entries[key] = e
	}
	return e
}

// sweep periodically removes long-expired windows so idle keys do not
// accumulate forever.
func (l *FixedWindowLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := l.now()
		for key, e := range l.entries {
			if now.Sub(e.resetAt) > l.window {
				delete(l.entries, key)
			}
		}
		l.mu.Unlock()
	}
}
