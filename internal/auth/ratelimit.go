package auth

import (
	"sync"
	"time"
)

// FailureLimiter throttles repeated authentication failures per origin to
// blunt brute-force attempts. Counters use a fixed window and expire lazily,
// so memory stays bounded by the set of recently failing origins.
type FailureLimiter struct {
	mu      sync.Mutex
	entries map[string]*failureEntry

	maxFailures int
	window      time.Duration
	now         func() time.Time
}

type failureEntry struct {
	count       int
	windowStart time.Time
}

// NewFailureLimiter creates a limiter allowing maxFailures failed attempts
// per origin within each window
func NewFailureLimiter(maxFailures int, window time.Duration) *FailureLimiter {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}

	return &FailureLimiter{
		entries:     make(map[string]*failureEntry),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
	}
}

// Allow reports whether an origin may attempt authentication
func (l *FailureLimiter) Allow(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[origin]
	if !exists {
		return true
	}

	if l.now().Sub(entry.windowStart) >= l.window {
		delete(l.entries, origin)
		return true
	}

	return entry.count < l.maxFailures
}

// RecordFailure counts one failed attempt for an origin
func (l *FailureLimiter) RecordFailure(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	entry, exists := l.entries[origin]
	if !exists || now.Sub(entry.windowStart) >= l.window {
		l.entries[origin] = &failureEntry{count: 1, windowStart: now}
		l.sweepLocked(now)
		return
	}

	entry.count++
}

// RecordSuccess clears the failure counter for an origin
func (l *FailureLimiter) RecordSuccess(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, origin)
}

// sweepLocked drops expired counters. Called opportunistically when a new
// window opens so the map cannot grow without bound.
func (l *FailureLimiter) sweepLocked(now time.Time) {
	for origin, entry := range l.entries {
		if now.Sub(entry.windowStart) >= l.window {
			delete(l.entries, origin)
		}
	}
}
