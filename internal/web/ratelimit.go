package web

import (
	"sync"
	"time"
)

type rateLimit struct {
	max    int
	window time.Duration
}

// rateLimiter is a sliding-window counter keyed by session and endpoint.
// It guards against runaway clients, not abuse; quotas handle the latter.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limits   map[string]rateLimit
	now      func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
		limits: map[string]rateLimit{
			"illustrate": {max: 10, window: time.Hour},
			"save":       {max: 100, window: time.Hour},
			"default":    {max: 1000, window: time.Hour},
		},
		now: time.Now,
	}
}

func (l *rateLimiter) limitFor(endpoint string) rateLimit {
	if limit, ok := l.limits[endpoint]; ok {
		return limit
	}
	return l.limits["default"]
}

// allow records the request and reports whether it fits in the window.
func (l *rateLimiter) allow(sessionToken, endpoint string) bool {
	limit := l.limitFor(endpoint)
	key := sessionToken + ":" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(key, limit.window)
	if len(recent) >= limit.max {
		l.requests[key] = recent
		return false
	}
	l.requests[key] = append(recent, l.now())
	return true
}

func (l *rateLimiter) remaining(sessionToken, endpoint string) int {
	limit := l.limitFor(endpoint)
	key := sessionToken + ":" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(key, limit.window)
	l.requests[key] = recent
	return limit.max - len(recent)
}

func (l *rateLimiter) prune(key string, window time.Duration) []time.Time {
	cutoff := l.now().Add(-window)
	var recent []time.Time
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
