package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_EnforcesWindow(t *testing.T) {
	l := newRateLimiter()
	l.limits["illustrate"] = rateLimit{max: 2, window: time.Hour}

	assert.True(t, l.allow("s1", "illustrate"))
	assert.True(t, l.allow("s1", "illustrate"))
	assert.False(t, l.allow("s1", "illustrate"))
	assert.Equal(t, 0, l.remaining("s1", "illustrate"))

	// Other sessions and endpoints have their own counters.
	assert.True(t, l.allow("s2", "illustrate"))
	assert.True(t, l.allow("s1", "save"))
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	l := newRateLimiter()
	l.limits["illustrate"] = rateLimit{max: 1, window: time.Hour}

	current := time.Now()
	l.now = func() time.Time { return current }

	assert.True(t, l.allow("s1", "illustrate"))
	assert.False(t, l.allow("s1", "illustrate"))

	current = current.Add(61 * time.Minute)
	assert.True(t, l.allow("s1", "illustrate"))
}

func TestRateLimiter_UnknownEndpointUsesDefault(t *testing.T) {
	l := newRateLimiter()
	assert.Equal(t, 1000, l.remaining("s1", "whatever"))
}
