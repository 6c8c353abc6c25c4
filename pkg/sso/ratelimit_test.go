package sso

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubjectRateLimiterAllow(t *testing.T) {
	limiter := NewSubjectRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("alice"), "attempt %d within burst should pass", i+1)
	}
	assert.False(t, limiter.Allow("alice"), "attempt beyond burst should be denied")

	// Other subjects have independent buckets.
	assert.True(t, limiter.Allow("bob"))
}

func TestSubjectRateLimiterCleanup(t *testing.T) {
	limiter := NewSubjectRateLimiter(60, 1)

	limiter.Allow("alice")
	limiter.Allow("bob")
	assert.Len(t, limiter.limiters, 2)

	time.Sleep(10 * time.Millisecond)
	limiter.Cleanup(time.Millisecond)
	assert.Empty(t, limiter.limiters)
}
