package sso

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SubjectRateLimiter applies a simple per-subject authentication rate
// check. Each subject gets an independent token bucket; idle buckets are
// dropped by Cleanup.
type SubjectRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*subjectLimiter
}

type subjectLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSubjectRateLimiter creates a limiter allowing attemptsPerMinute
// authentication attempts per subject with the given burst.
func NewSubjectRateLimiter(attemptsPerMinute int, burst int) *SubjectRateLimiter {
	return &SubjectRateLimiter{
		limit:    rate.Limit(float64(attemptsPerMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*subjectLimiter),
	}
}

// Allow reports whether an authentication attempt for the subject is
// within the configured rate.
func (l *SubjectRateLimiter) Allow(subject string) bool {
	l.mu.Lock()
	s, ok := l.limiters[subject]
	if !ok {
		s = &subjectLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[subject] = s
	}
	s.lastSeen = time.Now()
	l.mu.Unlock()

	return s.limiter.Allow()
}

// Cleanup drops buckets idle for longer than maxIdle. Call periodically.
func (l *SubjectRateLimiter) Cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for subject, s := range l.limiters {
		if s.lastSeen.Before(cutoff) {
			delete(l.limiters, subject)
		}
	}
}
