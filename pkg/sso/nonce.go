package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// NonceStore tracks consumed nonces inside a bounded time window to
// prevent token replay. Consume is first-wins: when two requests race to
// consume the same nonce the second must lose.
type NonceStore interface {
	// Consume marks the nonce used. It returns false when the nonce was
	// already consumed inside the replay window.
	Consume(ctx context.Context, nonce string) (bool, error)
}

// NewNonce generates a cryptographically random nonce for a new
// authentication flow.
func NewNonce() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MemoryNonceStore is a process-local nonce store with a bounded window
// and a bounded entry count.
type MemoryNonceStore struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu   sync.Mutex
	used map[string]time.Time
}

// NewMemoryNonceStore creates an in-memory nonce store. A zero window
// uses NonceWindow; a zero maxEntries uses 100000.
func NewMemoryNonceStore(window time.Duration, maxEntries int) *MemoryNonceStore {
	if window == 0 {
		window = NonceWindow
	}
	if maxEntries == 0 {
		maxEntries = 100000
	}
	return &MemoryNonceStore{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		used:       make(map[string]time.Time),
	}
}

// WithClock overrides the store's clock for tests.
func (s *MemoryNonceStore) WithClock(now func() time.Time) *MemoryNonceStore {
	s.now = now
	return s
}

// Consume marks the nonce used, returning false on replay
func (s *MemoryNonceStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if usedAt, ok := s.used[nonce]; ok && now.Sub(usedAt) <= s.window {
		return false, nil
	}

	// Refuse new entries rather than evict recent ones: dropping a
	// recently consumed nonce would reopen the replay window.
	if len(s.used) >= s.maxEntries {
		return false, fmt.Errorf("nonce store is full")
	}

	s.used[nonce] = now
	return true, nil
}

// sweepLocked drops entries older than the replay window. Caller holds
// the mutex.
func (s *MemoryNonceStore) sweepLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	for nonce, usedAt := range s.used {
		if usedAt.Before(cutoff) {
			delete(s.used, nonce)
		}
	}
}

// RedisNonceStore is a nonce store backed by Redis for multi-instance
// deployments. First-wins semantics come from SETNX.
type RedisNonceStore struct {
	client *redis.Client
	window time.Duration
}

// NewRedisNonceStore creates a redis-backed nonce store
func NewRedisNonceStore(client *redis.Client, window time.Duration) *RedisNonceStore {
	if window == 0 {
		window = NonceWindow
	}
	return &RedisNonceStore{client: client, window: window}
}

// Consume marks the nonce used, returning false on replay
func (s *RedisNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	key := fmt.Sprintf("kestrel:nonce:%s", nonce)
	ok, err := s.client.SetNX(ctx, key, 1, s.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return ok, nil
}
