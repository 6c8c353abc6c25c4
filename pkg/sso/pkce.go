package sso

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/oauth2"
)

// PKCEChallenge is the client-visible half of a PKCE exchange.
type PKCEChallenge struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"` // always S256
}

// PKCEStore stores PKCE verifiers keyed by session identifier. Retrieval
// is single-use: Take deletes the entry, and a completion request that
// finds no live verifier must fail closed.
type PKCEStore interface {
	// Put stores the verifier for a session. An existing verifier for the
	// same session is replaced.
	Put(ctx context.Context, sessionID, verifier string) error

	// Take retrieves and deletes the verifier for a session. The boolean
	// is false when no live (unexpired, unconsumed) verifier exists.
	Take(ctx context.Context, sessionID string) (string, bool, error)
}

// GeneratePKCE creates a cryptographically random verifier and its S256
// challenge for a new authentication flow.
func GeneratePKCE() (verifier string, challenge PKCEChallenge) {
	verifier = oauth2.GenerateVerifier()
	return verifier, PKCEChallenge{
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}
}

// MemoryPKCEStore is a process-local PKCE store with entry expiry.
type MemoryPKCEStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]pkceEntry
}

type pkceEntry struct {
	verifier  string
	createdAt time.Time
}

// NewMemoryPKCEStore creates an in-memory PKCE store. A zero ttl uses
// PKCEVerifierTTL.
func NewMemoryPKCEStore(ttl time.Duration) *MemoryPKCEStore {
	if ttl == 0 {
		ttl = PKCEVerifierTTL
	}
	return &MemoryPKCEStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]pkceEntry),
	}
}

// WithClock overrides the store's clock for tests.
func (s *MemoryPKCEStore) WithClock(now func() time.Time) *MemoryPKCEStore {
	s.now = now
	return s
}

// Put stores the verifier for a session
func (s *MemoryPKCEStore) Put(_ context.Context, sessionID, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.entries[sessionID] = pkceEntry{verifier: verifier, createdAt: s.now()}
	return nil
}

// Take retrieves and deletes the verifier for a session
func (s *MemoryPKCEStore) Take(_ context.Context, sessionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionID]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, sessionID)

	if s.now().Sub(entry.createdAt) > s.ttl {
		return "", false, nil
	}
	return entry.verifier, true, nil
}

// sweepLocked drops expired entries. Caller holds the mutex.
func (s *MemoryPKCEStore) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, entry := range s.entries {
		if entry.createdAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

// RedisPKCEStore is a PKCE store backed by Redis for multi-instance
// deployments. Single-use semantics come from GETDEL.
type RedisPKCEStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPKCEStore creates a redis-backed PKCE store
func NewRedisPKCEStore(client *redis.Client, ttl time.Duration) *RedisPKCEStore {
	if ttl == 0 {
		ttl = PKCEVerifierTTL
	}
	return &RedisPKCEStore{client: client, ttl: ttl}
}

func pkceKey(sessionID string) string {
	return fmt.Sprintf("kestrel:pkce:%s", sessionID)
}

// Put stores the verifier for a session
func (s *RedisPKCEStore) Put(ctx context.Context, sessionID, verifier string) error {
	if err := s.client.Set(ctx, pkceKey(sessionID), verifier, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store PKCE verifier: %w", err)
	}
	return nil
}

// Take retrieves and deletes the verifier for a session
func (s *RedisPKCEStore) Take(ctx context.Context, sessionID string) (string, bool, error) {
	verifier, err := s.client.GetDel(ctx, pkceKey(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to retrieve PKCE verifier: %w", err)
	}
	return verifier, true, nil
}
