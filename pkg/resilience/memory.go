package resilience

import (
	"context"
	"sync"
	"time"
)

// MemoryCodeStore is an in-memory CodeStore for tests and single-node
// deployments.
type MemoryCodeStore struct {
	mu     sync.Mutex
	nextID int64
	codes  map[int64]*EmergencyCode
}

// NewMemoryCodeStore creates an empty in-memory code store
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[int64]*EmergencyCode)}
}

// CreateCodes stores a batch of codes, assigning identifiers
func (s *MemoryCodeStore) CreateCodes(_ context.Context, codes []*EmergencyCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, code := range codes {
		s.nextID++
		code.ID = s.nextID
		copied := *code
		s.codes[code.ID] = &copied
	}
	return nil
}

// ListActiveCodes returns unused codes for the organization
func (s *MemoryCodeStore) ListActiveCodes(_ context.Context, orgID int64) ([]*EmergencyCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*EmergencyCode
	for _, code := range s.codes {
		if code.OrganizationID == orgID && !code.Used {
			copied := *code
			active = append(active, &copied)
		}
	}
	return active, nil
}

// ConsumeCode marks a code used, returning false if it was already used
func (s *MemoryCodeStore) ConsumeCode(_ context.Context, codeID int64, usedBy string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok || code.Used {
		return false, nil
	}
	code.Used = true
	code.UsedBy = usedBy
	code.UsedAt = &usedAt
	return true, nil
}

type backupPasswordKey struct {
	orgID int64
	email string
}

type backupPasswordEntry struct {
	hash      string
	expiresAt time.Time
}

// MemoryBackupPasswordStore is an in-memory BackupPasswordStore for
// tests and single-node deployments.
type MemoryBackupPasswordStore struct {
	mu      sync.Mutex
	entries map[backupPasswordKey]backupPasswordEntry
}

// NewMemoryBackupPasswordStore creates an empty in-memory store
func NewMemoryBackupPasswordStore() *MemoryBackupPasswordStore {
	return &MemoryBackupPasswordStore{entries: make(map[backupPasswordKey]backupPasswordEntry)}
}

// SetBackupPassword stores the hash, replacing any existing credential
func (s *MemoryBackupPasswordStore) SetBackupPassword(_ context.Context, orgID int64, email, hash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[backupPasswordKey{orgID: orgID, email: email}] = backupPasswordEntry{hash: hash, expiresAt: expiresAt}
	return nil
}

// GetBackupPassword returns the stored hash or ErrNotFound
func (s *MemoryBackupPasswordStore) GetBackupPassword(_ context.Context, orgID int64, email string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[backupPasswordKey{orgID: orgID, email: email}]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return entry.hash, entry.expiresAt, nil
}
