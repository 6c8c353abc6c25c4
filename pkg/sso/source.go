package sso

import (
	"context"
	"fmt"
	"sync"
)

// ConfigSource supplies provider configurations to the engine and to
// background health probing. The engine treats configurations as
// read-only; writes happen through the surrounding application's admin
// surface.
type ConfigSource interface {
	// GetProvider returns one provider configuration.
	GetProvider(ctx context.Context, orgID, providerID int64) (*ProviderConfig, error)

	// ListActiveProviders returns every enabled provider across all
	// organizations.
	ListActiveProviders(ctx context.Context) ([]*ProviderConfig, error)
}

// ErrProviderNotFound is returned when no provider matches the key.
var ErrProviderNotFound = fmt.Errorf("provider not found")

type providerKey struct {
	orgID      int64
	providerID int64
}

// MemoryConfigSource is an in-memory ConfigSource for tests and
// single-node deployments.
type MemoryConfigSource struct {
	mu        sync.RWMutex
	providers map[providerKey]*ProviderConfig
}

// NewMemoryConfigSource creates a config source seeded with the given
// providers.
func NewMemoryConfigSource(configs ...*ProviderConfig) *MemoryConfigSource {
	s := &MemoryConfigSource{providers: make(map[providerKey]*ProviderConfig)}
	for _, config := range configs {
		s.Put(config)
	}
	return s
}

// Put adds or replaces a provider configuration
func (s *MemoryConfigSource) Put(config *ProviderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[providerKey{orgID: config.OrganizationID, providerID: config.ProviderID}] = config
}

// GetProvider returns one provider configuration
func (s *MemoryConfigSource) GetProvider(_ context.Context, orgID, providerID int64) (*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	config, ok := s.providers[providerKey{orgID: orgID, providerID: providerID}]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return config, nil
}

// ListActiveProviders returns every enabled provider
func (s *MemoryConfigSource) ListActiveProviders(_ context.Context) ([]*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*ProviderConfig
	for _, config := range s.providers {
		if config.Enabled {
			active = append(active, config)
		}
	}
	return active, nil
}
