package sso

import (
	"context"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/time/rate"
)

// JWKSCache hands out one shared remote key set per JWKS endpoint so
// concurrent validations reuse fetched keys instead of hammering the
// provider. Construction of a key set for a new endpoint is rate limited
// to keep a misconfigured issuer from turning into a fetch storm.
type JWKSCache struct {
	mu      sync.Mutex
	keySets map[string]*oidc.RemoteKeySet
	limiter *rate.Limiter
}

// NewJWKSCache creates an empty JWKS cache
func NewJWKSCache() *JWKSCache {
	return &JWKSCache{
		keySets: make(map[string]*oidc.RemoteKeySet),
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// KeySet returns the shared key set for a JWKS endpoint, creating it on
// first use. The returned key set fetches and caches keys lazily.
func (c *JWKSCache) KeySet(ctx context.Context, jwksURI string) (*oidc.RemoteKeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ks, ok := c.keySets[jwksURI]; ok {
		return ks, nil
	}

	if !c.limiter.Allow() {
		return nil, NewSecurityError(CodeRateLimited, "JWKS fetches for new endpoints are rate limited")
	}

	// The context given to NewRemoteKeySet outlives this call: it governs
	// background key refreshes, so it must not be request-scoped.
	ks := oidc.NewRemoteKeySet(context.WithoutCancel(ctx), jwksURI)
	c.keySets[jwksURI] = ks
	return ks, nil
}

// Invalidate drops the cached key set for a JWKS endpoint.
func (c *JWKSCache) Invalidate(jwksURI string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keySets, jwksURI)
}
