package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kestrelsec/kestrel/pkg/observability"
)

// DiscoveryDocument is the subset of OIDC provider metadata the engine
// validates before trusting an issuer.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri"`
	ResponseTypes         []string `json:"response_types_supported"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported"`
	GrantTypes            []string `json:"grant_types_supported,omitempty"`
}

// asymmetricAlgs are the only id-token signing algorithms the engine
// accepts. Symmetric algorithms would require sharing the verification
// secret with every relying party.
var asymmetricAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// AllowedSigningAlgs returns the intersection of the document's advertised
// algorithms with the asymmetric allow-list, in advertised order.
func (d *DiscoveryDocument) AllowedSigningAlgs() []string {
	var algs []string
	for _, alg := range d.SigningAlgs {
		if asymmetricAlgs[alg] {
			algs = append(algs, alg)
		}
	}
	return algs
}

// DiscoveryClient fetches and validates OIDC discovery metadata, caching
// validated documents per issuer. A cached document is reused without
// re-fetching until its TTL passes; validation failures are never cached.
type DiscoveryClient struct {
	httpClient *http.Client
	cache      *lru.LRU[string, *DiscoveryDocument]
	logger     *observability.Logger
}

// NewDiscoveryClient creates a discovery client. A nil httpClient uses a
// 10 second timeout default.
func NewDiscoveryClient(httpClient *http.Client, logger *observability.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		cache:      lru.NewLRU[string, *DiscoveryDocument](128, nil, DiscoveryCacheTTL),
		logger:     logger,
	}
}

// Discover returns the validated discovery document for the issuer,
// fetching it when no cached copy exists.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if doc, ok := c.cache.Get(issuerURL); ok {
		return doc, nil
	}

	doc, err := c.fetch(ctx, issuerURL)
	if err != nil {
		return nil, err
	}
	if err := validateDiscovery(issuerURL, doc); err != nil {
		return nil, err
	}

	c.cache.Add(issuerURL, doc)
	c.logger.WithFields(map[string]interface{}{
		"issuer":   issuerURL,
		"jwks_uri": doc.JWKSURI,
	}).Info("validated OIDC discovery document")
	return doc, nil
}

// Invalidate drops the cached document for an issuer, forcing a re-fetch
// on the next Discover call.
func (c *DiscoveryClient) Invalidate(issuerURL string) {
	c.cache.Remove(issuerURL)
}

func (c *DiscoveryClient) fetch(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	wellKnown := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "discovery", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransientError{Op: "discovery", Err: fmt.Errorf("unexpected status %d from %s", resp.StatusCode, wellKnown)}
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, NewSecurityError(CodeInsecureDiscovery, "discovery document is not valid JSON: %v", err)
	}
	return &doc, nil
}

// validateDiscovery enforces the engine's trust requirements on provider
// metadata: matching issuer, HTTPS-only endpoints, authorization code
// flow support, and at least one asymmetric signing algorithm.
func validateDiscovery(issuerURL string, doc *DiscoveryDocument) error {
	if doc.Issuer != issuerURL {
		return NewSecurityError(CodeIssuerMismatch, "discovery issuer %q does not match configured issuer %q", doc.Issuer, issuerURL)
	}

	endpoints := map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"jwks_uri":               doc.JWKSURI,
	}
	for name, endpoint := range endpoints {
		if endpoint == "" {
			return NewSecurityError(CodeInsecureDiscovery, "discovery document is missing %s", name)
		}
		if err := requireHTTPS(endpoint); err != nil {
			return NewSecurityError(CodeInsecureDiscovery, "%s: %v", name, err)
		}
	}
	if doc.UserinfoEndpoint != "" {
		if err := requireHTTPS(doc.UserinfoEndpoint); err != nil {
			return NewSecurityError(CodeInsecureDiscovery, "userinfo_endpoint: %v", err)
		}
	}

	supportsCode := false
	for _, rt := range doc.ResponseTypes {
		if rt == "code" {
			supportsCode = true
			break
		}
	}
	if !supportsCode {
		return NewSecurityError(CodeInsecureDiscovery, "provider does not support the authorization code flow")
	}

	if len(doc.AllowedSigningAlgs()) == 0 {
		return NewSecurityError(CodeInsecureDiscovery, "provider advertises no asymmetric id_token signing algorithms")
	}
	return nil
}

func requireHTTPS(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q is not a valid URL", endpoint)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("endpoint %q does not use HTTPS", endpoint)
	}
	return nil
}
