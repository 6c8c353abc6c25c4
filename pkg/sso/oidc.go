package sso

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kestrelsec/kestrel/pkg/observability"
)

// OIDCValidator validates OpenID Connect ID tokens for one configured
// provider. The untrusted token header is inspected before any signature
// work: a missing key ID or a disallowed algorithm denies the attempt
// without touching the key set.
type OIDCValidator struct {
	config    *ProviderConfig
	discovery *DiscoveryClient
	jwks      *JWKSCache
	nonces    NonceStore
	limiter   *SubjectRateLimiter
	logger    *observability.Logger
	now       func() time.Time
}

// NewOIDCValidator creates a validator for an OIDC provider configuration.
func NewOIDCValidator(config *ProviderConfig, discovery *DiscoveryClient, jwks *JWKSCache, nonces NonceStore, limiter *SubjectRateLimiter, logger *observability.Logger) (*OIDCValidator, error) {
	if config.Kind != ProviderKindOIDC || config.OIDCConfig == nil {
		return nil, fmt.Errorf("%w: OIDC config is required", ErrConfigInvalid)
	}
	cfg := config.OIDCConfig
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("%w: issuer_url is required", ErrConfigInvalid)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrConfigInvalid)
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore(0, 0)
	}

	return &OIDCValidator{
		config:    config,
		discovery: discovery,
		jwks:      jwks,
		nonces:    nonces,
		limiter:   limiter,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithClock overrides the validator's clock for tests.
func (v *OIDCValidator) WithClock(now func() time.Time) *OIDCValidator {
	v.now = now
	return v
}

// ValidateToken runs the full validation pipeline on a raw ID token.
// expectedNonce is the nonce issued at login initiation; it must be empty
// only when the provider's policy does not require nonces.
func (v *OIDCValidator) ValidateToken(ctx context.Context, rawIDToken, expectedNonce string) (*ValidatedIdentity, error) {
	now := v.now()

	doc, err := v.discovery.Discover(ctx, v.config.OIDCConfig.IssuerURL)
	if err != nil {
		return nil, err
	}
	allowedAlgs := doc.AllowedSigningAlgs()

	if err := v.checkHeader(rawIDToken, allowedAlgs); err != nil {
		return nil, err
	}

	keySet, err := v.jwks.KeySet(ctx, doc.JWKSURI)
	if err != nil {
		return nil, err
	}

	verifier := oidc.NewVerifier(doc.Issuer, keySet, &oidc.Config{
		ClientID:             v.config.OIDCConfig.ClientID,
		SupportedSigningAlgs: allowedAlgs,
		SkipExpiryCheck:      true, // expiry is checked below with clock tolerance
		Now:                  v.now,
	})

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, classifyVerifyError(err)
	}

	if err := v.checkTemporalClaims(idToken, now); err != nil {
		return nil, err
	}
	if idToken.Subject == "" {
		return nil, NewSecurityError(CodeMissingSubject, "id token has no sub claim")
	}
	if err := v.checkNonce(ctx, idToken.Nonce, expectedNonce); err != nil {
		return nil, err
	}

	if v.limiter != nil && !v.limiter.Allow(idToken.Subject) {
		return nil, NewSecurityError(CodeRateLimited, "too many authentication attempts for subject")
	}

	identity, err := v.extractIdentity(idToken, now)
	if err != nil {
		return nil, err
	}
	for _, finding := range ScanAttributeValues(identity.Attributes) {
		v.logger.WithFields(map[string]interface{}{
			"provider_id": v.config.ProviderID,
			"subject":     identity.Subject,
			"finding":     finding,
		}).Warn("injection marker in token claim")
	}
	return identity, nil
}

// checkHeader gates on the untrusted JOSE header before signature
// verification.
func (v *OIDCValidator) checkHeader(rawIDToken string, allowedAlgs []string) error {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(rawIDToken, jwt.MapClaims{})
	if err != nil {
		return NewSecurityError(CodeTokenMalformed, "id token is not a valid JWT: %v", err)
	}

	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return NewSecurityError(CodeMissingKeyID, "id token header has no kid")
	}

	alg, _ := token.Header["alg"].(string)
	for _, allowed := range allowedAlgs {
		if alg == allowed {
			return nil
		}
	}
	return NewSecurityError(CodeAlgorithmNotAllowed, "id token algorithm %q is not allowed", alg)
}

// checkTemporalClaims enforces exp, iat freshness, and nbf with the
// engine's clock tolerance.
func (v *OIDCValidator) checkTemporalClaims(idToken *oidc.IDToken, now time.Time) error {
	if !now.Add(-OIDCClockTolerance).Before(idToken.Expiry) {
		return NewSecurityError(CodeTokenExpired, "id token expired at %s", idToken.Expiry.Format(time.RFC3339))
	}

	if idToken.IssuedAt.IsZero() {
		return NewSecurityError(CodeTokenMalformed, "id token has no iat claim")
	}
	if idToken.IssuedAt.After(now.Add(OIDCClockTolerance)) {
		return NewSecurityError(CodeIssuedInFuture, "id token issued in the future at %s", idToken.IssuedAt.Format(time.RFC3339))
	}
	if now.Sub(idToken.IssuedAt) > MaxTokenAge {
		return NewSecurityError(CodeTokenTooOld, "id token issued more than %s ago", MaxTokenAge)
	}

	// nbf is optional in OIDC; enforce it when present.
	var claims struct {
		NotBefore *int64 `json:"nbf"`
	}
	if err := idToken.Claims(&claims); err == nil && claims.NotBefore != nil {
		nbf := time.Unix(*claims.NotBefore, 0)
		if now.Add(OIDCClockTolerance).Before(nbf) {
			return NewSecurityError(CodeTokenNotYetValid, "id token is not valid until %s", nbf.Format(time.RFC3339))
		}
	}
	return nil
}

// checkNonce applies the provider's nonce policy and the replay window.
func (v *OIDCValidator) checkNonce(ctx context.Context, tokenNonce, expectedNonce string) error {
	policy := v.config.OIDCConfig.Security
	if !policy.RequireNonce && tokenNonce == "" && expectedNonce == "" {
		return nil
	}

	if tokenNonce == "" || expectedNonce == "" {
		return NewSecurityError(CodeNonceMissing, "nonce is required but missing")
	}
	if tokenNonce != expectedNonce {
		return NewSecurityError(CodeNonceMismatch, "id token nonce does not match the login request")
	}

	fresh, err := v.nonces.Consume(ctx, tokenNonce)
	if err != nil {
		return &TransientError{Op: "nonce check", Err: err}
	}
	if !fresh {
		return NewSecurityError(CodeNonceReplayed, "id token nonce was already used")
	}
	return nil
}

// extractIdentity maps token claims onto the identity fields using the
// provider's attribute mapping, with standard OIDC claims as defaults.
func (v *OIDCValidator) extractIdentity(idToken *oidc.IDToken, now time.Time) (*ValidatedIdentity, error) {
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, NewSecurityError(CodeTokenMalformed, "failed to parse id token claims: %v", err)
	}

	mapping := v.config.AttributeMapping
	identity := &ValidatedIdentity{
		Subject:     idToken.Subject,
		Attributes:  make(map[string]string),
		ProviderID:  v.config.ProviderID,
		ValidatedAt: now,
	}

	for k, val := range claims {
		if str, ok := val.(string); ok {
			identity.Attributes[k] = str
		}
	}

	identity.Username = stringClaim(claims, mapping.Username, "preferred_username")
	identity.Email = stringClaim(claims, mapping.Email, "email")
	identity.FullName = stringClaim(claims, mapping.FullName, "name")
	identity.Department = stringClaim(claims, mapping.Department, "")
	identity.JobTitle = stringClaim(claims, mapping.JobTitle, "")
	identity.Groups = groupsClaim(claims, mapping.Groups)

	if mapped := stringClaim(claims, mapping.UserID, ""); mapped != "" {
		identity.Subject = mapped
	}
	if identity.Username == "" && identity.Email != "" {
		identity.Username = identity.Email
	}
	return identity, nil
}

// stringClaim reads the mapped claim, falling back to the standard claim
// name when no mapping is configured.
func stringClaim(claims map[string]interface{}, mapped, standard string) string {
	name := mapped
	if name == "" {
		name = standard
	}
	if name == "" {
		return ""
	}
	if str, ok := claims[name].(string); ok {
		return str
	}
	return ""
}

// groupsClaim reads the mapped groups claim. Providers send groups as a
// JSON array or as a single delimited string.
func groupsClaim(claims map[string]interface{}, mapped string) []string {
	name := mapped
	if name == "" {
		name = "groups"
	}

	var groups []string
	switch val := claims[name].(type) {
	case []interface{}:
		for _, g := range val {
			if str, ok := g.(string); ok && str != "" {
				groups = append(groups, str)
			}
		}
	case string:
		for _, g := range strings.Split(val, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}
	}
	return groups
}

// classifyVerifyError maps go-oidc verification failures onto the
// engine's issue codes.
func classifyVerifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "issuer") || strings.Contains(msg, "issued by"):
		return NewSecurityError(CodeIssuerMismatch, "id token issuer check failed: %v", err)
	case strings.Contains(msg, "audience"):
		return NewSecurityError(CodeAudienceMismatch, "id token audience check failed: %v", err)
	case strings.Contains(msg, "malformed"):
		return NewSecurityError(CodeTokenMalformed, "id token is malformed: %v", err)
	default:
		return NewSecurityError(CodeSignatureInvalid, "id token signature verification failed: %v", err)
	}
}
