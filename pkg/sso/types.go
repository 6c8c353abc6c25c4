package sso

import "time"

// ProviderKind represents the federation protocol of a provider
type ProviderKind string

const (
	ProviderKindSAML ProviderKind = "saml"
	ProviderKindOIDC ProviderKind = "oidc"
)

// ProviderConfig represents one configured identity provider for one
// organization. The engine treats it as read-only input, keyed by
// (OrganizationID, ProviderID). Exactly one of SAMLConfig/OIDCConfig is
// set, matching Kind.
type ProviderConfig struct {
	ProviderID       int64        `json:"provider_id"`
	OrganizationID   int64        `json:"organization_id"`
	Name             string       `json:"name"`
	Kind             ProviderKind `json:"kind"`
	Enabled          bool         `json:"enabled"`
	SAMLConfig       *SAMLConfig  `json:"saml_config,omitempty"`
	OIDCConfig       *OIDCConfig  `json:"oidc_config,omitempty"`
	AttributeMapping AttributeMap `json:"attribute_mapping"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// SAMLConfig holds SAML 2.0 configuration
type SAMLConfig struct {
	EntityID    string `json:"entity_id"`
	SSOURL      string `json:"sso_url"`
	SLOUrl      string `json:"slo_url,omitempty"`
	Certificate string `json:"certificate"` // PEM encoded IdP certificate
	AudienceURI string `json:"audience_uri,omitempty"`

	Security SAMLSecurityPolicy `json:"security"`
}

// SAMLSecurityPolicy holds the security flags applied during SAML
// assertion validation.
type SAMLSecurityPolicy struct {
	RequireSignedAssertions bool `json:"require_signed_assertions"`

	// ClockSkew is the tolerance applied to NotBefore/NotOnOrAfter
	// checks. Values outside [MinClockSkew, MaxClockSkew] are clamped.
	ClockSkew time.Duration `json:"clock_skew"`

	// StrictAudienceValidation fails validation on an audience mismatch.
	// When false a mismatch is logged as a warning only.
	StrictAudienceValidation bool `json:"strict_audience_validation"`
}

// OIDCConfig holds OpenID Connect configuration
type OIDCConfig struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // Never expose secret in JSON
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`

	Security OIDCSecurityPolicy `json:"security"`
}

// OIDCSecurityPolicy holds the security flags applied during OIDC token
// validation.
type OIDCSecurityPolicy struct {
	RequirePKCE  bool `json:"require_pkce"`
	RequireNonce bool `json:"require_nonce"`
}

// AttributeMap defines how provider attributes/claims map to identity fields
type AttributeMap struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	FullName   string `json:"full_name,omitempty"`
	Groups     string `json:"groups,omitempty"`
	Department string `json:"department,omitempty"`
	JobTitle   string `json:"job_title,omitempty"`
}

// ValidatedIdentity is the validator's output for a successful attempt.
// It is transient and never persisted by the engine.
type ValidatedIdentity struct {
	Subject     string            `json:"subject"`
	Username    string            `json:"username,omitempty"`
	Email       string            `json:"email,omitempty"`
	FullName    string            `json:"full_name,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Department  string            `json:"department,omitempty"`
	JobTitle    string            `json:"job_title,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"` // Raw claim/attribute set
	ProviderID  int64             `json:"provider_id"`
	ValidatedAt time.Time         `json:"validated_at"`
}

// Validation defaults and bounds.
const (
	DefaultClockSkew = 300 * time.Second
	MinClockSkew     = 60 * time.Second
	MaxClockSkew     = 900 * time.Second

	// CertExpiryWarningWindow controls the soft warning emitted when the
	// IdP certificate is close to expiry.
	CertExpiryWarningWindow = 30 * 24 * time.Hour

	// MaxTokenAge is the maximum accepted age of an OIDC token measured
	// from its iat claim.
	MaxTokenAge = time.Hour

	// OIDCClockTolerance is the tolerance on iat/exp/nbf checks.
	OIDCClockTolerance = 30 * time.Second

	// NonceWindow bounds how long consumed nonces are remembered.
	NonceWindow = time.Hour

	// PKCEVerifierTTL bounds how long an unconsumed PKCE verifier lives.
	PKCEVerifierTTL = 10 * time.Minute

	// DiscoveryCacheTTL bounds how long validated discovery metadata is
	// reused per issuer.
	DiscoveryCacheTTL = 24 * time.Hour
)

// ClampClockSkew bounds a configured skew to [MinClockSkew, MaxClockSkew],
// substituting the default for a zero value.
func ClampClockSkew(skew time.Duration) time.Duration {
	if skew == 0 {
		return DefaultClockSkew
	}
	if skew < MinClockSkew {
		return MinClockSkew
	}
	if skew > MaxClockSkew {
		return MaxClockSkew
	}
	return skew
}
