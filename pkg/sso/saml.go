package sso

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/kestrelsec/kestrel/pkg/observability"
)

// SAMLValidator validates SAML 2.0 assertions for one configured
// provider. Validation is strict: any failed check denies the attempt
// with a coded SecurityError, and a pipeline that reaches the end yields
// a ValidatedIdentity.
type SAMLValidator struct {
	config  *ProviderConfig
	sp      *saml2.SAMLServiceProvider
	cert    *x509.Certificate
	limiter *SubjectRateLimiter
	logger  *observability.Logger
	now     func() time.Time
}

// NewSAMLValidator creates a validator for a SAML provider configuration.
func NewSAMLValidator(config *ProviderConfig, limiter *SubjectRateLimiter, logger *observability.Logger) (*SAMLValidator, error) {
	if config.Kind != ProviderKindSAML || config.SAMLConfig == nil {
		return nil, fmt.Errorf("%w: SAML config is required", ErrConfigInvalid)
	}
	cfg := config.SAMLConfig
	if cfg.EntityID == "" {
		return nil, fmt.Errorf("%w: entity_id is required", ErrConfigInvalid)
	}
	if cfg.SSOURL == "" {
		return nil, fmt.Errorf("%w: sso_url is required", ErrConfigInvalid)
	}
	if cfg.Certificate == "" {
		return nil, fmt.Errorf("%w: certificate is required", ErrConfigInvalid)
	}

	cert, err := parseCertificate(cfg.Certificate)
	if err != nil {
		return nil, err
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	audience := cfg.AudienceURI
	if audience == "" {
		audience = cfg.EntityID
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:  cfg.SSOURL,
		IdentityProviderIssuer:  cfg.EntityID,
		AudienceURI:             audience,
		IDPCertificateStore:     &certStore,
		SkipSignatureValidation: !cfg.Security.RequireSignedAssertions,
	}

	return &SAMLValidator{
		config:  config,
		sp:      sp,
		cert:    cert,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock overrides the validator's clock for tests. The signature
// library shares the same clock so temporal checks stay consistent.
func (v *SAMLValidator) WithClock(now func() time.Time) *SAMLValidator {
	v.now = now
	v.sp.Clock = dsig.NewFakeClockAt(now())
	return v
}

// ValidateAssertion runs the full validation pipeline on a base64-encoded
// SAML response and returns the extracted identity.
func (v *SAMLValidator) ValidateAssertion(_ context.Context, samlResponse string) (*ValidatedIdentity, error) {
	now := v.now()

	if err := v.checkCertificate(now); err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return nil, NewSecurityError(CodeAssertionMalformed, "SAML response is not valid base64: %v", err)
	}

	for _, finding := range ScanAssertion(raw) {
		v.logger.WithFields(map[string]interface{}{
			"provider_id": v.config.ProviderID,
			"finding":     finding,
		}).Warn("suspicious construct in SAML response")
	}

	assertionInfo, err := v.sp.RetrieveAssertionInfo(string(raw))
	if err != nil {
		return nil, classifyAssertionError(err)
	}

	if err := v.checkConditions(assertionInfo, now); err != nil {
		return nil, err
	}

	if assertionInfo.WarningInfo != nil && assertionInfo.WarningInfo.NotInAudience {
		if v.config.SAMLConfig.Security.StrictAudienceValidation {
			return nil, NewSecurityError(CodeAudienceMismatch, "assertion audience does not include %q", v.sp.AudienceURI)
		}
		v.logger.WithFields(map[string]interface{}{
			"provider_id": v.config.ProviderID,
			"audience":    v.sp.AudienceURI,
		}).Warn("assertion audience mismatch allowed by lenient policy")
	}

	if assertionInfo.NameID == "" {
		return nil, NewSecurityError(CodeMissingNameID, "assertion has no NameID")
	}

	identity := v.extractIdentity(assertionInfo, now)

	for _, finding := range ScanAttributeValues(identity.Attributes) {
		v.logger.WithFields(map[string]interface{}{
			"provider_id": v.config.ProviderID,
			"subject":     identity.Subject,
			"finding":     finding,
		}).Warn("injection marker in assertion attribute")
	}

	if v.limiter != nil && !v.limiter.Allow(identity.Subject) {
		return nil, NewSecurityError(CodeRateLimited, "too many authentication attempts for subject")
	}

	return identity, nil
}

// checkCertificate rejects attempts outside the IdP certificate's
// validity window and logs a warning when expiry is near.
func (v *SAMLValidator) checkCertificate(now time.Time) error {
	if now.After(v.cert.NotAfter) {
		return NewSecurityError(CodeCertificateExpired, "IdP certificate expired at %s", v.cert.NotAfter.Format(time.RFC3339))
	}
	if now.Before(v.cert.NotBefore) {
		return NewSecurityError(CodeCertificateNotYetValid, "IdP certificate is not valid until %s", v.cert.NotBefore.Format(time.RFC3339))
	}
	if remaining := v.cert.NotAfter.Sub(now); remaining < CertExpiryWarningWindow {
		v.logger.WithFields(map[string]interface{}{
			"provider_id": v.config.ProviderID,
			"expires_at":  v.cert.NotAfter.Format(time.RFC3339),
			"days_left":   int(remaining.Hours() / 24),
		}).Warn("IdP certificate is close to expiry")
	}
	return nil
}

// checkConditions enforces the assertion's NotBefore/NotOnOrAfter bounds
// with the configured (clamped) clock skew.
func (v *SAMLValidator) checkConditions(info *saml2.AssertionInfo, now time.Time) error {
	skew := ClampClockSkew(v.config.SAMLConfig.Security.ClockSkew)

	for _, assertion := range info.Assertions {
		if assertion.Conditions == nil {
			continue
		}
		cond := assertion.Conditions

		if cond.NotBefore != "" {
			notBefore, err := parseSAMLTime(cond.NotBefore)
			if err != nil {
				return NewSecurityError(CodeAssertionMalformed, "invalid NotBefore %q: %v", cond.NotBefore, err)
			}
			if now.Add(skew).Before(notBefore) {
				return NewSecurityError(CodeAssertionNotYetValid, "assertion is not valid until %s", cond.NotBefore)
			}
		}

		if cond.NotOnOrAfter != "" {
			notOnOrAfter, err := parseSAMLTime(cond.NotOnOrAfter)
			if err != nil {
				return NewSecurityError(CodeAssertionMalformed, "invalid NotOnOrAfter %q: %v", cond.NotOnOrAfter, err)
			}
			if !now.Add(-skew).Before(notOnOrAfter) {
				return NewSecurityError(CodeAssertionExpired, "assertion expired at %s", cond.NotOnOrAfter)
			}
		}
	}
	return nil
}

// extractIdentity maps assertion attributes onto the identity fields
// using the provider's attribute mapping, with NameID as the subject
// fallback and email as the username fallback.
func (v *SAMLValidator) extractIdentity(info *saml2.AssertionInfo, now time.Time) *ValidatedIdentity {
	mapping := v.config.AttributeMapping
	identity := &ValidatedIdentity{
		Attributes:  make(map[string]string),
		ProviderID:  v.config.ProviderID,
		ValidatedAt: now,
	}

	for _, attr := range info.Values {
		if len(attr.Values) == 0 {
			continue
		}
		identity.Attributes[attr.Name] = attr.Values[0].Value

		switch attr.Name {
		case mapping.UserID:
			identity.Subject = attr.Values[0].Value
		case mapping.Username:
			identity.Username = attr.Values[0].Value
		case mapping.Email:
			identity.Email = attr.Values[0].Value
		case mapping.FullName:
			identity.FullName = attr.Values[0].Value
		case mapping.Department:
			identity.Department = attr.Values[0].Value
		case mapping.JobTitle:
			identity.JobTitle = attr.Values[0].Value
		case mapping.Groups:
			for _, val := range attr.Values {
				if val.Value != "" {
					identity.Groups = append(identity.Groups, val.Value)
				}
			}
		}
	}

	if identity.Subject == "" {
		identity.Subject = info.NameID
	}
	if identity.Username == "" && identity.Email != "" {
		identity.Username = identity.Email
	}
	return identity
}

// CertificateExpiry reports the provider certificate's NotAfter bound.
// Health probes use it to surface upcoming expirations.
func (v *SAMLValidator) CertificateExpiry() time.Time {
	return v.cert.NotAfter
}

// InspectCertificate parses a PEM certificate and returns its validity
// bounds. Health probes use it to re-validate provider trust material.
func InspectCertificate(pemData string) (notBefore, notAfter time.Time, err error) {
	cert, err := parseCertificate(pemData)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return cert.NotBefore, cert.NotAfter, nil
}

func parseCertificate(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, NewSecurityError(CodeCertificateInvalid, "certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewSecurityError(CodeCertificateInvalid, "failed to parse certificate: %v", err)
	}
	return cert, nil
}

// classifyAssertionError maps gosaml2 retrieval failures onto the
// engine's issue codes.
func classifyAssertionError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "signature") || strings.Contains(msg, "verif") {
		return NewSecurityError(CodeSignatureInvalid, "assertion signature verification failed: %v", err)
	}
	return NewSecurityError(CodeAssertionMalformed, "failed to parse SAML response: %v", err)
}

// parseSAMLTime parses a SAML dateTime. Providers emit both Z-suffixed
// and fractional-second forms.
func parseSAMLTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999Z07:00", value)
}
