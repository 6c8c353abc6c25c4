package sso

import (
	"errors"
	"fmt"
)

// IssueCode is a stable, machine-readable identifier for a validation
// failure. Codes are part of the engine's external contract and must not
// change meaning between releases.
type IssueCode string

const (
	// Certificate issues
	CodeCertificateInvalid     IssueCode = "CERTIFICATE_INVALID"
	CodeCertificateExpired     IssueCode = "CERTIFICATE_EXPIRED"
	CodeCertificateNotYetValid IssueCode = "CERTIFICATE_NOT_YET_VALID"

	// SAML assertion issues
	CodeAssertionMalformed   IssueCode = "ASSERTION_MALFORMED"
	CodeAssertionExpired     IssueCode = "ASSERTION_EXPIRED"
	CodeAssertionNotYetValid IssueCode = "ASSERTION_NOT_YET_VALID"
	CodeMissingNameID        IssueCode = "MISSING_NAME_ID"
	CodeAudienceMismatch     IssueCode = "AUDIENCE_MISMATCH"
	CodeSignatureInvalid     IssueCode = "SIGNATURE_INVALID"

	// OIDC token issues
	CodeTokenMalformed      IssueCode = "TOKEN_MALFORMED"
	CodeMissingKeyID        IssueCode = "MISSING_KEY_ID"
	CodeAlgorithmNotAllowed IssueCode = "ALGORITHM_NOT_ALLOWED"
	CodeTokenExpired        IssueCode = "TOKEN_EXPIRED"
	CodeTokenNotYetValid    IssueCode = "TOKEN_NOT_YET_VALID"
	CodeTokenTooOld         IssueCode = "TOKEN_TOO_OLD"
	CodeIssuedInFuture      IssueCode = "ISSUED_IN_FUTURE"
	CodeMissingSubject      IssueCode = "MISSING_SUBJECT"
	CodeIssuerMismatch      IssueCode = "ISSUER_MISMATCH"

	// Nonce / PKCE issues
	CodeNonceMissing  IssueCode = "NONCE_MISSING"
	CodeNonceMismatch IssueCode = "NONCE_MISMATCH"
	CodeNonceReplayed IssueCode = "NONCE_REPLAYED"
	CodePKCEMissing   IssueCode = "PKCE_VERIFIER_MISSING"

	// Discovery issues
	CodeInsecureDiscovery IssueCode = "INSECURE_DISCOVERY"

	// Rate limiting
	CodeRateLimited IssueCode = "RATE_LIMITED"
)

// Severity classifies how a failure should be recorded by telemetry.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SecurityError is a fatal validation failure. It is never retried
// automatically and must be surfaced to the caller as an authentication
// denial. The message is safe to return to clients; it never contains raw
// credential material.
type SecurityError struct {
	Code     IssueCode
	Message  string
	Severity Severity
}

// Error implements the error interface
func (e *SecurityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewSecurityError creates a security error with severity derived from the
// issue class: signature and algorithm failures are critical, timing and
// warning-class issues are lower severity.
func NewSecurityError(code IssueCode, format string, args ...interface{}) *SecurityError {
	return &SecurityError{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Severity: severityFor(code),
	}
}

func severityFor(code IssueCode) Severity {
	switch code {
	case CodeSignatureInvalid, CodeAlgorithmNotAllowed, CodeNonceReplayed, CodeInsecureDiscovery:
		return SeverityCritical
	case CodeAudienceMismatch, CodeRateLimited:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// AsSecurityError unwraps err to a *SecurityError if one is present.
func AsSecurityError(err error) (*SecurityError, bool) {
	var se *SecurityError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// TransientError wraps a network or timeout failure talking to the
// external identity provider. Transient errors count against the circuit
// breaker and make the attempt eligible for fallback authentication.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider error.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrConfigInvalid indicates a missing or inconsistent provider
// configuration. It is fatal and surfaced to administrators, not counted
// as a provider health signal.
var ErrConfigInvalid = errors.New("provider configuration is invalid")
