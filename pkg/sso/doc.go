// Package sso implements the protocol security validator for federated
// authentication: SAML 2.0 assertion validation, OIDC token validation,
// PKCE and nonce lifecycle management, and OIDC provider discovery
// validation.
//
// The validator is deliberately strict: every failure is fatal to the
// authentication attempt and is reported as a *SecurityError carrying a
// machine-readable issue code. Callers must treat any returned error as a
// denial and forward it to audit telemetry.
//
// All mutable validator state (JWKS cache, discovery cache, nonce set,
// PKCE store) is injected and time-bounded so it can be scoped per process
// instance and unit-tested with a controllable clock.
package sso
