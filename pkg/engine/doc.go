// Package engine orchestrates one authentication attempt end to end:
// circuit breaker admission, protocol validation (SAML or OIDC),
// group-to-role resolution, and the audit and metrics trail. It also
// fronts the fallback authentication methods so every grant and denial
// lands in the same audit log as normal logins.
package engine
