// Package health probes identity provider availability in the
// background. OIDC providers are checked by re-running discovery and
// pinging every advertised endpoint; SAML providers by checking the
// entry point and re-validating the configured certificate. Results are
// cached per provider for a short TTL and collected by a periodic
// scheduler.
package health
