// Package resilience keeps authentication available when an identity
// provider is not. It tracks per-provider health with a circuit breaker
// state machine and arbitrates fallback authentication (emergency codes,
// backup passwords, admin override) when the primary path is down.
package resilience
