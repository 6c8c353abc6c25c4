// Package authz resolves a validated identity's groups and attributes
// into an organization role and team memberships using an ordered rule
// set. Resolution is a pure function over the identity and the rules; it
// performs no I/O and holds no state.
package authz
