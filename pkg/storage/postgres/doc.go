// Package postgres persists the engine's durable state: provider
// configurations, group mapping rules, emergency credentials, circuit
// breaker snapshots, and health probe history.
package postgres
