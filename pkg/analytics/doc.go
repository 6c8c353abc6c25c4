// Package analytics rolls audit events and health snapshots up into
// per-provider statistics, a weighted overall score, and threshold
// alerts. The aggregation and alert evaluation jobs run on the monitor
// schedule, never on the request path.
package analytics
