package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kestrelsec/kestrel/pkg/health"
	"github.com/kestrelsec/kestrel/pkg/resilience"
)

// SnapshotStore persists circuit breaker state and health probe
// results. Breaker snapshots are upserted per provider so a restarted
// engine can rehydrate its breakers; probe snapshots are appended so
// the analytics rollups have history to work from.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// EnsureTables creates the snapshot tables if they don't exist
func (s *SnapshotStore) EnsureTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS breaker_snapshots (
		organization_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		status VARCHAR(10) NOT NULL,
		failures INTEGER NOT NULL DEFAULT 0,
		last_failure_at TIMESTAMP WITH TIME ZONE,
		next_retry_at TIMESTAMP WITH TIME ZONE,
		total_calls BIGINT NOT NULL DEFAULT 0,
		total_successes BIGINT NOT NULL DEFAULT 0,
		total_failures BIGINT NOT NULL DEFAULT 0,
		mean_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (organization_id, provider_id)
	);

	CREATE TABLE IF NOT EXISTS health_snapshots (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		kind VARCHAR(10) NOT NULL,
		status VARCHAR(20) NOT NULL,
		connectivity BOOLEAN NOT NULL,
		certificate_valid BOOLEAN,
		certificate_expires TIMESTAMP WITH TIME ZONE,
		endpoints_checked INTEGER NOT NULL DEFAULT 0,
		endpoints_reachable INTEGER NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		errors TEXT[],
		checked_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_health_snapshots_provider
		ON health_snapshots(organization_id, provider_id, checked_at DESC);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// SaveBreakerSnapshot upserts the breaker state for one provider
func (s *SnapshotStore) SaveBreakerSnapshot(ctx context.Context, snap *resilience.Snapshot) error {
	var lastFailure, nextRetry interface{}
	if !snap.LastFailureAt.IsZero() {
		lastFailure = snap.LastFailureAt
	}
	if !snap.NextRetryAt.IsZero() {
		nextRetry = snap.NextRetryAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_snapshots (
			organization_id, provider_id, status, failures,
			last_failure_at, next_retry_at,
			total_calls, total_successes, total_failures,
			mean_latency_ms, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (organization_id, provider_id) DO UPDATE SET
			status = EXCLUDED.status,
			failures = EXCLUDED.failures,
			last_failure_at = EXCLUDED.last_failure_at,
			next_retry_at = EXCLUDED.next_retry_at,
			total_calls = EXCLUDED.total_calls,
			total_successes = EXCLUDED.total_successes,
			total_failures = EXCLUDED.total_failures,
			mean_latency_ms = EXCLUDED.mean_latency_ms,
			updated_at = EXCLUDED.updated_at
	`, snap.OrganizationID, snap.ProviderID, snap.Status, snap.Failures,
		lastFailure, nextRetry,
		snap.TotalCalls, snap.TotalSuccesses, snap.TotalFailures,
		snap.MeanLatencyMS, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save breaker snapshot: %w", err)
	}
	return nil
}

// ListBreakerSnapshots returns the persisted breaker state for every
// provider in an organization
func (s *SnapshotStore) ListBreakerSnapshots(ctx context.Context, orgID int64) ([]*resilience.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, provider_id, status, failures,
			last_failure_at, next_retry_at,
			total_calls, total_successes, total_failures,
			mean_latency_ms, updated_at
		FROM breaker_snapshots
		WHERE organization_id = $1
		ORDER BY provider_id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list breaker snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*resilience.Snapshot
	for rows.Next() {
		snap := &resilience.Snapshot{}
		var lastFailure, nextRetry sql.NullTime
		err := rows.Scan(
			&snap.OrganizationID, &snap.ProviderID, &snap.Status, &snap.Failures,
			&lastFailure, &nextRetry,
			&snap.TotalCalls, &snap.TotalSuccesses, &snap.TotalFailures,
			&snap.MeanLatencyMS, &snap.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breaker snapshot: %w", err)
		}
		if lastFailure.Valid {
			snap.LastFailureAt = lastFailure.Time
		}
		if nextRetry.Valid {
			snap.NextRetryAt = nextRetry.Time
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SaveHealthSnapshot appends one probe result
func (s *SnapshotStore) SaveHealthSnapshot(ctx context.Context, snap *health.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_snapshots (
			organization_id, provider_id, kind, status,
			connectivity, certificate_valid, certificate_expires,
			endpoints_checked, endpoints_reachable,
			response_time_ms, errors, checked_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, snap.OrganizationID, snap.ProviderID, snap.Kind, snap.Status,
		snap.Connectivity, snap.CertificateValid, snap.CertificateExpires,
		snap.EndpointsChecked, snap.EndpointsReachable,
		snap.ResponseTime.Milliseconds(), pq.Array(snap.Errors), snap.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to save health snapshot: %w", err)
	}
	return nil
}

// LatestHealthSnapshot returns the most recent probe result for one
// provider
func (s *SnapshotStore) LatestHealthSnapshot(ctx context.Context, orgID, providerID int64) (*health.Snapshot, error) {
	snap := &health.Snapshot{}
	var certValid sql.NullBool
	var certExpires sql.NullTime
	var responseMS int64

	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, provider_id, kind, status,
			connectivity, certificate_valid, certificate_expires,
			endpoints_checked, endpoints_reachable,
			response_time_ms, errors, checked_at
		FROM health_snapshots
		WHERE organization_id = $1 AND provider_id = $2
		ORDER BY checked_at DESC
		LIMIT 1
	`, orgID, providerID).Scan(
		&snap.OrganizationID, &snap.ProviderID, &snap.Kind, &snap.Status,
		&snap.Connectivity, &certValid, &certExpires,
		&snap.EndpointsChecked, &snap.EndpointsReachable,
		&responseMS, pq.Array(&snap.Errors), &snap.CheckedAt,
	)
	if err == sql.ErrNoRows {
		return nil, resilience.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health snapshot: %w", err)
	}

	if certValid.Valid {
		v := certValid.Bool
		snap.CertificateValid = &v
	}
	if certExpires.Valid {
		t := certExpires.Time
		snap.CertificateExpires = &t
	}
	snap.ResponseTime = time.Duration(responseMS) * time.Millisecond
	return snap, nil
}

// DeleteHealthSnapshotsBefore prunes probe history older than the
// cutoff. Returns the number of rows removed.
func (s *SnapshotStore) DeleteHealthSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM health_snapshots WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune health snapshots: %w", err)
	}
	return result.RowsAffected()
}
