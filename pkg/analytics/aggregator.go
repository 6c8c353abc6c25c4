package analytics

import (
	"context"
	"database/sql"
	"time"
)

// Aggregator computes daily/weekly authentication statistics from the
// audit event stream.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates a new aggregator
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// EnsureTables creates the rollup tables if they don't exist
func (a *Aggregator) EnsureTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS auth_stats_daily (
		organization_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		date DATE NOT NULL,
		attempt_count BIGINT NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		denial_count BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		fallback_count BIGINT NOT NULL DEFAULT 0,
		avg_latency_ms INTEGER,
		p95_latency_ms INTEGER,
		PRIMARY KEY (organization_id, provider_id, date)
	);

	CREATE TABLE IF NOT EXISTS auth_stats_weekly (
		organization_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		week_start DATE NOT NULL,
		week_end DATE NOT NULL,
		attempt_count BIGINT NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		denial_count BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		fallback_count BIGINT NOT NULL DEFAULT 0,
		avg_latency_ms INTEGER,
		p95_latency_ms INTEGER,
		PRIMARY KEY (organization_id, provider_id, week_start)
	);
	`
	_, err := a.db.ExecContext(ctx, query)
	return err
}

// AggregateAuthStatsDaily computes per-provider stats for one day
func (a *Aggregator) AggregateAuthStatsDaily(ctx context.Context, date time.Time) error {
	query := `
		INSERT INTO auth_stats_daily (
			organization_id, provider_id, date,
			attempt_count, success_count, denial_count, error_count,
			fallback_count, avg_latency_ms, p95_latency_ms
		)
		SELECT
			organization_id,
			provider_id,
			$1::date AS date,
			COUNT(*) FILTER (WHERE action IN ('auth.login', 'auth.denied', 'auth.error')) AS attempt_count,
			COUNT(*) FILTER (WHERE action = 'auth.login') AS success_count,
			COUNT(*) FILTER (WHERE action = 'auth.denied') AS denial_count,
			COUNT(*) FILTER (WHERE action = 'auth.error') AS error_count,
			COUNT(*) FILTER (WHERE action LIKE 'fallback.%') AS fallback_count,
			AVG(latency_ms) FILTER (WHERE action = 'auth.login')::integer AS avg_latency_ms,
			PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY latency_ms)::integer AS p95_latency_ms
		FROM audit_events
		WHERE provider_id IS NOT NULL
		  AND timestamp >= $1::date
		  AND timestamp < $1::date + INTERVAL '1 day'
		GROUP BY organization_id, provider_id
		ON CONFLICT (organization_id, provider_id, date) DO UPDATE SET
			attempt_count = EXCLUDED.attempt_count,
			success_count = EXCLUDED.success_count,
			denial_count = EXCLUDED.denial_count,
			error_count = EXCLUDED.error_count,
			fallback_count = EXCLUDED.fallback_count,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms
	`
	_, err := a.db.ExecContext(ctx, query, date)
	return err
}

// AggregateAuthStatsWeekly rolls the daily stats up into one week
func (a *Aggregator) AggregateAuthStatsWeekly(ctx context.Context, weekStart time.Time) error {
	weekEnd := weekStart.AddDate(0, 0, 7)

	query := `
		INSERT INTO auth_stats_weekly (
			organization_id, provider_id, week_start, week_end,
			attempt_count, success_count, denial_count, error_count,
			fallback_count, avg_latency_ms, p95_latency_ms
		)
		SELECT
			organization_id,
			provider_id,
			$1::date AS week_start,
			$2::date AS week_end,
			SUM(attempt_count) AS attempt_count,
			SUM(success_count) AS success_count,
			SUM(denial_count) AS denial_count,
			SUM(error_count) AS error_count,
			SUM(fallback_count) AS fallback_count,
			AVG(avg_latency_ms)::integer AS avg_latency_ms,
			MAX(p95_latency_ms) AS p95_latency_ms
		FROM auth_stats_daily
		WHERE date >= $1::date AND date < $2::date
		GROUP BY organization_id, provider_id
		ON CONFLICT (organization_id, provider_id, week_start) DO UPDATE SET
			attempt_count = EXCLUDED.attempt_count,
			success_count = EXCLUDED.success_count,
			denial_count = EXCLUDED.denial_count,
			error_count = EXCLUDED.error_count,
			fallback_count = EXCLUDED.fallback_count,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			p95_latency_ms = EXCLUDED.p95_latency_ms
	`
	_, err := a.db.ExecContext(ctx, query, weekStart, weekEnd)
	return err
}

// AggregateAll runs the aggregation jobs for a given date
func (a *Aggregator) AggregateAll(ctx context.Context, date time.Time) error {
	if err := a.AggregateAuthStatsDaily(ctx, date); err != nil {
		return err
	}

	// Roll the finished week up on Sundays.
	if date.Weekday() == time.Sunday {
		weekStart := date.AddDate(0, 0, -6)
		if err := a.AggregateAuthStatsWeekly(ctx, weekStart); err != nil {
			return err
		}
	}

	return nil
}
