package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_events table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		action VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		category VARCHAR(30) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		organization_id BIGINT NOT NULL,
		provider_id BIGINT,
		issue_code VARCHAR(50),
		message TEXT,
		detail JSONB,
		ip_address VARCHAR(45),
		latency_ms BIGINT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	-- Create indexes for common query patterns
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
	CREATE INDEX IF NOT EXISTS idx_audit_events_organization_id ON audit_events(organization_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_provider ON audit_events(organization_id, provider_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_severity ON audit_events(severity);
	CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor);
	`

	_, err := l.db.Exec(query)
	return err
}

// Record inserts one audit event
func (l *DBLogger) Record(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var detailJSON []byte
	var err error
	if event.Detail != nil {
		detailJSON, err = json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal detail: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			timestamp, action, severity, category,
			actor, organization_id, provider_id,
			issue_code, message, detail, ip_address, latency_ms
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11, $12
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.Action, event.Severity, event.Category,
		event.Actor, event.OrganizationID, event.ProviderID,
		event.IssueCode, event.Message, detailJSON, event.IPAddress, event.LatencyMS,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// Search queries audit events based on filters, newest first
func (l *DBLogger) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT
			id, timestamp, action, severity, category,
			actor, organization_id, provider_id,
			issue_code, message, detail, ip_address, latency_ms
		FROM audit_events
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.OrganizationID != nil {
		query += fmt.Sprintf(" AND organization_id = $%d", argCount)
		args = append(args, *filter.OrganizationID)
		argCount++
	}

	if filter.ProviderID != nil {
		query += fmt.Sprintf(" AND provider_id = $%d", argCount)
		args = append(args, *filter.ProviderID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actionStrs := make([]string, len(filter.Actions))
		for i, action := range filter.Actions {
			actionStrs[i] = string(action)
		}
		args = append(args, pq.Array(actionStrs))
		argCount++
	}

	if filter.Severity != nil {
		query += fmt.Sprintf(" AND severity = $%d", argCount)
		args = append(args, string(*filter.Severity))
		argCount++
	}

	if filter.Category != nil {
		query += fmt.Sprintf(" AND category = $%d", argCount)
		args = append(args, string(*filter.Category))
		argCount++
	}

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argCount)
		args = append(args, filter.Actor)
		argCount++
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event := &Event{}
		var detailJSON []byte

		err := rows.Scan(
			&event.ID, &event.Timestamp, &event.Action, &event.Severity, &event.Category,
			&event.Actor, &event.OrganizationID, &event.ProviderID,
			&event.IssueCode, &event.Message, &detailJSON, &event.IPAddress, &event.LatencyMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &event.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal detail: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// DeleteOlderThan removes events past the retention cutoff. This is the
// only deletion path; nothing else mutates recorded events.
func (l *DBLogger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit events: %w", err)
	}
	return result.RowsAffected()
}

// Stats summarizes recorded events for a time range.
type Stats struct {
	TotalEvents      int64              `json:"total_events"`
	EventsByAction   map[Action]int64   `json:"events_by_action"`
	EventsBySeverity map[Severity]int64 `json:"events_by_severity"`
	FailedLogins     int64              `json:"failed_logins"`
	FallbackUses     int64              `json:"fallback_uses"`
	UniqueActors     int64              `json:"unique_actors"`
}

// GetStats aggregates event counts for the time range
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	stats := &Stats{
		EventsByAction:   make(map[Action]int64),
		EventsBySeverity: make(map[Severity]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if startTime != nil {
		whereClause += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *startTime)
		argCount++
	}

	if endTime != nil {
		whereClause += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *endTime)
	}

	err := l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s", whereClause), args...).Scan(&stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total events: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT action, COUNT(*) FROM audit_events %s GROUP BY action", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by action: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action Action
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		stats.EventsByAction[action] = count
	}

	rows, err = l.db.QueryContext(ctx, fmt.Sprintf("SELECT severity, COUNT(*) FROM audit_events %s GROUP BY severity", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by severity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity Severity
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		stats.EventsBySeverity[severity] = count
	}

	err = l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s AND action = 'auth.denied'", whereClause), args...).Scan(&stats.FailedLogins)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed logins: %w", err)
	}

	err = l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s AND action LIKE 'fallback.%%'", whereClause), args...).Scan(&stats.FallbackUses)
	if err != nil {
		return nil, fmt.Errorf("failed to get fallback uses: %w", err)
	}

	err = l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(DISTINCT actor) FROM audit_events %s", whereClause), args...).Scan(&stats.UniqueActors)
	if err != nil {
		return nil, fmt.Errorf("failed to get unique actors: %w", err)
	}

	return stats, nil
}

// Close is a no-op; the database connection may be shared
func (l *DBLogger) Close() error {
	return nil
}
