package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kestrelsec/kestrel/pkg/resilience"
)

// CodeStore persists emergency codes. It implements
// resilience.CodeStore; consumption is transactional so exactly one of
// two concurrent consumers wins.
type CodeStore struct {
	db *sql.DB
}

// NewCodeStore creates an emergency code store
func NewCodeStore(db *sql.DB) *CodeStore {
	return &CodeStore{db: db}
}

// EnsureTable creates the emergency codes table if it doesn't exist
func (s *CodeStore) EnsureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS emergency_codes (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		code_hash VARCHAR(64) NOT NULL,
		created_by VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		used BOOLEAN NOT NULL DEFAULT false,
		used_by VARCHAR(255),
		used_at TIMESTAMP WITH TIME ZONE,
		purpose TEXT,
		allowed_ips TEXT[]
	);

	CREATE INDEX IF NOT EXISTS idx_emergency_codes_org ON emergency_codes(organization_id, used);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// CreateCodes inserts a batch of codes in one transaction
func (s *CodeStore) CreateCodes(ctx context.Context, codes []*resilience.EmergencyCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, code := range codes {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO emergency_codes (
				organization_id, code_hash, created_by, created_at,
				expires_at, purpose, allowed_ips
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, code.OrganizationID, code.CodeHash, code.CreatedBy, code.CreatedAt,
			code.ExpiresAt, code.Purpose, pq.Array(code.AllowedIPs)).Scan(&code.ID)
		if err != nil {
			return fmt.Errorf("failed to insert emergency code: %w", err)
		}
	}

	return tx.Commit()
}

// ListActiveCodes returns the organization's unused, unexpired codes
func (s *CodeStore) ListActiveCodes(ctx context.Context, orgID int64) ([]*resilience.EmergencyCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, code_hash, created_by, created_at,
			expires_at, used, used_by, used_at, purpose, allowed_ips
		FROM emergency_codes
		WHERE organization_id = $1 AND used = false AND expires_at > NOW()
		ORDER BY id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list emergency codes: %w", err)
	}
	defer rows.Close()

	var codes []*resilience.EmergencyCode
	for rows.Next() {
		code := &resilience.EmergencyCode{}
		var usedBy sql.NullString
		var usedAt sql.NullTime
		err := rows.Scan(
			&code.ID, &code.OrganizationID, &code.CodeHash, &code.CreatedBy, &code.CreatedAt,
			&code.ExpiresAt, &code.Used, &usedBy, &usedAt, &code.Purpose,
			pq.Array(&code.AllowedIPs),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency code: %w", err)
		}
		if usedBy.Valid {
			code.UsedBy = usedBy.String
		}
		if usedAt.Valid {
			t := usedAt.Time
			code.UsedAt = &t
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// ConsumeCode marks a code used. The used = false guard makes
// consumption atomic: the second of two concurrent consumers sees zero
// rows affected and loses.
func (s *CodeStore) ConsumeCode(ctx context.Context, codeID int64, usedBy string, usedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE emergency_codes
		SET used = true, used_by = $1, used_at = $2
		WHERE id = $3 AND used = false
	`, usedBy, usedAt, codeID)
	if err != nil {
		return false, fmt.Errorf("failed to consume emergency code: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// BackupPasswordStore persists per-user backup credentials. It
// implements resilience.BackupPasswordStore.
type BackupPasswordStore struct {
	db *sql.DB
}

// NewBackupPasswordStore creates a backup password store
func NewBackupPasswordStore(db *sql.DB) *BackupPasswordStore {
	return &BackupPasswordStore{db: db}
}

// EnsureTable creates the backup passwords table if it doesn't exist
func (s *BackupPasswordStore) EnsureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS backup_passwords (
		organization_id BIGINT NOT NULL,
		user_email VARCHAR(255) NOT NULL,
		password_hash TEXT NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (organization_id, user_email)
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// SetBackupPassword stores or replaces the user's backup credential
func (s *BackupPasswordStore) SetBackupPassword(ctx context.Context, orgID int64, email, hash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_passwords (organization_id, user_email, password_hash, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (organization_id, user_email) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, orgID, email, hash, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set backup password: %w", err)
	}
	return nil
}

// GetBackupPassword retrieves the user's backup credential
func (s *BackupPasswordStore) GetBackupPassword(ctx context.Context, orgID int64, email string) (string, time.Time, error) {
	var hash string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT password_hash, expires_at
		FROM backup_passwords
		WHERE organization_id = $1 AND user_email = $2
	`, orgID, email).Scan(&hash, &expiresAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, resilience.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get backup password: %w", err)
	}
	return hash, expiresAt, nil
}
