package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/resilience"
)

func TestCodeStoreCreateCodes(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewCodeStore(db)

	now := time.Now()
	codes := []*resilience.EmergencyCode{
		{OrganizationID: 42, CodeHash: "aaa", CreatedBy: "admin@example.com", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)},
		{OrganizationID: 42, CodeHash: "bbb", CreatedBy: "admin@example.com", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO emergency_codes").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO emergency_codes").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	require.NoError(t, store.CreateCodes(context.Background(), codes))
	assert.Equal(t, int64(1), codes[0].ID)
	assert.Equal(t, int64(2), codes[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeStoreCreateCodesRollsBackOnError(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewCodeStore(db)

	now := time.Now()
	codes := []*resilience.EmergencyCode{
		{OrganizationID: 42, CodeHash: "aaa", CreatedBy: "admin@example.com", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO emergency_codes").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.CreateCodes(context.Background(), codes)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeStoreListActiveCodes(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewCodeStore(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "code_hash", "created_by", "created_at",
		"expires_at", "used", "used_by", "used_at", "purpose", "allowed_ips",
	}).AddRow(1, 42, "aaa", "admin@example.com", now,
		now.Add(time.Hour), false, nil, nil, "idp outage", pq.Array([]string{"10.0.0.0/8"}))

	mock.ExpectQuery("SELECT (.+) FROM emergency_codes").
		WithArgs(int64(42)).
		WillReturnRows(rows)

	codes, err := store.ListActiveCodes(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "aaa", codes[0].CodeHash)
	assert.False(t, codes[0].Used)
	assert.Empty(t, codes[0].UsedBy)
	assert.Nil(t, codes[0].UsedAt)
	assert.Equal(t, []string{"10.0.0.0/8"}, codes[0].AllowedIPs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeStoreConsumeCode(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewCodeStore(db)
	now := time.Now()

	mock.ExpectExec("UPDATE emergency_codes").
		WithArgs("user@example.com", now, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	consumed, err := store.ConsumeCode(context.Background(), 1, "user@example.com", now)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeStoreConsumeCodeAlreadyUsed(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewCodeStore(db)
	now := time.Now()

	// The used = false guard means a second consumer affects zero rows.
	mock.ExpectExec("UPDATE emergency_codes").
		WithArgs("late@example.com", now, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	consumed, err := store.ConsumeCode(context.Background(), 1, "late@example.com", now)
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestBackupPasswordStoreSetAndGet(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewBackupPasswordStore(db)

	expires := time.Now().Add(72 * time.Hour)

	mock.ExpectExec("INSERT INTO backup_passwords").
		WithArgs(int64(42), "user@example.com", "$2a$10$hash", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetBackupPassword(context.Background(), 42, "user@example.com", "$2a$10$hash", expires))

	mock.ExpectQuery("SELECT password_hash, expires_at FROM backup_passwords").
		WithArgs(int64(42), "user@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "expires_at"}).
			AddRow("$2a$10$hash", expires))

	hash, got, err := store.GetBackupPassword(context.Background(), 42, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", hash)
	assert.WithinDuration(t, expires, got, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupPasswordStoreGetNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewBackupPasswordStore(db)

	mock.ExpectQuery("SELECT password_hash, expires_at FROM backup_passwords").
		WithArgs(int64(42), "missing@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "expires_at"}))

	_, _, err := store.GetBackupPassword(context.Background(), 42, "missing@example.com")
	assert.ErrorIs(t, err, resilience.ErrNotFound)
}
