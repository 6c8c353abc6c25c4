package resilience

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// FallbackMethod identifies one fallback authentication mechanism
type FallbackMethod string

const (
	MethodEmergencyCode  FallbackMethod = "emergency_code"
	MethodBackupPassword FallbackMethod = "backup_password"
	MethodAdminOverride  FallbackMethod = "admin_override"
	MethodNone           FallbackMethod = "none"
)

// Session durations and credential lifetimes.
const (
	EmergencyCodeBatchSize = 10
	EmergencyCodeLifetime  = 7 * 24 * time.Hour
	EmergencySessionTTL    = time.Hour
	FollowUpDeadline       = 24 * time.Hour
	AdminOverrideTTL       = 2 * time.Hour
	BackupPasswordLifetime = 30 * 24 * time.Hour
)

var (
	// ErrInvalidCode is returned for an unknown, used, or expired
	// emergency code. The cause is deliberately not distinguished to the
	// caller.
	ErrInvalidCode = errors.New("emergency code is not valid")

	// ErrNotAuthorized is returned when an admin override is attempted
	// without the system administrator flag.
	ErrNotAuthorized = errors.New("actor is not a system administrator")

	// ErrReasonRequired is returned when an admin override carries no
	// documented reason.
	ErrReasonRequired = errors.New("a reason is required for admin override")

	// ErrInvalidPassword is returned for a wrong or expired backup
	// password.
	ErrInvalidPassword = errors.New("backup password is not valid")

	// ErrNoBackupPassword is returned when no backup password is
	// configured for the user.
	ErrNoBackupPassword = errors.New("no backup password configured")
)

// EmergencyCode is a one-time fallback credential. Only the SHA-256
// digest of the secret is stored; the plaintext exists only in the
// issuance response.
type EmergencyCode struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	CodeHash       string     `json:"-"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Used           bool       `json:"used"`
	UsedBy         string     `json:"used_by,omitempty"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	Purpose        string     `json:"purpose,omitempty"`
	AllowedIPs     []string   `json:"allowed_ips,omitempty"`
}

// FallbackSession is the short-lived grant produced by a successful
// fallback authentication. Every session carries an expiry and, for
// emergency access, a deadline by which normal SSO must be restored.
type FallbackSession struct {
	Method         FallbackMethod `json:"method"`
	OrganizationID int64          `json:"organization_id"`
	UserEmail      string         `json:"user_email"`
	GrantedBy      string         `json:"granted_by,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	FollowUpBy     time.Time      `json:"follow_up_by,omitempty"`
}

// StrategyRecommendation enumerates the fallback methods available to a
// user and the one to try first.
type StrategyRecommendation struct {
	Available   []FallbackMethod `json:"available"`
	Recommended FallbackMethod   `json:"recommended"`
}

// CodeStore persists emergency codes. ConsumeCode must be atomic: of two
// concurrent consumers of the same code, exactly one wins.
type CodeStore interface {
	CreateCodes(ctx context.Context, codes []*EmergencyCode) error
	ListActiveCodes(ctx context.Context, orgID int64) ([]*EmergencyCode, error)
	ConsumeCode(ctx context.Context, codeID int64, usedBy string, usedAt time.Time) (bool, error)
}

// BackupPasswordStore persists per-user backup credentials.
type BackupPasswordStore interface {
	SetBackupPassword(ctx context.Context, orgID int64, email, hash string, expiresAt time.Time) error
	GetBackupPassword(ctx context.Context, orgID int64, email string) (hash string, expiresAt time.Time, err error)
}

// ErrNotFound is returned by stores when no record exists.
var ErrNotFound = errors.New("record not found")

// FallbackAuthenticator arbitrates the fallback authentication methods.
type FallbackAuthenticator struct {
	codes         CodeStore
	passwords     BackupPasswordStore
	adminOverride bool
	now           func() time.Time
	log           *logrus.Entry
}

// NewFallbackAuthenticator creates a fallback authenticator.
// adminOverride controls whether the admin override method is offered at
// all; individual overrides still require the system administrator flag.
func NewFallbackAuthenticator(codes CodeStore, passwords BackupPasswordStore, adminOverride bool) *FallbackAuthenticator {
	return &FallbackAuthenticator{
		codes:         codes,
		passwords:     passwords,
		adminOverride: adminOverride,
		now:           time.Now,
		log:           logrus.WithField("component", "fallback_auth"),
	}
}

// WithClock overrides the authenticator's clock for tests.
func (f *FallbackAuthenticator) WithClock(now func() time.Time) *FallbackAuthenticator {
	f.now = now
	return f
}

// IssueEmergencyCodes creates a batch of one-time codes for an
// organization and returns the plaintext codes. This is the only time
// the plaintext is available.
func (f *FallbackAuthenticator) IssueEmergencyCodes(ctx context.Context, orgID int64, createdBy, purpose string, count int) ([]string, error) {
	if count <= 0 {
		count = EmergencyCodeBatchSize
	}
	now := f.now()

	plaintexts := make([]string, 0, count)
	codes := make([]*EmergencyCode, 0, count)
	for i := 0; i < count; i++ {
		plaintext, err := generateCode()
		if err != nil {
			return nil, err
		}
		plaintexts = append(plaintexts, plaintext)
		codes = append(codes, &EmergencyCode{
			OrganizationID: orgID,
			CodeHash:       hashCode(plaintext),
			CreatedBy:      createdBy,
			CreatedAt:      now,
			ExpiresAt:      now.Add(EmergencyCodeLifetime),
			Purpose:        purpose,
		})
	}

	if err := f.codes.CreateCodes(ctx, codes); err != nil {
		return nil, fmt.Errorf("failed to store emergency codes: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"org_id":     orgID,
		"created_by": createdBy,
		"count":      count,
	}).Warn("emergency codes issued")
	return plaintexts, nil
}

// ValidateEmergencyCode checks a presented code against the
// organization's unused, unexpired codes and consumes it on match. The
// comparison over the digest set is constant-time per candidate.
func (f *FallbackAuthenticator) ValidateEmergencyCode(ctx context.Context, orgID int64, code, userEmail, sourceIP string) (*FallbackSession, error) {
	now := f.now()
	presented := hashCode(code)

	candidates, err := f.codes.ListActiveCodes(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load emergency codes: %w", err)
	}

	var matched *EmergencyCode
	for _, candidate := range candidates {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(candidate.CodeHash)) == 1 && matched == nil {
			matched = candidate
		}
	}
	if matched == nil || matched.Used || now.After(matched.ExpiresAt) {
		f.log.WithFields(logrus.Fields{
			"org_id":    orgID,
			"user":      userEmail,
			"source_ip": sourceIP,
		}).Warn("emergency code denied")
		return nil, ErrInvalidCode
	}
	if len(matched.AllowedIPs) > 0 && !containsIP(matched.AllowedIPs, sourceIP) {
		f.log.WithFields(logrus.Fields{
			"org_id":    orgID,
			"user":      userEmail,
			"source_ip": sourceIP,
		}).Warn("emergency code denied: source IP not allowed")
		return nil, ErrInvalidCode
	}

	// Atomic consume: a concurrent attempt with the same code loses here.
	consumed, err := f.codes.ConsumeCode(ctx, matched.ID, userEmail, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume emergency code: %w", err)
	}
	if !consumed {
		return nil, ErrInvalidCode
	}

	f.log.WithFields(logrus.Fields{
		"org_id":  orgID,
		"user":    userEmail,
		"code_id": matched.ID,
	}).Warn("emergency code accepted")

	return &FallbackSession{
		Method:         MethodEmergencyCode,
		OrganizationID: orgID,
		UserEmail:      userEmail,
		CreatedAt:      now,
		ExpiresAt:      now.Add(EmergencySessionTTL),
		FollowUpBy:     now.Add(FollowUpDeadline),
	}, nil
}

// AdminOverride grants a session for the target user on the authority of
// a system administrator. A documented reason is mandatory.
func (f *FallbackAuthenticator) AdminOverride(ctx context.Context, orgID int64, actorEmail string, actorIsSystemAdmin bool, targetEmail, reason string) (*FallbackSession, error) {
	if !actorIsSystemAdmin {
		f.log.WithFields(logrus.Fields{
			"org_id": orgID,
			"actor":  actorEmail,
			"target": targetEmail,
		}).Warn("admin override denied: actor is not a system administrator")
		return nil, ErrNotAuthorized
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	now := f.now()
	f.log.WithFields(logrus.Fields{
		"org_id": orgID,
		"actor":  actorEmail,
		"target": targetEmail,
		"reason": reason,
	}).Warn("admin override granted")

	return &FallbackSession{
		Method:         MethodAdminOverride,
		OrganizationID: orgID,
		UserEmail:      targetEmail,
		GrantedBy:      actorEmail,
		Reason:         reason,
		CreatedAt:      now,
		ExpiresAt:      now.Add(AdminOverrideTTL),
	}, nil
}

// SetBackupPassword stores a bcrypt hash of the user's backup password
// with a 30 day expiry.
func (f *FallbackAuthenticator) SetBackupPassword(ctx context.Context, orgID int64, email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash backup password: %w", err)
	}
	return f.passwords.SetBackupPassword(ctx, orgID, email, string(hash), f.now().Add(BackupPasswordLifetime))
}

// ValidateBackupPassword checks the user's backup password.
func (f *FallbackAuthenticator) ValidateBackupPassword(ctx context.Context, orgID int64, email, password string) (*FallbackSession, error) {
	hash, expiresAt, err := f.passwords.GetBackupPassword(ctx, orgID, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoBackupPassword
	} else if err != nil {
		return nil, fmt.Errorf("failed to load backup password: %w", err)
	}

	now := f.now()
	if now.After(expiresAt) {
		return nil, ErrInvalidPassword
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		f.log.WithFields(logrus.Fields{
			"org_id": orgID,
			"user":   email,
		}).Warn("backup password denied")
		return nil, ErrInvalidPassword
	}

	f.log.WithFields(logrus.Fields{
		"org_id": orgID,
		"user":   email,
	}).Warn("backup password accepted")

	return &FallbackSession{
		Method:         MethodBackupPassword,
		OrganizationID: orgID,
		UserEmail:      email,
		CreatedAt:      now,
		ExpiresAt:      now.Add(EmergencySessionTTL),
		FollowUpBy:     now.Add(FollowUpDeadline),
	}, nil
}

// SelectStrategy enumerates the fallback methods available to a user and
// recommends the first in priority order: emergency codes, backup
// password, admin override.
func (f *FallbackAuthenticator) SelectStrategy(ctx context.Context, orgID int64, email string) (*StrategyRecommendation, error) {
	rec := &StrategyRecommendation{Recommended: MethodNone}
	now := f.now()

	codes, err := f.codes.ListActiveCodes(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load emergency codes: %w", err)
	}
	for _, code := range codes {
		if !code.Used && now.Before(code.ExpiresAt) {
			rec.Available = append(rec.Available, MethodEmergencyCode)
			break
		}
	}

	if _, expiresAt, err := f.passwords.GetBackupPassword(ctx, orgID, email); err == nil && now.Before(expiresAt) {
		rec.Available = append(rec.Available, MethodBackupPassword)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load backup password: %w", err)
	}

	if f.adminOverride {
		rec.Available = append(rec.Available, MethodAdminOverride)
	}

	if len(rec.Available) > 0 {
		rec.Recommended = rec.Available[0]
	}
	return rec, nil
}

// generateCode produces a high-entropy code in grouped base32 form,
// e.g. "7X4K9-QJ2MN-5PWZ8-TL6RD".
func generateCode() (string, error) {
	raw := make([]byte, 15)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate emergency code: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	var b strings.Builder
	for i, r := range encoded {
		if i > 0 && i%6 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// normalizeCode strips separators and case so user-transcribed codes
// still match.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// hashCode digests a normalized code for storage and comparison.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

func containsIP(allowed []string, ip string) bool {
	for _, a := range allowed {
		if a == ip {
			return true
		}
	}
	return false
}
