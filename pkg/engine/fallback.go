package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/resilience"
)

// IssueEmergencyCodes issues a batch of one-time codes for an
// organization and records the issuance in the audit trail.
func (e *Engine) IssueEmergencyCodes(ctx context.Context, orgID int64, createdBy, purpose string, count int) ([]string, error) {
	codes, err := e.fallback.IssueEmergencyCodes(ctx, orgID, createdBy, purpose, count)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.EmergencyCodesActive.WithLabelValues(strconv.FormatInt(orgID, 10)).Add(float64(len(codes)))
	}
	e.record(ctx, &audit.Event{
		Action:         audit.ActionEmergencyCodeIssued,
		Severity:       audit.SeverityWarning,
		Category:       audit.CategorySecurity,
		Actor:          createdBy,
		OrganizationID: orgID,
		Message:        "emergency codes issued",
		Detail: map[string]interface{}{
			"count":   len(codes),
			"purpose": purpose,
		},
	})
	return codes, nil
}

// ValidateEmergencyCode checks and consumes a one-time code, producing a
// short-lived fallback session on success.
func (e *Engine) ValidateEmergencyCode(ctx context.Context, orgID int64, code, userEmail, sourceIP string) (*resilience.FallbackSession, error) {
	session, err := e.fallback.ValidateEmergencyCode(ctx, orgID, code, userEmail, sourceIP)
	if err != nil {
		e.fallbackDenied(ctx, resilience.MethodEmergencyCode, orgID, userEmail, sourceIP, err)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.FallbackAttemptsTotal.WithLabelValues(string(resilience.MethodEmergencyCode), "success").Inc()
		e.metrics.EmergencyCodesActive.WithLabelValues(strconv.FormatInt(orgID, 10)).Dec()
	}
	e.record(ctx, &audit.Event{
		Action:         audit.ActionEmergencyCodeUsed,
		Severity:       audit.SeverityWarning,
		Category:       audit.CategorySecurity,
		Actor:          userEmail,
		OrganizationID: orgID,
		Message:        "emergency code accepted",
		Detail: map[string]interface{}{
			"expires_at":   session.ExpiresAt,
			"follow_up_by": session.FollowUpBy,
		},
		IPAddress: sourceIP,
	})
	return session, nil
}

// ValidateBackupPassword checks the user's backup password, producing a
// fallback session on success.
func (e *Engine) ValidateBackupPassword(ctx context.Context, orgID int64, email, password string) (*resilience.FallbackSession, error) {
	session, err := e.fallback.ValidateBackupPassword(ctx, orgID, email, password)
	if err != nil {
		e.fallbackDenied(ctx, resilience.MethodBackupPassword, orgID, email, "", err)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.FallbackAttemptsTotal.WithLabelValues(string(resilience.MethodBackupPassword), "success").Inc()
	}
	e.record(ctx, &audit.Event{
		Action:         audit.ActionBackupPassword,
		Severity:       audit.SeverityWarning,
		Category:       audit.CategorySecurity,
		Actor:          email,
		OrganizationID: orgID,
		Message:        "backup password accepted",
		Detail:         map[string]interface{}{"expires_at": session.ExpiresAt},
	})
	return session, nil
}

// SetBackupPassword stores a backup credential for the user and records
// the configuration change.
func (e *Engine) SetBackupPassword(ctx context.Context, orgID int64, email, password string) error {
	if err := e.fallback.SetBackupPassword(ctx, orgID, email, password); err != nil {
		return err
	}
	e.record(ctx, &audit.Event{
		Action:         audit.ActionConfigUpdate,
		Severity:       audit.SeverityInfo,
		Category:       audit.CategoryConfiguration,
		Actor:          email,
		OrganizationID: orgID,
		Message:        "backup password configured",
	})
	return nil
}

// AdminOverride grants the target user a session on the authority of a
// system administrator. Every grant is a critical audit event.
func (e *Engine) AdminOverride(ctx context.Context, orgID int64, actorEmail string, actorIsSystemAdmin bool, targetEmail, reason string) (*resilience.FallbackSession, error) {
	session, err := e.fallback.AdminOverride(ctx, orgID, actorEmail, actorIsSystemAdmin, targetEmail, reason)
	if err != nil {
		e.fallbackDenied(ctx, resilience.MethodAdminOverride, orgID, actorEmail, "", err)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.FallbackAttemptsTotal.WithLabelValues(string(resilience.MethodAdminOverride), "success").Inc()
	}
	e.record(ctx, &audit.Event{
		Action:         audit.ActionAdminOverride,
		Severity:       audit.SeverityCritical,
		Category:       audit.CategorySecurity,
		Actor:          actorEmail,
		OrganizationID: orgID,
		Message:        "admin override granted",
		Detail: map[string]interface{}{
			"target":     targetEmail,
			"reason":     reason,
			"expires_at": session.ExpiresAt,
		},
	})
	return session, nil
}

// SelectFallbackStrategy enumerates the fallback methods available to the
// user and recommends one.
func (e *Engine) SelectFallbackStrategy(ctx context.Context, orgID int64, email string) (*resilience.StrategyRecommendation, error) {
	return e.fallback.SelectStrategy(ctx, orgID, email)
}

// fallbackDenied records a failed fallback attempt. Store failures are
// classified as errors rather than denials.
func (e *Engine) fallbackDenied(ctx context.Context, method resilience.FallbackMethod, orgID int64, actor, sourceIP string, err error) {
	result := "denied"
	severity := audit.SeverityWarning
	if !isFallbackDenial(err) {
		result = "error"
		severity = audit.SeverityError
	}

	if e.metrics != nil {
		e.metrics.FallbackAttemptsTotal.WithLabelValues(string(method), result).Inc()
	}
	e.record(ctx, &audit.Event{
		Action:         audit.ActionFallbackDenied,
		Severity:       severity,
		Category:       audit.CategorySecurity,
		Actor:          actor,
		OrganizationID: orgID,
		Message:        err.Error(),
		Detail:         map[string]interface{}{"method": string(method)},
		IPAddress:      sourceIP,
	})
}

func isFallbackDenial(err error) bool {
	return errors.Is(err, resilience.ErrInvalidCode) ||
		errors.Is(err, resilience.ErrInvalidPassword) ||
		errors.Is(err, resilience.ErrNoBackupPassword) ||
		errors.Is(err, resilience.ErrNotAuthorized) ||
		errors.Is(err, resilience.ErrReasonRequired)
}
