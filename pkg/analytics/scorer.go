package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Level is the tri-level classification of an overall score
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

// CertExpiryStatus summarizes a provider certificate's remaining life
type CertExpiryStatus string

const (
	CertHealthy      CertExpiryStatus = "healthy"
	CertExpiringSoon CertExpiryStatus = "expiring_soon"
	CertExpired      CertExpiryStatus = "expired"
)

// certExpiringSoonWindow is how close to expiry a certificate counts as
// expiring soon.
const certExpiringSoonWindow = 30 * 24 * time.Hour

// Component weights for the overall score.
const (
	weightProviderHealth = 0.30
	weightAuthSuccess    = 0.25
	weightCertHealth     = 0.20
	weightResponseTime   = 0.15
	weightSecurityRisk   = 0.10
)

// ScoreComponents holds the five component scores, each 0-100
type ScoreComponents struct {
	ProviderHealth float64 `json:"provider_health"`
	AuthSuccess    float64 `json:"auth_success"`
	CertHealth     float64 `json:"cert_health"`
	ResponseTime   float64 `json:"response_time"`
	SecurityRisk   float64 `json:"security_risk"`
}

// ProviderScore is the scored health assessment of one provider
type ProviderScore struct {
	OrganizationID  int64            `json:"organization_id"`
	ProviderID      int64            `json:"provider_id"`
	Components      ScoreComponents  `json:"components"`
	OverallScore    float64          `json:"overall_score"`
	Level           Level            `json:"level"`
	SuccessRate     float64          `json:"success_rate"`
	AvgLatencyMS    int              `json:"avg_latency_ms"`
	P95LatencyMS    int              `json:"p95_latency_ms"`
	CertStatus      CertExpiryStatus `json:"cert_status"`
	CertExpires     *time.Time       `json:"cert_expires,omitempty"`
	Recommendations []string         `json:"recommendations"`
}

// ComputeOverall combines the components with their weights, rounded to
// one decimal.
func ComputeOverall(c ScoreComponents) float64 {
	score := weightProviderHealth*c.ProviderHealth +
		weightAuthSuccess*c.AuthSuccess +
		weightCertHealth*c.CertHealth +
		weightResponseTime*c.ResponseTime +
		weightSecurityRisk*c.SecurityRisk
	return math.Round(score*10) / 10
}

// LevelFor maps an overall score onto the tri-level classification
func LevelFor(score float64) Level {
	switch {
	case score >= 90:
		return LevelHealthy
	case score >= 70:
		return LevelDegraded
	default:
		return LevelCritical
	}
}

// ProviderHealthComponent scores the latest probe status
func ProviderHealthComponent(status string) float64 {
	switch status {
	case "healthy":
		return 100
	case "degraded":
		return 50
	default:
		return 0
	}
}

// AuthSuccessComponent scores the success rate. No attempts scores full:
// an idle provider is not a failing one.
func AuthSuccessComponent(successes, attempts int64) float64 {
	if attempts == 0 {
		return 100
	}
	return float64(successes) / float64(attempts) * 100
}

// CertHealthComponent scores certificate remaining life. Providers
// without a certificate (OIDC) score full.
func CertHealthComponent(expires *time.Time, now time.Time) (float64, CertExpiryStatus) {
	if expires == nil {
		return 100, CertHealthy
	}
	remaining := expires.Sub(now)
	switch {
	case remaining <= 0:
		return 0, CertExpired
	case remaining <= certExpiringSoonWindow:
		return 50, CertExpiringSoon
	default:
		return 100, CertHealthy
	}
}

// ResponseTimeComponent scores p95 auth latency: full at 500ms or
// below, zero at 5s or above, linear between.
func ResponseTimeComponent(p95Millis int) float64 {
	const (
		fullBelow = 500
		zeroAbove = 5000
	)
	switch {
	case p95Millis <= fullBelow:
		return 100
	case p95Millis >= zeroAbove:
		return 0
	default:
		return (1 - float64(p95Millis-fullBelow)/float64(zeroAbove-fullBelow)) * 100
	}
}

// SecurityRiskComponent scores recent security denials, 5 points each
func SecurityRiskComponent(securityDenials int64) float64 {
	return math.Max(100-float64(securityDenials)*5, 0)
}

// HealthScorer computes provider scores from the rollup tables and the
// latest health snapshots.
type HealthScorer struct {
	db  *sql.DB
	now func() time.Time
}

// NewHealthScorer creates a new health scorer
func NewHealthScorer(db *sql.DB) *HealthScorer {
	return &HealthScorer{db: db, now: time.Now}
}

// WithClock overrides the scorer's clock for tests.
func (h *HealthScorer) WithClock(now func() time.Time) *HealthScorer {
	h.now = now
	return h
}

// Score computes the weighted assessment for one provider over the last
// 24 hours.
func (h *HealthScorer) Score(ctx context.Context, orgID, providerID int64) (*ProviderScore, error) {
	score := &ProviderScore{
		OrganizationID: orgID,
		ProviderID:     providerID,
	}
	now := h.now()
	since := now.Add(-24 * time.Hour)

	attempts, successes, securityDenials, avgLatency, p95Latency, err := h.authStats(ctx, orgID, providerID, since)
	if err != nil {
		return nil, err
	}
	score.SuccessRate = 0
	if attempts > 0 {
		score.SuccessRate = float64(successes) / float64(attempts)
	}
	score.AvgLatencyMS = avgLatency
	score.P95LatencyMS = p95Latency

	status, certExpires, err := h.latestSnapshot(ctx, orgID, providerID)
	if err != nil {
		return nil, err
	}
	score.CertExpires = certExpires

	score.Components.ProviderHealth = ProviderHealthComponent(status)
	score.Components.AuthSuccess = AuthSuccessComponent(successes, attempts)
	score.Components.CertHealth, score.CertStatus = CertHealthComponent(certExpires, now)
	score.Components.ResponseTime = ResponseTimeComponent(p95Latency)
	score.Components.SecurityRisk = SecurityRiskComponent(securityDenials)

	score.OverallScore = ComputeOverall(score.Components)
	score.Level = LevelFor(score.OverallScore)
	score.Recommendations = recommendations(score, securityDenials)

	return score, nil
}

// authStats reads the last day of authentication outcomes from the
// audit event stream.
func (h *HealthScorer) authStats(ctx context.Context, orgID, providerID int64, since time.Time) (attempts, successes, securityDenials int64, avgLatency, p95Latency int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE action IN ('auth.login', 'auth.denied', 'auth.error')) AS attempts,
			COUNT(*) FILTER (WHERE action = 'auth.login') AS successes,
			COUNT(*) FILTER (WHERE action = 'auth.denied' AND category = 'security') AS security_denials,
			COALESCE(AVG(latency_ms) FILTER (WHERE action = 'auth.login'), 0)::integer AS avg_latency_ms,
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY latency_ms), 0)::integer AS p95_latency_ms
		FROM audit_events
		WHERE organization_id = $1
		  AND provider_id = $2
		  AND timestamp >= $3
	`
	err = h.db.QueryRowContext(ctx, query, orgID, providerID, since).Scan(
		&attempts, &successes, &securityDenials, &avgLatency, &p95Latency,
	)
	if err != nil {
		err = fmt.Errorf("failed to query auth stats: %w", err)
	}
	return
}

// latestSnapshot reads the most recent persisted probe result. A
// provider that has never been probed counts as unhealthy.
func (h *HealthScorer) latestSnapshot(ctx context.Context, orgID, providerID int64) (string, *time.Time, error) {
	query := `
		SELECT status, certificate_expires
		FROM health_snapshots
		WHERE organization_id = $1 AND provider_id = $2
		ORDER BY checked_at DESC
		LIMIT 1
	`
	var status string
	var certExpires sql.NullTime
	err := h.db.QueryRowContext(ctx, query, orgID, providerID).Scan(&status, &certExpires)
	if err == sql.ErrNoRows {
		return "unknown", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to query latest health snapshot: %w", err)
	}
	if certExpires.Valid {
		t := certExpires.Time
		return status, &t, nil
	}
	return status, nil, nil
}

func recommendations(score *ProviderScore, securityDenials int64) []string {
	var recs []string

	if score.Components.ProviderHealth < 100 {
		recs = append(recs, "Provider endpoints are not fully reachable. Check identity provider status and network path.")
	}
	if score.CertStatus == CertExpired {
		recs = append(recs, "Signing certificate has expired. Rotate the certificate immediately; logins are failing.")
	} else if score.CertStatus == CertExpiringSoon {
		recs = append(recs, "Signing certificate expires within 30 days. Schedule a rotation.")
	}
	if score.Components.AuthSuccess < 90 {
		recs = append(recs, "Authentication success rate is below 90%. Review recent denial issue codes.")
	}
	if score.Components.ResponseTime < 50 {
		recs = append(recs, "Authentication latency is high. The provider may be overloaded.")
	}
	if securityDenials > 5 {
		recs = append(recs, "Elevated number of security denials. Review the audit log for replay or injection attempts.")
	}

	return recs
}

// ExpirySummary buckets every provider's certificate status
type ExpirySummary struct {
	Healthy      int `json:"healthy"`
	ExpiringSoon int `json:"expiring_soon"`
	Expired      int `json:"expired"`
}

// CertificateExpirySummary classifies the latest snapshot of every
// SAML provider by certificate remaining life.
func (h *HealthScorer) CertificateExpirySummary(ctx context.Context) (*ExpirySummary, error) {
	query := `
		SELECT DISTINCT ON (organization_id, provider_id) certificate_expires
		FROM health_snapshots
		WHERE certificate_expires IS NOT NULL
		ORDER BY organization_id, provider_id, checked_at DESC
	`
	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificate expiry: %w", err)
	}
	defer rows.Close()

	summary := &ExpirySummary{}
	now := h.now()
	for rows.Next() {
		var expires time.Time
		if err := rows.Scan(&expires); err != nil {
			return nil, fmt.Errorf("failed to scan certificate expiry: %w", err)
		}
		_, status := CertHealthComponent(&expires, now)
		switch status {
		case CertExpired:
			summary.Expired++
		case CertExpiringSoon:
			summary.ExpiringSoon++
		default:
			summary.Healthy++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating certificate expiry: %w", err)
	}

	return summary, nil
}
