package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Comparison directions for alert rules.
const (
	CompareBelow = "below"
	CompareAbove = "above"
)

// Metrics a rule can evaluate.
const (
	MetricSuccessRate       = "success_rate"
	MetricOverallScore      = "overall_score"
	MetricP95LatencyMS      = "p95_latency_ms"
	MetricCertDaysRemaining = "cert_days_remaining"
	MetricSecurityDenials   = "security_denials"
)

// AlertRule is one threshold check, loadable from YAML
type AlertRule struct {
	Name        string  `yaml:"name"`
	Metric      string  `yaml:"metric"`
	Comparison  string  `yaml:"comparison"`
	Threshold   float64 `yaml:"threshold"`
	Severity    string  `yaml:"severity"`
	Remediation string  `yaml:"remediation"`
	Enabled     bool    `yaml:"enabled"`
}

// Validate checks the rule definition
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("alert rule requires a name")
	}
	switch r.Metric {
	case MetricSuccessRate, MetricOverallScore, MetricP95LatencyMS, MetricCertDaysRemaining, MetricSecurityDenials:
	default:
		return fmt.Errorf("alert rule %q: unknown metric %q", r.Name, r.Metric)
	}
	if r.Comparison != CompareBelow && r.Comparison != CompareAbove {
		return fmt.Errorf("alert rule %q: comparison must be %q or %q", r.Name, CompareBelow, CompareAbove)
	}
	switch r.Severity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("alert rule %q: unknown severity %q", r.Name, r.Severity)
	}
	return nil
}

// Triggered reports whether the value crosses the rule's threshold
func (r *AlertRule) Triggered(value float64) bool {
	if r.Comparison == CompareBelow {
		return value < r.Threshold
	}
	return value > r.Threshold
}

type ruleFile struct {
	Rules []AlertRule `yaml:"rules"`
}

// LoadRules parses alert rules from a YAML file
func LoadRules(path string) ([]AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alert rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates YAML rule definitions
func ParseRules(data []byte) ([]AlertRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse alert rules: %w", err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Rules, nil
}

// DefaultRules are the built-in checks used when no rule file is given
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:        "low-auth-success-rate",
			Metric:      MetricSuccessRate,
			Comparison:  CompareBelow,
			Threshold:   0.90,
			Severity:    "warning",
			Remediation: "Review recent denial issue codes in the audit log.",
			Enabled:     true,
		},
		{
			Name:        "provider-score-critical",
			Metric:      MetricOverallScore,
			Comparison:  CompareBelow,
			Threshold:   70,
			Severity:    "critical",
			Remediation: "Check provider reachability and certificate validity; consider issuing emergency codes.",
			Enabled:     true,
		},
		{
			Name:        "certificate-expiring",
			Metric:      MetricCertDaysRemaining,
			Comparison:  CompareBelow,
			Threshold:   30,
			Severity:    "warning",
			Remediation: "Rotate the SAML signing certificate before it expires.",
			Enabled:     true,
		},
		{
			Name:        "slow-authentication",
			Metric:      MetricP95LatencyMS,
			Comparison:  CompareAbove,
			Threshold:   3000,
			Severity:    "warning",
			Remediation: "Provider p95 latency is high; check identity provider load.",
			Enabled:     true,
		},
		{
			Name:        "security-denial-spike",
			Metric:      MetricSecurityDenials,
			Comparison:  CompareAbove,
			Threshold:   10,
			Severity:    "critical",
			Remediation: "Investigate the audit log for replay or injection attempts.",
			Enabled:     true,
		},
	}
}

// Alert statuses.
const (
	AlertStatusOpen         = "open"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// Alert is a persisted triggered rule
type Alert struct {
	ID             int64      `json:"id"`
	RuleName       string     `json:"rule_name"`
	Severity       string     `json:"severity"`
	OrganizationID int64      `json:"organization_id"`
	ProviderID     int64      `json:"provider_id"`
	Metric         string     `json:"metric"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	Message        string     `json:"message"`
	Remediation    string     `json:"remediation,omitempty"`
	Status         string     `json:"status"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Alerter evaluates rules against provider scores and persists
// triggered alerts.
type Alerter struct {
	db     *sql.DB
	scorer *HealthScorer
	rules  []AlertRule
	now    func() time.Time
}

// NewAlerter creates an alerter. Nil rules fall back to DefaultRules.
func NewAlerter(db *sql.DB, scorer *HealthScorer, rules []AlertRule) *Alerter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Alerter{db: db, scorer: scorer, rules: rules, now: time.Now}
}

// WithClock overrides the alerter's clock for tests.
func (a *Alerter) WithClock(now func() time.Time) *Alerter {
	a.now = now
	return a
}

// EnsureTable creates the alerts table if it doesn't exist
func (a *Alerter) EnsureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		rule_name VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		organization_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		metric VARCHAR(50) NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		message TEXT,
		remediation TEXT,
		status VARCHAR(20) NOT NULL DEFAULT 'open',
		triggered_at TIMESTAMP WITH TIME ZONE NOT NULL,
		acknowledged_by VARCHAR(255),
		acknowledged_at TIMESTAMP WITH TIME ZONE,
		resolved_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_provider ON alerts(organization_id, provider_id);
	`
	_, err := a.db.ExecContext(ctx, query)
	return err
}

// Evaluate scores every known provider and raises alerts for rules
// that trigger. A rule already open for the same provider is not
// duplicated.
func (a *Alerter) Evaluate(ctx context.Context) ([]Alert, error) {
	providers, err := a.knownProviders(ctx)
	if err != nil {
		return nil, err
	}

	var raised []Alert
	for _, p := range providers {
		score, err := a.scorer.Score(ctx, p.orgID, p.providerID)
		if err != nil {
			return raised, fmt.Errorf("failed to score provider %d/%d: %w", p.orgID, p.providerID, err)
		}

		metrics := a.metricValues(score)
		for _, rule := range a.rules {
			if !rule.Enabled {
				continue
			}
			value, ok := metrics[rule.Metric]
			if !ok || !rule.Triggered(value) {
				continue
			}

			alert, err := a.raise(ctx, rule, p.orgID, p.providerID, value)
			if err != nil {
				return raised, err
			}
			if alert != nil {
				raised = append(raised, *alert)
			}
		}
	}

	return raised, nil
}

type providerKey struct {
	orgID      int64
	providerID int64
}

// knownProviders lists every provider that has ever been probed
func (a *Alerter) knownProviders(ctx context.Context) ([]providerKey, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT DISTINCT organization_id, provider_id FROM health_snapshots
		ORDER BY organization_id, provider_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []providerKey
	for rows.Next() {
		var p providerKey
		if err := rows.Scan(&p.orgID, &p.providerID); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (a *Alerter) metricValues(score *ProviderScore) map[string]float64 {
	values := map[string]float64{
		MetricSuccessRate:  score.SuccessRate,
		MetricOverallScore: score.OverallScore,
		MetricP95LatencyMS: float64(score.P95LatencyMS),
		// Invert the component back into a denial count.
		MetricSecurityDenials: (100 - score.Components.SecurityRisk) / 5,
	}
	if score.CertExpires != nil {
		values[MetricCertDaysRemaining] = score.CertExpires.Sub(a.now()).Hours() / 24
	}
	return values
}

// raise inserts an alert unless the same rule is already open for the
// provider.
func (a *Alerter) raise(ctx context.Context, rule AlertRule, orgID, providerID int64, value float64) (*Alert, error) {
	var existing int64
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE rule_name = $1 AND organization_id = $2 AND provider_id = $3
		  AND status IN ('open', 'acknowledged')
	`, rule.Name, orgID, providerID).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing alerts: %w", err)
	}
	if existing > 0 {
		return nil, nil
	}

	alert := &Alert{
		RuleName:       rule.Name,
		Severity:       rule.Severity,
		OrganizationID: orgID,
		ProviderID:     providerID,
		Metric:         rule.Metric,
		Value:          value,
		Threshold:      rule.Threshold,
		Message:        fmt.Sprintf("%s: %s is %.2f (%s %.2f)", rule.Name, rule.Metric, value, rule.Comparison, rule.Threshold),
		Remediation:    rule.Remediation,
		Status:         AlertStatusOpen,
		TriggeredAt:    a.now(),
	}

	err = a.db.QueryRowContext(ctx, `
		INSERT INTO alerts (
			rule_name, severity, organization_id, provider_id,
			metric, value, threshold, message, remediation, status, triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		alert.RuleName, alert.Severity, alert.OrganizationID, alert.ProviderID,
		alert.Metric, alert.Value, alert.Threshold, alert.Message, alert.Remediation,
		alert.Status, alert.TriggeredAt,
	).Scan(&alert.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert alert: %w", err)
	}

	return alert, nil
}

// ListOpen returns open and acknowledged alerts, newest first
func (a *Alerter) ListOpen(ctx context.Context) ([]Alert, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, rule_name, severity, organization_id, provider_id,
		       metric, value, threshold, message, remediation, status,
		       triggered_at, acknowledged_by, acknowledged_at, resolved_at
		FROM alerts
		WHERE status IN ('open', 'acknowledged')
		ORDER BY triggered_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var alert Alert
		var ackBy sql.NullString
		var ackAt, resolvedAt sql.NullTime
		err := rows.Scan(
			&alert.ID, &alert.RuleName, &alert.Severity, &alert.OrganizationID, &alert.ProviderID,
			&alert.Metric, &alert.Value, &alert.Threshold, &alert.Message, &alert.Remediation,
			&alert.Status, &alert.TriggeredAt, &ackBy, &ackAt, &resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if ackBy.Valid {
			alert.AcknowledgedBy = ackBy.String
		}
		if ackAt.Valid {
			t := ackAt.Time
			alert.AcknowledgedAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			alert.ResolvedAt = &t
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

// Acknowledge marks an open alert as acknowledged by an operator
func (a *Alerter) Acknowledge(ctx context.Context, alertID int64, operator string) error {
	result, err := a.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = 'acknowledged', acknowledged_by = $1, acknowledged_at = $2
		WHERE id = $3 AND status = 'open'
	`, operator, a.now(), alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("alert %d is not open", alertID)
	}
	return nil
}

// Resolve closes an open or acknowledged alert
func (a *Alerter) Resolve(ctx context.Context, alertID int64) error {
	result, err := a.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = 'resolved', resolved_at = $1
		WHERE id = $2 AND status IN ('open', 'acknowledged')
	`, a.now(), alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("alert %d is not open", alertID)
	}
	return nil
}
