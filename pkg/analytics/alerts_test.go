package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		data := []byte(`
rules:
  - name: low-success
    metric: success_rate
    comparison: below
    threshold: 0.95
    severity: warning
    remediation: check the audit log
    enabled: true
  - name: slow-auth
    metric: p95_latency_ms
    comparison: above
    threshold: 2000
    severity: critical
    enabled: false
`)
		rules, err := ParseRules(data)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "low-success", rules[0].Name)
		assert.Equal(t, 0.95, rules[0].Threshold)
		assert.False(t, rules[1].Enabled)
	})

	t.Run("unknown metric", func(t *testing.T) {
		data := []byte(`
rules:
  - name: bad
    metric: cpu_usage
    comparison: above
    threshold: 1
    severity: warning
    enabled: true
`)
		_, err := ParseRules(data)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown metric")
	})

	t.Run("bad comparison", func(t *testing.T) {
		data := []byte(`
rules:
  - name: bad
    metric: success_rate
    comparison: equals
    threshold: 1
    severity: warning
    enabled: true
`)
		_, err := ParseRules(data)
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseRules([]byte("rules: ["))
		assert.Error(t, err)
	})
}

func TestAlertRuleTriggered(t *testing.T) {
	below := AlertRule{Metric: MetricSuccessRate, Comparison: CompareBelow, Threshold: 0.9}
	assert.True(t, below.Triggered(0.85))
	assert.False(t, below.Triggered(0.9))
	assert.False(t, below.Triggered(0.95))

	above := AlertRule{Metric: MetricP95LatencyMS, Comparison: CompareAbove, Threshold: 3000}
	assert.True(t, above.Triggered(3500))
	assert.False(t, above.Triggered(3000))
	assert.False(t, above.Triggered(100))
}

func TestDefaultRulesValid(t *testing.T) {
	for _, rule := range DefaultRules() {
		assert.NoError(t, rule.Validate(), rule.Name)
	}
}

func TestAlerterEvaluateRaisesAlert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	// One known provider.
	mock.ExpectQuery("SELECT DISTINCT organization_id, provider_id FROM health_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "provider_id"}).AddRow(1, 2))

	// Scorer queries: a failing provider (low success, unhealthy probe).
	mock.ExpectQuery("SELECT(.+)FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "successes", "security_denials", "avg_latency_ms", "p95_latency_ms"}).
			AddRow(100, 50, 0, 200, 400))
	mock.ExpectQuery("SELECT status, certificate_expires").
		WillReturnRows(sqlmock.NewRows([]string{"status", "certificate_expires"}).
			AddRow("unhealthy", nil))

	// No open alert for the rule yet, then the insert.
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM alerts").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO alerts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	rules := []AlertRule{{
		Name:       "low-auth-success-rate",
		Metric:     MetricSuccessRate,
		Comparison: CompareBelow,
		Threshold:  0.90,
		Severity:   "warning",
		Enabled:    true,
	}}

	scorer := NewHealthScorer(db).WithClock(func() time.Time { return now })
	alerter := NewAlerter(db, scorer, rules).WithClock(func() time.Time { return now })

	raised, err := alerter.Evaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, int64(11), raised[0].ID)
	assert.Equal(t, "low-auth-success-rate", raised[0].RuleName)
	assert.Equal(t, AlertStatusOpen, raised[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlerterEvaluateSkipsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT DISTINCT organization_id, provider_id FROM health_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "provider_id"}).AddRow(1, 2))
	mock.ExpectQuery("SELECT(.+)FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "successes", "security_denials", "avg_latency_ms", "p95_latency_ms"}).
			AddRow(100, 50, 0, 200, 400))
	mock.ExpectQuery("SELECT status, certificate_expires").
		WillReturnRows(sqlmock.NewRows([]string{"status", "certificate_expires"}).
			AddRow("unhealthy", nil))

	// An alert for the rule is already open; nothing new is raised.
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM alerts").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rules := []AlertRule{{
		Name:       "low-auth-success-rate",
		Metric:     MetricSuccessRate,
		Comparison: CompareBelow,
		Threshold:  0.90,
		Severity:   "warning",
		Enabled:    true,
	}}

	alerter := NewAlerter(db, NewHealthScorer(db), rules)
	raised, err := alerter.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, raised)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlerterAcknowledge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	alerter := NewAlerter(db, NewHealthScorer(db), nil)

	t.Run("open alert", func(t *testing.T) {
		mock.ExpectExec("UPDATE alerts").
			WithArgs("ops@example.com", sqlmock.AnyArg(), int64(11)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, alerter.Acknowledge(context.Background(), 11, "ops@example.com"))
	})

	t.Run("already resolved", func(t *testing.T) {
		mock.ExpectExec("UPDATE alerts").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := alerter.Acknowledge(context.Background(), 12, "ops@example.com")
		assert.Error(t, err)
	})
}

func TestAlerterResolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	alerter := NewAlerter(db, NewHealthScorer(db), nil)

	mock.ExpectExec("UPDATE alerts").
		WithArgs(sqlmock.AnyArg(), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, alerter.Resolve(context.Background(), 11))
}
