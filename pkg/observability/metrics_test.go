package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		// Verify HTTP metrics are initialized
		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}

		// Verify authentication metrics are initialized
		if metrics.AuthAttemptsTotal == nil {
			t.Error("AuthAttemptsTotal is nil")
		}
		if metrics.AuthDuration == nil {
			t.Error("AuthDuration is nil")
		}
		if metrics.AuthDenialsTotal == nil {
			t.Error("AuthDenialsTotal is nil")
		}
		if metrics.ProvisioningTotal == nil {
			t.Error("ProvisioningTotal is nil")
		}

		// Verify breaker metrics are initialized
		if metrics.BreakerState == nil {
			t.Error("BreakerState is nil")
		}
		if metrics.BreakerTransitionsTotal == nil {
			t.Error("BreakerTransitionsTotal is nil")
		}
		if metrics.BreakerRejectionsTotal == nil {
			t.Error("BreakerRejectionsTotal is nil")
		}

		// Verify fallback metrics are initialized
		if metrics.FallbackAttemptsTotal == nil {
			t.Error("FallbackAttemptsTotal is nil")
		}
		if metrics.EmergencyCodesActive == nil {
			t.Error("EmergencyCodesActive is nil")
		}

		// Verify probe metrics are initialized
		if metrics.ProbesTotal == nil {
			t.Error("ProbesTotal is nil")
		}
		if metrics.ProbeDuration == nil {
			t.Error("ProbeDuration is nil")
		}
		if metrics.ProviderHealthy == nil {
			t.Error("ProviderHealthy is nil")
		}
		if metrics.CertDaysRemaining == nil {
			t.Error("CertDaysRemaining is nil")
		}

		// Verify infrastructure metrics are initialized
		if metrics.DBConnectionsActive == nil {
			t.Error("DBConnectionsActive is nil")
		}
		if metrics.RedisConnectionsActive == nil {
			t.Error("RedisConnectionsActive is nil")
		}
		if metrics.ProvidersActive == nil {
			t.Error("ProvidersActive is nil")
		}
		if metrics.AlertsOpen == nil {
			t.Error("AlertsOpen is nil")
		}
		if metrics.AuditEventsTotal == nil {
			t.Error("AuditEventsTotal is nil")
		}
	})

	t.Run("metrics are registered with registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		// Initialize some metrics to make them appear in Gather()
		metrics.AuthAttemptsTotal.WithLabelValues("saml", "success").Add(0)
		metrics.BreakerTransitionsTotal.WithLabelValues("closed", "open").Add(0)
		metrics.FallbackAttemptsTotal.WithLabelValues("emergency_code", "success").Add(0)
		metrics.ProbesTotal.WithLabelValues("oidc", "healthy").Add(0)
		metrics.DBConnectionsActive.Set(0)
		metrics.ProvidersActive.Set(0)

		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		metricNames := make(map[string]bool)
		for _, family := range families {
			metricNames[family.GetName()] = true
		}

		expected := []string{
			"kestrel_auth_attempts_total",
			"kestrel_breaker_transitions_total",
			"kestrel_fallback_attempts_total",
			"kestrel_probes_total",
			"kestrel_db_connections_active",
			"kestrel_providers_active",
		}
		for _, name := range expected {
			if !metricNames[name] {
				t.Errorf("metric %s not registered", name)
			}
		}
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic on duplicate registration")
			}
		}()
		NewMetrics(registry)
	})
}

func TestAuthMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.AuthAttemptsTotal.WithLabelValues("saml", "success").Inc()
	metrics.AuthAttemptsTotal.WithLabelValues("saml", "success").Inc()
	metrics.AuthAttemptsTotal.WithLabelValues("oidc", "denied").Inc()
	metrics.AuthDenialsTotal.WithLabelValues("oidc", "TOKEN_EXPIRED").Inc()

	if got := testutil.ToFloat64(metrics.AuthAttemptsTotal.WithLabelValues("saml", "success")); got != 2 {
		t.Errorf("saml success attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.AuthAttemptsTotal.WithLabelValues("oidc", "denied")); got != 1 {
		t.Errorf("oidc denied attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.AuthDenialsTotal.WithLabelValues("oidc", "TOKEN_EXPIRED")); got != 1 {
		t.Errorf("TOKEN_EXPIRED denials = %v, want 1", got)
	}
}

func TestBreakerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.BreakerState.WithLabelValues("42", "7").Set(2)
	metrics.BreakerTransitionsTotal.WithLabelValues("closed", "open").Inc()
	metrics.BreakerRejectionsTotal.WithLabelValues("42", "7").Inc()

	if got := testutil.ToFloat64(metrics.BreakerState.WithLabelValues("42", "7")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.BreakerRejectionsTotal.WithLabelValues("42", "7")); got != 1 {
		t.Errorf("breaker rejections = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("records request metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}))

		req := httptest.NewRequest(http.MethodGet, "/health/status", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/health/status", "200")); got != 1 {
			t.Errorf("http requests = %v, want 1", got)
		}
	})

	t.Run("captures non-200 status", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))

		req := httptest.NewRequest(http.MethodPost, "/fallback/validate", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/fallback/validate", "403")); got != 1 {
			t.Errorf("http requests = %v, want 1", got)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.ProvidersActive.Set(3)

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	if !strings.Contains(string(body), "kestrel_providers_active 3") {
		t.Error("metrics output missing kestrel_providers_active")
	}
}
