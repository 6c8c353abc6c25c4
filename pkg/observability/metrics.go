package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthDuration      *prometheus.HistogramVec
	AuthDenialsTotal  *prometheus.CounterVec
	ProvisioningTotal *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerRejectionsTotal  *prometheus.CounterVec

	// Fallback metrics
	FallbackAttemptsTotal *prometheus.CounterVec
	EmergencyCodesActive  *prometheus.GaugeVec

	// Health probe metrics
	ProbesTotal       *prometheus.CounterVec
	ProbeDuration     *prometheus.HistogramVec
	ProviderHealthy   *prometheus.GaugeVec
	CertDaysRemaining *prometheus.GaugeVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge

	// Business metrics
	ProvidersActive  prometheus.Gauge
	AlertsOpen       prometheus.Gauge
	AuditEventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Authentication metrics
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_auth_attempts_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"kind", "result"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_auth_duration_seconds",
				Help:    "Authentication validation duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
		AuthDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_auth_denials_total",
				Help: "Total number of authentication denials by issue code",
			},
			[]string{"kind", "issue_code"},
		),
		ProvisioningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_provisioning_total",
				Help: "Total number of just-in-time provisioning decisions",
			},
			[]string{"role", "status"},
		),

		// Circuit breaker metrics
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"organization_id", "provider_id"},
		),
		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
		BreakerRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_breaker_rejections_total",
				Help: "Total number of attempts rejected by an open breaker",
			},
			[]string{"organization_id", "provider_id"},
		),

		// Fallback metrics
		FallbackAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_fallback_attempts_total",
				Help: "Total number of fallback authentication attempts",
			},
			[]string{"method", "result"},
		),
		EmergencyCodesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_emergency_codes_active",
				Help: "Number of outstanding unused emergency codes",
			},
			[]string{"organization_id"},
		),

		// Health probe metrics
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_probes_total",
				Help: "Total number of provider health probes",
			},
			[]string{"kind", "status"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_probe_duration_seconds",
				Help:    "Provider health probe duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		ProviderHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_provider_healthy",
				Help: "Provider health from the latest probe (1=healthy, 0=not)",
			},
			[]string{"organization_id", "provider_id"},
		),
		CertDaysRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_cert_days_remaining",
				Help: "Days until the provider signing certificate expires",
			},
			[]string{"organization_id", "provider_id"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),

		// Business metrics
		ProvidersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_providers_active",
				Help: "Number of enabled identity providers",
			},
		),
		AlertsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_alerts_open",
				Help: "Number of open health alerts",
			},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_audit_events_total",
				Help: "Total number of audit events recorded",
			},
			[]string{"action", "severity"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.AuthAttemptsTotal,
		m.AuthDuration,
		m.AuthDenialsTotal,
		m.ProvisioningTotal,
		m.BreakerState,
		m.BreakerTransitionsTotal,
		m.BreakerRejectionsTotal,
		m.FallbackAttemptsTotal,
		m.EmergencyCodesActive,
		m.ProbesTotal,
		m.ProbeDuration,
		m.ProviderHealthy,
		m.CertDaysRemaining,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.ProvidersActive,
		m.AlertsOpen,
		m.AuditEventsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
