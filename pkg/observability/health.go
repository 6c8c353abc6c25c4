package observability

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kestrelsec/kestrel/pkg/httputil"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const readinessTimeout = 5 * time.Second

// HealthChecker reports process liveness and readiness. Postgres is a
// hard dependency; redis only carries nonce and PKCE state, so losing it
// degrades readiness rather than failing it.
type HealthChecker struct {
	db    *sql.DB
	redis *redis.Client
}

// NewHealthChecker builds a checker over the process dependencies. Either
// argument may be nil, in which case that dependency is skipped.
func NewHealthChecker(db *sql.DB, redis *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redis}
}

// ProcessHealth is the readiness payload.
type ProcessHealth struct {
	Status       string                `json:"status"`
	Timestamp    time.Time             `json:"timestamp"`
	Dependencies map[string]Dependency `json:"dependencies,omitempty"`
}

// Dependency is the probed state of one process dependency.
type Dependency struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Liveness answers 200 whenever the process is serving requests.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness probes the dependencies and answers 503 only when a hard
// dependency is down.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	result := h.Check(ctx)
	status := http.StatusOK
	if result.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, result)
}

// Check probes every configured dependency and folds the results into an
// overall status.
func (h *HealthChecker) Check(ctx context.Context) ProcessHealth {
	result := ProcessHealth{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Dependencies: make(map[string]Dependency),
	}

	if h.db != nil {
		dep := h.checkPostgres(ctx)
		result.Dependencies["postgres"] = dep
		if dep.Status != StatusHealthy {
			result.Status = dep.Status
		}
	}
	if h.redis != nil {
		dep := h.checkRedis(ctx)
		result.Dependencies["redis"] = dep
		if dep.Status == StatusUnhealthy && result.Status == StatusHealthy {
			result.Status = StatusDegraded
		}
	}
	return result
}

func (h *HealthChecker) checkPostgres(ctx context.Context) Dependency {
	start := time.Now()
	err := h.db.PingContext(ctx)
	dep := Dependency{Status: StatusHealthy, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
		return dep
	}
	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		dep.Status = StatusDegraded
		dep.Message = "connection pool exhausted"
	}
	return dep
}

func (h *HealthChecker) checkRedis(ctx context.Context) Dependency {
	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	dep := Dependency{Status: StatusHealthy, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// RegisterHealthRoutes mounts the probe endpoints on the health mux.
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
