package api

import (
	"net/http"

	"github.com/kestrelsec/kestrel/pkg/health"
	"github.com/kestrelsec/kestrel/pkg/httputil"
)

// healthStatus handles GET /api/v1/health/status. Results come from the
// prober's short-TTL cache, so the dashboard can poll without hammering
// the identity providers.
func (s *Server) healthStatus(w http.ResponseWriter, r *http.Request) {
	configs, err := s.providers.ListActiveProviders(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	snapshots := s.prober.CheckAll(r.Context(), configs)

	overall := health.StatusHealthy
	for _, snap := range snapshots {
		switch snap.Status {
		case health.StatusUnhealthy:
			overall = health.StatusUnhealthy
		case health.StatusDegraded:
			if overall == health.StatusHealthy {
				overall = health.StatusDegraded
			}
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    overall,
		"providers": snapshots,
	})
}

// listAlerts handles GET /api/v1/alerts
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.ListOpen(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// acknowledgeAlert handles POST /api/v1/alerts/{alertID}/ack
func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := httputil.ParsePathInt64OrError(w, r, "alertID")
	if !ok {
		return
	}
	var req struct {
		Operator string `json:"operator"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Operator, "operator") {
		return
	}

	if err := s.alerts.Acknowledge(r.Context(), alertID, req.Operator); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "alert acknowledged", nil)
}

// resolveAlert handles POST /api/v1/alerts/{alertID}/resolve
func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := httputil.ParsePathInt64OrError(w, r, "alertID")
	if !ok {
		return
	}
	if err := s.alerts.Resolve(r.Context(), alertID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "alert resolved", nil)
}
