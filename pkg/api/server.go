package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kestrelsec/kestrel/pkg/analytics"
	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/authz"
	"github.com/kestrelsec/kestrel/pkg/engine"
	"github.com/kestrelsec/kestrel/pkg/health"
	"github.com/kestrelsec/kestrel/pkg/httputil"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/sso"
)

// ProviderStore persists provider configurations.
type ProviderStore interface {
	CreateProvider(ctx context.Context, config *sso.ProviderConfig) error
	GetProvider(ctx context.Context, orgID, providerID int64) (*sso.ProviderConfig, error)
	ListProviders(ctx context.Context, orgID int64) ([]*sso.ProviderConfig, error)
	ListActiveProviders(ctx context.Context) ([]*sso.ProviderConfig, error)
	UpdateProvider(ctx context.Context, config *sso.ProviderConfig) error
	DeleteProvider(ctx context.Context, orgID, providerID int64) error
}

// RuleStore persists group mapping rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *authz.GroupMappingRule) error
	ListRules(ctx context.Context, orgID, providerID int64) ([]authz.GroupMappingRule, error)
	UpdateRule(ctx context.Context, rule *authz.GroupMappingRule) error
	DeleteRule(ctx context.Context, orgID, ruleID int64) error
}

// AlertService exposes the operator alert workflow.
type AlertService interface {
	ListOpen(ctx context.Context) ([]analytics.Alert, error)
	Acknowledge(ctx context.Context, alertID int64, operator string) error
	Resolve(ctx context.Context, alertID int64) error
}

// Server is the engine's HTTP surface.
type Server struct {
	router    *mux.Router
	engine    *engine.Engine
	providers ProviderStore
	rules     RuleStore
	prober    *health.Prober
	alerts    AlertService
	audit     audit.Logger
	logger    *observability.Logger
}

// Options wires a Server's collaborators. Engine and Providers are
// required; handler groups whose collaborator is nil are not routed.
type Options struct {
	Engine    *engine.Engine
	Providers ProviderStore
	Rules     RuleStore
	Prober    *health.Prober
	Alerts    AlertService
	Audit     audit.Logger
	Logger    *observability.Logger
}

// NewServer creates an API server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    opts.Engine,
		providers: opts.Providers,
		rules:     opts.Rules,
		prober:    opts.Prober,
		alerts:    opts.Alerts,
		audit:     opts.Audit,
		logger:    opts.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Authentication flow
	v1.HandleFunc("/orgs/{orgID}/providers/{providerID}/login", s.initiateLogin).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/providers/{providerID}/authenticate", s.authenticate).Methods("POST")

	// Provider configuration
	v1.HandleFunc("/orgs/{orgID}/providers", s.createProvider).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/providers", s.listProviders).Methods("GET")
	v1.HandleFunc("/orgs/{orgID}/providers/{providerID}", s.getProvider).Methods("GET")
	v1.HandleFunc("/orgs/{orgID}/providers/{providerID}", s.updateProvider).Methods("PUT")
	v1.HandleFunc("/orgs/{orgID}/providers/{providerID}", s.deleteProvider).Methods("DELETE")

	// Group mapping rules
	if s.rules != nil {
		v1.HandleFunc("/orgs/{orgID}/rules", s.createRule).Methods("POST")
		v1.HandleFunc("/orgs/{orgID}/providers/{providerID}/rules", s.listRules).Methods("GET")
		v1.HandleFunc("/orgs/{orgID}/rules/{ruleID}", s.updateRule).Methods("PUT")
		v1.HandleFunc("/orgs/{orgID}/rules/{ruleID}", s.deleteRule).Methods("DELETE")
	}

	// Resilience: breaker inspection and fallback authentication
	v1.HandleFunc("/breakers", s.listBreakers).Methods("GET")
	v1.HandleFunc("/orgs/{orgID}/fallback/codes", s.issueEmergencyCodes).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/fallback/codes/validate", s.validateEmergencyCode).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/fallback/backup-password", s.setBackupPassword).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/fallback/backup-password/validate", s.validateBackupPassword).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/fallback/override", s.adminOverride).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/fallback/strategy", s.fallbackStrategy).Methods("GET")

	// Provider health and operator alerts
	if s.prober != nil {
		v1.HandleFunc("/health/status", s.healthStatus).Methods("GET")
	}
	if s.alerts != nil {
		v1.HandleFunc("/alerts", s.listAlerts).Methods("GET")
		v1.HandleFunc("/alerts/{alertID}/ack", s.acknowledgeAlert).Methods("POST")
		v1.HandleFunc("/alerts/{alertID}/resolve", s.resolveAlert).Methods("POST")
	}

	// Audit queries
	if s.audit != nil {
		v1.HandleFunc("/audit/events", s.searchAuditEvents).Methods("GET")
		v1.HandleFunc("/audit/export", s.exportAuditEvents).Methods("GET")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// pathOrgProvider parses the {orgID} and {providerID} path variables,
// writing the error response itself on failure.
func pathOrgProvider(w http.ResponseWriter, r *http.Request) (orgID, providerID int64, ok bool) {
	orgID, ok = httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return 0, 0, false
	}
	providerID, ok = httputil.ParsePathInt64OrError(w, r, "providerID")
	if !ok {
		return 0, 0, false
	}
	return orgID, providerID, true
}

// clientIP extracts the originating client address, preferring the
// first X-Forwarded-For hop set by the ingress.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
