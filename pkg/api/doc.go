// Package api provides the HTTP REST surface of the Kestrel SSO engine.
//
// # Overview
//
// The API is built on gorilla/mux and groups routes by concern:
//
//   - Authentication: login initiation and assertion/token validation
//   - Provider Management: SAML/OIDC provider configuration CRUD
//   - Group Mapping: rules translating IdP groups to roles and teams
//   - Resilience: circuit breaker inspection and fallback authentication
//   - Health: cached provider health snapshots for dashboards
//   - Alerts: operator acknowledge/resolve workflow
//   - Audit: event search and compliance export
//
// # Endpoints
//
// Authentication flow:
//
//	POST   /api/v1/orgs/{orgID}/providers/{providerID}/login        - Build IdP redirect
//	POST   /api/v1/orgs/{orgID}/providers/{providerID}/authenticate - Validate response
//
// Provider configuration:
//
//	POST   /api/v1/orgs/{orgID}/providers              - Create provider
//	GET    /api/v1/orgs/{orgID}/providers              - List providers
//	GET    /api/v1/orgs/{orgID}/providers/{providerID} - Get provider
//	PUT    /api/v1/orgs/{orgID}/providers/{providerID} - Update provider
//	DELETE /api/v1/orgs/{orgID}/providers/{providerID} - Delete provider
//
// Group mapping rules:
//
//	POST   /api/v1/orgs/{orgID}/rules                          - Create rule
//	GET    /api/v1/orgs/{orgID}/providers/{providerID}/rules   - List rules by priority
//	PUT    /api/v1/orgs/{orgID}/rules/{ruleID}                 - Update rule
//	DELETE /api/v1/orgs/{orgID}/rules/{ruleID}                 - Delete rule
//
// Resilience:
//
//	GET    /api/v1/breakers                                        - Breaker snapshots
//	POST   /api/v1/orgs/{orgID}/fallback/codes                     - Issue emergency codes
//	POST   /api/v1/orgs/{orgID}/fallback/codes/validate            - Redeem a code
//	POST   /api/v1/orgs/{orgID}/fallback/backup-password           - Set backup password
//	POST   /api/v1/orgs/{orgID}/fallback/backup-password/validate  - Validate backup password
//	POST   /api/v1/orgs/{orgID}/fallback/override                  - Admin override grant
//	GET    /api/v1/orgs/{orgID}/fallback/strategy?email=           - Available methods
//
// Health, alerts, and audit:
//
//	GET    /api/v1/health/status          - Provider health snapshots
//	GET    /api/v1/alerts                 - Open alerts
//	POST   /api/v1/alerts/{alertID}/ack   - Acknowledge alert
//	POST   /api/v1/alerts/{alertID}/resolve - Resolve alert
//	GET    /api/v1/audit/events           - Search audit events
//	GET    /api/v1/audit/export?format=   - Export (json|csv|ndjson)
//
// # Error Mapping
//
// Validator security errors surface as 401 with a stable issue_code;
// an open circuit breaker returns 503 so clients can offer fallback
// authentication; transient provider failures return 502. Fallback
// denials return 401/403 without distinguishing their cause.
//
// # Usage Example
//
//	server := api.NewServer(api.Options{
//		Engine:    eng,
//		Providers: providerStore,
//		Rules:     ruleStore,
//		Prober:    prober,
//		Alerts:    alerter,
//		Audit:     auditLogger,
//		Logger:    logger,
//	})
//	http.ListenAndServe(":8080", server)
//
// # Related Packages
//
//   - pkg/engine: authentication orchestration behind these handlers
//   - pkg/httputil: JSON request/response helpers and middleware
//   - pkg/storage/postgres: the persistent stores these interfaces bind to
package api
