package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/sso"
)

func enabledOIDCProvider() *sso.ProviderConfig {
	return &sso.ProviderConfig{
		ProviderID:     2,
		OrganizationID: 1,
		Name:           "okta-prod",
		Kind:           sso.ProviderKindOIDC,
		Enabled:        true,
		OIDCConfig: &sso.OIDCConfig{
			IssuerURL: "https://example.okta.com",
			ClientID:  "kestrel-client",
		},
	}
}

func TestAuthenticateUnknownProviderReturns404(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/1/providers/9/authenticate", AuthenticateRequest{
		IDToken: "token",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthenticateDisabledProviderReturns403(t *testing.T) {
	config := enabledOIDCProvider()
	config.Enabled = false
	ts := newTestServer(t, config)

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/1/providers/2/authenticate", AuthenticateRequest{
		IDToken: "token",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthenticateOpenBreakerReturns503(t *testing.T) {
	ts := newTestServer(t, enabledOIDCProvider())

	// Two recorded failures trip the test breaker.
	ts.engine.RecordAttemptResult(t.Context(), 1, 2, false, 50*time.Millisecond)
	ts.engine.RecordAttemptResult(t.Context(), 1, 2, false, 50*time.Millisecond)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/orgs/1/providers/2/authenticate", AuthenticateRequest{
		IDToken: "token",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["error"], "fallback authentication")

	rec, breakers := ts.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshots := breakers["breakers"].([]interface{})
	require.Len(t, snapshots, 1)
	snap := snapshots[0].(map[string]interface{})
	assert.Equal(t, "open", snap["status"])
}

func TestAuthenticateMissingPKCESessionReturns401(t *testing.T) {
	config := enabledOIDCProvider()
	config.OIDCConfig.Security = sso.OIDCSecurityPolicy{RequirePKCE: true}
	ts := newTestServer(t, config)

	// Leaving session_id out of the request must not skip PKCE.
	rec, body := ts.do(t, http.MethodPost, "/api/v1/orgs/1/providers/2/authenticate", AuthenticateRequest{
		IDToken: "token",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(sso.CodePKCEMissing), body["issue_code"])
}

func TestAuthenticateRequiresResponsePayload(t *testing.T) {
	ts := newTestServer(t, enabledOIDCProvider())
	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/1/providers/2/authenticate", AuthenticateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticateRejectsNonNumericPath(t *testing.T) {
	ts := newTestServer(t)
	req, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/acme/providers/2/authenticate", AuthenticateRequest{
		IDToken: "token",
	})
	// gorilla matches any path segment, so the handler rejects the value.
	assert.Equal(t, http.StatusBadRequest, req.Code)
}

func TestInitiateLoginUnknownProviderReturns404(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/1/providers/9/login", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
