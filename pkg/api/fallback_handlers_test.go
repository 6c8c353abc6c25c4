package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateEmergencyCodesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/codes", IssueCodesRequest{
		CreatedBy: "admin@example.com",
		Purpose:   "idp outage drill",
		Count:     2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	codes := body["codes"].([]interface{})
	require.Len(t, codes, 2)
	assert.NotEmpty(t, body["lifetime"])

	rec, session := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/codes/validate", ValidateCodeRequest{
		Code:      codes[0].(string),
		UserEmail: "user@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "emergency_code", session["method"])
	assert.Equal(t, "user@example.com", session["user_email"])

	// Codes are single use.
	rec, _ = ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/codes/validate", ValidateCodeRequest{
		Code:      codes[0].(string),
		UserEmail: "user@example.com",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueCodesRequiresCreatedBy(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/codes", IssueCodesRequest{Count: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateCodeWrongOrg(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/codes", IssueCodesRequest{
		CreatedBy: "admin@example.com",
		Count:     1,
	})
	code := body["codes"].([]interface{})[0].(string)

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/10/fallback/codes/validate", ValidateCodeRequest{
		Code:      code,
		UserEmail: "user@example.com",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBackupPasswordEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/backup-password", BackupPasswordRequest{
		Email:    "user@example.com",
		Password: "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, session := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/backup-password/validate", BackupPasswordRequest{
		Email:    "user@example.com",
		Password: "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backup_password", session["method"])

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/backup-password/validate", BackupPasswordRequest{
		Email:    "user@example.com",
		Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/backup-password/validate", BackupPasswordRequest{
		Email:    "nobody@example.com",
		Password: "anything",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminOverrideEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, session := ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/override", AdminOverrideRequest{
		ActorEmail:         "root@example.com",
		ActorIsSystemAdmin: true,
		TargetEmail:        "user@example.com",
		Reason:             "IdP certificate expired during incident 4821",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin_override", session["method"])
	assert.Equal(t, "root@example.com", session["granted_by"])

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/override", AdminOverrideRequest{
		ActorEmail:  "helpdesk@example.com",
		TargetEmail: "user@example.com",
		Reason:      "locked out",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/override", AdminOverrideRequest{
		ActorEmail:         "root@example.com",
		ActorIsSystemAdmin: true,
		TargetEmail:        "user@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFallbackStrategyEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/api/v1/orgs/9/fallback/strategy", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.do(t, http.MethodPost, "/api/v1/orgs/9/fallback/codes", IssueCodesRequest{
		CreatedBy: "admin@example.com",
		Count:     1,
	})

	rec, body := ts.do(t, http.MethodGet, "/api/v1/orgs/9/fallback/strategy?email=user@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "emergency_code", body["recommended"])
	assert.Contains(t, body["available"], "emergency_code")
	assert.Contains(t, body["available"], "admin_override")
}

func TestListBreakersEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["breakers"])
}
