package api

import (
	"errors"
	"net/http"

	"github.com/kestrelsec/kestrel/pkg/httputil"
	"github.com/kestrelsec/kestrel/pkg/resilience"
)

// IssueCodesRequest asks for a batch of one-time emergency codes.
type IssueCodesRequest struct {
	CreatedBy string `json:"created_by"`
	Purpose   string `json:"purpose,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// ValidateCodeRequest presents an emergency code for a user.
type ValidateCodeRequest struct {
	Code      string `json:"code"`
	UserEmail string `json:"user_email"`
}

// BackupPasswordRequest sets or validates a user's backup password.
type BackupPasswordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AdminOverrideRequest grants emergency access on admin authority.
type AdminOverrideRequest struct {
	ActorEmail         string `json:"actor_email"`
	ActorIsSystemAdmin bool   `json:"actor_is_system_admin"`
	TargetEmail        string `json:"target_email"`
	Reason             string `json:"reason"`
}

// listBreakers handles GET /api/v1/breakers
func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.engine.BreakerSnapshots(),
	})
}

// issueEmergencyCodes handles POST /api/v1/orgs/{orgID}/fallback/codes
func (s *Server) issueEmergencyCodes(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req IssueCodesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.CreatedBy, "created_by") {
		return
	}

	codes, err := s.engine.IssueEmergencyCodes(r.Context(), orgID, req.CreatedBy, req.Purpose, req.Count)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	// The plaintext codes exist only in this response.
	httputil.WriteCreated(w, map[string]interface{}{
		"codes":    codes,
		"lifetime": resilience.EmergencyCodeLifetime.String(),
	})
}

// validateEmergencyCode handles POST /api/v1/orgs/{orgID}/fallback/codes/validate
func (s *Server) validateEmergencyCode(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req ValidateCodeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") || !httputil.RequireNonEmpty(w, req.UserEmail, "user_email") {
		return
	}

	session, err := s.engine.ValidateEmergencyCode(r.Context(), orgID, req.Code, req.UserEmail, clientIP(r))
	if err != nil {
		s.writeFallbackError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// setBackupPassword handles POST /api/v1/orgs/{orgID}/fallback/backup-password
func (s *Server) setBackupPassword(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req BackupPasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	if err := s.engine.SetBackupPassword(r.Context(), orgID, req.Email, req.Password); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "backup password configured", nil)
}

// validateBackupPassword handles POST /api/v1/orgs/{orgID}/fallback/backup-password/validate
func (s *Server) validateBackupPassword(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req BackupPasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, err := s.engine.ValidateBackupPassword(r.Context(), orgID, req.Email, req.Password)
	if err != nil {
		s.writeFallbackError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// adminOverride handles POST /api/v1/orgs/{orgID}/fallback/override
func (s *Server) adminOverride(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req AdminOverrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, err := s.engine.AdminOverride(r.Context(), orgID, req.ActorEmail, req.ActorIsSystemAdmin, req.TargetEmail, req.Reason)
	if err != nil {
		s.writeFallbackError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// fallbackStrategy handles GET /api/v1/orgs/{orgID}/fallback/strategy?email=
func (s *Server) fallbackStrategy(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	email := httputil.ParseQueryString(r, "email", "")
	if email == "" {
		httputil.WriteBadRequest(w, "email query parameter is required")
		return
	}

	rec, err := s.engine.SelectFallbackStrategy(r.Context(), orgID, email)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// writeFallbackError maps fallback denials onto HTTP responses. Denials
// never distinguish their cause beyond the sentinel's message.
func (s *Server) writeFallbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resilience.ErrInvalidCode),
		errors.Is(err, resilience.ErrInvalidPassword),
		errors.Is(err, resilience.ErrNoBackupPassword):
		httputil.WriteUnauthorized(w, err.Error())
	case errors.Is(err, resilience.ErrNotAuthorized):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, resilience.ErrReasonRequired):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
