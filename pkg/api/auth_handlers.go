package api

import (
	"errors"
	"net/http"

	"github.com/kestrelsec/kestrel/pkg/engine"
	"github.com/kestrelsec/kestrel/pkg/httputil"
	"github.com/kestrelsec/kestrel/pkg/resilience"
	"github.com/kestrelsec/kestrel/pkg/sso"
)

// AuthenticateRequest carries the provider response for one attempt.
// SAMLResponse is set for SAML providers; IDToken plus the expected
// nonce (and PKCE session ID where required) for OIDC providers.
type AuthenticateRequest struct {
	SAMLResponse string `json:"saml_response,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// initiateLogin handles POST /api/v1/orgs/{orgID}/providers/{providerID}/login
func (s *Server) initiateLogin(w http.ResponseWriter, r *http.Request) {
	orgID, providerID, ok := pathOrgProvider(w, r)
	if !ok {
		return
	}

	login, err := s.engine.InitiateLogin(r.Context(), orgID, providerID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, login)
}

// authenticate handles POST /api/v1/orgs/{orgID}/providers/{providerID}/authenticate
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	orgID, providerID, ok := pathOrgProvider(w, r)
	if !ok {
		return
	}
	var req AuthenticateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.SAMLResponse == "" && req.IDToken == "" {
		httputil.WriteBadRequest(w, "one of saml_response or id_token is required")
		return
	}

	result, err := s.engine.Authenticate(r.Context(), engine.AuthRequest{
		OrganizationID: orgID,
		ProviderID:     providerID,
		SAMLResponse:   req.SAMLResponse,
		RawIDToken:     req.IDToken,
		ExpectedNonce:  req.Nonce,
		SessionID:      req.SessionID,
		SourceIP:       clientIP(r),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"identity": result.Identity,
		"decision": result.Decision,
	})
}

// writeEngineError maps engine and validator errors onto HTTP responses.
// Security denials keep their issue code; internal detail stays out of
// the body.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	if se, ok := sso.AsSecurityError(err); ok {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
			"error":      se.Message,
			"issue_code": string(se.Code),
		})
		return
	}

	switch {
	case errors.Is(err, sso.ErrProviderNotFound):
		httputil.WriteNotFoundError(w, "provider not found")
	case errors.Is(err, engine.ErrProviderDisabled):
		httputil.WriteForbidden(w, "provider is disabled")
	case errors.Is(err, resilience.ErrCircuitOpen):
		httputil.WriteServiceUnavailable(w, "provider is temporarily unavailable; fallback authentication may be available")
	case errors.Is(err, sso.ErrConfigInvalid):
		httputil.WriteError(w, http.StatusUnprocessableEntity, err)
	case sso.IsTransient(err):
		httputil.WriteError(w, http.StatusBadGateway, errors.New("identity provider did not respond"))
	default:
		httputil.WriteInternalError(w, err)
	}
}
