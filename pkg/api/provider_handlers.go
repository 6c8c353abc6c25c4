package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/httputil"
	"github.com/kestrelsec/kestrel/pkg/sso"
)

// providerRequest is a provider config plus an optional attribute
// mapping preset name ("okta", "azuread", "google").
type providerRequest struct {
	sso.ProviderConfig
	Preset sso.PresetName `json:"preset,omitempty"`
}

// createProvider handles POST /api/v1/orgs/{orgID}/providers
func (s *Server) createProvider(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var req providerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	config := req.ProviderConfig
	config.OrganizationID = orgID
	if msg := applyPreset(&config, req.Preset); msg != "" {
		httputil.WriteValidationError(w, msg)
		return
	}
	if msg := validateProviderConfig(&config); msg != "" {
		httputil.WriteValidationError(w, msg)
		return
	}

	if err := s.providers.CreateProvider(r.Context(), &config); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	s.recordConfigChange(r, orgID, config.ProviderID, "provider created", config.Name)
	httputil.WriteCreated(w, &config)
}

// listProviders handles GET /api/v1/orgs/{orgID}/providers
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	configs, err := s.providers.ListProviders(r.Context(), orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"providers": configs})
}

// getProvider handles GET /api/v1/orgs/{orgID}/providers/{providerID}
func (s *Server) getProvider(w http.ResponseWriter, r *http.Request) {
	orgID, providerID, ok := pathOrgProvider(w, r)
	if !ok {
		return
	}
	config, err := s.providers.GetProvider(r.Context(), orgID, providerID)
	if errors.Is(err, sso.ErrProviderNotFound) {
		httputil.WriteNotFoundError(w, "provider not found")
		return
	} else if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, config)
}

// updateProvider handles PUT /api/v1/orgs/{orgID}/providers/{providerID}.
// A successful update invalidates the cached health snapshot so the next
// probe sees the new configuration.
func (s *Server) updateProvider(w http.ResponseWriter, r *http.Request) {
	orgID, providerID, ok := pathOrgProvider(w, r)
	if !ok {
		return
	}
	var req providerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	config := req.ProviderConfig
	config.OrganizationID = orgID
	config.ProviderID = providerID
	if msg := applyPreset(&config, req.Preset); msg != "" {
		httputil.WriteValidationError(w, msg)
		return
	}
	if msg := validateProviderConfig(&config); msg != "" {
		httputil.WriteValidationError(w, msg)
		return
	}

	if err := s.providers.UpdateProvider(r.Context(), &config); err != nil {
		if errors.Is(err, sso.ErrProviderNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if s.prober != nil {
		s.prober.Invalidate(orgID, providerID)
	}
	s.recordConfigChange(r, orgID, providerID, "provider updated", config.Name)
	httputil.WriteJSON(w, http.StatusOK, &config)
}

// deleteProvider handles DELETE /api/v1/orgs/{orgID}/providers/{providerID}
func (s *Server) deleteProvider(w http.ResponseWriter, r *http.Request) {
	orgID, providerID, ok := pathOrgProvider(w, r)
	if !ok {
		return
	}
	if err := s.providers.DeleteProvider(r.Context(), orgID, providerID); err != nil {
		if errors.Is(err, sso.ErrProviderNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if s.prober != nil {
		s.prober.Invalidate(orgID, providerID)
	}
	s.recordConfigChange(r, orgID, providerID, "provider deleted", "")
	httputil.WriteNoContent(w)
}

// applyPreset fills an empty attribute mapping from a named preset.
// An explicit mapping in the request always wins.
func applyPreset(config *sso.ProviderConfig, preset sso.PresetName) string {
	if preset == "" {
		return ""
	}
	m, ok := sso.PresetAttributeMap(preset)
	if !ok {
		return fmt.Sprintf("unknown preset %q; known presets: %v", preset, sso.Presets())
	}
	if config.AttributeMapping == (sso.AttributeMap{}) {
		config.AttributeMapping = m
	}
	return ""
}

// validateProviderConfig returns a client-facing message for a config
// that cannot be stored, or "" when it is acceptable.
func validateProviderConfig(config *sso.ProviderConfig) string {
	if config.Name == "" {
		return "name is required"
	}
	switch config.Kind {
	case sso.ProviderKindSAML:
		if config.SAMLConfig == nil {
			return "saml_config is required for a saml provider"
		}
		if config.SAMLConfig.Certificate == "" {
			return "saml_config.certificate is required"
		}
	case sso.ProviderKindOIDC:
		if config.OIDCConfig == nil {
			return "oidc_config is required for an oidc provider"
		}
		if config.OIDCConfig.IssuerURL == "" || config.OIDCConfig.ClientID == "" {
			return "oidc_config.issuer_url and oidc_config.client_id are required"
		}
	default:
		return "kind must be saml or oidc"
	}
	return ""
}

// recordConfigChange appends a config.update audit event. Best-effort;
// an audit failure never fails the request.
func (s *Server) recordConfigChange(r *http.Request, orgID, providerID int64, message, name string) {
	if s.audit == nil {
		return
	}
	event := &audit.Event{
		Action:         audit.ActionConfigUpdate,
		Severity:       audit.SeverityInfo,
		Category:       audit.CategoryConfiguration,
		Actor:          "system",
		OrganizationID: orgID,
		ProviderID:     &providerID,
		Message:        message,
		IPAddress:      clientIP(r),
	}
	if name != "" {
		event.Detail = map[string]interface{}{"name": name}
	}
	if err := s.audit.Record(r.Context(), event); err != nil && s.logger != nil {
		s.logger.WithError(err).Error("failed to record config audit event")
	}
}
