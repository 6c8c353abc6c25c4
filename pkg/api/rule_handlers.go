package api

import (
	"errors"
	"net/http"

	"github.com/kestrelsec/kestrel/pkg/authz"
	"github.com/kestrelsec/kestrel/pkg/httputil"
	"github.com/kestrelsec/kestrel/pkg/storage/postgres"
)

// createRule handles POST /api/v1/orgs/{orgID}/rules
func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	var rule authz.GroupMappingRule
	if !httputil.ParseJSONOrError(w, r, &rule) {
		return
	}
	rule.OrganizationID = orgID
	if rule.SourceGroup == "" {
		httputil.WriteValidationError(w, "source_group is required")
		return
	}
	if !rule.Role.Valid() {
		httputil.WriteValidationError(w, "role must be owner, admin, or member")
		return
	}

	if err := s.rules.CreateRule(r.Context(), &rule); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, &rule)
}

// listRules handles GET /api/v1/orgs/{orgID}/providers/{providerID}/rules
func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	orgID, providerID, ok := pathOrgProvider(w, r)
	if !ok {
		return
	}
	rules, err := s.rules.ListRules(r.Context(), orgID, providerID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// updateRule handles PUT /api/v1/orgs/{orgID}/rules/{ruleID}
func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	ruleID, ok := httputil.ParsePathInt64OrError(w, r, "ruleID")
	if !ok {
		return
	}
	var rule authz.GroupMappingRule
	if !httputil.ParseJSONOrError(w, r, &rule) {
		return
	}
	rule.OrganizationID = orgID
	rule.RuleID = ruleID

	if err := s.rules.UpdateRule(r.Context(), &rule); err != nil {
		if errors.Is(err, postgres.ErrRuleNotFound) {
			httputil.WriteNotFoundError(w, "rule not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &rule)
}

// deleteRule handles DELETE /api/v1/orgs/{orgID}/rules/{ruleID}
func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	ruleID, ok := httputil.ParsePathInt64OrError(w, r, "ruleID")
	if !ok {
		return
	}
	if err := s.rules.DeleteRule(r.Context(), orgID, ruleID); err != nil {
		if errors.Is(err, postgres.ErrRuleNotFound) {
			httputil.WriteNotFoundError(w, "rule not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
