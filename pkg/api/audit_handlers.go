package api

import (
	"net/http"
	"time"

	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/httputil"
)

// searchAuditEvents handles GET /api/v1/audit/events
func (s *Server) searchAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}

	events, err := s.audit.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// exportAuditEvents handles GET /api/v1/audit/export?format=json|csv|ndjson
func (s *Server) exportAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}

	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.ExportFormatJSON)))
	var contentType string
	switch format {
	case audit.ExportFormatJSON:
		contentType = "application/json"
	case audit.ExportFormatCSV:
		contentType = "text/csv"
	case audit.ExportFormatNDJSON:
		contentType = "application/x-ndjson"
	default:
		httputil.WriteBadRequest(w, "format must be json, csv, or ndjson")
		return
	}

	data, err := audit.Export(r.Context(), s.audit, filter, format)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// parseAuditFilter builds an audit filter from query parameters, writing
// the error response itself on a malformed value.
func parseAuditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	var filter audit.Filter

	if orgID, err := httputil.ParseQueryInt64(r, "org", 0); err != nil {
		httputil.WriteBadRequest(w, "org must be an integer")
		return filter, false
	} else if orgID != 0 {
		filter.OrganizationID = &orgID
	}
	if providerID, err := httputil.ParseQueryInt64(r, "provider", 0); err != nil {
		httputil.WriteBadRequest(w, "provider must be an integer")
		return filter, false
	} else if providerID != 0 {
		filter.ProviderID = &providerID
	}

	if action := httputil.ParseQueryString(r, "action", ""); action != "" {
		filter.Actions = []audit.Action{audit.Action(action)}
	}
	if severity := httputil.ParseQueryString(r, "severity", ""); severity != "" {
		sev := audit.Severity(severity)
		filter.Severity = &sev
	}
	filter.Actor = httputil.ParseQueryString(r, "actor", "")

	for _, q := range []struct {
		key  string
		dest **time.Time
	}{
		{"since", &filter.StartTime},
		{"until", &filter.EndTime},
	} {
		raw := httputil.ParseQueryString(r, q.key, "")
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteBadRequest(w, q.key+" must be an RFC 3339 timestamp")
			return filter, false
		}
		*q.dest = &ts
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, "limit must be an integer")
		return filter, false
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, "offset must be an integer")
		return filter, false
	}
	filter.Limit = limit
	filter.Offset = offset

	return filter, true
}
