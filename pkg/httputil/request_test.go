package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONOrError(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"okta-prod"}`))
	rec := httptest.NewRecorder()
	require.True(t, ParseJSONOrError(rec, req, &dest))
	assert.Equal(t, "okta-prod", dest.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	rec = httptest.NewRecorder()
	require.False(t, ParseJSONOrError(rec, req, &dest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestParsePathInt64(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil),
		map[string]string{"orgID": "42"})

	val, err := ParsePathInt64(req, "orgID")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	_, err = ParsePathInt64(req, "providerID")
	assert.ErrorContains(t, err, "missing path parameter")
}

func TestParsePathInt64OrErrorWritesBadRequest(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil),
		map[string]string{"orgID": "acme"})
	rec := httptest.NewRecorder()

	_, ok := ParsePathInt64OrError(rec, req, "orgID")
	require.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePathString(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil),
		map[string]string{"format": "csv"})

	val, err := ParsePathString(req, "format")
	require.NoError(t, err)
	assert.Equal(t, "csv", val)

	_, err = ParsePathString(req, "missing")
	assert.Error(t, err)
}

func TestQueryParamDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25&org=9&enabled=true&format=csv", nil)

	limit, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, limit)

	offset, err := ParseQueryInt(req, "offset", 0)
	require.NoError(t, err)
	assert.Zero(t, offset)

	org, err := ParseQueryInt64(req, "org", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), org)

	enabled, err := ParseQueryBool(req, "enabled", false)
	require.NoError(t, err)
	assert.True(t, enabled)

	assert.Equal(t, "csv", ParseQueryString(req, "format", "json"))
	assert.Equal(t, "json", ParseQueryString(req, "absent", "json"))
}

func TestQueryParamErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=many&enabled=perhaps", nil)

	_, err := ParseQueryInt(req, "limit", 50)
	assert.ErrorContains(t, err, "invalid integer")

	_, err = ParseQueryBool(req, "enabled", false)
	assert.ErrorContains(t, err, "invalid boolean")
}

func TestRequireHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(rec, "value", "name"))

	rec = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(rec, "", "name"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name is required")

	rec = httptest.NewRecorder()
	assert.False(t, RequirePositive(rec, 0, "count"))
	assert.Contains(t, rec.Body.String(), "count must be positive")
}

func TestValidateAllStopsAtFirstFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	var secondRan bool

	ok := ValidateAll(rec,
		func() (bool, string) { return false, "first failed" },
		func() (bool, string) { secondRan = true; return true, "" },
	)
	require.False(t, ok)
	assert.False(t, secondRan)
	assert.Contains(t, rec.Body.String(), "first failed")
}
