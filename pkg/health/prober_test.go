package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/sso"
)

// Self-signed test certificate, valid 2026-01-28 through 2027-01-28.
const testCertificate = `-----BEGIN CERTIFICATE-----
MIIDizCCAnOgAwIBAgIUSFZKuGtORn0Swgu5dIVJBF58qREwDQYJKoZIhvcNAQEL
BQAwVTELMAkGA1UEBhMCVVMxDTALBgNVBAgMBFRlc3QxDTALBgNVBAcMBFRlc3Qx
DTALBgNVBAoMBFRlc3QxGTAXBgNVBAMMEHRlc3QuZXhhbXBsZS5jb20wHhcNMjYw
MTI4MjIxNTA0WhcNMjcwMTI4MjIxNTA0WjBVMQswCQYDVQQGEwJVUzENMAsGA1UE
CAwEVGVzdDENMAsGA1UEBwwEVGVzdDENMAsGA1UECgwEVGVzdDEZMBcGA1UEAwwQ
dGVzdC5leGFtcGxlLmNvbTCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEB
AKjnv/B2fPTslhsQHPFE/RF7ICfSq3BIVELtwfTe054cMtYpKsPGzNqFz8QJICd6
kxLnV8GQTYd3vrL0yHISEOz6Ay7vOGqe34WThS5jXjf3BhRChRoMXsgush7XkdzO
fnFzQ1dHxqxQjfJFg3hIDaAwQEGQPhuoA3YSEJG1ReeKdgGvXJJZ9Y2N//27Ayfz
K3GmuoucOpnD4Ec6hkAdbiWDHyyb3e+MF3OYaimCpRmVnYi9W2Qa/laiPFf1UuZy
ewdeChnOrLa7CiIq5Et4Q5twbohkMZL9fPr7uT/tivYjLgu6BBBh/4T/LbsWbNcF
JzAiXSljN+4FNFY4UjJOf0kCAwEAAaNTMFEwHQYDVR0OBBYEFDLaGgYYOUVWM0pM
SVORaP2OHeqTMB8GA1UdIwQYMBaAFDLaGgYYOUVWM0pMSVORaP2OHeqTMA8GA1Ud
EwEB/wQFMAMBAf8wDQYJKoZIhvcNAQELBQADggEBAEBkxZMiUIiZhEtpgAHSJRkh
WeItSXk3xN5Z1O14h+XiEQT9PGoq5uXHVe973kFij4d+O+MtqEiPzKBLg8nJnC2C
XxHRe1VCR+jyw/9MuCMC0BssR9IUHGGq29mpvm2+GYUSZzqDT0jL//z5pOMYHTKQ
5Kqo5s22TRrcuxc4EtjZZVO96SZXu7LlpOcuQ6B9j9LhX4snnIJO7QT2XpBL7BLR
3tHbxSZqROr3p80dzj8RptXCCz4Xq6ohgWSpVCL3zexKG3/BGgUY0Kqp1zrHNSZQ
PZhuWKT1ZonPT9jDjiiFGp5Be/xOxr6H8iHMlr+e8L4/jmgAsRkrly+De4x9xYc=
-----END CERTIFICATE-----`

var certMidlife = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// newOIDCServer serves discovery metadata plus stub endpoints over TLS.
func newOIDCServer(t *testing.T, failEndpoints bool) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sso.DiscoveryDocument{
			Issuer:                server.URL,
			AuthorizationEndpoint: server.URL + "/authorize",
			TokenEndpoint:         server.URL + "/token",
			JWKSURI:               server.URL + "/jwks",
			ResponseTypes:         []string{"code"},
			SigningAlgs:           []string{"RS256"},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if failEndpoints && r.URL.Path == "/token" {
			// Simulate an unreachable endpoint by hijacking and closing.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server = httptest.NewTLSServer(mux)
	t.Cleanup(server.Close)
	return server
}

func oidcConfig(issuer string) *sso.ProviderConfig {
	return &sso.ProviderConfig{
		ProviderID:     1,
		OrganizationID: 1,
		Kind:           sso.ProviderKindOIDC,
		Enabled:        true,
		OIDCConfig: &sso.OIDCConfig{
			IssuerURL: issuer,
			ClientID:  "client",
		},
	}
}

func samlConfig(ssoURL string) *sso.ProviderConfig {
	return &sso.ProviderConfig{
		ProviderID:     2,
		OrganizationID: 1,
		Kind:           sso.ProviderKindSAML,
		Enabled:        true,
		SAMLConfig: &sso.SAMLConfig{
			EntityID:    "https://idp.example.com",
			SSOURL:      ssoURL,
			Certificate: testCertificate,
		},
	}
}

func TestCheckOIDCHealthy(t *testing.T) {
	server := newOIDCServer(t, false)
	prober := NewProber(server.Client(), sso.NewDiscoveryClient(server.Client(), testLogger()), testLogger())

	snap := prober.Check(context.Background(), oidcConfig(server.URL))
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.True(t, snap.Connectivity)
	assert.Equal(t, 3, snap.EndpointsChecked)
	assert.Equal(t, 3, snap.EndpointsReachable)
	assert.Empty(t, snap.Errors)
}

func TestCheckOIDCDegraded(t *testing.T) {
	server := newOIDCServer(t, true)
	prober := NewProber(server.Client(), sso.NewDiscoveryClient(server.Client(), testLogger()), testLogger())

	snap := prober.Check(context.Background(), oidcConfig(server.URL))
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Equal(t, 2, snap.EndpointsReachable)
	assert.NotEmpty(t, snap.Errors)
}

func TestCheckOIDCUnreachable(t *testing.T) {
	server := newOIDCServer(t, false)
	config := oidcConfig(server.URL)
	server.Close()

	prober := NewProber(&http.Client{Timeout: time.Second}, sso.NewDiscoveryClient(&http.Client{Timeout: time.Second}, testLogger()), testLogger())
	snap := prober.Check(context.Background(), config)
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.False(t, snap.Connectivity)
}

func TestCheckSAMLHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewProber(server.Client(), sso.NewDiscoveryClient(nil, testLogger()), testLogger()).
		WithClock(func() time.Time { return certMidlife })

	snap := prober.Check(context.Background(), samlConfig(server.URL))
	assert.Equal(t, StatusHealthy, snap.Status)
	require.NotNil(t, snap.CertificateValid)
	assert.True(t, *snap.CertificateValid)
	require.NotNil(t, snap.CertificateExpires)
}

func TestCheckSAMLExpiredCertificate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	expired := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)
	prober := NewProber(server.Client(), sso.NewDiscoveryClient(nil, testLogger()), testLogger()).
		WithClock(func() time.Time { return expired })

	snap := prober.Check(context.Background(), samlConfig(server.URL))
	assert.Equal(t, StatusUnhealthy, snap.Status)
	require.NotNil(t, snap.CertificateValid)
	assert.False(t, *snap.CertificateValid)
}

func TestCheckCachesSnapshots(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewProber(server.Client(), sso.NewDiscoveryClient(nil, testLogger()), testLogger()).
		WithClock(func() time.Time { return certMidlife })
	config := samlConfig(server.URL)

	prober.Check(context.Background(), config)
	first := hits.Load()
	prober.Check(context.Background(), config)
	assert.Equal(t, first, hits.Load(), "second check inside TTL is served from cache")

	prober.Invalidate(config.OrganizationID, config.ProviderID)
	prober.Check(context.Background(), config)
	assert.Greater(t, hits.Load(), first, "invalidation forces a re-probe")
}

func TestCheckAllIsolatesFailures(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	good := samlConfig(healthy.URL)
	bad := oidcConfig("https://127.0.0.1:1") // nothing listens here
	bad.ProviderID = 9

	prober := NewProber(&http.Client{Timeout: time.Second}, sso.NewDiscoveryClient(&http.Client{Timeout: time.Second}, testLogger()), testLogger()).
		WithClock(func() time.Time { return certMidlife })

	snapshots := prober.CheckAll(context.Background(), []*sso.ProviderConfig{good, bad})
	require.Len(t, snapshots, 2)
	assert.Equal(t, StatusHealthy, snapshots[0].Status)
	assert.Equal(t, StatusUnhealthy, snapshots[1].Status, "one provider's failure must not abort the sweep")
}

func TestSweep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := sso.NewMemoryConfigSource(samlConfig(server.URL))
	prober := NewProber(server.Client(), sso.NewDiscoveryClient(nil, testLogger()), testLogger()).
		WithClock(func() time.Time { return certMidlife })

	snapshots, err := prober.Sweep(context.Background(), source)
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}
