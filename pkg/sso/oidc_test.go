package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

// testIdP is a minimal OIDC provider serving discovery metadata and a
// JWKS over TLS, with a signing key for minting id tokens.
type testIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &testIdP{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DiscoveryDocument{
			Issuer:                idp.server.URL,
			AuthorizationEndpoint: idp.server.URL + "/authorize",
			TokenEndpoint:         idp.server.URL + "/token",
			JWKSURI:               idp.server.URL + "/jwks",
			ResponseTypes:         []string{"code"},
			SigningAlgs:           []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})

	idp.server = httptest.NewTLSServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

// mint signs an id token, applying mutations to the default claims.
func (idp *testIdP) mint(t *testing.T, now time.Time, mutate func(jwt.MapClaims)) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss":    idp.server.URL,
		"aud":    "test-client",
		"sub":    "user-42",
		"exp":    now.Add(10 * time.Minute).Unix(),
		"iat":    now.Unix(),
		"nonce":  "nonce-abc",
		"email":  "user@example.com",
		"name":   "Test User",
		"groups": []string{"engineering", "oncall"},
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(idp.key)
	require.NoError(t, err)
	return signed
}

func (idp *testIdP) validator(t *testing.T, now time.Time) *OIDCValidator {
	t.Helper()

	config := &ProviderConfig{
		ProviderID:     2,
		OrganizationID: 1,
		Name:           "test-oidc",
		Kind:           ProviderKindOIDC,
		Enabled:        true,
		OIDCConfig: &OIDCConfig{
			IssuerURL:   idp.server.URL,
			ClientID:    "test-client",
			RedirectURL: "https://sp.example.com/callback",
			Security:    OIDCSecurityPolicy{RequireNonce: true, RequirePKCE: true},
		},
	}

	discovery := NewDiscoveryClient(idp.server.Client(), testLogger())
	v, err := NewOIDCValidator(config, discovery, NewJWKSCache(), NewMemoryNonceStore(0, 0), nil, testLogger())
	require.NoError(t, err)
	return v.WithClock(func() time.Time { return now })
}

// idpContext routes go-oidc's JWKS fetches through the test server's TLS
// client.
func idpContext(idp *testIdP) context.Context {
	return oidc.ClientContext(context.Background(), idp.server.Client())
}

func TestValidateTokenHappyPath(t *testing.T) {
	idp := newTestIdP(t)
	now := time.Now()
	v := idp.validator(t, now)

	raw := idp.mint(t, now, nil)
	identity, err := v.ValidateToken(idpContext(idp), raw, "nonce-abc")
	require.NoError(t, err)

	assert.Equal(t, "user-42", identity.Subject)
	assert.Equal(t, "user@example.com", identity.Email)
	assert.Equal(t, "user@example.com", identity.Username, "username falls back to email")
	assert.Equal(t, "Test User", identity.FullName)
	assert.ElementsMatch(t, []string{"engineering", "oncall"}, identity.Groups)
	assert.Equal(t, int64(2), identity.ProviderID)
}

func TestValidateTokenFailures(t *testing.T) {
	idp := newTestIdP(t)
	now := time.Now()

	tests := []struct {
		name          string
		token         func() string
		expectedNonce string
		expectedCode  IssueCode
	}{
		{
			name: "tampered payload",
			token: func() string {
				raw := idp.mint(t, now, nil)
				parts := strings.Split(raw, ".")
				payload := []byte(`{"iss":"` + idp.server.URL + `","aud":"test-client","sub":"admin","exp":` +
					big.NewInt(now.Add(10*time.Minute).Unix()).String() + `}`)
				parts[1] = base64.RawURLEncoding.EncodeToString(payload)
				return strings.Join(parts, ".")
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeSignatureInvalid,
		},
		{
			name: "symmetric algorithm",
			token: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-42"})
				token.Header["kid"] = testKeyID
				signed, err := token.SignedString([]byte("secret"))
				require.NoError(t, err)
				return signed
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeAlgorithmNotAllowed,
		},
		{
			name: "missing kid",
			token: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-42"})
				signed, err := token.SignedString(idp.key)
				require.NoError(t, err)
				return signed
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeMissingKeyID,
		},
		{
			name:          "not a jwt",
			token:         func() string { return "definitely-not-a-jwt" },
			expectedNonce: "nonce-abc",
			expectedCode:  CodeTokenMalformed,
		},
		{
			name: "expired",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					c["iat"] = now.Add(-30 * time.Minute).Unix()
					c["exp"] = now.Add(-5 * time.Minute).Unix()
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeTokenExpired,
		},
		{
			name: "issued too long ago",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					c["iat"] = now.Add(-2 * time.Hour).Unix()
					c["exp"] = now.Add(10 * time.Minute).Unix()
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeTokenTooOld,
		},
		{
			name: "issued in the future",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					c["iat"] = now.Add(10 * time.Minute).Unix()
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeIssuedInFuture,
		},
		{
			name: "not yet valid",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					c["nbf"] = now.Add(10 * time.Minute).Unix()
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeTokenNotYetValid,
		},
		{
			name: "wrong audience",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					c["aud"] = "other-client"
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeAudienceMismatch,
		},
		{
			name: "missing subject",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					delete(c, "sub")
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeMissingSubject,
		},
		{
			name:          "nonce mismatch",
			token:         func() string { return idp.mint(t, now, nil) },
			expectedNonce: "different-nonce",
			expectedCode:  CodeNonceMismatch,
		},
		{
			name: "nonce missing from token",
			token: func() string {
				return idp.mint(t, now, func(c jwt.MapClaims) {
					delete(c, "nonce")
				})
			},
			expectedNonce: "nonce-abc",
			expectedCode:  CodeNonceMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := idp.validator(t, now)
			_, err := v.ValidateToken(idpContext(idp), tt.token(), tt.expectedNonce)
			se, ok := AsSecurityError(err)
			require.True(t, ok, "expected a security error, got %v", err)
			assert.Equal(t, tt.expectedCode, se.Code)
		})
	}
}

func TestValidateTokenNonceReplay(t *testing.T) {
	idp := newTestIdP(t)
	now := time.Now()
	v := idp.validator(t, now)

	raw := idp.mint(t, now, nil)

	_, err := v.ValidateToken(idpContext(idp), raw, "nonce-abc")
	require.NoError(t, err)

	_, err = v.ValidateToken(idpContext(idp), raw, "nonce-abc")
	se, ok := AsSecurityError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNonceReplayed, se.Code)
	assert.Equal(t, SeverityCritical, se.Severity)
}

func TestValidateTokenLenientNoncePolicy(t *testing.T) {
	idp := newTestIdP(t)
	now := time.Now()
	v := idp.validator(t, now)
	v.config.OIDCConfig.Security.RequireNonce = false

	raw := idp.mint(t, now, func(c jwt.MapClaims) {
		delete(c, "nonce")
	})

	_, err := v.ValidateToken(idpContext(idp), raw, "")
	assert.NoError(t, err, "lenient policy accepts tokens without a nonce")
}

func TestNewOIDCValidatorConfig(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*ProviderConfig)
		expectError bool
	}{
		{
			name:   "valid config",
			mutate: func(*ProviderConfig) {},
		},
		{
			name:        "missing oidc config",
			mutate:      func(c *ProviderConfig) { c.OIDCConfig = nil },
			expectError: true,
		},
		{
			name:        "missing issuer",
			mutate:      func(c *ProviderConfig) { c.OIDCConfig.IssuerURL = "" },
			expectError: true,
		},
		{
			name:        "missing client id",
			mutate:      func(c *ProviderConfig) { c.OIDCConfig.ClientID = "" },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &ProviderConfig{
				Kind: ProviderKindOIDC,
				OIDCConfig: &OIDCConfig{
					IssuerURL: "https://idp.example.com",
					ClientID:  "client",
				},
			}
			tt.mutate(config)

			_, err := NewOIDCValidator(config, nil, nil, nil, nil, testLogger())
			if tt.expectError {
				assert.ErrorIs(t, err, ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
