package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// LoginRequest is the engine's answer to a login initiation: the URL the
// user agent must be redirected to, plus the per-flow secrets the caller
// has to hold until the callback arrives.
type LoginRequest struct {
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
	Nonce       string `json:"nonce,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// NewState generates a random opaque state value for CSRF binding.
func NewState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// InitiateLogin builds the IdP redirect for a SAML provider.
func (v *SAMLValidator) InitiateLogin() (*LoginRequest, error) {
	state, err := NewState()
	if err != nil {
		return nil, err
	}
	authURL, err := v.sp.BuildAuthURL(state)
	if err != nil {
		return nil, fmt.Errorf("failed to build SAML auth URL: %w", err)
	}
	return &LoginRequest{RedirectURL: authURL, State: state}, nil
}

// InitiateLogin builds the authorization code redirect for an OIDC
// provider. When the provider's policy requires PKCE the verifier is
// stored under a fresh session ID and only the S256 challenge leaves the
// engine.
func (v *OIDCValidator) InitiateLogin(ctx context.Context, pkceStore PKCEStore) (*LoginRequest, error) {
	doc, err := v.discovery.Discover(ctx, v.config.OIDCConfig.IssuerURL)
	if err != nil {
		return nil, err
	}

	state, err := NewState()
	if err != nil {
		return nil, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	cfg := v.config.OIDCConfig
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", nonce),
	}

	req := &LoginRequest{State: state, Nonce: nonce}

	if cfg.Security.RequirePKCE {
		if pkceStore == nil {
			return nil, fmt.Errorf("%w: PKCE is required but no verifier store is configured", ErrConfigInvalid)
		}
		sessionID, err := NewState()
		if err != nil {
			return nil, err
		}
		verifier, challenge := GeneratePKCE()
		if err := pkceStore.Put(ctx, sessionID, verifier); err != nil {
			return nil, &TransientError{Op: "PKCE store", Err: err}
		}
		req.SessionID = sessionID
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge.Challenge),
			oauth2.SetAuthURLParam("code_challenge_method", challenge.Method),
		)
	}

	req.RedirectURL = oauth2Config.AuthCodeURL(state, opts...)
	return req, nil
}

// TakeVerifier retrieves the single-use PKCE verifier for a completing
// flow. A missing verifier fails closed under a RequirePKCE policy.
func (v *OIDCValidator) TakeVerifier(ctx context.Context, pkceStore PKCEStore, sessionID string) (string, error) {
	if !v.config.OIDCConfig.Security.RequirePKCE {
		return "", nil
	}
	if pkceStore == nil || sessionID == "" {
		return "", NewSecurityError(CodePKCEMissing, "PKCE verifier is required but missing")
	}
	verifier, ok, err := pkceStore.Take(ctx, sessionID)
	if err != nil {
		return "", &TransientError{Op: "PKCE store", Err: err}
	}
	if !ok {
		return "", NewSecurityError(CodePKCEMissing, "no live PKCE verifier for this login")
	}
	return verifier, nil
}
