package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/authz"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/resilience"
	"github.com/kestrelsec/kestrel/pkg/sso"
)

// ErrProviderDisabled is returned when authentication is attempted
// against a provider an administrator has disabled.
var ErrProviderDisabled = errors.New("provider is disabled")

// RuleSource supplies the group mapping rules for one provider, ordered
// by descending priority.
type RuleSource interface {
	ListRules(ctx context.Context, orgID, providerID int64) ([]authz.GroupMappingRule, error)
}

// StaticRules is a fixed rule set serving as a RuleSource, for tests and
// single-tenant deployments.
type StaticRules []authz.GroupMappingRule

// ListRules returns the fixed rule set regardless of provider.
func (r StaticRules) ListRules(context.Context, int64, int64) ([]authz.GroupMappingRule, error) {
	return r, nil
}

// Options wires an Engine's collaborators. Providers, Rules and Breakers
// are required; the rest default to in-process implementations.
type Options struct {
	Providers sso.ConfigSource
	Rules     RuleSource
	Breakers  *resilience.BreakerManager
	Fallback  *resilience.FallbackAuthenticator
	Audit     audit.Logger
	Metrics   *observability.Metrics
	Logger    *observability.Logger

	// OIDC collaborators. Discovery and JWKS are shared across providers;
	// Nonces must be shared across engine instances when running more
	// than one.
	Discovery *sso.DiscoveryClient
	JWKS      *sso.JWKSCache
	Nonces    sso.NonceStore
	PKCE      sso.PKCEStore
	Limiter   *sso.SubjectRateLimiter
}

// Engine coordinates one authentication attempt end to end: breaker
// admission, protocol validation, authorization resolution, and the
// audit and metrics trail. It holds no per-attempt state and is safe
// for concurrent use.
type Engine struct {
	providers sso.ConfigSource
	rules     RuleSource
	breakers  *resilience.BreakerManager
	fallback  *resilience.FallbackAuthenticator
	audit     audit.Logger
	metrics   *observability.Metrics
	logger    *observability.Logger

	discovery *sso.DiscoveryClient
	jwks      *sso.JWKSCache
	nonces    sso.NonceStore
	pkce      sso.PKCEStore
	limiter   *sso.SubjectRateLimiter

	now func() time.Time
}

// New creates an engine from the given options.
func New(opts Options) *Engine {
	if opts.Audit == nil {
		opts.Audit = audit.NewMemoryLogger()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if opts.Discovery == nil {
		opts.Discovery = sso.NewDiscoveryClient(nil, opts.Logger)
	}
	if opts.JWKS == nil {
		opts.JWKS = sso.NewJWKSCache()
	}
	if opts.Nonces == nil {
		opts.Nonces = sso.NewMemoryNonceStore(0, 0)
	}
	if opts.PKCE == nil {
		opts.PKCE = sso.NewMemoryPKCEStore(sso.PKCEVerifierTTL)
	}

	return &Engine{
		providers: opts.Providers,
		rules:     opts.Rules,
		breakers:  opts.Breakers,
		fallback:  opts.Fallback,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		discovery: opts.Discovery,
		jwks:      opts.JWKS,
		nonces:    opts.Nonces,
		pkce:      opts.PKCE,
		limiter:   opts.Limiter,
		now:       time.Now,
	}
}

// WithClock overrides the engine's clock for tests. Validators built per
// attempt inherit it.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AuthRequest is one authentication attempt. SAMLResponse is set for
// SAML providers; RawIDToken, ExpectedNonce and SessionID for OIDC
// providers. SessionID is the login session issued by InitiateLogin and
// is mandatory when the provider's policy requires PKCE.
type AuthRequest struct {
	OrganizationID int64
	ProviderID     int64

	SAMLResponse  string
	RawIDToken    string
	ExpectedNonce string
	SessionID     string

	SourceIP string
}

// AuthResult is a successful attempt: the validated identity plus the
// resolved authorization decision.
type AuthResult struct {
	Identity *sso.ValidatedIdentity `json:"identity"`
	Decision authz.Decision         `json:"decision"`
	Provider *sso.ProviderConfig    `json:"-"`
	Latency  time.Duration          `json:"-"`
}

// Authenticate runs one attempt end to end. Every outcome leaves exactly
// one audit event: auth.login on success, auth.denied on a security
// failure or breaker rejection, auth.error on a transient or internal
// failure. Only transient provider failures count against the breaker.
func (e *Engine) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	config, err := e.providers.GetProvider(ctx, req.OrganizationID, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, ErrProviderDisabled
	}
	kind := string(config.Kind)

	allow, snap := e.breakers.Check(req.OrganizationID, req.ProviderID)
	e.setBreakerGauge(snap)
	if !allow {
		e.rejectOpenCircuit(ctx, config, req, snap)
		return nil, resilience.ErrCircuitOpen
	}

	start := e.now()
	identity, err := e.validate(ctx, config, req)
	latency := e.now().Sub(start)

	if err != nil {
		if se, ok := sso.AsSecurityError(err); ok {
			// A denial says nothing about provider health, so it must not
			// close the breaker. Return the probe slot instead so the next
			// attempt can still probe a recovering provider.
			e.breakers.Release(req.OrganizationID, req.ProviderID)
			e.denyAttempt(ctx, config, req, se, latency)
			return nil, err
		}
		transient := sso.IsTransient(err)
		if transient {
			e.recordBreakerResult(ctx, req.OrganizationID, req.ProviderID, false, latency)
		} else {
			e.breakers.Release(req.OrganizationID, req.ProviderID)
		}
		e.failAttempt(ctx, config, req, err, latency, transient)
		return nil, err
	}

	e.recordBreakerResult(ctx, req.OrganizationID, req.ProviderID, true, latency)

	rules, err := e.rules.ListRules(ctx, req.OrganizationID, req.ProviderID)
	if err != nil {
		err = fmt.Errorf("failed to load group mapping rules: %w", err)
		e.failAttempt(ctx, config, req, err, latency, false)
		return nil, err
	}
	decision := authz.Resolve(identity, rules)

	if e.metrics != nil {
		e.metrics.AuthAttemptsTotal.WithLabelValues(kind, "success").Inc()
		e.metrics.AuthDuration.WithLabelValues(kind).Observe(latency.Seconds())
		e.metrics.ProvisioningTotal.WithLabelValues(string(decision.Role), "resolved").Inc()
	}

	e.record(ctx, &audit.Event{
		Action:         audit.ActionLogin,
		Severity:       audit.SeverityInfo,
		Category:       audit.CategoryAuthentication,
		Actor:          actorFor(identity),
		OrganizationID: req.OrganizationID,
		ProviderID:     &config.ProviderID,
		Message:        fmt.Sprintf("authenticated via %s provider %q", kind, config.Name),
		Detail: map[string]interface{}{
			"role":          string(decision.Role),
			"teams":         len(decision.Teams),
			"matched_rules": decision.MatchedRules,
		},
		IPAddress: req.SourceIP,
		LatencyMS: latency.Milliseconds(),
	})

	observability.UpdateLoggerWithTraceContext(ctx, e.logger).WithFields(map[string]interface{}{
		"org_id":      req.OrganizationID,
		"provider_id": req.ProviderID,
		"subject":     identity.Subject,
		"role":        string(decision.Role),
	}).Info("authentication succeeded")

	return &AuthResult{
		Identity: identity,
		Decision: decision,
		Provider: config,
		Latency:  latency,
	}, nil
}

// InitiateLogin builds the IdP redirect for a login against the provider,
// including state, nonce, and a stored PKCE verifier where the provider's
// policy requires one.
func (e *Engine) InitiateLogin(ctx context.Context, orgID, providerID int64) (*sso.LoginRequest, error) {
	config, err := e.providers.GetProvider(ctx, orgID, providerID)
	if err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, ErrProviderDisabled
	}

	switch config.Kind {
	case sso.ProviderKindSAML:
		v, err := sso.NewSAMLValidator(config, e.limiter, e.logger)
		if err != nil {
			return nil, err
		}
		return v.InitiateLogin()
	case sso.ProviderKindOIDC:
		v, err := sso.NewOIDCValidator(config, e.discovery, e.jwks, e.nonces, e.limiter, e.logger)
		if err != nil {
			return nil, err
		}
		return v.InitiateLogin(ctx, e.pkce)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", sso.ErrConfigInvalid, config.Kind)
	}
}

// ResolveAuthorization maps a validated identity onto an organization
// role and team set under the given rules.
func (e *Engine) ResolveAuthorization(identity *sso.ValidatedIdentity, rules []authz.GroupMappingRule) authz.Decision {
	return authz.Resolve(identity, rules)
}

// CheckCircuitBreaker reports whether attempts against the provider may
// proceed, with the breaker's current snapshot.
func (e *Engine) CheckCircuitBreaker(orgID, providerID int64) (bool, resilience.Snapshot) {
	allow, snap := e.breakers.Check(orgID, providerID)
	e.setBreakerGauge(snap)
	return allow, snap
}

// RecordAttemptResult feeds an externally observed attempt result into
// the provider's breaker, recording any transition it causes.
func (e *Engine) RecordAttemptResult(ctx context.Context, orgID, providerID int64, success bool, latency time.Duration) {
	e.recordBreakerResult(ctx, orgID, providerID, success, latency)
}

// BreakerSnapshots copies the state of every breaker the engine has
// touched, for persistence sweeps and status endpoints.
func (e *Engine) BreakerSnapshots() []resilience.Snapshot {
	return e.breakers.Snapshots()
}

// validate dispatches to the protocol validator for the provider's kind.
// Validators are built per attempt so configuration updates take effect
// immediately.
func (e *Engine) validate(ctx context.Context, config *sso.ProviderConfig, req AuthRequest) (*sso.ValidatedIdentity, error) {
	switch config.Kind {
	case sso.ProviderKindSAML:
		v, err := sso.NewSAMLValidator(config, e.limiter, e.logger)
		if err != nil {
			return nil, err
		}
		return v.WithClock(e.now).ValidateAssertion(ctx, req.SAMLResponse)

	case sso.ProviderKindOIDC:
		v, err := sso.NewOIDCValidator(config, e.discovery, e.jwks, e.nonces, e.limiter, e.logger)
		if err != nil {
			return nil, err
		}
		// Redeem the PKCE verifier before touching the token. For providers
		// whose policy requires PKCE this fails closed when the client
		// supplies no session or the session has no live verifier.
		if _, err := v.TakeVerifier(ctx, e.pkce, req.SessionID); err != nil {
			return nil, err
		}
		return v.WithClock(e.now).ValidateToken(ctx, req.RawIDToken, req.ExpectedNonce)

	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", sso.ErrConfigInvalid, config.Kind)
	}
}

// rejectOpenCircuit records the audit and metrics trail for an attempt
// turned away by an open breaker.
func (e *Engine) rejectOpenCircuit(ctx context.Context, config *sso.ProviderConfig, req AuthRequest, snap resilience.Snapshot) {
	if e.metrics != nil {
		e.metrics.BreakerRejectionsTotal.WithLabelValues(
			strconv.FormatInt(req.OrganizationID, 10),
			strconv.FormatInt(req.ProviderID, 10),
		).Inc()
		e.metrics.AuthAttemptsTotal.WithLabelValues(string(config.Kind), "rejected").Inc()
	}

	e.record(ctx, &audit.Event{
		Action:         audit.ActionDenied,
		Severity:       audit.SeverityWarning,
		Category:       audit.CategoryAuthentication,
		Actor:          "system",
		OrganizationID: req.OrganizationID,
		ProviderID:     &config.ProviderID,
		Message:        fmt.Sprintf("attempt rejected: circuit open for provider %q", config.Name),
		Detail: map[string]interface{}{
			"failures":      snap.Failures,
			"next_retry_at": snap.NextRetryAt,
		},
		IPAddress: req.SourceIP,
	})
}

// denyAttempt records a security denial.
func (e *Engine) denyAttempt(ctx context.Context, config *sso.ProviderConfig, req AuthRequest, se *sso.SecurityError, latency time.Duration) {
	kind := string(config.Kind)
	if e.metrics != nil {
		e.metrics.AuthAttemptsTotal.WithLabelValues(kind, "denied").Inc()
		e.metrics.AuthDenialsTotal.WithLabelValues(kind, string(se.Code)).Inc()
	}

	e.record(ctx, &audit.Event{
		Action:         audit.ActionDenied,
		Severity:       auditSeverity(se.Severity),
		Category:       audit.CategorySecurity,
		Actor:          "system",
		OrganizationID: req.OrganizationID,
		ProviderID:     &config.ProviderID,
		IssueCode:      string(se.Code),
		Message:        se.Message,
		IPAddress:      req.SourceIP,
		LatencyMS:      latency.Milliseconds(),
	})

	e.logger.WithFields(map[string]interface{}{
		"org_id":      req.OrganizationID,
		"provider_id": req.ProviderID,
		"issue_code":  string(se.Code),
	}).Warn("authentication denied")
}

// failAttempt records a transient or internal failure.
func (e *Engine) failAttempt(ctx context.Context, config *sso.ProviderConfig, req AuthRequest, err error, latency time.Duration, transient bool) {
	if e.metrics != nil {
		e.metrics.AuthAttemptsTotal.WithLabelValues(string(config.Kind), "error").Inc()
	}

	e.record(ctx, &audit.Event{
		Action:         audit.ActionError,
		Severity:       audit.SeverityError,
		Category:       audit.CategoryAuthentication,
		Actor:          "system",
		OrganizationID: req.OrganizationID,
		ProviderID:     &config.ProviderID,
		Message:        err.Error(),
		Detail:         map[string]interface{}{"transient": transient},
		IPAddress:      req.SourceIP,
		LatencyMS:      latency.Milliseconds(),
	})

	observability.UpdateLoggerWithTraceContext(ctx, e.logger).WithError(err).WithFields(map[string]interface{}{
		"org_id":      req.OrganizationID,
		"provider_id": req.ProviderID,
		"transient":   transient,
	}).Error("authentication failed")
}

// recordBreakerResult feeds one attempt result to the breaker and records
// any resulting state transition.
func (e *Engine) recordBreakerResult(ctx context.Context, orgID, providerID int64, success bool, latency time.Duration) {
	before := e.breakers.Get(orgID, providerID).Snapshot()
	e.breakers.Record(orgID, providerID, success, latency)
	after := e.breakers.Get(orgID, providerID).Snapshot()
	e.setBreakerGauge(after)

	if before.Status == after.Status {
		return
	}
	if e.metrics != nil {
		e.metrics.BreakerTransitionsTotal.WithLabelValues(before.Status, after.Status).Inc()
	}

	switch after.Status {
	case resilience.StateOpen.String():
		e.record(ctx, &audit.Event{
			Action:         audit.ActionBreakerOpened,
			Severity:       audit.SeverityError,
			Category:       audit.CategoryPerformance,
			Actor:          "system",
			OrganizationID: orgID,
			ProviderID:     &providerID,
			Message:        "circuit opened after consecutive provider failures",
			Detail: map[string]interface{}{
				"failures":      after.Failures,
				"next_retry_at": after.NextRetryAt,
			},
		})
	case resilience.StateClosed.String():
		e.record(ctx, &audit.Event{
			Action:         audit.ActionBreakerClosed,
			Severity:       audit.SeverityInfo,
			Category:       audit.CategoryPerformance,
			Actor:          "system",
			OrganizationID: orgID,
			ProviderID:     &providerID,
			Message:        "circuit closed after successful probe",
		})
	}
}

func (e *Engine) setBreakerGauge(snap resilience.Snapshot) {
	if e.metrics == nil {
		return
	}
	var value float64
	switch snap.Status {
	case resilience.StateHalfOpen.String():
		value = 1
	case resilience.StateOpen.String():
		value = 2
	}
	e.metrics.BreakerState.WithLabelValues(
		strconv.FormatInt(snap.OrganizationID, 10),
		strconv.FormatInt(snap.ProviderID, 10),
	).Set(value)
}

// record appends an audit event, stamping the engine clock. Audit
// failures are logged but never fail the attempt.
func (e *Engine) record(ctx context.Context, event *audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.WithError(err).Error("failed to record audit event")
		return
	}
	if e.metrics != nil {
		e.metrics.AuditEventsTotal.WithLabelValues(string(event.Action), string(event.Severity)).Inc()
	}
}

// auditSeverity maps a validator severity onto the audit scale.
func auditSeverity(s sso.Severity) audit.Severity {
	switch s {
	case sso.SeverityCritical:
		return audit.SeverityCritical
	case sso.SeverityWarning:
		return audit.SeverityWarning
	default:
		return audit.SeverityError
	}
}

// actorFor picks the most useful actor label for an identity.
func actorFor(identity *sso.ValidatedIdentity) string {
	if identity.Email != "" {
		return identity.Email
	}
	return identity.Subject
}
