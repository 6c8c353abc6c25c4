package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/sso"
)

// Status is the derived health level of one provider
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Snapshot is the result of one provider health check, cached for
// SnapshotTTL.
type Snapshot struct {
	OrganizationID     int64            `json:"organization_id"`
	ProviderID         int64            `json:"provider_id"`
	Kind               sso.ProviderKind `json:"kind"`
	Connectivity       bool             `json:"connectivity"`
	CertificateValid   *bool            `json:"certificate_valid,omitempty"`
	CertificateExpires *time.Time       `json:"certificate_expires,omitempty"`
	EndpointsChecked   int              `json:"endpoints_checked"`
	EndpointsReachable int              `json:"endpoints_reachable"`
	ResponseTime       time.Duration    `json:"response_time_ms"`
	Status             Status           `json:"status"`
	Errors             []string         `json:"errors,omitempty"`
	CheckedAt          time.Time        `json:"checked_at"`
}

// Probe timing defaults.
const (
	SnapshotTTL    = 5 * time.Minute
	RequestTimeout = 5 * time.Second
	probeCacheSize = 256
)

// Prober runs provider health checks with a short-TTL result cache.
type Prober struct {
	httpClient *http.Client
	discovery  *sso.DiscoveryClient
	cache      *lru.LRU[string, *Snapshot]
	logger     *observability.Logger
	now        func() time.Time
}

// NewProber creates a prober. A nil httpClient uses the default probe
// timeout.
func NewProber(httpClient *http.Client, discovery *sso.DiscoveryClient, logger *observability.Logger) *Prober {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: RequestTimeout}
	}
	return &Prober{
		httpClient: httpClient,
		discovery:  discovery,
		cache:      lru.NewLRU[string, *Snapshot](probeCacheSize, nil, SnapshotTTL),
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the prober's clock for tests.
func (p *Prober) WithClock(now func() time.Time) *Prober {
	p.now = now
	return p
}

func cacheKey(orgID, providerID int64) string {
	return fmt.Sprintf("%d/%d", orgID, providerID)
}

// Check returns the provider's health snapshot, probing when no fresh
// cached result exists.
func (p *Prober) Check(ctx context.Context, config *sso.ProviderConfig) *Snapshot {
	key := cacheKey(config.OrganizationID, config.ProviderID)
	if snap, ok := p.cache.Get(key); ok {
		return snap
	}

	snap := p.probe(ctx, config)
	p.cache.Add(key, snap)
	return snap
}

// Invalidate drops the cached snapshot, forcing the next Check to probe.
// Called when a provider's configuration changes.
func (p *Prober) Invalidate(orgID, providerID int64) {
	p.cache.Remove(cacheKey(orgID, providerID))
}

// CheckAll probes every provider concurrently. One provider's failure
// never aborts the others; the returned slice has one snapshot per
// input.
func (p *Prober) CheckAll(ctx context.Context, configs []*sso.ProviderConfig) []*Snapshot {
	snapshots := make([]*Snapshot, len(configs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for i, config := range configs {
		i, config := i, config
		g.Go(func() error {
			snap := p.Check(ctx, config)
			mu.Lock()
			snapshots[i] = snap
			mu.Unlock()
			return nil
		})
	}
	// Probe goroutines never return errors; failures land in snapshots.
	_ = g.Wait()
	return snapshots
}

// Sweep probes every active provider from the config source. The
// background scheduler calls this on its fixed interval.
func (p *Prober) Sweep(ctx context.Context, source sso.ConfigSource) ([]*Snapshot, error) {
	configs, err := source.ListActiveProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}
	return p.CheckAll(ctx, configs), nil
}

func (p *Prober) probe(ctx context.Context, config *sso.ProviderConfig) *Snapshot {
	snap := &Snapshot{
		OrganizationID: config.OrganizationID,
		ProviderID:     config.ProviderID,
		Kind:           config.Kind,
		CheckedAt:      p.now(),
	}

	ctx, cancel := context.WithTimeout(ctx, 2*RequestTimeout)
	defer cancel()

	start := p.now()
	switch config.Kind {
	case sso.ProviderKindOIDC:
		p.probeOIDC(ctx, config, snap)
	case sso.ProviderKindSAML:
		p.probeSAML(ctx, config, snap)
	default:
		snap.Errors = append(snap.Errors, fmt.Sprintf("unknown provider kind %q", config.Kind))
	}
	snap.ResponseTime = p.now().Sub(start)

	snap.Status = deriveStatus(snap)
	if snap.Status != StatusHealthy {
		p.logger.WithFields(map[string]interface{}{
			"org_id":      config.OrganizationID,
			"provider_id": config.ProviderID,
			"status":      string(snap.Status),
			"errors":      snap.Errors,
		}).Warn("provider health check below healthy")
	}
	return snap
}

// probeOIDC re-runs discovery and pings every advertised endpoint.
func (p *Prober) probeOIDC(ctx context.Context, config *sso.ProviderConfig, snap *Snapshot) {
	if config.OIDCConfig == nil {
		snap.Errors = append(snap.Errors, "missing OIDC configuration")
		return
	}

	doc, err := p.discovery.Discover(ctx, config.OIDCConfig.IssuerURL)
	if err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("discovery failed: %v", err))
		return
	}
	snap.Connectivity = true

	endpoints := []string{doc.AuthorizationEndpoint, doc.TokenEndpoint, doc.JWKSURI}
	if doc.UserinfoEndpoint != "" {
		endpoints = append(endpoints, doc.UserinfoEndpoint)
	}
	snap.EndpointsChecked = len(endpoints)
	for _, endpoint := range endpoints {
		if err := p.ping(ctx, endpoint); err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("endpoint %s unreachable: %v", endpoint, err))
			continue
		}
		snap.EndpointsReachable++
	}
}

// probeSAML checks entry point reachability and re-validates the
// certificate.
func (p *Prober) probeSAML(ctx context.Context, config *sso.ProviderConfig, snap *Snapshot) {
	if config.SAMLConfig == nil {
		snap.Errors = append(snap.Errors, "missing SAML configuration")
		return
	}

	snap.EndpointsChecked = 1
	if err := p.ping(ctx, config.SAMLConfig.SSOURL); err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("entry point unreachable: %v", err))
	} else {
		snap.Connectivity = true
		snap.EndpointsReachable = 1
	}

	notBefore, notAfter, err := sso.InspectCertificate(config.SAMLConfig.Certificate)
	if err != nil {
		valid := false
		snap.CertificateValid = &valid
		snap.Errors = append(snap.Errors, fmt.Sprintf("certificate invalid: %v", err))
		return
	}
	now := p.now()
	valid := now.After(notBefore) && now.Before(notAfter)
	snap.CertificateValid = &valid
	snap.CertificateExpires = &notAfter
	if !valid {
		snap.Errors = append(snap.Errors, "certificate outside validity window")
	}
}

// ping issues a lightweight request. Any HTTP response counts as
// reachable; only transport errors do not.
func (p *Prober) ping(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// deriveStatus maps probe results onto the tri-level status. Healthy
// requires full reachability and, for SAML, a valid certificate.
func deriveStatus(snap *Snapshot) Status {
	if !snap.Connectivity {
		return StatusUnhealthy
	}
	if snap.CertificateValid != nil && !*snap.CertificateValid {
		return StatusUnhealthy
	}
	if snap.EndpointsReachable < snap.EndpointsChecked {
		return StatusDegraded
	}
	return StatusHealthy
}
