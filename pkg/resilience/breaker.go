package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when the circuit breaker denies a request
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// StateClosed means requests are allowed
	StateClosed BreakerState = iota
	// StateOpen means requests are blocked
	StateOpen
	// StateHalfOpen means the next probe request is allowed through
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds for one breaker
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit from closed.
	FailureThreshold int
	// Timeout is how long the circuit stays open before allowing a
	// half-open probe.
	Timeout time.Duration
	// ProbeBudget is how many requests may pass while half-open before a
	// result is recorded.
	ProbeBudget int
}

// DefaultBreakerConfig returns the default thresholds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		ProbeBudget:      1,
	}
}

// Snapshot is a point-in-time copy of one breaker's state, suitable for
// persistence and for API responses.
type Snapshot struct {
	OrganizationID int64     `json:"organization_id"`
	ProviderID     int64     `json:"provider_id"`
	Status         string    `json:"status"`
	Failures       int       `json:"failures"`
	LastFailureAt  time.Time `json:"last_failure_at,omitempty"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	TotalCalls     int64     `json:"total_calls"`
	TotalSuccesses int64     `json:"total_successes"`
	TotalFailures  int64     `json:"total_failures"`
	MeanLatencyMS  float64   `json:"mean_latency_ms"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CircuitBreaker guards authentication against one identity provider.
// All transitions are serialized under the mutex; rolling statistics are
// updated on every recorded attempt regardless of state.
type CircuitBreaker struct {
	orgID      int64
	providerID int64
	config     BreakerConfig
	now        func() time.Time
	log        *logrus.Entry

	mu              sync.Mutex
	state           BreakerState
	failures        int
	lastFailureTime time.Time
	nextRetry       time.Time
	probesInFlight  int

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	meanLatency    time.Duration
}

// NewCircuitBreaker creates a closed breaker for one (organization,
// provider) pair.
func NewCircuitBreaker(orgID, providerID int64, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ProbeBudget <= 0 {
		config.ProbeBudget = 1
	}
	return &CircuitBreaker{
		orgID:      orgID,
		providerID: providerID,
		config:     config,
		now:        time.Now,
		state:      StateClosed,
		log: logrus.WithFields(logrus.Fields{
			"component":   "circuit_breaker",
			"org_id":      orgID,
			"provider_id": providerID,
		}),
	}
}

// WithClock overrides the breaker's clock for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// AllowRequest reports whether an authentication attempt may proceed.
// While open it denies until the retry deadline passes, then lets a
// bounded number of half-open probes through. A probe that never reports
// a result stops blocking once the next deadline passes, so the breaker
// cannot wedge in half-open.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().After(cb.nextRetry) {
			cb.log.Info("circuit breaker transitioning from open to half-open")
			cb.state = StateHalfOpen
			cb.probesInFlight = 1
			cb.nextRetry = cb.now().Add(cb.config.Timeout)
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probesInFlight < cb.config.ProbeBudget {
			cb.probesInFlight++
			return true
		}
		if cb.now().After(cb.nextRetry) {
			cb.log.Warn("half-open probe never reported a result; allowing a new probe")
			cb.nextRetry = cb.now().Add(cb.config.Timeout)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordResult records the outcome of an attempt. Statistics are updated
// in every state; transitions follow the closed/open/half-open machine.
func (cb *CircuitBreaker) RecordResult(success bool, latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.meanLatency += (latency - cb.meanLatency) / time.Duration(cb.totalCalls)

	if success {
		cb.totalSuccesses++
		cb.recordSuccessLocked()
		return
	}
	cb.totalFailures++
	cb.recordFailureLocked()
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.log.Info("circuit breaker closing after successful probe")
		cb.state = StateClosed
		cb.failures = 0
		cb.probesInFlight = 0
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.log.WithField("failures", cb.failures).Warn("circuit breaker opening after repeated failures")
			cb.openLocked()
		}
	case StateHalfOpen:
		cb.log.Warn("circuit breaker reopening after failed probe")
		cb.openLocked()
	}
}

func (cb *CircuitBreaker) openLocked() {
	cb.state = StateOpen
	cb.nextRetry = cb.now().Add(cb.config.Timeout)
	cb.probesInFlight = 0
}

// ReleaseProbe returns an unconsumed half-open probe slot. Callers use
// it when an admitted attempt ends without a provider health signal,
// such as a user presenting bad credentials to a recovering provider,
// so the next attempt can probe instead of being denied.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// State returns the breaker's current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.log.Info("circuit breaker manually reset")
	cb.state = StateClosed
	cb.failures = 0
	cb.probesInFlight = 0
}

// Snapshot copies the breaker's state for persistence or reporting.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		OrganizationID: cb.orgID,
		ProviderID:     cb.providerID,
		Status:         cb.state.String(),
		Failures:       cb.failures,
		LastFailureAt:  cb.lastFailureTime,
		NextRetryAt:    cb.nextRetry,
		TotalCalls:     cb.totalCalls,
		TotalSuccesses: cb.totalSuccesses,
		TotalFailures:  cb.totalFailures,
		MeanLatencyMS:  float64(cb.meanLatency) / float64(time.Millisecond),
		UpdatedAt:      cb.now(),
	}
}

type breakerKey struct {
	orgID      int64
	providerID int64
}

// BreakerManager holds one breaker per (organization, provider) pair,
// created lazily on first use and never deleted.
type BreakerManager struct {
	config BreakerConfig
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[breakerKey]*CircuitBreaker
}

// NewBreakerManager creates a manager with the given default thresholds
func NewBreakerManager(config BreakerConfig) *BreakerManager {
	return &BreakerManager{
		config:   config,
		now:      time.Now,
		breakers: make(map[breakerKey]*CircuitBreaker),
	}
}

// WithClock overrides the clock used for newly created breakers.
func (m *BreakerManager) WithClock(now func() time.Time) *BreakerManager {
	m.now = now
	return m
}

// Get returns the breaker for a provider, creating it on first use.
func (m *BreakerManager) Get(orgID, providerID int64) *CircuitBreaker {
	key := breakerKey{orgID: orgID, providerID: providerID}

	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(orgID, providerID, m.config).WithClock(m.now)
	m.breakers[key] = cb
	return cb
}

// Check reports whether an attempt against the provider may proceed,
// along with the breaker's current snapshot.
func (m *BreakerManager) Check(orgID, providerID int64) (bool, Snapshot) {
	cb := m.Get(orgID, providerID)
	allow := cb.AllowRequest()
	return allow, cb.Snapshot()
}

// Record records an attempt result against the provider's breaker.
func (m *BreakerManager) Record(orgID, providerID int64, success bool, latency time.Duration) {
	m.Get(orgID, providerID).RecordResult(success, latency)
}

// Release returns an unconsumed half-open probe slot for the provider's
// breaker.
func (m *BreakerManager) Release(orgID, providerID int64) {
	m.Get(orgID, providerID).ReleaseProbe()
}

// Snapshots copies every breaker's state, for persistence sweeps and
// status endpoints.
func (m *BreakerManager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(m.breakers))
	for _, cb := range m.breakers {
		snapshots = append(snapshots, cb.Snapshot())
	}
	return snapshots
}
