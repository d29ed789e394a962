package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/assetdesk/authgate/pkg/observability"
	"github.com/assetdesk/authgate/pkg/sso"
)

// Strategy tells the gateway's entry point what to do instead of (or before)
// attempting live SSO for a provider.
type Strategy string

const (
	StrategyLocalAuth     Strategy = "LOCAL_AUTH"
	StrategyMaintenance   Strategy = "MAINTENANCE_MODE"
	StrategyQueueRequests Strategy = "QUEUE_REQUESTS" // caller should retry shortly
)

const (
	// DefaultProbeInterval is the regular per-provider probe period.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single reachability check. A timeout is
	// treated identically to a connection failure.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultFallbackAfterFailures is the consecutive-failure threshold that
	// activates local-password fallback.
	DefaultFallbackAfterFailures = 3
)

// ProviderHealth is the per-provider health record. Snapshots returned by
// the monitor are copies; the live record is mutated only under the
// provider's own lock.
type ProviderHealth struct {
	ProviderID          string        `json:"provider_id"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	LastError           string        `json:"last_error,omitempty"`
	LastResponseTime    time.Duration `json:"last_response_time_ms"`
	FallbackActive      bool          `json:"fallback_active"`
}

// Prober performs a lightweight reachability check against one provider.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// httpHeadProber HEADs the provider's entry endpoint.
type httpHeadProber struct {
	url    string
	client *http.Client
}

func (p *httpHeadProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// NewEntryEndpointProber builds the default prober for a provider config:
// HEAD against the SAML SSO URL or OAuth authorize URL.
func NewEntryEndpointProber(cfg *sso.ProviderConfig, timeout time.Duration) (Prober, error) {
	var entryURL string
	switch {
	case cfg.SAML != nil:
		entryURL = cfg.SAML.SSOURL
	case cfg.OAuth != nil:
		entryURL = cfg.OAuth.AuthURL
	}
	if entryURL == "" {
		return nil, fmt.Errorf("provider %s has no entry endpoint to probe", cfg.ID)
	}
	return &httpHeadProber{url: entryURL, client: &http.Client{Timeout: timeout}}, nil
}

// Options tunes the monitor.
type Options struct {
	ProbeInterval         time.Duration // default 30s
	RecoveryInterval      time.Duration // default ProbeInterval; may be longer
	ProbeTimeout          time.Duration // default 5s
	FallbackAfterFailures int           // default 3
	LocalAuthEnabled      bool
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = o.ProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.FallbackAfterFailures <= 0 {
		o.FallbackAfterFailures = DefaultFallbackAfterFailures
	}
	return o
}

// providerState is the live record for one tracked provider. All mutation
// happens under mu so a scheduled probe and a concurrent live-traffic failure
// report never lose updates.
type providerState struct {
	mu       sync.Mutex
	health   ProviderHealth
	prober   Prober
	recovery chan struct{} // signals fallback entry to the probe loop
}

// Monitor is the per-provider availability monitor and circuit breaker. It
// owns all ProviderHealth records and drives fallback and recovery.
//
// Maintenance is strictly highest-precedence for strategy decisions, but
// probes keep running while it is active so health state is current the
// moment the flag is lifted. (Flagged for review: the alternative is to
// suppress probe scheduling during maintenance.)
type Monitor struct {
	opts    Options
	log     *logrus.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	providers map[string]*providerState

	maintenance atomic.Bool

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// NewMonitor creates an availability monitor. metrics may be nil.
func NewMonitor(opts Options, log *logrus.Logger, metrics *observability.Metrics) *Monitor {
	if log == nil {
		log = logrus.New()
	}
	return &Monitor{
		opts:      opts.withDefaults(),
		log:       log,
		metrics:   metrics,
		providers: make(map[string]*providerState),
	}
}

// Track registers a provider with its prober. Must be called before Start.
func (m *Monitor) Track(providerID string, prober Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[providerID] = &providerState{
		health: ProviderHealth{
			ProviderID: providerID,
			Healthy:    true,
		},
		prober:   prober,
		recovery: make(chan struct{}, 1),
	}
}

// Start launches one independent probe goroutine per tracked provider, each
// firing an immediate first probe. A slow probe on one provider never delays
// another's schedule.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("monitor already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	for id, state := range m.providers {
		id, state := id, state
		m.group.Go(func() error {
			m.probeLoop(ctx, id, state)
			return nil
		})
	}
	m.log.WithField("providers", len(m.providers)).Info("availability monitor started")
	return nil
}

// Stop cancels all per-provider probe goroutines and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, group := m.cancel, m.group
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	m.log.Info("availability monitor stopped")
}

// Reset clears a provider's failure counter and fallback state.
func (m *Monitor) Reset(providerID string) {
	state := m.state(providerID)
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.health.ConsecutiveFailures = 0
	state.health.Healthy = true
	state.health.LastError = ""
	state.health.FallbackActive = false
	m.observeFallback(providerID, false)
}

// probeLoop runs the regular probe schedule for one provider, plus recovery
// probes at the (possibly longer) retry interval while fallback is active.
func (m *Monitor) probeLoop(ctx context.Context, providerID string, state *providerState) {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	// Immediate first probe.
	m.CheckAvailability(ctx, providerID)

	var recoveryTicker *time.Ticker
	var recoveryC <-chan time.Time
	stopRecovery := func() {
		if recoveryTicker != nil {
			recoveryTicker.Stop()
			recoveryTicker = nil
			recoveryC = nil
		}
	}
	defer stopRecovery()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAvailability(ctx, providerID)
		case <-state.recovery:
			if recoveryTicker == nil {
				recoveryTicker = time.NewTicker(m.opts.RecoveryInterval)
				recoveryC = recoveryTicker.C
			}
		case <-recoveryC:
			m.CheckAvailability(ctx, providerID)
			if !m.fallbackActive(providerID) {
				stopRecovery()
			}
		}
	}
}

// CheckAvailability probes one provider under the configured timeout and
// updates its health record. Exported so operators can force a check.
func (m *Monitor) CheckAvailability(ctx context.Context, providerID string) {
	state := m.state(providerID)
	if state == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	start := time.Now()
	err := state.prober.Probe(probeCtx)
	elapsed := time.Since(start)
	cancel()

	if m.metrics != nil {
		m.metrics.ProbeDuration.WithLabelValues(providerID).Observe(elapsed.Seconds())
	}

	if err != nil {
		m.recordFailure(providerID, state, err, elapsed)
		return
	}
	m.recordSuccess(providerID, state, elapsed)
}

// HandleFailure is invoked by the live authentication path. Live failures
// count toward the same threshold as probe failures, so an IdP failing on
// real traffic degrades between scheduled probes.
func (m *Monitor) HandleFailure(providerID string, err error) {
	state := m.state(providerID)
	if state == nil {
		return
	}
	m.recordFailure(providerID, state, err, 0)
}

func (m *Monitor) recordFailure(providerID string, state *providerState, err error, elapsed time.Duration) {
	state.mu.Lock()
	state.health.ConsecutiveFailures++
	state.health.Healthy = false
	state.health.LastCheckedAt = time.Now()
	state.health.LastError = err.Error()
	if elapsed > 0 {
		state.health.LastResponseTime = elapsed
	}
	failures := state.health.ConsecutiveFailures
	entered := false
	if !state.health.FallbackActive && failures >= m.opts.FallbackAfterFailures {
		state.health.FallbackActive = true
		entered = true
	}
	state.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ProbeFailures.WithLabelValues(providerID).Inc()
		m.metrics.ConsecutiveFailures.WithLabelValues(providerID).Set(float64(failures))
	}

	if entered {
		m.log.WithFields(logrus.Fields{
			"provider": providerID,
			"failures": failures,
		}).Warn("provider entered degraded-fallback")
		m.observeFallback(providerID, true)
		// Wake the probe loop so recovery probes start.
		select {
		case state.recovery <- struct{}{}:
		default:
		}
	} else {
		m.log.WithError(err).WithField("provider", providerID).Debug("provider check failed")
	}
}

// recordSuccess resets the failure counter and evaluates recovery. Exiting
// fallback requires the counter to already be zero when the success arrives,
// so a single lucky success while failures are still accruing does not flap
// the breaker; the success itself zeroes the counter for the next probe.
func (m *Monitor) recordSuccess(providerID string, state *providerState, elapsed time.Duration) {
	state.mu.Lock()
	previousFailures := state.health.ConsecutiveFailures
	state.health.ConsecutiveFailures = 0
	state.health.LastCheckedAt = time.Now()
	state.health.LastError = ""
	state.health.LastResponseTime = elapsed
	recovered := false
	if state.health.FallbackActive {
		if previousFailures == 0 {
			state.health.FallbackActive = false
			state.health.Healthy = true
			recovered = true
		}
	} else {
		state.health.Healthy = true
	}
	state.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConsecutiveFailures.WithLabelValues(providerID).Set(0)
	}

	if recovered {
		m.log.WithField("provider", providerID).Info("provider recovered, exiting fallback")
		m.observeFallback(providerID, false)
	}
}

// SetMaintenance flips the operator-set maintenance override. It is global
// and independent of per-provider health.
func (m *Monitor) SetMaintenance(on bool) {
	m.maintenance.Store(on)
	if on {
		m.log.Warn("maintenance mode enabled")
	} else {
		m.log.Info("maintenance mode disabled")
	}
}

// InMaintenance reports the operator override.
func (m *Monitor) InMaintenance() bool {
	return m.maintenance.Load()
}

// GetFallbackStrategy decides what the gateway should do for a provider.
// Precedence: Maintenance > Degraded-Fallback (LOCAL_AUTH, only when local
// auth is enabled) > QUEUE_REQUESTS.
func (m *Monitor) GetFallbackStrategy(providerID string) Strategy {
	if m.maintenance.Load() {
		return StrategyMaintenance
	}
	if m.fallbackActive(providerID) && m.opts.LocalAuthEnabled {
		return StrategyLocalAuth
	}
	return StrategyQueueRequests
}

// FallbackActive reports whether a provider is currently degraded.
func (m *Monitor) FallbackActive(providerID string) bool {
	return m.fallbackActive(providerID)
}

// GetProviderHealth returns a snapshot of a provider's health record, or
// false when the provider is not tracked.
func (m *Monitor) GetProviderHealth(providerID string) (ProviderHealth, bool) {
	state := m.state(providerID)
	if state == nil {
		return ProviderHealth{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.health, true
}

func (m *Monitor) fallbackActive(providerID string) bool {
	state := m.state(providerID)
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.health.FallbackActive
}

func (m *Monitor) state(providerID string) *providerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[providerID]
}

func (m *Monitor) observeFallback(providerID string, active bool) {
	if m.metrics == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	m.metrics.FallbackActive.WithLabelValues(providerID).Set(value)
}
