package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assetdesk/authgate/pkg/auth"
	"github.com/assetdesk/authgate/pkg/health"
	"github.com/assetdesk/authgate/pkg/observability"
	"github.com/assetdesk/authgate/pkg/sso"
)

// Gateway errors surfaced to callers ahead of, or instead of, a live SSO
// attempt.
var (
	ErrMaintenanceMode  = errors.New("authentication is temporarily unavailable, try again later")
	ErrProviderNotFound = errors.New("identity provider is not configured")
	ErrProviderDegraded = errors.New("identity provider is degraded, use local fallback")
	ErrRetryShortly     = errors.New("identity provider is unavailable, retry shortly")
)

// Gateway is the SSO authentication entry point. It terminates SAML and
// OAuth2 callbacks, normalizes identities, issues sessions, and consults the
// availability monitor before attempting live SSO.
type Gateway struct {
	providers  map[string]*sso.ProviderConfig
	samlChecks map[string]*sso.SAMLValidator
	samlLogin  map[string]*sso.SAMLRedirector
	oauthFlows map[string]*sso.OAuthClient
	signer     *sso.StateSigner
	issuer     *auth.Issuer
	local      *auth.LocalAuthenticator
	monitor    *health.Monitor
	metrics    *observability.Metrics
	log        *logrus.Logger
}

// New builds a gateway from the loaded provider configs. Disabled providers
// are skipped. metrics may be nil.
func New(
	providers []*sso.ProviderConfig,
	signer *sso.StateSigner,
	replay sso.ReplayCache,
	issuer *auth.Issuer,
	local *auth.LocalAuthenticator,
	monitor *health.Monitor,
	metrics *observability.Metrics,
	log *logrus.Logger,
) (*Gateway, error) {
	if log == nil {
		log = logrus.New()
	}

	g := &Gateway{
		providers:  make(map[string]*sso.ProviderConfig),
		samlChecks: make(map[string]*sso.SAMLValidator),
		samlLogin:  make(map[string]*sso.SAMLRedirector),
		oauthFlows: make(map[string]*sso.OAuthClient),
		signer:     signer,
		issuer:     issuer,
		local:      local,
		monitor:    monitor,
		metrics:    metrics,
		log:        log,
	}

	var reporter sso.FailureReporter
	if monitor != nil {
		reporter = monitor
	}

	for _, cfg := range providers {
		if !cfg.Enabled {
			log.WithField("provider", cfg.ID).Info("skipping disabled provider")
			continue
		}
		g.providers[cfg.ID] = cfg

		switch cfg.Kind {
		case sso.ProviderKindSAML:
			validator, err := sso.NewSAMLValidator(cfg, replay, log)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
			}
			redirector, err := sso.NewSAMLRedirector(cfg)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
			}
			g.samlChecks[cfg.ID] = validator
			g.samlLogin[cfg.ID] = redirector
		case sso.ProviderKindOAuth:
			client, err := sso.NewOAuthClient(cfg, signer, reporter, log)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
			}
			g.oauthFlows[cfg.ID] = client
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", cfg.ID, cfg.Kind)
		}
	}
	return g, nil
}

// Provider returns the config for a tracked provider.
func (g *Gateway) Provider(providerID string) (*sso.ProviderConfig, bool) {
	cfg, ok := g.providers[providerID]
	return cfg, ok
}

// checkStrategy gates a live SSO attempt on the monitor's current decision.
// Healthy providers pass through; degraded ones steer the caller to the
// active fallback strategy instead of a doomed round-trip to the IdP.
func (g *Gateway) checkStrategy(providerID string) error {
	if g.monitor == nil {
		return nil
	}
	if g.monitor.InMaintenance() {
		return ErrMaintenanceMode
	}
	if g.monitor.FallbackActive(providerID) {
		if g.monitor.GetFallbackStrategy(providerID) == health.StrategyLocalAuth {
			return ErrProviderDegraded
		}
		return ErrRetryShortly
	}
	return nil
}

// LoginURL builds the provider-bound redirect for a fresh login attempt,
// minting the anti-CSRF state token the callback will verify.
func (g *Gateway) LoginURL(providerID string) (url string, state string, err error) {
	if err := g.checkStrategy(providerID); err != nil {
		return "", "", err
	}
	cfg, ok := g.providers[providerID]
	if !ok {
		return "", "", ErrProviderNotFound
	}

	token, err := g.signer.GenerateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	state = token.Encode()

	switch cfg.Kind {
	case sso.ProviderKindSAML:
		url, err = g.samlLogin[providerID].LoginURL(state)
	case sso.ProviderKindOAuth:
		url = g.oauthFlows[providerID].LoginURL(state)
	}
	if err != nil {
		return "", "", err
	}
	return url, state, nil
}

// ValidateSAML validates a base64-encoded SAML Response for a provider.
func (g *Gateway) ValidateSAML(ctx context.Context, providerID, base64Response string) sso.ValidationOutcome {
	validator, ok := g.samlChecks[providerID]
	if !ok {
		return sso.Failure(sso.FailureConfigurationMissing, fmt.Sprintf("no SAML provider %q configured", providerID))
	}
	return g.observeOutcome(providerID, sso.ProviderKindSAML, func() sso.ValidationOutcome {
		return validator.Validate(ctx, base64Response)
	})
}

// ValidateOAuth exchanges an authorization code and fetches the user profile.
func (g *Gateway) ValidateOAuth(ctx context.Context, providerID, code, state string) sso.ValidationOutcome {
	client, ok := g.oauthFlows[providerID]
	if !ok {
		return sso.Failure(sso.FailureConfigurationMissing, fmt.Sprintf("no OAuth provider %q configured", providerID))
	}
	return g.observeOutcome(providerID, sso.ProviderKindOAuth, func() sso.ValidationOutcome {
		return client.ExchangeAndFetchProfile(ctx, code, state)
	})
}

// observeOutcome wraps a validation with metrics and failure logging. The
// OAuth client reports transport failures to the monitor itself; trust and
// malformed-input failures never degrade provider health, so a flood of
// garbage payloads cannot trip the breaker.
func (g *Gateway) observeOutcome(providerID string, kind sso.ProviderKind, fn func() sso.ValidationOutcome) sso.ValidationOutcome {
	start := time.Now()
	outcome := fn()

	if g.metrics != nil {
		result := "success"
		if !outcome.OK() {
			result = string(outcome.Reason)
		}
		g.metrics.AuthAttemptsTotal.WithLabelValues(providerID, string(kind), result).Inc()
		g.metrics.AuthDuration.WithLabelValues(providerID, string(kind)).Observe(time.Since(start).Seconds())
	}

	if !outcome.OK() {
		g.log.WithFields(logrus.Fields{
			"provider": providerID,
			"kind":     string(kind),
			"reason":   string(outcome.Reason),
			"detail":   outcome.Detail,
		}).Warn("authentication attempt rejected")
	}
	return outcome
}

// Authenticate runs a full callback: protocol validation, then session
// issuance for the canonical identity.
func (g *Gateway) Authenticate(ctx context.Context, providerID string, outcome sso.ValidationOutcome) (*auth.SessionCredential, sso.ValidationOutcome, error) {
	if !outcome.OK() {
		return nil, outcome, nil
	}
	cred, err := g.issuer.IssueSession(outcome.Identity)
	if err != nil {
		return nil, outcome, fmt.Errorf("session issuance failed: %w", err)
	}
	if g.metrics != nil {
		g.metrics.SessionsIssued.WithLabelValues("sso").Inc()
	}
	g.log.WithFields(logrus.Fields{
		"provider": providerID,
		"user_id":  cred.UserID,
	}).Info("session issued")
	return cred, outcome, nil
}

// FallbackToLocalAuth verifies a local password for an SSO-linked account and
// issues a session exactly as a successful SSO resolution would.
func (g *Gateway) FallbackToLocalAuth(identifier, secret string) (*auth.SessionCredential, error) {
	if g.monitor != nil && g.monitor.InMaintenance() {
		return nil, ErrMaintenanceMode
	}
	cred, err := g.local.Authenticate(identifier, secret)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.SessionsIssued.WithLabelValues("local_fallback").Inc()
	}
	return cred, nil
}

// GetFallbackStrategy exposes the monitor's current decision for a provider.
func (g *Gateway) GetFallbackStrategy(providerID string) health.Strategy {
	if g.monitor == nil {
		return health.StrategyQueueRequests
	}
	return g.monitor.GetFallbackStrategy(providerID)
}

// GetProviderHealth returns a snapshot of a provider's health record.
func (g *Gateway) GetProviderHealth(providerID string) (health.ProviderHealth, bool) {
	if g.monitor == nil {
		return health.ProviderHealth{}, false
	}
	return g.monitor.GetProviderHealth(providerID)
}

// GenerateState mints a signed anti-CSRF state token.
func (g *Gateway) GenerateState() (sso.StateToken, error) {
	return g.signer.GenerateState()
}

// ValidateState verifies a state token's signature and age.
func (g *Gateway) ValidateState(state string) bool {
	return g.signer.ValidateState(state)
}

// Logout revokes the session backing a credential and returns the SAML SLO
// redirect URL when the originating provider supports it. The SessionIndex is
// only ever sent to the provider that issued the session.
func (g *Gateway) Logout(token string) (sloURL string, err error) {
	session, err := g.issuer.Authenticate(token)
	if err != nil {
		return "", err
	}
	if err := g.issuer.Revoke(session.ID); err != nil {
		return "", fmt.Errorf("failed to revoke session: %w", err)
	}
	if g.metrics != nil {
		g.metrics.SessionsRevoked.Inc()
	}
	if session.SAMLSessionIdx == "" {
		return "", nil
	}
	redirector, ok := g.samlLogin[session.ProviderID]
	if !ok {
		return "", nil
	}
	url, sloErr := redirector.LogoutURL(session.SAMLSessionIdx)
	if sloErr != nil {
		g.log.WithError(sloErr).WithField("provider", session.ProviderID).Warn("failed to build SLO redirect")
		return "", nil
	}
	return url, nil
}
