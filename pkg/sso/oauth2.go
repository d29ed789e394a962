package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// ProfileFetchTimeout bounds the userinfo request.
const ProfileFetchTimeout = 10 * time.Second

// FailureReporter receives provider-level transport failures so that health
// accounting degrades even when the request itself surfaces as an error to
// its caller. The availability monitor implements it.
type FailureReporter interface {
	HandleFailure(providerID string, err error)
}

// OAuthClient runs the OAuth2 authorization-code flow for one provider:
// anti-CSRF state handling, code-for-token exchange, and userinfo fetch.
type OAuthClient struct {
	cfg          *ProviderConfig
	oauth2Config *oauth2.Config
	signer       *StateSigner
	normalizer   *Normalizer
	reporter     FailureReporter
	httpClient   *http.Client
	log          *logrus.Logger
}

// NewOAuthClient creates an OAuth2 flow client. reporter may be nil when no
// availability monitor is attached.
func NewOAuthClient(cfg *ProviderConfig, signer *StateSigner, reporter FailureReporter, log *logrus.Logger) (*OAuthClient, error) {
	if cfg.OAuth == nil {
		return nil, fmt.Errorf("OAuth config is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("state signer is required")
	}
	if log == nil {
		log = logrus.New()
	}

	oauth2Cfg := &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.OAuth.AuthURL,
			TokenURL:  cfg.OAuth.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader, // client credentials in the Authorization header
		},
		RedirectURL: cfg.OAuth.CallbackURL,
		Scopes:      cfg.OAuth.Scopes,
	}

	return &OAuthClient{
		cfg:          cfg,
		oauth2Config: oauth2Cfg,
		signer:       signer,
		normalizer:   NewNormalizer(cfg.AttributeMap),
		reporter:     reporter,
		httpClient:   &http.Client{Timeout: ProfileFetchTimeout},
		log:          log,
	}, nil
}

// LoginURL builds the authorization redirect carrying a signed state token.
func (c *OAuthClient) LoginURL(state string) string {
	return c.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeAndFetchProfile validates the state token, exchanges the
// authorization code, fetches the userinfo document, and normalizes it into
// an IdentityRecord. Transport failures are reported to the availability
// monitor before surfacing to the caller.
func (c *OAuthClient) ExchangeAndFetchProfile(ctx context.Context, code, state string) ValidationOutcome {
	if reason := c.signer.InspectState(state); reason != "" {
		c.log.WithFields(logrus.Fields{
			"provider":       c.cfg.ID,
			"security_event": "state_param_rejected",
			"reason":         string(reason),
		}).Warn("OAuth state parameter failed validation")
		return Failure(reason, "state parameter missing, tampered, or expired")
	}
	if code == "" {
		return Failure(FailureTokenExchange, "missing authorization code")
	}

	token, err := c.exchangeCode(ctx, code)
	if err != nil {
		c.reportFailure(err)
		return Failure(FailureTokenExchange, err.Error())
	}

	profile, err := c.fetchUserProfile(ctx, token)
	if err != nil {
		c.reportFailure(err)
		return Failure(FailureProfileFetch, err.Error())
	}

	attrs := flattenProfile(profile)
	record, err := c.normalizer.Normalize(c.cfg, attrs, attrs["sub"])
	if err != nil {
		return Failure(FailureMissingRequiredAttribute, err.Error())
	}
	return Success(record)
}

func (c *OAuthClient) exchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, ProfileFetchTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}
	return token, nil
}

func (c *OAuthClient) fetchUserProfile(ctx context.Context, token *oauth2.Token) (map[string]interface{}, error) {
	if c.cfg.OAuth.UserInfoURL == "" {
		return nil, fmt.Errorf("user_info_url is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, ProfileFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.OAuth.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo request returned status %d: %s", resp.StatusCode, string(body))
	}

	var profile map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("userinfo body is not a JSON object: %w", err)
	}
	return profile, nil
}

func (c *OAuthClient) reportFailure(err error) {
	if c.reporter != nil {
		c.reporter.HandleFailure(c.cfg.ID, err)
	}
}

// flattenProfile converts a userinfo document to string attributes; complex
// values are carried as their JSON encoding.
func flattenProfile(profile map[string]interface{}) map[string]string {
	attrs := make(map[string]string, len(profile))
	for k, v := range profile {
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case float64:
			attrs[k] = fmt.Sprintf("%v", val)
		case bool:
			attrs[k] = fmt.Sprintf("%t", val)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			attrs[k] = string(encoded)
		}
	}
	return attrs
}
