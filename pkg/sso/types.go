package sso

import "time"

// ProviderKind represents the federated-identity protocol a provider speaks.
type ProviderKind string

const (
	ProviderKindSAML  ProviderKind = "saml"
	ProviderKindOAuth ProviderKind = "oauth2"
)

// ProviderConfig represents a configured identity provider. Exactly one of
// SAML/OAuth is set, matching ProviderKind. Configs are immutable once loaded;
// replacing the whole object is the only supported reload.
type ProviderConfig struct {
	ID           string       `json:"id" yaml:"id"` // unique name for this provider instance
	Kind         ProviderKind `json:"kind" yaml:"kind"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	DefaultRole  string       `json:"default_role" yaml:"default_role"`
	ClockSkew    time.Duration `json:"clock_skew" yaml:"clock_skew"`
	SAML         *SAMLConfig  `json:"saml,omitempty" yaml:"saml,omitempty"`
	OAuth        *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`
	AttributeMap AttributeMap `json:"attribute_map,omitempty" yaml:"attribute_map,omitempty"`
}

// SAMLConfig holds SAML 2.0 provider configuration.
type SAMLConfig struct {
	EntityID         string `json:"entity_id" yaml:"entity_id"`
	SSOURL           string `json:"sso_url" yaml:"sso_url"`
	SLOUrl           string `json:"slo_url,omitempty" yaml:"slo_url,omitempty"`
	Certificate      string `json:"certificate" yaml:"certificate"` // PEM encoded IdP certificate
	SPEntityID       string `json:"sp_entity_id" yaml:"sp_entity_id"`
	CallbackURL      string `json:"callback_url" yaml:"callback_url"` // ACS URL
	Audience         string `json:"audience,omitempty" yaml:"audience,omitempty"`
	RequireSignature *bool  `json:"require_signature,omitempty" yaml:"require_signature,omitempty"` // default true
	NameIDFormat     string `json:"name_id_format,omitempty" yaml:"name_id_format,omitempty"`
}

// RequireSignatureEnabled reports whether signature presence is enforced.
// Running unsigned is a documented weaker mode, never the default.
func (c *SAMLConfig) RequireSignatureEnabled() bool {
	return c.RequireSignature == nil || *c.RequireSignature
}

// OAuthConfig holds OAuth2 authorization-code flow configuration.
type OAuthConfig struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"-" yaml:"client_secret"` // never expose secret in JSON
	AuthURL      string   `json:"auth_url" yaml:"auth_url"`
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	UserInfoURL  string   `json:"user_info_url" yaml:"user_info_url"`
	CallbackURL  string   `json:"callback_url" yaml:"callback_url"`
	Scopes       []string `json:"scopes" yaml:"scopes"`
}

// AttributeMap declares additional provider-specific source keys for each
// canonical identity field, on top of the built-in dialect table.
type AttributeMap struct {
	ExternalID  []string `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	Email       []string `json:"email,omitempty" yaml:"email,omitempty"`
	DisplayName []string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Department  []string `json:"department,omitempty" yaml:"department,omitempty"`
}

// IdentityRecord is the canonical output of a successful validation.
// ExternalID and Email are always non-empty and Email has passed RFC-shape
// validation before a record leaves the normalizer.
type IdentityRecord struct {
	ExternalID   string       `json:"external_id"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"display_name,omitempty"`
	Department   string       `json:"department,omitempty"`
	ProviderKind ProviderKind `json:"provider_kind"`
	ProviderID   string       `json:"provider_id"`
	SessionIndex string       `json:"-"` // SAML only, used for SLO
}

// FailureReason classifies why an authentication attempt was rejected.
type FailureReason string

const (
	// Configuration
	FailureConfigurationMissing FailureReason = "configuration_missing"

	// Malformed input
	FailureMalformedResponse        FailureReason = "malformed_response"
	FailureNoAssertion              FailureReason = "no_assertion"
	FailureMissingSubject           FailureReason = "missing_subject"
	FailureMissingRequiredAttribute FailureReason = "missing_required_attribute"

	// Protocol / trust
	FailureProtocolStatus    FailureReason = "protocol_status_failure"
	FailureSignatureMissing  FailureReason = "signature_missing"
	FailureSignatureInvalid  FailureReason = "signature_invalid"
	FailureConditionsInvalid FailureReason = "conditions_invalid"
	FailureAudienceMismatch  FailureReason = "audience_mismatch"
	FailureRecipientMismatch FailureReason = "recipient_mismatch"

	// Transport (recoverable, feeds the circuit breaker)
	FailureTokenExchange FailureReason = "token_exchange_failed"
	FailureProfileFetch  FailureReason = "profile_fetch_failed"

	// CSRF / replay
	FailureStateParamInvalid FailureReason = "state_param_invalid"
	FailureStateParamExpired FailureReason = "state_param_expired"
	FailureReplayDetected    FailureReason = "replay_detected"

	// Local fallback
	FailureLocalAuthDisabled     FailureReason = "local_auth_disabled"
	FailureUserNotFoundOrSSOOnly FailureReason = "user_not_found_or_sso_only"
	FailureInvalidCredentials    FailureReason = "invalid_credentials"
)

// Transient reports whether the failure should degrade provider health
// rather than indicate bad input or a trust violation.
func (r FailureReason) Transient() bool {
	switch r {
	case FailureTokenExchange, FailureProfileFetch:
		return true
	}
	return false
}

// ValidationOutcome is the tagged result of a validation attempt. Exactly one
// of Identity (success) or Reason (failure) is meaningful.
type ValidationOutcome struct {
	Identity *IdentityRecord `json:"identity,omitempty"`
	Reason   FailureReason   `json:"reason,omitempty"`
	// Detail carries diagnostic context for logs. It may contain
	// provider-supplied text and is never shown verbatim to end users.
	Detail string `json:"-"`
}

// Success builds a successful outcome carrying the canonical identity.
func Success(record *IdentityRecord) ValidationOutcome {
	return ValidationOutcome{Identity: record}
}

// Failure builds a failed outcome with a reason and diagnostic detail.
func Failure(reason FailureReason, detail string) ValidationOutcome {
	return ValidationOutcome{Reason: reason, Detail: detail}
}

// OK reports whether the outcome is a success.
func (o ValidationOutcome) OK() bool {
	return o.Identity != nil
}
