// Package sso implements federated authentication against external identity
// providers: SAML 2.0 response validation on the POST binding and the OAuth 2.0
// authorization-code flow.
//
// # Overview
//
// Every inbound authentication attempt flows through a validation pipeline and
// comes out as a ValidationOutcome: either a canonical IdentityRecord or a
// typed FailureReason. Callers never see provider-shaped data; attribute
// dialects, claim URIs, and userinfo payloads are mapped and sanitized here.
//
// # SAML Validation
//
// SAMLValidator runs the full pipeline over a base64-encoded Response:
//
//	validator, err := sso.NewSAMLValidator(cfg, replayCache, logger)
//	outcome := validator.Validate(ctx, r.FormValue("SAMLResponse"))
//	if !outcome.OK() {
//		// outcome.Reason says which step rejected it
//	}
//
// Each step rejects with its own reason: malformed payloads, non-success
// protocol status, missing or invalid signatures, expired conditions, audience
// and recipient mismatches, missing subjects, and replayed assertion IDs.
// Signatures are verified with goxmldsig and the assertion is always taken
// from the verified subtree, never from the raw document.
//
// SAMLRedirector is the outbound half: AuthnRequest login URLs, SP metadata,
// and best-effort single-logout redirects.
//
// # OAuth2 Flow
//
// OAuthClient exchanges an authorization code and fetches the user profile:
//
//	client, err := sso.NewOAuthClient(cfg, signer, monitor, logger)
//	url := client.LoginURL(state)
//	outcome := client.ExchangeAndFetchProfile(ctx, code, state)
//
// Transport failures (token exchange, profile fetch) are reported to the
// FailureReporter so an unreachable IdP degrades between scheduled probes.
// Trust and input failures are never reported; garbage traffic cannot trip
// the availability breaker.
//
// # State Tokens
//
// StateSigner mints and verifies the anti-CSRF state parameter, an
// HMAC-SHA256 signed timestamp_nonce pair valid for StateMaxAge.
//
// # Identity Normalization
//
// Normalizer maps provider attributes onto the canonical record using a
// case-insensitive lookup table covering common SAML claim URIs, urn:oid
// names, and OAuth userinfo keys, extended per provider via AttributeMap.
// All string fields pass through SanitizeField before leaving the package.
//
// # Related Packages
//
//   - pkg/auth: session issuance for validated identities
//   - pkg/health: provider availability monitoring and fallback strategy
//   - pkg/gateway: HTTP surface tying the flows together
package sso
