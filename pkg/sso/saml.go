package sso

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/sirupsen/logrus"
)

const (
	statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

	// DefaultClockSkew tolerates small clock drift between the IdP and us
	// when evaluating time conditions.
	DefaultClockSkew = 60 * time.Second

	// DefaultReplayTTL bounds how long accepted assertion IDs are remembered.
	DefaultReplayTTL = 10 * time.Minute
)

// SAMLValidator parses and validates SAML 2.0 Responses received on the POST
// binding. Each validation step rejects with a distinct FailureReason so the
// caller can log and account for the exact trust violation.
type SAMLValidator struct {
	cfg        *ProviderConfig
	certStore  *dsig.MemoryX509CertificateStore
	normalizer *Normalizer
	replay     ReplayCache
	clockSkew  time.Duration
	replayTTL  time.Duration
	log        *logrus.Logger
	now        func() time.Time
}

// NewSAMLValidator creates a validator for one SAML provider. The trusted
// IdP certificate is parsed once; replay may be nil to disable ID tracking.
func NewSAMLValidator(cfg *ProviderConfig, replay ReplayCache, log *logrus.Logger) (*SAMLValidator, error) {
	if cfg.SAML == nil {
		return nil, fmt.Errorf("SAML config is required")
	}
	if log == nil {
		log = logrus.New()
	}

	certBlock, _ := pem.Decode([]byte(cfg.SAML.Certificate))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode trusted certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted certificate: %w", err)
	}

	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}

	return &SAMLValidator{
		cfg:        cfg,
		certStore:  &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
		normalizer: NewNormalizer(cfg.AttributeMap),
		replay:     replay,
		clockSkew:  skew,
		replayTTL:  DefaultReplayTTL,
		log:        log,
	}, nil
}

// Validate runs the full validation pipeline over a base64-encoded Response.
func (v *SAMLValidator) Validate(ctx context.Context, base64Response string) ValidationOutcome {
	// Step 1: decode and gate on a recognizable Response root before any XML
	// parser touches the payload.
	raw, err := base64.StdEncoding.DecodeString(base64Response)
	if err != nil {
		return Failure(FailureMalformedResponse, "response is not valid base64")
	}
	if !hasResponseRoot(raw) {
		return Failure(FailureMalformedResponse, "decoded payload has no Response root element")
	}

	// Step 2: parse. The round-trip validator rejects token smuggling, and
	// etree's strict reader never resolves external entities (XXE defense).
	if err := xrv.Validate(strings.NewReader(string(raw))); err != nil {
		return Failure(FailureMalformedResponse, fmt.Sprintf("response failed XML validation: %v", err))
	}
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = false
	if err := doc.ReadFromBytes(raw); err != nil {
		return Failure(FailureMalformedResponse, fmt.Sprintf("response is not well-formed XML: %v", err))
	}
	response := doc.Root()
	if response == nil || response.Tag != "Response" {
		return Failure(FailureMalformedResponse, "root element is not a Response")
	}

	// Step 3: protocol status must indicate success.
	if outcome, ok := v.checkStatus(response); !ok {
		return outcome
	}

	// Steps 4-5: signature presence and verification, then assertion
	// extraction from the verified subtree.
	assertion, outcome, ok := v.verifyAndExtractAssertion(response)
	if !ok {
		return outcome
	}

	// Step 6: time conditions and audience restriction.
	if outcome, ok := v.checkConditions(assertion); !ok {
		return outcome
	}

	// Step 7: subject, NameID, and subject confirmation.
	nameID, outcome, ok := v.checkSubject(assertion)
	if !ok {
		return outcome
	}

	// Step 9: replay protection over the response and assertion IDs.
	if outcome, ok := v.checkReplay(ctx, response, assertion); !ok {
		return outcome
	}

	// Steps 8 and 10: attribute mapping through the sanitizer.
	attrs := extractAttributes(assertion)
	record, err := v.normalizer.Normalize(v.cfg, attrs, nameID)
	if err != nil {
		return Failure(FailureMissingRequiredAttribute, err.Error())
	}
	record.SessionIndex = sessionIndex(assertion)
	return Success(record)
}

// hasResponseRoot scans for an opening Response tag, with or without a
// namespace prefix, without invoking an XML parser.
func hasResponseRoot(raw []byte) bool {
	text := string(raw)
	for i := strings.IndexByte(text, '<'); i >= 0 && i < len(text); {
		rest := text[i+1:]
		if strings.HasPrefix(rest, "Response") {
			return true
		}
		if colon := strings.IndexByte(rest, ':'); colon > 0 && colon < 16 {
			if strings.HasPrefix(rest[colon+1:], "Response") {
				return true
			}
		}
		next := strings.IndexByte(rest, '<')
		if next < 0 {
			return false
		}
		i += 1 + next
	}
	return false
}

func (v *SAMLValidator) checkStatus(response *etree.Element) (ValidationOutcome, bool) {
	status := response.FindElement("./Status")
	if status == nil {
		return Failure(FailureProtocolStatus, "response has no Status element"), false
	}
	code := status.FindElement("./StatusCode")
	if code == nil || code.SelectAttrValue("Value", "") != statusSuccess {
		detail := "IdP returned non-success status"
		if msg := status.FindElement("./StatusMessage"); msg != nil {
			// Provider-supplied text: attach for diagnostics only, never
			// echoed to end users.
			detail = fmt.Sprintf("IdP status message: %s", msg.Text())
		}
		return Failure(FailureProtocolStatus, detail), false
	}
	return ValidationOutcome{}, true
}

// verifyAndExtractAssertion enforces signature policy and returns the first
// Assertion from the cryptographically verified subtree, so wrapped or
// injected assertions outside the signed region are never consulted.
func (v *SAMLValidator) verifyAndExtractAssertion(response *etree.Element) (*etree.Element, ValidationOutcome, bool) {
	responseSigned := hasDirectSignature(response)
	assertion := response.FindElement("./Assertion")
	assertionSigned := assertion != nil && hasDirectSignature(assertion)

	if !responseSigned && !assertionSigned {
		if v.cfg.SAML.RequireSignatureEnabled() {
			return nil, Failure(FailureSignatureMissing, "no signature on response or assertion"), false
		}
		// Documented weaker mode: structurally validated but unverified.
		v.log.WithField("provider", v.cfg.ID).Warn("accepting unsigned SAML response: require_signature is disabled")
		if assertion == nil {
			return nil, Failure(FailureNoAssertion, "response carries no assertion"), false
		}
		return assertion, ValidationOutcome{}, true
	}

	vctx := dsig.NewDefaultValidationContext(v.certStore)

	if responseSigned {
		validated, err := vctx.Validate(response)
		if err != nil {
			return nil, Failure(FailureSignatureInvalid, fmt.Sprintf("response signature verification failed: %v", err)), false
		}
		verifiedAssertion := validated.FindElement("./Assertion")
		if verifiedAssertion == nil {
			return nil, Failure(FailureNoAssertion, "signed response carries no assertion"), false
		}
		return verifiedAssertion, ValidationOutcome{}, true
	}

	validated, err := vctx.Validate(assertion)
	if err != nil {
		return nil, Failure(FailureSignatureInvalid, fmt.Sprintf("assertion signature verification failed: %v", err)), false
	}
	return validated, ValidationOutcome{}, true
}

func hasDirectSignature(el *etree.Element) bool {
	for _, child := range el.ChildElements() {
		if child.Tag == "Signature" {
			return true
		}
	}
	return false
}

func (v *SAMLValidator) checkConditions(assertion *etree.Element) (ValidationOutcome, bool) {
	conditions := assertion.FindElement("./Conditions")
	if conditions == nil {
		return ValidationOutcome{}, true
	}
	now := v.timeNow()

	if notBefore := conditions.SelectAttrValue("NotBefore", ""); notBefore != "" {
		t, err := parseSAMLTime(notBefore)
		if err != nil {
			return Failure(FailureConditionsInvalid, fmt.Sprintf("unparseable NotBefore: %v", err)), false
		}
		if now.Add(v.clockSkew).Before(t) {
			return Failure(FailureConditionsInvalid, "assertion not yet valid"), false
		}
	}
	if notOnOrAfter := conditions.SelectAttrValue("NotOnOrAfter", ""); notOnOrAfter != "" {
		t, err := parseSAMLTime(notOnOrAfter)
		if err != nil {
			return Failure(FailureConditionsInvalid, fmt.Sprintf("unparseable NotOnOrAfter: %v", err)), false
		}
		if !now.Add(-v.clockSkew).Before(t) {
			return Failure(FailureConditionsInvalid, "assertion expired"), false
		}
	}

	if v.cfg.SAML.Audience != "" {
		found := false
		for _, audience := range conditions.FindElements("./AudienceRestriction/Audience") {
			if strings.TrimSpace(audience.Text()) == v.cfg.SAML.Audience {
				found = true
				break
			}
		}
		if !found {
			return Failure(FailureAudienceMismatch, "expected audience not present in assertion"), false
		}
	}
	return ValidationOutcome{}, true
}

func (v *SAMLValidator) checkSubject(assertion *etree.Element) (string, ValidationOutcome, bool) {
	subject := assertion.FindElement("./Subject")
	if subject == nil {
		return "", Failure(FailureMissingSubject, "assertion has no Subject"), false
	}
	nameIDEl := subject.FindElement("./NameID")
	if nameIDEl == nil || strings.TrimSpace(nameIDEl.Text()) == "" {
		return "", Failure(FailureMissingSubject, "subject has no NameID"), false
	}
	nameID := strings.TrimSpace(nameIDEl.Text())

	for _, data := range subject.FindElements("./SubjectConfirmation/SubjectConfirmationData") {
		if recipient := data.SelectAttrValue("Recipient", ""); recipient != "" && v.cfg.SAML.CallbackURL != "" {
			if recipient != v.cfg.SAML.CallbackURL {
				return "", Failure(FailureRecipientMismatch, "subject confirmation recipient does not match ACS URL"), false
			}
		}
		if notOnOrAfter := data.SelectAttrValue("NotOnOrAfter", ""); notOnOrAfter != "" {
			t, err := parseSAMLTime(notOnOrAfter)
			if err != nil {
				return "", Failure(FailureConditionsInvalid, fmt.Sprintf("unparseable subject confirmation NotOnOrAfter: %v", err)), false
			}
			if !v.timeNow().Add(-v.clockSkew).Before(t) {
				return "", Failure(FailureConditionsInvalid, "subject confirmation expired"), false
			}
		}
	}
	return nameID, ValidationOutcome{}, true
}

// checkReplay records the response and assertion IDs and hard-rejects a
// repeat inside the validity window. A cache backend outage is logged and
// tolerated; a confirmed replay never is.
func (v *SAMLValidator) checkReplay(ctx context.Context, response, assertion *etree.Element) (ValidationOutcome, bool) {
	if v.replay == nil {
		return ValidationOutcome{}, true
	}
	for _, el := range []*etree.Element{response, assertion} {
		id := el.SelectAttrValue("ID", "")
		if id == "" {
			continue
		}
		seen, err := v.replay.Seen(ctx, v.cfg.ID+":"+id, v.replayTTL)
		if err != nil {
			v.log.WithError(err).WithField("provider", v.cfg.ID).Warn("replay cache unavailable, skipping assertion ID check")
			continue
		}
		if seen {
			v.log.WithFields(logrus.Fields{
				"provider":       v.cfg.ID,
				"security_event": "assertion_replay",
			}).Warn("repeated SAML assertion ID inside validity window")
			return Failure(FailureReplayDetected, fmt.Sprintf("assertion ID %s already consumed", id)), false
		}
	}
	return ValidationOutcome{}, true
}

func extractAttributes(assertion *etree.Element) map[string]string {
	attrs := make(map[string]string)
	for _, attr := range assertion.FindElements("./AttributeStatement/Attribute") {
		name := attr.SelectAttrValue("Name", "")
		if name == "" {
			continue
		}
		if value := attr.FindElement("./AttributeValue"); value != nil {
			attrs[name] = strings.TrimSpace(value.Text())
		}
	}
	return attrs
}

func sessionIndex(assertion *etree.Element) string {
	if stmt := assertion.FindElement("./AuthnStatement"); stmt != nil {
		return stmt.SelectAttrValue("SessionIndex", "")
	}
	return ""
}

func (v *SAMLValidator) timeNow() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

// parseSAMLTime accepts xs:dateTime with or without fractional seconds.
func parseSAMLTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999Z07:00", value)
}

// SAMLRedirector builds IdP-bound login redirects and SP metadata for a SAML
// provider. Response validation stays in SAMLValidator; this half only
// initiates the flow.
type SAMLRedirector struct {
	cfg *ProviderConfig
	sp  *saml2.SAMLServiceProvider
}

// NewSAMLRedirector wires a gosaml2 service provider from the shared config.
func NewSAMLRedirector(cfg *ProviderConfig) (*SAMLRedirector, error) {
	if cfg.SAML == nil {
		return nil, fmt.Errorf("SAML config is required")
	}
	certBlock, _ := pem.Decode([]byte(cfg.SAML.Certificate))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode trusted certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted certificate: %w", err)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SAML.SSOURL,
		IdentityProviderIssuer:      cfg.SAML.EntityID,
		ServiceProviderIssuer:       cfg.SAML.SPEntityID,
		AssertionConsumerServiceURL: cfg.SAML.CallbackURL,
		AudienceURI:                 cfg.SAML.Audience,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
	}
	if cfg.SAML.NameIDFormat != "" {
		sp.NameIdFormat = cfg.SAML.NameIDFormat
	}
	return &SAMLRedirector{cfg: cfg, sp: sp}, nil
}

// LoginURL builds the AuthnRequest redirect URL carrying state as RelayState.
func (r *SAMLRedirector) LoginURL(state string) (string, error) {
	authURL, err := r.sp.BuildAuthURL(state)
	if err != nil {
		return "", fmt.Errorf("failed to build auth URL: %w", err)
	}
	return authURL, nil
}

// Metadata renders the SP metadata document advertised to the IdP.
func (r *SAMLRedirector) Metadata() ([]byte, error) {
	metadataXML := fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
                     entityID="%s">
  <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
                                 Location="%s"
                                 index="1"/>
  </md:SPSSODescriptor>
</md:EntityDescriptor>`,
		r.sp.ServiceProviderIssuer,
		r.sp.AssertionConsumerServiceURL)
	return []byte(metadataXML), nil
}

// LogoutURL builds a best-effort SAML SLO redirect. Empty when the provider
// has no SLO endpoint configured.
func (r *SAMLRedirector) LogoutURL(sessionIdx string) (string, error) {
	if r.cfg.SAML.SLOUrl == "" {
		return "", nil
	}
	logoutRequestXML := fmt.Sprintf(`<?xml version="1.0"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                     xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                     ID="_%s"
                     Version="2.0"
                     IssueInstant="%s"
                     Destination="%s">
  <saml:Issuer>%s</saml:Issuer>
  <samlp:SessionIndex>%s</samlp:SessionIndex>
</samlp:LogoutRequest>`,
		randomRequestID(),
		time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		r.cfg.SAML.SLOUrl,
		r.sp.ServiceProviderIssuer,
		sessionIdx)

	logoutURL, err := url.Parse(r.cfg.SAML.SLOUrl)
	if err != nil {
		return "", fmt.Errorf("invalid SLO URL: %w", err)
	}
	query := logoutURL.Query()
	query.Set("SAMLRequest", base64.StdEncoding.EncodeToString([]byte(logoutRequestXML)))
	logoutURL.RawQuery = query.Encode()
	return logoutURL.String(), nil
}

// randomRequestID generates an ID for outbound SAML requests.
func randomRequestID() string {
	return uuid.NewString()
}
