package sso

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StateMaxAge bounds how long an anti-CSRF state token stays valid.
const StateMaxAge = 10 * time.Minute

// StateToken is the OAuth anti-CSRF token carried through the authorization
// redirect. It is valid only if the signature matches and the token is no
// older than StateMaxAge.
type StateToken struct {
	Timestamp time.Time
	Nonce     string
	Signature string
}

// Encode renders the wire form: timestamp_nonce_signature.
func (t StateToken) Encode() string {
	return fmt.Sprintf("%d_%s_%s", t.Timestamp.Unix(), t.Nonce, t.Signature)
}

// StateSigner generates and validates signed state tokens with a server-side
// HMAC-SHA256 secret.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a state signer. The secret must be non-empty.
func NewStateSigner(secret []byte) (*StateSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("state secret is required")
	}
	return &StateSigner{secret: secret, now: time.Now}, nil
}

// GenerateState mints a fresh unguessable, tamper-evident state token.
func (s *StateSigner) GenerateState() (StateToken, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return StateToken{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ts := s.now().UTC().Truncate(time.Second)
	nonce := hex.EncodeToString(nonceBytes)
	return StateToken{
		Timestamp: ts,
		Nonce:     nonce,
		Signature: s.sign(ts, nonce),
	}, nil
}

// ValidateState recomputes the signature and enforces the age bound.
// It returns false for empty input, tampered tokens, and expired tokens.
func (s *StateSigner) ValidateState(encoded string) bool {
	return s.InspectState(encoded) == ""
}

// InspectState classifies a rejected state token, distinguishing tampering
// from expiry for security logging. It returns "" for a valid token.
func (s *StateSigner) InspectState(encoded string) FailureReason {
	if encoded == "" {
		return FailureStateParamInvalid
	}
	parts := strings.SplitN(encoded, "_", 3)
	if len(parts) != 3 {
		return FailureStateParamInvalid
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return FailureStateParamInvalid
	}
	ts := time.Unix(unix, 0).UTC()
	nonce, sig := parts[1], parts[2]

	expected := s.sign(ts, nonce)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return FailureStateParamInvalid
	}

	age := s.now().Sub(ts)
	if age < 0 || age > StateMaxAge {
		return FailureStateParamExpired
	}
	return ""
}

func (s *StateSigner) sign(ts time.Time, nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%d_%s", ts.Unix(), nonce)
	return hex.EncodeToString(mac.Sum(nil))
}
