package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix identifies gateway session credentials.
	TokenPrefix = "adg_"
	// TokenLength is the number of random bytes per token (256 bits).
	TokenLength = 32
)

// CredentialGenerator generates and hashes opaque session credentials.
// Tokens are returned once and persisted only as a SHA256 hash.
type CredentialGenerator struct{}

// NewCredentialGenerator creates a new credential generator.
func NewCredentialGenerator() *CredentialGenerator {
	return &CredentialGenerator{}
}

// Generate creates a new credential.
// Format: adg_<base64url(32 random bytes)>
func (g *CredentialGenerator) Generate() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullToken := TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return fullToken, g.Hash(fullToken), nil
}

// Hash computes the SHA256 hash of a token for storage and lookup.
func (g *CredentialGenerator) Hash(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateFormat checks a token's shape before any store lookup.
func (g *CredentialGenerator) ValidateFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}
