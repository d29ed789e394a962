package sso

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxFieldLength caps every sanitized identity field.
const maxFieldLength = 255

// SanitizeField normalizes a raw string extracted from a provider payload:
// control characters and HTML-significant characters are stripped, surrounding
// whitespace is trimmed, and the result is capped at 255 characters.
func SanitizeField(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsControl(r) {
			continue
		}
		switch r {
		case '<', '>', '"', '\'', '&', '`':
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxFieldLength {
		// Cut on a rune boundary so a multi-byte character straddling the
		// cap never leaves invalid UTF-8 behind.
		cut := maxFieldLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// SanitizeEmail sanitizes, lower-cases and re-validates an email address.
// The returned address has passed RFC-shape validation.
func SanitizeEmail(raw string) (string, error) {
	email := strings.ToLower(SanitizeField(raw))
	if email == "" {
		return "", fmt.Errorf("email is empty after sanitization")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", fmt.Errorf("email failed validation: %w", err)
	}
	// ParseAddress accepts display-name forms; only the bare address is valid here.
	if addr.Address != email {
		return "", fmt.Errorf("email contains extra address syntax")
	}
	return email, nil
}
