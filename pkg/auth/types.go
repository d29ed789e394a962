package auth

import (
	"database/sql"
	"time"
)

// Role represents a user's privilege level in the portal.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleRequester Role = "requester" // default low-privilege role for new SSO users
	RoleViewer    Role = "viewer"
)

// User is a local portal account. SSO-provisioned accounts carry provider
// linkage fields; accounts with a password hash can also authenticate through
// the local fallback path.
type User struct {
	ID           int64          `json:"id"`
	Email        string         `json:"email"`
	DisplayName  string         `json:"display_name"`
	Department   string         `json:"department,omitempty"`
	Role         Role           `json:"role"`
	PasswordHash sql.NullString `json:"-"`
	ExternalID   sql.NullString `json:"-"` // provider-scoped subject identifier
	ProviderKind sql.NullString `json:"-"`
	ProviderID   sql.NullString `json:"-"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastLoginAt  time.Time      `json:"last_login_at"`
}

// Session is a persisted session row. The row exists so the server can
// revoke a credential (logout, timeout) even though the token is
// self-verifying by hash lookup.
type Session struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"user_id"`
	TokenHash      string    `json:"-"`
	ProviderID     string    `json:"provider_id,omitempty"` // provider that issued the session; empty for local fallback
	SAMLSessionIdx string    `json:"-"`                     // for SAML single logout against that provider
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SessionCredential is the opaque signed token handed to the caller, bound to
// a local user and a persisted session row with an absolute expiry.
type SessionCredential struct {
	Token     string    `json:"token"` // returned once, stored only as a hash
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
