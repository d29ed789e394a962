package auth

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/assetdesk/authgate/pkg/sso"
)

// SessionTTL is the absolute expiry of an issued session.
const SessionTTL = 24 * time.Hour

// SessionStore persists session rows for server-side revocation.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store over an open database handle.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a session row.
func (s *SessionStore) Create(session *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, token_hash, provider_id, saml_session_index, created_at, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, session.ID, session.UserID, session.TokenHash, session.ProviderID, session.SAMLSessionIdx,
		session.CreatedAt, session.ExpiresAt, session.LastActivityAt)
	return err
}

// GetByTokenHash retrieves an unexpired session by credential hash.
func (s *SessionStore) GetByTokenHash(tokenHash string) (*Session, error) {
	session := &Session{}
	err := s.db.QueryRow(`
		SELECT id, user_id, token_hash, provider_id, saml_session_index, created_at, expires_at, last_activity_at
		FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash).Scan(&session.ID, &session.UserID, &session.TokenHash, &session.ProviderID,
		&session.SAMLSessionIdx, &session.CreatedAt, &session.ExpiresAt, &session.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Touch updates the session's last-activity timestamp.
func (s *SessionStore) Touch(sessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity_at = NOW() WHERE id = $1`, sessionID)
	return err
}

// Delete revokes a session.
func (s *SessionStore) Delete(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}

// CleanupExpired removes expired session rows and reports how many.
func (s *SessionStore) CleanupExpired() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Issuer resolves canonical identities to local accounts and issues signed
// session credentials backed by persisted session rows.
type Issuer struct {
	users       *UserStore
	sessions    *SessionStore
	credentials *CredentialGenerator
	defaultRole Role
}

// NewIssuer creates a session issuer.
func NewIssuer(users *UserStore, sessions *SessionStore, defaultRole Role) *Issuer {
	return &Issuer{
		users:       users,
		sessions:    sessions,
		credentials: NewCredentialGenerator(),
		defaultRole: defaultRole,
	}
}

// IssueSession finds or creates the local account for the identity and issues
// a credential with an absolute 24h expiry. The persisted session row enables
// later revocation; it is not optional even though the token is self-verifying.
func (i *Issuer) IssueSession(record *sso.IdentityRecord) (*SessionCredential, error) {
	user, err := i.users.FindOrCreate(record, i.defaultRole)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local account: %w", err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("account %d is deactivated", user.ID)
	}
	return i.issueFor(user, record.ProviderID, record.SessionIndex)
}

// IssueForUser issues a session for an already-resolved account, used by the
// local-password fallback path.
func (i *Issuer) IssueForUser(user *User) (*SessionCredential, error) {
	return i.issueFor(user, "", "")
}

func (i *Issuer) issueFor(user *User, providerID, samlSessionIdx string) (*SessionCredential, error) {
	token, tokenHash, err := i.credentials.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		TokenHash:      tokenHash,
		ProviderID:     providerID,
		SAMLSessionIdx: samlSessionIdx,
		CreatedAt:      now,
		ExpiresAt:      now.Add(SessionTTL),
		LastActivityAt: now,
	}
	if err := i.sessions.Create(session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return &SessionCredential{
		Token:     token,
		SessionID: session.ID,
		UserID:    user.ID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Authenticate validates a presented credential against the session store and
// refreshes the session's last activity.
func (i *Issuer) Authenticate(token string) (*Session, error) {
	if err := i.credentials.ValidateFormat(token); err != nil {
		return nil, fmt.Errorf("invalid credential format: %w", err)
	}
	session, err := i.sessions.GetByTokenHash(i.credentials.Hash(token))
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if err := i.sessions.Touch(session.ID); err != nil {
		return nil, fmt.Errorf("failed to update session activity: %w", err)
	}
	return session, nil
}

// Revoke deletes the session row backing a credential.
func (i *Issuer) Revoke(sessionID string) error {
	return i.sessions.Delete(sessionID)
}
