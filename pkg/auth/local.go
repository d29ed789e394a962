package auth

import (
	"database/sql"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Local-fallback failures are user-facing and never leak stack detail.
var (
	ErrLocalAuthDisabled     = errors.New("local authentication is disabled")
	ErrUserNotFoundOrSSOOnly = errors.New("account not found or has no local credential")
	ErrInvalidCredentials    = errors.New("invalid credentials")
)

// LocalAuthenticator verifies local passwords for accounts that also carry
// SSO linkage, so users can still sign in while their identity provider is
// degraded.
type LocalAuthenticator struct {
	users   *UserStore
	issuer  *Issuer
	enabled bool
	log     *logrus.Logger
}

// NewLocalAuthenticator creates the fallback authenticator.
func NewLocalAuthenticator(users *UserStore, issuer *Issuer, enabled bool, log *logrus.Logger) *LocalAuthenticator {
	if log == nil {
		log = logrus.New()
	}
	return &LocalAuthenticator{users: users, issuer: issuer, enabled: enabled, log: log}
}

// Enabled reports whether local fallback is configured.
func (a *LocalAuthenticator) Enabled() bool {
	return a.enabled
}

// Authenticate looks up a local account with SSO linkage by email, verifies
// the secret against the stored bcrypt hash, and issues a session exactly as
// a successful SSO resolution would.
func (a *LocalAuthenticator) Authenticate(identifier, secret string) (*SessionCredential, error) {
	if !a.enabled {
		return nil, ErrLocalAuthDisabled
	}

	user, err := a.users.FindByEmail(identifier)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFoundOrSSOOnly
	}
	if err != nil {
		a.log.WithError(err).Error("local fallback account lookup failed")
		return nil, ErrUserNotFoundOrSSOOnly
	}
	// Fallback is only for SSO users who also hold a local credential.
	if !user.ExternalID.Valid || !user.PasswordHash.Valid || user.PasswordHash.String == "" {
		return nil, ErrUserNotFoundOrSSOOnly
	}
	if !user.IsActive {
		return nil, ErrUserNotFoundOrSSOOnly
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash.String), []byte(secret)); err != nil {
		a.log.WithFields(logrus.Fields{
			"user_id":        user.ID,
			"security_event": "fallback_bad_password",
		}).Warn("local fallback password rejected")
		return nil, ErrInvalidCredentials
	}

	return a.issuer.IssueForUser(user)
}
