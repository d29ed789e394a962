package auth

import (
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreCreate(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSessionStore(db)

	now := time.Now()
	session := &Session{
		ID:             "sess-uuid",
		UserID:         7,
		TokenHash:      "hash",
		ProviderID:     "okta",
		CreatedAt:      now,
		ExpiresAt:      now.Add(SessionTTL),
		LastActivityAt: now,
	}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("sess-uuid", int64(7), "hash", "okta", "", session.CreatedAt, session.ExpiresAt, session.LastActivityAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Create(session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreGetByTokenHash(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSessionStore(db)

	now := time.Now()
	mock.ExpectQuery("FROM sessions").
		WithArgs("hash").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "token_hash", "provider_id", "saml_session_index", "created_at", "expires_at", "last_activity_at"}).
			AddRow("sess-uuid", int64(7), "hash", "okta", "idx-1", now, now.Add(time.Hour), now))

	session, err := store.GetByTokenHash("hash")
	require.NoError(t, err)
	assert.Equal(t, "sess-uuid", session.ID)
	assert.Equal(t, int64(7), session.UserID)
	assert.Equal(t, "okta", session.ProviderID)
	assert.Equal(t, "idx-1", session.SAMLSessionIdx)
}

func TestSessionStoreGetByTokenHashExpiredOrMissing(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSessionStore(db)

	mock.ExpectQuery("FROM sessions").
		WithArgs("hash").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByTokenHash("hash")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSessionStoreCleanupExpired(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSessionStore(db)

	mock.ExpectExec("DELETE FROM sessions WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func newTestIssuer(t *testing.T) (*Issuer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewIssuer(NewUserStore(db), NewSessionStore(db), RoleRequester), mock
}

func expectFindOrCreateExisting(mock sqlmock.Sqlmock, active bool) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE users").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM users WHERE id =").
		WillReturnRows(sampleUserRow(active))
}

func TestIssueSession(t *testing.T) {
	issuer, mock := newTestIssuer(t)

	expectFindOrCreateExisting(mock, true)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	record := testIdentityRecord()
	record.SessionIndex = "idx-1"
	cred, err := issuer.IssueSession(record)
	require.NoError(t, err)

	assert.Contains(t, cred.Token, TokenPrefix)
	assert.NotEmpty(t, cred.SessionID)
	assert.Equal(t, int64(7), cred.UserID)
	assert.WithinDuration(t, time.Now().Add(SessionTTL), cred.ExpiresAt, time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueSessionDeactivatedAccount(t *testing.T) {
	issuer, mock := newTestIssuer(t)

	expectFindOrCreateExisting(mock, false)

	_, err := issuer.IssueSession(testIdentityRecord())
	assert.ErrorContains(t, err, "deactivated")
}

func TestAuthenticate(t *testing.T) {
	issuer, mock := newTestIssuer(t)

	token, tokenHash, err := NewCredentialGenerator().Generate()
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("FROM sessions").
		WithArgs(tokenHash).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "token_hash", "provider_id", "saml_session_index", "created_at", "expires_at", "last_activity_at"}).
			AddRow("sess-uuid", int64(7), tokenHash, "okta", "", now, now.Add(time.Hour), now))
	mock.ExpectExec("UPDATE sessions SET last_activity_at").
		WithArgs("sess-uuid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	session, err := issuer.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-uuid", session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateRejectsMalformedToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	_, err := issuer.Authenticate("not-a-gateway-token")
	assert.ErrorContains(t, err, "invalid credential format")
}

func TestAuthenticateUnknownToken(t *testing.T) {
	issuer, mock := newTestIssuer(t)

	token, _, err := NewCredentialGenerator().Generate()
	require.NoError(t, err)

	mock.ExpectQuery("FROM sessions").
		WillReturnError(sql.ErrNoRows)

	_, err = issuer.Authenticate(token)
	assert.ErrorContains(t, err, "session lookup failed")
}

func TestRevoke(t *testing.T) {
	issuer, mock := newTestIssuer(t)

	mock.ExpectExec("DELETE FROM sessions WHERE id =").
		WithArgs("sess-uuid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, issuer.Revoke("sess-uuid"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
