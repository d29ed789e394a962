package auth

import (
	"database/sql"
	"fmt"

	"github.com/assetdesk/authgate/pkg/sso"
)

// UserStore resolves canonical identities to local accounts in Postgres.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store over an open database handle.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, display_name, department, role, password_hash,
		external_id, provider_kind, provider_id, is_active, created_at, updated_at, last_login_at`

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.Department,
		&user.Role, &user.PasswordHash, &user.ExternalID, &user.ProviderKind,
		&user.ProviderID, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByEmail looks up an account by email. Returns sql.ErrNoRows when absent.
func (s *UserStore) FindByEmail(email string) (*User, error) {
	return scanUser(s.db.QueryRow(`
		SELECT `+userColumns+`
		FROM users WHERE email = $1
	`, email))
}

// FindByExternalID looks up an account by provider-scoped subject identifier.
func (s *UserStore) FindByExternalID(externalID string, kind sso.ProviderKind) (*User, error) {
	return scanUser(s.db.QueryRow(`
		SELECT `+userColumns+`
		FROM users WHERE external_id = $1 AND provider_kind = $2
	`, externalID, string(kind)))
}

// FindOrCreate resolves a canonical identity to a local account. A new
// account gets the default low-privilege role; an existing one gets its
// last-login timestamp and provider linkage refreshed.
func (s *UserStore) FindOrCreate(record *sso.IdentityRecord, defaultRole Role) (*User, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRow(`
		SELECT id FROM users
		WHERE email = $1 OR (external_id = $2 AND provider_kind = $3)
		LIMIT 1
	`, record.Email, record.ExternalID, string(record.ProviderKind)).Scan(&userID)

	switch {
	case err == sql.ErrNoRows:
		if defaultRole == "" {
			defaultRole = RoleRequester
		}
		err = tx.QueryRow(`
			INSERT INTO users (email, display_name, department, role,
				external_id, provider_kind, provider_id,
				is_active, created_at, updated_at, last_login_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, true, NOW(), NOW(), NOW())
			RETURNING id
		`, record.Email, record.DisplayName, record.Department, string(defaultRole),
			record.ExternalID, string(record.ProviderKind), record.ProviderID).Scan(&userID)
		if err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	default:
		_, err = tx.Exec(`
			UPDATE users
			SET external_id = $1, provider_kind = $2, provider_id = $3,
				display_name = COALESCE(NULLIF($4, ''), display_name),
				department = COALESCE(NULLIF($5, ''), department),
				updated_at = NOW(), last_login_at = NOW()
			WHERE id = $6
		`, record.ExternalID, string(record.ProviderKind), record.ProviderID,
			record.DisplayName, record.Department, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh provider linkage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return scanUser(s.db.QueryRow(`
		SELECT `+userColumns+`
		FROM users WHERE id = $1
	`, userID))
}
