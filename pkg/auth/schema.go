package auth

import (
	"database/sql"
	"fmt"
)

// EnsureSchema creates the account and session tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		department VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(50) NOT NULL DEFAULT 'requester',
		password_hash TEXT,
		external_id VARCHAR(255),
		provider_kind VARCHAR(20),
		provider_id VARCHAR(100),
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		last_login_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external_identity
		ON users(external_id, provider_kind) WHERE external_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash CHAR(64) NOT NULL UNIQUE,
		provider_id VARCHAR(100) NOT NULL DEFAULT '',
		saml_session_index VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create auth schema: %w", err)
	}
	return nil
}
