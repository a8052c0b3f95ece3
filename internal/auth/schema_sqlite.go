//go:build sqlite

package auth

import (
	"database/sql"
	"fmt"
)

// InitSQLiteSchema creates the auth tables if they do not exist.
// Called once at startup by the store wiring in cmd/serverhub.
func InitSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			password_hash BLOB,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_login_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS external_credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			subject TEXT NOT NULL,
			id_token TEXT,
			access_token TEXT,
			id_token_expiry TEXT,
			access_expiry TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (provider, subject)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_user_provider
			ON external_credentials (user_id, provider, updated_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			issuer TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init auth schema: %w", err)
		}
	}
	return nil
}
