//go:build sqlite

package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"serverhub/internal/audit"
	"serverhub/internal/auth"
)

func sqliteDSN() string {
	if dsn := os.Getenv("SQLITE_DSN"); dsn != "" {
		return dsn
	}
	return "file:serverhub.db?cache=shared"
}

// openSQLiteStores opens one connection, initializes both schemas, and
// layers every store over the shared handle.
func openSQLiteStores(dsn string) (*stores, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if err := auth.InitSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auth schema: %w", err)
	}
	if err := audit.InitSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &stores{
		backend:  "sqlite",
		users:    auth.NewSQLiteUserStoreFromDB(db),
		creds:    auth.NewSQLiteCredentialStoreFromDB(db),
		sessions: auth.NewSQLiteSessionStoreFromDB(db),
		auditLog: audit.NewSQLiteStoreFromDB(db),
		close:    func() { _ = db.Close() },
	}, nil
}
