//go:build sqlite && !postgres

package main

import (
	"context"

	"serverhub/internal/observability"
)

// openStores returns SQLite-backed stores when built with the 'sqlite' tag.
// Configure with env var SQLITE_DSN (e.g., file:serverhub.db?cache=shared).
func openStores(_ context.Context, logger *observability.Logger, memoryCap int) *stores {
	dsn := sqliteDSN()
	st, err := openSQLiteStores(dsn)
	if err != nil {
		logger.Error("sqlite init failed; falling back to in-memory stores", "error", err)
		return memoryStores(memoryCap)
	}
	logger.Info("using sqlite stores", "dsn", dsn)
	return st
}
