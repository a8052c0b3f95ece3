//go:build sqlite && postgres

package main

import (
	"context"

	"serverhub/internal/observability"
)

func usePostgres() bool {
	return databaseURLSet()
}

// openStores picks PostgreSQL if DATABASE_URL is set, otherwise SQLite,
// falling back to memory when neither backend comes up.
func openStores(ctx context.Context, logger *observability.Logger, memoryCap int) *stores {
	if usePostgres() {
		st, err := openPostgresStores(ctx, databaseURL())
		if err != nil {
			logger.Error("postgres init failed; falling back to sqlite", "error", err)
		} else {
			logger.Info("using postgres stores")
			return st
		}
	}
	dsn := sqliteDSN()
	st, err := openSQLiteStores(dsn)
	if err != nil {
		logger.Error("sqlite init failed; falling back to in-memory stores", "error", err)
		return memoryStores(memoryCap)
	}
	logger.Info("using sqlite stores", "dsn", dsn)
	return st
}
