//go:build postgres && !sqlite

package main

import (
	"context"

	"serverhub/internal/observability"
)

// openStores returns PostgreSQL-backed stores when built with the 'postgres'
// tag. Configure with env var DATABASE_URL.
func openStores(ctx context.Context, logger *observability.Logger, memoryCap int) *stores {
	st, err := openPostgresStores(ctx, databaseURL())
	if err != nil {
		logger.Error("postgres init failed; falling back to in-memory stores", "error", err)
		return memoryStores(memoryCap)
	}
	logger.Info("using postgres stores")
	return st
}
