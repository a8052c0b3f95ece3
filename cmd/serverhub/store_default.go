//go:build !sqlite && !postgres

package main

import (
	"context"
	"os"

	"serverhub/internal/observability"
)

// openStores returns in-memory stores when built without a database tag.
// If a database env var is set, log a hint to rebuild with the right tag.
func openStores(_ context.Context, logger *observability.Logger, memoryCap int) *stores {
	if os.Getenv("SQLITE_DSN") != "" {
		logger.Warn("SQLITE_DSN set, but binary not built with -tags sqlite; using in-memory stores")
	}
	if os.Getenv("DATABASE_URL") != "" {
		logger.Warn("DATABASE_URL set, but binary not built with -tags postgres; using in-memory stores")
	}
	return memoryStores(memoryCap)
}
