package main

import (
	"serverhub/internal/audit"
	"serverhub/internal/auth"
)

// stores bundles the persistence backends picked at startup. All four share
// one database handle when a durable backend is selected, so close tears
// down a single connection.
type stores struct {
	backend  string
	users    auth.UserStore
	creds    auth.CredentialStore
	sessions auth.SessionStore
	auditLog audit.Store
	close    func()
}

// memoryStores is the zero-dependency fallback: process-lifetime state only.
func memoryStores(memoryCap int) *stores {
	return &stores{
		backend:  "memory",
		users:    auth.NewMemoryUserStore(),
		creds:    auth.NewMemoryCredentialStore(),
		sessions: auth.NewMemorySessionStore(),
		auditLog: audit.NewMemoryStore(audit.WithMaxEvents(memoryCap)),
		close:    func() {},
	}
}
