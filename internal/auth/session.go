package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session")
)

// DefaultSessionTTL applies when no session lifetime is configured.
const DefaultSessionTTL = 24 * time.Hour

// sessionTokenBytes is the entropy of a session token before hex encoding.
const sessionTokenBytes = 32

// Session is one authenticated browser session, minted after a successful
// OAuth callback. The role is a snapshot taken at synchronization time; a
// role change takes effect at the next login.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Provider  Provider  `json:"provider"`
	Issuer    string    `json:"issuer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the session lifetime has elapsed.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsValid reports whether the session carries its required fields and has
// not expired.
func (s *Session) IsValid() bool {
	return s.ID != "" && s.UserID != "" && !s.IsExpired()
}

// NewSession mints a session for a principal authenticated through the
// given provider. Issuer records the verified token issuer so operators can
// trace which upstream minted the login. A non-positive ttl falls back to
// DefaultSessionTTL.
func NewSession(userID string, role Role, provider Provider, issuer string, ttl time.Duration) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Provider:  provider,
		Issuer:    issuer,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// GenerateSessionID returns a hex-encoded random session token.
func GenerateSessionID() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SessionStore persists sessions. Get reports expired sessions as
// ErrSessionExpired rather than returning them; Cleanup reclaims them in
// the background (see the cleanup ticker in cmd/serverhub).
type SessionStore interface {
	// Create stores a new session. The ID must be unused.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by token. Returns nil, nil when the token
	// is unknown and ErrSessionExpired when it is past its lifetime.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session (logout).
	Delete(ctx context.Context, id string) error

	// Cleanup removes every expired session and returns how many.
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore keeps sessions in a mutex-guarded map. It is the
// default backend when neither sql build tag is set.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Create(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.UserID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrInvalidSession
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	out := session
	return &out, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

const sessionContextKey contextKey = "session"

// ContextWithSession stores the session in the request context.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session, or nil when unauthenticated.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	session, ok := ctx.Value(sessionContextKey).(*Session)
	if !ok {
		return nil
	}
	return session
}
