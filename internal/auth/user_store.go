package auth

import (
	"context"
	"sync"
	"time"
)

// UserStore defines the interface for principal persistence.
type UserStore interface {
	// Create stores a new principal.
	Create(ctx context.Context, p *Principal) error

	// GetByID retrieves a principal by ID.
	// Returns nil, nil if not found.
	GetByID(ctx context.Context, id string) (*Principal, error)

	// GetByEmail retrieves a principal by email (case-sensitive).
	// Returns nil, nil if not found.
	GetByEmail(ctx context.Context, email string) (*Principal, error)

	// List returns all principals.
	List(ctx context.Context) ([]*Principal, error)

	// Update modifies an existing principal.
	Update(ctx context.Context, p *Principal) error

	// Delete removes a principal by ID (hard delete).
	Delete(ctx context.Context, id string) error

	// UpdateRole sets the role and last-authenticated timestamp for a
	// principal. Returns ErrPrincipalNotFound when no record matches.
	UpdateRole(ctx context.Context, id string, role Role, authenticatedAt time.Time) error

	// UpdateLastLogin sets the last_login_at timestamp for a principal.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error
}

// MemoryUserStore is an in-memory implementation of UserStore.
// Thread-safe; suitable for development and single-instance deployments.
type MemoryUserStore struct {
	mu         sync.RWMutex
	users      map[string]*Principal // keyed by ID
	emailIndex map[string]string     // email -> ID
}

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:      make(map[string]*Principal),
		emailIndex: make(map[string]string),
	}
}

func (s *MemoryUserStore) Create(_ context.Context, p *Principal) error {
	if p == nil || p.ID == "" || p.Email == "" {
		return ErrInvalidSession // reuse general invalid error
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[p.ID]; exists {
		return ErrPrincipalExists
	}
	if _, exists := s.emailIndex[p.Email]; exists {
		return ErrPrincipalExists
	}

	stored := copyPrincipal(p)
	s.users[p.ID] = stored
	s.emailIndex[p.Email] = p.ID
	return nil
}

func (s *MemoryUserStore) GetByID(_ context.Context, id string) (*Principal, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	p, exists := s.users[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return copyPrincipal(p), nil
}

func (s *MemoryUserStore) GetByEmail(_ context.Context, email string) (*Principal, error) {
	if email == "" {
		return nil, nil
	}

	s.mu.RLock()
	id, exists := s.emailIndex[email]
	if !exists {
		s.mu.RUnlock()
		return nil, nil
	}
	p := s.users[id]
	s.mu.RUnlock()

	return copyPrincipal(p), nil
}

func (s *MemoryUserStore) List(_ context.Context) ([]*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Principal, 0, len(s.users))
	for _, p := range s.users {
		cpy := copyPrincipal(p)
		cpy.PasswordHash = nil // never expose hashes in list
		result = append(result, cpy)
	}
	return result, nil
}

func (s *MemoryUserStore) Update(_ context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return ErrPrincipalNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.users[p.ID]
	if !exists {
		return ErrPrincipalNotFound
	}

	// If email changed, update index
	if existing.Email != p.Email {
		if _, taken := s.emailIndex[p.Email]; taken {
			return ErrPrincipalExists
		}
		delete(s.emailIndex, existing.Email)
		s.emailIndex[p.Email] = p.ID
	}

	s.users[p.ID] = copyPrincipal(p)
	return nil
}

func (s *MemoryUserStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrPrincipalNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.users[id]
	if !exists {
		return ErrPrincipalNotFound
	}

	delete(s.emailIndex, p.Email)
	delete(s.users, id)
	return nil
}

func (s *MemoryUserStore) UpdateRole(_ context.Context, id string, role Role, authenticatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.users[id]
	if !exists {
		return ErrPrincipalNotFound
	}

	p.Role = role
	p.UpdatedAt = authenticatedAt
	t := authenticatedAt
	p.LastLoginAt = &t
	return nil
}

func (s *MemoryUserStore) UpdateLastLogin(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.users[id]
	if !exists {
		return ErrPrincipalNotFound
	}

	p.LastLoginAt = &t
	return nil
}
