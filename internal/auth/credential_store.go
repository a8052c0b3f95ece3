package auth

import (
	"context"
	"sync"
)

// CredentialStore defines the interface for external credential persistence.
type CredentialStore interface {
	// Create stores a new credential.
	Create(ctx context.Context, cred *ExternalCredential) error

	// GetByProviderSubject retrieves a credential by provider and
	// provider-side subject. Returns nil, nil if not found.
	GetByProviderSubject(ctx context.Context, provider Provider, subject string) (*ExternalCredential, error)

	// GetLatestForUser retrieves the most recently updated credential for
	// the given principal and provider. Returns nil, nil if none exists.
	GetLatestForUser(ctx context.Context, userID string, provider Provider) (*ExternalCredential, error)

	// ListByUser returns all credentials linked to a principal.
	ListByUser(ctx context.Context, userID string) ([]*ExternalCredential, error)

	// Update modifies an existing credential (token refresh on re-login).
	Update(ctx context.Context, cred *ExternalCredential) error

	// Delete removes a credential by ID. Unlinking is an explicit
	// operation; the synchronizer never calls this.
	Delete(ctx context.Context, id string) error
}

// MemoryCredentialStore is an in-memory implementation of CredentialStore.
// Thread-safe; suitable for development and single-instance deployments.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*ExternalCredential // keyed by ID

	// subjectIndex maps provider+subject -> ID for login lookups
	subjectIndex map[string]string
}

func subjectKey(provider Provider, subject string) string {
	return string(provider) + "\x00" + subject
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		creds:        make(map[string]*ExternalCredential),
		subjectIndex: make(map[string]string),
	}
}

func (s *MemoryCredentialStore) Create(_ context.Context, cred *ExternalCredential) error {
	if cred == nil || cred.ID == "" || cred.UserID == "" || cred.Subject == "" {
		return ErrCredentialNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[cred.ID]; exists {
		return ErrCredentialExists
	}
	key := subjectKey(cred.Provider, cred.Subject)
	if _, exists := s.subjectIndex[key]; exists {
		return ErrCredentialExists
	}

	s.creds[cred.ID] = copyCredential(cred)
	s.subjectIndex[key] = cred.ID
	return nil
}

func (s *MemoryCredentialStore) GetByProviderSubject(_ context.Context, provider Provider, subject string) (*ExternalCredential, error) {
	if subject == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.subjectIndex[subjectKey(provider, subject)]
	if !exists {
		return nil, nil
	}
	return copyCredential(s.creds[id]), nil
}

func (s *MemoryCredentialStore) GetLatestForUser(_ context.Context, userID string, provider Provider) (*ExternalCredential, error) {
	if userID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *ExternalCredential
	for _, c := range s.creds {
		if c.UserID != userID || c.Provider != provider {
			continue
		}
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	return copyCredential(latest), nil
}

func (s *MemoryCredentialStore) ListByUser(_ context.Context, userID string) ([]*ExternalCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExternalCredential
	for _, c := range s.creds {
		if c.UserID == userID {
			result = append(result, copyCredential(c))
		}
	}
	return result, nil
}

func (s *MemoryCredentialStore) Update(_ context.Context, cred *ExternalCredential) error {
	if cred == nil || cred.ID == "" {
		return ErrCredentialNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.creds[cred.ID]
	if !exists {
		return ErrCredentialNotFound
	}

	// Subject/provider are immutable once linked; keep the index stable.
	if existing.Provider != cred.Provider || existing.Subject != cred.Subject {
		return ErrCredentialExists
	}

	s.creds[cred.ID] = copyCredential(cred)
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrCredentialNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.creds[id]
	if !exists {
		return ErrCredentialNotFound
	}

	delete(s.subjectIndex, subjectKey(c.Provider, c.Subject))
	delete(s.creds, id)
	return nil
}
