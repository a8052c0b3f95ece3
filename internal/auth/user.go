package auth

import (
	"errors"
	"time"
)

// Principal errors.
var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrPrincipalExists   = errors.New("principal already exists")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrPrincipalDisabled = errors.New("principal account is disabled")
)

// Principal represents an authenticated user account.
// A Principal always carries exactly one Role once synchronization has run;
// the role is recomputed, never appended, on each authentication.
type Principal struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name,omitempty"`
	Role         Role       `json:"role"`
	PasswordHash []byte     `json:"-"` // bcrypt hash for the bootstrap admin, never serialized
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`

	// IsNew marks a principal created during the current authentication
	// flow. It is flow state, not persisted.
	IsNew bool `json:"-"`
}

// copyPrincipal creates a deep copy of a Principal.
func copyPrincipal(p *Principal) *Principal {
	if p == nil {
		return nil
	}
	cpy := &Principal{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		IsNew:       p.IsNew,
	}
	if p.PasswordHash != nil {
		cpy.PasswordHash = make([]byte, len(p.PasswordHash))
		copy(cpy.PasswordHash, p.PasswordHash)
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		cpy.LastLoginAt = &t
	}
	return cpy
}
