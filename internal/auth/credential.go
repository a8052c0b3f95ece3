package auth

import (
	"errors"
	"strings"
	"time"
)

// Credential errors.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
	ErrUnknownProvider    = errors.New("unknown identity provider")
)

// Provider identifies an external identity provider.
type Provider string

const (
	// ProviderEntra is the enterprise directory provider.
	ProviderEntra Provider = "entra"

	// ProviderGoogle is the Google consumer OAuth provider.
	ProviderGoogle Provider = "google"

	// ProviderGitHub is the GitHub consumer OAuth provider.
	ProviderGitHub Provider = "github"
)

// ValidProviders returns all supported provider identifiers.
func ValidProviders() []Provider {
	return []Provider{ProviderEntra, ProviderGoogle, ProviderGitHub}
}

// ParseProvider parses a string into a Provider.
// Returns an empty Provider and ErrUnknownProvider if unrecognized.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderEntra, ProviderGoogle, ProviderGitHub:
		return p, nil
	default:
		return "", ErrUnknownProvider
	}
}

// ExternalCredential links a Principal to one identity at one provider.
// Token blobs are stored encrypted at rest (see oidc.Encrypt) and refreshed
// on every authentication through the provider. Credentials are never
// silently deleted; unlinking is an explicit operation elsewhere.
type ExternalCredential struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Provider      Provider   `json:"provider"`
	Subject       string     `json:"subject"` // provider-side account identifier
	IDToken       string     `json:"-"`       // encrypted blob, may be empty
	AccessToken   string     `json:"-"`       // encrypted blob, may be empty
	IDTokenExpiry *time.Time `json:"id_token_expiry,omitempty"`
	AccessExpiry  *time.Time `json:"access_expiry,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasTokens reports whether the credential carries any token material.
func (c *ExternalCredential) HasTokens() bool {
	return c != nil && (c.IDToken != "" || c.AccessToken != "")
}

// copyCredential creates a deep copy of an ExternalCredential.
func copyCredential(c *ExternalCredential) *ExternalCredential {
	if c == nil {
		return nil
	}
	cpy := *c
	if c.IDTokenExpiry != nil {
		t := *c.IDTokenExpiry
		cpy.IDTokenExpiry = &t
	}
	if c.AccessExpiry != nil {
		t := *c.AccessExpiry
		cpy.AccessExpiry = &t
	}
	return &cpy
}
