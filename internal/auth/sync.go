package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ExtractReason explains why claim extraction produced no roles.
type ExtractReason string

const (
	// ExtractOK means at least one token was decoded.
	ExtractOK ExtractReason = "ok"
	// ExtractMissing means no token material was supplied.
	ExtractMissing ExtractReason = "missing"
	// ExtractMalformed means token material was present but undecodable.
	ExtractMalformed ExtractReason = "malformed"
)

// ClaimExtractor normalizes raw token material into external role strings.
// Implementations never fail; malformed input yields an empty list.
type ClaimExtractor interface {
	ExtractRoles(idToken, accessToken string) ([]string, ExtractReason)
}

// RoleResolver maps external role strings to exactly one internal role.
type RoleResolver interface {
	Resolve(provider Provider, roles []string) Role
}

// TokenMaterial carries the raw (plaintext) tokens from the current callback.
// Either field may be empty.
type TokenMaterial struct {
	IDToken     string
	AccessToken string
}

// Present reports whether any token material was supplied.
func (t TokenMaterial) Present() bool {
	return t.IDToken != "" || t.AccessToken != ""
}

// RoleSource identifies where the resolved role came from.
type RoleSource string

const (
	// SourceFreshTokens means the role was mapped from callback tokens.
	SourceFreshTokens RoleSource = "fresh_tokens"
	// SourceStoredTokens means the role was mapped from a stored credential.
	SourceStoredTokens RoleSource = "stored_tokens"
	// SourceUnchanged means no token material existed anywhere and the
	// previously persisted role was kept.
	SourceUnchanged RoleSource = "unchanged"
)

// SyncResult describes one synchronization attempt.
type SyncResult struct {
	Principal     *Principal
	Role          Role
	Source        RoleSource
	ExternalRoles []string
	ExtractReason ExtractReason
	Persisted     bool
}

// Synchronizer recomputes and persists a principal's role on each
// authentication. Storage failures never abort the flow: the caller
// proceeds with the in-memory role and the inconsistency surfaces in logs
// and the audit trail. Availability over strict consistency.
type Synchronizer struct {
	users   UserStore
	creds   CredentialStore
	extract ClaimExtractor
	resolve RoleResolver
	decrypt func(string) (string, error)
	logger  *slog.Logger
}

// NewSynchronizer creates a Synchronizer.
// decrypt is applied to stored credential token blobs before extraction;
// pass nil when tokens are stored in plaintext (tests).
func NewSynchronizer(users UserStore, creds CredentialStore, extract ClaimExtractor, resolve RoleResolver, decrypt func(string) (string, error), logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		users:   users,
		creds:   creds,
		extract: extract,
		resolve: resolve,
		decrypt: decrypt,
		logger:  logger,
	}
}

// Synchronize resolves the principal's role and writes it to durable storage.
//
// Resolution order:
//  1. Token material on this callback: extract and map.
//  2. Otherwise the most recently updated stored credential for this
//     provider: decrypt, extract, map.
//  3. Otherwise keep the principal's existing role unchanged.
//
// New principals already carry the resolved role from creation, so no write
// is issued for them. For existing principals the resolved role and a
// last-authenticated timestamp are persisted; a missing record is a warning,
// not a failure.
func (s *Synchronizer) Synchronize(ctx context.Context, p *Principal, provider Provider, tokens TokenMaterial) SyncResult {
	res := SyncResult{Principal: p, Role: p.Role, Source: SourceUnchanged}

	switch {
	case tokens.Present():
		roles, reason := s.extract.ExtractRoles(tokens.IDToken, tokens.AccessToken)
		res.ExternalRoles = roles
		res.ExtractReason = reason
		res.Role = s.resolve.Resolve(provider, roles)
		res.Source = SourceFreshTokens

	default:
		stored := s.storedTokens(ctx, p, provider)
		if stored.Present() {
			roles, reason := s.extract.ExtractRoles(stored.IDToken, stored.AccessToken)
			res.ExternalRoles = roles
			res.ExtractReason = reason
			res.Role = s.resolve.Resolve(provider, roles)
			res.Source = SourceStoredTokens
		} else {
			// No token material anywhere: keep the persisted role.
			res.ExtractReason = ExtractMissing
		}
	}

	p.Role = res.Role

	if p.IsNew {
		// Role was already written at creation time by the identity layer.
		return res
	}

	now := time.Now().UTC()
	if err := s.users.UpdateRole(ctx, p.ID, res.Role, now); err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			s.logger.WarnContext(ctx, "role sync found no principal record",
				"principal_id", p.ID,
				"provider", string(provider),
				"role", string(res.Role))
		} else {
			s.logger.ErrorContext(ctx, "role sync persistence failed",
				"principal_id", p.ID,
				"provider", string(provider),
				"role", string(res.Role),
				"error", err)
		}
		return res
	}
	p.LastLoginAt = &now
	res.Persisted = true
	return res
}

// storedTokens loads and decrypts the latest stored credential tokens for
// the principal/provider pair. Failures degrade to "no tokens".
func (s *Synchronizer) storedTokens(ctx context.Context, p *Principal, provider Provider) TokenMaterial {
	cred, err := s.creds.GetLatestForUser(ctx, p.ID, provider)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored credential lookup failed",
			"principal_id", p.ID,
			"provider", string(provider),
			"error", err)
		return TokenMaterial{}
	}
	if !cred.HasTokens() {
		return TokenMaterial{}
	}

	var tokens TokenMaterial
	tokens.IDToken = s.decryptToken(ctx, p.ID, cred.IDToken)
	tokens.AccessToken = s.decryptToken(ctx, p.ID, cred.AccessToken)
	return tokens
}

func (s *Synchronizer) decryptToken(ctx context.Context, principalID, blob string) string {
	if blob == "" {
		return ""
	}
	if s.decrypt == nil {
		return blob
	}
	plain, err := s.decrypt(blob)
	if err != nil {
		s.logger.ErrorContext(ctx, "stored token decryption failed",
			"principal_id", principalID,
			"error", err)
		return ""
	}
	return plain
}

// UpsertCredential creates or refreshes the credential linking the principal
// to the provider identity, encrypting token blobs with encrypt when given.
// Failures are logged and swallowed; credential refresh is best effort.
func (s *Synchronizer) UpsertCredential(ctx context.Context, p *Principal, provider Provider, subject string, tokens TokenMaterial, expiry *time.Time, encrypt func(string) (string, error), newID func() string) {
	if subject == "" {
		return
	}

	enc := func(raw string) string {
		if raw == "" || encrypt == nil {
			return raw
		}
		blob, err := encrypt(raw)
		if err != nil {
			s.logger.ErrorContext(ctx, "token encryption failed",
				"principal_id", p.ID,
				"provider", string(provider),
				"error", err)
			return ""
		}
		return blob
	}

	now := time.Now().UTC()
	existing, err := s.creds.GetByProviderSubject(ctx, provider, subject)
	if err != nil {
		s.logger.ErrorContext(ctx, "credential lookup failed",
			"principal_id", p.ID,
			"provider", string(provider),
			"error", err)
		return
	}

	if existing == nil {
		cred := &ExternalCredential{
			ID:           newID(),
			UserID:       p.ID,
			Provider:     provider,
			Subject:      subject,
			IDToken:      enc(tokens.IDToken),
			AccessToken:  enc(tokens.AccessToken),
			AccessExpiry: expiry,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.creds.Create(ctx, cred); err != nil {
			s.logger.ErrorContext(ctx, "credential create failed",
				"principal_id", p.ID,
				"provider", string(provider),
				"error", err)
		}
		return
	}

	// Refresh tokens only when the callback carried new material.
	if tokens.IDToken != "" {
		existing.IDToken = enc(tokens.IDToken)
	}
	if tokens.AccessToken != "" {
		existing.AccessToken = enc(tokens.AccessToken)
	}
	if expiry != nil {
		existing.AccessExpiry = expiry
	}
	existing.UpdatedAt = now
	if err := s.creds.Update(ctx, existing); err != nil {
		s.logger.ErrorContext(ctx, "credential refresh failed",
			"principal_id", p.ID,
			"provider", string(provider),
			"error", err)
	}
}
