package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"serverhub/internal/audit"
	"serverhub/internal/auth"
	"serverhub/internal/auth/oidc"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	stateCookieName = "oauth_state"
	stateCookiePath = "/api/v1/auth/"
	stateCookieTTL  = 600 // seconds
)

// handleProviders lists the configured identity providers.
// GET /api/v1/auth/providers
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.providers))
	for p := range s.providers {
		names = append(names, string(p))
	}
	writeJSON(w, http.StatusOK, struct {
		Providers []string `json:"providers"`
	}{Providers: names})
}

// handleLogin starts the authorization code flow for one provider.
// GET /api/v1/auth/login/{provider}
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider, err := auth.ParseProvider(r.PathValue("provider"))
	if err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "unknown provider", "")
		return
	}
	prov, ok := s.providers[provider]
	if !ok {
		s.writeErr(ctx, w, http.StatusNotFound, "provider not configured", "")
		return
	}

	randomBytes := make([]byte, 24)
	if _, err := rand.Read(randomBytes); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to generate state", err.Error())
		return
	}
	nonce := base64.RawURLEncoding.EncodeToString(randomBytes)
	state := string(provider) + ":" + nonce

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     stateCookiePath,
		HttpOnly: true,
		Secure:   encrypted(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   stateCookieTTL,
	})

	authURL := prov.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the authorization code flow: it validates state,
// exchanges the code, links or provisions the principal, synchronizes the
// role, refreshes the stored credential, and establishes a session.
// GET /api/v1/auth/callback/{provider}
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		http.Redirect(w, r, "/?error="+url.QueryEscape(errParam), http.StatusFound)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		s.writeErr(ctx, w, http.StatusBadRequest, "missing code or state", "")
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value != state {
		s.writeErr(ctx, w, http.StatusForbidden, "invalid state", "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     stateCookiePath,
		HttpOnly: true,
		Secure:   encrypted(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})

	// State carries the provider so the callback path and the cookie agree.
	providerName, _, ok := strings.Cut(state, ":")
	if !ok || providerName != r.PathValue("provider") {
		s.writeErr(ctx, w, http.StatusBadRequest, "malformed state", "")
		return
	}
	provider, err := auth.ParseProvider(providerName)
	if err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "unknown provider", "")
		return
	}
	prov, okProv := s.providers[provider]
	if !okProv {
		s.writeErr(ctx, w, http.StatusNotFound, "provider not configured", "")
		return
	}

	res, err := prov.Exchange(ctx, code)
	if err != nil {
		s.writeErr(ctx, w, http.StatusUnauthorized, "token exchange failed", err.Error())
		return
	}
	if res.Claims.Subject == "" {
		s.writeErr(ctx, w, http.StatusUnauthorized, "token missing subject", "")
		return
	}

	principal, err := s.lookupPrincipal(r, provider, res.Claims.Subject)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to look up principal", err.Error())
		return
	}
	if principal == nil {
		principal = s.provisionPrincipal(res.Claims)
	}

	if !principal.IsActive {
		s.writeErr(ctx, w, http.StatusForbidden, "account disabled", "")
		return
	}

	tokens := auth.TokenMaterial{IDToken: res.RawIDToken, AccessToken: res.RawAccess}
	syncRes := s.synchronizer.Synchronize(ctx, principal, provider, tokens)

	if principal.IsNew {
		if err := s.userStore.Create(ctx, principal); err != nil {
			s.writeErr(ctx, w, http.StatusInternalServerError, "failed to provision principal", err.Error())
			return
		}
	}

	s.synchronizer.UpsertCredential(ctx, principal, provider, res.Claims.Subject, tokens, res.AccessExpiry, s.encryptToken(), uuid.NewString)

	s.recordRoleSync(r, principal, provider, syncRes)

	session, err := auth.NewSession(principal.ID, syncRes.Role, provider, res.Claims.Issuer, s.cfg.Protection.Cookie.SessionTTL)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to create session", err.Error())
		return
	}
	if err := s.sessionStore.Create(ctx, session); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to store session", err.Error())
		return
	}

	s.cookies.SetSession(w, r, session.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

// lookupPrincipal resolves the principal linked to a provider identity.
// Returns nil, nil when the identity has never been seen.
func (s *Server) lookupPrincipal(r *http.Request, provider auth.Provider, subject string) (*auth.Principal, error) {
	ctx := r.Context()
	cred, err := s.credStore.GetByProviderSubject(ctx, provider, subject)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, nil
	}
	principal, err := s.userStore.GetByID(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		// Orphaned credential: the principal was deleted out of band.
		// Treat as never seen so the flow re-provisions.
		fields := appendRequestID(ctx, []any{
			"credential_id", cred.ID,
			"provider", string(provider),
		})
		s.logger.WarnContext(ctx, "credential references missing principal", fields...)
	}
	return principal, nil
}

// provisionPrincipal builds a new in-memory principal from token claims.
// The role is left for synchronization to resolve before the first write.
func (s *Server) provisionPrincipal(claims oidc.Claims) *auth.Principal {
	email := claims.Email
	if email == "" {
		email = claims.Subject + "@unknown.invalid"
	}
	now := time.Now().UTC()
	return &auth.Principal{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: claims.Name,
		Role:        auth.RoleNone,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsNew:       true,
	}
}

// encryptToken returns the token-blob encryption function, or nil when no
// key is configured.
func (s *Server) encryptToken() func(string) (string, error) {
	if len(s.encryptionKey) == 0 {
		return nil
	}
	return func(raw string) (string, error) {
		return oidc.Encrypt(raw, s.encryptionKey)
	}
}

// recordRoleSync emits the audit event and metric for one synchronization.
func (s *Server) recordRoleSync(r *http.Request, principal *auth.Principal, provider auth.Provider, res auth.SyncResult) {
	if s.metrics != nil {
		s.metrics.RecordRoleSync(string(res.Role))
	}
	if s.recorder == nil {
		return
	}
	event := audit.RoleSyncEvent(principal.ID, string(provider), map[string]any{
		"role":           string(res.Role),
		"source":         string(res.Source),
		"extract_reason": string(res.ExtractReason),
		"external_roles": res.ExternalRoles,
		"persisted":      res.Persisted,
		"provisioned":    principal.IsNew,
	})
	event.RequestID = RequestIDFromContext(r.Context())
	s.recorder.Record(event)
}

// handleLogout tears down the current session.
// POST /api/v1/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(s.cookies.Name())
	if err == nil && cookie.Value != "" {
		if err := s.sessionStore.Delete(ctx, cookie.Value); err != nil {
			fields := appendRequestID(ctx, []any{"error", err.Error()})
			s.logger.WarnContext(ctx, "session delete failed", fields...)
		}
	}
	s.cookies.ClearSession(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the authenticated principal.
// GET /api/v1/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := auth.PrincipalFromContext(ctx)
	if principal == nil {
		s.writeErr(ctx, w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	resp := struct {
		ID          string     `json:"id"`
		Email       string     `json:"email"`
		DisplayName string     `json:"display_name,omitempty"`
		Role        auth.Role  `json:"role"`
		LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	}{
		ID:          principal.ID,
		Email:       principal.Email,
		DisplayName: principal.DisplayName,
		Role:        principal.Role,
		LastLoginAt: principal.LastLoginAt,
	}
	writeJSON(w, http.StatusOK, resp)
}
