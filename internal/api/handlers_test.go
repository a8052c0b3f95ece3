package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"serverhub/internal/audit"
	"serverhub/internal/auth"
	"serverhub/internal/auth/oidc"
	"serverhub/internal/config"
	"serverhub/internal/rolemap"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// mockIdP serves OIDC discovery, JWKS, and a token endpoint that issues a
// signed ID token with the given group claims.
func mockIdP(t *testing.T, subject, email string, groups []string) *httptest.Server {
	t.Helper()

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"subject_types_supported":               []string{"public"},
			"response_types_supported":              []string{"code"},
		})
	})

	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &privKey.PublicKey,
			KeyID:     "test-key-1",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: privKey},
			(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1"),
		)
		if err != nil {
			http.Error(w, fmt.Sprintf("create signer: %v", err), http.StatusInternalServerError)
			return
		}

		now := time.Now()
		claims := jwt.Claims{
			Issuer:    srv.URL,
			Subject:   subject,
			Audience:  jwt.Audience{"test-client-id"},
			IssuedAt:  jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		}
		extra := map[string]any{
			"email":  email,
			"name":   "Test Person",
			"groups": groups,
		}
		rawJWT, err := jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
		if err != nil {
			http.Error(w, fmt.Sprintf("sign jwt: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "mock-access-token",
			"token_type":   "Bearer",
			"id_token":     rawJWT,
			"expires_in":   3600,
		})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	srv        *Server
	mux        *http.ServeMux
	users      *auth.MemoryUserStore
	creds      *auth.MemoryCredentialStore
	sessions   *auth.MemorySessionStore
	auditStore *audit.MemoryStore
	recorder   *audit.Recorder
}

// newTestEnv wires a Server against memory stores and the given mock IdP as
// the github provider.
func newTestEnv(t *testing.T, idp *httptest.Server) *testEnv {
	t.Helper()

	prov, err := oidc.NewProvider(t.Context(), oidc.ProviderConfig{
		IssuerURL:    idp.URL,
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		RedirectURL:  "http://hub.example.com/api/v1/auth/callback/github",
		Scopes:       []string{"openid", "profile", "email"},
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	mapper, err := rolemap.NewMapper([]rolemap.Rule{
		{Provider: auth.ProviderGitHub, Match: "grp-admins", Role: auth.RoleAdmin, Rank: 1},
		{Provider: auth.ProviderGitHub, Match: "grp-owners", Role: auth.RoleServerOwner, Rank: 2},
	}, map[auth.Provider]auth.Role{auth.ProviderGitHub: auth.RoleUser})
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}

	users := auth.NewMemoryUserStore()
	creds := auth.NewMemoryCredentialStore()
	sessions := auth.NewMemorySessionStore()
	auditStore := audit.NewMemoryStore()
	recorder := audit.NewRecorder(auditStore, nil)
	t.Cleanup(func() { recorder.Close() })

	sync := auth.NewSynchronizer(users, creds, oidc.Extractor{}, mapper, nil, nil)

	cfg := config.Default()
	cfg.Protection.Cookie.SessionTTL = time.Hour

	mux := http.NewServeMux()
	srv := NewServer(mux, cfg, nil, nil, recorder, auditStore, users, creds, sessions, sync,
		map[auth.Provider]*oidc.Provider{auth.ProviderGitHub: prov})
	srv.RegisterRoutes(nil)

	return &testEnv{
		srv:        srv,
		mux:        mux,
		users:      users,
		creds:      creds,
		sessions:   sessions,
		auditStore: auditStore,
		recorder:   recorder,
	}
}

// startLogin performs the login redirect and returns the state cookie and
// the state parameter embedded in the authorization URL.
func startLogin(t *testing.T, env *testEnv) (*http.Cookie, string) {
	t.Helper()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/login/github", nil)
	env.mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("login: expected 302, got %d (%s)", rr.Code, rr.Body.String())
	}

	var stateCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == stateCookieName {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("login did not set the state cookie")
	}
	if !stateCookie.HttpOnly {
		t.Error("state cookie must be HttpOnly")
	}

	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("authorization URL carries no state")
	}
	if state != stateCookie.Value {
		t.Fatal("state cookie and authorization URL disagree")
	}
	return stateCookie, state
}

func completeCallback(t *testing.T, env *testEnv, stateCookie *http.Cookie, state string) *httptest.ResponseRecorder {
	t.Helper()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/auth/callback/github?code=mock-code&state="+url.QueryEscape(state), nil)
	req.AddCookie(stateCookie)
	env.mux.ServeHTTP(rr, req)
	return rr
}

func TestLogin_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, mockIdP(t, "sub-1", "p@example.com", nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/login/okta", nil)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/login/google", nil)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unconfigured provider, got %d", rr.Code)
	}
}

func TestCallback_ProvisionsAndSyncsRole(t *testing.T) {
	idp := mockIdP(t, "gh-4242", "admin@example.com", []string{"grp-admins", "grp-other"})
	env := newTestEnv(t, idp)

	stateCookie, state := startLogin(t, env)
	rr := completeCallback(t, env, stateCookie, state)

	if rr.Code != http.StatusFound {
		t.Fatalf("callback: expected 302, got %d (%s)", rr.Code, rr.Body.String())
	}

	// Session cookie established.
	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == env.srv.cookies.Name() {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("callback did not set a session cookie")
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}

	// Principal provisioned with the mapped role.
	principal, err := env.users.GetByEmail(t.Context(), "admin@example.com")
	if err != nil || principal == nil {
		t.Fatalf("principal not provisioned: %v", err)
	}
	if principal.Role != auth.RoleAdmin {
		t.Errorf("principal role = %q, want admin", principal.Role)
	}

	// Credential linked to the provider identity.
	cred, err := env.creds.GetByProviderSubject(t.Context(), auth.ProviderGitHub, "gh-4242")
	if err != nil || cred == nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if cred.UserID != principal.ID {
		t.Error("credential links the wrong principal")
	}
	if cred.IDToken == "" {
		t.Error("credential should retain the ID token")
	}

	// Role sync audited.
	env.recorder.Close()
	events, _, err := env.auditStore.Query(t.Context(), audit.QueryOptions{Kind: audit.KindRoleSync})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 role_sync event, got %d", len(events))
	}
	ev := events[0]
	if ev.PrincipalID != principal.ID {
		t.Errorf("event principal = %q, want %q", ev.PrincipalID, principal.ID)
	}
	if ev.Detail["role"] != "admin" || ev.Detail["provisioned"] != true {
		t.Errorf("unexpected event detail: %v", ev.Detail)
	}
}

func TestCallback_RepeatLoginUpdatesRole(t *testing.T) {
	idp := mockIdP(t, "gh-4242", "person@example.com", []string{"grp-owners"})
	env := newTestEnv(t, idp)

	stateCookie, state := startLogin(t, env)
	if rr := completeCallback(t, env, stateCookie, state); rr.Code != http.StatusFound {
		t.Fatalf("first callback: expected 302, got %d", rr.Code)
	}

	principal, _ := env.users.GetByEmail(t.Context(), "person@example.com")
	if principal == nil || principal.Role != auth.RoleServerOwner {
		t.Fatalf("first login: role = %v, want server_owner", principal)
	}

	// Demote out of band, then log in again: the role is recomputed from
	// the fresh claims, not appended or kept.
	principal.Role = auth.RoleUser
	if err := env.users.Update(t.Context(), principal); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stateCookie, state = startLogin(t, env)
	if rr := completeCallback(t, env, stateCookie, state); rr.Code != http.StatusFound {
		t.Fatalf("second callback: expected 302, got %d", rr.Code)
	}

	after, _ := env.users.GetByEmail(t.Context(), "person@example.com")
	if after.Role != auth.RoleServerOwner {
		t.Errorf("second login: role = %q, want server_owner", after.Role)
	}
	if after.ID != principal.ID {
		t.Error("repeat login must reuse the existing principal")
	}
}

func TestCallback_StateMismatch(t *testing.T) {
	idp := mockIdP(t, "gh-1", "p@example.com", nil)
	env := newTestEnv(t, idp)

	stateCookie, _ := startLogin(t, env)
	rr := completeCallback(t, env, stateCookie, "github:forged-state")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for state mismatch, got %d", rr.Code)
	}
}

func TestCallback_MissingParams(t *testing.T) {
	env := newTestEnv(t, mockIdP(t, "gh-1", "p@example.com", nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/callback/github", nil)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without code/state, got %d", rr.Code)
	}
}

func TestCallback_DisabledAccount(t *testing.T) {
	idp := mockIdP(t, "gh-77", "blocked@example.com", []string{"grp-admins"})
	env := newTestEnv(t, idp)

	// First login provisions the account.
	stateCookie, state := startLogin(t, env)
	completeCallback(t, env, stateCookie, state)

	principal, _ := env.users.GetByEmail(t.Context(), "blocked@example.com")
	principal.IsActive = false
	if err := env.users.Update(t.Context(), principal); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stateCookie, state = startLogin(t, env)
	rr := completeCallback(t, env, stateCookie, state)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disabled account, got %d", rr.Code)
	}
}

func TestMeAndLogout(t *testing.T) {
	idp := mockIdP(t, "gh-9", "me@example.com", []string{"grp-admins"})
	env := newTestEnv(t, idp)

	stateCookie, state := startLogin(t, env)
	rr := completeCallback(t, env, stateCookie, state)

	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == env.srv.cookies.Name() {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("no session cookie")
	}

	// Authenticated identity endpoint.
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(sessionCookie)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	var me struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Email != "me@example.com" || me.Role != "admin" {
		t.Errorf("me = %+v", me)
	}

	// Logout invalidates the session.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(sessionCookie)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(sessionCookie)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: expected 401, got %d", rr.Code)
	}
}

func TestAuditQuery_RequiresAdmin(t *testing.T) {
	idp := mockIdP(t, "gh-100", "viewer@example.com", nil) // maps to default role: user
	env := newTestEnv(t, idp)

	stateCookie, state := startLogin(t, env)
	rr := completeCallback(t, env, stateCookie, state)

	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == env.srv.cookies.Name() {
			sessionCookie = c
		}
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
	req.AddCookie(sessionCookie)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rr.Code)
	}
}

func TestAuditQuery_AdminFilters(t *testing.T) {
	idp := mockIdP(t, "gh-1", "root@example.com", []string{"grp-admins"})
	env := newTestEnv(t, idp)

	stateCookie, state := startLogin(t, env)
	rr := completeCallback(t, env, stateCookie, state)

	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == env.srv.cookies.Name() {
			sessionCookie = c
		}
	}

	// Seed extra events directly.
	for i := 0; i < 3; i++ {
		if err := env.auditStore.Append(t.Context(), audit.ProtectionEvent(false, "", map[string]any{"reason": "rate_limited"})); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events?kind=protection_block&limit=2", nil)
	req.AddCookie(sessionCookie)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	var resp struct {
		Events []*audit.Event `json:"events"`
		Total  int            `json:"total"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
	if len(resp.Events) != 2 {
		t.Errorf("page size = %d, want 2", len(resp.Events))
	}
	for _, e := range resp.Events {
		if e.Kind != audit.KindProtectionBlock {
			t.Errorf("unexpected kind %q", e.Kind)
		}
	}

	// Invalid filters are rejected.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit/events?kind=bogus", nil)
	req.AddCookie(sessionCookie)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid kind, got %d", rr.Code)
	}
}

func TestProviderListing(t *testing.T) {
	env := newTestEnv(t, mockIdP(t, "gh-1", "p@example.com", nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/providers", nil)
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "github") {
		t.Errorf("provider list missing github: %s", rr.Body.String())
	}
}
