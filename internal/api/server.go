package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"

	"serverhub/internal/audit"
	"serverhub/internal/auth"
	"serverhub/internal/auth/oidc"
	"serverhub/internal/config"
	"serverhub/internal/observability"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// protectionError is the rejection body of the protection middleware. The
// reason field is machine-readable; the body never includes policy contents.
type protectionError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server wires the OAuth flow, role synchronization, and audit query
// endpoints onto an http.ServeMux.
type Server struct {
	mux          *http.ServeMux
	cfg          *config.Config
	logger       *observability.Logger
	metrics      *observability.Metrics
	recorder     *audit.Recorder
	auditStore   audit.Store
	userStore    auth.UserStore
	credStore    auth.CredentialStore
	sessionStore auth.SessionStore
	synchronizer *auth.Synchronizer
	providers    map[auth.Provider]*oidc.Provider
	cookies      *CookieWriter

	// encryptionKey protects credential token blobs at rest. Empty means
	// tokens are stored as-is (tests only).
	encryptionKey []byte
}

// NewServer creates the HTTP server. If logger is nil a default logger is
// used; if recorder is nil audit recording is disabled.
func NewServer(
	mux *http.ServeMux,
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
	recorder *audit.Recorder,
	auditStore audit.Store,
	userStore auth.UserStore,
	credStore auth.CredentialStore,
	sessionStore auth.SessionStore,
	synchronizer *auth.Synchronizer,
	providers map[auth.Provider]*oidc.Provider,
) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	s := &Server{
		mux:          mux,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		recorder:     recorder,
		auditStore:   auditStore,
		userStore:    userStore,
		credStore:    credStore,
		sessionStore: sessionStore,
		synchronizer: synchronizer,
		providers:    providers,
		cookies:      NewCookieWriter(cfg.Protection.Cookie),
	}
	if key, err := cfg.EncryptionKeyBytes(); err == nil {
		s.encryptionKey = key
	}
	return s
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{
		"status", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	fields = appendRequestID(ctx, fields)
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		sentry.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

// RegisterRoutes registers all HTTP routes. Health and metrics stay public;
// the OAuth flow endpoints are public by nature; the audit query endpoint
// requires an authenticated admin session.
func (s *Server) RegisterRoutes(slogger *slog.Logger) {
	if slogger == nil {
		slogger = slog.Default()
	}

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /api/v1/auth/providers", s.handleProviders)
	s.mux.HandleFunc("GET /api/v1/auth/login/{provider}", s.handleLogin)
	s.mux.HandleFunc("GET /api/v1/auth/callback/{provider}", s.handleCallback)
	s.mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)

	sessionMW := SessionAuthMiddleware(s.sessionStore, s.userStore, s.cookies.Name(), true, slogger)

	s.mux.Handle("GET /api/v1/auth/me", sessionMW(http.HandlerFunc(s.handleMe)))

	auditReadMW := RequirePermissionMiddleware(auth.ResourceAudit, auth.ActionRead, slogger)
	s.mux.Handle("GET /api/v1/audit/events", sessionMW(auditReadMW(http.HandlerFunc(s.handleAuditQuery))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness requires the user store to answer; a broken backend should
	// pull the instance out of rotation.
	if _, err := s.userStore.GetByID(r.Context(), "readiness-probe"); err != nil {
		s.writeErr(r.Context(), w, http.StatusServiceUnavailable, "not ready", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
