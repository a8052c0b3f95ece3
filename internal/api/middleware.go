package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"serverhub/internal/auth"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64

	// SECURITY TRADE-OFF: this cache balances database load against
	// deactivation responsiveness. A 30-second TTL means a deactivated
	// principal could retain access for up to 30 seconds. Set
	// activeStatusCacheTTL to 0 for instant revocation at the cost of a
	// DB lookup on every session-authenticated request.
	activeStatusCacheTTL = 30 * time.Second
)

// activeStatusEntry caches the result of a principal active-status check.
type activeStatusEntry struct {
	isActive  bool
	checkedAt time.Time
}

// activeCache provides a short-TTL cache for principal active-status
// lookups, avoiding a database hit on every session-authenticated request.
type activeCache struct {
	entries sync.Map // map[string]activeStatusEntry (keyed by principal ID)
}

// check returns (isActive, cacheHit). A stale or missing entry reports
// cacheHit=false so the caller refreshes from the database.
func (c *activeCache) check(id string, ttl time.Duration) (bool, bool) {
	val, ok := c.entries.Load(id)
	if !ok {
		return false, false
	}
	entry := val.(activeStatusEntry)
	if ttl <= 0 || time.Since(entry.checkedAt) > ttl {
		return false, false
	}
	return entry.isActive, true
}

func (c *activeCache) set(id string, isActive bool) {
	c.entries.Store(id, activeStatusEntry{isActive: isActive, checkedAt: time.Now()})
}

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares applies the provided middleware in order, where the first
// middleware in the list is the outermost handler.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware ensures every request carries a stable request ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx := WithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return id
}

// LoggingMiddleware records structured request logs and wires Sentry tracing.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
				r = r.WithContext(ctx)
			}

			transaction := sentry.StartTransaction(
				ctx,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer transaction.Finish()
			r = r.WithContext(transaction.Context())
			ctx = r.Context()

			hub.Scope().SetRequest(r)
			hub.Scope().SetContext("request", map[string]any{
				"url":    r.URL.String(),
				"method": r.Method,
			})

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			var panicRecovered any

			defer func() {
				if rec := recover(); rec != nil {
					panicRecovered = rec
					transaction.Status = sentry.SpanStatusInternalError
					hub.RecoverWithContext(ctx, rec)
					attrs := appendRequestID(ctx, []any{
						"method", r.Method,
						"path", r.URL.Path,
					})
					attrs = append(attrs, "panic", rec)
					logger.ErrorContext(ctx, "panic recovered", attrs...)
					writeJSON(recorder, http.StatusInternalServerError, apiError{Error: "internal server error"})
				}
			}()

			next.ServeHTTP(recorder, r)

			if panicRecovered != nil {
				return
			}

			transaction.Status = sentry.HTTPtoSpanStatus(recorder.status)
			duration := time.Since(start)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"duration_ms", duration.Milliseconds(),
			}
			attrs = appendRequestID(r.Context(), attrs)

			switch {
			case recorder.status >= 500:
				logger.ErrorContext(r.Context(), "request completed", attrs...)
			case recorder.status >= 400:
				logger.WarnContext(r.Context(), "request completed", attrs...)
			default:
				logger.InfoContext(r.Context(), "request completed", attrs...)
			}
		})
	}
}

// SessionAuthMiddleware authenticates requests by session cookie. If
// required is true, unauthenticated requests get 401. The principal's
// active status is re-checked through a short-TTL cache so deactivation
// takes effect without a DB hit per request.
func SessionAuthMiddleware(sessionStore auth.SessionStore, userStore auth.UserStore, cookieName string, required bool, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	cache := &activeCache{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			cookie, err := r.Cookie(cookieName)
			if err != nil || cookie.Value == "" {
				if required {
					logAuthFailure(logger, r, "missing session")
					writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			session, err := sessionStore.Get(ctx, cookie.Value)
			if err != nil || session == nil || !session.IsValid() {
				if required {
					logAuthFailure(logger, r, "invalid session")
					writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			isActive, cacheHit := cache.check(session.UserID, activeStatusCacheTTL)
			var principal *auth.Principal
			if !cacheHit {
				principal, _ = userStore.GetByID(ctx, session.UserID)
				if principal == nil {
					writeJSON(w, http.StatusUnauthorized, apiError{Error: "account disabled"})
					return
				}
				isActive = principal.IsActive
				cache.set(session.UserID, isActive)
			}
			if !isActive {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "account disabled"})
				return
			}
			if principal == nil {
				principal, _ = userStore.GetByID(ctx, session.UserID)
			}

			ctx = auth.ContextWithSession(ctx, session)
			ctx = auth.ContextWithRole(ctx, session.Role)
			if principal != nil {
				ctx = auth.ContextWithPrincipal(ctx, principal)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func logAuthFailure(logger *slog.Logger, r *http.Request, reason string) {
	attrs := appendRequestID(r.Context(), []any{
		"method", r.Method,
		"path", r.URL.Path,
		"reason", reason,
	})
	logger.WarnContext(r.Context(), "authentication failed", attrs...)
}

// RequirePermissionMiddleware checks for a specific RBAC permission. Must
// run after SessionAuthMiddleware. Authorization failures are logged and
// answered with a generic 403 that leaks no permission details.
func RequirePermissionMiddleware(resource, action string, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			role := auth.GetEffectiveRole(ctx)
			if role == auth.RoleNone {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
				return
			}

			if !auth.HasPermission(role, resource, action) {
				attrs := appendRequestID(ctx, []any{
					"method", r.Method,
					"path", r.URL.Path,
					"role", string(role),
					"required_resource", resource,
					"required_action", action,
				})
				logger.WarnContext(ctx, "authorization denied", attrs...)
				writeJSON(w, http.StatusForbidden, apiError{Error: "forbidden"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoleMiddleware checks for a minimum role level. Must run after
// SessionAuthMiddleware.
func RequireRoleMiddleware(minRole auth.Role, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	minLevel := auth.RoleLevel(minRole)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			role := auth.GetEffectiveRole(ctx)
			if role == auth.RoleNone {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
				return
			}

			if auth.RoleLevel(role) < minLevel {
				attrs := appendRequestID(ctx, []any{
					"method", r.Method,
					"path", r.URL.Path,
					"role", string(role),
					"required_role", string(minRole),
				})
				logger.WarnContext(ctx, "insufficient role", attrs...)
				writeJSON(w, http.StatusForbidden, apiError{Error: "forbidden"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
