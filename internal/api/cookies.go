package api

import (
	"net/http"

	"serverhub/internal/config"
)

// CookieWriter enforces session cookie security attributes at the single
// point cookies are written: http-only always, secure whenever the
// connection is encrypted, and a same-site policy no weaker than Lax.
type CookieWriter struct {
	name     string
	sameSite http.SameSite
	maxAge   int
}

// NewCookieWriter builds a writer from validated cookie configuration.
func NewCookieWriter(c config.Cookie) *CookieWriter {
	sameSite := http.SameSiteLaxMode
	if c.SameSite == "strict" {
		sameSite = http.SameSiteStrictMode
	}
	return &CookieWriter{
		name:     c.Name,
		sameSite: sameSite,
		maxAge:   int(c.SessionTTL.Seconds()),
	}
}

// Name returns the session cookie name.
func (cw *CookieWriter) Name() string { return cw.name }

// encrypted reports whether the request arrived over TLS, directly or via a
// terminating proxy.
func encrypted(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// SetSession writes the session cookie for this response.
func (cw *CookieWriter) SetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cw.name,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   cw.maxAge,
		HttpOnly: true,
		Secure:   encrypted(r),
		SameSite: cw.sameSite,
	})
}

// ClearSession expires the session cookie.
func (cw *CookieWriter) ClearSession(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cw.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   encrypted(r),
		SameSite: cw.sameSite,
	})
}
