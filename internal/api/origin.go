package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"serverhub/internal/audit"
	"serverhub/internal/observability"
)

// originEntryKind discriminates the compiled allow-list entry forms.
type originEntryKind int

const (
	originExact        originEntryKind = iota // https://hub.example.com
	originSchemeWild                          // https://*.example.com
	originAnyWild                             // *.example.com
	originOpaqueScheme                        // app://
)

type originEntry struct {
	kind   originEntryKind
	scheme string   // originExact, originSchemeWild, originOpaqueScheme
	host   string   // originExact (host[:port], lowercased)
	labels []string // domain labels for wildcard entries
}

// OriginPolicy is the compiled trusted-origin allow-list. Construction
// validates every entry; an invalid pattern refuses to compile rather than
// silently matching nothing.
type OriginPolicy struct {
	entries []originEntry
}

// NewOriginPolicy compiles allow-list entries. Supported forms: exact
// origins ("https://hub.example.com"), scheme-specific wildcard subdomains
// ("https://*.example.com"), scheme-agnostic wildcards ("*.example.com"),
// and opaque custom scheme prefixes ("app://") for non-browser clients.
func NewOriginPolicy(entries []string) (*OriginPolicy, error) {
	p := &OriginPolicy{}
	for _, raw := range entries {
		entry, err := compileOriginEntry(raw)
		if err != nil {
			return nil, err
		}
		p.entries = append(p.entries, entry)
	}
	return p, nil
}

func compileOriginEntry(raw string) (originEntry, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return originEntry{}, fmt.Errorf("origin entry is empty")
	}

	if strings.HasSuffix(s, "://") {
		scheme := strings.ToLower(strings.TrimSuffix(s, "://"))
		if scheme == "" || strings.ContainsAny(scheme, "*/") {
			return originEntry{}, fmt.Errorf("invalid origin scheme entry %q", raw)
		}
		return originEntry{kind: originOpaqueScheme, scheme: scheme}, nil
	}

	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		scheme = strings.ToLower(scheme)
		if scheme == "" {
			return originEntry{}, fmt.Errorf("invalid origin entry %q", raw)
		}
		if strings.HasPrefix(rest, "*.") {
			labels, err := wildcardLabels(rest, raw)
			if err != nil {
				return originEntry{}, err
			}
			return originEntry{kind: originSchemeWild, scheme: scheme, labels: labels}, nil
		}
		if strings.Contains(rest, "*") {
			return originEntry{}, fmt.Errorf("origin wildcard must be the leftmost label: %q", raw)
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return originEntry{}, fmt.Errorf("invalid origin entry %q", raw)
		}
		return originEntry{kind: originExact, scheme: scheme, host: strings.ToLower(u.Host)}, nil
	}

	if strings.HasPrefix(s, "*.") {
		labels, err := wildcardLabels(s, raw)
		if err != nil {
			return originEntry{}, err
		}
		return originEntry{kind: originAnyWild, labels: labels}, nil
	}

	return originEntry{}, fmt.Errorf("origin entry %q must be an exact origin, a *.domain wildcard, or a scheme:// prefix", raw)
}

// wildcardLabels validates a "*.domain" pattern and returns the domain
// labels. The wildcard must be exactly the leftmost label.
func wildcardLabels(pattern, raw string) ([]string, error) {
	domain := strings.ToLower(strings.TrimPrefix(pattern, "*."))
	if domain == "" || strings.Contains(domain, "*") || strings.Contains(domain, "/") {
		return nil, fmt.Errorf("invalid origin wildcard %q", raw)
	}
	labels := strings.Split(domain, ".")
	for _, l := range labels {
		if l == "" {
			return nil, fmt.Errorf("invalid origin wildcard %q", raw)
		}
	}
	return labels, nil
}

// Match reports whether the given effective origin is allowed.
func (p *OriginPolicy) Match(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	hostname := strings.ToLower(u.Hostname())

	for _, e := range p.entries {
		switch e.kind {
		case originExact:
			if scheme == e.scheme && host == e.host {
				return true
			}
		case originSchemeWild:
			if scheme == e.scheme && labelSuffixMatch(hostname, e.labels) {
				return true
			}
		case originAnyWild:
			if labelSuffixMatch(hostname, e.labels) {
				return true
			}
		case originOpaqueScheme:
			if scheme == e.scheme {
				return true
			}
		}
	}
	return false
}

// labelSuffixMatch compares host labels against the pattern's domain labels
// from the right. The host must have at least one extra leading label, and
// every domain label must match exactly, so substring tricks like
// "evil-example.com" or "example.com.attacker.net" do not match
// "*.example.com".
func labelSuffixMatch(hostname string, domain []string) bool {
	hostLabels := strings.Split(hostname, ".")
	if len(hostLabels) <= len(domain) {
		return false
	}
	offset := len(hostLabels) - len(domain)
	for i, l := range domain {
		if hostLabels[offset+i] != l {
			return false
		}
	}
	return true
}

// effectiveOrigin extracts the origin to validate: the Origin header when
// present, else the origin part of the Referer.
func effectiveOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// mutatingMethod reports whether the request method is non-idempotent and
// therefore gated by origin validation.
func mutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// OriginMiddleware gates mutating requests on the trusted-origin allow-list.
// A request with neither an Origin nor a Referer header, or with an origin
// outside the allow-list, is rejected with 403 and an audited verdict. Safe
// methods pass through untouched.
func OriginMiddleware(policy *OriginPolicy, recorder *audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutatingMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := effectiveOrigin(r)
			if policy.Match(origin) {
				next.ServeHTTP(w, r)
				return
			}

			verdict := ProtectionVerdict{Allowed: false, Reason: ReasonOriginRejected}
			attrs := appendRequestID(r.Context(), []any{
				"method", r.Method,
				"path", r.URL.Path,
				"origin", origin,
			})
			logger.WarnContext(r.Context(), "origin rejected", attrs...)
			if metrics != nil {
				metrics.RecordOriginRejected()
			}
			if recorder != nil {
				detail := verdict.Detail()
				detail["path"] = r.URL.Path
				detail["origin"] = origin
				event := audit.ProtectionEvent(false, "", detail)
				event.RequestID = RequestIDFromContext(r.Context())
				recorder.Record(event)
			}
			// Never echo allow-list contents back to the client.
			writeJSON(w, http.StatusForbidden, protectionError{
				Error:  "forbidden",
				Reason: string(ReasonOriginRejected),
			})
		})
	}
}
