package api

import (
	"hash/fnv"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"serverhub/internal/audit"
	"serverhub/internal/config"
	"serverhub/internal/observability"
)

const (
	limiterShardCount      = 16
	limiterBucketTTL       = 5 * time.Minute
	minimumCleanupInterval = 30 * time.Second

	// globalRuleName keys buckets governed by the global rule.
	globalRuleName = "global"
)

// windowBucket is one fixed-window counter.
type windowBucket struct {
	count       int
	windowStart time.Time
}

type limiterShard struct {
	mu          sync.Mutex
	buckets     map[string]*windowBucket
	lastCleanup time.Time
}

// WindowLimiter is a sharded fixed-window counter store. Increment and
// compare happen as one compound operation under the shard lock, so two
// concurrent requests can never both observe count == limit-1 and both pass.
type WindowLimiter struct {
	shards [limiterShardCount]*limiterShard

	// now is swappable for tests.
	now func() time.Time
}

// NewWindowLimiter creates an empty counter store.
func NewWindowLimiter() *WindowLimiter {
	l := &WindowLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &limiterShard{buckets: make(map[string]*windowBucket)}
	}
	return l
}

func (l *WindowLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%limiterShardCount]
}

// Allow consumes one request from the bucket. It returns whether the request
// fits the window, the remaining quota, and, when rejected, how long until
// the window resets.
func (l *WindowLimiter) Allow(key string, limit int, window time.Duration) (allowed bool, remaining int, retryAfter time.Duration) {
	now := l.now()
	s := l.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.windowStart.Add(window)) {
		// First request in a fresh window; resets happen here, atomically
		// with the check.
		s.buckets[key] = &windowBucket{count: 1, windowStart: now}
		s.maybeCleanup(now, window)
		return true, limit - 1, 0
	}

	if b.count < limit {
		b.count++
		return true, limit - b.count, 0
	}
	return false, 0, b.windowStart.Add(window).Sub(now)
}

// maybeCleanup drops long-expired buckets. Called with the shard lock held.
func (s *limiterShard) maybeCleanup(now time.Time, window time.Duration) {
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < minimumCleanupInterval {
		return
	}
	for k, b := range s.buckets {
		if now.Sub(b.windowStart) > window+limiterBucketTTL {
			delete(s.buckets, k)
		}
	}
	s.lastCleanup = now
}

// RateLimiter assigns each request a bucket (client identifier + rule) and
// enforces tiered fixed-window limits: named per-path overrides for
// sensitive endpoints, the global rule for everything else.
type RateLimiter struct {
	global    config.RateRule
	overrides []config.PathRateRule
	header    string
	store     *WindowLimiter
}

// NewRateLimiter builds a limiter from the protection configuration. The
// rule set was validated at config load.
func NewRateLimiter(p config.Protection) *RateLimiter {
	return &RateLimiter{
		global:    p.RateLimit.Global,
		overrides: p.RateLimit.Overrides,
		header:    p.ClientIPHeader,
		store:     NewWindowLimiter(),
	}
}

// ruleFor picks the governing rule for a path: the longest matching
// override prefix, else the global rule.
func (l *RateLimiter) ruleFor(path string) (string, config.RateRule) {
	name, rule, best := globalRuleName, l.global, -1
	for _, o := range l.overrides {
		if strings.HasPrefix(path, o.Path) && len(o.Path) > best {
			name, rule, best = o.Name, o.RateRule, len(o.Path)
		}
	}
	return name, rule
}

// clientID derives the rate-limit client identifier. Only the single
// configured trusted header is consulted; otherwise the transport peer
// address is used.
func (l *RateLimiter) clientID(r *http.Request) string {
	if l.header != "" {
		if v := strings.TrimSpace(r.Header.Get(l.header)); v != "" {
			if ip, _, ok := strings.Cut(v, ","); ok {
				return strings.TrimSpace(ip)
			}
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Check consumes quota for the request and returns the verdict.
func (l *RateLimiter) Check(r *http.Request) ProtectionVerdict {
	name, rule := l.ruleFor(r.URL.Path)
	key := l.clientID(r) + "|" + name

	allowed, remaining, retryAfter := l.store.Allow(key, rule.Limit, rule.Window)
	v := ProtectionVerdict{
		Allowed:    allowed,
		Reason:     ReasonOK,
		BucketKey:  key,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}
	if !allowed {
		v.Reason = ReasonRateLimited
	}
	return v
}

// RateLimitMiddleware enforces the tiered fixed-window limits. Rejected
// requests get 429 with a Retry-After header; every verdict on a mutating
// request is audited.
func RateLimitMiddleware(limiter *RateLimiter, recorder *audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verdict := limiter.Check(r)

			if verdict.Allowed {
				if metrics != nil {
					metrics.RecordRateLimitAllowed()
				}
				if recorder != nil && mutatingMethod(r.Method) {
					detail := verdict.Detail()
					detail["path"] = r.URL.Path
					event := audit.ProtectionEvent(true, "", detail)
					event.RequestID = RequestIDFromContext(r.Context())
					recorder.Record(event)
				}
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining))
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(math.Ceil(verdict.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			attrs := appendRequestID(r.Context(), []any{
				"method", r.Method,
				"path", r.URL.Path,
				"bucket", verdict.BucketKey,
				"retry_after", retryAfter,
			})
			logger.WarnContext(r.Context(), "rate limit exceeded", attrs...)
			if metrics != nil {
				metrics.RecordRateLimitRejected()
			}
			if recorder != nil {
				detail := verdict.Detail()
				detail["path"] = r.URL.Path
				event := audit.ProtectionEvent(false, "", detail)
				event.RequestID = RequestIDFromContext(r.Context())
				recorder.Record(event)
			}

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeJSON(w, http.StatusTooManyRequests, protectionError{
				Error:  "too many requests",
				Reason: string(ReasonRateLimited),
			})
		})
	}
}
