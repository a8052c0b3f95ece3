package observability

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefixes every exported metric name.
	Namespace string
	// Version is reported by the info gauge.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "serverhub",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// SERVERHUB_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()

	if v := os.Getenv("SERVERHUB_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// requestKey identifies one counter series of the request-count metric.
type requestKey struct {
	method string
	path   string
	status int
}

// routeKey identifies one latency series.
type routeKey struct {
	method string
	path   string
}

// latencyWindowSize bounds per-route memory for quantile estimation.
const latencyWindowSize = 1000

// Metrics collects request, protection, and role-sync counters and serves
// them in Prometheus text format. Safe for concurrent use.
type Metrics struct {
	namespace string
	version   string

	mu        sync.RWMutex
	requests  map[requestKey]*atomic.Int64
	latencies map[routeKey]*latencyWindow

	rateLimitAllowed  atomic.Int64
	rateLimitRejected atomic.Int64
	originRejected    atomic.Int64
	activeConnections atomic.Int64

	roleSyncMu sync.RWMutex
	roleSyncs  map[string]*atomic.Int64

	// auditDropped is read at scrape time so the gauge tracks the audit
	// recorder without a polling loop. Nil until wired.
	auditDropped atomic.Pointer[func() int64]
}

// NewMetrics creates an empty collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		namespace: cfg.Namespace,
		version:   cfg.Version,
		requests:  make(map[requestKey]*atomic.Int64),
		latencies: make(map[routeKey]*latencyWindow),
		roleSyncs: make(map[string]*atomic.Int64),
	}
}

// RecordHTTPRequest counts one served request and samples its duration.
// The path is normalized before use so per-resource IDs do not explode
// series cardinality.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	route := routeKey{method: method, path: normalizePath(path)}
	key := requestKey{method: route.method, path: route.path, status: status}

	m.mu.Lock()
	counter, ok := m.requests[key]
	if !ok {
		counter = new(atomic.Int64)
		m.requests[key] = counter
	}
	window, ok := m.latencies[route]
	if !ok {
		window = newLatencyWindow(latencyWindowSize)
		m.latencies[route] = window
	}
	m.mu.Unlock()

	counter.Add(1)
	window.observe(duration)
}

// RecordRateLimitAllowed counts a request the rate limiter let through.
func (m *Metrics) RecordRateLimitAllowed() {
	m.rateLimitAllowed.Add(1)
}

// RecordRateLimitRejected counts a request the rate limiter refused.
func (m *Metrics) RecordRateLimitRejected() {
	m.rateLimitRejected.Add(1)
}

// RecordOriginRejected counts a request refused by origin validation.
func (m *Metrics) RecordOriginRejected() {
	m.originRejected.Add(1)
}

// RecordRoleSync counts a completed role synchronization by resolved role.
func (m *Metrics) RecordRoleSync(role string) {
	m.roleSyncMu.Lock()
	counter, ok := m.roleSyncs[role]
	if !ok {
		counter = new(atomic.Int64)
		m.roleSyncs[role] = counter
	}
	m.roleSyncMu.Unlock()
	counter.Add(1)
}

// SetAuditDroppedFunc wires the audit recorder's cumulative drop counter
// into the exporter. The function is called on every scrape.
func (m *Metrics) SetAuditDroppedFunc(fn func() int64) {
	m.auditDropped.Store(&fn)
}

func (m *Metrics) auditDroppedCount() int64 {
	if fn := m.auditDropped.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// IncrementActiveConnections increments the in-flight request gauge.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Add(1)
}

// DecrementActiveConnections decrements the in-flight request gauge.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Add(-1)
}

// normalizePath replaces path segments that look like resource IDs
// (decimal numbers or UUIDs) with {id}.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if isIDSegment(seg) {
			segments[i] = "{id}"
			changed = true
		}
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}

func isIDSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if len(seg) == 36 && strings.Count(seg, "-") == 4 {
		return true
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// latencyWindow keeps the most recent duration samples for one route in a
// fixed ring and computes summary quantiles over them on demand.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (lw *latencyWindow) observe(d time.Duration) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.samples[lw.next] = d.Seconds()
	lw.next++
	if lw.next == len(lw.samples) {
		lw.next = 0
		lw.filled = true
	}
}

// snapshot returns the live samples in an arbitrary order.
func (lw *latencyWindow) snapshot() []float64 {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := lw.next
	if lw.filled {
		n = len(lw.samples)
	}
	out := make([]float64, n)
	copy(out, lw.samples[:n])
	return out
}

// summary reports interpolated quantiles plus sum and count over the window.
func (lw *latencyWindow) summary(quantiles []float64) (qv []float64, sum float64, count int) {
	samples := lw.snapshot()
	count = len(samples)
	qv = make([]float64, len(quantiles))
	if count == 0 {
		return qv, 0, 0
	}
	sort.Float64s(samples)
	for _, s := range samples {
		sum += s
	}
	for i, q := range quantiles {
		pos := q * float64(count-1)
		lo := int(pos)
		if lo+1 >= count {
			qv[i] = samples[count-1]
			continue
		}
		frac := pos - float64(lo)
		qv[i] = samples[lo]*(1-frac) + samples[lo+1]*frac
	}
	return qv, sum, count
}

// Handler serves the collected metrics in Prometheus text format. Only GET
// is accepted.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.render(w)
	})
}

var summaryQuantiles = []float64{0.5, 0.9, 0.99}

func (m *Metrics) render(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s_info Application information\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_info gauge\n", m.namespace)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", m.namespace, m.version)

	m.mu.RLock()
	reqKeys := make([]requestKey, 0, len(m.requests))
	for k := range m.requests {
		reqKeys = append(reqKeys, k)
	}
	routes := make([]routeKey, 0, len(m.latencies))
	for k := range m.latencies {
		routes = append(routes, k)
	}
	m.mu.RUnlock()

	sort.Slice(reqKeys, func(i, j int) bool {
		a, b := reqKeys[i], reqKeys[j]
		if a.method != b.method {
			return a.method < b.method
		}
		if a.path != b.path {
			return a.path < b.path
		}
		return a.status < b.status
	})
	sort.Slice(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if a.method != b.method {
			return a.method < b.method
		}
		return a.path < b.path
	})

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", m.namespace)
	for _, k := range reqKeys {
		m.mu.RLock()
		counter := m.requests[k]
		m.mu.RUnlock()
		fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			m.namespace, k.method, k.path, k.status, counter.Load())
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_http_request_duration_seconds HTTP request duration in seconds\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_http_request_duration_seconds summary\n", m.namespace)
	for _, k := range routes {
		m.mu.RLock()
		window := m.latencies[k]
		m.mu.RUnlock()
		qv, sum, count := window.summary(summaryQuantiles)
		for i, q := range summaryQuantiles {
			fmt.Fprintf(w, "%s_http_request_duration_seconds{method=%q,path=%q,quantile=\"%.2f\"} %.6f\n",
				m.namespace, k.method, k.path, q, qv[i])
		}
		fmt.Fprintf(w, "%s_http_request_duration_seconds_sum{method=%q,path=%q} %.6f\n",
			m.namespace, k.method, k.path, sum)
		fmt.Fprintf(w, "%s_http_request_duration_seconds_count{method=%q,path=%q} %d\n",
			m.namespace, k.method, k.path, count)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_rate_limit_requests_total Total rate limit decisions\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_rate_limit_requests_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"allowed\"} %d\n", m.namespace, m.rateLimitAllowed.Load())
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"rejected\"} %d\n\n", m.namespace, m.rateLimitRejected.Load())

	fmt.Fprintf(w, "# HELP %s_origin_rejected_total Requests rejected by origin validation\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_origin_rejected_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_origin_rejected_total %d\n\n", m.namespace, m.originRejected.Load())

	fmt.Fprintf(w, "# HELP %s_role_syncs_total Role synchronizations by resolved role\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_role_syncs_total counter\n", m.namespace)
	m.roleSyncMu.RLock()
	roles := make([]string, 0, len(m.roleSyncs))
	for role := range m.roleSyncs {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Fprintf(w, "%s_role_syncs_total{role=%q} %d\n", m.namespace, role, m.roleSyncs[role].Load())
	}
	m.roleSyncMu.RUnlock()
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_audit_dropped_total Audit events dropped on queue overflow\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_audit_dropped_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_audit_dropped_total %d\n\n", m.namespace, m.auditDroppedCount())

	fmt.Fprintf(w, "# HELP %s_active_connections Current number of in-flight HTTP requests\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_active_connections gauge\n", m.namespace)
	fmt.Fprintf(w, "%s_active_connections %d\n", m.namespace, m.activeConnections.Load())
}

// MetricsMiddleware records per-request counters and latency. A nil Metrics
// disables collection; the /metrics endpoint itself is never counted.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

// statusWriter captures the response status for the request counter.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
