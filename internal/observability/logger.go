// Package observability provides structured logging and metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// requestIDKey carries the request ID; the api package delegates to
// WithRequestID so middleware and logging share one key.
const requestIDKey contextKey = "requestID"

// Config controls log output.
type Config struct {
	// Level is the minimum level emitted (debug, info, warn, error).
	Level string
	// Format selects the handler (json, text).
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource includes file:line on every record.
	AddSource bool
}

// DefaultConfig is info-level JSON to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: os.Stdout}
}

// ConfigFromEnv reads SERVERHUB_LOG_LEVEL and SERVERHUB_LOG_FORMAT on top
// of the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if level := os.Getenv("SERVERHUB_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("SERVERHUB_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	return cfg
}

// Logger wraps slog so call sites share one configured handler. The slog
// methods are promoted; Slog hands the underlying logger to packages that
// take *slog.Logger directly.
type Logger struct {
	*slog.Logger
}

// NewLogger builds a Logger from the config.
func NewLogger(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Slog returns the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
