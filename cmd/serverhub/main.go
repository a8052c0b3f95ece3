package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"serverhub/internal/api"
	"serverhub/internal/audit"
	"serverhub/internal/auth"
	"serverhub/internal/auth/oidc"
	"serverhub/internal/config"
	"serverhub/internal/observability"
)

func main() {
	var (
		configPath = flag.String("config", envOr("SERVERHUB_CONFIG", ""), "path to YAML configuration file")
		addr       = flag.String("addr", "", "listen address (overrides config)")
	)
	flag.Parse()

	logger := observability.NewLogger(observability.ConfigFromEnv())

	// Initialize Sentry if DSN is provided
	sentryDSN := os.Getenv("SENTRY_DSN")
	sentryEnabled := false
	if sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized",
				"environment", envOr("SENTRY_ENVIRONMENT", "production"),
				"release", envOr("APP_VERSION", "dev"),
			)
			sentryEnabled = true
		}
	}

	// An invalid configuration refuses to start: a mistyped origin pattern
	// or mapping rule must never run with guessed semantics.
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("configuration rejected", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		if err := cfg.Validate(); err != nil {
			logger.Error("configuration rejected", "error", err)
			os.Exit(1)
		}
		logger.Info("no config file given; using defaults with env overrides")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// Initialize metrics
	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled",
			"namespace", metricsCfg.Namespace,
			"version", metricsCfg.Version,
		)
	} else {
		logger.Info("metrics disabled")
	}

	// Select storage based on build tags and env (see store_*.go in this package).
	ctx := context.Background()
	st := openStores(ctx, logger, cfg.Audit.MemoryCap)
	logger.Info("storage ready", "backend", st.backend)

	recorder := audit.NewRecorder(st.auditLog, logger.Slog(), audit.WithQueueSize(cfg.Audit.QueueSize))
	if metrics != nil {
		metrics.SetAuditDroppedFunc(recorder.Dropped)
	}

	// OIDC discovery per configured provider. Discovery is a network call;
	// a provider that is down at boot is skipped rather than fatal so the
	// remaining providers stay usable.
	providers := make(map[auth.Provider]*oidc.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		provider, err := auth.ParseProvider(name)
		if err != nil {
			logger.Error("unknown provider in configuration", "provider", name, "error", err)
			os.Exit(1)
		}
		discoverCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		p, err := oidc.NewProvider(discoverCtx, oidc.ProviderConfig{
			IssuerURL:    pc.IssuerURL,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  strings.TrimRight(cfg.Server.BaseURL, "/") + "/api/v1/auth/callback/" + name,
			Scopes:       pc.Scopes,
		})
		cancel()
		if err != nil {
			logger.Error("provider discovery failed; provider disabled", "provider", name, "error", err)
			continue
		}
		providers[provider] = p
		logger.Info("identity provider ready", "provider", name, "issuer", pc.IssuerURL)
	}

	// Mapper and encryption key were already validated during config load.
	mapper, err := cfg.Mapper()
	if err != nil {
		logger.Error("role mapping rejected", "error", err)
		os.Exit(1)
	}
	var decrypt func(string) (string, error)
	if cfg.Server.EncryptionKey != "" {
		key, err := cfg.EncryptionKeyBytes()
		if err != nil {
			logger.Error("encryption key rejected", "error", err)
			os.Exit(1)
		}
		decrypt = func(blob string) (string, error) { return oidc.Decrypt(blob, key) }
		logger.Info("credential encryption at rest enabled")
	} else {
		logger.Warn("no encryption key configured; credential tokens stored in plaintext")
	}

	synchronizer := auth.NewSynchronizer(st.users, st.creds, oidc.Extractor{}, mapper, decrypt, logger.Slog())

	mux := http.NewServeMux()
	srv := api.NewServer(mux, cfg, logger, metrics, recorder, st.auditLog,
		st.users, st.creds, st.sessions, synchronizer, providers)
	srv.RegisterRoutes(logger.Slog())

	// Bootstrap admin principal from environment variables (idempotent).
	if adminEmail := os.Getenv("SERVERHUB_ADMIN_EMAIL"); adminEmail != "" {
		adminPass := os.Getenv("SERVERHUB_ADMIN_PASSWORD")
		if adminPass == "" {
			logger.Error("SERVERHUB_ADMIN_EMAIL set but SERVERHUB_ADMIN_PASSWORD is empty")
		} else {
			bootstrapAdmin(ctx, logger, st.users, adminEmail, adminPass)
		}
	}

	// Background session cleanup every 15 minutes.
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			n, err := st.sessions.Cleanup(context.Background())
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}()

	policy, err := api.NewOriginPolicy(cfg.Protection.TrustedOrigins)
	if err != nil {
		logger.Error("trusted origin policy rejected", "error", err)
		os.Exit(1)
	}
	limiter := api.NewRateLimiter(cfg.Protection)

	// Order: metrics (outermost) -> requestID -> logging -> rate limiting ->
	// origin validation (innermost before handler). Rate limiting sits ahead
	// of origin checks so a flood is rejected before any origin parsing.
	handler := api.ApplyMiddlewares(
		mux,
		observability.MetricsMiddleware(metrics),
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger.Slog()),
		api.RateLimitMiddleware(limiter, recorder, metrics, logger.Slog()),
		api.OriginMiddleware(policy, recorder, metrics, logger.Slog()),
	)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("serverhub listening", "addr", cfg.Server.Addr, "base_url", cfg.Server.BaseURL)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown with 15-second timeout
	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	// Drain queued audit events before the store goes away.
	recorder.Close()
	st.close()
	logger.Info("storage closed")

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// bootstrapAdmin creates the initial admin principal if it doesn't already
// exist. The admin authenticates out of band; the password hash is the break
// glass for when every identity provider is down.
func bootstrapAdmin(ctx context.Context, logger *observability.Logger, users auth.UserStore, email, password string) {
	existing, err := users.GetByEmail(ctx, email)
	if err != nil {
		logger.Error("bootstrap admin lookup failed", "error", err)
		return
	}
	if existing != nil {
		logger.Info("bootstrap admin already exists", "email", email)
		return
	}

	if err := auth.ValidatePassword(password, 0); err != nil {
		logger.Error("bootstrap admin password does not meet requirements", "error", err)
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		logger.Error("failed to hash admin password", "error", err)
		return
	}

	now := time.Now().UTC()
	admin := &auth.Principal{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  email,
		Role:         auth.RoleAdmin,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := users.Create(ctx, admin); err != nil {
		logger.Error("failed to create bootstrap admin", "error", err)
		return
	}
	logger.Info("bootstrap admin created", "email", email)
}
