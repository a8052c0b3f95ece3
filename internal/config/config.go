// Package config loads and validates the serverhub configuration file.
// Configuration is read once at process start; an invalid security policy
// (bad origin pattern, bad rate rule, bad mapping) refuses to load rather
// than run with ambiguous semantics.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"serverhub/internal/auth"
	"serverhub/internal/rolemap"
)

// Config is the full process configuration.
type Config struct {
	Server      Server              `yaml:"server"`
	Providers   map[string]Provider `yaml:"providers"`
	RoleMapping RoleMapping         `yaml:"role_mapping"`
	Protection  Protection          `yaml:"protection"`
	Audit       Audit               `yaml:"audit"`
}

// Server holds HTTP server and crypto settings.
type Server struct {
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url"`

	// EncryptionKey is the hex-encoded 32-byte AES key for credential
	// token blobs at rest. Overridable via SERVERHUB_ENCRYPTION_KEY.
	EncryptionKey string `yaml:"encryption_key"`
}

// Provider holds the OAuth client settings for one identity provider.
// Keys in Config.Providers must be valid provider identifiers
// (entra, google, github).
type Provider struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// RoleMapping holds the external-to-internal role mapping table.
type RoleMapping struct {
	// Defaults maps a provider to the role applied when no rule matches.
	Defaults map[string]string `yaml:"defaults"`
	Rules    []rolemap.Rule    `yaml:"rules"`
}

// Protection configures the request-gating middleware.
type Protection struct {
	// TrustedOrigins lists allowed origins for mutating requests: exact
	// origins, "scheme://*.domain" wildcards, bare "*.domain" wildcards,
	// or opaque scheme prefixes like "app://".
	TrustedOrigins []string `yaml:"trusted_origins"`

	// ClientIPHeader is the single header trusted to carry the client
	// address (set by a fronting proxy). Empty means use the peer address.
	ClientIPHeader string `yaml:"client_ip_header"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Cookie    Cookie    `yaml:"cookie"`
}

// RateRule is one fixed-window rate limit: Limit requests per Window.
type RateRule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// PathRateRule is a named per-path override of the global rate rule.
type PathRateRule struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // request path prefix
	RateRule `yaml:",inline"`
}

// RateLimit holds the global rule plus named per-path overrides.
type RateLimit struct {
	Global    RateRule       `yaml:"global"`
	Overrides []PathRateRule `yaml:"overrides"`
}

// Cookie configures session cookie attributes. Secure is always forced on
// when the connection is TLS; it cannot be configured off.
type Cookie struct {
	Name       string        `yaml:"name"`
	SameSite   string        `yaml:"same_site"` // "lax" or "strict"
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Audit configures the asynchronous audit recorder.
type Audit struct {
	// QueueSize bounds the in-flight event queue; events beyond it are
	// dropped and counted.
	QueueSize int `yaml:"queue_size"`

	// MemoryCap bounds the in-memory store's retained events.
	MemoryCap int `yaml:"memory_cap"`
}

// Load reads, defaults, env-overrides, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse loads configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable development configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Protection.RateLimit.Global.Limit == 0 {
		c.Protection.RateLimit.Global = RateRule{Limit: 100, Window: time.Minute}
	}
	// The auth endpoints get much tighter windows than the global rule:
	// they are unauthenticated and each hit costs an upstream round trip.
	if c.Protection.RateLimit.Overrides == nil {
		c.Protection.RateLimit.Overrides = []PathRateRule{
			{
				Name:     "auth-login",
				Path:     "/api/v1/auth/login",
				RateRule: RateRule{Limit: 3, Window: 10 * time.Second},
			},
			{
				Name:     "auth-callback",
				Path:     "/api/v1/auth/callback",
				RateRule: RateRule{Limit: 3, Window: 10 * time.Second},
			},
		}
	}
	if c.Protection.Cookie.Name == "" {
		c.Protection.Cookie.Name = "serverhub_session"
	}
	if c.Protection.Cookie.SameSite == "" {
		c.Protection.Cookie.SameSite = "lax"
	}
	if c.Protection.Cookie.SessionTTL == 0 {
		c.Protection.Cookie.SessionTTL = 24 * time.Hour
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.MemoryCap == 0 {
		c.Audit.MemoryCap = 10000
	}
}

// applyEnv layers environment overrides on top of file values. Secrets are
// the common case: keep them out of the config file in production.
func (c *Config) applyEnv() {
	if v := os.Getenv("SERVERHUB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SERVERHUB_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("SERVERHUB_ENCRYPTION_KEY"); v != "" {
		c.Server.EncryptionKey = v
	}
	for _, p := range auth.ValidProviders() {
		prefix := "SERVERHUB_" + strings.ToUpper(string(p))
		pc, ok := c.Providers[string(p)]
		if id := os.Getenv(prefix + "_CLIENT_ID"); id != "" {
			pc.ClientID = id
			ok = true
		}
		if secret := os.Getenv(prefix + "_CLIENT_SECRET"); secret != "" {
			pc.ClientSecret = secret
			ok = true
		}
		if iss := os.Getenv(prefix + "_ISSUER_URL"); iss != "" {
			pc.IssuerURL = iss
			ok = true
		}
		if ok {
			if c.Providers == nil {
				c.Providers = make(map[string]Provider)
			}
			c.Providers[string(p)] = pc
		}
	}
}

// Validate checks everything that can be checked without network access.
// Origin patterns and mapping rules compile in their own constructors; this
// calls them so a bad policy fails here, at load time.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if _, err := auth.ParseProvider(name); err != nil {
			return fmt.Errorf("providers: unknown provider %q", name)
		}
		if p.IssuerURL == "" {
			return fmt.Errorf("providers.%s: issuer_url is required", name)
		}
		if p.ClientID == "" {
			return fmt.Errorf("providers.%s: client_id is required", name)
		}
	}

	if c.Server.EncryptionKey != "" {
		if _, err := c.EncryptionKeyBytes(); err != nil {
			return err
		}
	}

	if _, err := c.Mapper(); err != nil {
		return fmt.Errorf("role_mapping: %w", err)
	}

	if err := validateRateRule("protection.rate_limit.global", c.Protection.RateLimit.Global); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for i, o := range c.Protection.RateLimit.Overrides {
		label := fmt.Sprintf("protection.rate_limit.overrides[%d]", i)
		if o.Name == "" {
			return fmt.Errorf("%s: name is required", label)
		}
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("%s: duplicate rule name %q", label, o.Name)
		}
		seen[o.Name] = struct{}{}
		if o.Path == "" {
			return fmt.Errorf("%s: path is required", label)
		}
		if err := validateRateRule(label, o.RateRule); err != nil {
			return err
		}
	}

	switch c.Protection.Cookie.SameSite {
	case "lax", "strict":
	default:
		return fmt.Errorf("protection.cookie.same_site: must be \"lax\" or \"strict\", got %q", c.Protection.Cookie.SameSite)
	}
	if c.Protection.Cookie.SessionTTL <= 0 {
		return fmt.Errorf("protection.cookie.session_ttl: must be positive")
	}

	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size: must be positive")
	}
	return nil
}

func validateRateRule(label string, r RateRule) error {
	if r.Limit <= 0 {
		return fmt.Errorf("%s: limit must be positive, got %d", label, r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%s: window must be positive, got %s", label, r.Window)
	}
	return nil
}

// Mapper compiles the role mapping table.
func (c *Config) Mapper() (*rolemap.Mapper, error) {
	defaults := make(map[auth.Provider]auth.Role, len(c.RoleMapping.Defaults))
	for name, role := range c.RoleMapping.Defaults {
		defaults[auth.Provider(name)] = auth.Role(role)
	}
	return rolemap.NewMapper(c.RoleMapping.Rules, defaults)
}

// EncryptionKeyBytes decodes the hex-encoded AES key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.Server.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("server.encryption_key: not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("server.encryption_key: need 32 bytes, got %d", len(key))
	}
	return key, nil
}
