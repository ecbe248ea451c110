package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oauth2d/oauth"
	"oauth2d/storage"
)

// Hardcoded session and rate limit defaults
const (
	DefaultSessionTTL       = 12 * time.Hour
	DefaultRateLimitRPS     = 5
	DefaultRateLimitBurst   = 10
	DefaultRateLimitEntries = 10000
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Scopes    ScopeConfig     `yaml:"scopes"`
	Clients   []ClientConfig  `yaml:"clients"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
	Sessions  SessionConfig   `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	SecretsPath       string    `yaml:"secrets_path"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// IdentityConfig describes how resource owners sign in.
type IdentityConfig struct {
	Users           []UserConfig                `yaml:"users"`
	DefaultProvider string                      `yaml:"default_provider"`
	Providers       map[string]UpstreamProvider `yaml:"providers"`
}

// UserConfig is a locally defined resource owner.
type UserConfig struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email"`
	ProfileURL   string `yaml:"profile_url"`
	PasswordHash string `yaml:"password_hash"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
}

// TokenConfig sets lifetimes and grant policy.
type TokenConfig struct {
	Issuer         string        `yaml:"issuer"`
	AuthCodeTTL    time.Duration `yaml:"auth_code_ttl"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	RotateRefresh  bool          `yaml:"rotate_refresh"`
	AllowPlainPKCE bool          `yaml:"allow_plain_pkce"`
	RequirePKCE    bool          `yaml:"require_pkce"`
}

// ScopeConfig is the closed scope catalog and the defaults for empty requests.
type ScopeConfig struct {
	Catalog  []oauth.Scope `yaml:"catalog"`
	Defaults []string      `yaml:"defaults"`
}

// ClientConfig describes an OAuth client.
type ClientConfig struct {
	ClientID         string   `yaml:"client_id"`
	Name             string   `yaml:"name"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
	Public           bool     `yaml:"public"`
	RedirectURIs     []string `yaml:"redirect_uris"`
	GrantTypes       []string `yaml:"grant_types"`
	Scopes           []string `yaml:"scopes"`
	SkipConsent      bool     `yaml:"skip_consent"`
}

// StorageConfig selects the token backend.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	RedisPrefix     string        `yaml:"redis_prefix"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// KeysConfig selects the signing key source.
type KeysConfig struct {
	PrivateKey     string        `yaml:"private_key"`
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	Retain         int           `yaml:"retain"`
}

// SessionConfig controls the login session cookie.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig throttles the token endpoint per client address.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxEntries        int     `yaml:"max_entries"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Tokens: TokenConfig{
			AuthCodeTTL:   oauth.DefaultCodeTTL,
			AccessTTL:     oauth.DefaultAccessTTL,
			RefreshTTL:    oauth.DefaultRefreshTTL,
			RotateRefresh: true,
		},
		Storage: StorageConfig{
			Driver:        storage.DriverMemory,
			SweepInterval: 10 * time.Minute,
		},
		Keys: KeysConfig{
			Retain: 1,
		},
		Sessions: SessionConfig{
			TTL: DefaultSessionTTL,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: DefaultRateLimitRPS,
			Burst:             DefaultRateLimitBurst,
			MaxEntries:        DefaultRateLimitEntries,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.Identity.Users = []UserConfig{{
		ID:       "1",
		Username: "demo",
		Name:     "Demo User",
		Email:    "demo@example.com",
	}}
	cfg.Clients = []ClientConfig{{
		ClientID:     "demo-spa",
		Name:         "Demo SPA",
		Public:       true,
		RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
		GrantTypes:   []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
	}}
	return cfg
}

// Issuer returns the token issuer, defaulting to the public URL.
func (c Config) Issuer() string {
	if c.Tokens.Issuer != "" {
		return strings.TrimSuffix(c.Tokens.Issuer, "/")
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OAUTH2D_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OAUTH2D_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OAUTH2D_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OAUTH2D_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OAUTH2D_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OAUTH2D_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OAUTH2D_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OAUTH2D_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OAUTH2D_TOKENS_ISSUER":            func(v string) { cfg.Tokens.Issuer = v },
		"OAUTH2D_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"OAUTH2D_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"OAUTH2D_TOKENS_ROTATE_REFRESH":    func(v string) { cfg.Tokens.RotateRefresh = parseBool(v, cfg.Tokens.RotateRefresh) },
		"OAUTH2D_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"OAUTH2D_STORAGE_DSN":              func(v string) { cfg.Storage.DSN = v },
		"OAUTH2D_KEYS_JWKS_PATH":           func(v string) { cfg.Keys.JWKSPath = v },
		"OAUTH2D_KEYS_ROTATE_INTERVAL":     func(v string) { cfg.Keys.RotateInterval = parseDuration(v, cfg.Keys.RotateInterval) },
		"OAUTH2D_RATE_LIMIT_ENABLED":       func(v string) { cfg.RateLimit.Enabled = parseBool(v, cfg.RateLimit.Enabled) },
		"OAUTH2D_RATE_LIMIT_RPS":           func(v string) { cfg.RateLimit.RequestsPerSecond = parseFloat(v, cfg.RateLimit.RequestsPerSecond) },
		"OAUTH_PRIVATE_KEY":                func(v string) { cfg.Keys.PrivateKey = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseFloat(val string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.validateTokens(); err != nil {
		return err
	}
	if err := c.validateScopes(); err != nil {
		return err
	}
	if err := c.validateClients(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case "", storage.DriverMemory:
	case storage.DriverPostgres, storage.DriverRedis:
		if c.Storage.DSN == "" {
			slog.Error("Missing storage DSN", "field", "storage.dsn", "driver", c.Storage.Driver)
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		slog.Error("Unknown storage driver", "field", "storage.driver", "value", c.Storage.Driver)
		return fmt.Errorf("storage.driver must be memory, postgres or redis, got: %s", c.Storage.Driver)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		slog.Error("Invalid rate limit", "requests_per_second", c.RateLimit.RequestsPerSecond, "burst", c.RateLimit.Burst)
		return errors.New("rate_limit.requests_per_second and rate_limit.burst must be positive when enabled")
	}

	return nil
}

func (c Config) validateTokens() error {
	for field, d := range map[string]time.Duration{
		"tokens.auth_code_ttl": c.Tokens.AuthCodeTTL,
		"tokens.access_ttl":    c.Tokens.AccessTTL,
		"tokens.refresh_ttl":   c.Tokens.RefreshTTL,
	} {
		if d < 0 {
			slog.Error("Negative token lifetime", "field", field, "value", d)
			return fmt.Errorf("%s must not be negative", field)
		}
	}
	return nil
}

func (c Config) validateScopes() error {
	known := make(map[string]bool, len(c.Scopes.Catalog))
	for i, s := range c.Scopes.Catalog {
		if s.ID == "" {
			slog.Error("Scope missing id", "index", i)
			return fmt.Errorf("scopes.catalog[%d]: id is required", i)
		}
		if strings.ContainsAny(s.ID, " \t\"\\") {
			slog.Error("Invalid scope id", "scope", s.ID)
			return fmt.Errorf("scopes.catalog[%d]: id %q contains invalid characters", i, s.ID)
		}
		known[s.ID] = true
	}
	if len(c.Scopes.Catalog) == 0 {
		return nil
	}
	for _, d := range c.Scopes.Defaults {
		if !known[d] {
			slog.Error("Default scope not in catalog", "scope", d)
			return fmt.Errorf("scopes.defaults: %q is not in scopes.catalog", d)
		}
	}
	return nil
}

func (c Config) validateClients() error {
	if len(c.Clients) == 0 {
		slog.Error("No OAuth2 clients configured", "reason", "at least one client must be configured")
		return errors.New("at least one client must be configured")
	}
	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("OAuth2 client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seen[client.ClientID] {
			slog.Error("Duplicate client_id", "client_id", client.ClientID)
			return fmt.Errorf("clients[%d]: duplicate client_id %s", i, client.ClientID)
		}
		seen[client.ClientID] = true

		if !client.Public && client.ClientSecret == "" && client.ClientSecretHash == "" {
			slog.Error("Confidential client missing secret", "client_id", client.ClientID)
			return fmt.Errorf("clients[%d] (%s): client_secret or client_secret_hash is required unless public", i, client.ClientID)
		}
		for _, gt := range client.grantTypes() {
			switch gt {
			case oauth.GrantAuthorizationCode, oauth.GrantRefreshToken:
			case oauth.GrantClientCredentials:
				if client.Public {
					slog.Error("Public client cannot use client_credentials", "client_id", client.ClientID)
					return fmt.Errorf("clients[%d] (%s): client_credentials requires a confidential client", i, client.ClientID)
				}
			default:
				slog.Error("Unknown grant type", "client_id", client.ClientID, "grant_type", gt)
				return fmt.Errorf("clients[%d] (%s): unknown grant type %q", i, client.ClientID, gt)
			}
		}
		if client.usesGrant(oauth.GrantAuthorizationCode) && len(client.RedirectURIs) == 0 {
			slog.Error("OAuth2 client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			u, err := url.Parse(uri)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Fragment != "" {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", "must be an absolute HTTP(S) URL without fragment")
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must be an absolute http(s) URL without fragment, got: %s", i, client.ClientID, j, uri)
			}
		}
	}
	return nil
}

func (c Config) validateIdentity() error {
	seen := make(map[string]bool, len(c.Identity.Users))
	for i, u := range c.Identity.Users {
		if u.ID == "" || u.Username == "" {
			slog.Error("User missing id or username", "index", i)
			return fmt.Errorf("identity.users[%d]: id and username are required", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("identity.users[%d]: duplicate username %s", i, u.Username)
		}
		seen[u.Username] = true
		if !c.Server.DevMode && u.PasswordHash == "" {
			slog.Error("User missing password hash", "username", u.Username, "reason", "required outside dev mode")
			return fmt.Errorf("identity.users[%d] (%s): password_hash is required outside dev mode", i, u.Username)
		}
	}

	for name, p := range c.Identity.Providers {
		if p.Issuer == "" {
			slog.Error("Provider missing issuer", "provider", name, "field", fmt.Sprintf("identity.providers.%s.issuer", name))
			return fmt.Errorf("identity.providers.%s.issuer is required", name)
		}
		if p.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", name, "field", fmt.Sprintf("identity.providers.%s.client_id", name))
			return fmt.Errorf("identity.providers.%s.client_id is required", name)
		}
	}
	if c.Identity.DefaultProvider != "" {
		if _, ok := c.Identity.Providers[c.Identity.DefaultProvider]; !ok {
			slog.Error("Default provider not found", "default_provider", c.Identity.DefaultProvider)
			return fmt.Errorf("identity.default_provider '%s' is not configured", c.Identity.DefaultProvider)
		}
	}

	if len(c.Identity.Users) == 0 && len(c.Identity.Providers) == 0 {
		slog.Error("No identity source configured", "reason", "configure identity.users or identity.providers")
		return errors.New("identity.users or identity.providers must be configured")
	}
	return nil
}

// grantTypes returns the configured grants, defaulting to the code flow with refresh.
func (cc ClientConfig) grantTypes() []string {
	if len(cc.GrantTypes) > 0 {
		return cc.GrantTypes
	}
	return []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken}
}

func (cc ClientConfig) usesGrant(gt string) bool {
	for _, g := range cc.grantTypes() {
		if g == gt {
			return true
		}
	}
	return false
}
