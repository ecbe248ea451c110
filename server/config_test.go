package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oauth2d/oauth"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `server:
  public_url: http://localhost:8080
  dev_mode: true
identity:
  users:
    - id: "1"
      username: demo
clients:
  - client_id: web
    client_secret: s3cret
    redirect_uris: ["http://localhost/callback"]
    scopes: ["read", "profile"]
`

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	t.Setenv("OAUTH2D_SERVER_PUBLIC_URL", "https://auth.example.com")
	t.Setenv("OAUTH2D_TOKENS_ACCESS_TTL", "15m")
	t.Setenv("OAUTH2D_TOKENS_ROTATE_REFRESH", "false")
	t.Setenv("OAUTH2D_RATE_LIMIT_RPS", "2.5")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL override mismatch, got %s", cfg.Tokens.AccessTTL)
	}
	if cfg.Tokens.RotateRefresh {
		t.Fatalf("RotateRefresh override not applied")
	}
	if cfg.RateLimit.RequestsPerSecond != 2.5 {
		t.Fatalf("RPS override mismatch, got %v", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.Issuer() != "https://auth.example.com" {
		t.Fatalf("issuer should default to public url, got %q", cfg.Issuer())
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Tokens.AuthCodeTTL != 10*time.Minute || cfg.Tokens.AccessTTL != time.Hour || cfg.Tokens.RefreshTTL != 30*24*time.Hour {
		t.Fatalf("unexpected token lifetimes %+v", cfg.Tokens)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatalf("rate limit should be enabled by default")
	}
}

func TestLoadConfigIgnoresCommentLines(t *testing.T) {
	yaml := "# top comment\n" + strings.Replace(minimalYAML, "clients:\n", "clients:\n  # inline comment\n", 1)
	if _, err := LoadConfig(writeConfig(t, yaml)); err != nil {
		t.Fatalf("comments should be ignored: %v", err)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	yaml := strings.Replace(minimalYAML, "  dev_mode: true\n", "  dev_mode: true\n  unknown_field: value\n", 1)
	_, err := LoadConfig(writeConfig(t, yaml))
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error should name the unknown field: %v", err)
	}
}

func TestLoadConfigScopeCatalog(t *testing.T) {
	yaml := minimalYAML + `scopes:
  catalog:
    - id: read
      description: Read things
    - id: profile
      description: Basic profile
  defaults: ["read"]
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.Scopes.Catalog) != 2 || cfg.Scopes.Catalog[0].Description != "Read things" {
		t.Fatalf("unexpected catalog %+v", cfg.Scopes.Catalog)
	}
}

func TestConfigValidateRequiresClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no clients are configured")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid public url",
			mutate:  func(c *Config) { c.Server.PublicURL = "auth.example.com" },
			wantErr: "server.public_url must start with",
		},
		{
			name:    "invalid tls version",
			mutate:  func(c *Config) { c.Server.TLS.MinVersion = "1.1" },
			wantErr: "server.tls.min_version",
		},
		{
			name:    "cookie domain mismatch",
			mutate:  func(c *Config) { c.Server.CookieDomain = ".other.test" },
			wantErr: "server.cookie_domain",
		},
		{
			name:    "negative ttl",
			mutate:  func(c *Config) { c.Tokens.AccessTTL = -time.Second },
			wantErr: "tokens.access_ttl must not be negative",
		},
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.Clients[0].ClientID = "" },
			wantErr: "client_id is required",
		},
		{
			name: "duplicate client id",
			mutate: func(c *Config) {
				c.Clients = append(c.Clients, c.Clients[0])
			},
			wantErr: "duplicate client_id",
		},
		{
			name: "confidential without secret",
			mutate: func(c *Config) {
				c.Clients[0].Public = false
				c.Clients[0].ClientSecret = ""
			},
			wantErr: "client_secret or client_secret_hash is required",
		},
		{
			name: "public client credentials",
			mutate: func(c *Config) {
				c.Clients[0].GrantTypes = []string{"client_credentials"}
			},
			wantErr: "client_credentials requires a confidential client",
		},
		{
			name:    "unknown grant",
			mutate:  func(c *Config) { c.Clients[0].GrantTypes = []string{"password"} },
			wantErr: "unknown grant type",
		},
		{
			name:    "redirect with fragment",
			mutate:  func(c *Config) { c.Clients[0].RedirectURIs = []string{"http://app.test/cb#frag"} },
			wantErr: "redirect_uris[0]",
		},
		{
			name:    "code grant without redirects",
			mutate:  func(c *Config) { c.Clients[0].RedirectURIs = nil },
			wantErr: "at least one redirect_uri is required",
		},
		{
			name: "default scope outside catalog",
			mutate: func(c *Config) {
				c.Scopes.Catalog = []oauth.Scope{{ID: "read"}}
				c.Scopes.Defaults = []string{"write"}
			},
			wantErr: "scopes.defaults",
		},
		{
			name:    "missing default provider",
			mutate:  func(c *Config) { c.Identity.DefaultProvider = "google" },
			wantErr: "identity.default_provider 'google' is not configured",
		},
		{
			name: "provider missing issuer",
			mutate: func(c *Config) {
				c.Identity.Providers = map[string]UpstreamProvider{"google": {ClientID: "id"}}
			},
			wantErr: "identity.providers.google.issuer is required",
		},
		{
			name: "password hash outside dev mode",
			mutate: func(c *Config) {
				c.Server.DevMode = false
			},
			wantErr: "password_hash is required outside dev mode",
		},
		{
			name:    "no identity source",
			mutate:  func(c *Config) { c.Identity.Users = nil },
			wantErr: "identity.users or identity.providers",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.dsn is required",
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: "storage.driver must be",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimit.Burst = 0 },
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
