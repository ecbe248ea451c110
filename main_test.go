package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"oauth2d/keys"
	"oauth2d/oauth"
	"oauth2d/server"
)

type stubProvider struct {
	url string
}

func (s *stubProvider) AuthCodeURL(state, nonce, verifier string) string {
	return s.url
}

func (s *stubProvider) Exchange(ctx context.Context, code, expectedNonce, verifier string) (server.ProviderUser, error) {
	return server.ProviderUser{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	providers := map[string]server.UpstreamIdP{
		"stub": &stubProvider{url: srv.URL + "/start"},
	}
	if err := runConnect(context.Background(), server.DefaultConfig(), discardLogger(), "stub", providers, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	providers := map[string]server.UpstreamIdP{
		"stub": &stubProvider{url: srv.URL},
	}
	if err := runConnect(context.Background(), server.DefaultConfig(), discardLogger(), "stub", providers, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingProvider(t *testing.T) {
	if err := runConnect(context.Background(), server.DefaultConfig(), discardLogger(), "missing", map[string]server.UpstreamIdP{}, nil); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestTLSMinVersion(t *testing.T) {
	tests := map[string]uint16{"": tls.VersionTLS12, "1.2": tls.VersionTLS12, "1.3": tls.VersionTLS13}
	for input, want := range tests {
		got, err := tlsMinVersion(input)
		if err != nil || got != want {
			t.Fatalf("tlsMinVersion(%q) = %d, %v", input, got, err)
		}
	}
	if _, err := tlsMinVersion("1.0"); err == nil {
		t.Fatalf("expected error for TLS 1.0")
	}
}

func TestBuildServers(t *testing.T) {
	cfg := server.DefaultConfig()
	dev, err := buildServers(cfg, http.NotFoundHandler())
	if err != nil {
		t.Fatalf("buildServers: %v", err)
	}
	if len(dev) != 1 || dev[0].tls || dev[0].srv.Addr != cfg.Server.DevListenAddr {
		t.Fatalf("unexpected dev listeners %+v", dev)
	}

	cfg.Server.DevMode = false
	cfg.Server.TLS.MinVersion = "1.3"
	cfg.Server.SecretsPath = t.TempDir()
	prod, err := buildServers(cfg, http.NotFoundHandler())
	if err != nil {
		t.Fatalf("buildServers: %v", err)
	}
	if len(prod) != 2 || prod[0].tls || !prod[1].tls {
		t.Fatalf("expected an HTTP and an HTTPS listener, got %+v", prod)
	}
	if prod[1].srv.TLSConfig.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min version = %d", prod[1].srv.TLSConfig.MinVersion)
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://auth.example.com/authorize?client_id=spa", nil)
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, req)
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://auth.example.com/authorize?client_id=spa" {
		t.Fatalf("location = %s", loc)
	}
}

func TestRunSetupDevDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	in := strings.NewReader(strings.Repeat("\n", 8))
	var out bytes.Buffer

	cfg, err := runSetup(path, in, &out, discardLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if !cfg.Server.DevMode || cfg.Server.PublicURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "webapp" || !cfg.Clients[0].Public {
		t.Fatalf("unexpected clients %+v", cfg.Clients)
	}
	if len(cfg.Identity.Users) != 1 || cfg.Identity.Users[0].Username != "demo" {
		t.Fatalf("unexpected users %+v", cfg.Identity.Users)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}
}

func TestRunSetupConfidentialClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	// dev mode, listen address, public URL, user, client id, redirects, public client
	answers := []string{
		"",
		"",
		"http://localhost:8080",
		"alice",
		"svc",
		"https://svc.example.com/cb, https://svc.example.com/alt",
		"n",
	}
	in := strings.NewReader(strings.Join(answers, "\n") + "\n")
	var out bytes.Buffer

	cfg, err := runSetup(path, in, &out, discardLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	client := cfg.Clients[0]
	if client.Public || client.ClientSecretHash == "" || client.ClientSecret != "" {
		t.Fatalf("expected a confidential client with only a hash, got %+v", client)
	}
	if !slices.Contains(client.GrantTypes, oauth.GrantClientCredentials) {
		t.Fatalf("grant types = %v", client.GrantTypes)
	}
	if len(client.RedirectURIs) != 2 {
		t.Fatalf("redirects = %v", client.RedirectURIs)
	}

	_, secret, ok := strings.Cut(out.String(), "(shown once): ")
	if !ok {
		t.Fatalf("secret not printed: %s", out.String())
	}
	secret = strings.TrimSpace(secret)
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		t.Fatalf("printed secret does not match hash: %v", err)
	}
}

func TestRunConfigInitRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := runConfigInit(path, strings.NewReader(""), io.Discard, discardLogger()); err == nil {
		t.Fatalf("expected error for existing config")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected a hint to run config init, got %v", err)
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--env-file", "", "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestHashSecretCommand(t *testing.T) {
	out, err := execute(t, "", "hash-secret", "s3cret")
	if err != nil {
		t.Fatalf("hash-secret: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("s3cret")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}

	out, err = execute(t, "from-stdin\n", "hash-secret")
	if err != nil {
		t.Fatalf("hash-secret from stdin: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("from-stdin")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}

	if _, err := execute(t, "", "hash-secret"); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestKeysGenerateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.pem")
	if _, err := execute(t, "", "keys", "generate", "--out", path); err != nil {
		t.Fatalf("keys generate: %v", err)
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if _, err := keys.ParsePrivateKeyPEM(pemBytes); err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}
	if _, err := execute(t, "", "keys", "generate", "--out", path); err == nil {
		t.Fatalf("expected refusal to overwrite an existing key")
	}

	out, err := execute(t, "", "keys", "generate")
	if err != nil || !strings.Contains(out, "PRIVATE KEY") {
		t.Fatalf("expected PEM on stdout, got %q, %v", out, err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := runSetup(path, strings.NewReader(strings.Repeat("\n", 8)), io.Discard, discardLogger()); err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if _, err := execute(t, "", "config", "validate", "--config", path); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if _, err := execute(t, "", "config", "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
