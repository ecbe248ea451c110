package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"oauth2d/keys"
	"oauth2d/oauth"
	"oauth2d/server"
	"oauth2d/storage/memory"
)

const defaultConfigPath = "./config.yaml"

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "oauth2d",
		Short:        "OAuth 2.0 authorization server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			level, err := parseLogLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			opts.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			if opts.configPath == "" {
				opts.configPath = os.Getenv("OAUTH2D_CONFIG")
			}
			if opts.configPath == "" {
				opts.configPath = defaultConfigPath
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config (env OAUTH2D_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before the config, if present")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the authorization server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		newConfigCmd(opts),
		newConnectCmd(opts),
		newHashSecretCmd(),
		newKeysCmd(),
	)
	return root
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Interactively write a new config file",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				if err := runConfigInit(opts.configPath, c.InOrStdin(), c.OutOrStdout(), opts.logger); err != nil {
					return fmt.Errorf("config init failed: %w", err)
				}
				opts.logger.Info("configuration initialized successfully", "path", opts.configPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load the config and check upstream providers",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				if err := runConfigValidate(c.Context(), opts.configPath, opts.logger); err != nil {
					return fmt.Errorf("config validation failed: %w", err)
				}
				opts.logger.Info("configuration is valid", "path", opts.configPath)
				return nil
			},
		},
	)
	return cmd
}

func newConnectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <provider>",
		Short: "Check that an upstream provider's login endpoint is reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, opts.logger, args[0], nil, nil); err != nil {
				opts.logger.Error("provider connectivity failed", "provider", args[0], "error", err)
				return err
			}
			opts.logger.Info("provider connectivity succeeded", "provider", args[0])
			return nil
		},
	}
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print a bcrypt hash for a client secret or user password",
		Long:  "Print a bcrypt hash suitable for client_secret_hash or password_hash. The secret is read from stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}
			hash, err := memory.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	var out string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA signing key in PEM form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pemBytes, err := keys.GeneratePrivateKeyPEM()
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("create key dir: %w", err)
				}
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	generate.Flags().StringVarP(&out, "out", "o", "", "Write the key to this file instead of stdout")

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	cmd.AddCommand(generate)
	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runServe(parent context.Context, opts *rootOptions) error {
	logger := opts.logger
	cfg, err := loadConfig(opts.configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()
	application.Start(ctx)

	servers, err := buildServers(cfg, application.Routes())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.Info("server listening", "addr", s.srv.Addr, "tls", s.tls, "dev", cfg.Server.DevMode)
			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown", "addr", s.srv.Addr, "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

type listener struct {
	srv *http.Server
	tls bool
}

// buildServers returns one plain listener in dev mode, otherwise an
// autocert-backed HTTPS listener plus an HTTP listener for ACME and redirects.
func buildServers(cfg server.Config, handler http.Handler) ([]listener, error) {
	if cfg.Server.DevMode {
		return []listener{{srv: &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}}}, nil
	}

	minVersion, err := tlsMinVersion(cfg.Server.TLS.MinVersion)
	if err != nil {
		return nil, err
	}
	m := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	return []listener{
		{srv: &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}},
		{tls: true, srv: &http.Server{
			Addr:    cfg.Server.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     minVersion,
				NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
			},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}},
	}, nil
}

func tlsMinVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerName string, provided map[string]server.UpstreamIdP, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}

	providers := provided
	if providers == nil {
		var err error
		providers, err = server.BuildProviders(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build providers: %w", err)
		}
	}

	provider, ok := providers[providerName]
	if !ok {
		return fmt.Errorf("provider %s not configured", providerName)
	}

	verifier := oauthVerifier()
	authURL := provider.AuthCodeURL(randomHex(8), randomHex(8), verifier)
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

// oauthVerifier returns a PKCE verifier for upstream checks.
func oauthVerifier() string {
	v, err := oauth.RandomToken(32)
	if err != nil {
		return randomHex(32)
	}
	return v
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run `oauth2d config init` to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	logger.Info("validating upstream provider URLs")
	for name, p := range cfg.Identity.Providers {
		wellKnown := strings.TrimSuffix(p.Issuer, "/") + "/.well-known/openid-configuration"
		if err := validateURL(ctx, wellKnown); err != nil {
			logger.Error("provider URL validation failed", "provider", name, "issuer", p.Issuer, "error", err)
			continue
		}
		logger.Info("provider URL is accessible", "provider", name, "issuer", p.Issuer)
	}
	logger.Info("configuration validation complete", "clients", len(cfg.Clients), "users", len(cfg.Identity.Users))
	return nil
}

// validateStartupURLs only warns; an unreachable provider does not stop the server.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for name, p := range cfg.Identity.Providers {
		wellKnown := strings.TrimSuffix(p.Issuer, "/") + "/.well-known/openid-configuration"
		if err := validateURL(ctx, wellKnown); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", name,
				"url", wellKnown,
				"error", err,
				"note", "server will continue but sign-in through this provider may fail")
			continue
		}
		logger.Debug("provider URL is accessible", "provider", name)
	}
}

func validateURL(ctx context.Context, rawURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := &prompter{in: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = p.ask("Dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Public URL", "http://"+cfg.Server.DevListenAddr), "/")
	} else {
		domain := strings.TrimSuffix(p.askRequired("Primary public domain (e.g. auth.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	username := p.ask("Initial user name", "demo")
	cfg.Identity.Users = []server.UserConfig{{
		ID:       "1",
		Username: username,
		Name:     username,
	}}
	if !devMode {
		hash, err := memory.HashSecret(p.askRequired("Password for " + username))
		if err != nil {
			return server.Config{}, err
		}
		cfg.Identity.Users[0].PasswordHash = hash
	}

	client := server.ClientConfig{
		ClientID:     p.ask("Client ID", "webapp"),
		RedirectURIs: normalizeList(p.ask("Client redirect URIs (comma separated)", "http://127.0.0.1:3000/callback"), []string{"http://127.0.0.1:3000/callback"}),
		GrantTypes:   []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
	}
	client.Name = client.ClientID
	client.Public = p.askYesNo("Is this a public client (SPA or native app)?", true)
	if !client.Public {
		secret := randomHex(24)
		hash, err := memory.HashSecret(secret)
		if err != nil {
			return server.Config{}, err
		}
		client.ClientSecretHash = hash
		client.GrantTypes = append(client.GrantTypes, oauth.GrantClientCredentials)
		fmt.Fprintf(out, "Client secret for %s (shown once): %s\n", client.ClientID, secret)
	}
	cfg.Clients = []server.ClientConfig{client}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func (p *prompter) readLine() string {
	input, _ := p.in.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p *prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	if input := p.readLine(); input != "" {
		return input
	}
	return strings.TrimSpace(def)
}

func (p *prompter) askRequired(prompt string) string {
	for attempt := 0; attempt < 5; attempt++ {
		fmt.Fprintf(p.out, "%s: ", prompt)
		if input := p.readLine(); input != "" {
			return input
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
	return ""
}

func (p *prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for attempt := 0; attempt < 5; attempt++ {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, defLabel)
		switch strings.ToLower(p.readLine()) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
		}
	}
	return def
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, errors.New("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
