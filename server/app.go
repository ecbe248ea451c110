package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"oauth2d/keys"
	"oauth2d/oauth"
	"oauth2d/storage"
	"oauth2d/storage/memory"
)

//go:embed templates/*.html
var templateFS embed.FS

// App wires configuration, stores and the OAuth engines behind the HTTP handlers.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Keys       *keys.Manager
	Clients    *memory.ClientRegistry
	Scopes     *memory.ScopeCatalog
	Users      *UserDirectory
	Sessions   *SessionManager
	Identity   IdentityProvider
	Providers  map[string]UpstreamIdP
	Authorizer *oauth.AuthorizeEngine
	Tokens     *oauth.TokenEngine
	Resource   *oauth.ResourceAuthenticator
	Metrics    *Metrics
	Limiter    *RateLimiter

	backend   *storage.Backend
	templates *template.Template
}

type appOptions struct {
	clock          oauth.Clock
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry
	upstreams      map[string]UpstreamIdP
	tokenStore     oauth.TokenStore
}

// Option customizes NewApp.
type Option func(*appOptions)

// WithClock replaces the wall clock used for expiry.
func WithClock(c oauth.Clock) Option {
	return func(o *appOptions) { o.clock = c }
}

// WithTracerProvider sets the provider for engine spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *appOptions) { o.tracerProvider = tp }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *appOptions) { o.registry = reg }
}

// WithUpstream adds an upstream identity provider without discovery.
func WithUpstream(name string, idp UpstreamIdP) Option {
	return func(o *appOptions) {
		if o.upstreams == nil {
			o.upstreams = make(map[string]UpstreamIdP)
		}
		o.upstreams[name] = idp
	}
}

// WithTokenStore bypasses storage.Open with an already constructed store.
func WithTokenStore(s oauth.TokenStore) Option {
	return func(o *appOptions) { o.tokenStore = s }
}

// NewApp builds the application.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := appOptions{clock: oauth.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	keyManager, err := keys.NewManager(keys.Config{
		PrivateKey:     cfg.Keys.PrivateKey,
		JWKSPath:       cfg.Keys.JWKSPath,
		RotateInterval: cfg.Keys.RotateInterval,
		Retain:         cfg.Keys.Retain,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init keys: %w", err)
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("init clients: %w", err)
	}
	scopes, err := memory.NewScopeCatalog(cfg.Scopes.Catalog, cfg.Scopes.Defaults)
	if err != nil {
		return nil, fmt.Errorf("init scopes: %w", err)
	}
	users, err := NewUserDirectory(cfg.Identity.Users, cfg.Server.DevMode)
	if err != nil {
		return nil, fmt.Errorf("init users: %w", err)
	}

	backend := &storage.Backend{Tokens: o.tokenStore, Close: func() {}}
	if o.tokenStore == nil {
		backend, err = storage.Open(ctx, storage.Config{
			Driver:          cfg.Storage.Driver,
			DSN:             cfg.Storage.DSN,
			RedisPrefix:     cfg.Storage.RedisPrefix,
			MaxConns:        cfg.Storage.MaxConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
			SweepInterval:   cfg.Storage.SweepInterval,
		}, o.clock, logger)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}

	providers := o.upstreams
	if providers == nil {
		providers, err = BuildProviders(ctx, cfg, logger)
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	metrics, err := NewMetrics(o.registry)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	stores := oauth.NewStores(clients, scopes, backend.Tokens)
	issuer := cfg.Issuer()
	sessions := NewSessionManager(cfg, logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Keys:      keyManager,
		Clients:   clients,
		Scopes:    scopes,
		Users:     users,
		Sessions:  sessions,
		Identity:  &sessionIdentity{sessions: sessions, users: users},
		Providers: providers,
		Authorizer: oauth.NewAuthorizeEngine(stores, oauth.AuthorizeOptions{
			CodeTTL:        cfg.Tokens.AuthCodeTTL,
			AllowPlainPKCE: cfg.Tokens.AllowPlainPKCE,
			RequirePKCE:    cfg.Tokens.RequirePKCE,
			Clock:          o.clock,
			TracerProvider: o.tracerProvider,
		}, logger),
		Tokens: oauth.NewTokenEngine(stores, keyManager, oauth.TokenOptions{
			Issuer:         issuer,
			AccessTTL:      cfg.Tokens.AccessTTL,
			RefreshTTL:     cfg.Tokens.RefreshTTL,
			RotateRefresh:  cfg.Tokens.RotateRefresh,
			Clock:          o.clock,
			TracerProvider: o.tracerProvider,
		}, logger),
		Resource: oauth.NewResourceAuthenticator(keyManager, backend.Tokens, oauth.ResourceOptions{
			Issuer:         issuer,
			Clock:          o.clock,
			TracerProvider: o.tracerProvider,
		}, logger),
		Metrics:   metrics,
		backend:   backend,
		templates: tmpl,
	}
	if cfg.RateLimit.Enabled {
		app.Limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries, logger)
	}

	logger.Info("app initialized",
		"issuer", issuer,
		"storage", cfg.Storage.Driver,
		"clients", len(cfg.Clients),
		"providers", len(providers),
		"kid", keyManager.CurrentKID(),
	)
	return app, nil
}

// Start runs background maintenance until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Keys.StartRotation(ctx)
	if a.Limiter == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := a.Limiter.Cleanup(30 * time.Minute); n > 0 {
					a.Logger.Debug("rate limiter cleanup", "removed", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close releases the storage backend.
func (a *App) Close() {
	if a.backend != nil && a.backend.Close != nil {
		a.backend.Close()
	}
}
