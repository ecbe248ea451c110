package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"oauth2d/oauth"
	"oauth2d/storage/memory"
	"oauth2d/storage/postgres"
	"oauth2d/storage/redis"
)

// Supported backends.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and configures the token backend.
type Config struct {
	Driver          string
	DSN             string
	RedisPrefix     string
	MaxConns        int32
	ConnMaxLifetime time.Duration
	SweepInterval   time.Duration
}

// Backend is an opened token store.
type Backend struct {
	Tokens oauth.TokenStore
	// Ping is nil for backends without a remote dependency.
	Ping  func(ctx context.Context) error
	Close func()
}

// Sweeper is a store that can drop expired records.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Open connects the configured backend.
func Open(ctx context.Context, cfg Config, clock oauth.Clock, logger *slog.Logger) (*Backend, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		store := memory.NewStore(clock)
		go RunSweeper(ctx, store, cfg.SweepInterval, logger)
		return &Backend{Tokens: store, Close: func() {}}, nil

	case DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		go RunSweeper(ctx, store, cfg.SweepInterval, logger)
		return &Backend{Tokens: store, Ping: store.Ping, Close: store.Close}, nil

	case DriverRedis:
		store, err := redis.New(ctx, redis.Config{URL: cfg.DSN, Prefix: cfg.RedisPrefix}, clock)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				logger.Warn("redis close", "error", err)
			}
		}
		return &Backend{Tokens: store, Ping: store.Ping, Close: closeFn}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, sw Sweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := sw.Sweep(ctx)
			if err != nil {
				logger.Error("store sweep", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("store sweep", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
