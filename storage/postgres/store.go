package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"oauth2d/oauth"
)

//go:embed schema.sql
var schema string

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// Store persists codes and tokens in Postgres. It implements oauth.TokenStore.
type Store struct {
	pool  *pgxpool.Pool
	clock oauth.Clock
}

// New connects the pool and verifies connectivity.
func New(ctx context.Context, cfg Config, clock oauth.Clock) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if clock == nil {
		clock = oauth.SystemClock{}
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// SaveAuthCode persists an authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	const q = `INSERT INTO oauth_auth_codes
		(code, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, q, code.Code, code.ClientID, code.UserID, code.RedirectURI, textArray(code.Scopes),
		code.CodeChallenge, code.CodeChallengeMethod, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert auth code: %w", err)
	}
	return nil
}

// TakeAuthCode deletes the row and returns it; concurrent callers see at most one row.
func (s *Store) TakeAuthCode(ctx context.Context, code string) (*oauth.AuthorizationCode, error) {
	const q = `DELETE FROM oauth_auth_codes WHERE code = $1
		RETURNING code, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, created_at, expires_at`
	var ac oauth.AuthorizationCode
	err := s.pool.QueryRow(ctx, q, code).Scan(&ac.Code, &ac.ClientID, &ac.UserID, &ac.RedirectURI, &ac.Scopes,
		&ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.CreatedAt, &ac.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take auth code: %w", err)
	}
	if oauth.Expired(&ac, s.clock.Now()) {
		return nil, oauth.ErrNotFound
	}
	return &ac, nil
}

// RevokeAuthCode removes an authorization code.
func (s *Store) RevokeAuthCode(ctx context.Context, code string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oauth_auth_codes WHERE code = $1`, code)
	return err
}

// SaveAccessToken records access token metadata.
func (s *Store) SaveAccessToken(ctx context.Context, token *oauth.AccessToken) error {
	const q = `INSERT INTO oauth_access_tokens (id, client_id, user_id, scopes, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, token.ID, token.ClientID, token.UserID, textArray(token.Scopes), token.IssuedAt, token.ExpiresAt, token.Revoked)
	if err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

// IsAccessTokenRevoked treats unknown and expired ids as revoked.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, id string) (bool, error) {
	const q = `SELECT revoked, expires_at FROM oauth_access_tokens WHERE id = $1`
	var (
		revoked bool
		expires time.Time
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&revoked, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup access token: %w", err)
	}
	return revoked || !s.clock.Now().Before(expires), nil
}

// RevokeAccessToken marks access token metadata revoked.
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE oauth_access_tokens SET revoked = true WHERE id = $1`, id)
	return err
}

// SaveRefreshToken stores a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *oauth.RefreshToken) error {
	return insertRefresh(ctx, s.pool, token)
}

// GetRefreshToken returns a usable refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*oauth.RefreshToken, error) {
	const q = `SELECT id, access_token_id, client_id, user_id, scopes, parent_id, issued_at, expires_at, revoked
		FROM oauth_refresh_tokens WHERE id = $1 AND revoked = false AND expires_at > $2`
	var rt oauth.RefreshToken
	err := s.pool.QueryRow(ctx, q, id, s.clock.Now()).Scan(&rt.ID, &rt.AccessTokenID, &rt.ClientID, &rt.UserID, &rt.Scopes,
		&rt.ParentID, &rt.IssuedAt, &rt.ExpiresAt, &rt.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &rt, nil
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE oauth_refresh_tokens SET revoked = true WHERE id = $1`, id)
	return err
}

// RotateRefreshToken revokes oldID and inserts next in one transaction. The
// conditional update takes the row lock, so a concurrent rotation of the same
// token matches no row once the first commits.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next *oauth.RefreshToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `UPDATE oauth_refresh_tokens SET revoked = true
		WHERE id = $1 AND revoked = false AND expires_at > $2`
	tag, err := tx.Exec(ctx, q, oldID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oauth.ErrNotFound
	}
	if err := insertRefresh(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Sweep deletes expired rows and reports how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	total := 0
	for _, table := range []string{"oauth_auth_codes", "oauth_access_tokens", "oauth_refresh_tokens"} {
		tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE expires_at <= $1", now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefresh(ctx context.Context, db execer, token *oauth.RefreshToken) error {
	const q = `INSERT INTO oauth_refresh_tokens
		(id, access_token_id, client_id, user_id, scopes, parent_id, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := db.Exec(ctx, q, token.ID, token.AccessTokenID, token.ClientID, token.UserID, textArray(token.Scopes),
		token.ParentID, token.IssuedAt, token.ExpiresAt, token.Revoked)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// textArray keeps empty scope sets from being encoded as NULL.
func textArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
