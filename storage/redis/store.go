package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"oauth2d/oauth"
)

const defaultPrefix = "oauth2d:"

// Config selects the Redis server.
type Config struct {
	URL    string
	Prefix string
}

// Store persists codes and tokens in Redis with native key expiry. It
// implements oauth.TokenStore.
type Store struct {
	client *rdb.Client
	prefix string
	clock  oauth.Clock
}

// New parses the URL, connects and pings.
func New(ctx context.Context, cfg Config, clock oauth.Clock) (*Store, error) {
	opts, err := rdb.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := rdb.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix, clock), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *rdb.Client, prefix string, clock oauth.Clock) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if clock == nil {
		clock = oauth.SystemClock{}
	}
	return &Store{client: client, prefix: prefix, clock: clock}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) codeKey(code string) string  { return s.prefix + "code:" + code }
func (s *Store) accessKey(id string) string  { return s.prefix + "access:" + id }
func (s *Store) refreshKey(id string) string { return s.prefix + "refresh:" + id }

// ttl converts an absolute expiry to a key lifetime of at least one second.
func (s *Store) ttl(expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(s.clock.Now())
	if d < time.Second {
		return time.Second
	}
	return d
}

// SaveAuthCode persists an authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, code *oauth.AuthorizationCode) error {
	return s.put(ctx, s.codeKey(code.Code), code, code.ExpiresAt)
}

// TakeAuthCode uses GETDEL so only one caller ever receives the code.
func (s *Store) TakeAuthCode(ctx context.Context, code string) (*oauth.AuthorizationCode, error) {
	raw, err := s.client.GetDel(ctx, s.codeKey(code)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take auth code: %w", err)
	}
	var ac oauth.AuthorizationCode
	if err := json.Unmarshal(raw, &ac); err != nil {
		return nil, fmt.Errorf("decode auth code: %w", err)
	}
	if oauth.Expired(&ac, s.clock.Now()) {
		return nil, oauth.ErrNotFound
	}
	return &ac, nil
}

// RevokeAuthCode removes an authorization code.
func (s *Store) RevokeAuthCode(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.codeKey(code)).Err()
}

// SaveAccessToken records access token metadata until it expires.
func (s *Store) SaveAccessToken(ctx context.Context, token *oauth.AccessToken) error {
	return s.put(ctx, s.accessKey(token.ID), token, token.ExpiresAt)
}

// IsAccessTokenRevoked treats unknown and expired ids as revoked.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, id string) (bool, error) {
	var token oauth.AccessToken
	err := s.get(ctx, s.accessKey(id), &token)
	if errors.Is(err, oauth.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return token.Revoked || oauth.Expired(&token, s.clock.Now()), nil
}

// RevokeAccessToken marks access token metadata revoked, keeping its TTL.
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	var token oauth.AccessToken
	if err := s.get(ctx, s.accessKey(id), &token); err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil
		}
		return err
	}
	token.Revoked = true
	return s.overwrite(ctx, s.client, s.accessKey(id), &token)
}

// SaveRefreshToken stores a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *oauth.RefreshToken) error {
	return s.put(ctx, s.refreshKey(token.ID), token, token.ExpiresAt)
}

// GetRefreshToken returns a usable refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*oauth.RefreshToken, error) {
	var token oauth.RefreshToken
	if err := s.get(ctx, s.refreshKey(id), &token); err != nil {
		return nil, err
	}
	if token.Revoked || oauth.Expired(&token, s.clock.Now()) {
		return nil, oauth.ErrNotFound
	}
	return &token, nil
}

// RevokeRefreshToken marks a refresh token revoked, keeping its TTL.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	var token oauth.RefreshToken
	if err := s.get(ctx, s.refreshKey(id), &token); err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil
		}
		return err
	}
	token.Revoked = true
	return s.overwrite(ctx, s.client, s.refreshKey(id), &token)
}

// RotateRefreshToken revokes oldID and stores next in a MULTI block guarded by
// WATCH on the old key. A concurrent writer aborts the transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next *oauth.RefreshToken) error {
	oldKey := s.refreshKey(oldID)
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode refresh token: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *rdb.Tx) error {
		raw, err := tx.Get(ctx, oldKey).Bytes()
		if errors.Is(err, rdb.Nil) {
			return oauth.ErrNotFound
		}
		if err != nil {
			return err
		}
		var old oauth.RefreshToken
		if err := json.Unmarshal(raw, &old); err != nil {
			return fmt.Errorf("decode refresh token: %w", err)
		}
		if old.Revoked || oauth.Expired(&old, s.clock.Now()) {
			return oauth.ErrNotFound
		}
		old.Revoked = true

		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			if err := s.overwrite(ctx, pipe, oldKey, &old); err != nil {
				return err
			}
			pipe.Set(ctx, s.refreshKey(next.ID), payload, s.ttl(next.ExpiresAt))
			return nil
		})
		return err
	}, oldKey)

	if errors.Is(err, rdb.TxFailedErr) {
		return oauth.ErrNotFound
	}
	if err != nil && !errors.Is(err, oauth.ErrNotFound) {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	return err
}

func (s *Store) put(ctx context.Context, key string, v any, expiresAt time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl(expiresAt)).Err(); err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, rdb.Nil) {
		return oauth.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// overwrite replaces a value without touching the key's remaining TTL.
func (s *Store) overwrite(ctx context.Context, c rdb.Cmdable, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return c.SetArgs(ctx, key, payload, rdb.SetArgs{KeepTTL: true}).Err()
}
