package memory

import (
	"context"
	"sync"

	"oauth2d/oauth"
)

// Store keeps codes and tokens in process memory. It implements oauth.TokenStore.
type Store struct {
	mu            sync.Mutex
	authCodes     map[string]oauth.AuthorizationCode
	accessTokens  map[string]oauth.AccessToken
	refreshTokens map[string]oauth.RefreshToken
	clock         oauth.Clock
}

// NewStore constructs the store. A nil clock uses the wall clock.
func NewStore(clock oauth.Clock) *Store {
	if clock == nil {
		clock = oauth.SystemClock{}
	}
	return &Store{
		authCodes:     make(map[string]oauth.AuthorizationCode),
		accessTokens:  make(map[string]oauth.AccessToken),
		refreshTokens: make(map[string]oauth.RefreshToken),
		clock:         clock,
	}
}

// SaveAuthCode persists an authorization code.
func (s *Store) SaveAuthCode(_ context.Context, code *oauth.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = *code
	return nil
}

// TakeAuthCode fetches and removes an authorization code under one lock.
func (s *Store) TakeAuthCode(_ context.Context, code string) (*oauth.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	delete(s.authCodes, code)
	if oauth.Expired(&auth, s.clock.Now()) {
		return nil, oauth.ErrNotFound
	}
	return &auth, nil
}

// RevokeAuthCode removes an authorization code.
func (s *Store) RevokeAuthCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authCodes, code)
	return nil
}

// SaveAccessToken records access token metadata.
func (s *Store) SaveAccessToken(_ context.Context, token *oauth.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token.ID] = *token
	return nil
}

// IsAccessTokenRevoked treats unknown and expired ids as revoked.
func (s *Store) IsAccessTokenRevoked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.accessTokens[id]
	if !ok {
		return true, nil
	}
	return token.Revoked || oauth.Expired(&token, s.clock.Now()), nil
}

// RevokeAccessToken marks access token metadata revoked.
func (s *Store) RevokeAccessToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.accessTokens[id]; ok {
		token.Revoked = true
		s.accessTokens[id] = token
	}
	return nil
}

// SaveRefreshToken stores or replaces a refresh token record.
func (s *Store) SaveRefreshToken(_ context.Context, token *oauth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.ID] = *token
	return nil
}

// GetRefreshToken returns a usable refresh token.
func (s *Store) GetRefreshToken(_ context.Context, id string) (*oauth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.usableRefreshLocked(id)
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return &token, nil
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *Store) RevokeRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.refreshTokens[id]; ok {
		token.Revoked = true
		s.refreshTokens[id] = token
	}
	return nil
}

// RotateRefreshToken revokes oldID and stores next in one critical section.
func (s *Store) RotateRefreshToken(_ context.Context, oldID string, next *oauth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.usableRefreshLocked(oldID)
	if !ok {
		return oauth.ErrNotFound
	}
	old.Revoked = true
	s.refreshTokens[oldID] = old
	s.refreshTokens[next.ID] = *next
	return nil
}

func (s *Store) usableRefreshLocked(id string) (oauth.RefreshToken, bool) {
	token, ok := s.refreshTokens[id]
	if !ok || token.Revoked || oauth.Expired(&token, s.clock.Now()) {
		return oauth.RefreshToken{}, false
	}
	return token, true
}

// Sweep drops expired records and reports how many were removed.
func (s *Store) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for k, v := range s.authCodes {
		if oauth.Expired(&v, now) {
			delete(s.authCodes, k)
			removed++
		}
	}
	for k, v := range s.accessTokens {
		if oauth.Expired(&v, now) {
			delete(s.accessTokens, k)
			removed++
		}
	}
	for k, v := range s.refreshTokens {
		if oauth.Expired(&v, now) {
			delete(s.refreshTokens, k)
			removed++
		}
	}
	return removed, nil
}
