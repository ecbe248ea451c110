// Package storagetest holds the behavioural checks every token backend must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"oauth2d/oauth"
)

// Clock is a manually advanced oauth.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at the current wall time, truncated to whole seconds.
func NewClock() *Clock {
	return &Clock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens a store bound to clock.
type Factory func(t *testing.T, clock oauth.Clock) oauth.TokenStore

// Run exercises a TokenStore implementation. Record ids are random so the
// suite can run against shared databases.
func Run(t *testing.T, open Factory) {
	t.Run("AuthCodeSingleUse", func(t *testing.T) { testAuthCodeSingleUse(t, open) })
	t.Run("AuthCodeExpiry", func(t *testing.T) { testAuthCodeExpiry(t, open) })
	t.Run("AccessTokenRevocation", func(t *testing.T) { testAccessTokenRevocation(t, open) })
	t.Run("RefreshRotation", func(t *testing.T) { testRefreshRotation(t, open) })
	t.Run("RefreshRevocation", func(t *testing.T) { testRefreshRevocation(t, open) })
	t.Run("ConcurrentTake", func(t *testing.T) { testConcurrentTake(t, open) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, open) })
}

func id() string { return uuid.NewString() }

func testAuthCodeSingleUse(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)

	code := &oauth.AuthorizationCode{
		Code:                id(),
		ClientID:            "spa",
		UserID:              "42",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"read", "profile"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: oauth.PKCEMethodS256,
		CreatedAt:           clock.Now(),
		ExpiresAt:           clock.Now().Add(time.Minute),
	}
	require.NoError(t, s.SaveAuthCode(ctx, code))

	got, err := s.TakeAuthCode(ctx, code.Code)
	require.NoError(t, err)
	require.Equal(t, code.ClientID, got.ClientID)
	require.Equal(t, code.UserID, got.UserID)
	require.Equal(t, code.RedirectURI, got.RedirectURI)
	require.Equal(t, code.Scopes, got.Scopes)
	require.Equal(t, code.CodeChallenge, got.CodeChallenge)
	require.Equal(t, code.CodeChallengeMethod, got.CodeChallengeMethod)
	require.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.TakeAuthCode(ctx, code.Code)
	require.ErrorIs(t, err, oauth.ErrNotFound)

	revoked := &oauth.AuthorizationCode{Code: id(), ExpiresAt: clock.Now().Add(time.Minute)}
	require.NoError(t, s.SaveAuthCode(ctx, revoked))
	require.NoError(t, s.RevokeAuthCode(ctx, revoked.Code))
	_, err = s.TakeAuthCode(ctx, revoked.Code)
	require.ErrorIs(t, err, oauth.ErrNotFound)
}

func testAuthCodeExpiry(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)

	early := &oauth.AuthorizationCode{Code: id(), ExpiresAt: clock.Now().Add(time.Minute)}
	late := &oauth.AuthorizationCode{Code: id(), ExpiresAt: clock.Now().Add(time.Minute)}
	require.NoError(t, s.SaveAuthCode(ctx, early))
	require.NoError(t, s.SaveAuthCode(ctx, late))

	clock.Advance(time.Minute - time.Second)
	_, err := s.TakeAuthCode(ctx, early.Code)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.TakeAuthCode(ctx, late.Code)
	require.ErrorIs(t, err, oauth.ErrNotFound)
}

func testAccessTokenRevocation(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)

	revoked, err := s.IsAccessTokenRevoked(ctx, id())
	require.NoError(t, err)
	require.True(t, revoked, "unknown ids count as revoked")

	a := &oauth.AccessToken{ID: id(), ClientID: "spa", UserID: "42", Scopes: []string{"read"}, IssuedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour)}
	b := &oauth.AccessToken{ID: id(), ClientID: "spa", UserID: "42", Scopes: []string{"read"}, IssuedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour)}
	require.NoError(t, s.SaveAccessToken(ctx, a))
	require.NoError(t, s.SaveAccessToken(ctx, b))

	require.NoError(t, s.RevokeAccessToken(ctx, a.ID))
	revoked, err = s.IsAccessTokenRevoked(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = s.IsAccessTokenRevoked(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, revoked)

	clock.Advance(time.Hour)
	revoked, err = s.IsAccessTokenRevoked(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, revoked, "expired tokens count as revoked")

	require.NoError(t, s.RevokeAccessToken(ctx, id()))
}

func testRefreshRotation(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)
	exp := clock.Now().Add(time.Hour)

	first := &oauth.RefreshToken{ID: id(), AccessTokenID: id(), ClientID: "spa", UserID: "42", Scopes: []string{"read"}, IssuedAt: clock.Now(), ExpiresAt: exp}
	require.NoError(t, s.SaveRefreshToken(ctx, first))

	got, err := s.GetRefreshToken(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ClientID, got.ClientID)
	require.Equal(t, first.UserID, got.UserID)
	require.Equal(t, first.Scopes, got.Scopes)
	require.Equal(t, first.AccessTokenID, got.AccessTokenID)

	second := &oauth.RefreshToken{ID: id(), ClientID: "spa", UserID: "42", Scopes: []string{"read"}, ParentID: first.ID, IssuedAt: clock.Now(), ExpiresAt: exp}
	require.NoError(t, s.RotateRefreshToken(ctx, first.ID, second))

	_, err = s.GetRefreshToken(ctx, first.ID)
	require.ErrorIs(t, err, oauth.ErrNotFound)
	got, err = s.GetRefreshToken(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ParentID)

	third := &oauth.RefreshToken{ID: id(), ClientID: "spa", ExpiresAt: exp}
	require.ErrorIs(t, s.RotateRefreshToken(ctx, first.ID, third), oauth.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, third.ID)
	require.ErrorIs(t, err, oauth.ErrNotFound, "a failed rotation must not save the successor")
}

func testRefreshRevocation(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)

	short := &oauth.RefreshToken{ID: id(), ClientID: "spa", IssuedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Minute)}
	long := &oauth.RefreshToken{ID: id(), ClientID: "spa", IssuedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour)}
	require.NoError(t, s.SaveRefreshToken(ctx, short))
	require.NoError(t, s.SaveRefreshToken(ctx, long))

	require.NoError(t, s.RevokeRefreshToken(ctx, long.ID))
	_, err := s.GetRefreshToken(ctx, long.ID)
	require.ErrorIs(t, err, oauth.ErrNotFound)

	clock.Advance(time.Minute)
	_, err = s.GetRefreshToken(ctx, short.ID)
	require.ErrorIs(t, err, oauth.ErrNotFound)
	next := &oauth.RefreshToken{ID: id(), ClientID: "spa", ExpiresAt: clock.Now().Add(time.Hour)}
	require.ErrorIs(t, s.RotateRefreshToken(ctx, short.ID, next), oauth.ErrNotFound)

	require.NoError(t, s.RevokeRefreshToken(ctx, id()))
}

func testConcurrentTake(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)
	code := &oauth.AuthorizationCode{Code: id(), ClientID: "spa", ExpiresAt: clock.Now().Add(time.Minute)}
	require.NoError(t, s.SaveAuthCode(ctx, code))

	wins := race(16, func() error {
		_, err := s.TakeAuthCode(ctx, code.Code)
		return err
	})
	require.EqualValues(t, 1, wins)
}

func testConcurrentRotate(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock)
	exp := clock.Now().Add(time.Hour)
	old := &oauth.RefreshToken{ID: id(), ClientID: "spa", ExpiresAt: exp}
	require.NoError(t, s.SaveRefreshToken(ctx, old))

	wins := race(16, func() error {
		return s.RotateRefreshToken(ctx, old.ID, &oauth.RefreshToken{ID: id(), ClientID: "spa", ParentID: old.ID, ExpiresAt: exp})
	})
	require.EqualValues(t, 1, wins)
}

// race runs fn from n goroutines released together and counts nil results.
func race(n int, fn func() error) int32 {
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if fn() == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return wins.Load()
}
