package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"oauth2d/oauth"
	"oauth2d/storage/storagetest"
)

// Set OAUTH2D_TEST_POSTGRES_DSN to run against a live database.
func openTestStore(t *testing.T, clock oauth.Clock) *Store {
	t.Helper()
	dsn := os.Getenv("OAUTH2D_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OAUTH2D_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn, MaxConns: 8}, clock)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(s.Close)
	return s
}

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock oauth.Clock) oauth.TokenStore {
		return openTestStore(t, clock)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t, nil)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	ctx := context.Background()
	clock := storagetest.NewClock()
	s := openTestStore(t, clock)

	// The sweep may also remove rows left behind by earlier runs.
	clock.Advance(100 * 365 * 24 * time.Hour)
	code := &oauth.AuthorizationCode{Code: uuid.NewString(), ClientID: "spa", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Minute)}
	require.NoError(t, s.SaveAuthCode(ctx, code))
	live := &oauth.RefreshToken{ID: uuid.NewString(), ClientID: "spa", IssuedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour)}
	require.NoError(t, s.SaveRefreshToken(ctx, live))

	clock.Advance(time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	_, err = s.TakeAuthCode(ctx, code.Code)
	require.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, live.ID)
	require.NoError(t, err)
}

func TestTextArray(t *testing.T) {
	require.NotNil(t, textArray(nil))
	require.Equal(t, []string{"read"}, textArray([]string{"read"}))
}
