package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/storage"
)

func testUser() *storage.User {
	return &storage.User{ID: "42", UUID: "uuid-42", Username: "alice"}
}

func TestProviderStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetProvider(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrProviderNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	p := &storage.Provider{Name: "grafana", ClientID: "grafana", Application: &storage.Application{Slug: "grafana-app"}}
	require.NoError(t, s.SaveProvider(ctx, p))

	got, err := s.GetProviderBySlug(ctx, "grafana-app")
	require.NoError(t, err)
	assert.Equal(t, "grafana", got.ClientID)

	// Returned values are copies.
	got.Name = "mutated"
	again, err := s.GetProvider(ctx, "grafana")
	require.NoError(t, err)
	assert.Equal(t, "grafana", again.Name)

	list, err := s.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProvider(ctx, "grafana"))
	_, err = s.GetProvider(ctx, "grafana")
	assert.ErrorIs(t, err, storage.ErrProviderNotFound)
}

func TestConsumeAuthorizationCode_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "code-1", ClientID: "c", User: testUser(), ExpiresAt: time.Now().Add(time.Minute),
	}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "code-1"); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, storage.ErrCodeNotFound)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := &storage.RefreshToken{Token: "rt-1", ClientID: "c", User: testUser(), SessionID: "sess"}
	require.NoError(t, s.SaveRefreshToken(ctx, old))

	require.NoError(t, s.RotateRefreshToken(ctx, "rt-1", &storage.RefreshToken{Token: "rt-2", ClientID: "c", SessionID: "sess"}))

	got, err := s.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.False(t, got.RevokedAt.IsZero())

	err = s.RotateRefreshToken(ctx, "rt-1", &storage.RefreshToken{Token: "rt-3"})
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	_, err = s.GetRefreshToken(ctx, "rt-3")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	err = s.RotateRefreshToken(ctx, "nope", &storage.RefreshToken{Token: "rt-4"})
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestRotateRefreshToken_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt"}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := &storage.RefreshToken{Token: "next-" + string(rune('a'+i))}
			if s.RotateRefreshToken(ctx, "rt", next) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSessionIndex(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "at-1", SessionID: "s1", CreatedAt: now}))
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "at-2", SessionID: "s1", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "at-3", SessionID: "s2"}))
	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt-1", SessionID: "s1"}))

	tokens, err := s.ListAccessTokensBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "at-1", tokens[0].Token)

	n, err := s.RevokeSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetAccessToken(ctx, "at-3")
	assert.NoError(t, err)

	n, err = s.RevokeSession(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeUserTokens(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := testUser()
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "a1", ClientID: "c1", User: u}))
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "a2", ClientID: "c2", User: u}))
	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "r1", ClientID: "c1", User: u}))

	n, err := s.RevokeUserTokens(ctx, u.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.GetAccessToken(ctx, "a2")
	assert.NoError(t, err)
}

func TestDeviceTokens(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveDeviceToken(ctx, &storage.DeviceToken{
		DeviceCode: "dev", UserCode: "12345678", ClientID: "c", ExpiresAt: time.Now().Add(time.Minute),
	}))

	got, err := s.GetDeviceTokenByUserCode(ctx, "12345678")
	require.NoError(t, err)
	assert.Nil(t, got.User)

	bound, err := s.BindDeviceToken(ctx, "12345678", testUser(), &storage.LoginEvent{Method: storage.LoginMethodPassword}, "sess")
	require.NoError(t, err)
	assert.Equal(t, "42", bound.User.ID)

	_, err = s.BindDeviceToken(ctx, "12345678", &storage.User{ID: "other"}, nil, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyBound)

	require.NoError(t, s.DeleteDeviceToken(ctx, "dev"))
	_, err = s.GetDeviceTokenByUserCode(ctx, "12345678")
	assert.ErrorIs(t, err, storage.ErrDeviceTokenNotFound)
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "old", ExpiresAt: past}))
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "new", ExpiresAt: future}))
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "at", ExpiresAt: past, SessionID: "s"}))
	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt-old-revoked", ExpiresAt: future}))
	require.NoError(t, s.RotateRefreshToken(ctx, "rt-old-revoked", &storage.RefreshToken{Token: "rt-live", ExpiresAt: future}))
	require.NoError(t, s.SaveDeviceToken(ctx, &storage.DeviceToken{DeviceCode: "d", UserCode: "1", ExpiresAt: past}))

	// Revoked token is younger than the retention cutoff: kept.
	res, err := s.DeleteExpired(ctx, now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, storage.SweepResult{Codes: 1, AccessTokens: 1, DeviceTokens: 1}, res)
	_, err = s.GetRefreshToken(ctx, "rt-old-revoked")
	assert.NoError(t, err)

	// Cutoff in the future: revoked token is reaped, live one stays.
	res, err = s.DeleteExpired(ctx, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RefreshTokens)
	_, err = s.GetRefreshToken(ctx, "rt-live")
	assert.NoError(t, err)

	tokens, err := s.ListAccessTokensBySession(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := s.AddUser(&storage.User{Username: "bob"})
	assert.NotEmpty(t, u.ID)

	require.NoError(t, s.AddAppPassword("bob", "app-pass"))
	assert.ErrorIs(t, s.AddAppPassword("nobody", "x"), storage.ErrUserNotFound)

	got, err := s.ValidateAppPassword(ctx, "bob", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.ValidateAppPassword(ctx, "bob", "wrong")
	assert.ErrorIs(t, err, storage.ErrInvalidCredentials)

	sa, err := s.GetOrCreateServiceAccount(ctx, "ak-grafana-client_credentials", "grafana", nil)
	require.NoError(t, err)
	assert.True(t, sa.ServiceAccount)

	again, err := s.GetOrCreateServiceAccount(ctx, "ak-grafana-client_credentials", "grafana", nil)
	require.NoError(t, err)
	assert.Equal(t, sa.ID, again.ID)
}
