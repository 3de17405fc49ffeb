package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/storage"
)

func (e *testEnv) pollDevice(deviceCode string) (*TokenResponse, error) {
	return e.srv.Exchange(context.Background(), &TokenRequest{
		GrantType:  storage.GrantTypeDeviceCode,
		Client:     basicAuth(),
		DeviceCode: deviceCode,
	})
}

func TestServer_DeviceFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	da, err := env.srv.StartDeviceAuthorization(ctx, "grafana", "openid profile", "192.0.2.1")
	require.NoError(t, err)
	assert.Len(t, da.UserCode, 8)
	assert.NotEmpty(t, da.DeviceCode)
	assert.Equal(t, testIssuer+"/device", da.VerificationURI)
	assert.Equal(t, testIssuer+"/device?code="+da.UserCode, da.VerificationURIComplete)
	assert.Equal(t, int64(5), da.Interval)
	assert.Equal(t, int64(60), da.ExpiresIn)

	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeAuthorizationPending)

	d, p, err := env.srv.LookupDeviceCode(ctx, da.UserCode)
	require.NoError(t, err)
	assert.Equal(t, "grafana", p.ClientID)
	assert.Equal(t, []string{"openid", "profile"}, d.Scopes)

	_, err = env.srv.ApproveDevice(ctx, da.UserCode, env.user, passwordLogin(env.clock.Now()), "session-d")
	require.NoError(t, err)
	assert.Contains(t, env.audit.String(), "device_code_approved")

	_, err = env.srv.ApproveDevice(ctx, da.UserCode, env.user, passwordLogin(env.clock.Now()), "session-d")
	assert.ErrorIs(t, err, storage.ErrAlreadyBound)

	resp, err := env.pollDevice(da.DeviceCode)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken)

	at, err := env.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "session-d", at.SessionID)

	// The device code is single use.
	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_DeviceFlow_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	da, err := env.srv.StartDeviceAuthorization(ctx, "grafana", "openid", "")
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)

	_, _, err = env.srv.LookupDeviceCode(ctx, da.UserCode)
	assert.ErrorIs(t, err, storage.ErrDeviceTokenNotFound)

	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeExpiredToken)

	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeExpiredToken)

	// Once swept the code is unknown.
	_, err = env.store.DeleteExpired(ctx, env.clock.Now(), env.clock.Now())
	require.NoError(t, err)
	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_DeviceFlow_PolicyDenied(t *testing.T) {
	p := testProvider()
	p.Application.PolicyExpression = `"admins" in user.groups`
	env := newTestEnv(t, p)
	ctx := context.Background()

	da, err := env.srv.StartDeviceAuthorization(ctx, "grafana", "", "")
	require.NoError(t, err)

	_, err = env.srv.ApproveDevice(ctx, da.UserCode, env.user, passwordLogin(env.clock.Now()), "s")
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.True(t, IsDenied(err))

	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeAuthorizationPending)
}

func TestServer_StartDeviceAuthorization_Errors(t *testing.T) {
	unbound := testProvider()
	unbound.Name, unbound.ClientID, unbound.Application = "tv", "tv", nil
	env := newTestEnv(t, testProvider(), unbound)
	ctx := context.Background()

	_, err := env.srv.StartDeviceAuthorization(ctx, "", "", "")
	requireErrorCode(t, err, ErrorCodeInvalidRequest)

	_, err = env.srv.StartDeviceAuthorization(ctx, "ghost", "", "")
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	_, err = env.srv.StartDeviceAuthorization(ctx, "tv", "", "")
	requireErrorCode(t, err, ErrorCodeInvalidClient)
}

func TestServer_DeviceFlow_OtherClient(t *testing.T) {
	other := testProvider()
	other.Name, other.ClientID = "argo", "argo"
	other.Application = &storage.Application{Slug: "argo"}
	env := newTestEnv(t, testProvider(), other)
	ctx := context.Background()

	da, err := env.srv.StartDeviceAuthorization(ctx, "argo", "", "")
	require.NoError(t, err)

	_, err = env.pollDevice(da.DeviceCode)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}
