package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/storage"
)

func TestServer_ClientCredentials_Secret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    basicAuth(),
		Scope:     "openid",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)

	at, err := env.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ak-grafana-client_credentials", at.User.Username)
	assert.True(t, at.User.ServiceAccount)

	// The service account is reused.
	again, err := env.srv.Exchange(ctx, &TokenRequest{GrantType: storage.GrantTypeClientCredentials, Client: basicAuth()})
	require.NoError(t, err)
	at2, err := env.store.GetAccessToken(ctx, again.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, at.User.ID, at2.User.ID)
}

func TestServer_ClientCredentials_AppPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.AddAppPassword("alice", "app-token-1"))

	resp, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    basicAuth(),
		Username:  "alice",
		Password:  "app-token-1",
	})
	require.NoError(t, err)
	at, err := env.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, at.User.ID)

	_, err = env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    basicAuth(),
		Username:  "alice",
		Password:  "wrong",
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_PasswordGrantUsesAppPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.AddAppPassword("alice", "app-token-1"))

	resp, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypePassword,
		Client:    basicAuth(),
		Username:  "alice",
		Password:  "app-token-1",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken)
	at, err := env.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, at.User.ID)
}

func TestServer_ClientCredentials_Policy(t *testing.T) {
	p := testProvider()
	p.Application.PolicyExpression = `!user.is_service_account`
	env := newTestEnv(t, p)

	_, err := env.srv.Exchange(context.Background(), &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    basicAuth(),
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_ClientCredentials_RequiresApplication(t *testing.T) {
	p := testProvider()
	p.Application = nil
	env := newTestEnv(t, p)

	_, err := env.srv.Exchange(context.Background(), &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    basicAuth(),
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func clientSecretJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func TestServer_ClientCredentials_OwnKeyAssertion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	assertion := clientSecretJWT(t, jwt.MapClaims{
		"iss": "grafana",
		"sub": "grafana",
		"aud": testIssuer + tokenEndpointPath,
		"jti": "assertion-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})

	resp, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    JWTAssertionAuth{ID: "grafana", Assertion: assertion},
	})
	require.NoError(t, err)
	at, err := env.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ak-grafana-client_credentials", at.User.Username)
	assert.Contains(t, env.audit.String(), "client_assertion_accepted")

	_, err = env.srv.Introspect(ctx, JWTAssertionAuth{ID: "grafana", Assertion: assertion}, resp.AccessToken, "")
	assert.NoError(t, err)
}

func TestServer_ClientSecretJWTRequirements(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": "grafana",
			"sub": "grafana",
			"aud": testIssuer,
			"jti": "assertion-1",
			"exp": now.Add(time.Minute).Unix(),
		}
	}

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }},
		{name: "missing jti", mutate: func(c jwt.MapClaims) { delete(c, "jti") }},
		{name: "foreign audience", mutate: func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" }},
		{name: "subject differs", mutate: func(c jwt.MapClaims) { c["sub"] = "alice" }},
		{name: "issued by this server", mutate: func(c jwt.MapClaims) {
			c["iss"] = testIssuer + "/application/o/grafana/"
		}},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Hour).Unix() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := valid()
			tt.mutate(claims)
			_, err := env.srv.Exchange(context.Background(), &TokenRequest{
				GrantType: storage.GrantTypeClientCredentials,
				Client:    JWTAssertionAuth{ID: "grafana", Assertion: clientSecretJWT(t, claims)},
			})
			requireErrorCode(t, err, ErrorCodeInvalidGrant)
		})
	}

	// A bcrypt-hashed secret cannot key an HS256 assertion.
	hashed, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)
	p := testProvider()
	p.ClientSecret = string(hashed)
	require.NoError(t, env.store.SaveProvider(context.Background(), p))
	_, err = env.srv.AuthenticateClient(context.Background(), JWTAssertionAuth{ID: "grafana", Assertion: clientSecretJWT(t, valid())})
	requireErrorCode(t, err, ErrorCodeInvalidClient)
}

func TestServer_UserTokensAreNotClientCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tokens, err := env.exchangeCode(env.codeFor(t, nil), "")
	require.NoError(t, err)
	require.NotEmpty(t, tokens.IDToken)

	for name, raw := range map[string]string{"access_token": tokens.AccessToken, "id_token": tokens.IDToken} {
		t.Run(name, func(t *testing.T) {
			_, err := env.srv.Exchange(ctx, &TokenRequest{
				GrantType: storage.GrantTypeClientCredentials,
				Client:    JWTAssertionAuth{ID: "grafana", Assertion: raw},
			})
			requireErrorCode(t, err, ErrorCodeInvalidGrant)

			_, err = env.srv.Introspect(ctx, JWTAssertionAuth{ID: "grafana", Assertion: raw}, tokens.AccessToken, "")
			requireErrorCode(t, err, ErrorCodeInvalidClient)

			err = env.srv.Revoke(ctx, JWTAssertionAuth{ID: "grafana", Assertion: raw}, tokens.AccessToken, "", "")
			requireErrorCode(t, err, ErrorCodeInvalidClient)
		})
	}

	_, err = env.store.GetAccessToken(ctx, tokens.AccessToken)
	assert.NoError(t, err)
}

func TestServer_ClientCredentials_PeerAssertion(t *testing.T) {
	argo := testProvider()
	argo.Name, argo.ClientID = "argo", "argo"
	argo.ClientSecret = "argo-secret-0123456789abcdefghijklmn"
	argo.Application = &storage.Application{Slug: "argo"}

	grafana := testProvider()
	grafana.TrustedPeers = []string{"argo"}

	env := newTestEnv(t, grafana, argo)
	ctx := context.Background()

	// A user token minted for argo.
	code := env.authorize(t, codeParams(map[string][]string{"client_id": {"argo"}})).Get("code")
	require.NotEmpty(t, code)
	argoTokens, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Client:      BasicAuth{ID: "argo", Secret: argo.ClientSecret},
		Code:        code,
		RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)

	resp, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    JWTAssertionAuth{ID: "grafana", Assertion: argoTokens.AccessToken},
	})
	require.NoError(t, err)
	at, err := env.store.GetAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, at.User.ID)
	assert.Equal(t, "grafana", at.ClientID)

	// Without the trust relationship the same token is rejected.
	grafana.TrustedPeers = nil
	require.NoError(t, env.store.SaveProvider(ctx, grafana))
	_, err = env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    JWTAssertionAuth{ID: "grafana", Assertion: argoTokens.AccessToken},
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_ClientCredentials_AssertionErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    JWTAssertionAuth{ID: "grafana"},
	})
	requireErrorCode(t, err, ErrorCodeInvalidRequest)

	_, err = env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    JWTAssertionAuth{ID: "ghost", Assertion: "x.y.z"},
	})
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	_, err = env.srv.Exchange(ctx, &TokenRequest{
		GrantType: storage.GrantTypeClientCredentials,
		Client:    JWTAssertionAuth{ID: "grafana", Assertion: "x.y.z"},
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}
