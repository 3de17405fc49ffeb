package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/storage"
)

func TestServer_ParseAuthorizationRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.srv.ParseAuthorizationRequest(ctx, codeParams(url.Values{
		"code_challenge":        {s256(testVerifier)},
		"code_challenge_method": {"S256"},
		"max_age":               {"60"},
		"prompt":                {"login consent"},
	}))
	require.NoError(t, err)
	assert.Equal(t, storage.GrantTypeAuthorizationCode, req.GrantType)
	assert.Equal(t, ResponseModeQuery, req.ResponseMode)
	assert.Equal(t, []string{"openid", "profile", "email"}, req.Scopes)
	assert.True(t, req.IsOpenID())
	assert.Equal(t, PKCEMethodS256, req.CodeChallengeMethod)
	assert.Equal(t, 60, req.MaxAge)
	assert.True(t, req.RequiresLogin(env.clock.Now(), env.clock.Now()))
	assert.False(t, req.PromptNone())
}

func TestServer_ParseAuthorizationRequest_Errors(t *testing.T) {
	tests := []struct {
		name         string
		params       url.Values
		wantCode     string
		wantRedirect bool
	}{
		{
			name:     "unknown client",
			params:   codeParams(url.Values{"client_id": {"nope"}}),
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect uri",
			params:   codeParams(url.Values{"redirect_uri": {"https://evil.example.com/cb"}}),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "dangerous redirect scheme",
			params:   codeParams(url.Values{"redirect_uri": {"javascript:alert(1)"}}),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:         "unsupported response type",
			params:       codeParams(url.Values{"response_type": {"magic"}}),
			wantCode:     ErrorCodeUnsupportedResponseType,
			wantRedirect: true,
		},
		{
			name:         "request object",
			params:       codeParams(url.Values{"request": {"eyJ..."}}),
			wantCode:     ErrorCodeRequestNotSupported,
			wantRedirect: true,
		},
		{
			name:         "implicit without nonce",
			params:       codeParams(url.Values{"response_type": {"id_token"}, "nonce": nil}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "token without openid",
			params:       codeParams(url.Values{"response_type": {"id_token token"}, "scope": {"profile"}}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "query mode for implicit",
			params:       codeParams(url.Values{"response_type": {"id_token"}, "response_mode": {"query"}}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "bad pkce method",
			params:       codeParams(url.Values{"code_challenge": {"abc"}, "code_challenge_method": {"S512"}}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "negative max_age",
			params:       codeParams(url.Values{"max_age": {"-5"}}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.srv.ParseAuthorizationRequest(context.Background(), tt.params)
			require.Error(t, err)

			var ae *AuthorizeError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.wantCode, ae.Err.Code)
			assert.Equal(t, tt.wantRedirect, ae.Redirect)
			if tt.wantRedirect {
				assert.Equal(t, testRedirectURI, ae.RedirectURI)
				resp := ae.Response(testIssuer)
				assert.Contains(t, resp.URL(), "error="+tt.wantCode)
				assert.Contains(t, resp.URL(), "state=xyz")
			}
		})
	}
}

func TestServer_ParseAuthorizationRequest_InvalidRedirectAudited(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.ParseAuthorizationRequest(context.Background(),
		codeParams(url.Values{"redirect_uri": {"https://evil.example.com/cb"}}))
	require.Error(t, err)
	assert.Contains(t, env.audit.String(), "invalid_redirect")
}

func TestServer_ParseAuthorizationRequest_BindsFirstRedirect(t *testing.T) {
	p := testProvider()
	p.RedirectURIs = nil
	env := newTestEnv(t, p)
	ctx := context.Background()

	_, err := env.srv.ParseAuthorizationRequest(ctx, codeParams(nil))
	require.NoError(t, err)

	stored, err := env.store.GetProvider(ctx, "grafana")
	require.NoError(t, err)
	require.Len(t, stored.RedirectURIs, 1)
	assert.Equal(t, testRedirectURI, stored.RedirectURIs[0].URL)
	assert.Contains(t, env.audit.String(), "redirect_uri_bound")

	// The bound URI now restricts later requests.
	_, err = env.srv.ParseAuthorizationRequest(ctx, codeParams(url.Values{"redirect_uri": {"https://other.example.com/cb"}}))
	require.Error(t, err)
}

func TestServer_ParseAuthorizationRequest_RegexRedirect(t *testing.T) {
	p := testProvider()
	p.RedirectURIs = []storage.RedirectURI{{MatchingMode: storage.MatchingModeRegex, URL: `https://[a-z]+\.grafana\.example\.com/cb`}}
	env := newTestEnv(t, p)
	ctx := context.Background()

	_, err := env.srv.ParseAuthorizationRequest(ctx, codeParams(url.Values{"redirect_uri": {"https://eu.grafana.example.com/cb"}}))
	assert.NoError(t, err)

	_, err = env.srv.ParseAuthorizationRequest(ctx, codeParams(url.Values{"redirect_uri": {"https://eu.grafana.example.com/cb/extra"}}))
	assert.Error(t, err)
}

func TestServer_ParseAuthorizationRequest_GrantNotAllowed(t *testing.T) {
	p := testProvider()
	p.GrantTypes = []string{storage.GrantTypeAuthorizationCode}
	env := newTestEnv(t, p)

	_, err := env.srv.ParseAuthorizationRequest(context.Background(),
		codeParams(url.Values{"response_type": {"id_token"}}))
	var ae *AuthorizeError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ErrorCodeUnauthorizedClient, ae.Err.Code)
	assert.Equal(t, ResponseModeFragment, ae.ResponseMode)
}

func TestServer_CompleteAuthorization_Implicit(t *testing.T) {
	env := newTestEnv(t)
	params := env.authorize(t, codeParams(url.Values{"response_type": {"id_token token"}}))

	assert.NotEmpty(t, params.Get("access_token"))
	assert.NotEmpty(t, params.Get("id_token"))
	assert.Equal(t, TokenTypeBearer, params.Get("token_type"))
	assert.Empty(t, params.Get("code"))
	assert.Equal(t, "xyz", params.Get("state"))
	assert.Equal(t, testIssuer+"/application/o/grafana/", params.Get("iss"))

	p := testProvider()
	claims, err := env.srv.Signer().Verify(p, params.Get("id_token"))
	require.NoError(t, err)
	assert.Equal(t, "n-0S6_WzA2Mj", claims["nonce"])
	assert.NotEmpty(t, claims["at_hash"])
	assert.Empty(t, claims["c_hash"])
}

func TestServer_CompleteAuthorization_Hybrid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req, err := env.srv.ParseAuthorizationRequest(ctx, codeParams(url.Values{"response_type": {"code id_token"}}))
	require.NoError(t, err)
	assert.Equal(t, storage.GrantTypeHybrid, req.GrantType)
	assert.Equal(t, ResponseModeFragment, req.ResponseMode)

	resp, err := env.srv.CompleteAuthorization(ctx, req, env.user, passwordLogin(env.clock.Now()), "session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Params.Get("code"))

	claims, err := env.srv.Signer().Verify(testProvider(), resp.Params.Get("id_token"))
	require.NoError(t, err)
	assert.NotEmpty(t, claims["c_hash"])

	u, err := url.Parse(resp.URL())
	require.NoError(t, err)
	assert.Empty(t, u.RawQuery)
	assert.True(t, strings.Contains(u.Fragment, "code="))
}

func TestServer_CompleteAuthorization_PolicyDenied(t *testing.T) {
	p := testProvider()
	p.Application.PolicyExpression = `"admins" in user.groups`
	env := newTestEnv(t, p)
	ctx := context.Background()

	req, err := env.srv.ParseAuthorizationRequest(ctx, codeParams(nil))
	require.NoError(t, err)
	_, err = env.srv.CompleteAuthorization(ctx, req, env.user, passwordLogin(env.clock.Now()), "session-1")

	var ae *AuthorizeError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ErrorCodeAccessDenied, ae.Err.Code)
	assert.True(t, ae.Redirect)
	assert.Contains(t, env.audit.String(), "policy_denied")
}

func TestAuthorizationResponse_URL(t *testing.T) {
	params := url.Values{"code": {"abc"}, "state": {"s"}}

	q := (&AuthorizationResponse{RedirectURI: "https://app.example.com/cb?tenant=1", ResponseMode: ResponseModeQuery, Params: params}).URL()
	u, err := url.Parse(q)
	require.NoError(t, err)
	assert.Equal(t, "1", u.Query().Get("tenant"))
	assert.Equal(t, "abc", u.Query().Get("code"))

	f := (&AuthorizationResponse{RedirectURI: "https://app.example.com/cb", ResponseMode: ResponseModeFragment, Params: params}).URL()
	u, err = url.Parse(f)
	require.NoError(t, err)
	assert.Empty(t, u.RawQuery)
	assert.Equal(t, "code=abc&state=s", u.Fragment)
}

func TestNormalizeResponseType(t *testing.T) {
	assert.Equal(t, []string{"code", "id_token", "token"}, normalizeResponseType("token code id_token"))
	assert.Equal(t, storage.GrantTypeHybrid, grantTypeFor(normalizeResponseType("id_token code")))
	assert.Equal(t, storage.GrantTypeImplicit, grantTypeFor(normalizeResponseType("token id_token")))
	assert.Equal(t, "", grantTypeFor(normalizeResponseType("token")))
}
