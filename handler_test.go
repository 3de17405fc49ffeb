package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/authn"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/logout"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
)

const (
	testIssuer         = "https://id.example.com"
	testSecret         = "grafana-secret-0123456789abcdefghij"
	testRedirectURI    = "https://grafana.example.com/login/generic_oauth"
	testLogoutRedirect = "https://grafana.example.com/logged-out"
	testFrontChannel   = "https://grafana.example.com/logout"
)

// fakeFlow is an authn.Flow with a fixed principal.
type fakeFlow struct {
	mu        sync.Mutex
	principal *authn.Principal
	returnTo  string
}

func (f *fakeFlow) Authenticate(*http.Request) (*authn.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.principal == nil {
		return nil, authn.ErrNotAuthenticated
	}
	return f.principal, nil
}

func (f *fakeFlow) BeginLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	f.mu.Lock()
	f.returnTo = returnTo
	f.mu.Unlock()
	http.Redirect(w, r, "/login?"+url.Values{"return_to": {returnTo}}.Encode(), http.StatusFound)
}

func (f *fakeFlow) EndSession(http.ResponseWriter, *http.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.principal == nil {
		return "", nil
	}
	id := f.principal.SessionID
	f.principal = nil
	return id, nil
}

type testEnv struct {
	handler *Handler
	router  http.Handler
	store   *memory.Store
	flow    *fakeFlow
	user    *storage.User
	keys    *signing.Keyring
}

func testProvider() *storage.Provider {
	p := &storage.Provider{
		Name:         "grafana",
		ClientID:     "grafana",
		ClientSecret: testSecret,
		RedirectURIs: []storage.RedirectURI{
			{URL: testRedirectURI},
			{URL: testLogoutRedirect, Purpose: storage.PurposeLogout},
		},
		LogoutURI:    testFrontChannel,
		LogoutMethod: storage.LogoutFrontChannel,
		Application:  &storage.Application{Slug: "grafana", Name: "Grafana"},
	}
	p.ApplyDefaults()
	return p
}

func rsaProvider() *storage.Provider {
	p := &storage.Provider{
		Name:             "argocd",
		ClientID:         "argocd",
		ClientSecret:     "argocd-secret",
		RedirectURIs:     []storage.RedirectURI{{URL: "https://argocd.example.com/auth/callback"}},
		SigningAlgorithm: storage.AlgRS256,
		SigningKey:       "main",
		Application:      &storage.Application{Slug: "argocd", Name: "Argo CD"},
	}
	p.ApplyDefaults()
	return p
}

type envOption func(*Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveProvider(ctx, testProvider()))
	require.NoError(t, store.SaveProvider(ctx, rsaProvider()))
	user := store.AddUser(&storage.User{
		Username: "alice",
		Name:     "Alice Doe",
		Email:    "alice@example.com",
		Groups:   []string{"developers"},
	})

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := signing.NewKeyring()
	_, err = keys.Add("main", key)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := security.NewAuditor(logger, true)
	srv, err := server.New(server.Config{
		Issuer:    testIssuer,
		Providers: store,
		Grants:    store,
		Users:     store,
		Signer:    signing.NewSigner(keys),
		Auditor:   auditor,
		Logger:    logger,
	})
	require.NoError(t, err)

	coordinator, err := logout.NewCoordinator(logout.Config{
		Providers: store,
		Tokens:    store,
		Signer:    srv.Signer(),
		Claims:    srv.Claims(),
		Queue:     logout.NewMemoryQueue(16, 1),
		Auditor:   auditor,
		Logger:    logger,
	})
	require.NoError(t, err)

	flow := &fakeFlow{principal: &authn.Principal{
		User:      user,
		Login:     &storage.LoginEvent{Time: time.Now(), Method: storage.LoginMethodPassword},
		SessionID: "session-1",
	}}
	cfg := Config{
		Server:      srv,
		Flow:        flow,
		Coordinator: coordinator,
		Logger:      logger,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &testEnv{handler: h, router: h.Routes(), store: store, flow: flow, user: user, keys: keys}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) postForm(target string, form url.Values, basic bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basic {
		req.SetBasicAuth("grafana", testSecret)
	}
	return e.do(req)
}

func authorizeParams(extra url.Values) url.Values {
	q := url.Values{
		"client_id":     {"grafana"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
		"state":         {"xyz"},
		"nonce":         {"n-0S6_WzA2Mj"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return q
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// authorize runs the authorization endpoint and returns the redirect query.
func (e *testEnv) authorize(t *testing.T, extra url.Values) url.Values {
	t.Helper()
	rec := e.get(PathAuthorize + "?" + authorizeParams(extra).Encode())
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), testRedirectURI), loc.String())
	return loc.Query()
}

func (e *testEnv) tokens(t *testing.T) map[string]any {
	t.Helper()
	q := e.authorize(t, nil)
	rec := e.postForm(PathToken, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {q.Get("code")},
		"redirect_uri": {testRedirectURI},
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON(t, rec)
}

func TestNewHandler_RequiresServer(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestHandler_CodeFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	q := env.authorize(t, nil)
	assert.NotEmpty(t, q.Get("code"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Equal(t, testIssuer+"/application/o/grafana/", q.Get("iss"))

	rec := env.postForm(PathToken, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {q.Get("code")},
		"redirect_uri": {testRedirectURI},
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	tok := decodeJSON(t, rec)
	assert.Equal(t, "bearer", tok["token_type"])
	assert.NotEmpty(t, tok["id_token"])
	assert.NotEmpty(t, tok["refresh_token"])
	assert.Equal(t, "openid profile email", tok["scope"])
	accessToken := tok["access_token"].(string)

	// The code is single use.
	rec = env.postForm(PathToken, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {q.Get("code")},
		"redirect_uri": {testRedirectURI},
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeJSON(t, rec)["error"])

	req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decodeJSON(t, rec)
	assert.NotEmpty(t, info["sub"])
	assert.Equal(t, "alice@example.com", info["email"])

	rec = env.postForm(PathIntrospect, url.Values{"token": {accessToken}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["active"])

	rec = env.postForm(PathRevoke, url.Values{"token": {accessToken}}, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.postForm(PathIntrospect, url.Values{"token": {accessToken}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["active"])

	req = httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestHandler_RefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.tokens(t)
	refresh := tok["refresh_token"].(string)

	rec := env.postForm(PathToken, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decodeJSON(t, rec)
	assert.NotEqual(t, refresh, next["refresh_token"])

	rec = env.postForm(PathToken, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestHandler_TokenErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		form       url.Values
		basic      bool
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing grant type",
			form:       url.Values{},
			basic:      true,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}},
			basic:      true,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "unknown client",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_id": {"nobody"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name:       "unknown code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "redirect_uri": {testRedirectURI}},
			basic:      true,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidGrant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postForm(PathToken, tt.form, tt.basic)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeJSON(t, rec)["error"])
		})
	}
}

func TestHandler_TokenBadBasicSecret(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader("grant_type=authorization_code&code=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("grafana", "wrong")

	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, ErrorCodeInvalidClient, decodeJSON(t, rec)["error"])
}

func TestHandler_AuthorizeLogin(t *testing.T) {
	env := newTestEnv(t)
	env.flow.principal = nil

	rec := env.get(PathAuthorize + "?" + authorizeParams(url.Values{"prompt": {"login"}}).Encode())
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?"))

	returnTo, err := url.Parse(env.flow.returnTo)
	require.NoError(t, err)
	assert.Equal(t, PathAuthorize, returnTo.Path)
	assert.Equal(t, "grafana", returnTo.Query().Get("client_id"))
	assert.Empty(t, returnTo.Query().Get("prompt"))
	assert.True(t, authn.SafeReturnTo(env.flow.returnTo))
}

func TestHandler_AuthorizePromptNone(t *testing.T) {
	env := newTestEnv(t)
	env.flow.principal = nil

	q := env.authorize(t, url.Values{"prompt": {"none"}})
	assert.Equal(t, ErrorCodeLoginRequired, q.Get("error"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Empty(t, q.Get("code"))
}

func TestHandler_AuthorizeErrorPage(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		params url.Values
	}{
		{"unregistered redirect", authorizeParams(url.Values{"redirect_uri": {"https://evil.example.com/cb"}})},
		{"unknown client", authorizeParams(url.Values{"client_id": {"nobody"}})},
		{"missing client", url.Values{"response_type": {"code"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(PathAuthorize + "?" + tt.params.Encode())
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		})
	}
}

func TestHandler_AuthorizeFormPost(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(PathAuthorize + "?" + authorizeParams(url.Values{"response_mode": {"form_post"}}).Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, `action="`+testRedirectURI+`"`)
	assert.Contains(t, body, `name="code"`)
	assert.Contains(t, body, `name="state" value="xyz"`)
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "script-src 'sha256-")
}

func TestHandler_AuthorizePost(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, PathAuthorize, strings.NewReader(authorizeParams(nil).Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestHandler_JWKS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/application/o/grafana/jwks/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = env.get("/application/o/argocd/jwks/")
	require.Equal(t, http.StatusOK, rec.Code)
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RS256", set.Keys[0]["alg"])
	assert.Equal(t, "sig", set.Keys[0]["use"])
	assert.NotContains(t, set.Keys[0], "d")

	rec = env.get("/application/o/nope/jwks/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Discovery(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/application/o/argocd/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc OpenIDConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	assert.Equal(t, testIssuer+"/application/o/argocd/", doc.Issuer)
	assert.Equal(t, testIssuer+PathAuthorize, doc.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+PathToken, doc.TokenEndpoint)
	assert.Equal(t, testIssuer+"/application/o/argocd/jwks/", doc.JWKSURI)
	assert.Equal(t, testIssuer+"/application/o/argocd/end-session/", doc.EndSessionEndpoint)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{"public"}, doc.SubjectTypesSupported)
	assert.Contains(t, doc.ScopesSupported, "openid")
	assert.ElementsMatch(t, []string{"plain", "S256"}, doc.CodeChallengeMethodsSupported)
	assert.ElementsMatch(t, server.SupportedResponseTypes, doc.ResponseTypesSupported)
	assert.True(t, doc.BackchannelLogoutSupported)
	assert.True(t, doc.FrontchannelLogoutSupported)

	// The issuer discovered here verifies the ID tokens issued to the client.
	assert.Equal(t, doc.Issuer, env.handler.server.Issuer(rsaProvider()))
}

func TestHandler_DeviceFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postForm(PathDeviceAuthorize, url.Values{"client_id": {"grafana"}, "scope": {"openid profile"}}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	da := decodeJSON(t, rec)
	userCode := da["user_code"].(string)
	deviceCode := da["device_code"].(string)
	assert.Equal(t, testIssuer+PathDevice, da["verification_uri"])

	poll := func() *httptest.ResponseRecorder {
		return env.postForm(PathToken, url.Values{
			"grant_type":  {storage.GrantTypeDeviceCode},
			"device_code": {deviceCode},
		}, true)
	}
	rec = poll()
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeAuthorizationPending, decodeJSON(t, rec)["error"])

	rec = env.get(PathDevice + "?code=" + url.QueryEscape(userCode))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Grafana")

	rec = env.postForm(PathDevice, url.Values{"code": {userCode}}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Device approved")

	rec = env.postForm(PathDevice, url.Values{"code": {userCode}}, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = poll()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeJSON(t, rec)["access_token"])

	rec = poll()
	assert.Equal(t, ErrorCodeInvalidGrant, decodeJSON(t, rec)["error"])
}

func TestHandler_DeviceEntryRequiresLogin(t *testing.T) {
	env := newTestEnv(t)
	env.flow.principal = nil

	rec := env.get(PathDevice + "?code=ABCD-EFGH")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, PathDevice+"?code=ABCD-EFGH", env.flow.returnTo)

	rec = env.postForm(PathDevice, url.Values{"code": {"NOPE-NOPE"}}, false)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestHandler_DeviceEntryUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	rec := env.postForm(PathDevice, url.Values{"code": {"NOPE-NOPE"}}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or has expired")
}

func TestHandler_DeviceRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DeviceRequestsPerHour = 2 })

	form := url.Values{"client_id": {"grafana"}}
	for i := 0; i < 2; i++ {
		rec := env.postForm(PathDeviceAuthorize, form, false)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := env.postForm(PathDeviceAuthorize, form, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrorCodeRateLimitExceeded, decodeJSON(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandler_EndSession(t *testing.T) {
	env := newTestEnv(t)
	tok := env.tokens(t)

	q := url.Values{"post_logout_redirect_uri": {testLogoutRedirect}, "state": {"bye"}}
	rec := env.get("/application/o/grafana/end-session/?" + q.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "<iframe")
	assert.Contains(t, body, testFrontChannel)
	assert.Contains(t, body, "state=bye")
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-src")

	rec = env.postForm(PathIntrospect, url.Values{"token": {tok["access_token"].(string)}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["active"])

	_, err := env.flow.Authenticate(nil)
	assert.ErrorIs(t, err, authn.ErrNotAuthenticated)
}

func TestHandler_EndSessionWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	env.flow.principal = nil

	q := url.Values{"post_logout_redirect_uri": {testLogoutRedirect}}
	rec := env.get("/application/o/grafana/end-session/?" + q.Encode())
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testLogoutRedirect, rec.Header().Get("Location"))

	rec = env.get("/application/o/grafana/end-session/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Signed out")
}

func TestHandler_EndSessionDropsUnregisteredRedirect(t *testing.T) {
	env := newTestEnv(t)
	tok := env.tokens(t)

	q := url.Values{"post_logout_redirect_uri": {"https://evil.example.com/"}, "state": {"bye"}}
	rec := env.get("/application/o/grafana/end-session/?" + q.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Location"))
	body := rec.Body.String()
	assert.NotContains(t, body, "evil.example.com")
	assert.Contains(t, body, testFrontChannel)

	// The logout still happened.
	_, err := env.flow.Authenticate(nil)
	assert.ErrorIs(t, err, authn.ErrNotAuthenticated)

	rec = env.postForm(PathIntrospect, url.Values{"token": {tok["access_token"].(string)}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["active"])
}

func TestHandler_BackchannelLogoutRejectsInvalidToken(t *testing.T) {
	var receiver *logout.Receiver
	env := newTestEnv(t, func(c *Config) {
		var err error
		receiver, err = logout.NewReceiver(logout.ReceiverConfig{
			Issuer:      "https://upstream.example.com",
			Audience:    "oidc-provider",
			Keyfunc:     func(*jwt.Token) (any, error) { return []byte("unused"), nil },
			Sessions:    emptySessions{},
			Coordinator: c.Coordinator,
		})
		require.NoError(t, err)
		c.Receiver = receiver
	})
	require.NotNil(t, receiver)

	rec := env.postForm(PathBackchannelLogout, url.Values{"logout_token": {"not-a-jwt"}}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidRequest, decodeJSON(t, rec)["error"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

type emptySessions struct{}

func (emptySessions) LocalSessions(context.Context, string) ([]string, error) { return nil, nil }
func (emptySessions) LocalUserID(context.Context, string) (string, error)     { return "", nil }

func TestHandler_Preflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, PathToken, nil)
	req.Header.Set("Origin", "https://grafana.example.com")
	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://grafana.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, PathToken, nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = env.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_TokenCORS(t *testing.T) {
	env := newTestEnv(t)
	q := env.authorize(t, nil)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {q.Get("code")}, "redirect_uri": {testRedirectURI}}
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://grafana.example.com")
	req.SetBasicAuth("grafana", testSecret)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://grafana.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	env := newTestEnv(t, func(c *Config) { c.Instrumentation = inst })

	rec := env.get(PathHealthz)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(security.RequestIDHeader))

	env.get("/application/o/grafana/jwks/")

	rec = env.get(PathMetrics)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("oauth_http_requests")), rec.Body.String())
	assert.Contains(t, rec.Body.String(), `/application/o/{slug}/jwks/`)
}

func TestAuthorizeReturnTo(t *testing.T) {
	got := authorizeReturnTo(url.Values{"client_id": {"grafana"}, "prompt": {"login"}, "max_age": {"0"}})
	assert.Equal(t, PathAuthorize+"?client_id=grafana", got)
}
