package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
)

const (
	testIssuer      = "https://id.example.com"
	testSecret      = "grafana-secret-0123456789abcdefghij"
	testRedirectURI = "https://grafana.example.com/login/generic_oauth"
	testVerifier    = "dBjftJeZ4CVP-mJ92K9SPYqYDLz5ZnfOCu9ReCjXnbBqTd"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	srv   *Server
	store *memory.Store
	audit *syncBuffer
	user  *storage.User
	clock *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testProvider() *storage.Provider {
	p := &storage.Provider{
		Name:         "grafana",
		ClientID:     "grafana",
		ClientSecret: testSecret,
		RedirectURIs: []storage.RedirectURI{{URL: testRedirectURI}},
		Application:  &storage.Application{Slug: "grafana", Name: "Grafana"},
	}
	p.ApplyDefaults()
	return p
}

func newTestEnv(t *testing.T, providers ...*storage.Provider) *testEnv {
	t.Helper()
	store := memory.New()
	audit := &syncBuffer{}
	clock := &testClock{now: time.Now()}

	if len(providers) == 0 {
		providers = []*storage.Provider{testProvider()}
	}
	for _, p := range providers {
		require.NoError(t, store.SaveProvider(context.Background(), p))
	}
	user := store.AddUser(&storage.User{
		Username: "alice",
		Name:     "Alice Doe",
		Email:    "alice@example.com",
		Groups:   []string{"developers"},
	})

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	srv, err := New(Config{
		Issuer:    testIssuer,
		Providers: store,
		Grants:    store,
		Users:     store,
		Auditor:   security.NewAuditor(slog.New(slog.NewJSONHandler(audit, nil)), true),
		Logger:    logger,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, store: store, audit: audit, user: user, clock: clock}
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func passwordLogin(now time.Time) *storage.LoginEvent {
	return &storage.LoginEvent{Time: now, Method: storage.LoginMethodPassword}
}

// authorize runs an authorization request to completion and returns the
// response parameters.
func (e *testEnv) authorize(t *testing.T, params url.Values) url.Values {
	t.Helper()
	ctx := context.Background()
	req, err := e.srv.ParseAuthorizationRequest(ctx, params)
	require.NoError(t, err)
	resp, err := e.srv.CompleteAuthorization(ctx, req, e.user, passwordLogin(e.clock.Now()), "session-1")
	require.NoError(t, err)
	return resp.Params
}

func codeParams(extra url.Values) url.Values {
	params := url.Values{
		"client_id":     {"grafana"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
		"state":         {"xyz"},
		"nonce":         {"n-0S6_WzA2Mj"},
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

func requireErrorCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	require.Error(t, err)
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, code, e.Code, "error: %v", err)
	return e
}

func TestNew(t *testing.T) {
	store := memory.New()

	srv, err := New(Config{Issuer: testIssuer + "/", Providers: store, Grants: store, Users: store})
	require.NoError(t, err)
	assert.Equal(t, testIssuer, srv.Config.Issuer)
	assert.Equal(t, testIssuer+"/device", srv.Config.DeviceVerificationURI)
	assert.Equal(t, DefaultDeviceCodeInterval, srv.Config.DeviceCodeInterval)
	assert.Equal(t, DefaultRevokedRetention, srv.Config.RevokedRetention)
	assert.NotNil(t, srv.Logger)
	assert.NotNil(t, srv.Signer())
	assert.NotNil(t, srv.Claims())
}

func TestNew_MissingStores(t *testing.T) {
	store := memory.New()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"providers", Config{Issuer: testIssuer, Grants: store, Users: store}},
		{"grants", Config{Issuer: testIssuer, Providers: store, Users: store}},
		{"users", Config{Issuer: testIssuer, Providers: store, Grants: store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_IssuerScheme(t *testing.T) {
	store := memory.New()
	base := Config{Providers: store, Grants: store, Users: store}

	tests := []struct {
		name     string
		issuer   string
		insecure bool
		wantErr  bool
	}{
		{"https", "https://id.example.com", false, false},
		{"http localhost", "http://localhost:9000", false, false},
		{"http loopback ip", "http://127.0.0.1:9000", false, false},
		{"http remote", "http://id.example.com", false, true},
		{"http remote allowed", "http://id.example.com", true, false},
		{"empty", "", false, true},
		{"bad scheme", "ftp://id.example.com", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Issuer = tt.issuer
			cfg.AllowInsecureHTTP = tt.insecure
			_, err := New(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateUserCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateUserCode()
		require.NoError(t, err)
		assert.Len(t, code, 8)
		for _, ch := range code {
			assert.True(t, ch >= '0' && ch <= '9')
		}
	}
}

func TestSweeper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	require.NoError(t, env.store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "old", ClientID: "grafana", User: env.user, ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, env.store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "fresh", ClientID: "grafana", User: env.user, ExpiresAt: now.Add(time.Minute),
	}))

	n, err := env.srv.Sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.store.GetAuthorizationCode(ctx, "fresh")
	assert.NoError(t, err)
	_, err = env.store.GetAuthorizationCode(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.srv.Sweeper().Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
