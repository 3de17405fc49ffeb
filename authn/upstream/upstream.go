// Package upstream authenticates users against an upstream OpenID
// provider. The provider acts as a relying party: users are redirected to
// the upstream IdP, the callback verifies the returned ID token, and a
// local session is kept in an encrypted cookie.
package upstream

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-provider/authn"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// Cookie names.
const (
	DefaultSessionCookie = "oidc_provider_session"
	DefaultStateCookie   = "oidc_provider_login"
)

const loginStateTTL = 10 * time.Minute

// Users is the part of the user directory the flow writes to.
type Users interface {
	UpsertUser(ctx context.Context, u *storage.User) (*storage.User, error)
	GetUser(ctx context.Context, id string) (*storage.User, error)
}

// Config configures the upstream flow.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	// RedirectURL is the provider's own callback, {issuer}/login/callback.
	RedirectURL string
	Scopes      []string

	// GroupsClaim names the upstream claim holding group names.
	GroupsClaim string

	Encryptor     *security.Encryptor
	Users         Users
	Sessions      *authn.Sessions
	SessionTTL    time.Duration
	SecureCookies bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Flow implements authn.Flow.
type Flow struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
	jwksURL  string

	state   *authn.CookieCodec
	session *authn.CookieCodec
	logger  *slog.Logger
	now     func() time.Time
}

var _ authn.Flow = (*Flow)(nil)

type loginState struct {
	State    string    `json:"s"`
	Nonce    string    `json:"n"`
	Verifier string    `json:"v"`
	ReturnTo string    `json:"r"`
	Expires  time.Time `json:"e"`
}

type sessionCookie struct {
	SessionID string `json:"sid"`
}

// New discovers the upstream issuer and returns a ready flow.
func New(ctx context.Context, cfg Config) (*Flow, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("upstream issuer, client id and redirect url are required")
	}
	if cfg.Users == nil {
		return nil, errors.New("upstream user directory is required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = authn.NewSessions(cfg.SessionTTL)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = authn.DefaultSessionTTL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !slices.Contains(cfg.Scopes, oidc.ScopeOpenID) {
		cfg.Scopes = append([]string{oidc.ScopeOpenID}, cfg.Scopes...)
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state, err := authn.NewCookieCodec(DefaultStateCookie, cfg.Encryptor, loginStateTTL, cfg.SecureCookies)
	if err != nil {
		return nil, err
	}
	session, err := authn.NewCookieCodec(DefaultSessionCookie, cfg.Encryptor, cfg.SessionTTL, cfg.SecureCookies)
	if err != nil {
		return nil, err
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream issuer: %w", err)
	}
	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("failed to read upstream discovery document: %w", err)
	}

	return &Flow{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		jwksURL: meta.JWKSURL,
		state:   state,
		session: session,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Issuer returns the upstream issuer URL.
func (f *Flow) Issuer() string { return f.cfg.IssuerURL }

// ClientID is the audience of upstream logout tokens.
func (f *Flow) ClientID() string { return f.cfg.ClientID }

// JWKSURL is where upstream signing keys are published.
func (f *Flow) JWKSURL() string { return f.jwksURL }

// Sessions returns the session registry.
func (f *Flow) Sessions() *authn.Sessions { return f.cfg.Sessions }

// Authenticate resolves the session cookie of r.
func (f *Flow) Authenticate(r *http.Request) (*authn.Principal, error) {
	var c sessionCookie
	if err := f.session.Read(r, &c); err != nil {
		return nil, err
	}
	sess, ok := f.cfg.Sessions.Get(c.SessionID)
	if !ok {
		return nil, authn.ErrNotAuthenticated
	}
	u, err := f.cfg.Users.GetUser(r.Context(), sess.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, authn.ErrNotAuthenticated
		}
		return nil, err
	}
	login := sess.Login
	return &authn.Principal{User: u, Login: &login, SessionID: sess.ID}, nil
}

// BeginLogin redirects to the upstream authorization endpoint.
func (f *Flow) BeginLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	if !authn.SafeReturnTo(returnTo) {
		returnTo = "/"
	}
	st := loginState{
		State:    randomString(),
		Nonce:    randomString(),
		Verifier: oauth2.GenerateVerifier(),
		ReturnTo: returnTo,
		Expires:  f.now().Add(loginStateTTL),
	}
	if err := f.state.Write(w, st); err != nil {
		f.logger.Error("Failed to write login state", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	target := f.oauth.AuthCodeURL(st.State, oidc.Nonce(st.Nonce), oauth2.S256ChallengeOption(st.Verifier))
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback completes an upstream login. It is mounted at /login/callback.
func (f *Flow) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var st loginState
	if err := f.state.Read(r, &st); err != nil {
		http.Error(w, "login state missing or invalid", http.StatusBadRequest)
		return
	}
	f.state.Clear(w)

	if st.State == "" || q.Get("state") != st.State {
		http.Error(w, "login state mismatch", http.StatusBadRequest)
		return
	}
	if !f.now().Before(st.Expires) {
		http.Error(w, "login expired", http.StatusBadRequest)
		return
	}
	if e := q.Get("error"); e != "" {
		f.logger.Info("Upstream login failed", "error", e, "description", q.Get("error_description"))
		http.Error(w, "login failed: "+e, http.StatusUnauthorized)
		return
	}

	sess, err := f.complete(r.Context(), q.Get("code"), st)
	if err != nil {
		f.logger.Warn("Upstream login rejected", "error", err)
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}
	if err := f.session.Write(w, sessionCookie{SessionID: sess.ID}); err != nil {
		f.logger.Error("Failed to write session cookie", "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, st.ReturnTo, http.StatusFound)
}

type upstreamClaims struct {
	Subject           string   `json:"sub"`
	SessionID         string   `json:"sid"`
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	AMR               []string `json:"amr"`
}

func (f *Flow) complete(ctx context.Context, code string, st loginState) (*authn.Session, error) {
	if code == "" {
		return nil, errors.New("missing code")
	}
	if f.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.cfg.HTTPClient)
	}
	tok, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, errors.New("token response has no id_token")
	}
	idt, err := f.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("id_token: %w", err)
	}
	if idt.Nonce != st.Nonce {
		return nil, errors.New("id_token nonce mismatch")
	}

	var c upstreamClaims
	if err := idt.Claims(&c); err != nil {
		return nil, fmt.Errorf("id_token claims: %w", err)
	}
	var all map[string]any
	if err := idt.Claims(&all); err != nil {
		return nil, fmt.Errorf("id_token claims: %w", err)
	}

	username := c.PreferredUsername
	if username == "" {
		username = c.Email
	}
	if username == "" {
		username = c.Subject
	}
	u, err := f.cfg.Users.UpsertUser(ctx, &storage.User{
		ID:       c.Subject,
		Username: username,
		Name:     c.Name,
		Email:    c.Email,
		Groups:   stringSlice(all[f.cfg.GroupsClaim]),
	})
	if err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}

	login := storage.LoginEvent{
		Time:       f.now(),
		Method:     storage.LoginMethodUpstream,
		MethodArgs: map[string]any{"issuer": idt.Issuer},
	}
	if slices.Contains(c.AMR, "mfa") || slices.Contains(c.AMR, "otp") || slices.Contains(c.AMR, "hwk") {
		login.MethodArgs[storage.MethodArgMFADevices] = c.AMR
	}

	sess := f.cfg.Sessions.Create(u.ID, login, c.Subject, c.SessionID)
	f.logger.Info("Upstream login completed", "user_id", u.ID, "session_id", sess.ID)
	return sess, nil
}

// EndSession drops the local session of r and clears its cookie.
func (f *Flow) EndSession(w http.ResponseWriter, r *http.Request) (string, error) {
	var c sessionCookie
	err := f.session.Read(r, &c)
	f.session.Clear(w)
	if err != nil {
		return "", nil
	}
	if _, ok := f.cfg.Sessions.Get(c.SessionID); !ok {
		return "", nil
	}
	f.cfg.Sessions.Delete(c.SessionID)
	return c.SessionID, nil
}

func randomString() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}
