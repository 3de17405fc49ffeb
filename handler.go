package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/authn"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/logout"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage"
)

// Endpoint paths.
const (
	PathAuthorize         = "/application/o/authorize/"
	PathToken             = "/application/o/token/"
	PathIntrospect        = "/application/o/introspect/"
	PathRevoke            = "/application/o/revoke/"
	PathDeviceAuthorize   = "/application/o/device/"
	PathUserInfo          = "/application/o/userinfo/"
	PathDevice            = "/device"
	PathBackchannelLogout = "/backchannel-logout"
	PathLoginCallback     = "/login/callback"
	PathMetrics           = "/metrics"
	PathHealthz           = "/healthz"
)

// LoginCallback completes a login started by an authn.Flow.
type LoginCallback interface {
	Callback(w http.ResponseWriter, r *http.Request)
}

// Handler is a thin HTTP adapter for the grant state machine.
// It parses requests, authenticates users through the configured flow and
// renders results; all protocol decisions live in package server.
type Handler struct {
	cfg    Config
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer

	deviceLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg Config) (*Handler, error) {
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:    cfg,
		server: cfg.Server,
		logger: cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		h.tracer = cfg.Instrumentation.Tracer("http")
	}
	if cfg.DeviceRequestsPerHour > 0 {
		h.deviceLimiter = security.NewRateLimiter(security.PerHour(cfg.DeviceRequestsPerHour), cfg.DeviceRequestsPerHour, cfg.Logger)
	}
	return h, nil
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.deviceLimiter != nil {
		h.deviceLimiter.Stop()
	}
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.cfg.Instrumentation == nil {
		return nil
	}
	return h.cfg.Instrumentation.Metrics()
}

func (h *Handler) clientIP(r *http.Request) string {
	return h.cfg.ClientIP.ClientIP(r)
}

// parseForm bounds and parses the request body.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return false
	}
	return true
}

// ==================== Authorization ====================

// ServeAuthorization handles GET and POST /application/o/authorize/.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The authorization request could not be parsed.")
		return
	}
	ctx := r.Context()
	params := r.Form

	req, err := h.server.ParseAuthorizationRequest(ctx, params)
	if err != nil {
		h.authorizationFailed(w, r, h.issuerForClient(r, params.Get("client_id")), err)
		return
	}
	issuer := h.server.Issuer(req.Provider)

	principal, err := h.authenticate(r)
	if err != nil && !errors.Is(err, authn.ErrNotAuthenticated) {
		h.logger.Error("Authentication flow failed", "error", err)
		h.renderMessage(w, http.StatusInternalServerError, "Login unavailable", "Please try again later.")
		return
	}
	if principal == nil || req.RequiresLogin(loginTime(principal), h.server.Config.Now()) {
		if req.PromptNone() || h.cfg.Flow == nil {
			h.authorizationFailed(w, r, issuer, &server.AuthorizeError{
				Err:          &server.Error{Code: ErrorCodeLoginRequired},
				Redirect:     true,
				RedirectURI:  req.RedirectURI,
				ResponseMode: req.ResponseMode,
				State:        req.State,
			})
			return
		}
		h.cfg.Flow.BeginLogin(w, r, authorizeReturnTo(params))
		return
	}

	resp, err := h.server.CompleteAuthorization(ctx, req, principal.User, principal.Login, principal.SessionID)
	if err != nil {
		h.authorizationFailed(w, r, issuer, err)
		return
	}
	h.writeAuthorizationResponse(w, r, resp)
}

// authorizeReturnTo rebuilds the authorization request as a GET URL to
// resume after login. prompt and max_age are dropped, since the login that
// follows satisfies them.
func authorizeReturnTo(params url.Values) string {
	q := url.Values{}
	for k, v := range params {
		if k == "prompt" || k == "max_age" {
			continue
		}
		q[k] = v
	}
	return PathAuthorize + "?" + q.Encode()
}

func loginTime(p *authn.Principal) time.Time {
	if p.Login == nil {
		return time.Time{}
	}
	return p.Login.Time
}

func (h *Handler) authenticate(r *http.Request) (*authn.Principal, error) {
	if h.cfg.Flow == nil {
		return nil, authn.ErrNotAuthenticated
	}
	return h.cfg.Flow.Authenticate(r)
}

func (h *Handler) issuerForClient(r *http.Request, clientID string) string {
	if clientID == "" {
		return ""
	}
	p, err := h.server.Providers().GetProvider(r.Context(), clientID)
	if err != nil {
		return ""
	}
	return h.server.Issuer(p)
}

// authorizationFailed redirects errors that may go back to the client and
// renders the rest to the user agent.
func (h *Handler) authorizationFailed(w http.ResponseWriter, r *http.Request, issuer string, err error) {
	var ae *server.AuthorizeError
	if errors.As(err, &ae) && ae.Redirect && ae.RedirectURI != "" {
		h.writeAuthorizationResponse(w, r, ae.Response(issuer))
		return
	}
	e := server.AsError(err)
	if e.Code == ErrorCodeServerError {
		h.logger.Error("Authorization failed", "error", err)
	}
	message := e.Description
	if message == "" {
		message = e.Code
	}
	h.renderMessage(w, e.StatusCode(), "Authorization failed", message)
}

func (h *Handler) writeAuthorizationResponse(w http.ResponseWriter, r *http.Request, resp *server.AuthorizationResponse) {
	security.SetNoStore(w)
	if resp.ResponseMode == server.ResponseModeFormPost {
		security.AllowInlineScript(w, formPostScript)
		h.render(w, http.StatusOK, formPostTemplate, formPostPage{Action: resp.RedirectURI, Params: resp.Params})
		return
	}
	http.Redirect(w, r, resp.URL(), http.StatusFound)
}

// ==================== Token ====================

// ServeToken handles POST /application/o/token/.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, err := server.ParseClientAuth(r)
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	form := r.PostForm
	req := &server.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Client:       auth,
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		DeviceCode:   form.Get("device_code"),
		Username:     form.Get("username"),
		Password:     form.Get("password"),
		ClientIP:     h.clientIP(r),
	}

	resp, err := h.server.Exchange(r.Context(), req)
	if err != nil {
		h.setCORSForClient(w, r, auth.ClientID())
		oe := toOAuthError(err)
		if oe.Code == ErrorCodeServerError {
			h.logger.Error("Token request failed", "client_id", auth.ClientID(), "grant_type", req.GrantType, "error", err)
		}
		h.writeError(w, oe)
		return
	}
	h.setCORSHeaders(w, r, resp.Provider)
	security.SetNoStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// ==================== Introspection & Revocation ====================

// ServeIntrospection handles POST /application/o/introspect/.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, err := server.ParseClientAuth(r)
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	resp, err := h.server.Introspect(r.Context(), auth, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	security.SetNoStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles POST /application/o/revoke/. Unknown tokens
// succeed, as RFC 7009 requires.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, err := server.ParseClientAuth(r)
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	h.setCORSForClient(w, r, auth.ClientID())
	err = h.server.Revoke(r.Context(), auth, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), h.clientIP(r))
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ==================== Device flow ====================

// ServeDeviceAuthorization handles POST /application/o/device/.
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if h.deviceLimiter != nil && !h.deviceLimiter.Allow(clientIP) {
		h.logger.Warn("Device authorization rate limit exceeded", "ip", clientIP)
		h.server.Auditor.LogRateLimitExceeded(clientIP, "device")
		if m := h.metrics(); m != nil {
			m.RecordRateLimitExceeded(r.Context(), "device")
		}
		w.Header().Set("Retry-After", "3600")
		h.writeError(w, ErrRateLimitExceeded("too many device authorization requests"))
		return
	}
	if !h.parseForm(w, r) {
		return
	}
	auth, err := server.ParseClientAuth(r)
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	resp, err := h.server.StartDeviceAuthorization(r.Context(), auth.ClientID(), r.PostForm.Get("scope"), clientIP)
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	security.SetNoStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceEntry handles GET and POST /device, where a logged-in user
// confirms the code shown on their device.
func (h *Handler) ServeDeviceEntry(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The form could not be parsed.")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(r.Form.Get("code")))

	principal, err := h.authenticate(r)
	if err != nil {
		if !errors.Is(err, authn.ErrNotAuthenticated) {
			h.logger.Error("Authentication flow failed", "error", err)
			h.renderMessage(w, http.StatusInternalServerError, "Login unavailable", "Please try again later.")
			return
		}
		if h.cfg.Flow == nil {
			h.renderMessage(w, http.StatusUnauthorized, "Login required", "No login method is configured.")
			return
		}
		returnTo := PathDevice
		if code != "" {
			returnTo += "?" + url.Values{"code": {code}}.Encode()
		}
		h.cfg.Flow.BeginLogin(w, r, returnTo)
		return
	}

	security.SetNoStore(w)
	page := devicePage{Action: PathDevice, Code: code}
	if r.Method != http.MethodPost || code == "" {
		if code != "" {
			if _, p, err := h.server.LookupDeviceCode(r.Context(), code); err == nil && p.Application != nil {
				page.AppName = p.Application.Name
			}
		}
		h.render(w, http.StatusOK, deviceTemplate, page)
		return
	}

	_, err = h.server.ApproveDevice(r.Context(), code, principal.User, principal.Login, principal.SessionID)
	switch {
	case err == nil:
		h.renderMessage(w, http.StatusOK, "Device approved", "You can close this window and return to your device.")
	case errors.Is(err, storage.ErrDeviceTokenNotFound):
		page.Error = "The code is invalid or has expired."
		h.render(w, http.StatusBadRequest, deviceTemplate, page)
	case errors.Is(err, storage.ErrAlreadyBound):
		page.Error = "The code has already been used."
		h.render(w, http.StatusConflict, deviceTemplate, page)
	case server.IsDenied(err):
		h.renderMessage(w, http.StatusForbidden, "Access denied", "You are not allowed to access this application.")
	default:
		h.logger.Error("Device approval failed", "error", err)
		h.renderMessage(w, http.StatusInternalServerError, "Device login failed", "Please try again later.")
	}
}

// ==================== Userinfo ====================

// ServeUserInfo handles GET and POST /application/o/userinfo/.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" && r.Method == http.MethodPost {
		if !h.parseForm(w, r) {
			return
		}
		token = r.PostForm.Get("access_token")
	}
	info, p, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeError(w, toOAuthError(err))
		return
	}
	h.setCORSHeaders(w, r, p)
	security.SetNoStore(w)
	writeJSON(w, http.StatusOK, info)
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) {
		return ""
	}
	return strings.TrimSpace(token)
}

// ==================== Per-application metadata ====================

func (h *Handler) providerBySlug(w http.ResponseWriter, r *http.Request) (*storage.Provider, bool) {
	slug := chi.URLParam(r, "slug")
	p, err := h.server.Providers().GetProviderBySlug(r.Context(), slug)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("Provider lookup failed", "slug", slug, "error", err)
			h.writeError(w, ErrServerError(""))
			return nil, false
		}
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "unknown application", http.StatusNotFound))
		return nil, false
	}
	return p, true
}

// ServeJWKS handles GET /application/o/{slug}/jwks/.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providerBySlug(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(defaultJWKSMaxAge.Seconds())))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if !p.SigningAlgorithm.IsAsymmetric() {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	set, err := h.server.Signer().JWKS(p)
	if err != nil {
		h.logger.Error("Failed to build JWKS", "client_id", p.ClientID, "error", err)
		h.writeError(w, ErrServerError(""))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// ServeDiscovery handles GET /application/o/{slug}/.well-known/openid-configuration.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providerBySlug(w, r)
	if !ok {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.openIDConfiguration(p))
}

func (h *Handler) openIDConfiguration(p *storage.Provider) *OpenIDConfiguration {
	base := h.server.Config.Issuer
	appBase := base + "/application/o/" + p.Application.Slug
	scopes := []string{server.ScopeOpenID}
	for _, s := range h.server.Claims().SupportedScopes(p) {
		if !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return &OpenIDConfiguration{
		Issuer:                             h.server.Issuer(p),
		AuthorizationEndpoint:              base + PathAuthorize,
		TokenEndpoint:                      base + PathToken,
		UserInfoEndpoint:                   base + PathUserInfo,
		EndSessionEndpoint:                 appBase + "/end-session/",
		IntrospectionEndpoint:              base + PathIntrospect,
		RevocationEndpoint:                 base + PathRevoke,
		DeviceAuthorizationEndpoint:        base + PathDeviceAuthorize,
		JWKSURI:                            appBase + "/jwks/",
		ResponseTypesSupported:             server.SupportedResponseTypes,
		ResponseModesSupported:             []string{server.ResponseModeQuery, server.ResponseModeFragment, server.ResponseModeFormPost},
		GrantTypesSupported:                supportedGrantTypes,
		SubjectTypesSupported:              []string{"public"},
		IDTokenSigningAlgValuesSupported:   []string{string(p.SigningAlgorithm)},
		ScopesSupported:                    scopes,
		CodeChallengeMethodsSupported:      []string{server.PKCEMethodPlain, server.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported:  []string{server.AuthMethodPost, server.AuthMethodBasic},
		ClaimsSupported:                    supportedClaims,
		RequestParameterSupported:          false,
		BackchannelLogoutSupported:         true,
		BackchannelLogoutSessionSupported:  true,
		FrontchannelLogoutSupported:        true,
		FrontchannelLogoutSessionSupported: true,
	}
}

// ==================== Logout ====================

// ServeEndSession handles GET and POST /application/o/{slug}/end-session/.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providerBySlug(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The logout request could not be parsed.")
		return
	}

	// An unregistered post_logout_redirect_uri is dropped; the logout itself
	// always proceeds.
	continueURL := ""
	if raw := r.Form.Get("post_logout_redirect_uri"); raw != "" {
		if err := server.ValidateLogoutRedirect(p, raw); err != nil {
			h.server.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				ClientID:  p.ClientID,
				IPAddress: h.clientIP(r),
				Details:   map[string]any{"redirect_uri": raw, "purpose": string(storage.PurposeLogout)},
			})
		} else {
			continueURL = raw
		}
	}
	if continueURL != "" {
		if state := r.Form.Get("state"); state != "" {
			u, _ := url.Parse(continueURL)
			q := u.Query()
			q.Set("state", state)
			u.RawQuery = q.Encode()
			continueURL = u.String()
		}
	}

	sessionID := ""
	if h.cfg.Flow != nil {
		id, err := h.cfg.Flow.EndSession(w, r)
		if err != nil {
			h.logger.Error("Failed to end login session", "error", err)
		}
		sessionID = id
	}

	var plan *logout.Plan
	if h.cfg.Coordinator != nil && sessionID != "" {
		var err error
		plan, err = h.cfg.Coordinator.EndSession(r.Context(), sessionID, logout.InitiatorRP)
		if err != nil {
			h.logger.Error("Failed to end session", "error", err)
		}
	}

	security.SetNoStore(w)
	if plan != nil && len(plan.FrontChannelURLs) > 0 {
		security.AllowFrames(w)
		h.render(w, http.StatusOK, logoutTemplate, logoutPage{FrontChannelURLs: plan.FrontChannelURLs, ContinueURL: continueURL})
		return
	}
	if continueURL != "" {
		http.Redirect(w, r, continueURL, http.StatusFound)
		return
	}
	h.renderMessage(w, http.StatusOK, "Signed out", "You have been signed out.")
}

// ServeBackchannelLogout handles POST /backchannel-logout from the upstream IdP.
func (h *Handler) ServeBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	security.SetNoStore(w)
	err := h.cfg.Receiver.Process(r.Context(), r.PostForm.Get("logout_token"), h.clientIP(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, logout.ErrInvalidLogoutToken):
		h.writeError(w, ErrInvalidRequest("invalid logout token"))
	default:
		h.logger.Error("Back-channel logout failed", "error", err)
		h.writeError(w, ErrServerError(""))
	}
}

// ==================== Helpers ====================

// setCORSForClient sets CORS headers when clientID names a provider.
func (h *Handler) setCORSForClient(w http.ResponseWriter, r *http.Request, clientID string) {
	if clientID == "" || r.Header.Get("Origin") == "" {
		return
	}
	p, err := h.server.Providers().GetProvider(r.Context(), clientID)
	if err != nil {
		return
	}
	h.setCORSHeaders(w, r, p)
}

// setCORSHeaders allows the request origin when it is one of p's redirect
// URI origins.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request, p *storage.Provider) {
	origin := r.Header.Get("Origin")
	if origin == "" || p == nil {
		return
	}
	if !slices.Contains(p.AllowedOrigins(), strings.ToLower(origin)) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}

// ServePreflightRequest answers CORS preflight for origins registered by
// any provider.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	origin := strings.ToLower(r.Header.Get("Origin"))
	if origin == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	providers, err := h.server.Providers().ListProviders(r.Context())
	if err != nil {
		h.logger.Error("Failed to list providers for preflight", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, p := range providers {
		if slices.Contains(p.AllowedOrigins(), origin) {
			w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", int(h.cfg.CORSMaxAge.Seconds())))
			w.Header().Add("Vary", "Origin")
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, e *OAuthError) {
	if e.Status == http.StatusUnauthorized {
		switch e.Code {
		case ErrorCodeInvalidToken:
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("%s error=%q", tokenTypeBearer, e.Code))
		case ErrorCodeInvalidClient:
			w.Header().Set("WWW-Authenticate", `Basic realm="oidc-provider"`)
		}
	}
	security.SetNoStore(w)
	writeJSON(w, e.Status, ErrorResponse{Error: e.Code, ErrorDescription: e.Description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
