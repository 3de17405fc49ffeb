package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Response type components.
const (
	ResponseTypeCode    = "code"
	ResponseTypeIDToken = "id_token"
	ResponseTypeToken   = "token"
)

// ScopeOpenID marks an OpenID Connect request.
const ScopeOpenID = "openid"

// SupportedResponseTypes lists the accepted response_type values.
var SupportedResponseTypes = []string{
	"code",
	"id_token",
	"id_token token",
	"code token",
	"code id_token",
	"code id_token token",
}

// AuthorizationRequest is a validated authorization request.
type AuthorizationRequest struct {
	Provider *storage.Provider

	ClientID      string
	RedirectURI   string
	State         string
	Nonce         string
	ResponseTypes []string
	GrantType     string
	ResponseMode  string
	Scopes        []string

	CodeChallenge       string
	CodeChallengeMethod string

	// MaxAge is the max_age parameter in seconds, or -1 when absent.
	MaxAge int
	Prompt []string
}

// IsOpenID reports whether the openid scope was granted.
func (r *AuthorizationRequest) IsOpenID() bool {
	return slices.Contains(r.Scopes, ScopeOpenID)
}

func (r *AuthorizationRequest) has(responseType string) bool {
	return slices.Contains(r.ResponseTypes, responseType)
}

// RequiresLogin reports whether the user must authenticate again: prompt=login
// was sent, or the last authentication is older than max_age.
func (r *AuthorizationRequest) RequiresLogin(authTime, now time.Time) bool {
	if slices.Contains(r.Prompt, "login") {
		return true
	}
	if r.MaxAge >= 0 && !authTime.IsZero() {
		return now.Sub(authTime) > time.Duration(r.MaxAge)*time.Second
	}
	return false
}

// PromptNone reports whether the client forbade any interaction.
func (r *AuthorizationRequest) PromptNone() bool {
	return slices.Contains(r.Prompt, "none")
}

// grantTypeFor derives the grant from a normalized response_type.
func grantTypeFor(responseTypes []string) string {
	switch strings.Join(responseTypes, " ") {
	case "code":
		return storage.GrantTypeAuthorizationCode
	case "id_token", "id_token token":
		return storage.GrantTypeImplicit
	case "code token", "code id_token", "code id_token token":
		return storage.GrantTypeHybrid
	}
	return ""
}

// normalizeResponseType sorts the components into canonical order:
// code, id_token, token.
func normalizeResponseType(raw string) []string {
	order := map[string]int{ResponseTypeCode: 0, ResponseTypeIDToken: 1, ResponseTypeToken: 2}
	parts := util.ParseScopes(raw)
	slices.SortStableFunc(parts, func(a, b string) int {
		oa, okA := order[a]
		ob, okB := order[b]
		if !okA {
			oa = 3
		}
		if !okB {
			ob = 3
		}
		return oa - ob
	})
	return parts
}

// ParseAuthorizationRequest validates the authorization endpoint parameters.
// Errors are *AuthorizeError; those with Redirect unset must not be sent to
// the redirect_uri.
func (s *Server) ParseAuthorizationRequest(ctx context.Context, params url.Values) (_ *AuthorizationRequest, err error) {
	ctx, span := s.startSpan(ctx, "server.parse_authorization_request")
	defer func() { finishSpan(span, err) }()

	clientID := params.Get("client_id")
	redirectURI := params.Get("redirect_uri")

	p, err := s.providers.GetProvider(ctx, clientID)
	if err != nil || clientID == "" {
		s.Auditor.LogAuthFailure("", clientID, "", "unknown_client_id")
		return nil, &AuthorizeError{Err: newError(ErrorCodeInvalidClient, "invalid client identifier", err)}
	}
	instrumentation.AddGrantAttributes(span, clientID, "", params.Get("scope"))

	bind, err := ValidateAuthorizationRedirect(p, redirectURI)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: clientID,
			Details:  map[string]any{"redirect_uri": redirectURI, "reason": err.Error()},
		})
		return nil, &AuthorizeError{Err: newError(ErrorCodeInvalidRequest, "invalid redirect URI", err)}
	}
	if bind {
		p.RedirectURIs = append(p.RedirectURIs, storage.RedirectURI{
			MatchingMode: storage.MatchingModeStrict,
			URL:          redirectURI,
			Purpose:      storage.PurposeAuthorization,
		})
		if err := s.saveProvider(ctx, p); err != nil {
			return nil, &AuthorizeError{Err: errServer(err)}
		}
		s.Logger.Info("Bound first redirect URI to provider", "client_id", clientID, "redirect_uri", redirectURI)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventRedirectURIBound,
			ClientID: clientID,
			Details:  map[string]any{"redirect_uri": redirectURI},
		})
	}

	req := &AuthorizationRequest{
		Provider:    p,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       params.Get("state"),
		Nonce:       params.Get("nonce"),
		MaxAge:      -1,
		Prompt:      strings.Fields(params.Get("prompt")),
	}
	req.ResponseTypes = normalizeResponseType(params.Get("response_type"))
	req.GrantType = grantTypeFor(req.ResponseTypes)

	// From here on errors can be redirected.
	fail := func(code, desc string) (*AuthorizationRequest, error) {
		return nil, &AuthorizeError{
			Err:          newError(code, desc, nil),
			Redirect:     true,
			RedirectURI:  redirectURI,
			ResponseMode: req.ResponseMode,
			State:        req.State,
		}
	}

	defaultMode := ResponseModeFragment
	if req.GrantType == storage.GrantTypeAuthorizationCode || req.GrantType == "" {
		defaultMode = ResponseModeQuery
	}
	req.ResponseMode = defaultMode
	mode := params.Get("response_mode")

	if params.Get("request") != "" {
		return fail(ErrorCodeRequestNotSupported, "request objects are not supported")
	}
	if req.GrantType == "" {
		return fail(ErrorCodeUnsupportedResponseType, "unsupported response_type")
	}
	switch mode {
	case "":
	case ResponseModeQuery:
		if req.GrantType != storage.GrantTypeAuthorizationCode {
			return fail(ErrorCodeInvalidRequest, "response_mode query is not allowed for this response_type")
		}
		req.ResponseMode = mode
	case ResponseModeFragment, ResponseModeFormPost:
		req.ResponseMode = mode
	default:
		return fail(ErrorCodeInvalidRequest, "unsupported response_mode")
	}
	if !p.AllowsGrant(req.GrantType) {
		return fail(ErrorCodeUnauthorizedClient, "client is not allowed to use this response_type")
	}

	req.Scopes = s.grantScopes(p, util.ParseScopes(params.Get("scope")))

	if (req.has(ResponseTypeIDToken) || req.has(ResponseTypeToken)) && !req.IsOpenID() {
		return fail(ErrorCodeInvalidRequest, "openid scope is required for this response_type")
	}
	if req.has(ResponseTypeIDToken) && req.GrantType != storage.GrantTypeAuthorizationCode && req.Nonce == "" {
		return fail(ErrorCodeInvalidRequest, "nonce is required")
	}

	req.CodeChallenge = params.Get("code_challenge")
	req.CodeChallengeMethod = params.Get("code_challenge_method")
	if req.CodeChallenge != "" {
		switch req.CodeChallengeMethod {
		case "":
			req.CodeChallengeMethod = PKCEMethodPlain
		case PKCEMethodPlain, PKCEMethodS256:
		default:
			return fail(ErrorCodeInvalidRequest, "unsupported code_challenge_method")
		}
	}

	if raw := params.Get("max_age"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return fail(ErrorCodeInvalidRequest, "invalid max_age")
		}
		req.MaxAge = n
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, clientID, req.GrantType)
	}
	return req, nil
}

// AuthorizationResponse is where and how the result goes back to the client.
type AuthorizationResponse struct {
	RedirectURI  string
	ResponseMode string
	Params       url.Values
}

// URL renders the response for query and fragment modes, keeping any query
// the redirect URI already has.
func (r *AuthorizationResponse) URL() string {
	return buildRedirect(r.RedirectURI, r.ResponseMode, r.Params)
}

func buildRedirect(redirectURI, mode string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	if mode == ResponseModeFragment {
		u.Fragment = params.Encode()
		u.RawFragment = ""
		return u.String()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ErrorResponse renders an AuthorizeError that may be redirected.
func (e *AuthorizeError) Response(issuer string) *AuthorizationResponse {
	params := url.Values{"error": {e.Err.Code}}
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if issuer != "" {
		params.Set("iss", issuer)
	}
	mode := e.ResponseMode
	if mode == "" {
		mode = ResponseModeQuery
	}
	return &AuthorizationResponse{RedirectURI: e.RedirectURI, ResponseMode: mode, Params: params}
}

// CompleteAuthorization issues the artifacts of req for an authenticated
// user: a code, an access token and/or an ID token.
func (s *Server) CompleteAuthorization(ctx context.Context, req *AuthorizationRequest, user *storage.User, login *storage.LoginEvent, sessionID string) (_ *AuthorizationResponse, err error) {
	ctx, span := s.startSpan(ctx, "server.complete_authorization")
	defer func() { finishSpan(span, err) }()
	instrumentation.AddGrantAttributes(span, req.ClientID, req.GrantType, util.JoinScopes(req.Scopes))

	p := req.Provider
	fail := func(e *Error) (*AuthorizationResponse, error) {
		return nil, &AuthorizeError{
			Err:          e,
			Redirect:     true,
			RedirectURI:  req.RedirectURI,
			ResponseMode: req.ResponseMode,
			State:        req.State,
		}
	}

	if err := s.checkPolicy(ctx, p, user); err != nil {
		if errors.Is(err, policy.ErrDenied) {
			return fail(newError(ErrorCodeAccessDenied, "access denied", err))
		}
		return fail(errServer(err))
	}

	now := s.now()
	issuer := s.Issuer(p)
	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}
	params.Set("iss", issuer)

	var code string
	if req.has(ResponseTypeCode) {
		code = generateToken()
		ac := &storage.AuthorizationCode{
			Code:                code,
			ClientID:            p.ClientID,
			User:                user,
			SessionID:           sessionID,
			Scopes:              req.Scopes,
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			Nonce:               req.Nonce,
			IsOpenID:            req.IsOpenID(),
			LoginEvent:          login,
			CreatedAt:           now,
			ExpiresAt:           now.Add(p.AccessCodeValidity),
		}
		if err := s.grants.SaveAuthorizationCode(ctx, ac); err != nil {
			return fail(errServer(err))
		}
		params.Set("code", code)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   user.ID,
			ClientID: p.ClientID,
			Details:  map[string]any{"scope": util.JoinScopes(req.Scopes)},
		})
	}

	if req.has(ResponseTypeToken) || req.has(ResponseTypeIDToken) {
		ir := issueRequest{
			provider:  p,
			user:      user,
			login:     login,
			scopes:    req.Scopes,
			sessionID: sessionID,
			nonce:     req.Nonce,
		}
		idt := s.buildIDToken(ctx, ir)

		if req.has(ResponseTypeToken) {
			at, err := s.mintAccessToken(ir, idt)
			if err != nil {
				return fail(errServer(err))
			}
			idt.AtHash = idtoken.Hash(at.Token)
			at.IDToken = idt.Clone()
			if err := s.grants.SaveAccessToken(ctx, at); err != nil {
				return fail(errServer(err))
			}
			params.Set("access_token", at.Token)
			params.Set("token_type", TokenTypeBearer)
			params.Set("expires_in", strconv.FormatInt(int64(p.AccessTokenValidity/time.Second), 10))
			s.Auditor.LogTokenIssued(user.ID, p.ClientID, "", req.GrantType, util.JoinScopes(req.Scopes))
			if m := s.metrics(); m != nil {
				m.RecordTokenIssued(ctx, p.ClientID, req.GrantType)
			}
		}
		if req.has(ResponseTypeIDToken) {
			if code != "" {
				idt.CHash = idtoken.Hash(code)
			}
			raw, err := s.signer.Sign(p, idt.Map())
			if err != nil {
				return fail(errServer(err))
			}
			params.Set("id_token", raw)
		}
	}

	return &AuthorizationResponse{
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		Params:       params,
	}, nil
}

// checkPolicy runs the application policy of p for user.
func (s *Server) checkPolicy(ctx context.Context, p *storage.Provider, user *storage.User) error {
	if err := s.Config.Policy.Check(ctx, p.Application, user); err != nil {
		if errors.Is(err, policy.ErrDenied) {
			userID := ""
			if user != nil {
				userID = user.ID
			}
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPolicyDenied,
				UserID:   userID,
				ClientID: p.ClientID,
			})
		}
		return err
	}
	return nil
}
