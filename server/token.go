package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// TokenRequest holds the token endpoint parameters.
type TokenRequest struct {
	GrantType string
	Client    ClientAuth

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string
	Scope        string

	DeviceCode string

	// Username and Password select the app-password variant of client_credentials.
	Username string
	Password string

	ClientIP string
}

// Exchange runs the token endpoint state machine. Errors are *Error.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "server.exchange")
	defer func() { finishSpan(span, err) }()

	clientID := ""
	if req.Client != nil {
		clientID = req.Client.ClientID()
	}
	instrumentation.AddGrantAttributes(span, clientID, req.GrantType, req.Scope)

	// The password grant is served by the app-password client_credentials path.
	if req.GrantType == storage.GrantTypePassword {
		req.GrantType = storage.GrantTypeClientCredentials
	}

	switch req.GrantType {
	case "":
		return nil, errInvalidRequest("grant_type is required")
	case storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken,
		storage.GrantTypeClientCredentials, storage.GrantTypeDeviceCode:
	default:
		return nil, newError(ErrorCodeUnsupportedGrantType, "", nil)
	}

	if a, ok := req.Client.(JWTAssertionAuth); ok && req.GrantType == storage.GrantTypeClientCredentials {
		return s.clientCredentialsAssertion(ctx, a, req)
	}

	p, err := s.AuthenticateClient(ctx, req.Client)
	if err != nil {
		return nil, err
	}
	if !p.AllowsGrant(req.GrantType) {
		return nil, newError(ErrorCodeUnauthorizedClient, "grant type not allowed for this client", nil)
	}

	switch req.GrantType {
	case storage.GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, p, req)
	case storage.GrantTypeRefreshToken:
		return s.refresh(ctx, p, req)
	case storage.GrantTypeClientCredentials:
		return s.clientCredentials(ctx, p, req)
	default:
		return s.exchangeDeviceCode(ctx, p, req)
	}
}

// issuesRefreshTokens reports whether p may receive refresh tokens.
func issuesRefreshTokens(p *storage.Provider) bool {
	return p.AllowsGrant(storage.GrantTypeRefreshToken)
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, p *storage.Provider, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, errInvalidRequest("code is required")
	}

	// Another client presenting the code must not be able to burn it.
	if peek, err := s.grants.GetAuthorizationCode(ctx, req.Code); err == nil && peek.ClientID != p.ClientID {
		s.Auditor.LogAuthFailure(userID(peek.User), p.ClientID, req.ClientIP, "client_id_mismatch")
		return nil, errInvalidGrant(errors.New("code was issued to another client"))
	}

	// Consuming makes redemption exactly-once; a failed check below still
	// burns the code.
	code, err := s.grants.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		s.Logger.Debug("Authorization code lookup failed",
			"client_id", p.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenLogPrefix),
			"error", err)
		s.Auditor.LogAuthFailure("", p.ClientID, req.ClientIP, "invalid_authorization_code")
		return nil, errInvalidGrant(err)
	}
	if code.ClientID != p.ClientID {
		s.Auditor.LogAuthFailure(userID(code.User), p.ClientID, req.ClientIP, "client_id_mismatch")
		return nil, errInvalidGrant(errors.New("code was issued to another client"))
	}
	if code.Expired(s.now()) {
		return nil, errInvalidGrant(storage.ErrTokenExpired)
	}
	if len(p.AuthorizationRedirectURIs()) > 0 && !strings.EqualFold(code.RedirectURI, req.RedirectURI) {
		s.Auditor.LogAuthFailure(userID(code.User), p.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, errInvalidClient(errors.New("redirect_uri does not match the authorization request"))
	}
	if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    userID(code.User),
			ClientID:  p.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		return nil, errInvalidGrant(err)
	}

	if m := s.metrics(); m != nil {
		method := code.CodeChallengeMethod
		if method == "" {
			method = "none"
		}
		m.RecordCodeExchange(ctx, p.ClientID, method)
	}

	ir := issueRequest{
		provider:  p,
		user:      code.User,
		login:     code.LoginEvent,
		scopes:    code.Scopes,
		sessionID: code.SessionID,
		nonce:     code.Nonce,
	}
	resp, err := s.issueTokens(ctx, ir, storage.GrantTypeAuthorizationCode, issuesRefreshTokens(p))
	if err != nil {
		return nil, err
	}
	if !code.IsOpenID {
		resp.IDToken = ""
	}
	return resp, nil
}

func (s *Server) refresh(ctx context.Context, p *storage.Provider, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}
	old, err := s.grants.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, errInvalidGrant(err)
	}
	if old.ClientID != p.ClientID {
		return nil, errInvalidGrant(errors.New("refresh token was issued to another client"))
	}
	if old.Revoked {
		return nil, s.refreshReplay(ctx, p, old, req.ClientIP)
	}
	if old.Expired(s.now()) {
		return nil, errInvalidGrant(storage.ErrTokenExpired)
	}

	scopes := old.Scopes
	if requested := util.ParseScopes(req.Scope); len(requested) > 0 {
		if !util.IsSubset(requested, old.Scopes) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalation,
				UserID:    userID(old.User),
				ClientID:  p.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"requested": req.Scope, "granted": util.JoinScopes(old.Scopes)},
			})
			return nil, newError(ErrorCodeInvalidScope, "requested scope exceeds the original grant", nil)
		}
		scopes = requested
	}

	ir := issueRequest{
		provider:  p,
		user:      old.User,
		scopes:    scopes,
		sessionID: old.SessionID,
		previous:  old.IDToken,
	}
	idt := s.buildIDToken(ctx, ir)
	at, err := s.mintAccessToken(ir, idt)
	if err != nil {
		return nil, errServer(err)
	}
	idt.AtHash = idtoken.Hash(at.Token)
	at.IDToken = idt.Clone()
	next := s.newRefreshToken(ir, idt)

	// Rotation is the synchronization point between concurrent refreshes.
	if err := s.grants.RotateRefreshToken(ctx, old.Token, next); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) {
			return nil, s.refreshReplay(ctx, p, old, req.ClientIP)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidGrant(err)
		}
		return nil, errServer(err)
	}
	if err := s.grants.SaveAccessToken(ctx, at); err != nil {
		return nil, errServer(err)
	}

	resp := &TokenResponse{
		AccessToken:  at.Token,
		RefreshToken: next.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(p.AccessTokenValidity / time.Second),
		Scope:        util.JoinScopes(scopes),
		Provider:     p,
	}
	if containsOpenID(scopes) {
		raw, err := s.signer.Sign(p, idt.Map())
		if err != nil {
			return nil, errServer(err)
		}
		resp.IDToken = raw
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenRefreshed,
		UserID:    userID(old.User),
		ClientID:  p.ClientID,
		IPAddress: req.ClientIP,
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, p.ClientID)
		m.RecordTokenIssued(ctx, p.ClientID, storage.GrantTypeRefreshToken)
	}
	return resp, nil
}

// refreshReplay records a revoked refresh token being presented again.
func (s *Server) refreshReplay(ctx context.Context, p *storage.Provider, old *storage.RefreshToken, ip string) *Error {
	s.Logger.Warn("Revoked refresh token presented",
		"client_id", p.ClientID,
		"token_prefix", util.SafeTruncate(old.Token, tokenLogPrefix))
	s.Auditor.LogRefreshReplay(userID(old.User), p.ClientID, ip, old.RevokedAt)
	if m := s.metrics(); m != nil {
		m.RecordRefreshReplayDetected(ctx, p.ClientID)
	}
	return errInvalidGrant(storage.ErrTokenRevoked)
}

func userID(u *storage.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
