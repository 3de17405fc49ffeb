package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// assertionAlgorithms are accepted for externally signed client assertions.
var assertionAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// attrGenerated marks users the provider created on its own.
const attrGenerated = "oidc-provider/generated"

var errNoApplication = errors.New("provider is not bound to an application")

// generatedServiceAccount names the user that represents a client
// authenticating with its own credentials.
func generatedServiceAccount(p *storage.Provider) string {
	return fmt.Sprintf("ak-%s-client_credentials", p.Name)
}

// clientCredentials handles client_credentials after a secret-based client
// authentication: app passwords when username is set, else the client's
// generated service account.
func (s *Server) clientCredentials(ctx context.Context, p *storage.Provider, req *TokenRequest) (*TokenResponse, error) {
	var (
		user  *storage.User
		login *storage.LoginEvent
		err   error
	)
	if req.Username != "" {
		user, err = s.users.ValidateAppPassword(ctx, req.Username, req.Password)
		if err != nil {
			s.Auditor.LogAuthFailure("", p.ClientID, req.ClientIP, "invalid_app_password")
			return nil, errInvalidGrant(err)
		}
		login = &storage.LoginEvent{Time: s.now(), Method: storage.LoginMethodAppPassword}
	} else {
		user, err = s.serviceAccountFor(ctx, p)
		if err != nil {
			return nil, errServer(err)
		}
		login = &storage.LoginEvent{Time: s.now(), Method: storage.LoginMethodClientSecret}
	}
	return s.finishClientCredentials(ctx, p, user, login, req)
}

func (s *Server) serviceAccountFor(ctx context.Context, p *storage.Provider) (*storage.User, error) {
	return s.users.GetOrCreateServiceAccount(ctx, generatedServiceAccount(p),
		fmt.Sprintf("Autogenerated user from application %s (client credentials)", p.Name),
		map[string]any{attrGenerated: true, "provider": p.ClientID})
}

// clientCredentialsAssertion handles client_credentials with a jwt-bearer
// assertion, which both authenticates the client and names the user.
func (s *Server) clientCredentialsAssertion(ctx context.Context, auth JWTAssertionAuth, req *TokenRequest) (*TokenResponse, error) {
	if auth.ID == "" {
		return nil, s.clientAuthFailed(ctx, auth, errors.New("missing client_id"))
	}
	p, err := s.providers.GetProvider(ctx, auth.ID)
	if err != nil {
		return nil, s.clientAuthFailed(ctx, auth, err)
	}
	if !p.AllowsGrant(storage.GrantTypeClientCredentials) {
		return nil, newError(ErrorCodeUnauthorizedClient, "grant type not allowed for this client", nil)
	}
	if auth.Assertion == "" {
		return nil, errInvalidRequest("client_assertion is required")
	}

	user, login, source, err := s.verifyAssertion(ctx, p, auth.Assertion)
	if err != nil {
		s.Logger.Debug("Client assertion rejected", "client_id", p.ClientID, "error", err)
		s.Auditor.LogAuthFailure("", p.ClientID, req.ClientIP, "invalid_client_assertion")
		return nil, errInvalidGrant(err)
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientAssertionValid,
		UserID:    user.ID,
		ClientID:  p.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"source": source.String()},
	})
	return s.finishClientCredentials(ctx, p, user, login, req)
}

// verifyAssertion tries a client_secret_jwt signed with the provider's own
// secret, then its external JWKS sources, then access tokens of its
// trusted peers.
func (s *Server) verifyAssertion(ctx context.Context, p *storage.Provider, raw string) (*storage.User, *storage.LoginEvent, AssertionSource, error) {
	now := s.now()
	var errs []error

	err := s.verifyClientSecretJWT(p, raw)
	if err == nil {
		user, err := s.serviceAccountFor(ctx, p)
		if err != nil {
			return nil, nil, 0, err
		}
		return user, &storage.LoginEvent{Time: now, Method: storage.LoginMethodJWT}, AssertionOwnKey, nil
	}
	errs = append(errs, fmt.Errorf("own key: %w", err))

	if s.Config.RemoteKeys != nil {
		for _, source := range p.JWKSSources {
			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, s.Config.RemoteKeys.Keyfunc(ctx, source),
				jwt.WithValidMethods(assertionAlgorithms),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(s.Config.ClockSkew),
				jwt.WithTimeFunc(s.now),
			)
			if err != nil {
				errs = append(errs, fmt.Errorf("jwks %s: %w", source, err))
				continue
			}
			sub, _ := claims.GetSubject()
			if sub == "" {
				errs = append(errs, fmt.Errorf("jwks %s: assertion has no sub", source))
				continue
			}
			user, err := s.users.GetOrCreateServiceAccount(ctx, fmt.Sprintf("%s-%s", p.Name, sub),
				fmt.Sprintf("Autogenerated user from application %s (client credentials JWT)", p.Name),
				map[string]any{attrGenerated: true, "jwks_source": source})
			if err != nil {
				return nil, nil, 0, err
			}
			login := &storage.LoginEvent{
				Time:       now,
				Method:     storage.LoginMethodJWT,
				MethodArgs: map[string]any{"jwt": map[string]any(claims), "source": source},
			}
			return user, login, AssertionExternalJWKS, nil
		}
	}

	for _, peerID := range p.TrustedPeers {
		peer, err := s.providers.GetProvider(ctx, peerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peerID, err))
			continue
		}
		if _, err := s.signer.Verify(peer, raw); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peerID, err))
			continue
		}
		tok, err := s.grants.GetAccessToken(ctx, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peerID, err))
			continue
		}
		if tok.ClientID != peer.ClientID || tok.Revoked || tok.Expired(now) || tok.User == nil {
			errs = append(errs, fmt.Errorf("peer %s: token not usable", peerID))
			continue
		}
		login := &storage.LoginEvent{
			Time:       now,
			Method:     storage.LoginMethodJWT,
			MethodArgs: map[string]any{"provider": peer.ClientID},
		}
		return tok.User, login, AssertionPeerProvider, nil
	}

	return nil, nil, 0, errors.Join(errs...)
}

// finishClientCredentials applies the application policy and mints an
// access token without a refresh token.
func (s *Server) finishClientCredentials(ctx context.Context, p *storage.Provider, user *storage.User, login *storage.LoginEvent, req *TokenRequest) (*TokenResponse, error) {
	if p.Application == nil {
		return nil, errInvalidGrant(errNoApplication)
	}
	if err := s.checkPolicy(ctx, p, user); err != nil {
		if errors.Is(err, policy.ErrDenied) {
			return nil, errInvalidGrant(err)
		}
		return nil, errServer(err)
	}

	ir := issueRequest{
		provider: p,
		user:     user,
		login:    login,
		scopes:   s.grantScopes(p, util.ParseScopes(req.Scope)),
	}
	return s.issueTokens(ctx, ir, storage.GrantTypeClientCredentials, false)
}
