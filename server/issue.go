package server

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "bearer"

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// Provider is the client the tokens were issued to; handlers use it for CORS.
	Provider *storage.Provider `json:"-"`
}

// issueRequest carries what every issuance primitive needs.
type issueRequest struct {
	provider  *storage.Provider
	user      *storage.User
	login     *storage.LoginEvent
	scopes    []string
	sessionID string
	nonce     string
	// previous claims to carry forward on refresh
	previous *idtoken.IDToken
}

// buildIDToken composes fresh claims, or re-stamps carried-forward ones.
func (s *Server) buildIDToken(ctx context.Context, ir issueRequest) *idtoken.IDToken {
	now := s.now()
	if ir.previous != nil {
		idt := ir.previous.Clone()
		idt.IssuedAt = now.Unix()
		idt.Expiry = now.Add(ir.provider.AccessTokenValidity).Unix()
		idt.AtHash = ""
		idt.CHash = ""
		return idt
	}
	return s.claims.Build(ctx, claims.Request{
		Provider:  ir.provider,
		User:      ir.user,
		Login:     ir.login,
		Scopes:    ir.scopes,
		SessionID: ir.sessionID,
		Nonce:     ir.nonce,
		Now:       now,
	})
}

// mintAccessToken signs an access token JWT from idt. The record is
// returned unsaved.
func (s *Server) mintAccessToken(ir issueRequest, idt *idtoken.IDToken) (*storage.AccessToken, error) {
	now := s.now()
	p := ir.provider
	c := idt.Map()
	delete(c, "nonce")
	delete(c, "at_hash")
	delete(c, "c_hash")
	c["jti"] = uuid.NewString()
	c["azp"] = p.ClientID
	c["scope"] = util.JoinScopes(ir.scopes)

	raw, err := s.signer.Sign(p, c)
	if err != nil {
		return nil, err
	}
	return &storage.AccessToken{
		Token:     raw,
		ClientID:  p.ClientID,
		User:      ir.user,
		SessionID: ir.sessionID,
		Scopes:    ir.scopes,
		IDToken:   idt.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(p.AccessTokenValidity),
	}, nil
}

// newRefreshToken returns an unsaved opaque refresh token.
func (s *Server) newRefreshToken(ir issueRequest, idt *idtoken.IDToken) *storage.RefreshToken {
	now := s.now()
	return &storage.RefreshToken{
		Token:     generateToken(),
		ClientID:  ir.provider.ClientID,
		User:      ir.user,
		SessionID: ir.sessionID,
		Scopes:    ir.scopes,
		IDToken:   idt.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(ir.provider.RefreshTokenValidity),
	}
}

// issueTokens mints and stores an access token and, when withRefresh is
// set, a refresh token. The ID token is included when openid was granted.
func (s *Server) issueTokens(ctx context.Context, ir issueRequest, grantType string, withRefresh bool) (*TokenResponse, error) {
	p := ir.provider
	idt := s.buildIDToken(ctx, ir)

	at, err := s.mintAccessToken(ir, idt)
	if err != nil {
		return nil, errServer(err)
	}
	idt.AtHash = idtoken.Hash(at.Token)
	at.IDToken = idt.Clone()
	if err := s.grants.SaveAccessToken(ctx, at); err != nil {
		return nil, errServer(err)
	}

	resp := &TokenResponse{
		AccessToken: at.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(p.AccessTokenValidity / time.Second),
		Scope:       util.JoinScopes(ir.scopes),
		Provider:    p,
	}
	if withRefresh {
		rt := s.newRefreshToken(ir, idt)
		if err := s.grants.SaveRefreshToken(ctx, rt); err != nil {
			return nil, errServer(err)
		}
		resp.RefreshToken = rt.Token
	}
	if containsOpenID(ir.scopes) {
		raw, err := s.signer.Sign(p, idt.Map())
		if err != nil {
			return nil, errServer(err)
		}
		resp.IDToken = raw
	}

	userID := ""
	if ir.user != nil {
		userID = ir.user.ID
	}
	s.Auditor.LogTokenIssued(userID, p.ClientID, "", grantType, resp.Scope)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, p.ClientID, grantType)
	}
	return resp, nil
}

func containsOpenID(scopes []string) bool {
	return slices.Contains(scopes, ScopeOpenID)
}

// grantScopes filters requested against the scopes p's mappings provide.
// No request means every provided scope; a provider without mappings
// accepts whatever was requested.
func (s *Server) grantScopes(p *storage.Provider, requested []string) []string {
	supported := s.claims.SupportedScopes(p)
	switch {
	case len(supported) == 0:
		return requested
	case len(requested) == 0:
		return supported
	default:
		return util.Intersect(requested, supported)
	}
}
