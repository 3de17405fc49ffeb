// Package logout terminates sessions across relying parties: it renders
// front-channel iframe plans, delivers signed back-channel logout tokens
// through an at-least-once queue, and accepts logout tokens from the
// upstream identity provider.
package logout

import (
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

// TokenType is the "typ" header of a logout token.
const TokenType = "logout+jwt"

// EventBackchannelLogout is the only member of a logout token's events claim.
const EventBackchannelLogout = "http://schemas.openid.net/event/backchannel-logout"

// TokenClaims is the claim set of an OpenID Connect back-channel logout token.
type TokenClaims struct {
	Issuer    string         `json:"iss"`
	Audience  string         `json:"aud"`
	IssuedAt  int64          `json:"iat"`
	JTI       string         `json:"jti"`
	Events    map[string]any `json:"events"`
	SessionID string         `json:"sid,omitempty"`
	Subject   string         `json:"sub,omitempty"`
}

// NewTokenClaims builds logout token claims for p. sessionID is the
// internal session key; only its hash is put into the token.
func NewTokenClaims(p *storage.Provider, issuer, subject, sessionID string, now time.Time) TokenClaims {
	return TokenClaims{
		Issuer:    issuer,
		Audience:  p.ClientID,
		IssuedAt:  now.Unix(),
		JTI:       uuid.NewString(),
		Events:    map[string]any{EventBackchannelLogout: map[string]any{}},
		SessionID: idtoken.HashSessionID(sessionID),
		Subject:   subject,
	}
}

// SignToken signs claims with p's key and the logout+jwt type header.
func SignToken(signer *signing.Signer, p *storage.Provider, claims TokenClaims) (string, error) {
	return signer.SignWithType(p, claims, TokenType)
}
