package server

import (
	"context"
	"errors"
	"slices"

	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// Token type hints accepted by introspection and revocation.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionResponse is the RFC 7662 response body.
type IntrospectionResponse struct {
	Active   bool   `json:"active"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Issuer   string `json:"iss,omitempty"`
	Subject  string `json:"sub,omitempty"`
	Expiry   int64  `json:"exp,omitempty"`
	IssuedAt int64  `json:"iat,omitempty"`
	ACR      string `json:"acr,omitempty"`
}

// introspected is the part of a token record introspection reports on.
type introspected struct {
	clientID string
	scopes   []string
	idt      *idtoken.IDToken
	revoked  bool
	expired  bool
}

// Introspect authenticates the caller and describes token. Tokens of other
// clients are reported inactive unless the caller lists them as
// introspection peers.
func (s *Server) Introspect(ctx context.Context, auth ClientAuth, token, hint string) (_ *IntrospectionResponse, err error) {
	ctx, span := s.startSpan(ctx, "server.introspect")
	defer func() { finishSpan(span, err) }()

	p, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errInvalidRequest("token is required")
	}

	rec, err := s.lookupIntrospected(ctx, token, hint)
	if err != nil {
		return nil, errServer(err)
	}
	resp := &IntrospectionResponse{}
	if rec != nil && !rec.revoked && !rec.expired && rec.idt != nil &&
		(rec.clientID == p.ClientID || slices.Contains(p.IntrospectionPeers, rec.clientID)) {
		resp = &IntrospectionResponse{
			Active:   true,
			ClientID: rec.clientID,
			Scope:    util.JoinScopes(rec.scopes),
			Issuer:   rec.idt.Issuer,
			Subject:  rec.idt.Subject,
			Expiry:   rec.idt.Expiry,
			IssuedAt: rec.idt.IssuedAt,
			ACR:      rec.idt.ACR,
		}
	}
	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, p.ClientID, resp.Active)
	}
	return resp, nil
}

// lookupIntrospected tries the hinted store first. A nil record means the
// token is unknown.
func (s *Server) lookupIntrospected(ctx context.Context, token, hint string) (*introspected, error) {
	now := s.now()
	access := func() (*introspected, error) {
		t, err := s.grants.GetAccessToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return &introspected{t.ClientID, t.Scopes, t.IDToken, t.Revoked, t.Expired(now)}, nil
	}
	refresh := func() (*introspected, error) {
		t, err := s.grants.GetRefreshToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return &introspected{t.ClientID, t.Scopes, t.IDToken, t.Revoked, t.Expired(now)}, nil
	}
	order := []func() (*introspected, error){access, refresh}
	if hint == TokenTypeHintRefreshToken {
		order = []func() (*introspected, error){refresh, access}
	}
	for _, lookup := range order {
		rec, err := lookup()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// Revoke deletes token when it belongs to the authenticated caller. Unknown
// tokens and tokens of other clients are silently ignored.
func (s *Server) Revoke(ctx context.Context, auth ClientAuth, token, hint, clientIP string) (err error) {
	ctx, span := s.startSpan(ctx, "server.revoke")
	defer func() { finishSpan(span, err) }()

	p, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return err
	}
	if token == "" {
		return errInvalidRequest("token is required")
	}

	revokeAccess := func() (bool, error) {
		t, err := s.grants.GetAccessToken(ctx, token)
		if err != nil {
			return false, err
		}
		if t.ClientID != p.ClientID {
			return true, nil
		}
		if err := s.grants.DeleteAccessToken(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		s.revoked(ctx, p, t.User, TokenTypeHintAccessToken, clientIP)
		return true, nil
	}
	revokeRefresh := func() (bool, error) {
		t, err := s.grants.GetRefreshToken(ctx, token)
		if err != nil {
			return false, err
		}
		if t.ClientID != p.ClientID {
			return true, nil
		}
		if err := s.grants.DeleteRefreshToken(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		s.revoked(ctx, p, t.User, TokenTypeHintRefreshToken, clientIP)
		return true, nil
	}

	order := []func() (bool, error){revokeAccess, revokeRefresh}
	if hint == TokenTypeHintRefreshToken {
		order = []func() (bool, error){revokeRefresh, revokeAccess}
	}
	for _, revoke := range order {
		done, err := revoke()
		if done {
			return nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errServer(err)
		}
	}
	return nil
}

func (s *Server) revoked(ctx context.Context, p *storage.Provider, user *storage.User, tokenType, clientIP string) {
	s.Auditor.LogTokenRevoked(userID(user), p.ClientID, clientIP, tokenType)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, p.ClientID, tokenType)
	}
}
