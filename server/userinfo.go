package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-provider/storage"
)

// UserInfo returns the claims visible to the holder of an access token.
func (s *Server) UserInfo(ctx context.Context, bearer string) (_ map[string]any, _ *storage.Provider, err error) {
	ctx, span := s.startSpan(ctx, "server.userinfo")
	defer func() { finishSpan(span, err) }()

	if bearer == "" {
		return nil, nil, newError(ErrorCodeInvalidToken, "missing access token", nil)
	}
	t, err := s.grants.GetAccessToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, newError(ErrorCodeInvalidToken, "", err)
		}
		return nil, nil, errServer(err)
	}
	if t.Revoked || t.Expired(s.now()) || t.User == nil {
		return nil, nil, newError(ErrorCodeInvalidToken, "", nil)
	}
	p, err := s.providers.GetProvider(ctx, t.ClientID)
	if err != nil {
		return nil, nil, newError(ErrorCodeInvalidToken, "", err)
	}
	return s.claims.UserInfo(ctx, p, t.User, t.Scopes), p, nil
}
