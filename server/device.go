package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const userCodeAttempts = 5

// DeviceAuthorization is the device authorization endpoint response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// StartDeviceAuthorization issues a device code for clientID. The provider
// must be bound to an application.
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID, scope, clientIP string) (_ *DeviceAuthorization, err error) {
	ctx, span := s.startSpan(ctx, "server.device_authorization")
	defer func() { finishSpan(span, err) }()

	if clientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}
	p, err := s.providers.GetProvider(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidClient(err)
		}
		return nil, errServer(err)
	}
	if p.Application == nil {
		return nil, errInvalidClient(errNoApplication)
	}
	if !p.AllowsGrant(storage.GrantTypeDeviceCode) {
		return nil, newError(ErrorCodeUnauthorizedClient, "grant type not allowed for this client", nil)
	}

	deviceCode, err := generateDeviceCode()
	if err != nil {
		return nil, errServer(err)
	}
	now := s.now()
	d := &storage.DeviceToken{
		DeviceCode: deviceCode,
		ClientID:   p.ClientID,
		Scopes:     s.grantScopes(p, util.ParseScopes(scope)),
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.AccessCodeValidity),
	}
	for attempt := 0; ; attempt++ {
		if d.UserCode, err = generateUserCode(); err != nil {
			return nil, errServer(err)
		}
		err = s.grants.SaveDeviceToken(ctx, d)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrUserCodeInUse) || attempt+1 >= userCodeAttempts {
			return nil, errServer(err)
		}
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventDeviceCodeIssued,
		ClientID:  p.ClientID,
		IPAddress: clientIP,
	})
	if m := s.metrics(); m != nil {
		m.RecordDeviceAuthorization(ctx, p.ClientID)
	}

	complete := s.Config.DeviceVerificationURI + "?" + url.Values{"code": {d.UserCode}}.Encode()
	return &DeviceAuthorization{
		DeviceCode:              d.DeviceCode,
		UserCode:                d.UserCode,
		VerificationURI:         s.Config.DeviceVerificationURI,
		VerificationURIComplete: complete,
		ExpiresIn:               int64(p.AccessCodeValidity / time.Second),
		Interval:                int64(s.Config.DeviceCodeInterval / time.Second),
	}, nil
}

// LookupDeviceCode returns the pending authorization for userCode together
// with its provider. Expired or unknown codes return storage.ErrDeviceTokenNotFound.
func (s *Server) LookupDeviceCode(ctx context.Context, userCode string) (*storage.DeviceToken, *storage.Provider, error) {
	d, err := s.grants.GetDeviceTokenByUserCode(ctx, userCode)
	if err != nil {
		return nil, nil, err
	}
	if d.Expired(s.now()) {
		return nil, nil, storage.ErrDeviceTokenNotFound
	}
	p, err := s.providers.GetProvider(ctx, d.ClientID)
	if err != nil {
		return nil, nil, err
	}
	return d, p, nil
}

// ApproveDevice binds user to the device authorization identified by
// userCode after the application policy allows it. Returns policy.ErrDenied,
// storage.ErrDeviceTokenNotFound or storage.ErrAlreadyBound on failure.
func (s *Server) ApproveDevice(ctx context.Context, userCode string, user *storage.User, login *storage.LoginEvent, sessionID string) (*storage.Provider, error) {
	_, p, err := s.LookupDeviceCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkPolicy(ctx, p, user); err != nil {
		return p, err
	}
	if _, err := s.grants.BindDeviceToken(ctx, userCode, user, login, sessionID); err != nil {
		return p, err
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventDeviceCodeApproved,
		UserID:   userID(user),
		ClientID: p.ClientID,
	})
	if m := s.metrics(); m != nil {
		m.RecordDeviceApproval(ctx, p.ClientID)
	}
	return p, nil
}

// exchangeDeviceCode polls a device authorization. Deleting the device
// token decides which of two concurrent polls receives the tokens.
func (s *Server) exchangeDeviceCode(ctx context.Context, p *storage.Provider, req *TokenRequest) (*TokenResponse, error) {
	if req.DeviceCode == "" {
		return nil, errInvalidRequest("device_code is required")
	}
	d, err := s.grants.GetDeviceToken(ctx, req.DeviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidGrant(err)
		}
		return nil, errServer(err)
	}
	if d.ClientID != p.ClientID {
		return nil, errInvalidGrant(errors.New("device code was issued to another client"))
	}
	// Expired records are left to the sweeper so every later poll still
	// reads expired_token.
	if d.Expired(s.now()) {
		return nil, newError(ErrorCodeExpiredToken, "", nil)
	}
	if d.User == nil {
		return nil, newError(ErrorCodeAuthorizationPending, "", nil)
	}
	if err := s.grants.DeleteDeviceToken(ctx, d.DeviceCode); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidGrant(err)
		}
		return nil, errServer(err)
	}

	ir := issueRequest{
		provider:  p,
		user:      d.User,
		login:     d.LoginEvent,
		scopes:    d.Scopes,
		sessionID: d.SessionID,
	}
	return s.issueTokens(ctx, ir, storage.GrantTypeDeviceCode, issuesRefreshTokens(p))
}

// IsDenied reports whether err is an application policy denial.
func IsDenied(err error) bool {
	return errors.Is(err, policy.ErrDenied)
}
