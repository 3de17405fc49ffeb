package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a newly issued code until it expires.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observe(ctx, "save_authorization_code")
	defer done(&err)

	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	if !validKey(code.Code, MaxTokenLength) {
		return errInputTooLarge
	}
	ttl, err := ttlUntil(code.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := marshalRecord(code)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.codeKey(code.Code), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns a code without consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if !validKey(code, MaxTokenLength) {
		return nil, storage.ErrCodeNotFound
	}
	data, err := s.client.Get(ctx, s.codeKey(code)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return decodeCode(data)
}

// ConsumeAuthorizationCode deletes the code with consumeScript, so exactly
// one of several concurrent callers receives it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "consume_authorization_code")
	defer done(&err)

	if !validKey(code, MaxTokenLength) {
		return nil, storage.ErrCodeNotFound
	}
	data, err := consumeScript.Run(ctx, s.client, []string{s.codeKey(code)}).Text()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	s.logger.Debug("Consumed authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return decodeCode([]byte(data))
}

func decodeCode(data []byte) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &c, nil
}

// ============================================================
// DeviceStore Implementation
// ============================================================

// deviceBinding is the part of a device token written on approval.
type deviceBinding struct {
	User       *storage.User       `json:"user"`
	LoginEvent *storage.LoginEvent `json:"login_event,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
}

// SaveDeviceToken stores a pending device authorization and claims its
// user code. A user code held by another device code yields ErrUserCodeInUse.
func (s *Store) SaveDeviceToken(ctx context.Context, d *storage.DeviceToken) (err error) {
	ctx, done := s.observe(ctx, "save_device_token")
	defer done(&err)

	if d == nil || d.DeviceCode == "" || d.UserCode == "" {
		return errors.New("device and user code cannot be empty")
	}
	if !validKey(d.DeviceCode, MaxTokenLength) || !validKey(d.UserCode, MaxIDLength) {
		return errInputTooLarge
	}
	ttl, err := ttlUntil(d.ExpiresAt)
	if err != nil {
		return err
	}
	if ttl > 0 {
		// Expired codes stay readable for a while so polls see expired_token.
		ttl += DeviceExpiryGrace
	}

	pending := *d
	pending.User, pending.LoginEvent, pending.SessionID = nil, nil, ""
	data, err := marshalRecord(&pending)
	if err != nil {
		return err
	}
	binding := ""
	if d.User != nil {
		b, err := marshalRecord(deviceBinding{User: d.User, LoginEvent: d.LoginEvent, SessionID: d.SessionID})
		if err != nil {
			return err
		}
		binding = string(b)
	}

	reply, err := saveDeviceScript.Run(ctx, s.client,
		[]string{s.userCodeKey(d.UserCode), s.deviceKey(d.DeviceCode)},
		d.DeviceCode, string(data), binding, ttl.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to save device token: %w", err)
	}
	if reply == replyInUse {
		return storage.ErrUserCodeInUse
	}
	return nil
}

// GetDeviceToken looks a device token up by device code.
func (s *Store) GetDeviceToken(ctx context.Context, deviceCode string) (*storage.DeviceToken, error) {
	if !validKey(deviceCode, MaxTokenLength) {
		return nil, storage.ErrDeviceTokenNotFound
	}
	fields, err := s.client.HMGet(ctx, s.deviceKey(deviceCode), "data", "binding").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get device token: %w", err)
	}
	data, ok := fields[0].(string)
	if !ok {
		return nil, storage.ErrDeviceTokenNotFound
	}
	binding, _ := fields[1].(string)
	return decodeDevice(data, binding)
}

// GetDeviceTokenByUserCode looks a device token up by the code the user types.
func (s *Store) GetDeviceTokenByUserCode(ctx context.Context, userCode string) (*storage.DeviceToken, error) {
	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.GetDeviceToken(ctx, deviceCode)
}

// BindDeviceToken attaches the approving user. Only the first call succeeds.
func (s *Store) BindDeviceToken(ctx context.Context, userCode string, user *storage.User, login *storage.LoginEvent, sessionID string) (_ *storage.DeviceToken, err error) {
	ctx, done := s.observe(ctx, "bind_device_token")
	defer done(&err)

	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}
	binding, err := marshalRecord(deviceBinding{User: user, LoginEvent: login, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	reply, err := bindScript.Run(ctx, s.client, []string{s.deviceKey(deviceCode)}, string(binding)).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to bind device token: %w", err)
	}
	switch reply {
	case replyNotFound:
		return nil, storage.ErrDeviceTokenNotFound
	case replyAlreadyBound:
		return nil, storage.ErrAlreadyBound
	}
	return decodeDevice(reply, string(binding))
}

// DeleteDeviceToken removes a device token and its user code mapping. Of
// several concurrent calls for the same code only one returns nil; the
// others get storage.ErrDeviceTokenNotFound.
func (s *Store) DeleteDeviceToken(ctx context.Context, deviceCode string) (err error) {
	ctx, done := s.observe(ctx, "delete_device_token")
	defer done(&err)

	d, err := s.GetDeviceToken(ctx, deviceCode)
	if err != nil {
		return err
	}
	reply, err := deleteDeviceScript.Run(ctx, s.client,
		[]string{s.deviceKey(deviceCode), s.userCodeKey(d.UserCode)},
		deviceCode,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	if reply == replyNotFound {
		return storage.ErrDeviceTokenNotFound
	}
	return nil
}

func (s *Store) deviceCodeFor(ctx context.Context, userCode string) (string, error) {
	if !validKey(userCode, MaxIDLength) {
		return "", storage.ErrDeviceTokenNotFound
	}
	deviceCode, err := s.client.Get(ctx, s.userCodeKey(userCode)).Result()
	if err != nil {
		if isNil(err) {
			return "", storage.ErrDeviceTokenNotFound
		}
		return "", fmt.Errorf("failed to resolve user code: %w", err)
	}
	return deviceCode, nil
}

func decodeDevice(data, binding string) (*storage.DeviceToken, error) {
	var d storage.DeviceToken
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device token: %w", err)
	}
	if binding != "" {
		var b deviceBinding
		if err := json.Unmarshal([]byte(binding), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device binding: %w", err)
		}
		d.User, d.LoginEvent, d.SessionID = b.User, b.LoginEvent, b.SessionID
	}
	return &d, nil
}
