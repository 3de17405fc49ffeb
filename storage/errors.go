package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every "missing record" sentinel below, so
// errors.Is(err, ErrNotFound) holds for all of them.
var ErrNotFound = errors.New("not found")

// Sentinel errors returned by every backend. Callers match them with errors.Is.
var (
	ErrProviderNotFound    = fmt.Errorf("provider %w", ErrNotFound)
	ErrCodeNotFound        = fmt.Errorf("authorization code %w", ErrNotFound)
	ErrTokenNotFound       = fmt.Errorf("token %w", ErrNotFound)
	ErrDeviceTokenNotFound = fmt.Errorf("device token %w", ErrNotFound)
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)

	ErrTokenRevoked       = errors.New("token revoked")
	ErrTokenExpired       = errors.New("token expired")
	ErrAlreadyBound       = errors.New("device token already approved")
	ErrUserCodeInUse      = errors.New("user code already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
