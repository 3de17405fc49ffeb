package storage

import (
	"context"
	"time"
)

// ProviderStore is the client registry.
// Callers must run signing.ValidateProvider before SaveProvider.
type ProviderStore interface {
	GetProvider(ctx context.Context, clientID string) (*Provider, error)
	// GetProviderBySlug resolves the provider bound to the application slug.
	GetProviderBySlug(ctx context.Context, slug string) (*Provider, error)
	ListProviders(ctx context.Context) ([]*Provider, error)
	SaveProvider(ctx context.Context, p *Provider) error
	DeleteProvider(ctx context.Context, clientID string) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically deletes the code and returns it.
	// Of two concurrent callers exactly one succeeds; the other gets ErrCodeNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists access and refresh tokens and the session index.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, t *AccessToken) error
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	DeleteAccessToken(ctx context.Context, token string) error

	SaveRefreshToken(ctx context.Context, t *RefreshToken) error
	// GetRefreshToken returns revoked tokens too; callers check Revoked.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error

	// RotateRefreshToken marks oldToken revoked and stores next, atomically.
	// It returns ErrTokenRevoked if oldToken was already revoked, which is how
	// the loser of two concurrent refreshes learns it lost.
	RotateRefreshToken(ctx context.Context, oldToken string, next *RefreshToken) error

	// ListAccessTokensBySession returns the access tokens minted under sessionID.
	ListAccessTokensBySession(ctx context.Context, sessionID string) ([]*AccessToken, error)
	// RevokeSession deletes every access and refresh token minted under sessionID
	// and returns how many were removed.
	RevokeSession(ctx context.Context, sessionID string) (int, error)
	// RevokeUserTokens deletes every token issued to the user identified by
	// subject (user ID) for clientID, or for every client when clientID is empty.
	RevokeUserTokens(ctx context.Context, userID, clientID string) (int, error)
}

// DeviceStore persists device authorizations.
type DeviceStore interface {
	SaveDeviceToken(ctx context.Context, d *DeviceToken) error
	GetDeviceToken(ctx context.Context, deviceCode string) (*DeviceToken, error)
	GetDeviceTokenByUserCode(ctx context.Context, userCode string) (*DeviceToken, error)
	// BindDeviceToken sets the user on an unbound device token. A second
	// binding attempt returns ErrAlreadyBound.
	BindDeviceToken(ctx context.Context, userCode string, user *User, login *LoginEvent, sessionID string) (*DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, deviceCode string) error
}

// Sweeper removes records that can no longer be used.
type Sweeper interface {
	// DeleteExpired removes expired codes, tokens and device tokens, and revoked
	// refresh tokens whose revocation is older than revokedBefore.
	DeleteExpired(ctx context.Context, now, revokedBefore time.Time) (SweepResult, error)
}

// GrantStore bundles every grant persistence concern.
type GrantStore interface {
	CodeStore
	TokenStore
	DeviceStore
	Sweeper
}

// UserStore is the slice of the platform user directory the provider needs.
type UserStore interface {
	// GetOrCreateServiceAccount returns the service account with username,
	// creating it with the given display name and attributes when missing.
	GetOrCreateServiceAccount(ctx context.Context, username, name string, attributes map[string]any) (*User, error)
	// ValidateAppPassword returns the user when password is one of their app
	// passwords, ErrInvalidCredentials otherwise.
	ValidateAppPassword(ctx context.Context, username, password string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
}
