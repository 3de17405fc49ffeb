package logout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-provider/security"
)

// ErrInvalidLogoutToken wraps every validation failure of an inbound
// logout token.
var ErrInvalidLogoutToken = errors.New("invalid logout token")

// logoutAlgorithms are accepted on inbound logout tokens.
var logoutAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// SessionIndex maps upstream identities to local ones.
type SessionIndex interface {
	// LocalSessions returns the local sessions opened from the upstream session sid.
	LocalSessions(ctx context.Context, sid string) ([]string, error)
	// LocalUserID returns the local user ID of the upstream subject, or "".
	LocalUserID(ctx context.Context, subject string) (string, error)
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Issuer and Audience are the expected iss and aud: the upstream IdP and
	// this provider's client ID at it.
	Issuer   string
	Audience string
	// Keyfunc resolves the upstream verification key, usually
	// signing.RemoteKeySet.Keyfunc over the upstream JWKS.
	Keyfunc jwt.Keyfunc

	Sessions    SessionIndex
	Coordinator *Coordinator

	// MaxAge bounds how old iat may be. Default: 5 minutes.
	MaxAge    time.Duration
	ClockSkew time.Duration

	Auditor *security.Auditor
	Logger  *slog.Logger
	Now     func() time.Time
}

// Receiver accepts back-channel logout tokens from the upstream IdP.
type Receiver struct {
	cfg ReceiverConfig
}

// NewReceiver creates a receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || cfg.Keyfunc == nil {
		return nil, errors.New("logout receiver needs issuer, audience and keyfunc")
	}
	if cfg.Sessions == nil || cfg.Coordinator == nil {
		return nil, errors.New("logout receiver needs a session index and a coordinator")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = security.DefaultClockSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Receiver{cfg: cfg}, nil
}

// Validate checks raw and returns its claims.
func (r *Receiver) Validate(raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing logout_token", ErrInvalidLogoutToken)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, r.cfg.Keyfunc,
		jwt.WithValidMethods(logoutAlgorithms),
		jwt.WithIssuer(r.cfg.Issuer),
		jwt.WithAudience(r.cfg.Audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(r.cfg.ClockSkew),
		jwt.WithTimeFunc(r.cfg.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLogoutToken, err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidLogoutToken)
	}
	if r.cfg.Now().Sub(iat.Time) > r.cfg.MaxAge+r.cfg.ClockSkew {
		return nil, fmt.Errorf("%w: iat too old", ErrInvalidLogoutToken)
	}
	if _, ok := claims["nonce"]; ok {
		return nil, fmt.Errorf("%w: nonce is not allowed", ErrInvalidLogoutToken)
	}
	events, ok := claims["events"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing events claim", ErrInvalidLogoutToken)
	}
	if _, ok := events[EventBackchannelLogout].(map[string]any); !ok {
		return nil, fmt.Errorf("%w: events claim lacks %s", ErrInvalidLogoutToken, EventBackchannelLogout)
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)
	if sub == "" && sid == "" {
		return nil, fmt.Errorf("%w: sub or sid is required", ErrInvalidLogoutToken)
	}
	return claims, nil
}

// Process validates raw and terminates the matching local sessions and tokens.
func (r *Receiver) Process(ctx context.Context, raw, clientIP string) error {
	claims, err := r.Validate(raw)
	if err != nil {
		r.cfg.Logger.Debug("Rejected logout token", "error", err)
		r.cfg.Auditor.LogEvent(security.Event{
			Type:      security.EventLogoutTokenRejected,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		return err
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)

	ended := 0
	if sid != "" {
		sessions, err := r.cfg.Sessions.LocalSessions(ctx, sid)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if _, err := r.cfg.Coordinator.EndSession(ctx, s, InitiatorUpstream); err != nil {
				return err
			}
			ended++
		}
	}
	var userID string
	if sub != "" {
		userID, err = r.cfg.Sessions.LocalUserID(ctx, sub)
		if err != nil {
			return err
		}
		if userID != "" && sid == "" {
			if _, err := r.cfg.Coordinator.RevokeUser(ctx, userID, InitiatorUpstream); err != nil {
				return err
			}
		}
	}

	r.cfg.Auditor.LogEvent(security.Event{
		Type:      security.EventLogoutReceived,
		UserID:    userID,
		IPAddress: clientIP,
		Details:   map[string]any{"sessions": ended},
	})
	return nil
}
