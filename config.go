package oauth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-provider/authn"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/logout"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
)

const (
	// DefaultDeviceRequestsPerHour is the per-IP budget of the device
	// authorization endpoint.
	DefaultDeviceRequestsPerHour = 20

	defaultCORSMaxAge = time.Hour
	defaultJWKSMaxAge = time.Hour
	maxFormBodyBytes  = 1 << 20
	tokenTypeBearer   = "Bearer"
)

// Config holds the HTTP handler dependencies.
type Config struct {
	// Server is the grant state machine (required).
	Server *server.Server

	// Flow authenticates end users at the authorization, device entry and
	// end-session endpoints. Without one those endpoints answer
	// login_required.
	Flow authn.Flow

	// Coordinator ends sessions at end-session and fans logout out to
	// relying parties. Optional.
	Coordinator *logout.Coordinator

	// Receiver handles upstream back-channel logout tokens. Optional;
	// /backchannel-logout is not mounted without it.
	Receiver *logout.Receiver

	// Callback completes upstream logins at /login/callback. Optional.
	Callback LoginCallback

	// ClientIP resolves the caller's address for audit and rate limiting.
	ClientIP security.ClientIPResolver

	// DeviceRequestsPerHour bounds device authorization requests per IP.
	// Default: 20. Negative disables the limit.
	DeviceRequestsPerHour int

	// CORSMaxAge is the Access-Control-Max-Age of preflight responses.
	CORSMaxAge time.Duration

	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

func applyDefaults(cfg *Config) error {
	if cfg.Server == nil {
		return errors.New("oauth: server is required")
	}
	if cfg.DeviceRequestsPerHour == 0 {
		cfg.DeviceRequestsPerHour = DefaultDeviceRequestsPerHour
	}
	if cfg.CORSMaxAge <= 0 {
		cfg.CORSMaxAge = defaultCORSMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}
