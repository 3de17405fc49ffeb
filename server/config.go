package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

// Defaults applied by applyDefaults.
const (
	DefaultDeviceCodeInterval = 5 * time.Second
	DefaultRevokedRetention   = 30 * 24 * time.Hour
	DefaultSweepInterval      = 5 * time.Minute
)

// Config holds the authorization server dependencies and settings.
type Config struct {
	// Issuer is the externally visible base URL, e.g. https://id.example.com.
	Issuer string

	Providers storage.ProviderStore
	Grants    storage.GrantStore
	Users     storage.UserStore

	// Signer mints and verifies JWTs. Default: HMAC-only signer with an empty keyring.
	Signer *signing.Signer

	// Claims composes ID tokens. Default: builder over the built-in scope mappings.
	Claims *claims.Builder

	// SubjectSalt is mixed into hashed_user_id subjects when Claims is nil.
	SubjectSalt string

	// Policy evaluates application policies. Default: a fresh engine.
	Policy *policy.Engine

	// RemoteKeys fetches JWKS of external client-assertion issuers.
	// When nil, providers' JWKSSources are ignored.
	RemoteKeys *signing.RemoteKeySet

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	// AllowInsecureHTTP permits a plain-http issuer outside localhost.
	AllowInsecureHTTP bool

	// DeviceVerificationURI is shown to device users. Default: {Issuer}/device
	DeviceVerificationURI string
	DeviceCodeInterval    time.Duration // default: 5s

	// RevokedRetention is how long rotated refresh tokens are kept for replay
	// detection before the sweeper deletes them. Default: 30 days.
	RevokedRetention time.Duration
	SweepInterval    time.Duration // default: 5m

	// ClockSkew is tolerated when checking client assertion timestamps.
	ClockSkew time.Duration // default: 5s

	// Now overrides the clock in tests.
	Now func() time.Time
}

func applyDefaults(cfg *Config) error {
	if cfg.Providers == nil {
		return fmt.Errorf("provider store is required")
	}
	if cfg.Grants == nil {
		return fmt.Errorf("grant store is required")
	}
	if cfg.Users == nil {
		return fmt.Errorf("user store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	if cfg.Signer == nil {
		cfg.Signer = signing.NewSigner(nil)
	}
	if cfg.Claims == nil {
		cfg.Claims = claims.NewBuilder(claims.Config{
			BaseURL: cfg.Issuer,
			Salt:    cfg.SubjectSalt,
			Logger:  cfg.Logger,
		})
	}
	if cfg.Policy == nil {
		engine, err := policy.NewEngine(0)
		if err != nil {
			return err
		}
		cfg.Policy = engine
	}
	if cfg.DeviceVerificationURI == "" {
		cfg.DeviceVerificationURI = cfg.Issuer + "/device"
	}
	if cfg.DeviceCodeInterval <= 0 {
		cfg.DeviceCodeInterval = DefaultDeviceCodeInterval
	}
	if cfg.RevokedRetention <= 0 {
		cfg.RevokedRetention = DefaultRevokedRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = security.DefaultClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return validateIssuer(cfg)
}

// validateIssuer requires https except on loopback hosts.
func validateIssuer(cfg *Config) error {
	if cfg.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(cfg.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			cfg.Logger.Warn("Running over HTTP on localhost", "issuer", cfg.Issuer)
			return nil
		}
		if !cfg.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use https (got %s); set AllowInsecureHTTP to override", cfg.Issuer)
		}
		cfg.Logger.Error("Running over plain HTTP, tokens are exposed to the network",
			"issuer", cfg.Issuer)
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme %q", u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
