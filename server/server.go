package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

const tokenLogPrefix = 8

// Server implements the OAuth 2.0 / OIDC grant state machine. It is
// transport-agnostic; the root package adapts it to HTTP.
type Server struct {
	providers storage.ProviderStore
	grants    storage.GrantStore
	users     storage.UserStore

	signer *signing.Signer
	claims *claims.Builder

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	tracer trace.Tracer
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	s := &Server{
		providers: cfg.Providers,
		grants:    cfg.Grants,
		users:     cfg.Users,
		signer:    cfg.Signer,
		claims:    cfg.Claims,
		Auditor:   cfg.Auditor,
		Logger:    cfg.Logger,
		Config:    &cfg,
	}
	if cfg.Instrumentation != nil {
		s.tracer = cfg.Instrumentation.Tracer("server")
		if cfg.Auditor != nil {
			cfg.Auditor.SetMetrics(cfg.Instrumentation.Metrics())
		}
	}
	return s, nil
}

// Providers returns the client registry.
func (s *Server) Providers() storage.ProviderStore { return s.providers }

// Grants returns the grant store.
func (s *Server) Grants() storage.GrantStore { return s.grants }

// Signer returns the token signer.
func (s *Server) Signer() *signing.Signer { return s.signer }

// Claims returns the claims builder.
func (s *Server) Claims() *claims.Builder { return s.claims }

// Issuer returns the iss value for tokens of p.
func (s *Server) Issuer(p *storage.Provider) string { return s.claims.Issuer(p) }

func (s *Server) now() time.Time { return s.Config.Now() }

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Config.Instrumentation == nil {
		return nil
	}
	return s.Config.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return instrumentation.StartSpan(ctx, s.tracer, name, attrs...)
}

// finishSpan records err on span and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

// generateToken returns 32 random bytes, base64url encoded.
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// generateDeviceCode returns the polling secret of a device authorization.
func generateDeviceCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateUserCode returns 8 random decimal digits.
func generateUserCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// saveProvider validates p against the keyring and the URI checks before
// persisting it.
func (s *Server) saveProvider(ctx context.Context, p *storage.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := signing.ValidateProvider(p, s.signer.Keyring()); err != nil {
		return err
	}
	if err := ValidateProviderURIs(p, s.Config.AllowInsecureHTTP); err != nil {
		return err
	}
	return s.providers.SaveProvider(ctx, p)
}
