package logout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

// Session end initiators, used as a metric attribute.
const (
	InitiatorRP       = "rp"
	InitiatorUser     = "user"
	InitiatorUpstream = "upstream"
)

// Config wires a Coordinator.
type Config struct {
	Providers storage.ProviderStore
	Tokens    storage.TokenStore
	Signer    *signing.Signer
	Claims    *claims.Builder
	// Queue receives back-channel deliveries. When nil, back-channel
	// providers are skipped with a warning.
	Queue Queue

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Now             func() time.Time
}

// Coordinator ends sessions and notifies the relying parties that hold
// tokens minted under them.
type Coordinator struct {
	cfg Config
}

// Plan is what the end-session handler must show the user agent before it
// continues: one hidden iframe per front-channel URL.
type Plan struct {
	FrontChannelURLs []string
	// Revoked counts the access and refresh tokens removed.
	Revoked int
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Providers == nil || cfg.Tokens == nil || cfg.Signer == nil || cfg.Claims == nil {
		return nil, errors.New("logout coordinator needs providers, tokens, signer and claims")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg}, nil
}

// EndSession plans front-channel notifications, enqueues back-channel
// deliveries and revokes every token of sessionID. Delivery problems are
// logged and never fail the call.
func (c *Coordinator) EndSession(ctx context.Context, sessionID, initiator string) (*Plan, error) {
	if sessionID == "" {
		return &Plan{}, nil
	}
	tokens, err := c.cfg.Tokens.ListAccessTokensBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session tokens: %w", err)
	}

	plan := &Plan{}
	seen := make(map[string]struct{})
	for _, t := range tokens {
		if _, ok := seen[t.ClientID]; ok {
			continue
		}
		seen[t.ClientID] = struct{}{}

		p, err := c.cfg.Providers.GetProvider(ctx, t.ClientID)
		if err != nil {
			c.cfg.Logger.Warn("Skipping logout for unknown provider", "client_id", t.ClientID, "error", err)
			continue
		}
		if p.LogoutURI == "" {
			continue
		}
		switch p.LogoutMethod {
		case storage.LogoutFrontChannel:
			u, err := FrontChannelURL(p.LogoutURI, c.cfg.Claims.Issuer(p), sessionID)
			if err != nil {
				c.cfg.Logger.Warn("Invalid front-channel logout URI", "client_id", p.ClientID, "error", err)
				continue
			}
			plan.FrontChannelURLs = append(plan.FrontChannelURLs, u)
		case storage.LogoutBackChannel:
			c.enqueue(ctx, p, t.User, sessionID)
		}
	}

	n, err := c.cfg.Tokens.RevokeSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	plan.Revoked = n

	c.cfg.Auditor.LogEvent(security.Event{
		Type:    security.EventSessionRevoked,
		Details: map[string]any{"initiator": initiator, "tokens": n, "sid": idtoken.HashSessionID(sessionID)},
	})
	if c.cfg.Instrumentation != nil {
		c.cfg.Instrumentation.Metrics().RecordSessionEnded(ctx, initiator)
	}
	return plan, nil
}

// RevokeUser removes every token of userID across clients.
func (c *Coordinator) RevokeUser(ctx context.Context, userID, initiator string) (int, error) {
	n, err := c.cfg.Tokens.RevokeUserTokens(ctx, userID, "")
	if err != nil {
		return 0, err
	}
	c.cfg.Auditor.LogEvent(security.Event{
		Type:    security.EventSessionRevoked,
		UserID:  userID,
		Details: map[string]any{"initiator": initiator, "tokens": n},
	})
	if c.cfg.Instrumentation != nil {
		c.cfg.Instrumentation.Metrics().RecordSessionEnded(ctx, initiator)
	}
	return n, nil
}

func (c *Coordinator) enqueue(ctx context.Context, p *storage.Provider, user *storage.User, sessionID string) {
	if c.cfg.Queue == nil {
		c.cfg.Logger.Warn("No logout queue configured, skipping back-channel logout", "client_id", p.ClientID)
		return
	}
	subject := ""
	if user != nil {
		subject = c.cfg.Claims.Subject(p, user)
	}
	tc := NewTokenClaims(p, c.cfg.Claims.Issuer(p), subject, sessionID, c.cfg.Now())
	raw, err := SignToken(c.cfg.Signer, p, tc)
	if err != nil {
		c.cfg.Logger.Error("Failed to sign logout token", "client_id", p.ClientID, "error", err)
		return
	}
	job := Job{ClientID: p.ClientID, LogoutURI: p.LogoutURI, Token: raw}
	if err := c.cfg.Queue.Enqueue(ctx, job); err != nil {
		c.cfg.Logger.Error("Failed to enqueue back-channel logout", "client_id", p.ClientID, "error", err)
	}
}

// FrontChannelURL appends iss and the hashed sid to logoutURI, keeping
// any query it already has.
func FrontChannelURL(logoutURI, issuer, sessionID string) (string, error) {
	u, err := url.Parse(logoutURI)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("iss", issuer)
	q.Set("sid", idtoken.HashSessionID(sessionID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
