// Package claims composes OpenID Connect ID tokens and userinfo responses
// from a user, the login event and the scope mappings bound to a provider.
package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/idtoken"
	"github.com/giantswarm/oidc-provider/storage"
)

// DefaultACR is the authentication context class reference put in every ID token.
const DefaultACR = "urn:giantswarm:oidc-provider:acr:default"

// DefaultMappingTimeout bounds one scope mapping evaluation.
const DefaultMappingTimeout = 2 * time.Second

// AMR values.
const (
	AMRPassword = "pwd"
	AMRUser     = "user"
	AMRMFA      = "mfa"
)

// Config configures a Builder.
type Config struct {
	// BaseURL is the externally visible URL of the provider, without a trailing slash.
	BaseURL string
	// Salt is mixed into hashed subjects.
	Salt     string
	Mappings *Registry
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Builder builds claim sets.
type Builder struct {
	baseURL  string
	salt     string
	mappings *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMappingTimeout
	}
	if cfg.Mappings == nil {
		cfg.Mappings = NewRegistry(DefaultMappings()...)
	}
	return &Builder{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		salt:     cfg.Salt,
		mappings: cfg.Mappings,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Mappings returns the registry the builder resolves names against.
func (b *Builder) Mappings() *Registry {
	return b.mappings
}

// Issuer returns the iss value for p.
func (b *Builder) Issuer(p *storage.Provider) string {
	if p.IssuerMode == storage.IssuerModeGlobal || p.Application == nil || p.Application.Slug == "" {
		return b.baseURL + "/"
	}
	return fmt.Sprintf("%s/application/o/%s/", b.baseURL, p.Application.Slug)
}

// Subject returns the sub value for u under p's SubMode.
func (b *Builder) Subject(p *storage.Provider, u *storage.User) string {
	if u == nil {
		return ""
	}
	switch p.SubMode {
	case storage.SubModeUserID:
		return u.ID
	case storage.SubModeUserUUID:
		return u.UUID
	case storage.SubModeUserUsername:
		return u.Username
	case storage.SubModeUserEmail:
		return u.Email
	case storage.SubModeUserUPN:
		if upn, ok := u.Attributes["upn"].(string); ok && upn != "" {
			return upn
		}
	}
	return b.hashedID(u)
}

func (b *Builder) hashedID(u *storage.User) string {
	sum := sha256.Sum256([]byte(u.ID + "-" + b.salt))
	return hex.EncodeToString(sum[:])
}

// AMR maps a login event to authentication method references.
func AMR(login *storage.LoginEvent) []string {
	if login == nil {
		return nil
	}
	var amr []string
	switch login.Method {
	case storage.LoginMethodPassword:
		amr = append(amr, AMRPassword)
	case storage.LoginMethodWebAuthnPasswordless:
		amr = append(amr, AMRUser)
	}
	if _, ok := login.MethodArgs[storage.MethodArgMFADevices]; ok {
		amr = append(amr, AMRMFA)
	}
	return amr
}

// Request describes one ID token.
type Request struct {
	Provider  *storage.Provider
	User      *storage.User
	Login     *storage.LoginEvent
	Scopes    []string
	SessionID string
	Nonce     string
	Now       time.Time
}

// Build composes the ID token for req. Signing and at_hash/c_hash are the
// caller's concern.
func (b *Builder) Build(ctx context.Context, req Request) *idtoken.IDToken {
	p := req.Provider
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	validity := p.AccessTokenValidity
	if validity <= 0 {
		validity = storage.DefaultAccessTokenValidity
	}

	tok := &idtoken.IDToken{
		Issuer:    b.Issuer(p),
		Subject:   b.Subject(p, req.User),
		Audience:  p.ClientID,
		IssuedAt:  now.Unix(),
		Expiry:    now.Add(validity).Unix(),
		ACR:       DefaultACR,
		AMR:       AMR(req.Login),
		Nonce:     req.Nonce,
		SessionID: idtoken.HashSessionID(req.SessionID),
	}
	if req.Login != nil && !req.Login.Time.IsZero() {
		tok.AuthTime = req.Login.Time.Unix()
	}
	if p.IncludeClaimsInIDToken {
		if c := b.MappingClaims(ctx, p, req.User, req.Scopes); len(c) > 0 {
			tok.Claims = c
		}
	}
	return tok
}

// UserInfo returns sub plus the claims of every applicable mapping.
func (b *Builder) UserInfo(ctx context.Context, p *storage.Provider, u *storage.User, scopes []string) map[string]any {
	out := b.MappingClaims(ctx, p, u, scopes)
	out["sub"] = b.Subject(p, u)
	return out
}

// SupportedScopes returns the scopes of the mappings bound to p.
func (b *Builder) SupportedScopes(p *storage.Provider) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range p.ScopeMappings {
		m, ok := b.mappings.Get(name)
		if !ok {
			continue
		}
		if _, dup := seen[m.Scope()]; dup {
			continue
		}
		seen[m.Scope()] = struct{}{}
		out = append(out, m.Scope())
	}
	return out
}

// MappingClaims evaluates, in provider order, each mapping of p whose scope
// was granted and deep-merges the results. Failing mappings are skipped.
func (b *Builder) MappingClaims(ctx context.Context, p *storage.Provider, u *storage.User, scopes []string) map[string]any {
	granted := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		granted[s] = struct{}{}
	}
	in := Input{User: u, Provider: p, Scopes: scopes}

	out := make(map[string]any)
	for _, name := range p.ScopeMappings {
		m, ok := b.mappings.Get(name)
		if !ok {
			b.logger.Warn("Unknown scope mapping", "mapping", name, "client_id", p.ClientID)
			continue
		}
		if _, ok := granted[m.Scope()]; !ok {
			continue
		}
		res, err := b.evaluate(ctx, m, in)
		if err != nil {
			b.logger.Warn("Scope mapping failed, skipping",
				"mapping", name,
				"scope", m.Scope(),
				"client_id", p.ClientID,
				"error", err)
			continue
		}
		deepMerge(out, res)
	}
	return out
}

type result struct {
	claims map[string]any
	err    error
}

func (b *Builder) evaluate(ctx context.Context, m ScopeMapping, in Input) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("scope mapping panicked: %v", r)}
			}
		}()
		c, err := m.Evaluate(ctx, in)
		done <- result{claims: c, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.claims == nil {
			return nil, ErrNotObject
		}
		return r.claims, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("scope mapping timed out: %w", ctx.Err())
	}
}

// deepMerge overlays src onto dst. Nested objects merge recursively; keys
// are never removed.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
			cp := make(map[string]any, len(sv))
			deepMerge(cp, sv)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}
