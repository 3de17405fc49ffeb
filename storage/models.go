package storage

import (
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/idtoken"
)

// Default validities applied by Provider.ApplyDefaults.
const (
	DefaultAccessCodeValidity   = time.Minute
	DefaultAccessTokenValidity  = time.Hour
	DefaultRefreshTokenValidity = 30 * 24 * time.Hour
)

// ClientType distinguishes clients that can keep a secret from those that cannot.
type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// MatchingMode controls how a presented redirect URI is compared.
type MatchingMode string

const (
	MatchingModeStrict MatchingMode = "strict"
	MatchingModeRegex  MatchingMode = "regex"
)

// RedirectURIPurpose tells whether a registered URI may receive authorization
// responses or post-logout redirects.
type RedirectURIPurpose string

const (
	PurposeAuthorization RedirectURIPurpose = "authorization"
	PurposeLogout        RedirectURIPurpose = "logout"
)

// SigningAlgorithm is the JWS algorithm used for tokens of a provider.
type SigningAlgorithm string

const (
	AlgHS256 SigningAlgorithm = "HS256"
	AlgRS256 SigningAlgorithm = "RS256"
	AlgES256 SigningAlgorithm = "ES256"
)

// IsAsymmetric reports whether the algorithm needs a key-ring key.
func (a SigningAlgorithm) IsAsymmetric() bool {
	return a == AlgRS256 || a == AlgES256
}

// SubMode selects how the "sub" claim is derived from the user.
type SubMode string

const (
	SubModeHashedUserID SubMode = "hashed_user_id"
	SubModeUserID       SubMode = "user_id"
	SubModeUserUUID     SubMode = "user_uuid"
	SubModeUserUsername SubMode = "user_username"
	SubModeUserEmail    SubMode = "user_email"
	SubModeUserUPN      SubMode = "user_upn"
)

// IssuerMode selects whether the issuer is shared or per provider.
type IssuerMode string

const (
	IssuerModeGlobal      IssuerMode = "global"
	IssuerModePerProvider IssuerMode = "per_provider"
)

// LogoutMethod selects how a relying party is told about session termination.
type LogoutMethod string

const (
	LogoutFrontChannel LogoutMethod = "frontchannel"
	LogoutBackChannel  LogoutMethod = "backchannel"
)

// Grant type identifiers as they appear on the wire.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// RedirectURI is a registered redirect target.
type RedirectURI struct {
	MatchingMode MatchingMode       `yaml:"matching_mode" json:"matching_mode"`
	URL          string             `yaml:"url" json:"url"`
	Purpose      RedirectURIPurpose `yaml:"purpose,omitempty" json:"purpose,omitempty"`
}

// Application is the platform application a provider is bound to.
// PolicyExpression is a CEL expression evaluated against the user; empty allows everyone.
type Application struct {
	Slug             string `yaml:"slug" json:"slug"`
	Name             string `yaml:"name" json:"name"`
	PolicyExpression string `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// Provider is a registered OAuth2/OIDC client together with the issuance
// settings that apply to its tokens.
type Provider struct {
	Name         string        `yaml:"name" json:"name"`
	ClientID     string        `yaml:"client_id" json:"client_id"`
	ClientSecret string        `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	ClientType   ClientType    `yaml:"client_type" json:"client_type"`
	RedirectURIs []RedirectURI `yaml:"redirect_uris,omitempty" json:"redirect_uris,omitempty"`
	GrantTypes   []string      `yaml:"grant_types,omitempty" json:"grant_types,omitempty"`

	SigningAlgorithm SigningAlgorithm `yaml:"signing_algorithm" json:"signing_algorithm"`
	SigningKey       string           `yaml:"signing_key,omitempty" json:"signing_key,omitempty"`

	AccessCodeValidity   time.Duration `yaml:"access_code_validity,omitempty" json:"access_code_validity,omitempty"`
	AccessTokenValidity  time.Duration `yaml:"access_token_validity,omitempty" json:"access_token_validity,omitempty"`
	RefreshTokenValidity time.Duration `yaml:"refresh_token_validity,omitempty" json:"refresh_token_validity,omitempty"`

	SubMode                SubMode    `yaml:"sub_mode,omitempty" json:"sub_mode,omitempty"`
	IssuerMode             IssuerMode `yaml:"issuer_mode,omitempty" json:"issuer_mode,omitempty"`
	IncludeClaimsInIDToken bool       `yaml:"include_claims_in_id_token" json:"include_claims_in_id_token"`
	ScopeMappings          []string   `yaml:"scope_mappings,omitempty" json:"scope_mappings,omitempty"`

	// TrustedPeers lists client IDs of providers whose access tokens are
	// accepted as client assertions by this provider.
	TrustedPeers []string `yaml:"trusted_peers,omitempty" json:"trusted_peers,omitempty"`
	// JWKSSources are external JWKS URLs whose keys may sign client assertions.
	JWKSSources []string `yaml:"jwks_sources,omitempty" json:"jwks_sources,omitempty"`
	// IntrospectionPeers lists client IDs whose tokens this provider may introspect.
	IntrospectionPeers []string `yaml:"introspection_peers,omitempty" json:"introspection_peers,omitempty"`

	LogoutURI    string       `yaml:"logout_uri,omitempty" json:"logout_uri,omitempty"`
	LogoutMethod LogoutMethod `yaml:"logout_method,omitempty" json:"logout_method,omitempty"`

	Application *Application `yaml:"application,omitempty" json:"application,omitempty"`
}

// ApplyDefaults fills unset fields with their defaults.
func (p *Provider) ApplyDefaults() {
	if p.ClientType == "" {
		p.ClientType = ClientTypeConfidential
	}
	if p.SigningAlgorithm == "" {
		p.SigningAlgorithm = AlgHS256
	}
	if p.AccessCodeValidity <= 0 {
		p.AccessCodeValidity = DefaultAccessCodeValidity
	}
	if p.AccessTokenValidity <= 0 {
		p.AccessTokenValidity = DefaultAccessTokenValidity
	}
	if p.RefreshTokenValidity <= 0 {
		p.RefreshTokenValidity = DefaultRefreshTokenValidity
	}
	if p.SubMode == "" {
		p.SubMode = SubModeHashedUserID
	}
	if p.IssuerMode == "" {
		p.IssuerMode = IssuerModePerProvider
	}
	if p.LogoutMethod == "" {
		p.LogoutMethod = LogoutBackChannel
	}
	for i := range p.RedirectURIs {
		if p.RedirectURIs[i].MatchingMode == "" {
			p.RedirectURIs[i].MatchingMode = MatchingModeStrict
		}
		if p.RedirectURIs[i].Purpose == "" {
			p.RedirectURIs[i].Purpose = PurposeAuthorization
		}
	}
}

// IsConfidential reports whether the provider authenticates with a secret.
func (p *Provider) IsConfidential() bool {
	return p.ClientType != ClientTypePublic
}

// AllowsGrant reports whether grantType is enabled. A provider without an
// explicit list allows every grant.
func (p *Provider) AllowsGrant(grantType string) bool {
	if len(p.GrantTypes) == 0 {
		return true
	}
	for _, g := range p.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationRedirectURIs returns the URIs usable for authorization responses.
func (p *Provider) AuthorizationRedirectURIs() []RedirectURI {
	return p.redirectURIs(PurposeAuthorization)
}

// LogoutRedirectURIs returns the URIs usable as post_logout_redirect_uri.
func (p *Provider) LogoutRedirectURIs() []RedirectURI {
	return p.redirectURIs(PurposeLogout)
}

func (p *Provider) redirectURIs(purpose RedirectURIPurpose) []RedirectURI {
	var out []RedirectURI
	for _, u := range p.RedirectURIs {
		pp := u.Purpose
		if pp == "" {
			pp = PurposeAuthorization
		}
		if pp == purpose {
			out = append(out, u)
		}
	}
	return out
}

// AllowedOrigins returns scheme://host of every registered strict redirect URI.
func (p *Provider) AllowedOrigins() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range p.RedirectURIs {
		if u.MatchingMode == MatchingModeRegex {
			continue
		}
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			continue
		}
		origin := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	return out
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	c := *p
	c.RedirectURIs = append([]RedirectURI(nil), p.RedirectURIs...)
	c.GrantTypes = append([]string(nil), p.GrantTypes...)
	c.ScopeMappings = append([]string(nil), p.ScopeMappings...)
	c.TrustedPeers = append([]string(nil), p.TrustedPeers...)
	c.JWKSSources = append([]string(nil), p.JWKSSources...)
	c.IntrospectionPeers = append([]string(nil), p.IntrospectionPeers...)
	if p.Application != nil {
		app := *p.Application
		c.Application = &app
	}
	return &c
}

// User is the provider's view of a platform user. Grants embed a snapshot.
type User struct {
	ID             string         `json:"id"`
	UUID           string         `json:"uuid"`
	Username       string         `json:"username"`
	Name           string         `json:"name,omitempty"`
	Email          string         `json:"email,omitempty"`
	Groups         []string       `json:"groups,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	ServiceAccount bool           `json:"service_account,omitempty"`
}

// Login methods recorded on a LoginEvent.
const (
	LoginMethodPassword             = "password"
	LoginMethodWebAuthnPasswordless = "auth_webauthn_pwl"
	LoginMethodJWT                  = "jwt"
	LoginMethodClientSecret         = "oauth_client_secret"
	LoginMethodAppPassword          = "app_password"
	LoginMethodToken                = "token"
	LoginMethodUpstream             = "upstream_oidc"
)

// MethodArgMFADevices is set in LoginEvent.MethodArgs when MFA was performed.
const MethodArgMFADevices = "mfa_devices"

// LoginEvent records how and when the user authenticated.
type LoginEvent struct {
	Time       time.Time      `json:"time"`
	Method     string         `json:"method"`
	MethodArgs map[string]any `json:"method_args,omitempty"`
}

// AuthorizationCode is a single-use code issued at the authorization endpoint.
type AuthorizationCode struct {
	Code                string      `json:"code"`
	ClientID            string      `json:"client_id"`
	User                *User       `json:"user"`
	SessionID           string      `json:"session_id,omitempty"`
	Scopes              []string    `json:"scopes"`
	RedirectURI         string      `json:"redirect_uri"`
	CodeChallenge       string      `json:"code_challenge,omitempty"`
	CodeChallengeMethod string      `json:"code_challenge_method,omitempty"`
	Nonce               string      `json:"nonce,omitempty"`
	IsOpenID            bool        `json:"is_open_id"`
	LoginEvent          *LoginEvent `json:"login_event,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	ExpiresAt           time.Time   `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// AccessToken is an issued access token and the claims it carries.
type AccessToken struct {
	Token     string           `json:"token"`
	ClientID  string           `json:"client_id"`
	User      *User            `json:"user"`
	SessionID string           `json:"session_id,omitempty"`
	Scopes    []string         `json:"scopes"`
	IDToken   *idtoken.IDToken `json:"id_token,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Revoked   bool             `json:"revoked,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// RefreshToken is an issued refresh token. Rotated tokens stay stored with
// Revoked set so a replay can be detected.
type RefreshToken struct {
	Token     string           `json:"token"`
	ClientID  string           `json:"client_id"`
	User      *User            `json:"user"`
	SessionID string           `json:"session_id,omitempty"`
	Scopes    []string         `json:"scopes"`
	IDToken   *idtoken.IDToken `json:"id_token,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Revoked   bool             `json:"revoked,omitempty"`
	RevokedAt time.Time        `json:"revoked_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// DeviceToken tracks a pending RFC 8628 device authorization.
type DeviceToken struct {
	DeviceCode string      `json:"device_code"`
	UserCode   string      `json:"user_code"`
	ClientID   string      `json:"client_id"`
	Scopes     []string    `json:"scopes"`
	User       *User       `json:"user,omitempty"`
	LoginEvent *LoginEvent `json:"login_event,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Expired reports whether the device token is past its expiry at now.
func (d *DeviceToken) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// SweepResult counts what a DeleteExpired pass removed.
type SweepResult struct {
	Codes         int
	AccessTokens  int
	RefreshTokens int
	DeviceTokens  int
}

// Total returns the number of removed records.
func (r SweepResult) Total() int {
	return r.Codes + r.AccessTokens + r.RefreshTokens + r.DeviceTokens
}
