package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/storage"
)

// ClientAssertionTypeJWTBearer is the RFC 7523 client_assertion_type.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" //nolint:gosec // not a credential

// Client authentication methods, as reported in metrics and discovery.
const (
	AuthMethodBasic        = "client_secret_basic"
	AuthMethodPost         = "client_secret_post"
	AuthMethodJWTAssertion = "client_secret_jwt"
	AuthMethodNone         = "none"
)

// ClientAuth is how a client presented itself at a back-channel endpoint.
// It is one of BasicAuth, PostBodyAuth or JWTAssertionAuth.
type ClientAuth interface {
	ClientID() string
	Method() string
}

// BasicAuth is HTTP Basic client authentication.
type BasicAuth struct {
	ID     string
	Secret string
}

func (a BasicAuth) ClientID() string { return a.ID }
func (a BasicAuth) Method() string   { return AuthMethodBasic }

// PostBodyAuth carries client_id and client_secret form parameters. Public
// clients send no secret.
type PostBodyAuth struct {
	ID     string
	Secret string
}

func (a PostBodyAuth) ClientID() string { return a.ID }

func (a PostBodyAuth) Method() string {
	if a.Secret == "" {
		return AuthMethodNone
	}
	return AuthMethodPost
}

// JWTAssertionAuth is a jwt-bearer client assertion.
type JWTAssertionAuth struct {
	ID        string
	Assertion string
}

func (a JWTAssertionAuth) ClientID() string { return a.ID }
func (a JWTAssertionAuth) Method() string   { return AuthMethodJWTAssertion }

// AssertionSource says which key verified a client assertion.
type AssertionSource int

const (
	// AssertionOwnKey: a client_secret_jwt over the provider's own secret.
	AssertionOwnKey AssertionSource = iota + 1
	// AssertionExternalJWKS: one of the provider's JWKSSources.
	AssertionExternalJWKS
	// AssertionPeerProvider: an access token of a trusted peer provider.
	AssertionPeerProvider
)

func (a AssertionSource) String() string {
	switch a {
	case AssertionOwnKey:
		return "own_key"
	case AssertionExternalJWKS:
		return "jwks"
	case AssertionPeerProvider:
		return "peer_provider"
	}
	return "unknown"
}

// ParseClientAuth extracts client credentials from r. r.ParseForm must have
// been called. Credentials in both the header and the body are rejected
// when they disagree.
func ParseClientAuth(r *http.Request) (ClientAuth, error) {
	form := r.PostForm
	if user, pass, ok := r.BasicAuth(); ok {
		id, err := url.QueryUnescape(user)
		if err != nil {
			return nil, errInvalidRequest("malformed Authorization header")
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return nil, errInvalidRequest("malformed Authorization header")
		}
		if bodyID := form.Get("client_id"); bodyID != "" && bodyID != id {
			return nil, errInvalidRequest("client_id does not match Authorization header")
		}
		return BasicAuth{ID: id, Secret: secret}, nil
	}
	if form.Get("client_assertion_type") == ClientAssertionTypeJWTBearer {
		assertion := form.Get("client_assertion")
		if assertion == "" {
			assertion = form.Get("client_secret")
		}
		return JWTAssertionAuth{ID: form.Get("client_id"), Assertion: assertion}, nil
	}
	return PostBodyAuth{ID: form.Get("client_id"), Secret: form.Get("client_secret")}, nil
}

var errBadSecret = errors.New("client secret mismatch")

// AuthenticateClient resolves and authenticates the provider behind auth.
// JWT assertions must be client_secret_jwt assertions; the
// client_credentials grant has its own, wider assertion handling.
func (s *Server) AuthenticateClient(ctx context.Context, auth ClientAuth) (*storage.Provider, error) {
	if auth == nil || auth.ClientID() == "" {
		return nil, s.clientAuthFailed(ctx, auth, errors.New("missing client_id"))
	}
	p, err := s.providers.GetProvider(ctx, auth.ClientID())
	if err != nil {
		return nil, s.clientAuthFailed(ctx, auth, err)
	}

	switch a := auth.(type) {
	case BasicAuth:
		err = checkSecret(p, a.Secret)
	case PostBodyAuth:
		err = checkSecret(p, a.Secret)
	case JWTAssertionAuth:
		err = s.verifyClientSecretJWT(p, a.Assertion)
	default:
		err = fmt.Errorf("unsupported client authentication %T", auth)
	}
	if err != nil {
		return nil, s.clientAuthFailed(ctx, auth, err)
	}
	return p, nil
}

// tokenEndpointPath is where clients address their assertions.
const tokenEndpointPath = "/application/o/token/"

var errNoSharedSecret = errors.New("client has no plaintext secret to verify an HS256 assertion")

// verifyClientSecretJWT accepts only RFC 7523 client_secret_jwt assertions:
// HS256 over the plaintext client secret, iss and sub equal to the client
// ID, an audience naming this server, and both exp and jti present. Tokens
// the provider issued itself are never client credentials.
func (s *Server) verifyClientSecretJWT(p *storage.Provider, raw string) error {
	if !p.IsConfidential() || p.ClientSecret == "" || storage.IsHashedSecret(p.ClientSecret) {
		return errNoSharedSecret
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(p.ClientSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.ClientID),
		jwt.WithSubject(p.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.Config.ClockSkew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return err
	}
	if iss, _ := claims.GetIssuer(); slices.Contains([]string{s.Issuer(p), s.Config.Issuer, s.Config.Issuer + "/"}, iss) {
		return errors.New("assertion was issued by this server")
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		return errors.New("assertion has no jti")
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return err
	}
	accepted := []string{s.Config.Issuer, s.Config.Issuer + "/", s.Issuer(p), s.Config.Issuer + tokenEndpointPath}
	for _, a := range aud {
		if slices.Contains(accepted, a) {
			return nil
		}
	}
	return errors.New("assertion audience does not name this server")
}

// checkSecret compares secret with p's plaintext or bcrypt-hashed secret.
// Public clients authenticate by client_id alone.
func checkSecret(p *storage.Provider, secret string) error {
	if !p.IsConfidential() {
		return nil
	}
	if secret == "" {
		return errBadSecret
	}
	if storage.IsHashedSecret(p.ClientSecret) {
		if bcrypt.CompareHashAndPassword([]byte(p.ClientSecret), []byte(secret)) != nil {
			return errBadSecret
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(p.ClientSecret), []byte(secret)) != 1 {
		return errBadSecret
	}
	return nil
}

func (s *Server) clientAuthFailed(ctx context.Context, auth ClientAuth, cause error) *Error {
	clientID, method := "", AuthMethodNone
	if auth != nil {
		clientID, method = auth.ClientID(), auth.Method()
	}
	s.Logger.Debug("Client authentication failed", "client_id", clientID, "method", method, "error", cause)
	s.Auditor.LogAuthFailure("", clientID, "", "client_authentication_failed")
	if m := s.metrics(); m != nil {
		m.RecordClientAuthFailed(ctx, method)
	}
	e := errInvalidClient(cause)
	if _, ok := auth.(BasicAuth); ok {
		e.Status = http.StatusUnauthorized
	}
	return e
}
