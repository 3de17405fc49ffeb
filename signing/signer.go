package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oidc-provider/storage"
)

// Token types used in the JWS "typ" header.
const (
	TypeJWT       = "JWT"
	TypeLogoutJWT = "logout+jwt"
)

var (
	// ErrHashedSecret is returned when an HS256 provider only has a bcrypt hash.
	ErrHashedSecret = errors.New("HS256 signing needs the plaintext client secret")
	// ErrInvalidToken covers every signature, format or expiry failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Signer mints and verifies JWTs on behalf of providers.
type Signer struct {
	keys *Keyring
	now  func() time.Time
}

// NewSigner returns a signer backed by keys.
func NewSigner(keys *Keyring) *Signer {
	if keys == nil {
		keys = NewKeyring()
	}
	return &Signer{keys: keys, now: time.Now}
}

// Keyring returns the backing keyring.
func (s *Signer) Keyring() *Keyring {
	return s.keys
}

// Sign serialises claims as a compact JWS with typ "JWT".
func (s *Signer) Sign(p *storage.Provider, claims any) (string, error) {
	return s.SignWithType(p, claims, TypeJWT)
}

// SignWithType is Sign with an explicit "typ" header.
func (s *Signer) SignWithType(p *storage.Provider, claims any, typ string) (string, error) {
	key, err := s.signingKey(p)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType(jose.ContentType(typ)))
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	raw, err := josejwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return raw, nil
}

// Verify checks a token minted by Sign for p and returns its claims.
// Tokens past their exp are rejected.
func (s *Signer) Verify(p *storage.Provider, raw string) (map[string]any, error) {
	alg := jose.SignatureAlgorithm(p.SigningAlgorithm)
	tok, err := josejwt.ParseSigned(raw, []jose.SignatureAlgorithm{alg})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	verificationKey, err := s.verificationKey(p)
	if err != nil {
		return nil, err
	}

	var std josejwt.Claims
	claims := map[string]any{}
	if err := tok.Claims(verificationKey, &std, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := std.ValidateWithLeeway(josejwt.Expected{Time: s.now()}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// JWKS returns the public keys of p. HMAC providers publish nothing.
func (s *Signer) JWKS(p *storage.Provider) (jose.JSONWebKeySet, error) {
	if !p.SigningAlgorithm.IsAsymmetric() {
		return jose.JSONWebKeySet{}, nil
	}
	key, err := s.keys.Get(p.SigningKey)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       key.Public(),
		KeyID:     key.ID,
		Algorithm: string(key.Algorithm),
		Use:       "sig",
	}}}, nil
}

func (s *Signer) signingKey(p *storage.Provider) (jose.SigningKey, error) {
	switch p.SigningAlgorithm {
	case storage.AlgHS256, "":
		secret, err := hmacSecret(p)
		if err != nil {
			return jose.SigningKey{}, err
		}
		return jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil
	case storage.AlgRS256, storage.AlgES256:
		key, err := s.keyFor(p)
		if err != nil {
			return jose.SigningKey{}, err
		}
		return jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(key.Algorithm),
			Key:       jose.JSONWebKey{Key: key.Private, KeyID: key.ID},
		}, nil
	default:
		return jose.SigningKey{}, fmt.Errorf("unsupported signing algorithm %q", p.SigningAlgorithm)
	}
}

func (s *Signer) verificationKey(p *storage.Provider) (any, error) {
	if !p.SigningAlgorithm.IsAsymmetric() {
		return hmacSecret(p)
	}
	key, err := s.keyFor(p)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

func (s *Signer) keyFor(p *storage.Provider) (*Key, error) {
	key, err := s.keys.Get(p.SigningKey)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != p.SigningAlgorithm {
		return nil, fmt.Errorf("key %q is %s, provider wants %s", key.Name, key.Algorithm, p.SigningAlgorithm)
	}
	return key, nil
}

func hmacSecret(p *storage.Provider) ([]byte, error) {
	if storage.IsHashedSecret(p.ClientSecret) {
		return nil, ErrHashedSecret
	}
	if p.ClientSecret == "" {
		return nil, errors.New("HS256 signing needs a client secret")
	}
	return []byte(p.ClientSecret), nil
}
