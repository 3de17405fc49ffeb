package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const registrationTimeout = 5 * time.Second

// RemoteKeySet caches third-party JWKS documents and refreshes them in the
// background. URLs are registered lazily on first use.
type RemoteKeySet struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]error
}

// NewRemoteKeySet starts a JWKS cache whose refresh goroutines live as long as ctx.
func NewRemoteKeySet(ctx context.Context, httpClient *http.Client) (*RemoteKeySet, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteKeySet{cache: cache, registered: make(map[string]error)}, nil
}

func (r *RemoteKeySet) ensureRegistered(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.registered[url]; ok && err == nil {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()
	err := r.cache.Register(regCtx, url)
	if err != nil {
		err = fmt.Errorf("failed to register JWKS URL %s: %w", url, err)
	}
	r.registered[url] = err
	return err
}

// Lookup returns the current key set published at url.
func (r *RemoteKeySet) Lookup(ctx context.Context, url string) (jwk.Set, error) {
	if err := r.ensureRegistered(ctx, url); err != nil {
		return nil, err
	}
	set, err := r.cache.Lookup(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS %s: %w", url, err)
	}
	return set, nil
}

// Keyfunc builds a golang-jwt key function over the JWKS at url. A token
// naming a kid gets exactly that key; without a kid the first key whose type
// fits the token's algorithm is used.
func (r *RemoteKeySet) Keyfunc(ctx context.Context, url string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		set, err := r.Lookup(ctx, url)
		if err != nil {
			return nil, err
		}
		return keyFromSet(set, token)
	}
}

func keyFromSet(set jwk.Set, token *jwt.Token) (any, error) {
	if kid, ok := token.Header["kid"].(string); ok && kid != "" {
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return raw, nil
	}

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			continue
		}
		if keyFitsMethod(raw, token.Method) {
			return raw, nil
		}
	}
	return nil, errors.New("JWKS contains no key for the token algorithm")
}

func keyFitsMethod(key any, method jwt.SigningMethod) bool {
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		_, ok := key.(*rsa.PublicKey)
		return ok
	case *jwt.SigningMethodECDSA:
		_, ok := key.(*ecdsa.PublicKey)
		return ok
	case *jwt.SigningMethodEd25519:
		_, ok := key.(ed25519.PublicKey)
		return ok
	default:
		return false
	}
}
