package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-provider/storage"
)

// ErrKeyNotFound is returned for an unknown keyring reference.
var ErrKeyNotFound = errors.New("signing key not found")

// Key is a named private key in the keyring.
type Key struct {
	Name      string
	ID        string // RFC 7638 thumbprint of the public key
	Algorithm storage.SigningAlgorithm
	Private   crypto.Signer
}

// Public returns the public half of the key.
func (k *Key) Public() crypto.PublicKey {
	return k.Private.Public()
}

// Keyring holds the private keys providers reference by name.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*Key)}
}

// Add registers priv under name. The algorithm follows from the key type.
func (k *Keyring) Add(name string, priv crypto.Signer) (*Key, error) {
	alg, err := algorithmFor(priv)
	if err != nil {
		return nil, err
	}
	kid, err := thumbprint(priv.Public())
	if err != nil {
		return nil, err
	}
	key := &Key{Name: name, ID: kid, Algorithm: alg, Private: priv}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[name] = key
	return key, nil
}

// Get returns the key registered under name.
func (k *Keyring) Get(name string) (*Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, name)
	}
	return key, nil
}

// Names returns the registered key names in sorted order.
func (k *Keyring) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for n := range k.keys {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LoadDir adds every *.pem file in dir, named after the file without extension.
func (k *Keyring) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return fmt.Errorf("failed to list key directory: %w", err)
	}
	for _, path := range matches {
		priv, err := LoadPEMFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, err := k.Add(name, priv); err != nil {
			return fmt.Errorf("key %s: %w", path, err)
		}
	}
	return nil
}

// LoadPEMFile reads a PKCS#8, PKCS#1 or SEC 1 private key.
func LoadPEMFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	return ParsePEM(data)
}

// ParsePEM parses the first private key block in data.
func ParsePEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", parsed)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// EncodePEM serialises priv as a PKCS#8 PEM block.
func EncodePEM(priv crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateKey creates a fresh key for alg (RS256 or ES256).
func GenerateKey(alg storage.SigningAlgorithm) (crypto.Signer, error) {
	switch alg {
	case storage.AlgRS256:
		return rsa.GenerateKey(rand.Reader, 2048)
	case storage.AlgES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("cannot generate a key for %q", alg)
	}
}

func algorithmFor(priv crypto.Signer) (storage.SigningAlgorithm, error) {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return "", fmt.Errorf("RSA key too short: %d bits", k.N.BitLen())
		}
		return storage.AlgRS256, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return "", fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
		}
		return storage.AlgES256, nil
	default:
		return "", fmt.Errorf("unsupported key type %T", priv)
	}
}

func thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
