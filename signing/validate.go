package signing

import (
	"fmt"

	"github.com/giantswarm/oidc-provider/storage"
)

// MinHMACSecretLength is the shortest client secret usable as an HS256 key.
const MinHMACSecretLength = 32

// ValidateProvider rejects signing configurations that cannot work. It runs
// before a provider is saved; there is no fallback to HMAC at signing time.
func ValidateProvider(p *storage.Provider, keys *Keyring) error {
	switch p.SigningAlgorithm {
	case storage.AlgHS256, "":
		if !p.IsConfidential() {
			return fmt.Errorf("provider %q: public clients cannot use HS256, configure a signing key", p.ClientID)
		}
		if storage.IsHashedSecret(p.ClientSecret) {
			return fmt.Errorf("provider %q: %w", p.ClientID, ErrHashedSecret)
		}
		if len(p.ClientSecret) < MinHMACSecretLength {
			return fmt.Errorf("provider %q: client secret must be at least %d characters for HS256", p.ClientID, MinHMACSecretLength)
		}
		return nil
	case storage.AlgRS256, storage.AlgES256:
		if p.SigningKey == "" {
			return fmt.Errorf("provider %q: %s requires a signing key", p.ClientID, p.SigningAlgorithm)
		}
		if keys == nil {
			return fmt.Errorf("provider %q: %w: %q", p.ClientID, ErrKeyNotFound, p.SigningKey)
		}
		key, err := keys.Get(p.SigningKey)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.ClientID, err)
		}
		if key.Algorithm != p.SigningAlgorithm {
			return fmt.Errorf("provider %q: key %q is %s but provider uses %s", p.ClientID, key.Name, key.Algorithm, p.SigningAlgorithm)
		}
		return nil
	default:
		return fmt.Errorf("provider %q: unsupported signing algorithm %q", p.ClientID, p.SigningAlgorithm)
	}
}
