package valkey

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// MaxTokenLength is the maximum allowed length for token strings used as
	// key material. Access tokens are JWTs, so this is generous.
	MaxTokenLength = 8 * 1024

	// MaxIDLength is the maximum allowed length for identifiers (client IDs,
	// slugs, user and device codes)
	MaxIDLength = 256

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// validKey reports whether s may be used inside a key. Oversized lookups are
// answered as not found instead of reaching the server.
func validKey(s string, limit int) bool {
	return s != "" && len(s) <= limit
}

// marshalRecord encodes v and enforces MaxRecordSize.
func marshalRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return nil, errInputTooLarge
	}
	return data, nil
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// sealProvider returns a copy of p with its client secret sealed to the
// client ID. Without an encryptor the secret is stored as given.
func (s *Store) sealProvider(p *storage.Provider) (*storage.Provider, error) {
	out := p.Clone()
	sealed, err := s.getEncryptor().Seal(p.ClientSecret, p.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal client secret: %w", err)
	}
	out.ClientSecret = sealed
	return out, nil
}

func (s *Store) openProvider(p *storage.Provider) error {
	secret, err := s.getEncryptor().Open(p.ClientSecret, p.ClientID)
	if err != nil {
		return fmt.Errorf("failed to open client secret of %q: %w", p.ClientID, err)
	}
	p.ClientSecret = secret
	return nil
}
