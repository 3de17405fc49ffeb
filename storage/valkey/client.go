package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-provider/storage"
)

// ============================================================
// ProviderStore Implementation
// ============================================================

// GetProvider returns the provider registered under clientID.
func (s *Store) GetProvider(ctx context.Context, clientID string) (*storage.Provider, error) {
	if !validKey(clientID, MaxIDLength) {
		return nil, storage.ErrProviderNotFound
	}
	data, err := s.client.Get(ctx, s.providerKey(clientID)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return s.decodeProvider(data)
}

// GetProviderBySlug resolves the slug index and loads the provider.
func (s *Store) GetProviderBySlug(ctx context.Context, slug string) (*storage.Provider, error) {
	if !validKey(slug, MaxIDLength) {
		return nil, storage.ErrProviderNotFound
	}
	clientID, err := s.client.Get(ctx, s.slugKey(slug)).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to resolve slug: %w", err)
	}
	return s.GetProvider(ctx, clientID)
}

// ListProviders returns every provider ordered by client ID.
func (s *Store) ListProviders(ctx context.Context) ([]*storage.Provider, error) {
	ids, err := s.client.SMembers(ctx, s.providerSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.providerKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	out := make([]*storage.Provider, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		p, err := s.decodeProvider([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveProvider creates or replaces a provider and keeps the slug index in
// step with its application.
func (s *Store) SaveProvider(ctx context.Context, p *storage.Provider) (err error) {
	ctx, done := s.observe(ctx, "save_provider")
	defer done(&err)

	if p == nil || p.ClientID == "" {
		return errors.New("provider client_id cannot be empty")
	}
	if !validKey(p.ClientID, MaxIDLength) {
		return errInputTooLarge
	}
	sealed, err := s.sealProvider(p)
	if err != nil {
		return err
	}
	data, err := marshalRecord(sealed)
	if err != nil {
		return err
	}

	previous, err := s.GetProvider(ctx, p.ClientID)
	if err != nil && !errors.Is(err, storage.ErrProviderNotFound) {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.Application != nil {
			pipe.Del(ctx, s.slugKey(previous.Application.Slug))
		}
		pipe.Set(ctx, s.providerKey(p.ClientID), data, 0)
		pipe.SAdd(ctx, s.providerSetKey(), p.ClientID)
		if p.Application != nil && p.Application.Slug != "" {
			pipe.Set(ctx, s.slugKey(p.Application.Slug), p.ClientID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}
	s.logger.Debug("Saved provider", "client_id", p.ClientID)
	return nil
}

// DeleteProvider removes a provider. Deleting a missing provider is not an error.
func (s *Store) DeleteProvider(ctx context.Context, clientID string) error {
	p, err := s.GetProvider(ctx, clientID)
	if errors.Is(err, storage.ErrProviderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.providerKey(clientID))
		pipe.SRem(ctx, s.providerSetKey(), clientID)
		if p.Application != nil {
			pipe.Del(ctx, s.slugKey(p.Application.Slug))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}

func (s *Store) decodeProvider(data []byte) (*storage.Provider, error) {
	var p storage.Provider
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider: %w", err)
	}
	if err := s.openProvider(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
