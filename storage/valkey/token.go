package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	indexAccess  = "access"
	indexRefresh = "refresh"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken stores an access token and indexes it by session and user.
func (s *Store) SaveAccessToken(ctx context.Context, t *storage.AccessToken) (err error) {
	ctx, done := s.observe(ctx, "save_access_token")
	defer done(&err)

	if t == nil || t.Token == "" {
		return errors.New("access token cannot be empty")
	}
	if !validKey(t.Token, MaxTokenLength) {
		return errInputTooLarge
	}
	ttl, err := ttlUntil(t.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := marshalRecord(t)
	if err != nil {
		return err
	}
	key := s.accessKey(t.Token)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		s.index(ctx, pipe, key, indexAccess, t.SessionID, t.User, t.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// GetAccessToken returns a stored access token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if !validKey(token, MaxTokenLength) {
		return nil, storage.ErrTokenNotFound
	}
	data, err := s.client.Get(ctx, s.accessKey(token)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	var t storage.AccessToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return &t, nil
}

// DeleteAccessToken removes an access token; missing tokens yield ErrTokenNotFound.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	t, err := s.GetAccessToken(ctx, token)
	if err != nil {
		return err
	}
	key := s.accessKey(token)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		s.unindex(ctx, pipe, key, indexAccess, t.SessionID, t.User, t.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// SaveRefreshToken stores a refresh token and indexes it by session and user.
func (s *Store) SaveRefreshToken(ctx context.Context, t *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "save_refresh_token")
	defer done(&err)

	if t == nil || t.Token == "" {
		return errors.New("refresh token cannot be empty")
	}
	if !validKey(t.Token, MaxTokenLength) {
		return errInputTooLarge
	}
	ttl, err := ttlUntil(t.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := marshalRefresh(t)
	if err != nil {
		return err
	}
	key := s.refreshKey(t.Token)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "data", data)
		if t.Revoked {
			pipe.HSet(ctx, key, "revoked_at", t.RevokedAt.UTC().Format(time.RFC3339Nano))
		}
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		s.index(ctx, pipe, key, indexRefresh, t.SessionID, t.User, t.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns a stored refresh token, revoked or not.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if !validKey(token, MaxTokenLength) {
		return nil, storage.ErrTokenNotFound
	}
	fields, err := s.client.HMGet(ctx, s.refreshKey(token), "data", "revoked_at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	data, ok := fields[0].(string)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	var t storage.RefreshToken
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if revokedAt, ok := fields[1].(string); ok {
		t.Revoked = true
		t.RevokedAt, err = time.Parse(time.RFC3339Nano, revokedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse revocation time: %w", err)
		}
	}
	return &t, nil
}

// DeleteRefreshToken removes a refresh token; missing tokens yield ErrTokenNotFound.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	t, err := s.GetRefreshToken(ctx, token)
	if err != nil {
		return err
	}
	key := s.refreshKey(token)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		s.unindex(ctx, pipe, key, indexRefresh, t.SessionID, t.User, t.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken revokes oldToken and stores next in one script run.
// Of two concurrent rotations of the same token the second sees REVOKED.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, next *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "rotate_refresh_token")
	defer done(&err)

	if next == nil || next.Token == "" {
		return errors.New("refresh token cannot be empty")
	}
	if !validKey(oldToken, MaxTokenLength) {
		return storage.ErrTokenNotFound
	}
	if !validKey(next.Token, MaxTokenLength) {
		return errInputTooLarge
	}
	ttl, err := ttlUntil(next.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := marshalRefresh(next)
	if err != nil {
		return err
	}

	nextKey := s.refreshKey(next.Token)
	reply, err := rotateScript.Run(ctx, s.client,
		[]string{s.refreshKey(oldToken), nextKey},
		time.Now().UTC().Format(time.RFC3339Nano),
		s.revokedRetention.Milliseconds(),
		string(data),
		ttl.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	switch reply {
	case replyNotFound:
		return storage.ErrTokenNotFound
	case replyRevoked:
		return storage.ErrTokenRevoked
	case replyOK:
	default:
		return fmt.Errorf("unexpected rotate reply %q", reply)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.index(ctx, pipe, nextKey, indexRefresh, next.SessionID, next.User, next.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index rotated refresh token: %w", err)
	}
	s.logger.Debug("Rotated refresh token", "token_prefix", util.SafeTruncate(oldToken, tokenIDLogLength))
	return nil
}

// ListAccessTokensBySession returns the access tokens minted under sessionID.
func (s *Store) ListAccessTokensBySession(ctx context.Context, sessionID string) ([]*storage.AccessToken, error) {
	if sessionID == "" {
		return nil, nil
	}
	keys, err := s.client.SMembers(ctx, s.sessionIndexKey(sessionID, indexAccess)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session tokens: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session tokens: %w", err)
	}
	out := make([]*storage.AccessToken, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var t storage.AccessToken
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RevokeSession removes every token minted under sessionID.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) (n int, err error) {
	ctx, done := s.observe(ctx, "revoke_session")
	defer done(&err)

	if sessionID == "" {
		return 0, nil
	}
	return s.drain(ctx,
		s.sessionIndexKey(sessionID, indexAccess),
		s.sessionIndexKey(sessionID, indexRefresh),
	)
}

// RevokeUserTokens removes the user's tokens for clientID, or for all clients.
func (s *Store) RevokeUserTokens(ctx context.Context, userID, clientID string) (n int, err error) {
	ctx, done := s.observe(ctx, "revoke_user_tokens")
	defer done(&err)

	if userID == "" {
		return 0, nil
	}
	if clientID != "" {
		n, err = s.drain(ctx, s.userIndexKey(userID, clientID))
		if err != nil {
			return 0, err
		}
		return n, s.client.SRem(ctx, s.userClientsKey(userID), clientID).Err()
	}

	clients, err := s.client.SMembers(ctx, s.userClientsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user clients: %w", err)
	}
	if len(clients) == 0 {
		return 0, nil
	}
	keys := make([]string, len(clients))
	for i, c := range clients {
		keys[i] = s.userIndexKey(userID, c)
	}
	n, err = s.drain(ctx, keys...)
	if err != nil {
		return 0, err
	}
	return n, s.client.Del(ctx, s.userClientsKey(userID)).Err()
}

func (s *Store) drain(ctx context.Context, indexKeys ...string) (int, error) {
	n, err := drainScript.Run(ctx, s.client, indexKeys).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return n, nil
}

// index queues the SADDs that make key reachable from its session and user.
func (s *Store) index(ctx context.Context, pipe redis.Pipeliner, key, kind, sessionID string, user *storage.User, clientID string) {
	if sessionID != "" {
		pipe.SAdd(ctx, s.sessionIndexKey(sessionID, kind), key)
	}
	if user != nil && user.ID != "" {
		pipe.SAdd(ctx, s.userIndexKey(user.ID, clientID), key)
		pipe.SAdd(ctx, s.userClientsKey(user.ID), clientID)
	}
}

func (s *Store) unindex(ctx context.Context, pipe redis.Pipeliner, key, kind, sessionID string, user *storage.User, clientID string) {
	if sessionID != "" {
		pipe.SRem(ctx, s.sessionIndexKey(sessionID, kind), key)
	}
	if user != nil && user.ID != "" {
		pipe.SRem(ctx, s.userIndexKey(user.ID, clientID), key)
	}
}

// marshalRefresh encodes t without its revocation state, which lives in
// the revoked_at hash field.
func marshalRefresh(t *storage.RefreshToken) ([]byte, error) {
	cp := *t
	cp.Revoked, cp.RevokedAt = false, time.Time{}
	return marshalRecord(&cp)
}
