package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oidc:"

	// DefaultRevokedRetention is how long a rotated refresh token is kept
	// for replay detection.
	DefaultRevokedRetention = 30 * 24 * time.Hour

	// DeviceExpiryGrace keeps device tokens past their expiry before the
	// key TTL removes them.
	DeviceExpiryGrace = 10 * time.Minute

	backendName = "valkey"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// RevokedRetention bounds how long rotated refresh tokens stay readable.
	// Default: 30 days.
	RevokedRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed ProviderStore and GrantStore.
//
// Records are JSON values with a TTL matching their expiry, so the server
// expires them natively. Refresh tokens and device tokens are hashes: the
// record lives in the "data" field and the mutable state (revocation,
// binding) in a second field that the Lua scripts below test and set.
type Store struct {
	client           *redis.Client
	prefix           string
	revokedRetention time.Duration
	logger           *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// encryptor seals provider client secrets at rest.
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var (
	_ storage.ProviderStore = (*Store)(nil)
	_ storage.GrantStore    = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.RevokedRetention
	if retention <= 0 {
		retention = DefaultRevokedRetention
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		revokedRetention: retention,
		logger:           logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.logger.Info("Valkey storage connection closed")
	return s.client.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetEncryptor sets the encryptor used to seal client secrets.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Client secret encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// observe starts a span for operation and returns a func that records the
// outcome. Call it as `defer done(&err)`.
func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(*error)) {
	ctx, span := instrumentation.StartSpan(ctx, s.tracer, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, backendName)
	start := time.Now()
	return ctx, func(errp *error) {
		defer span.End()
		result := "success"
		if errp != nil && *errp != nil && !errors.Is(*errp, storage.ErrNotFound) {
			result = "error"
			instrumentation.RecordError(span, *errp)
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result,
				float64(time.Since(start).Microseconds())/1000)
		}
	}
}

// ============================================================
// Keys
// ============================================================

func (s *Store) providerKey(clientID string) string { return s.prefix + "provider:" + clientID }
func (s *Store) providerSetKey() string             { return s.prefix + "providers" }
func (s *Store) slugKey(slug string) string         { return s.prefix + "slug:" + slug }
func (s *Store) codeKey(code string) string         { return s.prefix + "code:" + code }
func (s *Store) accessKey(token string) string      { return s.prefix + "access:" + token }
func (s *Store) refreshKey(token string) string     { return s.prefix + "refresh:" + token }
func (s *Store) deviceKey(deviceCode string) string { return s.prefix + "device:" + deviceCode }
func (s *Store) userCodeKey(userCode string) string { return s.prefix + "usercode:" + userCode }

// Index sets hold full record keys. They are drained by revocation and
// pruned of expired members by DeleteExpired.
func (s *Store) sessionIndexKey(sessionID, kind string) string {
	return s.prefix + "idx:session:" + sessionID + ":" + kind
}

func (s *Store) userIndexKey(userID, clientID string) string {
	return s.prefix + "idx:user:" + userID + ":" + clientID
}

// userClientsKey lists the client IDs that have user index sets for userID.
func (s *Store) userClientsKey(userID string) string { return s.prefix + "clients:" + userID }

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// consumeScript returns and deletes a value in one step, so exactly one of
// several concurrent redemptions of an authorization code sees it.
//
// KEYS[1] = code key
var consumeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
redis.call('DEL', KEYS[1])
return data
`)

// rotateScript marks a refresh token revoked and stores its successor.
//
// KEYS[1] = old refresh key, KEYS[2] = new refresh key
// ARGV[1] = revoked_at (RFC 3339), ARGV[2] = retention in ms,
// ARGV[3] = new record, ARGV[4] = new TTL in ms (0 keeps it forever)
//
// Returns OK, NOT_FOUND or REVOKED. A revoked token keeps at most the
// retention period of TTL.
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
if redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
    return 'REVOKED'
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
local keep = tonumber(ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 or ttl > keep then
    redis.call('PEXPIRE', KEYS[1], keep)
end
redis.call('HSET', KEYS[2], 'data', ARGV[3])
local nttl = tonumber(ARGV[4])
if nttl > 0 then
    redis.call('PEXPIRE', KEYS[2], nttl)
end
return 'OK'
`)

// saveDeviceScript stores a device token and claims its user code.
//
// KEYS[1] = user code key, KEYS[2] = device key
// ARGV[1] = device code, ARGV[2] = record, ARGV[3] = binding or '',
// ARGV[4] = TTL in ms (0 keeps it forever)
//
// Returns OK, or IN_USE when the user code belongs to another device code.
var saveDeviceScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and current ~= ARGV[1] then
    return 'IN_USE'
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'data', ARGV[2])
if ARGV[3] ~= '' then
    redis.call('HSET', KEYS[2], 'binding', ARGV[3])
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
    redis.call('PEXPIRE', KEYS[2], ttl)
end
return 'OK'
`)

// bindScript attaches the approving user to a device token. Only the first
// caller sets the binding field.
//
// KEYS[1] = device key, ARGV[1] = binding
//
// Returns the record, NOT_FOUND or ALREADY_BOUND.
var bindScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
    return 'NOT_FOUND'
end
if redis.call('HSETNX', KEYS[1], 'binding', ARGV[1]) == 0 then
    return 'ALREADY_BOUND'
end
return data
`)

// deleteDeviceScript removes a device token and, when it still points at
// that token, its user code. Exactly one of several concurrent callers gets OK.
//
// KEYS[1] = device key, KEYS[2] = user code key, ARGV[1] = device code
//
// Returns OK or NOT_FOUND.
var deleteDeviceScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
if redis.call('GET', KEYS[2]) == ARGV[1] then
    redis.call('DEL', KEYS[2])
end
return 'OK'
`)

// drainScript deletes every record listed in the given index sets and the
// sets themselves. Returns the number of records that still existed.
var drainScript = redis.NewScript(`
local n = 0
for _, idx in ipairs(KEYS) do
    local members = redis.call('SMEMBERS', idx)
    for _, key in ipairs(members) do
        n = n + redis.call('DEL', key)
    end
    redis.call('DEL', idx)
end
return n
`)

// Script status replies.
const (
	replyOK           = "OK"
	replyNotFound     = "NOT_FOUND"
	replyRevoked      = "REVOKED"
	replyInUse        = "IN_USE"
	replyAlreadyBound = "ALREADY_BOUND"
)

// ============================================================
// Sweeper
// ============================================================

// DeleteExpired prunes index sets of members whose records have expired.
// Records themselves carry TTLs and are expired by the server, so the
// returned counts are always zero.
func (s *Store) DeleteExpired(ctx context.Context, _, _ time.Time) (res storage.SweepResult, err error) {
	ctx, done := s.observe(ctx, "delete_expired")
	defer done(&err)

	pruned := 0
	err = s.scan(ctx, s.prefix+"idx:*", func(idx string) error {
		members, err := s.client.SMembers(ctx, idx).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			n, err := s.client.Exists(ctx, m).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				if err := s.client.SRem(ctx, idx, m).Err(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to prune index sets: %w", err)
	}

	err = s.scan(ctx, s.prefix+"clients:*", func(key string) error {
		userID := key[len(s.prefix+"clients:"):]
		clients, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		for _, c := range clients {
			n, err := s.client.Exists(ctx, s.userIndexKey(userID, c)).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				if err := s.client.SRem(ctx, key, c).Err(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to prune user client sets: %w", err)
	}

	if pruned > 0 {
		s.logger.Debug("Pruned expired index entries", "count", pruned)
	}
	return res, nil
}

// scan calls fn for every key matching pattern.
func (s *Store) scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ttlUntil converts an absolute expiry into a key TTL. Zero means the
// record does not expire.
func ttlUntil(expiresAt time.Time) (time.Duration, error) {
	if expiresAt.IsZero() {
		return 0, nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0, storage.ErrTokenExpired
	}
	return ttl, nil
}
