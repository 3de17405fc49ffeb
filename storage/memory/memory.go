package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	backendName      = "memory"
	tokenIDLogLength = 8
)

// sessionIndex holds the tokens minted under one session.
type sessionIndex struct {
	access  map[string]struct{}
	refresh map[string]struct{}
}

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu sync.RWMutex

	providers map[string]*storage.Provider // client ID -> provider

	codes     map[string]*storage.AuthorizationCode
	access    map[string]*storage.AccessToken
	refresh   map[string]*storage.RefreshToken
	devices   map[string]*storage.DeviceToken // device code -> token
	userCodes map[string]string               // user code -> device code
	sessions  map[string]*sessionIndex

	users        map[string]*storage.User // user ID -> user
	usernames    map[string]string        // username -> user ID
	appPasswords map[string][][]byte      // user ID -> bcrypt hashes

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

var (
	_ storage.ProviderStore = (*Store)(nil)
	_ storage.GrantStore    = (*Store)(nil)
	_ storage.UserStore     = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		providers:    make(map[string]*storage.Provider),
		codes:        make(map[string]*storage.AuthorizationCode),
		access:       make(map[string]*storage.AccessToken),
		refresh:      make(map[string]*storage.RefreshToken),
		devices:      make(map[string]*storage.DeviceToken),
		userCodes:    make(map[string]string),
		sessions:     make(map[string]*sessionIndex),
		users:        make(map[string]*storage.User),
		usernames:    make(map[string]string),
		appPasswords: make(map[string][][]byte),
		logger:       slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}
	size := func(f func() int) instrumentation.StorageSizeCallback {
		return func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(f())
		}
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		Codes:         size(func() int { return len(s.codes) }),
		AccessTokens:  size(func() int { return len(s.access) }),
		RefreshTokens: size(func() int { return len(s.refresh) }),
		DeviceTokens:  size(func() int { return len(s.devices) }),
		Providers:     size(func() int { return len(s.providers) }),
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
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
		if errp != nil && *errp != nil {
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
// ProviderStore
// ============================================================

// GetProvider returns the provider registered under clientID.
func (s *Store) GetProvider(_ context.Context, clientID string) (*storage.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[clientID]
	if !ok {
		return nil, storage.ErrProviderNotFound
	}
	return p.Clone(), nil
}

// GetProviderBySlug returns the provider bound to the application slug.
func (s *Store) GetProviderBySlug(_ context.Context, slug string) (*storage.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Application != nil && p.Application.Slug == slug {
			return p.Clone(), nil
		}
	}
	return nil, storage.ErrProviderNotFound
}

// ListProviders returns every provider ordered by client ID.
func (s *Store) ListProviders(_ context.Context) ([]*storage.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// SaveProvider creates or replaces a provider.
func (s *Store) SaveProvider(_ context.Context, p *storage.Provider) error {
	if p == nil || p.ClientID == "" {
		return fmt.Errorf("provider client_id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ClientID] = p.Clone()
	s.logger.Debug("Saved provider", "client_id", p.ClientID)
	return nil
}

// DeleteProvider removes a provider. Deleting a missing provider is not an error.
func (s *Store) DeleteProvider(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, clientID)
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a newly issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.observe(ctx, "save_authorization_code")
	defer done(&err)

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	c := *code
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = &c
	return nil
}

// GetAuthorizationCode returns a code without consuming it.
func (s *Store) GetAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

// ConsumeAuthorizationCode deletes the code under the write lock, so exactly
// one of several concurrent callers receives it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "consume_authorization_code")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	delete(s.codes, code)
	s.logger.Debug("Consumed authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return c, nil
}

// ============================================================
// TokenStore
// ============================================================

func (s *Store) index(sessionID string) *sessionIndex {
	idx, ok := s.sessions[sessionID]
	if !ok {
		idx = &sessionIndex{access: make(map[string]struct{}), refresh: make(map[string]struct{})}
		s.sessions[sessionID] = idx
	}
	return idx
}

// must hold s.mu
func (s *Store) unindex(sessionID, token string, refresh bool) {
	if sessionID == "" {
		return
	}
	idx, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if refresh {
		delete(idx.refresh, token)
	} else {
		delete(idx.access, token)
	}
	if len(idx.access) == 0 && len(idx.refresh) == 0 {
		delete(s.sessions, sessionID)
	}
}

// SaveAccessToken stores an access token and indexes it by session.
func (s *Store) SaveAccessToken(ctx context.Context, t *storage.AccessToken) (err error) {
	_, done := s.observe(ctx, "save_access_token")
	defer done(&err)

	if t == nil || t.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	cp := *t
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[t.Token] = &cp
	if t.SessionID != "" {
		s.index(t.SessionID).access[t.Token] = struct{}{}
	}
	return nil
}

// GetAccessToken returns a stored access token.
func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.access[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// DeleteAccessToken removes an access token; missing tokens yield ErrTokenNotFound.
func (s *Store) DeleteAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.access[token]
	if !ok {
		return storage.ErrTokenNotFound
	}
	delete(s.access, token)
	s.unindex(t.SessionID, token, false)
	return nil
}

// SaveRefreshToken stores a refresh token and indexes it by session.
func (s *Store) SaveRefreshToken(ctx context.Context, t *storage.RefreshToken) (err error) {
	_, done := s.observe(ctx, "save_refresh_token")
	defer done(&err)

	if t == nil || t.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRefresh(t)
	return nil
}

// must hold s.mu
func (s *Store) putRefresh(t *storage.RefreshToken) {
	cp := *t
	s.refresh[t.Token] = &cp
	if t.SessionID != "" {
		s.index(t.SessionID).refresh[t.Token] = struct{}{}
	}
}

// GetRefreshToken returns a stored refresh token, revoked or not.
func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refresh[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// DeleteRefreshToken removes a refresh token; missing tokens yield ErrTokenNotFound.
func (s *Store) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[token]
	if !ok {
		return storage.ErrTokenNotFound
	}
	delete(s.refresh, token)
	s.unindex(t.SessionID, token, true)
	return nil
}

// RotateRefreshToken revokes oldToken and stores next under one lock.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, next *storage.RefreshToken) (err error) {
	_, done := s.observe(ctx, "rotate_refresh_token")
	defer done(&err)

	if next == nil || next.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if old.Revoked {
		return storage.ErrTokenRevoked
	}
	old.Revoked = true
	old.RevokedAt = time.Now()
	s.putRefresh(next)
	return nil
}

// ListAccessTokensBySession returns the access tokens minted under sessionID.
func (s *Store) ListAccessTokensBySession(_ context.Context, sessionID string) ([]*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]*storage.AccessToken, 0, len(idx.access))
	for tok := range idx.access {
		if t, ok := s.access[tok]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RevokeSession removes every token minted under sessionID.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) (n int, err error) {
	_, done := s.observe(ctx, "revoke_session")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	for tok := range idx.access {
		if _, ok := s.access[tok]; ok {
			delete(s.access, tok)
			n++
		}
	}
	for tok := range idx.refresh {
		if _, ok := s.refresh[tok]; ok {
			delete(s.refresh, tok)
			n++
		}
	}
	delete(s.sessions, sessionID)
	return n, nil
}

// RevokeUserTokens removes the user's tokens for clientID, or for all clients.
func (s *Store) RevokeUserTokens(ctx context.Context, userID, clientID string) (n int, err error) {
	_, done := s.observe(ctx, "revoke_user_tokens")
	defer done(&err)

	match := func(u *storage.User, cid string) bool {
		return u != nil && u.ID == userID && (clientID == "" || cid == clientID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, t := range s.access {
		if match(t.User, t.ClientID) {
			delete(s.access, tok)
			s.unindex(t.SessionID, tok, false)
			n++
		}
	}
	for tok, t := range s.refresh {
		if match(t.User, t.ClientID) {
			delete(s.refresh, tok)
			s.unindex(t.SessionID, tok, true)
			n++
		}
	}
	return n, nil
}

// ============================================================
// DeviceStore
// ============================================================

// SaveDeviceToken stores a pending device authorization.
func (s *Store) SaveDeviceToken(ctx context.Context, d *storage.DeviceToken) (err error) {
	_, done := s.observe(ctx, "save_device_token")
	defer done(&err)

	if d == nil || d.DeviceCode == "" || d.UserCode == "" {
		return fmt.Errorf("device and user code cannot be empty")
	}
	cp := *d
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.userCodes[d.UserCode]; ok && existing != d.DeviceCode {
		return storage.ErrUserCodeInUse
	}
	s.devices[d.DeviceCode] = &cp
	s.userCodes[d.UserCode] = d.DeviceCode
	return nil
}

// GetDeviceToken looks a device token up by device code.
func (s *Store) GetDeviceToken(_ context.Context, deviceCode string) (*storage.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceTokenNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDeviceTokenByUserCode looks a device token up by the code the user types.
func (s *Store) GetDeviceTokenByUserCode(ctx context.Context, userCode string) (*storage.DeviceToken, error) {
	s.mu.RLock()
	deviceCode, ok := s.userCodes[userCode]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrDeviceTokenNotFound
	}
	return s.GetDeviceToken(ctx, deviceCode)
}

// BindDeviceToken attaches the approving user. Only the first call succeeds.
func (s *Store) BindDeviceToken(ctx context.Context, userCode string, user *storage.User, login *storage.LoginEvent, sessionID string) (_ *storage.DeviceToken, err error) {
	_, done := s.observe(ctx, "bind_device_token")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrDeviceTokenNotFound
	}
	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceTokenNotFound
	}
	if d.User != nil {
		return nil, storage.ErrAlreadyBound
	}
	d.User = user
	d.LoginEvent = login
	d.SessionID = sessionID
	cp := *d
	return &cp, nil
}

// DeleteDeviceToken removes a device token and its user code mapping.
func (s *Store) DeleteDeviceToken(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceCode]
	if !ok {
		return storage.ErrDeviceTokenNotFound
	}
	delete(s.devices, deviceCode)
	delete(s.userCodes, d.UserCode)
	return nil
}

// ============================================================
// Sweeper
// ============================================================

// DeleteExpired removes expired records and revoked refresh tokens whose
// revocation predates revokedBefore.
func (s *Store) DeleteExpired(ctx context.Context, now, revokedBefore time.Time) (res storage.SweepResult, err error) {
	_, done := s.observe(ctx, "delete_expired")
	defer done(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, k)
			res.Codes++
		}
	}
	for k, t := range s.access {
		if t.Expired(now) {
			delete(s.access, k)
			s.unindex(t.SessionID, k, false)
			res.AccessTokens++
		}
	}
	for k, t := range s.refresh {
		if t.Expired(now) || (t.Revoked && t.RevokedAt.Before(revokedBefore)) {
			delete(s.refresh, k)
			s.unindex(t.SessionID, k, true)
			res.RefreshTokens++
		}
	}
	for k, d := range s.devices {
		if d.Expired(now) {
			delete(s.devices, k)
			delete(s.userCodes, d.UserCode)
			res.DeviceTokens++
		}
	}
	return res, nil
}

// ============================================================
// UserStore
// ============================================================

// AddUser registers or replaces a user. Missing IDs and UUIDs are generated.
func (s *Store) AddUser(u *storage.User) *storage.User {
	cp := *u
	if cp.UUID == "" {
		cp.UUID = uuid.NewString()
	}
	if cp.ID == "" {
		cp.ID = cp.UUID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[cp.ID] = &cp
	s.usernames[cp.Username] = cp.ID
	out := cp
	return &out
}

// UpsertUser stores u, keeping the UUID of an existing user with the same ID.
func (s *Store) UpsertUser(_ context.Context, u *storage.User) (*storage.User, error) {
	if u.ID == "" {
		return nil, errors.New("user id is required")
	}
	s.mu.RLock()
	existing, ok := s.users[u.ID]
	s.mu.RUnlock()
	cp := *u
	if ok && cp.UUID == "" {
		cp.UUID = existing.UUID
	}
	return s.AddUser(&cp), nil
}

// AddAppPassword stores a bcrypt hash of password for username.
func (s *Store) AddAppPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash app password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usernames[username]
	if !ok {
		return storage.ErrUserNotFound
	}
	s.appPasswords[id] = append(s.appPasswords[id], hash)
	return nil
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(_ context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetOrCreateServiceAccount returns the service account named username,
// creating it on first use.
func (s *Store) GetOrCreateServiceAccount(_ context.Context, username, name string, attributes map[string]any) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.usernames[username]; ok {
		cp := *s.users[id]
		return &cp, nil
	}
	u := &storage.User{
		UUID:           uuid.NewString(),
		Username:       username,
		Name:           name,
		Attributes:     attributes,
		ServiceAccount: true,
	}
	u.ID = u.UUID
	s.users[u.ID] = u
	s.usernames[username] = u.ID
	s.logger.Info("Created service account", "username", username)
	cp := *u
	return &cp, nil
}

// ValidateAppPassword checks password against the user's app passwords.
func (s *Store) ValidateAppPassword(_ context.Context, username, password string) (*storage.User, error) {
	s.mu.RLock()
	id, ok := s.usernames[username]
	var hashes [][]byte
	var user storage.User
	if ok {
		hashes = s.appPasswords[id]
		user = *s.users[id]
	}
	s.mu.RUnlock()

	// bcrypt runs outside the lock.
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(password)) == nil {
			return &user, nil
		}
	}
	return nil, storage.ErrInvalidCredentials
}
