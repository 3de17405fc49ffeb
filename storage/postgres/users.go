package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/storage"
)

const userColumns = `id, uuid, username, name, email, groups, attributes, service_account`

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, id string) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "get_user")
	defer done(&err)

	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// UpsertUser stores u under its ID. An existing user keeps its UUID; a new
// one gets u.UUID or a generated one.
func (s *Store) UpsertUser(ctx context.Context, u *storage.User) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "upsert_user")
	defer done(&err)

	if u == nil || u.ID == "" {
		return nil, errors.New("user id is required")
	}
	id := u.UUID
	if id == "" {
		id = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, uuid, username, name, email, groups, attributes, service_account, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    groups = EXCLUDED.groups,
		    attributes = EXCLUDED.attributes,
		    service_account = EXCLUDED.service_account,
		    updated_at = now()
		RETURNING `+userColumns,
		u.ID, id, u.Username, u.Name, u.Email, nonNilGroups(u.Groups), nonNilAttributes(u.Attributes), u.ServiceAccount)
	return scanUser(row)
}

// GetOrCreateServiceAccount returns the service account named username,
// creating it on first use.
func (s *Store) GetOrCreateServiceAccount(ctx context.Context, username, name string, attributes map[string]any) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "get_or_create_service_account")
	defer done(&err)

	id := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, uuid, username, name, attributes, service_account)
		VALUES ($1, $1, $2, $3, $4, true)
		ON CONFLICT (username) DO NOTHING`,
		id, username, name, nonNilAttributes(attributes))
	if err != nil {
		return nil, fmt.Errorf("failed to create service account: %w", err)
	}
	if tag.RowsAffected() == 1 {
		s.logger.Info("Created service account", "username", username)
	}
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// AddAppPassword stores a bcrypt hash of password for username.
func (s *Store) AddAppPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash app password: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO app_passwords (user_id, hash)
		SELECT id, $2 FROM users WHERE username = $1`,
		username, string(hash))
	if err != nil {
		return fmt.Errorf("failed to add app password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// ValidateAppPassword checks password against the user's app passwords.
func (s *Store) ValidateAppPassword(ctx context.Context, username, password string) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "validate_app_password")
	defer done(&err)

	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, storage.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT hash FROM app_passwords WHERE user_id = $1`, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load app passwords: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to load app passwords: %w", err)
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(password)) == nil {
			return user, nil
		}
	}
	return nil, storage.ErrInvalidCredentials
}

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.UUID, &u.Username, &u.Name, &u.Email, &u.Groups, &u.Attributes, &u.ServiceAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	if len(u.Groups) == 0 {
		u.Groups = nil
	}
	if len(u.Attributes) == 0 {
		u.Attributes = nil
	}
	return &u, nil
}

func nonNilGroups(g []string) []string {
	if g == nil {
		return []string{}
	}
	return g
}

func nonNilAttributes(a map[string]any) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	return a
}
