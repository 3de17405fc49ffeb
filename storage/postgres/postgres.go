// Package postgres stores the provider registry and the user directory in
// PostgreSQL through a pgx connection pool. The schema is managed with
// goose migrations embedded in the binary; call Migrate before first use.
//
// Client secrets are sealed with security.Encryptor when one is configured,
// bound to the client ID so a sealed value cannot be moved between rows.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const backendName = "postgres"

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config configures the PostgreSQL store.
type Config struct {
	// DSN is a libpq connection string or URL (required).
	DSN string

	// MaxConns caps the pool size. Default: pgxpool's default.
	MaxConns int32

	// Encryptor seals client secrets at rest. Optional.
	Encryptor *security.Encryptor

	Logger *slog.Logger
}

// Store implements storage.ProviderStore and storage.UserStore.
type Store struct {
	pool   *pgxpool.Pool
	enc    *security.Encryptor
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.ProviderStore = (*Store)(nil)
	_ storage.UserStore     = (*Store)(nil)
)

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connected to PostgreSQL storage",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"secret_encryption", cfg.Encryptor.IsEnabled())

	return &Store{pool: pool, enc: cfg.Encryptor, logger: logger}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// SetInstrumentation enables spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

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
// ProviderStore
// ============================================================

const providerColumns = `client_id, client_secret, record`

// GetProvider returns the provider registered under clientID.
func (s *Store) GetProvider(ctx context.Context, clientID string) (_ *storage.Provider, err error) {
	ctx, done := s.observe(ctx, "get_provider")
	defer done(&err)

	row := s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE client_id = $1`, clientID)
	return s.scanProvider(row)
}

// GetProviderBySlug returns the provider bound to the application slug.
func (s *Store) GetProviderBySlug(ctx context.Context, slug string) (_ *storage.Provider, err error) {
	ctx, done := s.observe(ctx, "get_provider_by_slug")
	defer done(&err)

	row := s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE slug = $1`, slug)
	return s.scanProvider(row)
}

// ListProviders returns every provider ordered by client ID.
func (s *Store) ListProviders(ctx context.Context) ([]*storage.Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []*storage.Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return out, nil
}

// SaveProvider creates or replaces a provider.
func (s *Store) SaveProvider(ctx context.Context, p *storage.Provider) (err error) {
	ctx, done := s.observe(ctx, "save_provider")
	defer done(&err)

	if p == nil || p.ClientID == "" {
		return errors.New("provider client_id cannot be empty")
	}
	secret, err := s.enc.Seal(p.ClientSecret, p.ClientID)
	if err != nil {
		return fmt.Errorf("failed to seal client secret: %w", err)
	}
	record := p.Clone()
	record.ClientSecret = ""
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal provider: %w", err)
	}
	var slug *string
	if p.Application != nil && p.Application.Slug != "" {
		slug = &p.Application.Slug
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO providers (client_id, slug, client_secret, record, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (client_id) DO UPDATE
		SET slug = EXCLUDED.slug,
		    client_secret = EXCLUDED.client_secret,
		    record = EXCLUDED.record,
		    updated_at = now()`,
		p.ClientID, slug, secret, data)
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}
	s.logger.Debug("Saved provider", "client_id", p.ClientID)
	return nil
}

// DeleteProvider removes a provider. Deleting a missing provider is not an error.
func (s *Store) DeleteProvider(ctx context.Context, clientID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM providers WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}

func (s *Store) scanProvider(row pgx.Row) (*storage.Provider, error) {
	var (
		clientID, secret string
		record           []byte
	)
	if err := row.Scan(&clientID, &secret, &record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to read provider: %w", err)
	}
	var p storage.Provider
	if err := json.Unmarshal(record, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider %q: %w", clientID, err)
	}
	plain, err := s.enc.Open(secret, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to open client secret of %q: %w", clientID, err)
	}
	p.ClientID = clientID
	p.ClientSecret = plain
	return &p, nil
}
