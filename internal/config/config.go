// Package config loads the oidc-provider binary configuration: a YAML file,
// an optional .env file and environment overrides for secrets. It also
// loads the provider registry file and keeps the provider store in sync with
// it while the server runs.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oidc-provider/claims"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// DefaultListen is the address the server binds when none is configured.
const DefaultListen = ":9000"

// Environment variables that override file values. Secrets belong here
// rather than in the YAML file.
const (
	EnvIssuer               = "OIDC_ISSUER"
	EnvSubjectSalt          = "OIDC_SUBJECT_SALT"
	EnvEncryptionKey        = "OIDC_ENCRYPTION_KEY"
	EnvUpstreamClientSecret = "OIDC_UPSTREAM_CLIENT_SECRET"
	EnvPostgresDSN          = "OIDC_POSTGRES_DSN"
	EnvValkeyPassword       = "OIDC_VALKEY_PASSWORD"
	EnvAMQPURL              = "OIDC_AMQP_URL"
	EnvLogLevel             = "OIDC_LOG_LEVEL"
)

// Config is the binary configuration.
type Config struct {
	// Issuer is the externally visible base URL.
	Issuer string `yaml:"issuer"`
	Listen string `yaml:"listen"`

	AllowInsecureHTTP bool   `yaml:"allow_insecure_http"`
	SubjectSalt       string `yaml:"subject_salt"`

	// KeysDir holds the PEM signing keys, one file per key name.
	KeysDir string `yaml:"keys_dir"`
	// ProvidersFile is the YAML provider registry. It is reloaded on change.
	ProvidersFile string `yaml:"providers_file"`

	// EncryptionKey is a base64 AES-256 key sealing cookies and stored
	// client secrets.
	EncryptionKey string `yaml:"encryption_key"`

	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`

	DeviceRequestsPerHour int           `yaml:"device_requests_per_hour"`
	RevokedRetention      time.Duration `yaml:"revoked_retention"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`

	// ScopeMappings are CEL scope mappings added to the built-in ones.
	ScopeMappings []claims.MappingConfig `yaml:"scope_mappings"`

	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logout   LogoutConfig   `yaml:"logout"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig selects where providers, grants and users live.
type StorageConfig struct {
	Providers string `yaml:"providers"` // memory, valkey or postgres
	Grants    string `yaml:"grants"`    // memory or valkey
	Users     string `yaml:"users"`     // memory or postgres

	Valkey   ValkeyConfig   `yaml:"valkey"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// ValkeyConfig configures the Valkey connection.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// PostgresConfig configures the PostgreSQL connection.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// UpstreamConfig configures the upstream OpenID provider users log in with.
// Without an issuer_url the provider runs without interactive login.
type UpstreamConfig struct {
	IssuerURL     string        `yaml:"issuer_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Scopes        []string      `yaml:"scopes"`
	GroupsClaim   string        `yaml:"groups_claim"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SecureCookies *bool         `yaml:"secure_cookies"`
}

// LogoutConfig configures back-channel logout delivery.
type LogoutConfig struct {
	// AMQPURL selects the RabbitMQ queue; empty uses the in-process queue.
	AMQPURL       string `yaml:"amqp_url"`
	Queue         string `yaml:"queue"`
	QueueSize     int    `yaml:"queue_size"`
	Workers       int    `yaml:"workers"`
	MaxAttempts   uint   `yaml:"max_attempts"`
	AllowInternal bool   `yaml:"allow_internal"`
}

// MetricsConfig configures OpenTelemetry instrumentation.
type MetricsConfig struct {
	Enabled      bool `yaml:"enabled"`
	LogClientIPs bool `yaml:"log_client_ips"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:                DefaultListen,
		DeviceRequestsPerHour: 20,
		Storage: StorageConfig{
			Providers: BackendMemory,
			Grants:    BackendMemory,
			Users:     BackendMemory,
		},
		Upstream: UpstreamConfig{
			Scopes:      []string{"openid", "profile", "email"},
			GroupsClaim: "groups",
		},
		Logout: LogoutConfig{
			QueueSize: 256,
			Workers:   4,
		},
		Log: LogConfig{Level: "info", Format: LogFormatJSON},
	}
}

// Load reads path on top of Default and applies environment overrides.
// A missing file is not an error.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("No config file found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
			}
			logger.Info("Loaded configuration", "path", path)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Issuer, EnvIssuer)
	setFromEnv(&c.SubjectSalt, EnvSubjectSalt)
	setFromEnv(&c.EncryptionKey, EnvEncryptionKey)
	setFromEnv(&c.Upstream.ClientSecret, EnvUpstreamClientSecret)
	setFromEnv(&c.Storage.Postgres.DSN, EnvPostgresDSN)
	setFromEnv(&c.Storage.Valkey.Password, EnvValkeyPassword)
	setFromEnv(&c.Logout.AMQPURL, EnvAMQPURL)
	setFromEnv(&c.Log.Level, EnvLogLevel)
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("issuer %q must be an absolute http(s) URL", c.Issuer)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if err := oneOf("storage.providers", c.Storage.Providers, BackendMemory, BackendValkey, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("storage.grants", c.Storage.Grants, BackendMemory, BackendValkey); err != nil {
		return err
	}
	if err := oneOf("storage.users", c.Storage.Users, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if c.UsesBackend(BackendValkey) && c.Storage.Valkey.Address == "" {
		return errors.New("storage.valkey.address is required by the valkey backend")
	}
	if c.UsesBackend(BackendPostgres) && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn (or %s) is required by the postgres backend", EnvPostgresDSN)
	}

	if c.Upstream.IssuerURL != "" && c.Upstream.ClientID == "" {
		return errors.New("upstream.client_id is required with upstream.issuer_url")
	}
	if c.TrustedProxyCount < 0 {
		return errors.New("trusted_proxy_count cannot be negative")
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return oneOf("log.format", c.Log.Format, LogFormatJSON, LogFormatText)
}

// UsesBackend reports whether any store is configured with backend.
func (c *Config) UsesBackend(backend string) bool {
	return c.Storage.Providers == backend || c.Storage.Grants == backend || c.Storage.Users == backend
}

// SecureCookies reports whether login cookies carry the Secure attribute.
// It defaults to true unless the issuer is plain http.
func (c *Config) SecureCookies() bool {
	if c.Upstream.SecureCookies != nil {
		return *c.Upstream.SecureCookies
	}
	return !strings.HasPrefix(c.Issuer, "http://")
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Numeric
// levels are accepted too.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return slog.Level(n), nil
	}
	return 0, fmt.Errorf("log.level: unsupported value %q", s)
}
