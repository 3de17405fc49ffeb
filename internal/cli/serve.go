package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oidc-provider"
	"github.com/giantswarm/oidc-provider/authn/upstream"
	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/config"
	"github.com/giantswarm/oidc-provider/logout"
	"github.com/giantswarm/oidc-provider/logout/amqpqueue"
	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
	"github.com/giantswarm/oidc-provider/storage/postgres"
	"github.com/giantswarm/oidc-provider/storage/valkey"
)

const (
	shutdownTimeout    = 15 * time.Second
	outboundTimeout    = 30 * time.Second
	sessionSweepPeriod = 10 * time.Minute
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Loads the configuration, connects the configured stores, synchronises the
providers file and serves the OAuth and OpenID Connect endpoints until it
receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

// loadConfig loads the env file and the configuration and builds the logger
// it asks for.
func loadConfig(opts *rootOptions, out io.Writer) (config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(opts.configPath, slog.New(slog.NewTextHandler(out, nil)))
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.Log, out)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(out, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(out, opts)), nil
}

// userDirectory is what both the server and the upstream login need from
// the user store.
type userDirectory interface {
	storage.UserStore
	upstream.Users
}

// app is a fully wired provider.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	inst       *instrumentation.Instrumentation
	server     *server.Server
	handler    *oauth.Handler
	flow       *upstream.Flow
	sync       *config.ProviderSync
	queue      logout.Queue
	dispatcher *logout.Dispatcher

	closers []func()
}

// newApp builds every component named by cfg. On error, whatever was
// already opened is closed.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName:    instrumentation.DefaultServiceName,
		ServiceVersion: appVersion,
		Enabled:        cfg.Metrics.Enabled,
		LogClientIPs:   cfg.Metrics.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise instrumentation: %w", err)
	}
	inst := a.inst
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = inst.Shutdown(shutdownCtx)
	})

	auditor := security.NewAuditor(logger, true)
	auditor.SetMetrics(a.inst.Metrics())

	storeEnc, cookieEnc, err := encryptors(cfg, logger)
	if err != nil {
		return nil, err
	}

	keys := signing.NewKeyring()
	if cfg.KeysDir != "" {
		if err := keys.LoadDir(cfg.KeysDir); err != nil {
			return nil, fmt.Errorf("failed to load signing keys: %w", err)
		}
		logger.Info("Loaded signing keys", "dir", cfg.KeysDir, "keys", keys.Names())
	}
	signer := signing.NewSigner(keys)

	registry := claims.NewRegistry(claims.DefaultMappings()...)
	if err := registry.LoadConfigs(cfg.ScopeMappings); err != nil {
		return nil, fmt.Errorf("invalid scope mapping: %w", err)
	}
	builder := claims.NewBuilder(claims.Config{
		BaseURL:  cfg.Issuer,
		Salt:     cfg.SubjectSalt,
		Mappings: registry,
		Logger:   logger,
	})
	engine, err := policy.NewEngine(0)
	if err != nil {
		return nil, err
	}

	providers, grants, users, err := a.openStores(ctx, storeEnc)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: outboundTimeout}
	remoteKeys, err := signing.NewRemoteKeySet(ctx, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote key set: %w", err)
	}

	a.server, err = server.New(server.Config{
		Issuer:            cfg.Issuer,
		Providers:         providers,
		Grants:            grants,
		Users:             users,
		Signer:            signer,
		Claims:            builder,
		Policy:            engine,
		RemoteKeys:        remoteKeys,
		Auditor:           auditor,
		Instrumentation:   a.inst,
		Logger:            logger,
		AllowInsecureHTTP: cfg.AllowInsecureHTTP,
		RevokedRetention:  cfg.RevokedRetention,
		SweepInterval:     cfg.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.ProvidersFile != "" {
		a.sync = config.NewProviderSync(cfg.ProvidersFile, providers, keys, cfg.AllowInsecureHTTP, logger)
		if _, err := a.sync.Sync(ctx); err != nil {
			return nil, err
		}
	}

	if err := a.openLogoutQueue(); err != nil {
		return nil, err
	}
	coordinator, err := logout.NewCoordinator(logout.Config{
		Providers:       providers,
		Tokens:          grants,
		Signer:          signer,
		Claims:          builder,
		Queue:           a.queue,
		Auditor:         auditor,
		Instrumentation: a.inst,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	a.dispatcher = logout.NewDispatcher(logout.DispatcherConfig{
		HTTPClient:      httpClient,
		MaxAttempts:     cfg.Logout.MaxAttempts,
		AllowInternal:   cfg.Logout.AllowInternal,
		Auditor:         auditor,
		Instrumentation: a.inst,
		Logger:          logger,
	})

	hcfg := oauth.Config{
		Server:      a.server,
		Coordinator: coordinator,
		ClientIP: security.ClientIPResolver{
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.TrustedProxyCount,
		},
		DeviceRequestsPerHour: cfg.DeviceRequestsPerHour,
		Instrumentation:       a.inst,
		Logger:                logger,
	}

	if cfg.Upstream.IssuerURL != "" {
		a.flow, err = upstream.New(ctx, upstream.Config{
			IssuerURL:     cfg.Upstream.IssuerURL,
			ClientID:      cfg.Upstream.ClientID,
			ClientSecret:  cfg.Upstream.ClientSecret,
			RedirectURL:   strings.TrimRight(cfg.Issuer, "/") + oauth.PathLoginCallback,
			Scopes:        cfg.Upstream.Scopes,
			GroupsClaim:   cfg.Upstream.GroupsClaim,
			Encryptor:     cookieEnc,
			Users:         users,
			SessionTTL:    cfg.Upstream.SessionTTL,
			SecureCookies: cfg.SecureCookies(),
			HTTPClient:    httpClient,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up upstream login: %w", err)
		}
		hcfg.Flow = a.flow
		hcfg.Callback = a.flow

		if jwksURL := a.flow.JWKSURL(); jwksURL != "" {
			receiver, err := logout.NewReceiver(logout.ReceiverConfig{
				Issuer:      a.flow.Issuer(),
				Audience:    a.flow.ClientID(),
				Keyfunc:     remoteKeys.Keyfunc(ctx, jwksURL),
				Sessions:    a.flow.Sessions(),
				Coordinator: coordinator,
				Auditor:     auditor,
				Logger:      logger,
			})
			if err != nil {
				return nil, err
			}
			hcfg.Receiver = receiver
		} else {
			logger.Warn("Upstream publishes no JWKS, back-channel logout from it is disabled")
		}
	} else {
		logger.Warn("No upstream configured, interactive login is disabled")
	}

	a.handler, err = oauth.NewHandler(hcfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.handler.Close)
	return a, nil
}

// encryptors returns the encryptor for stored secrets, which is nil unless a
// key is configured, and the one for cookies, which falls back to an
// ephemeral key.
func encryptors(cfg config.Config, logger *slog.Logger) (store, cookies *security.Encryptor, err error) {
	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return nil, nil, err
		}
		return enc, enc, nil
	}

	logger.Warn("No encryption key configured, login sessions will not survive a restart",
		"env", config.EnvEncryptionKey)
	key, err := security.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, nil, err
	}
	return nil, enc, nil
}

func (a *app) openStores(ctx context.Context, enc *security.Encryptor) (storage.ProviderStore, storage.GrantStore, userDirectory, error) {
	cfg := a.cfg.Storage
	var (
		mem *memory.Store
		vk  *valkey.Store
		pg  *postgres.Store
	)

	if a.cfg.UsesBackend(config.BackendMemory) {
		mem = memory.New()
		mem.SetLogger(a.logger)
		mem.SetInstrumentation(a.inst)
	}

	if a.cfg.UsesBackend(config.BackendValkey) {
		var tlsConfig *tls.Config
		if cfg.Valkey.TLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(valkey.Config{
			Address:          cfg.Valkey.Address,
			Password:         cfg.Valkey.Password,
			DB:               cfg.Valkey.DB,
			KeyPrefix:        cfg.Valkey.KeyPrefix,
			TLS:              tlsConfig,
			RevokedRetention: a.cfg.RevokedRetention,
			Logger:           a.logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		store.SetInstrumentation(a.inst)
		if enc != nil {
			store.SetEncryptor(enc)
		}
		vk = store
		a.closers = append(a.closers, func() { _ = store.Close() })
	}

	if a.cfg.UsesBackend(config.BackendPostgres) {
		store, err := postgres.New(ctx, postgres.Config{
			DSN:       cfg.Postgres.DSN,
			MaxConns:  cfg.Postgres.MaxConns,
			Encryptor: enc,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		store.SetInstrumentation(a.inst)
		pg = store
	}

	var providers storage.ProviderStore
	switch cfg.Providers {
	case config.BackendValkey:
		providers = vk
	case config.BackendPostgres:
		providers = pg
	default:
		providers = mem
	}

	var grants storage.GrantStore = mem
	if cfg.Grants == config.BackendValkey {
		grants = vk
	}

	var users userDirectory = mem
	if cfg.Users == config.BackendPostgres {
		users = pg
	}

	a.logger.Info("Opened stores",
		"providers", cfg.Providers,
		"grants", cfg.Grants,
		"users", cfg.Users)
	return providers, grants, users, nil
}

func (a *app) openLogoutQueue() error {
	if a.cfg.Logout.AMQPURL == "" {
		a.queue = logout.NewMemoryQueue(a.cfg.Logout.QueueSize, a.cfg.Logout.Workers)
	} else {
		q, err := amqpqueue.Dial(amqpqueue.Config{
			URL:    a.cfg.Logout.AMQPURL,
			Queue:  a.cfg.Logout.Queue,
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
		a.queue = q
	}
	q := a.queue
	a.closers = append(a.closers, func() { _ = q.Close() })
	return nil
}

// Handler returns the HTTP handler of every endpoint.
func (a *app) Handler() http.Handler {
	return a.handler.Routes()
}

// Run serves HTTP and runs the background workers until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("Starting OIDC provider",
			"listen", a.cfg.Listen,
			"issuer", a.cfg.Issuer,
			"version", appVersion)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.server.Sweeper().Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.dispatcher.Run(ctx, a.queue)
	})
	if a.flow != nil {
		sessions := a.flow.Sessions()
		g.Go(func() error {
			ticker := time.NewTicker(sessionSweepPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n := sessions.Sweep(); n > 0 {
						a.logger.Debug("Swept expired login sessions", "count", n)
					}
				}
			}
		})
	}
	if a.sync != nil {
		g.Go(func() error {
			return a.sync.Watch(ctx, 0)
		})
	}

	return g.Wait()
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
