package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oidc-provider/internal/config"
	"github.com/giantswarm/oidc-provider/storage/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations and exit",
		Long: `Applies the embedded schema migrations to the database named by
storage.postgres.dsn. serve applies them on start too; migrate lets a
deployment run them as a separate step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !cfg.UsesBackend(config.BackendPostgres) {
				return errors.New("no store is configured with the postgres backend")
			}
			store, err := postgres.New(cmd.Context(), postgres.Config{
				DSN:      cfg.Storage.Postgres.DSN,
				MaxConns: cfg.Storage.Postgres.MaxConns,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate(cmd.Context())
		},
	}
}
