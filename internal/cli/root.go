// Package cli implements the oidc-provider command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes of the binary.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

const defaultConfigPath = "config.yaml"

var appVersion = "dev"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
}

// SetVersion sets the version reported by the binary. It is called from
// main with the value injected at build time.
func SetVersion(v string) {
	appVersion = v
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "oidc-provider",
		Short: "OAuth 2.0 and OpenID Connect authorization server",
		Long: `oidc-provider issues OAuth 2.0 and OpenID Connect tokens for registered
applications. Users log in through an upstream OpenID provider; clients are
declared in a providers file that is reloaded when it changes.`,
		Version:      appVersion,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "oidc-provider version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional .env file loaded before the configuration")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newKeysCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command and exits with a non-zero code on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}
