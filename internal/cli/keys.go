package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing and encryption keys",
	}
	cmd.AddCommand(newKeysGenerateCmd(), newKeysListCmd(), newKeysEncryptionCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		alg   string
		dir   string
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key into the keys directory",
		Long: `Generates an RS256 or ES256 private key and writes it as PKCS#8 PEM to
<dir>/<name>.pem. Providers reference the key by name in signing_key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			path := filepath.Join(dir, name+".pem")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}

			priv, err := signing.GenerateKey(storage.SigningAlgorithm(alg))
			if err != nil {
				return err
			}
			data, err := signing.EncodePEM(priv)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create key directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}

			key, err := signing.NewKeyring().Add(name, priv)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s key %q to %s (kid %s)\n", key.Algorithm, name, path, key.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(storage.AlgES256), "Key algorithm: RS256 or ES256")
	cmd.Flags().StringVar(&dir, "dir", "keys", "Directory holding the signing keys")
	cmd.Flags().StringVar(&name, "name", "", "Key name referenced by providers")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing key")
	return cmd
}

func newKeysListCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the signing keys in the keys directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := signing.NewKeyring()
			if err := keys.LoadDir(dir); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tALGORITHM\tKID")
			for _, name := range keys.Names() {
				key, err := keys.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", key.Name, key.Algorithm, key.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "keys", "Directory holding the signing keys")
	return cmd
}

func newKeysEncryptionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encryption-key",
		Short: "Print a new base64 encryption key for cookies and stored secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return nil
		},
	}
}
