package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/portal-login/internal/observability"
	"github.com/xkilldash9x/portal-login/internal/secrets"
)

// newCredentialsCmd groups the stored portal credential commands.
func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the stored portal credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "forget",
		Short: "Delete the stored portal credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			path := cfg.Credentials().File
			if !fileExists(path) {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored credentials.")
				return nil
			}
			// Deleting needs no passphrase.
			store := secrets.NewStore(path, nil, logger)
			defer store.Close()
			if err := store.Delete(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", path)
			return nil
		},
	})
	return cmd
}
