package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/portal-login/internal/observability"
)

// newAuthCmd creates the `auth` command, which only prepares the Gmail token.
func newAuthCmd(deps dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize read-only Gmail access and cache the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			cred, err := deps.credential(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to obtain mailbox credential: %w", err)
			}
			if !cred.Valid() {
				return fmt.Errorf("mailbox credential in '%s' is not usable", cfg.Gmail().TokenFile)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mailbox access ready. Token cached in %s\n", cfg.Gmail().TokenFile)
			return nil
		},
	}
}
