package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/identity-reconciler/internal/services"
)

func newDBCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "db commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, closeDB, err := openStore(cfg)
			if err != nil {
				return err
			}
			closeDB()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	})
	return cmd
}

func newPurgeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired Idempotency-Key records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, closeDB, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := services.NewIdempotencyService(db, cfg.IdempotencyTTL).Purge(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired idempotency records\n", n)
			return err
		},
	}
}
