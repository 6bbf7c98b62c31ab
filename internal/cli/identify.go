package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tbourn/identity-reconciler/internal/http/handlers"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/services"
)

func newIdentifyCommand(opts *options) *cobra.Command {
	var email, phone string

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Consolidate one email/phone pair and print the cluster",
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

			svc := services.NewIdentityService(db, repo.ContactStore{})
			svc.MaxAttempts = cfg.Tx.MaxAttempts
			svc.RetryBackoff = cfg.Tx.RetryBackoff

			var e, p *string
			if cmd.Flags().Changed("email") {
				e = &email
			}
			if cmd.Flags().Changed("phone") {
				p = &phone
			}

			view, err := svc.Consolidate(cmd.Context(), e, p)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(handlers.IdentifyResponse{Contact: *view})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone number")
	return cmd
}
