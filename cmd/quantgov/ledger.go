package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func ledgerCMD(opts *options) *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect budget accounts",
	}
	ledger.AddCommand(&cobra.Command{
		Use:   "verify <account>",
		Short: "Replay an account's journal against its spent counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer app.Close()

			replay, err := app.Services.Ledger.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(replay); err != nil {
				return err
			}
			if !replay.Consistent || !replay.WithinLimit {
				return fmt.Errorf("account %s failed verification", args[0])
			}
			return nil
		},
	})
	return ledger
}
