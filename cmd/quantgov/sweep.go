package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func sweepCMD(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one deadline sweep and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer app.Close()

			report, err := app.Sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
