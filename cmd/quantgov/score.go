package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/reputation"
	"github.com/spf13/cobra"
)

func scoreCMD(opts *options) *cobra.Command {
	var period string
	score := &cobra.Command{
		Use:   "score <agent>",
		Short: "Compute and store an agent's reputation snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer app.Close()

			if period == "" {
				period = reputation.Period(time.Now())
			}
			s, err := app.Services.Reputation.ComputeScore(cmd.Context(), args[0], period)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	score.Flags().StringVar(&period, "period", "", "ISO week, e.g. 2026-W42 (default current week)")
	return score
}
