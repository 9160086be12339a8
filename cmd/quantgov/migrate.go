package main

import (
	"fmt"

	"github.com/mohammad-safakhou/quantgov/internal/runtime"
	srv "github.com/mohammad-safakhou/quantgov/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCMD(opts *options) *cobra.Command {
	var (
		dir   string
		steps int
	)
	run := func(direction string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Server.MigrationsDir
			}
			if err := srv.Migrate(dir, dsn, direction, steps); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			logger.Info("migrations applied", zap.String("direction", direction), zap.Int("steps", steps))
			return nil
		}
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	migrate.PersistentFlags().StringVar(&dir, "dir", "", "migrations source (default server.migrations_dir)")
	migrate.PersistentFlags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", RunE: run("up")},
		&cobra.Command{Use: "down", Short: "Roll back migrations", RunE: run("down")},
	)
	return migrate
}
