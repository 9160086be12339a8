package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/quantgov/config"
	srv "github.com/mohammad-safakhou/quantgov/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	cfgPath string
}

func rootCMD() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "quantgov",
		Short:         "Governance and resource-accounting core for the research desk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(opts),
		migrateCMD(opts),
		sweepCMD(opts),
		ledgerCMD(opts),
		scoreCMD(opts),
		eventsCMD(opts),
	)
	return root
}

// load reads the config and builds the process logger.
func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(o.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// app loads config and wires the core.
func (o *options) app(ctx context.Context) (*srv.App, *zap.Logger, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	app, err := srv.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return app, logger, nil
}

func newLogger(general config.GeneralConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(general.LogLevel))); err != nil {
		return nil, fmt.Errorf("general.log_level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if general.Debug {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
