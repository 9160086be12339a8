package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/mohammad-safakhou/quantgov/internal/runtime"
	srv "github.com/mohammad-safakhou/quantgov/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(opts *options) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the deadline sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.Server.Address = addr
			}

			ctx, cancel := runtime.SignalContext(cmd.Context(), logger, "quantgov")
			defer cancel()

			tel, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "quantgov",
				ServiceVersion: version,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", zap.Error(err))
				}
			}()

			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			app, err := srv.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			var metrics http.Handler
			if cfg.Telemetry.Enabled {
				metrics = tel.Handler()
			}
			e := srv.New(app.Services, srv.Options{
				Secret:           secret,
				Logger:           logger,
				Metrics:          metrics,
				DefaultAllotment: cfg.Ledger.DefaultAllotment,
				Ready:            app.Ready,
			})

			if cfg.Sweep.Enabled {
				app.Sweeper.Start(ctx)
				logger.Info("sweeper started", zap.String("cron", cfg.Sweep.Cron))
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("http listening", zap.String("addr", cfg.Server.Address), zap.String("backend", cfg.Server.Backend))
				if err := e.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownGrace)
				defer cancel()
				app.Sweeper.Stop()
				return e.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}
