package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context, logger *zap.Logger, service string) (context.Context, context.CancelFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down", zap.String("service", service), zap.Error(context.Cause(ctx)))
	}()
	return ctx, cancel
}
