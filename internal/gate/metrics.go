package gate

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	decisionCounter otelmetric.Int64Counter
	timeoutCounter  otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("quantgov/gate")
	decisionCounter, _ = meter.Int64Counter("gate_decisions_total",
		otelmetric.WithDescription("Gate decisions by kind"))
	timeoutCounter, _ = meter.Int64Counter("gate_timeouts_total",
		otelmetric.WithDescription("Gate records auto-rejected on deadline"))
}

func recordDecision(ctx context.Context, kind string) {
	metricsOnce.Do(initMetrics)
	if decisionCounter != nil {
		decisionCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", kind)))
	}
}

func recordTimeout(ctx context.Context, gate string) {
	metricsOnce.Do(initMetrics)
	if timeoutCounter != nil {
		timeoutCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("gate", gate)))
	}
}
