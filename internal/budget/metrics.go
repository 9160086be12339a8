package budget

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	deductCounter  otelmetric.Int64Counter
	pointsSpent    otelmetric.Int64Counter
	pointsRefunded otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("quantgov/budget")
	deductCounter, _ = meter.Int64Counter("ledger_deducts_total",
		otelmetric.WithDescription("Deduct attempts by outcome"))
	pointsSpent, _ = meter.Int64Counter("ledger_points_spent_total",
		otelmetric.WithDescription("Compute points deducted"))
	pointsRefunded, _ = meter.Int64Counter("ledger_points_refunded_total",
		otelmetric.WithDescription("Compute points credited back"))
}

func recordDeduct(ctx context.Context, outcome string, amount int64) {
	metricsOnce.Do(initMetrics)
	if deductCounter != nil {
		deductCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if amount > 0 && pointsSpent != nil {
		pointsSpent.Add(ctx, amount)
	}
}

func recordCredit(ctx context.Context, amount int64) {
	metricsOnce.Do(initMetrics)
	if pointsRefunded != nil {
		pointsRefunded.Add(ctx, amount)
	}
}
