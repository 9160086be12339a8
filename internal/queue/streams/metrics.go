package streams

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	published         otelmetric.Int64Counter
	dropped           otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("quantgov/queue/streams")
	published, _ = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Events appended to Redis streams"),
	)
	dropped, _ = meter.Int64Counter(
		"stream_events_dropped_total",
		otelmetric.WithDescription("Stream entries acknowledged without delivery because they failed to decode or validate"),
	)
}

func recordPublished(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if published == nil {
		return
	}
	published.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordDropped(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if dropped == nil {
		return
	}
	dropped.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("reason", reason),
	))
}
