package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Publisher appends schema-checked envelopes to Redis streams.
type Publisher struct {
	client   redis.Cmdable
	registry *SchemaRegistry
}

// PublishOption adjusts the XADD call.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher. A nil registry skips schema checks.
func NewPublisher(client redis.Cmdable, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// Publish validates the envelope and appends it to stream.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
	}
	if err := env.ValidateBasic(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	recordPublished(ctx, stream, env.EventType)
	return id, nil
}

// PublishJSON wraps payload in a v1 envelope and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, stream, eventType string, payload interface{}, opts ...PublishOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return p.Publish(ctx, stream, Envelope{EventType: eventType, PayloadVersion: "v1", Data: data}, opts...)
}

// AuditSink mirrors audit events onto a stream. It is a secondary sink:
// Postgres remains the authoritative log.
type AuditSink struct {
	pub    *Publisher
	stream string
	maxLen int64
}

// NewAuditSink publishes audit events to stream.
func NewAuditSink(pub *Publisher, stream string, maxLen int64) *AuditSink {
	return &AuditSink{pub: pub, stream: stream, maxLen: maxLen}
}

func (s *AuditSink) Append(ctx context.Context, ev audit.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	_, err := s.pub.Publish(ctx, s.stream, auditEnvelope(ev), WithMaxLenApprox(s.maxLen))
	return err
}

func auditEnvelope(ev audit.Event) Envelope {
	data, _ := json.Marshal(ev)
	return Envelope{
		EventID:        ev.ID,
		EventType:      EventAudit,
		PayloadVersion: "v1",
		OccurredAt:     ev.CreatedAt,
		Data:           data,
	}
}
