package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads envelopes from a stream, either as a plain tail or as a
// member of a consumer group.
type Consumer struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	group    string
	name     string
}

// NewConsumer builds a consumer. Empty group and name mean tail mode.
func NewConsumer(client redis.Cmdable, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the consumer group if it does not exist. start is the
// id the group begins after; "0" replays the stream and "" or "$" skips it.
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group, start string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if start == "" {
		start = "$"
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, start).Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Tail reads up to count entries after lastID, blocking up to block for new
// ones. Pass "$" to start at the end of the stream or "0" for the beginning.
// The returned cursor continues from the last entry read.
func (c *Consumer) Tail(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]Message, string, error) {
	if stream == "" {
		return nil, lastID, fmt.Errorf("stream name is required")
	}
	if lastID == "" {
		lastID = "$"
	}
	res, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("xread: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			lastID = msg.ID
			if decoded, ok := c.decode(ctx, stream, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, lastID, nil
}

// Read pulls new entries for the configured group.
func (c *Consumer) Read(ctx context.Context, stream string, count int64, block time.Duration) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			decoded, ok := c.decode(ctx, stream, msg)
			if !ok {
				_ = c.client.XAck(ctx, stream, c.group, msg.ID).Err()
				continue
			}
			out = append(out, decoded)
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 || c.group == "" {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (c *Consumer) decode(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	var raw []byte
	switch v := msg.Values["envelope"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		recordDropped(ctx, stream, "missing_envelope")
		return Message{}, false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			recordDropped(ctx, stream, "encoding")
			return Message{}, false
		}
		raw = data
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		recordDropped(ctx, stream, "envelope")
		return Message{}, false
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			recordDropped(ctx, stream, "schema")
			return Message{}, false
		}
	}
	return Message{ID: msg.ID, Envelope: env}, true
}
