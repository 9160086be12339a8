package streams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/redis/go-redis/v9"
)

// fakeRedis records XADD calls and serves them back to XREAD.
type fakeRedis struct {
	redis.Cmdable
	added []*redis.XAddArgs
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, a)
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("1-" + string(rune('0'+len(f.added))))
	return cmd
}

func (f *fakeRedis) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	var msgs []redis.XMessage
	for i, add := range f.added {
		values := map[string]interface{}{}
		for k, v := range add.Values.(map[string]interface{}) {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			values[k] = v
		}
		msgs = append(msgs, redis.XMessage{ID: "1-" + string(rune('1'+i)), Values: values})
	}
	msgs = append(msgs, redis.XMessage{ID: "9-0", Values: map[string]interface{}{"junk": "x"}})
	cmd.SetVal([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}})
	return cmd
}

func TestAuditSinkPublishesAndTailDecodes(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	rdb := &fakeRedis{}
	sink := NewAuditSink(NewPublisher(rdb, reg), "quantgov.audit", 1000)

	rec := audit.NewRecorder(nil, audit.NewMemorySink(), sink)
	if err := rec.Accepted(ctx, audit.EntityAccount, "acct-1", "deduct", "agent-a", map[string]interface{}{"amount": 50}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(rdb.added) != 1 {
		t.Fatalf("expected one XADD, got %d", len(rdb.added))
	}
	if rdb.added[0].Stream != "quantgov.audit" || rdb.added[0].MaxLen != 1000 || !rdb.added[0].Approx {
		t.Fatalf("unexpected xadd args: %+v", rdb.added[0])
	}

	msgs, cursor, err := NewConsumer(rdb, reg, "", "").Tail(ctx, "quantgov.audit", "0", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if cursor != "9-0" {
		t.Fatalf("cursor should advance past undecodable entries, got %s", cursor)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one decoded message, got %d", len(msgs))
	}
	var ev audit.Event
	if err := msgs[0].Envelope.Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EntityID != "acct-1" || ev.Action != "deduct" || ev.Outcome != audit.OutcomeAccepted {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if msgs[0].Envelope.EventID != ev.ID {
		t.Fatalf("envelope id should match audit id")
	}
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	rdb := &fakeRedis{}
	pub := NewPublisher(rdb, newRegistry(t))
	_, err := pub.PublishJSON(context.Background(), "quantgov.events", EventGateExpired, map[string]interface{}{"cycle_id": "c-1"})
	if err == nil {
		t.Fatalf("expected schema failure")
	}
	if len(rdb.added) != 0 {
		t.Fatalf("invalid payload must not reach redis")
	}
	raw, _ := json.Marshal(map[string]interface{}{"cycle_id": "c-1", "gate": "DATA_GATE", "round": 1, "expired_at": "2026-10-19T00:00:00Z"})
	if _, err := pub.Publish(context.Background(), "quantgov.events", Envelope{EventType: EventGateExpired, PayloadVersion: "v1", Data: raw}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
