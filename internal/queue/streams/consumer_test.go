package streams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/redis/go-redis/v9"
)

// groupRedis serves XADDed entries to one consumer group and records acks.
type groupRedis struct {
	fakeRedis
	groups    map[string]string
	delivered int
	acked     []string
}

func (g *groupRedis) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if g.groups == nil {
		g.groups = map[string]string{}
	}
	if _, ok := g.groups[group]; ok {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	g.groups[group] = start
	cmd.SetVal("OK")
	return cmd
}

func (g *groupRedis) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	if g.delivered > 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	read := g.fakeRedis.XRead(ctx, &redis.XReadArgs{Streams: []string{a.Streams[0], "0"}})
	g.delivered++
	cmd.SetVal(read.Val())
	return cmd
}

func (g *groupRedis) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	g.acked = append(g.acked, ids...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func TestEnsureGroupToleratesExistingGroup(t *testing.T) {
	ctx := context.Background()
	rdb := &groupRedis{}
	if err := EnsureGroup(ctx, rdb, "quantgov.audit", "dashboard", "0"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := EnsureGroup(ctx, rdb, "quantgov.audit", "dashboard", "0"); err != nil {
		t.Fatalf("second create should be a no-op, got %v", err)
	}
	if rdb.groups["dashboard"] != "0" {
		t.Fatalf("group should start at 0, got %q", rdb.groups["dashboard"])
	}
	if err := EnsureGroup(ctx, rdb, "quantgov.audit", "", ""); err == nil {
		t.Fatalf("expected an error without a group name")
	}
}

func TestGroupReadAcksUndecodableAndCallerAcksRest(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	rdb := &groupRedis{}
	rec := audit.NewRecorder(nil, audit.NewMemorySink(), NewAuditSink(NewPublisher(rdb, reg), "quantgov.audit", 0))
	if err := rec.Accepted(ctx, audit.EntityCycle, "c-1", "advance", "agent-pm", map[string]interface{}{"to": "DATA_GATE"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := NewConsumer(rdb, reg, "", "").Read(ctx, "quantgov.audit", 10, time.Millisecond); err == nil {
		t.Fatalf("read without a group should fail")
	}

	c := NewConsumer(rdb, reg, "dashboard", "host-1")
	msgs, err := c.Read(ctx, "quantgov.audit", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one decoded message, got %d", len(msgs))
	}
	if len(rdb.acked) != 1 || rdb.acked[0] != "9-0" {
		t.Fatalf("undecodable entry should be acked on read, got %v", rdb.acked)
	}

	if err := c.Ack(ctx, "quantgov.audit", msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(rdb.acked) != 2 || rdb.acked[1] != msgs[0].ID {
		t.Fatalf("expected delivered id acked, got %v", rdb.acked)
	}

	again, err := c.Read(ctx, "quantgov.audit", 10, time.Millisecond)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected empty read once drained, got %d %v", len(again), err)
	}
}
