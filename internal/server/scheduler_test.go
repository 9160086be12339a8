package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

type gateSweeperStub struct {
	expired []gate.Expired
	calls   int
}

func (g *gateSweeperStub) SweepExpired(ctx context.Context, now time.Time) ([]gate.Expired, error) {
	g.calls++
	return g.expired, nil
}

type cycleAdvancerStub struct {
	results map[string]error
}

func (c *cycleAdvancerStub) Advance(ctx context.Context, cycleID, actor string) (cycle.Cycle, error) {
	err := c.results[cycleID]
	var timeout *gate.TimeoutError
	if errors.As(err, &timeout) {
		return cycle.Cycle{ID: cycleID, Current: gate.StageArchive}, err
	}
	if err != nil {
		return cycle.Cycle{}, err
	}
	return cycle.Cycle{ID: cycleID, Current: gate.StageDataGate}, nil
}

type memoryExpirerStub struct{ n int64 }

func (m memoryExpirerStub) Expire(ctx context.Context, now time.Time) (int64, error) {
	return m.n, nil
}

// lockRedis keeps one key and runs the lock release script against it.
type lockRedis struct {
	redis.Cmdable
	value   string
	deleted int
}

func (r *lockRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if r.value != "" {
		cmd.SetVal(false)
		return cmd
	}
	r.value = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (r *lockRedis) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	if len(args) == 1 && r.value != "" && args[0] == r.value {
		r.value = ""
		r.deleted++
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func TestSweeperRunOnce(t *testing.T) {
	gates := &gateSweeperStub{expired: []gate.Expired{
		{CycleID: "c1", Gate: gate.StageDataGate, Round: 1},
		{CycleID: "c2", Gate: gate.StageBacktestGate, Round: 2},
		{CycleID: "c3", Gate: gate.StageICReview, Round: 1},
	}}
	cycles := &cycleAdvancerStub{results: map[string]error{
		"c1": &gate.TimeoutError{CycleID: "c1", Gate: gate.StageDataGate, Round: 1},
		"c3": errors.New("boom"),
	}}
	s, err := NewSweeper(gates, cycles, memoryExpirerStub{n: 4}, SweeperOptions{Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ExpiredGates != 3 || report.ArchivedCycles != 1 || report.ExpiredMemories != 4 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one error, got %v", report.Errors)
	}
}

func TestSweeperLockSkipsSecondReplica(t *testing.T) {
	rdb := &lockRedis{value: "other-replica"}
	gates := &gateSweeperStub{}
	s, err := NewSweeper(gates, &cycleAdvancerStub{}, nil, SweeperOptions{Redis: rdb})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Skipped || gates.calls != 0 {
		t.Fatalf("expected skip, got %+v calls=%d", report, gates.calls)
	}

	rdb.value = ""
	report, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped || gates.calls != 1 || rdb.deleted != 1 {
		t.Fatalf("expected a sweep that releases the lock, got %+v calls=%d deleted=%d", report, gates.calls, rdb.deleted)
	}
}

// stealingSweeper hands the lock to another replica mid-sweep, as when a
// sweep outlives the lock TTL.
type stealingSweeper struct {
	rdb *lockRedis
}

func (s stealingSweeper) SweepExpired(ctx context.Context, now time.Time) ([]gate.Expired, error) {
	s.rdb.value = "replica-b"
	return nil, nil
}

func TestSweeperKeepsLockTakenByAnotherReplica(t *testing.T) {
	rdb := &lockRedis{}
	s, err := NewSweeper(stealingSweeper{rdb: rdb}, &cycleAdvancerStub{}, nil, SweeperOptions{Redis: rdb})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rdb.value != "replica-b" || rdb.deleted != 0 {
		t.Fatalf("lock of another replica must survive, value=%q deleted=%d", rdb.value, rdb.deleted)
	}
}

func TestSweeperRejectsBadCron(t *testing.T) {
	if _, err := NewSweeper(&gateSweeperStub{}, &cycleAdvancerStub{}, nil, SweeperOptions{Cron: "every tuesday"}); err == nil {
		t.Fatalf("expected cron parse error")
	}
}

func TestSweeperStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s, err := NewSweeper(&gateSweeperStub{}, &cycleAdvancerStub{}, nil, SweeperOptions{Cron: "0 0 1 1 *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
