package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
	"github.com/mohammad-safakhou/quantgov/internal/queue/streams"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sweepLockKey = "quantgov:sweep:lock"

// releaseLock deletes the sweep lock only while it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GateSweeper fails closed gate rounds past their deadline.
type GateSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) ([]gate.Expired, error)
}

// CycleAdvancer moves a cycle once its gate has resolved.
type CycleAdvancer interface {
	Advance(ctx context.Context, cycleID, actor string) (cycle.Cycle, error)
}

// MemoryExpirer retires memories whose TTL elapsed.
type MemoryExpirer interface {
	Expire(ctx context.Context, now time.Time) (int64, error)
}

// SweeperOptions configures a Sweeper. Redis and Publisher may be nil.
type SweeperOptions struct {
	Cron      string
	LockTTL   time.Duration
	Redis     redis.Cmdable
	Publisher *streams.Publisher
	Stream    string
	Logger    *zap.Logger
	Tracer    trace.Tracer
}

// SweepReport summarises one sweep.
type SweepReport struct {
	StartedAt       time.Time `json:"started_at"`
	ExpiredGates    int       `json:"expired_gates"`
	ArchivedCycles  int       `json:"archived_cycles"`
	ExpiredMemories int64     `json:"expired_memories"`
	Errors          []string  `json:"errors,omitempty"`
	// Skipped is set when another replica holds the sweep lock.
	Skipped bool `json:"-"`
}

// Sweeper is the deadline scheduler: on every cron tick it times out
// overdue gates, advances their cycles and expires stale memories.
type Sweeper struct {
	gates    GateSweeper
	cycles   CycleAdvancer
	memories MemoryExpirer
	expr     *cronexpr.Expression
	opts     SweeperOptions
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper parses the cron expression and wires the sweeper.
func NewSweeper(gates GateSweeper, cycles CycleAdvancer, memories MemoryExpirer, opts SweeperOptions) (*Sweeper, error) {
	if opts.Cron == "" {
		opts.Cron = "*/5 * * * *"
	}
	expr, err := cronexpr.Parse(opts.Cron)
	if err != nil {
		return nil, fault.Invalid("sweep.cron", err.Error())
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("sweeper")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		gates:    gates,
		cycles:   cycles,
		memories: memories,
		expr:     expr,
		opts:     opts,
		logger:   logger.Named("sweeper"),
		now:      time.Now,
	}, nil
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		now := s.now()
		next := s.expr.Next(now)
		if next.IsZero() {
			s.logger.Warn("cron expression has no next run", zap.String("cron", s.opts.Cron))
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	}
}

// RunOnce performs a single sweep. When Redis is configured only the
// replica that wins the lock sweeps; the others return a skipped report.
func (s *Sweeper) RunOnce(ctx context.Context) (report SweepReport, err error) {
	ctx, span := s.opts.Tracer.Start(ctx, "sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("sweep.expired_gates", report.ExpiredGates),
			attribute.Int("sweep.archived_cycles", report.ArchivedCycles),
			attribute.Bool("sweep.skipped", report.Skipped))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	report = SweepReport{StartedAt: s.now().UTC()}
	if s.opts.Redis != nil {
		token := report.StartedAt.Format(time.RFC3339Nano)
		ok, err := s.opts.Redis.SetNX(ctx, sweepLockKey, token, s.opts.LockTTL).Result()
		if err != nil {
			return report, fault.Storage("sweep.lock", err)
		}
		if !ok {
			report.Skipped = true
			s.logger.Debug("sweep lock held elsewhere")
			return report, nil
		}
		defer func() {
			if err := releaseLock.Run(context.WithoutCancel(ctx), s.opts.Redis, []string{sweepLockKey}, token).Err(); err != nil {
				s.logger.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	expired, err := s.gates.SweepExpired(ctx, report.StartedAt)
	if err != nil {
		return report, err
	}
	report.ExpiredGates = len(expired)
	for _, ex := range expired {
		archived, err := s.advance(ctx, ex.CycleID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", ex.CycleID, err))
		}
		if archived {
			report.ArchivedCycles++
		}
		s.publish(ctx, streams.EventGateExpired, map[string]interface{}{
			"cycle_id":       ex.CycleID,
			"gate":           string(ex.Gate),
			"round":          ex.Round,
			"cycle_archived": archived,
			"expired_at":     report.StartedAt.Format(time.RFC3339Nano),
		})
	}

	if s.memories != nil {
		n, err := s.memories.Expire(ctx, report.StartedAt)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.ExpiredMemories = n
	}

	s.logger.Info("sweep completed",
		zap.Int("expired_gates", report.ExpiredGates),
		zap.Int("archived_cycles", report.ArchivedCycles),
		zap.Int64("expired_memories", report.ExpiredMemories),
		zap.Int("errors", len(report.Errors)))
	s.publish(ctx, streams.EventSweep, report)
	return report, nil
}

// advance reports whether the cycle ended archived. A timeout error from
// the cycle service is the expected outcome of an expired gate.
func (s *Sweeper) advance(ctx context.Context, cycleID string) (bool, error) {
	c, err := s.cycles.Advance(ctx, cycleID, "system")
	var timeout *gate.TimeoutError
	if errors.As(err, &timeout) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return c.Archived(), nil
}

func (s *Sweeper) publish(ctx context.Context, eventType string, payload interface{}) {
	if s.opts.Publisher == nil || s.opts.Stream == "" {
		return
	}
	if _, err := s.opts.Publisher.PublishJSON(ctx, s.opts.Stream, eventType, payload); err != nil {
		s.logger.Warn("publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
