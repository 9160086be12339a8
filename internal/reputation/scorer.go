package reputation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// neutral is used for a sub-score with no samples in the period.
const neutral = 0.5

// DefaultPointsPerGate is the CP a passed gate is expected to cost.
const DefaultPointsPerGate = 100

// Performance is reported by the strategy-launch side, outside this core.
type Performance struct {
	Launched   int
	ReturnRate float64
	PostLaunch float64
}

// Source is the read-only history the scorer consumes.
type Source interface {
	GateOutcomes(ctx context.Context, agentID string, from, to time.Time) (passed, total int, err error)
	PointsSpent(ctx context.Context, agentID string, from, to time.Time) (int64, error)
	LaunchPerformance(ctx context.Context, agentID string, from, to time.Time) (Performance, error)
	PeerFeedback(ctx context.Context, agentID string, from, to time.Time) (avg float64, n int, err error)
}

// SnapshotRepository persists immutable score snapshots.
type SnapshotRepository interface {
	SaveScore(ctx context.Context, s Score) error
	LatestScore(ctx context.Context, agentID string) (Score, bool, error)
}

// Scorer gathers inputs and stores snapshots.
type Scorer struct {
	source        Source
	snapshots     SnapshotRepository
	logger        *zap.Logger
	pointsPerGate int64
	now           func() time.Time
}

// NewScorer builds a scorer. pointsPerGate <= 0 uses DefaultPointsPerGate.
func NewScorer(source Source, snapshots SnapshotRepository, pointsPerGate int64, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pointsPerGate <= 0 {
		pointsPerGate = DefaultPointsPerGate
	}
	return &Scorer{source: source, snapshots: snapshots, logger: logger.Named("reputation"), pointsPerGate: pointsPerGate, now: time.Now}
}

// Gather reads the five sub-metrics for the period concurrently.
func (s *Scorer) Gather(ctx context.Context, agentID, period string) (Inputs, error) {
	from, to, err := ParsePeriod(period)
	if err != nil {
		return Inputs{}, fault.Invalid("period", err.Error())
	}
	var (
		in            Inputs
		mu            sync.Mutex
		passed, total int
		spent         int64
		perf          Performance
		peer          float64
		peerN         int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, t, err := s.source.GateOutcomes(gctx, agentID, from, to)
		mu.Lock()
		passed, total = p, t
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		v, err := s.source.PointsSpent(gctx, agentID, from, to)
		mu.Lock()
		spent = v
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		v, err := s.source.LaunchPerformance(gctx, agentID, from, to)
		mu.Lock()
		perf = v
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		avg, n, err := s.source.PeerFeedback(gctx, agentID, from, to)
		mu.Lock()
		peer, peerN = avg, n
		mu.Unlock()
		return err
	})
	if err := g.Wait(); err != nil {
		return Inputs{}, fault.Storage("reputation.gather", err)
	}

	in.GatePassRate = neutral
	if total > 0 {
		in.GatePassRate = float64(passed) / float64(total)
	}
	in.BudgetEfficiency = neutral
	switch {
	case spent > 0:
		in.BudgetEfficiency = float64(int64(passed)*s.pointsPerGate) / float64(spent)
	case passed > 0:
		in.BudgetEfficiency = 1
	}
	in.ReturnRate, in.PostLaunchPerformance = neutral, neutral
	if perf.Launched > 0 {
		in.ReturnRate = perf.ReturnRate
		in.PostLaunchPerformance = perf.PostLaunch
	}
	in.CollaborationScore = neutral
	if peerN > 0 {
		in.CollaborationScore = peer
	}
	in.Samples = total + perf.Launched + peerN
	return in, nil
}

// ComputeScore gathers, computes and persists a new snapshot.
func (s *Scorer) ComputeScore(ctx context.Context, agentID, period string) (Score, error) {
	if agentID == "" {
		return Score{}, fault.Invalid("agent_id", "required")
	}
	in, err := s.Gather(ctx, agentID, period)
	if err != nil {
		return Score{}, err
	}
	score := Compute(agentID, period, in)
	score.ID = uuid.NewString()
	score.CreatedAt = s.now().UTC()
	if err := s.snapshots.SaveScore(ctx, score); err != nil {
		return Score{}, fault.Storage("reputation.save", err)
	}
	s.logger.Info("reputation computed",
		zap.String("agent_id", agentID),
		zap.String("period", period),
		zap.Float64("overall", score.Overall),
		zap.String("grade", string(score.Grade)))
	return score, nil
}

// Latest returns the most recent snapshot for the agent.
func (s *Scorer) Latest(ctx context.Context, agentID string) (Score, error) {
	score, ok, err := s.snapshots.LatestScore(ctx, agentID)
	if err != nil {
		return Score{}, fault.Storage("reputation.latest", err)
	}
	if !ok {
		return Score{}, fmt.Errorf("reputation for %s: %w", agentID, fault.ErrNotFound)
	}
	return score, nil
}

// MemorySnapshots keeps snapshots in process.
type MemorySnapshots struct {
	mu     sync.RWMutex
	scores map[string][]Score
}

// NewMemorySnapshots returns an empty snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{scores: make(map[string][]Score)}
}

func (m *MemorySnapshots) SaveScore(ctx context.Context, s Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.AgentID] = append(m.scores[s.AgentID], s)
	return nil
}

func (m *MemorySnapshots) LatestScore(ctx context.Context, agentID string) (Score, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.scores[agentID]
	if len(list) == 0 {
		return Score{}, false, nil
	}
	latest := list[0]
	for _, s := range list[1:] {
		if !s.CreatedAt.Before(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, true, nil
}
