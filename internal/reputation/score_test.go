package reputation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

func TestWeightsSumToOne(t *testing.T) {
	sum := WeightGatePass + WeightReturn + WeightBudget + WeightPostLaunch + WeightCollaboration
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights sum to %v", sum)
	}
}

func TestComputeClipsAndGrades(t *testing.T) {
	s := Compute("agent-1", "2026-W42", Inputs{
		GatePassRate:          1.4,
		ReturnRate:            -0.2,
		BudgetEfficiency:      1,
		PostLaunchPerformance: 1,
		CollaborationScore:    1,
	})
	if s.GatePassRate != 1 || s.ReturnRate != 0 {
		t.Fatalf("sub-scores not clipped: %#v", s)
	}
	if s.Overall != 0.75 {
		t.Fatalf("expected overall 0.75, got %v", s.Overall)
	}
	if s.Grade != GradeGood {
		t.Fatalf("expected good, got %s", s.Grade)
	}
	if s.Multiplier != 1.25 {
		t.Fatalf("expected multiplier 1.25, got %v", s.Multiplier)
	}
}

func TestGradeBands(t *testing.T) {
	cases := []struct {
		score float64
		want  Grade
	}{
		{0.95, GradeExcellent},
		{0.85, GradeExcellent},
		{0.84, GradeGood},
		{0.70, GradeGood},
		{0.55, GradeAverage},
		{0.30, GradePoor},
		{0.10, GradeCritical},
	}
	for _, tc := range cases {
		if got := GradeFor(tc.score); got != tc.want {
			t.Fatalf("GradeFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestMultiplierBounds(t *testing.T) {
	if got := Multiplier(-3); got != MinMultiplier {
		t.Fatalf("expected min multiplier, got %v", got)
	}
	if got := Multiplier(7); got != MaxMultiplier {
		t.Fatalf("expected max multiplier, got %v", got)
	}
}

func TestParsePeriodRoundTrip(t *testing.T) {
	day := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)
	period := Period(day)
	if period != "2026-W43" {
		t.Fatalf("unexpected period %s", period)
	}
	from, to, err := ParsePeriod(period)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if day.Before(from) || !day.Before(to) {
		t.Fatalf("%v not within [%v, %v)", day, from, to)
	}
	if from.Weekday() != time.Monday {
		t.Fatalf("ISO weeks start on Monday, got %v", from.Weekday())
	}
	if _, _, err := ParsePeriod("last week"); err == nil {
		t.Fatalf("expected parse error")
	}
}

type stubSource struct {
	passed, total int
	spent         int64
	perf          Performance
	peer          float64
	peerN         int
	err           error
}

func (s stubSource) GateOutcomes(ctx context.Context, agentID string, from, to time.Time) (int, int, error) {
	return s.passed, s.total, s.err
}

func (s stubSource) PointsSpent(ctx context.Context, agentID string, from, to time.Time) (int64, error) {
	return s.spent, nil
}

func (s stubSource) LaunchPerformance(ctx context.Context, agentID string, from, to time.Time) (Performance, error) {
	return s.perf, nil
}

func (s stubSource) PeerFeedback(ctx context.Context, agentID string, from, to time.Time) (float64, int, error) {
	return s.peer, s.peerN, nil
}

func TestScorerPersistsLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemorySnapshots()
	sc := NewScorer(stubSource{passed: 3, total: 4, spent: 600, peer: 0.8, peerN: 2}, snaps, 100, nil)

	first, err := sc.ComputeScore(ctx, "agent-7", "2026-W42")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if first.GatePassRate != 0.75 || first.BudgetEfficiency != 0.5 {
		t.Fatalf("unexpected sub-scores: %#v", first)
	}
	// no launches in the period keeps those sub-scores neutral
	if first.ReturnRate != neutral || first.PostLaunchPerformance != neutral {
		t.Fatalf("expected neutral launch scores: %#v", first)
	}

	sc.now = func() time.Time { return first.CreatedAt.Add(time.Hour) }
	second, err := sc.ComputeScore(ctx, "agent-7", "2026-W43")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	latest, err := sc.Latest(ctx, "agent-7")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected most recent snapshot, got %s", latest.Period)
	}
	if _, err := sc.Latest(ctx, "nobody"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScorerRejectsBadPeriodAndSourceFailure(t *testing.T) {
	ctx := context.Background()
	sc := NewScorer(stubSource{}, NewMemorySnapshots(), 0, nil)
	if _, err := sc.ComputeScore(ctx, "agent-1", "W42"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	sc = NewScorer(stubSource{err: errors.New("db down")}, NewMemorySnapshots(), 0, nil)
	if _, err := sc.ComputeScore(ctx, "agent-1", "2026-W42"); !errors.Is(err, fault.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
