package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/reputation"
)

// ReputationRepository stores score snapshots and reads the scorer's inputs
// from cycle history, the ledger journal, launches and peer feedback. It only
// ever reads those tables.
type ReputationRepository struct{ *Store }

func (s *Store) Reputation() *ReputationRepository { return &ReputationRepository{s} }

func (r *ReputationRepository) SaveScore(ctx context.Context, s reputation.Score) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO reputation_scores (id, agent_id, period, overall, gate_pass_rate, return_rate, budget_efficiency, post_launch_performance, collaboration_score, samples, grade, multiplier, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, s.ID, s.AgentID, s.Period, s.Overall, s.GatePassRate, s.ReturnRate, s.BudgetEfficiency, s.PostLaunchPerformance,
		s.CollaborationScore, s.Samples, string(s.Grade), s.Multiplier, s.CreatedAt)
	return err
}

func (r *ReputationRepository) LatestScore(ctx context.Context, agentID string) (reputation.Score, bool, error) {
	var (
		s     reputation.Score
		grade string
	)
	err := r.DB.QueryRowContext(ctx, `
SELECT id, agent_id, period, overall, gate_pass_rate, return_rate, budget_efficiency, post_launch_performance, collaboration_score, samples, grade, multiplier, created_at
FROM reputation_scores
WHERE agent_id=$1
ORDER BY created_at DESC
LIMIT 1
`, agentID).Scan(&s.ID, &s.AgentID, &s.Period, &s.Overall, &s.GatePassRate, &s.ReturnRate, &s.BudgetEfficiency,
		&s.PostLaunchPerformance, &s.CollaborationScore, &s.Samples, &grade, &s.Multiplier, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.Score{}, false, nil
	}
	if err != nil {
		return reputation.Score{}, false, err
	}
	s.Grade = reputation.Grade(grade)
	return s, true, nil
}

// GateOutcomes counts gate resolutions on cycles the agent owns. A forward
// edge is a pass; returned, rejected and timed-out edges are not.
func (r *ReputationRepository) GateOutcomes(ctx context.Context, agentID string, from, to time.Time) (int, int, error) {
	var passed, total int
	err := r.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE h.kind='forward'), COUNT(*)
FROM cycle_history h
JOIN research_cycles c ON c.id = h.cycle_id
WHERE c.owner_id=$1 AND h.kind IN ('forward','returned','rejected','timeout') AND h.created_at >= $2 AND h.created_at < $3
`, agentID, from, to).Scan(&passed, &total)
	return passed, total, err
}

// PointsSpent is the net journal movement of the agent's account.
func (r *ReputationRepository) PointsSpent(ctx context.Context, agentID string, from, to time.Time) (int64, error) {
	var spent int64
	err := r.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount),0)
FROM ledger_entries
WHERE account_id=$1 AND created_at >= $2 AND created_at < $3
`, agentID, from, to).Scan(&spent)
	if spent < 0 {
		spent = 0
	}
	return spent, err
}

func (r *ReputationRepository) LaunchPerformance(ctx context.Context, agentID string, from, to time.Time) (reputation.Performance, error) {
	var (
		p          reputation.Performance
		ret, after sql.NullFloat64
	)
	err := r.DB.QueryRowContext(ctx, `
SELECT COUNT(*), AVG(return_rate), AVG(performance)
FROM strategy_launches
WHERE owner_id=$1 AND launched_at >= $2 AND launched_at < $3
`, agentID, from, to).Scan(&p.Launched, &ret, &after)
	if err != nil {
		return reputation.Performance{}, err
	}
	p.ReturnRate = ret.Float64
	p.PostLaunch = after.Float64
	return p, nil
}

func (r *ReputationRepository) PeerFeedback(ctx context.Context, agentID string, from, to time.Time) (float64, int, error) {
	var (
		avg sql.NullFloat64
		n   int
	)
	err := r.DB.QueryRowContext(ctx, `
SELECT AVG(score), COUNT(*)
FROM peer_feedback
WHERE agent_id=$1 AND from_agent_id <> $1 AND created_at >= $2 AND created_at < $3
`, agentID, from, to).Scan(&avg, &n)
	return avg.Float64, n, err
}
