// Package reputation computes bounded per-agent scores from gate, ledger and
// peer-feedback history. It never mutates the history it reads.
package reputation

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Grade is the letter band derived from the overall score.
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeAverage   Grade = "average"
	GradePoor      Grade = "poor"
	GradeCritical  Grade = "critical"
)

// Weights for the five sub-scores. They sum to 1.
const (
	WeightGatePass      = 0.30
	WeightReturn        = 0.25
	WeightBudget        = 0.15
	WeightPostLaunch    = 0.20
	WeightCollaboration = 0.10
)

// Multiplier bounds applied to budget allotments.
const (
	MinMultiplier = 0.5
	MaxMultiplier = 1.5
)

// Inputs are the raw sub-metrics, each expected in [0,1].
type Inputs struct {
	GatePassRate          float64
	ReturnRate            float64
	BudgetEfficiency      float64
	PostLaunchPerformance float64
	CollaborationScore    float64
	Samples               int
}

// Score is an immutable snapshot for one agent and period.
type Score struct {
	ID                    string
	AgentID               string
	Period                string
	Overall               float64
	GatePassRate          float64
	ReturnRate            float64
	BudgetEfficiency      float64
	PostLaunchPerformance float64
	CollaborationScore    float64
	Samples               int
	Grade                 Grade
	Multiplier            float64
	CreatedAt             time.Time
}

// Compute combines the inputs with the fixed weight vector.
func Compute(agentID, period string, in Inputs) Score {
	s := Score{
		AgentID:               agentID,
		Period:                period,
		GatePassRate:          round4(clip01(in.GatePassRate)),
		ReturnRate:            round4(clip01(in.ReturnRate)),
		BudgetEfficiency:      round4(clip01(in.BudgetEfficiency)),
		PostLaunchPerformance: round4(clip01(in.PostLaunchPerformance)),
		CollaborationScore:    round4(clip01(in.CollaborationScore)),
		Samples:               in.Samples,
	}
	overall := WeightGatePass*s.GatePassRate +
		WeightReturn*s.ReturnRate +
		WeightBudget*s.BudgetEfficiency +
		WeightPostLaunch*s.PostLaunchPerformance +
		WeightCollaboration*s.CollaborationScore
	s.Overall = round4(clip01(overall))
	s.Grade = GradeFor(s.Overall)
	s.Multiplier = Multiplier(s.Overall)
	return s
}

// GradeFor maps a score to its band.
func GradeFor(score float64) Grade {
	switch {
	case score >= 0.85:
		return GradeExcellent
	case score >= 0.70:
		return GradeGood
	case score >= 0.50:
		return GradeAverage
	case score >= 0.30:
		return GradePoor
	default:
		return GradeCritical
	}
}

// Multiplier converts a score into the budget multiplier for the next period.
func Multiplier(score float64) float64 {
	m := 0.5 + clip01(score)
	if m < MinMultiplier {
		m = MinMultiplier
	}
	if m > MaxMultiplier {
		m = MaxMultiplier
	}
	return round4(m)
}

// Period formats the ISO week a time falls in, e.g. "2026-W42".
func Period(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// ParsePeriod returns the [start, end) window of an ISO-week period.
func ParsePeriod(period string) (time.Time, time.Time, error) {
	var year, week int
	if _, err := fmt.Sscanf(strings.TrimSpace(period), "%d-W%d", &year, &week); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period %q: expected YYYY-Www", period)
	}
	if week < 1 || week > 53 {
		return time.Time{}, time.Time{}, fmt.Errorf("period %q: week out of range", period)
	}
	// ISO week 1 contains January 4th.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := int(jan4.Weekday())
	if offset == 0 {
		offset = 7
	}
	start := jan4.AddDate(0, 0, 1-offset+(week-1)*7)
	return start, start.AddDate(0, 0, 7), nil
}

func clip01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
