package gate

import "fmt"

// Stage is a step of the research pipeline. Every stage except ARCHIVE is
// guarded by a gate of the same name.
type Stage string

const (
	StageIdeaIntake    Stage = "IDEA_INTAKE"
	StageDataGate      Stage = "DATA_GATE"
	StageBacktestGate  Stage = "BACKTEST_GATE"
	StageRobustness    Stage = "ROBUSTNESS_GATE"
	StageRiskSkeptic   Stage = "RISK_SKEPTIC_GATE"
	StageICReview      Stage = "IC_REVIEW"
	StageBoardPack     Stage = "BOARD_PACK"
	StageBoardDecision Stage = "BOARD_DECISION"
	StageArchive       Stage = "ARCHIVE"
)

// Pipeline is the canonical forward order.
var Pipeline = []Stage{
	StageIdeaIntake,
	StageDataGate,
	StageBacktestGate,
	StageRobustness,
	StageRiskSkeptic,
	StageICReview,
	StageBoardPack,
	StageBoardDecision,
	StageArchive,
}

// Index returns the position of s in the pipeline, or -1.
func Index(s Stage) int {
	for i, p := range Pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return Index(s) >= 0 }

// Gated reports whether s opens a gate.
func (s Stage) Gated() bool { return s.Valid() && s != StageArchive }

// Next returns the stage after s.
func Next(s Stage) (Stage, bool) {
	i := Index(s)
	if i < 0 || i+1 >= len(Pipeline) {
		return "", false
	}
	return Pipeline[i+1], true
}

// Before reports whether a precedes b in the pipeline.
func Before(a, b Stage) bool {
	ia, ib := Index(a), Index(b)
	return ia >= 0 && ib >= 0 && ia < ib
}

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}
