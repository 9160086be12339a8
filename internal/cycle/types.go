// Package cycle is the research-cycle state machine. It moves a cycle through
// the gated pipeline using resolved gate decisions and charges experiment
// costs through the budget ledger.
package cycle

import (
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

// FinalDecision is set once a cycle reaches ARCHIVE.
type FinalDecision string

const (
	DecisionNone      FinalDecision = ""
	DecisionApproved  FinalDecision = "APPROVED"
	DecisionRejected  FinalDecision = "REJECTED"
	DecisionWithdrawn FinalDecision = "WITHDRAWN"
)

// HistoryKind classifies a transition.
type HistoryKind string

const (
	KindForward   HistoryKind = "forward"
	KindReturned  HistoryKind = "returned"
	KindRejected  HistoryKind = "rejected"
	KindWithdrawn HistoryKind = "withdrawn"
	KindTimeout   HistoryKind = "timeout"
)

// Cycle is a research proposal moving through the pipeline.
type Cycle struct {
	ID            string
	Title         string
	OwnerID       string
	Team          string
	AccountID     string
	Current       gate.Stage
	Previous      gate.Stage
	GatesPassed   []gate.Stage
	FinalDecision FinalDecision
	WorkOrder     []string
	Round         int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Archived reports whether the cycle reached the terminal stage.
func (c Cycle) Archived() bool { return c.Current == gate.StageArchive }

// History is one immutable transition row.
type History struct {
	ID          string
	CycleID     string
	From        gate.Stage
	To          gate.Stage
	TriggeredBy string
	Reason      string
	Kind        HistoryKind
	CreatedAt   time.Time
}

// IntakeRequest creates a cycle.
type IntakeRequest struct {
	Title     string
	OwnerID   string
	Team      string
	AccountID string
}

// ListFilter narrows List.
type ListFilter struct {
	Stage gate.Stage
	Team  string
	Limit int
}
