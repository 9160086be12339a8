// Package governance runs quorum and majority votes on risk-rule, hiring and
// termination proposals, and keeps the advisory alert board.
package governance

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

var govValidate = validator.New()

// Kind of proposal.
type Kind string

const (
	KindRiskRule    Kind = "risk_rule"
	KindHiring      Kind = "hiring"
	KindTermination Kind = "termination"
)

// Status of a proposal.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusPendingCGO Status = "pending_cgo"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusWithdrawn  Status = "withdrawn"
)

// Open reports whether votes are accepted.
func (s Status) Open() bool { return s == StatusPending || s == StatusPendingCGO }

// Mode selects how a proposal resolves.
type Mode string

const (
	// ModeQuorum resolves once every required voter has voted.
	ModeQuorum Mode = "quorum"
	// ModeMajority resolves once approvals exceed half of the eligible voters
	// or that becomes impossible.
	ModeMajority Mode = "majority"
)

// Choice is a single vote.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// DefaultThreshold is the approval rate a quorum vote must clear.
const DefaultThreshold = 0.60

// Payload is the kind-specific body of a proposal.
type Payload interface {
	Kind() Kind
	isPayload()
}

// RiskRulePayload proposes a new or changed risk limit.
type RiskRulePayload struct {
	RuleKey       string  `json:"rule_key" validate:"required,max=128"`
	Limit         float64 `json:"limit" validate:"gte=0"`
	Window        string  `json:"window" validate:"required"`
	Justification string  `json:"justification" validate:"required"`
}

// HiringPayload proposes a new agent seat.
type HiringPayload struct {
	Role          string `json:"role" validate:"required"`
	Team          string `json:"team" validate:"required"`
	BudgetCP      int64  `json:"budget_cp" validate:"gte=0"`
	Justification string `json:"justification" validate:"required"`
}

// Evidence is one independent source backing a termination.
type Evidence struct {
	SourceID string `json:"source_id" validate:"required"`
	Kind     string `json:"kind" validate:"required"`
	Summary  string `json:"summary" validate:"required"`
}

// TerminationPayload proposes retiring an agent.
type TerminationPayload struct {
	AgentID  string     `json:"agent_id" validate:"required"`
	Reason   string     `json:"reason" validate:"required"`
	Evidence []Evidence `json:"evidence" validate:"dive"`
}

func (RiskRulePayload) Kind() Kind    { return KindRiskRule }
func (RiskRulePayload) isPayload()    {}
func (HiringPayload) Kind() Kind      { return KindHiring }
func (HiringPayload) isPayload()      {}
func (TerminationPayload) Kind() Kind { return KindTermination }
func (TerminationPayload) isPayload() {}

// DistinctSources counts unique evidence source ids.
func (p TerminationPayload) DistinctSources() int {
	seen := map[string]bool{}
	for _, e := range p.Evidence {
		if e.SourceID != "" {
			seen[e.SourceID] = true
		}
	}
	return len(seen)
}

// EncodePayload serialises a payload. The kind is stored alongside.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload builds the variant for kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindRiskRule:
		var p RiskRulePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindHiring:
		var p HiringPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindTermination:
		var p TerminationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown proposal kind %q", kind)
}

// Vote is one cast ballot.
type Vote struct {
	ProposalID string
	VoterID    string
	Choice     Choice
	Reason     string
	CastAt     time.Time
}

// Proposal is a governance decision under vote.
type Proposal struct {
	ID             string
	Kind           Kind
	Title          string
	ProposerID     string
	Status         Status
	Mode           Mode
	RequiredVoters []string
	Eligible       []string
	Threshold      float64
	// ApprovalRate is a percentage with two decimals.
	ApprovalRate float64
	Payload      Payload
	Votes        []Vote
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	DecidedAt    *time.Time
	Version      int64
}

// Voters returns who may vote under the proposal's mode.
func (p Proposal) Voters() []string {
	if p.Mode == ModeQuorum {
		return p.RequiredVoters
	}
	return p.Eligible
}

// CanVote reports whether id is in the voter set.
func (p Proposal) CanVote(id string) bool {
	for _, v := range p.Voters() {
		if v == id {
			return true
		}
	}
	return false
}

// HasVoted reports whether id already cast a vote.
func (p Proposal) HasVoted(id string) bool {
	for _, v := range p.Votes {
		if v.VoterID == id {
			return true
		}
	}
	return false
}

// VoteResult is the tally after a vote.
type VoteResult struct {
	ProposalID   string
	Status       Status
	Approvals    int
	Rejections   int
	Abstentions  int
	VotesCast    int
	Outstanding  []string
	ApprovalRate float64
	Resolved     bool
}

// Tally counts votes and decides the status they imply.
func Tally(p Proposal) VoteResult {
	res := VoteResult{ProposalID: p.ID, Status: p.Status}
	voted := map[string]bool{}
	for _, v := range p.Votes {
		voted[v.VoterID] = true
		res.VotesCast++
		switch v.Choice {
		case ChoiceApprove:
			res.Approvals++
		case ChoiceReject:
			res.Rejections++
		default:
			res.Abstentions++
		}
	}
	for _, id := range p.Voters() {
		if !voted[id] {
			res.Outstanding = append(res.Outstanding, id)
		}
	}
	if res.VotesCast > 0 {
		res.ApprovalRate = round2(float64(res.Approvals) / float64(res.VotesCast) * 100)
	}
	if !p.Status.Open() {
		res.Resolved = true
		return res
	}

	switch p.Mode {
	case ModeQuorum:
		if len(res.Outstanding) == 0 {
			res.Resolved = true
			res.Status = StatusRejected
			if res.ApprovalRate >= round2(p.Threshold*100) {
				res.Status = StatusApproved
			}
		}
	case ModeMajority:
		half := float64(len(p.Eligible)) / 2
		switch {
		case float64(res.Approvals) > half:
			res.Resolved = true
			res.Status = StatusApproved
		case float64(res.Approvals+len(res.Outstanding)) <= half:
			res.Resolved = true
			res.Status = StatusRejected
		}
	}
	return res
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
