// Package memory stores agent notes with scoped visibility and an approval
// chain, and retrieves them with a hybrid vector and lexical ranker fused by
// reciprocal rank.
package memory

import (
	"fmt"
	"time"
)

// Scope is the visibility tier of a memory.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeTeam    Scope = "team"
	ScopeOrg     Scope = "org"
)

// Status is the approval state of a memory as a whole.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// StepStatus is the state of one approval step.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepApproved StepStatus = "APPROVED"
	StepRejected StepStatus = "REJECTED"
)

// Role names used in approval chains.
const (
	RoleTeamLead = "team_lead"
	RoleCIO      = "cio"
)

// RefKind discriminates structured references.
type RefKind string

const (
	RefExperiment  RefKind = "experiment"
	RefDataVersion RefKind = "data_version"
	RefArtifact    RefKind = "artifact"
)

// Ref is a structured pointer to the evidence behind a memory. The set of
// implementations is closed.
type Ref interface {
	Kind() RefKind
	Value() string
	isRef()
}

// ExperimentRef points at an experiment run.
type ExperimentRef struct {
	ExperimentID string `validate:"required,max=128"`
}

// DataVersionRef points at a hex-encoded data version digest.
type DataVersionRef struct {
	Hash string `validate:"required,hexadecimal,min=8,max=128"`
}

// ArtifactRef points at a stored artifact.
type ArtifactRef struct {
	URI string `validate:"required,uri"`
}

func (ExperimentRef) Kind() RefKind    { return RefExperiment }
func (r ExperimentRef) Value() string  { return r.ExperimentID }
func (ExperimentRef) isRef()           {}
func (DataVersionRef) Kind() RefKind   { return RefDataVersion }
func (r DataVersionRef) Value() string { return r.Hash }
func (DataVersionRef) isRef()          {}
func (ArtifactRef) Kind() RefKind      { return RefArtifact }
func (r ArtifactRef) Value() string    { return r.URI }
func (ArtifactRef) isRef()             {}

// RefRecord is the flat form used on the wire and in storage.
type RefRecord struct {
	Kind  RefKind `json:"kind"`
	Value string  `json:"value"`
}

// ParseRef converts a flat record back into its variant.
func ParseRef(rec RefRecord) (Ref, error) {
	switch rec.Kind {
	case RefExperiment:
		return ExperimentRef{ExperimentID: rec.Value}, nil
	case RefDataVersion:
		return DataVersionRef{Hash: rec.Value}, nil
	case RefArtifact:
		return ArtifactRef{URI: rec.Value}, nil
	default:
		return nil, fmt.Errorf("unknown ref kind %q", rec.Kind)
	}
}

// ParseRefs converts a list of flat records.
func ParseRefs(recs []RefRecord) ([]Ref, error) {
	out := make([]Ref, 0, len(recs))
	for _, rec := range recs {
		ref, err := ParseRef(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// Records flattens refs for storage.
func Records(refs []Ref) []RefRecord {
	out := make([]RefRecord, 0, len(refs))
	for _, r := range refs {
		out = append(out, RefRecord{Kind: r.Kind(), Value: r.Value()})
	}
	return out
}

// ApprovalStep is one ordered row of a memory approval chain.
type ApprovalStep struct {
	MemoryID   string
	Step       int
	Role       string
	ApproverID string
	Status     StepStatus
	Comment    string
	DecidedAt  *time.Time
}

// Memory is an agent note.
type Memory struct {
	ID          string
	AgentID     string
	Team        string
	Content     string
	ContentHash string
	Tags        []string
	Scope       Scope
	Confidence  float64
	ExpiresAt   *time.Time
	Expired     bool
	Embedding   []float32
	Refs        []Ref
	Status      Status
	Approvals   []ApprovalStep
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VisibleTo reports whether the requester may see the memory, ignoring approval.
func (m Memory) VisibleTo(agentID, team string) bool {
	switch m.Scope {
	case ScopePrivate:
		return m.AgentID == agentID
	case ScopeTeam:
		return m.AgentID == agentID || (team != "" && m.Team == team)
	case ScopeOrg:
		return true
	default:
		return false
	}
}

// Live reports whether the memory is still valid at now.
func (m Memory) Live(now time.Time) bool {
	if m.Expired {
		return false
	}
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// HasAnyTag reports tag intersection. An empty filter matches everything.
func (m Memory) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range m.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// StoreRequest is the input of Store.
type StoreRequest struct {
	AgentID    string        `json:"agent_id" validate:"required,max=128"`
	Team       string        `json:"team" validate:"required_unless=Scope private,max=128"`
	Content    string        `json:"content" validate:"required"`
	Tags       []string      `json:"tags" validate:"max=32,dive,required,max=64"`
	Scope      Scope         `json:"scope" validate:"required,oneof=private team org"`
	Confidence float64       `json:"confidence" validate:"gte=0,lte=1"`
	TTL        time.Duration `json:"ttl" validate:"gte=0"`
	Embedding  []float32     `json:"embedding" validate:"required"`
	Refs       []Ref         `json:"-" validate:"min=1"`
}

// Query is the input of Search.
type Query struct {
	AgentID   string
	Team      string
	Embedding []float32
	Text      string
	Tags      []string
	Scopes    []Scope
	TopK      int
}

// Result is one ranked hit.
type Result struct {
	Memory   Memory
	VecRank  int
	TextRank int
	Score    float64
	Rank     int
}
