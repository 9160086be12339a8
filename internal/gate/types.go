package gate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status of a single approval record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusReturned Status = "RETURNED"
	StatusSkipped  Status = "SKIPPED"
)

// Payload is the decision an approver records. The set of implementations
// is closed; each kind carries only the fields it needs.
type Payload interface {
	Kind() string
	Status() Status
	isPayload()
}

// ApprovePayload approves the gate from this approver.
type ApprovePayload struct{}

// RejectPayload rejects the gate.
type RejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ReturnPayload sends the cycle back to an earlier stage with a work order.
type ReturnPayload struct {
	ToStage             Stage    `json:"to_stage"`
	RequiredExperiments []string `json:"required_experiments"`
}

// VetoPayload resolves the gate unilaterally.
type VetoPayload struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// SkipPayload abstains and counts as approval from this approver.
type SkipPayload struct {
	Reason string `json:"reason"`
}

func (ApprovePayload) Kind() string   { return "approve" }
func (ApprovePayload) Status() Status { return StatusApproved }
func (ApprovePayload) isPayload()     {}
func (RejectPayload) Kind() string    { return "reject" }
func (RejectPayload) Status() Status  { return StatusRejected }
func (RejectPayload) isPayload()      {}
func (ReturnPayload) Kind() string    { return "return" }
func (ReturnPayload) Status() Status  { return StatusReturned }
func (ReturnPayload) isPayload()      {}
func (VetoPayload) Kind() string      { return "veto" }
func (VetoPayload) isPayload()        {}
func (SkipPayload) Kind() string      { return "skip" }
func (SkipPayload) Status() Status    { return StatusSkipped }
func (SkipPayload) isPayload()        {}

func (p VetoPayload) Status() Status {
	if p.Approve {
		return StatusApproved
	}
	return StatusRejected
}

type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodePayload serialises a payload with its kind tag.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// DecodePayload reverses EncodePayload. Empty input decodes to nil.
func DecodePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return PayloadFromJSON(env.Kind, env.Data)
}

// PayloadFromJSON builds the variant named by kind.
func PayloadFromJSON(kind string, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	unmarshal := func(v interface{}) error {
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, v)
	}
	switch kind {
	case "approve":
		p = ApprovePayload{}
	case "reject":
		var v RejectPayload
		err = unmarshal(&v)
		p = v
	case "return":
		var v ReturnPayload
		err = unmarshal(&v)
		p = v
	case "veto":
		var v VetoPayload
		err = unmarshal(&v)
		p = v
	case "skip":
		var v SkipPayload
		err = unmarshal(&v)
		p = v
	default:
		return nil, fmt.Errorf("unknown decision kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// GateApproval is one record per (cycle, gate, round, approver).
type GateApproval struct {
	ID              string
	CycleID         string
	Gate            Stage
	Round           int
	ApproverID      string
	Role            string
	Status          Status
	Payload         Payload
	Comments        string
	VetoUsed        bool
	ForceRetestUsed bool
	Superseded      bool
	TimedOut        bool
	DeadlineAt      time.Time
	CreatedAt       time.Time
	DecidedAt       *time.Time
	Version         int64
}

// Outcome of a gate round.
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeReturned Outcome = "RETURNED"
)

// Resolution is the derived state of the current round of a gate.
type Resolution struct {
	CycleID             string
	Gate                Stage
	Round               int
	Outcome             Outcome
	Veto                bool
	Timeout             bool
	ReturnTo            Stage
	RequiredExperiments []string
	DecidedBy           string
	Reason              string
}

// Final reports whether the round is decided.
func (r Resolution) Final() bool { return r.Outcome != OutcomePending }

// Expired identifies a gate round that timed out during a sweep.
type Expired struct {
	CycleID string
	Gate    Stage
	Round   int
}
