package gate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Approver is a named actor holding a role at a gate.
type Approver struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// GateRoster configures who decides one gate.
type GateRoster struct {
	Approvers        []Approver    `yaml:"approvers"`
	VetoHolders      []Approver    `yaml:"veto_holders"`
	ForceRetestRoles []string      `yaml:"force_retest_roles"`
	Deadline         time.Duration `yaml:"deadline"`
}

// Roster maps each gated stage to its configuration.
type Roster struct {
	DefaultDeadline time.Duration        `yaml:"default_deadline"`
	Gates           map[Stage]GateRoster `yaml:"gates"`
}

// LoadRoster reads a YAML roster file.
func LoadRoster(path string) (Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(raw)
}

// ParseRoster decodes and validates a YAML roster.
func ParseRoster(raw []byte) (Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Roster{}, fmt.Errorf("decode roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Roster{}, err
	}
	return r, nil
}

// Validate checks every gated stage has at least one approver.
func (r Roster) Validate() error {
	for stage, g := range r.Gates {
		if !stage.Gated() {
			return fmt.Errorf("roster: %s is not a gated stage", stage)
		}
		seen := map[string]bool{}
		for _, a := range g.Approvers {
			if a.ID == "" || a.Role == "" {
				return fmt.Errorf("roster: %s approver needs id and role", stage)
			}
			if seen[a.ID] {
				return fmt.Errorf("roster: %s lists approver %s twice", stage, a.ID)
			}
			seen[a.ID] = true
		}
		if g.Deadline < 0 {
			return fmt.Errorf("roster: %s deadline must be positive", stage)
		}
	}
	for _, stage := range Pipeline {
		if stage.Gated() && len(r.Gates[stage].Approvers) == 0 {
			return fmt.Errorf("roster: %s has no approvers", stage)
		}
	}
	return nil
}

// For returns the roster of a gate.
func (r Roster) For(stage Stage) (GateRoster, bool) {
	g, ok := r.Gates[stage]
	return g, ok
}

// DeadlineFor returns the gate deadline, falling back to the roster default
// and then to 72 hours.
func (r Roster) DeadlineFor(stage Stage) time.Duration {
	if g, ok := r.Gates[stage]; ok && g.Deadline > 0 {
		return g.Deadline
	}
	if r.DefaultDeadline > 0 {
		return r.DefaultDeadline
	}
	return 72 * time.Hour
}

func (g GateRoster) approver(id string) (Approver, bool) {
	for _, a := range g.Approvers {
		if a.ID == id {
			return a, true
		}
	}
	return Approver{}, false
}

func (g GateRoster) vetoHolder(id string) (Approver, bool) {
	for _, a := range g.VetoHolders {
		if a.ID == id {
			return a, true
		}
	}
	return Approver{}, false
}

func (g GateRoster) canForceRetest(role string) bool {
	for _, r := range g.ForceRetestRoles {
		if r == role {
			return true
		}
	}
	return false
}

// DefaultRoster is the stock configuration used when no roster file is set.
func DefaultRoster() Roster {
	cro := Approver{ID: "agent-cro", Role: "cro"}
	cio := Approver{ID: "agent-cio", Role: "cio"}
	chair := Approver{ID: "agent-board-chair", Role: "board_chair"}
	return Roster{
		DefaultDeadline: 72 * time.Hour,
		Gates: map[Stage]GateRoster{
			StageIdeaIntake: {
				Approvers: []Approver{{ID: "agent-research-lead", Role: "research_lead"}},
				Deadline:  24 * time.Hour,
			},
			StageDataGate: {
				Approvers:        []Approver{{ID: "agent-data-steward", Role: "data_steward"}},
				ForceRetestRoles: []string{"cro"},
			},
			StageBacktestGate: {
				Approvers:        []Approver{{ID: "agent-quant-reviewer", Role: "quant_reviewer"}},
				ForceRetestRoles: []string{"cro"},
			},
			StageRobustness: {
				Approvers: []Approver{
					{ID: "agent-quant-reviewer", Role: "quant_reviewer"},
					{ID: "agent-risk-analyst", Role: "risk_analyst"},
				},
				ForceRetestRoles: []string{"cro"},
			},
			StageRiskSkeptic: {
				Approvers:        []Approver{{ID: "agent-risk-skeptic", Role: "risk_skeptic"}},
				VetoHolders:      []Approver{cro},
				ForceRetestRoles: []string{"cro"},
			},
			StageICReview: {
				Approvers:   []Approver{cio, cro},
				VetoHolders: []Approver{cio},
			},
			StageBoardPack: {
				Approvers: []Approver{{ID: "agent-ic-secretary", Role: "ic_secretary"}},
				Deadline:  48 * time.Hour,
			},
			StageBoardDecision: {
				Approvers:   []Approver{chair, cio},
				VetoHolders: []Approver{chair},
				Deadline:    7 * 24 * time.Hour,
			},
		},
	}
}
