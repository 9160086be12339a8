package cycle

import (
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

// Trigger is what moves a cycle.
type Trigger string

const (
	TriggerApproved  Trigger = "approved"
	TriggerRejected  Trigger = "rejected"
	TriggerReturned  Trigger = "returned"
	TriggerTimeout   Trigger = "timeout"
	TriggerWithdrawn Trigger = "withdrawn"
)

type rule struct {
	to   gate.Stage
	kind HistoryKind
	// backward rules take their target from the gate decision
	backward bool
}

// table is the single source of legal moves: (from, trigger) -> rule.
var table = buildTable()

func buildTable() map[gate.Stage]map[Trigger]rule {
	t := make(map[gate.Stage]map[Trigger]rule)
	for i, from := range gate.Pipeline {
		if !from.Gated() {
			continue
		}
		next := gate.Pipeline[i+1]
		rules := map[Trigger]rule{
			TriggerApproved:  {to: next, kind: KindForward},
			TriggerRejected:  {to: gate.StageArchive, kind: KindRejected},
			TriggerTimeout:   {to: gate.StageArchive, kind: KindTimeout},
			TriggerWithdrawn: {to: gate.StageArchive, kind: KindWithdrawn},
		}
		if i > 0 {
			rules[TriggerReturned] = rule{kind: KindReturned, backward: true}
		}
		t[from] = rules
	}
	return t
}

// Transition looks up the move for (from, trigger). returnTo is only read for
// returned triggers and must name a gated stage strictly before from.
func Transition(from gate.Stage, trigger Trigger, returnTo gate.Stage) (gate.Stage, HistoryKind, error) {
	rules, ok := table[from]
	if !ok {
		return "", "", &gate.InvalidTransitionError{From: from, Reason: string(trigger) + " from a terminal or unknown stage"}
	}
	r, ok := rules[trigger]
	if !ok {
		return "", "", &gate.InvalidTransitionError{From: from, Reason: "no " + string(trigger) + " edge"}
	}
	if !r.backward {
		return r.to, r.kind, nil
	}
	if !returnTo.Gated() || !gate.Before(returnTo, from) {
		return "", "", &gate.InvalidTransitionError{From: from, To: returnTo, Reason: "returns only move backward"}
	}
	return returnTo, r.kind, nil
}
