package cycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/budget"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

type fixture struct {
	svc    *Service
	gates  *gate.Engine
	ledger *budget.Ledger
	roster gate.Roster
}

func newFixture(t *testing.T, roster gate.Roster) fixture {
	t.Helper()
	rec := audit.NewRecorder(nil, audit.NewMemorySink())
	gates := gate.NewEngine(gate.NewMemoryRepository(), roster, rec, nil, nil)
	ledger := budget.NewLedger(budget.NewMemoryRepository(), rec, nil)
	if _, err := ledger.OpenAccount(context.Background(), budget.Account{ID: "team-alpha", Kind: budget.AccountKindTeam, Allotment: 500, ReputationMultiplier: 1}); err != nil {
		t.Fatalf("open account: %v", err)
	}
	return fixture{
		svc:    NewService(NewMemoryRepository(), gates, ledger, rec, nil),
		gates:  gates,
		ledger: ledger,
		roster: roster,
	}
}

func (f fixture) intake(t *testing.T) Cycle {
	t.Helper()
	c, err := f.svc.Intake(context.Background(), IntakeRequest{Title: "vol carry", OwnerID: "agent-quant-1", Team: "alpha", AccountID: "team-alpha"})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	return c
}

func (f fixture) decideAll(t *testing.T, cycleID string, stage gate.Stage, p gate.Payload) {
	t.Helper()
	g, _ := f.roster.For(stage)
	for _, a := range g.Approvers {
		if _, err := f.gates.Submit(context.Background(), gate.SubmitRequest{CycleID: cycleID, Gate: stage, ApproverID: a.ID, Payload: p}); err != nil {
			t.Fatalf("submit %s at %s: %v", a.ID, stage, err)
		}
		if res, _ := f.gates.Resolve(context.Background(), cycleID, stage); res.Final() {
			return
		}
	}
}

func (f fixture) advance(t *testing.T, cycleID string) Cycle {
	t.Helper()
	c, err := f.svc.Advance(context.Background(), cycleID, "agent-ops")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return c
}

type edge struct {
	From, To gate.Stage
	Kind     HistoryKind
}

func edges(h []History) []edge {
	out := make([]edge, 0, len(h))
	for _, row := range h {
		out = append(out, edge{row.From, row.To, row.Kind})
	}
	return out
}

func TestReturnedMovesBackWithWorkOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)

	f.decideAll(t, c.ID, gate.StageIdeaIntake, gate.ApprovePayload{})
	f.advance(t, c.ID)
	f.decideAll(t, c.ID, gate.StageDataGate, gate.ApprovePayload{})
	c = f.advance(t, c.ID)
	if c.Current != gate.StageBacktestGate {
		t.Fatalf("expected BACKTEST_GATE, got %s", c.Current)
	}

	f.decideAll(t, c.ID, gate.StageBacktestGate, gate.ReturnPayload{ToStage: gate.StageDataGate, RequiredExperiments: []string{"vol_filter"}})
	c = f.advance(t, c.ID)

	want := Cycle{
		Current:     gate.StageDataGate,
		Previous:    gate.StageBacktestGate,
		GatesPassed: []gate.Stage{gate.StageIdeaIntake},
		WorkOrder:   []string{"vol_filter"},
		Round:       2,
	}
	opts := cmpopts.IgnoreFields(Cycle{}, "ID", "Title", "OwnerID", "Team", "AccountID", "Version", "CreatedAt", "UpdatedAt")
	if diff := cmp.Diff(want, c, opts); diff != "" {
		t.Fatalf("cycle mismatch (-want +got):\n%s", diff)
	}

	history, err := f.svc.History(ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantEdges := []edge{
		{gate.StageIdeaIntake, gate.StageDataGate, KindForward},
		{gate.StageDataGate, gate.StageBacktestGate, KindForward},
		{gate.StageBacktestGate, gate.StageDataGate, KindReturned},
	}
	if diff := cmp.Diff(wantEdges, edges(history)); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	if history[2].TriggeredBy != "agent-ops" {
		t.Fatalf("unexpected trigger %q", history[2].TriggeredBy)
	}

	res, err := f.gates.Resolve(ctx, c.ID, gate.StageDataGate)
	if err != nil || res.Round != 2 || res.Outcome != gate.OutcomePending {
		t.Fatalf("expected a fresh DATA_GATE round: %#v err=%v", res, err)
	}
}

func TestAdvanceIsIdempotentWhilePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)

	first := f.advance(t, c.ID)
	second := f.advance(t, c.ID)
	if first.Version != c.Version || second.Version != c.Version {
		t.Fatalf("pending advance must not write: %d %d %d", c.Version, first.Version, second.Version)
	}
	h, _ := f.svc.History(ctx, c.ID)
	if len(h) != 0 {
		t.Fatalf("expected no history, got %d rows", len(h))
	}
}

func TestConcurrentAdvanceAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)
	f.decideAll(t, c.ID, gate.StageIdeaIntake, gate.ApprovePayload{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Advance(ctx, c.ID, "agent-ops"); err != nil {
				t.Errorf("advance: %v", err)
			}
		}()
	}
	wg.Wait()
	h, _ := f.svc.History(ctx, c.ID)
	if len(h) != 1 || h[0].To != gate.StageDataGate {
		t.Fatalf("expected a single forward row, got %#v", h)
	}
}

func TestFullPipelineOnlyUsesLegalEdges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)

	// one return along the way
	f.decideAll(t, c.ID, gate.StageIdeaIntake, gate.ApprovePayload{})
	f.advance(t, c.ID)
	f.decideAll(t, c.ID, gate.StageDataGate, gate.ApprovePayload{})
	f.advance(t, c.ID)
	f.decideAll(t, c.ID, gate.StageBacktestGate, gate.ApprovePayload{})
	f.advance(t, c.ID)
	f.decideAll(t, c.ID, gate.StageRobustness, gate.ReturnPayload{ToStage: gate.StageBacktestGate, RequiredExperiments: []string{"oos_2019"}})
	c = f.advance(t, c.ID)
	for !c.Archived() {
		f.decideAll(t, c.ID, c.Current, gate.ApprovePayload{})
		c = f.advance(t, c.ID)
	}
	if c.FinalDecision != DecisionApproved || c.Previous != gate.StageBoardDecision {
		t.Fatalf("expected approved archive, got %#v", c)
	}

	history, _ := f.svc.History(ctx, c.ID)
	for _, h := range history {
		next, _ := gate.Next(h.From)
		switch {
		case h.Kind == KindForward && h.To == next:
		case h.Kind == KindReturned && gate.Before(h.To, h.From):
		case h.To == gate.StageArchive && (h.Kind == KindRejected || h.Kind == KindTimeout || h.Kind == KindWithdrawn):
		default:
			t.Fatalf("illegal edge %s -> %s (%s)", h.From, h.To, h.Kind)
		}
	}

	again, err := f.svc.Advance(ctx, c.ID, "agent-ops")
	if err != nil || again.Version != c.Version {
		t.Fatalf("advance on archive must be a no-op: %v", err)
	}
}

func TestRejectionArchivesAndBlocksCharges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)
	f.decideAll(t, c.ID, gate.StageIdeaIntake, gate.RejectPayload{Reason: "duplicate idea"})
	c = f.advance(t, c.ID)
	if !c.Archived() || c.FinalDecision != DecisionRejected {
		t.Fatalf("expected rejected archive, got %#v", c)
	}
	if _, err := f.svc.ChargeExperiment(ctx, c.ID, "exp-1", 10); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("expected archived cycle to refuse charges, got %v", err)
	}
	if _, err := f.svc.Withdraw(ctx, c.ID, "agent-quant-1", "changed mind"); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("archive is terminal, got %v", err)
	}
}

func TestTimeoutArchivesAndReportsError(t *testing.T) {
	roster := gate.DefaultRoster()
	intake := roster.Gates[gate.StageIdeaIntake]
	intake.Deadline = time.Nanosecond
	roster.Gates[gate.StageIdeaIntake] = intake

	f := newFixture(t, roster)
	c := f.intake(t)
	time.Sleep(time.Millisecond)

	got, err := f.svc.Advance(context.Background(), c.ID, "agent-ops")
	if !errors.Is(err, ErrGateTimeout) {
		t.Fatalf("expected gate timeout, got %v", err)
	}
	if !got.Archived() || got.FinalDecision != DecisionRejected {
		t.Fatalf("expected archived rejection alongside the error, got %#v", got)
	}
	h, _ := f.svc.History(context.Background(), c.ID)
	if len(h) != 1 || h[0].Kind != KindTimeout {
		t.Fatalf("expected a timeout row, got %#v", h)
	}
}

func TestWithdrawAndCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)

	entry, err := f.svc.ChargeExperiment(ctx, c.ID, "exp-9", 120)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if entry.BalanceAfter != 120 || len(entry.Refs) != 2 {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if _, err := f.svc.ChargeExperiment(ctx, c.ID, "exp-10", 400); !errors.Is(err, fault.ErrInsufficientBudget) {
		t.Fatalf("expected insufficient budget, got %v", err)
	}

	if _, err := f.svc.Withdraw(ctx, c.ID, "agent-quant-1", ""); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	c, err = f.svc.Withdraw(ctx, c.ID, "agent-quant-1", "data licence expired")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if c.FinalDecision != DecisionWithdrawn || !c.Archived() {
		t.Fatalf("unexpected cycle %#v", c)
	}
}

func TestForceRetestKeepsStageAndBumpsRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, gate.DefaultRoster())
	c := f.intake(t)
	f.decideAll(t, c.ID, gate.StageIdeaIntake, gate.ApprovePayload{})
	c = f.advance(t, c.ID)
	f.decideAll(t, c.ID, gate.StageDataGate, gate.ApprovePayload{})

	c, err := f.svc.ForceRetest(ctx, c.ID, "agent-cro", "cro", "vendor restated prices")
	if err != nil {
		t.Fatalf("force retest: %v", err)
	}
	if c.Current != gate.StageDataGate || c.Round != 2 {
		t.Fatalf("expected DATA_GATE round 2, got %s round %d", c.Current, c.Round)
	}
	c = f.advance(t, c.ID)
	if c.Current != gate.StageDataGate {
		t.Fatalf("retested gate must be decided again before advancing")
	}
}

func TestTransitionTable(t *testing.T) {
	triggers := []Trigger{TriggerApproved, TriggerRejected, TriggerReturned, TriggerTimeout, TriggerWithdrawn}
	for _, from := range gate.Pipeline {
		for _, trig := range triggers {
			for _, back := range gate.Pipeline {
				to, _, err := Transition(from, trig, back)
				if err != nil {
					if !errors.Is(err, fault.ErrInvalidTransition) {
						t.Fatalf("unexpected error class %v", err)
					}
					continue
				}
				next, _ := gate.Next(from)
				legal := (trig == TriggerApproved && to == next) ||
					(trig == TriggerReturned && gate.Before(to, from)) ||
					(trig != TriggerApproved && trig != TriggerReturned && to == gate.StageArchive)
				if !legal {
					t.Fatalf("table allows %s -%s-> %s", from, trig, to)
				}
			}
		}
	}
	if _, _, err := Transition(gate.StageArchive, TriggerApproved, ""); err == nil {
		t.Fatalf("archive must be terminal")
	}
	if _, _, err := Transition(gate.StageIdeaIntake, TriggerReturned, gate.StageIdeaIntake); err == nil {
		t.Fatalf("intake has nowhere to return to")
	}
}
