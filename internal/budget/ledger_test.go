package budget

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

func newTestLedger(t *testing.T) (*Ledger, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	return NewLedger(NewMemoryRepository(), audit.NewRecorder(nil, sink), nil), sink
}

func TestDeductScenarioNearLimit(t *testing.T) {
	ctx := context.Background()
	l, sink := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, Account{ID: "A", Kind: AccountKindTeam, Allotment: 500, ReputationMultiplier: 1.0}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Deduct(ctx, "A", 480, "seed", ExperimentRef("exp-0")); err != nil {
		t.Fatalf("seed deduct: %v", err)
	}

	_, err := l.Deduct(ctx, "A", 30, "backtest", ExperimentRef("exp-1"))
	var insufficient *InsufficientBudgetError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBudgetError, got %v", err)
	}
	if !errors.Is(err, fault.ErrInsufficientBudget) {
		t.Fatalf("expected taxonomy match")
	}
	if insufficient.Available != 20 {
		t.Fatalf("expected 20 available, got %d", insufficient.Available)
	}
	acct, _ := l.Account(ctx, "A")
	if acct.Spent != 480 {
		t.Fatalf("failed deduct must not change spent, got %d", acct.Spent)
	}

	entry, err := l.Deduct(ctx, "A", 20, "backtest", ExperimentRef("exp-1"))
	if err != nil {
		t.Fatalf("deduct 20: %v", err)
	}
	if entry.BalanceAfter != 500 {
		t.Fatalf("expected balance_after 500, got %d", entry.BalanceAfter)
	}
	entries, _ := l.Entries(ctx, "A", 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}

	var rejected int
	for _, ev := range sink.Events("A") {
		if ev.Action == "deduct" && ev.Outcome == audit.OutcomeRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected the refused deduct in the audit log, got %d", rejected)
	}
}

func TestConcurrentDeductNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, Account{ID: "team-alpha", Kind: AccountKindTeam, Allotment: 1000, ReputationMultiplier: 0.75}); err != nil {
		t.Fatalf("open: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Deduct(ctx, "team-alpha", 25, "experiment"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, fault.ErrInsufficientBudget) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := l.Account(ctx, "team-alpha")
	if acct.Spent != 750 {
		t.Fatalf("expected spent to stop exactly at the 750 limit, got %d", acct.Spent)
	}
	if succeeded*25 != acct.Spent {
		t.Fatalf("successful deducts (%d) do not match spent %d", succeeded, acct.Spent)
	}
	rep, err := l.Verify(ctx, "team-alpha")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.Consistent || !rep.WithinLimit {
		t.Fatalf("journal replay broken: %#v", rep)
	}
}

func TestCreditRefundsAndRejectsOverRefund(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, _ = l.OpenAccount(ctx, Account{ID: "agent-1", Kind: AccountKindAgent, Allotment: 100})
	if _, err := l.Deduct(ctx, "agent-1", 60, "robustness"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	entry, err := l.Credit(ctx, "agent-1", 10, "experiment cancelled")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if entry.Amount != -10 || entry.BalanceAfter != 50 {
		t.Fatalf("unexpected credit entry: %#v", entry)
	}
	if _, err := l.Credit(ctx, "agent-1", 51, "too much"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected over-refund to be rejected, got %v", err)
	}
	rep, _ := l.Verify(ctx, "agent-1")
	if !rep.Consistent || rep.Spent != 50 {
		t.Fatalf("unexpected replay: %#v", rep)
	}
}

func TestDeductValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, _ = l.OpenAccount(ctx, Account{ID: "agent-2", Kind: AccountKindAgent, Allotment: 100})
	if _, err := l.Deduct(ctx, "agent-2", 0, "noop"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := l.Deduct(ctx, "agent-2", 5, ""); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for missing operation, got %v", err)
	}
	if _, err := l.Deduct(ctx, "agent-2", 5, "x", Ref{Kind: "gossip", ID: "1"}); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for unknown ref kind, got %v", err)
	}
	if _, err := l.Deduct(ctx, "ghost", 5, "x"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyMultiplierChangesLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, _ = l.OpenAccount(ctx, Account{ID: "team-beta", Kind: AccountKindTeam, Allotment: 400})
	acct, err := l.ApplyMultiplier(ctx, "team-beta", 1.25)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if acct.Limit() != 500 {
		t.Fatalf("expected limit 500, got %d", acct.Limit())
	}
	ok, err := l.CheckAvailable(ctx, "team-beta", 500)
	if err != nil || !ok {
		t.Fatalf("expected 500 to be available: ok=%v err=%v", ok, err)
	}
}

func TestLimitFloorsFractionalPoints(t *testing.T) {
	if got := Limit(333, 1.5); got != 499 {
		t.Fatalf("expected floor(499.5)=499, got %d", got)
	}
}
