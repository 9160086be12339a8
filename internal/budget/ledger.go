package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"go.uber.org/zap"
)

// Repository is the durable side of the ledger. Deduct and Credit must each be
// a single conditional write plus the journal insert in one transaction; a
// separate read-then-write is not acceptable because concurrent callers would
// both pass the check.
type Repository interface {
	CreateAccount(ctx context.Context, acct Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, bool, error)
	// Deduct adds entry.Amount to spent only if the result stays within the
	// limit. ok is false, with nothing written, when it would not.
	Deduct(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error)
	// Credit subtracts -entry.Amount from spent only if spent stays >= 0.
	Credit(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error)
	SetMultiplier(ctx context.Context, id string, multiplier float64) (Account, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
}

// Ledger exposes the budget operations to the rest of the core.
type Ledger struct {
	repo   Repository
	audit  *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger wires a ledger over a repository.
func NewLedger(repo Repository, rec *audit.Recorder, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{repo: repo, audit: rec, logger: logger.Named("ledger"), now: time.Now}
}

// OpenAccount creates an account. A zero multiplier defaults to 1.0.
func (l *Ledger) OpenAccount(ctx context.Context, acct Account) (Account, error) {
	if acct.ReputationMultiplier == 0 {
		acct.ReputationMultiplier = 1.0
	}
	if err := acct.Validate(); err != nil {
		return Account{}, fault.Invalid("account", err.Error())
	}
	out, err := l.repo.CreateAccount(ctx, acct)
	if err != nil {
		return Account{}, fault.Storage("ledger.open_account", err)
	}
	l.record(ctx, audit.Event{
		Entity:   audit.EntityAccount,
		EntityID: out.ID,
		Action:   "open",
		Payload: map[string]interface{}{
			"kind":       string(out.Kind),
			"allotment":  out.Allotment,
			"multiplier": out.ReputationMultiplier,
		},
	})
	return out, nil
}

// Account returns the current account state.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	acct, ok, err := l.repo.GetAccount(ctx, id)
	if err != nil {
		return Account{}, fault.Storage("ledger.get_account", err)
	}
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	return acct, nil
}

// CheckAvailable is advisory only. Deduct re-checks atomically.
func (l *Ledger) CheckAvailable(ctx context.Context, accountID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fault.Invalid("amount", "must be a positive number of compute points")
	}
	acct, err := l.Account(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.CanSpend(amount), nil
}

// Deduct spends amount CP from the account in one atomic step and returns the
// journal entry whose BalanceAfter is authoritative.
func (l *Ledger) Deduct(ctx context.Context, accountID string, amount int64, operation string, refs ...Ref) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fault.Invalid("amount", "must be a positive number of compute points")
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return LedgerEntry{}, fault.Invalid("operation", "required")
	}
	for _, r := range refs {
		if err := r.Validate(); err != nil {
			return LedgerEntry{}, fault.Invalid("refs", err.Error())
		}
	}

	entry := LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Operation: operation,
		Refs:      refs,
		CreatedAt: l.now().UTC(),
	}
	out, ok, err := l.repo.Deduct(ctx, entry)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return LedgerEntry{}, err
		}
		return LedgerEntry{}, fault.Storage("ledger.deduct", err)
	}
	if !ok {
		insufficient := &InsufficientBudgetError{AccountID: accountID, Requested: amount}
		if acct, found, gerr := l.repo.GetAccount(ctx, accountID); gerr == nil && found {
			insufficient.Available = acct.Available()
			insufficient.Limit = acct.Limit()
		}
		recordDeduct(ctx, "insufficient", 0)
		l.logger.Info("deduct refused",
			zap.String("account_id", accountID),
			zap.Int64("requested", amount),
			zap.Int64("available", insufficient.Available))
		l.record(ctx, audit.Event{
			Entity:   audit.EntityAccount,
			EntityID: accountID,
			Action:   "deduct",
			Outcome:  audit.OutcomeRejected,
			Error:    insufficient.Error(),
			Payload:  map[string]interface{}{"amount": amount, "operation": operation},
		})
		return LedgerEntry{}, insufficient
	}
	recordDeduct(ctx, "ok", amount)
	l.record(ctx, audit.Event{
		Entity:   audit.EntityAccount,
		EntityID: accountID,
		Action:   "deduct",
		Payload: map[string]interface{}{
			"entry_id":      out.ID,
			"amount":        out.Amount,
			"balance_after": out.BalanceAfter,
			"operation":     operation,
		},
	})
	return out, nil
}

// Credit refunds amount CP. Refunds larger than the spent value are refused.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason string) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fault.Invalid("amount", "must be a positive number of compute points")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return LedgerEntry{}, fault.Invalid("reason", "required")
	}
	entry := LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    -amount,
		Operation: "credit",
		Reason:    reason,
		CreatedAt: l.now().UTC(),
	}
	out, ok, err := l.repo.Credit(ctx, entry)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return LedgerEntry{}, err
		}
		return LedgerEntry{}, fault.Storage("ledger.credit", err)
	}
	if !ok {
		err := fmt.Errorf("account %s: %w", accountID, ErrCreditExceedsSpent)
		l.record(ctx, audit.Event{
			Entity:   audit.EntityAccount,
			EntityID: accountID,
			Action:   "credit",
			Outcome:  audit.OutcomeRejected,
			Error:    err.Error(),
			Payload:  map[string]interface{}{"amount": amount, "reason": reason},
		})
		return LedgerEntry{}, fault.Invalid("amount", err.Error())
	}
	recordCredit(ctx, amount)
	l.record(ctx, audit.Event{
		Entity:   audit.EntityAccount,
		EntityID: accountID,
		Action:   "credit",
		Payload: map[string]interface{}{
			"entry_id":      out.ID,
			"amount":        out.Amount,
			"balance_after": out.BalanceAfter,
			"reason":        reason,
		},
	})
	return out, nil
}

// Entries lists the journal for an account, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	entries, err := l.repo.ListEntries(ctx, accountID, limit)
	if err != nil {
		return nil, fault.Storage("ledger.entries", err)
	}
	return entries, nil
}

// Verify replays the full journal against the account's spent counter.
func (l *Ledger) Verify(ctx context.Context, accountID string) (Replay, error) {
	acct, err := l.Account(ctx, accountID)
	if err != nil {
		return Replay{}, err
	}
	entries, err := l.Entries(ctx, accountID, 0)
	if err != nil {
		return Replay{}, err
	}
	rep := ReplayEntries(acct, entries)
	if !rep.Consistent {
		l.logger.Error("ledger journal does not replay to spent",
			zap.String("account_id", accountID),
			zap.Int64("journal_sum", rep.JournalSum),
			zap.Int64("spent", rep.Spent))
	}
	return rep, nil
}

// ApplyMultiplier sets the reputation multiplier for the next period. The
// period scheduler that decides when to call it lives outside this core.
func (l *Ledger) ApplyMultiplier(ctx context.Context, accountID string, multiplier float64) (Account, error) {
	if multiplier <= 0 {
		return Account{}, fault.Invalid("multiplier", "must be positive")
	}
	acct, err := l.repo.SetMultiplier(ctx, accountID, multiplier)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return Account{}, err
		}
		return Account{}, fault.Storage("ledger.apply_multiplier", err)
	}
	l.record(ctx, audit.Event{
		Entity:   audit.EntityAccount,
		EntityID: accountID,
		Action:   "apply_multiplier",
		Payload:  map[string]interface{}{"multiplier": multiplier, "limit": acct.Limit()},
	})
	return acct, nil
}

func (l *Ledger) record(ctx context.Context, ev audit.Event) {
	if err := l.audit.Record(ctx, ev); err != nil {
		l.logger.Warn("audit append failed", zap.String("action", ev.Action), zap.String("entity_id", ev.EntityID), zap.Error(err))
	}
}
