package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/quantgov/internal/budget"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// LedgerRepository is the Postgres budget.Repository.
type LedgerRepository struct{ *Store }

func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s} }

func (r *LedgerRepository) CreateAccount(ctx context.Context, acct budget.Account) (budget.Account, error) {
	row := r.DB.QueryRowContext(ctx, `
INSERT INTO budget_accounts (id, kind, allotment, spent, reputation_multiplier, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,1,NOW(),NOW())
RETURNING version, created_at, updated_at
`, acct.ID, string(acct.Kind), acct.Allotment, acct.Spent, acct.ReputationMultiplier)
	if err := row.Scan(&acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return budget.Account{}, fmt.Errorf("account %s already exists: %w", acct.ID, fault.ErrConflict)
		}
		return budget.Account{}, err
	}
	return acct, nil
}

func (r *LedgerRepository) GetAccount(ctx context.Context, id string) (budget.Account, bool, error) {
	var (
		acct budget.Account
		kind string
	)
	err := r.DB.QueryRowContext(ctx, `
SELECT id, kind, allotment, spent, reputation_multiplier, version, created_at, updated_at
FROM budget_accounts
WHERE id=$1
`, id).Scan(&acct.ID, &kind, &acct.Allotment, &acct.Spent, &acct.ReputationMultiplier, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Account{}, false, nil
	}
	if err != nil {
		return budget.Account{}, false, err
	}
	acct.Kind = budget.AccountKind(kind)
	return acct, true, nil
}

// Deduct is a single conditional UPDATE; the journal row is written in the
// same transaction only when the limit check passed.
func (r *LedgerRepository) Deduct(ctx context.Context, entry budget.LedgerEntry) (budget.LedgerEntry, bool, error) {
	return r.apply(ctx, entry, `
UPDATE budget_accounts
SET spent = spent + $2, version = version + 1, updated_at = $3
WHERE id = $1 AND spent + $2 <= floor(allotment * reputation_multiplier)
RETURNING spent
`)
}

// Credit lowers spent, never below zero.
func (r *LedgerRepository) Credit(ctx context.Context, entry budget.LedgerEntry) (budget.LedgerEntry, bool, error) {
	return r.apply(ctx, entry, `
UPDATE budget_accounts
SET spent = spent + $2, version = version + 1, updated_at = $3
WHERE id = $1 AND spent + $2 >= 0
RETURNING spent
`)
}

func (r *LedgerRepository) apply(ctx context.Context, entry budget.LedgerEntry, update string) (budget.LedgerEntry, bool, error) {
	refs, err := json.Marshal(entryRefs(entry.Refs))
	if err != nil {
		return budget.LedgerEntry{}, false, err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, update, entry.AccountID, entry.Amount, entry.CreatedAt).Scan(&entry.BalanceAfter); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errLostRace
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries (id, account_id, amount, balance_after, operation, reason, refs, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, entry.ID, entry.AccountID, entry.Amount, entry.BalanceAfter, entry.Operation, nullableString(entry.Reason), refs, entry.CreatedAt)
		return err
	})
	if errors.Is(err, errLostRace) {
		if _, found, gerr := r.GetAccount(ctx, entry.AccountID); gerr == nil && !found {
			return budget.LedgerEntry{}, false, fmt.Errorf("account %s: %w", entry.AccountID, fault.ErrNotFound)
		}
		return budget.LedgerEntry{}, false, nil
	}
	if err != nil {
		return budget.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (r *LedgerRepository) SetMultiplier(ctx context.Context, id string, multiplier float64) (budget.Account, error) {
	var (
		acct budget.Account
		kind string
	)
	err := r.DB.QueryRowContext(ctx, `
UPDATE budget_accounts
SET reputation_multiplier = $2, version = version + 1, updated_at = NOW()
WHERE id = $1
RETURNING id, kind, allotment, spent, reputation_multiplier, version, created_at, updated_at
`, id, multiplier).Scan(&acct.ID, &kind, &acct.Allotment, &acct.Spent, &acct.ReputationMultiplier, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Account{}, fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return budget.Account{}, err
	}
	acct.Kind = budget.AccountKind(kind)
	return acct, nil
}

// ListEntries returns the newest limit entries in chronological order, or
// the whole journal when limit is zero.
func (r *LedgerRepository) ListEntries(ctx context.Context, accountID string, limit int) ([]budget.LedgerEntry, error) {
	query := `
SELECT id, account_id, amount, balance_after, operation, COALESCE(reason,''), refs, created_at
FROM (
  SELECT * FROM ledger_entries WHERE account_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
) recent
ORDER BY created_at ASC, id ASC
`
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := r.DB.QueryContext(ctx, query, accountID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []budget.LedgerEntry
	for rows.Next() {
		var (
			e   budget.LedgerEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.Operation, &e.Reason, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var refs []budget.Ref
			if err := json.Unmarshal(raw, &refs); err != nil {
				return nil, fmt.Errorf("decode refs of entry %s: %w", e.ID, err)
			}
			e.Refs = refs
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func entryRefs(refs []budget.Ref) []budget.Ref {
	if refs == nil {
		return []budget.Ref{}
	}
	return refs
}
