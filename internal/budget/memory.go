package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// MemoryRepository keeps accounts in process. Each account carries its own
// mutex so writers on different accounts never contend.
type MemoryRepository struct {
	accounts sync.Map // id -> *accountState
}

type accountState struct {
	mu      sync.Mutex
	account Account
	entries []LedgerEntry
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (m *MemoryRepository) state(id string) (*accountState, error) {
	v, ok := m.accounts.Load(id)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	return v.(*accountState), nil
}

func (m *MemoryRepository) CreateAccount(ctx context.Context, acct Account) (Account, error) {
	now := time.Now().UTC()
	acct.Version = 1
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if _, loaded := m.accounts.LoadOrStore(acct.ID, &accountState{account: acct}); loaded {
		return Account{}, fmt.Errorf("account %s already exists: %w", acct.ID, fault.ErrConflict)
	}
	return acct, nil
}

func (m *MemoryRepository) GetAccount(ctx context.Context, id string) (Account, bool, error) {
	st, err := m.state(id)
	if err != nil {
		return Account{}, false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account, true, nil
}

func (m *MemoryRepository) Deduct(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error) {
	st, err := m.state(entry.AccountID)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.account.CanSpend(entry.Amount) {
		return LedgerEntry{}, false, nil
	}
	st.account.Spent += entry.Amount
	st.account.Version++
	st.account.UpdatedAt = entry.CreatedAt
	entry.BalanceAfter = st.account.Spent
	st.entries = append(st.entries, entry)
	return entry, true, nil
}

func (m *MemoryRepository) Credit(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error) {
	st, err := m.state(entry.AccountID)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.account.Spent+entry.Amount < 0 {
		return LedgerEntry{}, false, nil
	}
	st.account.Spent += entry.Amount
	st.account.Version++
	st.account.UpdatedAt = entry.CreatedAt
	entry.BalanceAfter = st.account.Spent
	st.entries = append(st.entries, entry)
	return entry, true, nil
}

func (m *MemoryRepository) SetMultiplier(ctx context.Context, id string, multiplier float64) (Account, error) {
	st, err := m.state(id)
	if err != nil {
		return Account{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.account.ReputationMultiplier = multiplier
	st.account.Version++
	st.account.UpdatedAt = time.Now().UTC()
	return st.account, nil
}

func (m *MemoryRepository) ListEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	st, err := m.state(accountID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	out := make([]LedgerEntry, len(st.entries))
	copy(out, st.entries)
	st.mu.Unlock()
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
