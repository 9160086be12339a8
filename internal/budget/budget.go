package budget

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AccountKind distinguishes team and agent allotments.
type AccountKind string

const (
	AccountKindTeam  AccountKind = "team"
	AccountKindAgent AccountKind = "agent"
)

// Account is a rolling compute-point allotment. Spent never exceeds Limit()
// through this package; the conditional write in the repository enforces it.
type Account struct {
	ID                   string
	Kind                 AccountKind
	Allotment            int64
	Spent                int64
	ReputationMultiplier float64
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Limit is the effective allotment after the reputation multiplier, in whole CP.
func (a Account) Limit() int64 {
	return Limit(a.Allotment, a.ReputationMultiplier)
}

// Available returns the remaining CP, never negative.
func (a Account) Available() int64 {
	if v := a.Limit() - a.Spent; v > 0 {
		return v
	}
	return 0
}

// CanSpend reports whether amount fits in the remaining allotment.
func (a Account) CanSpend(amount int64) bool {
	return amount > 0 && a.Spent+amount <= a.Limit()
}

// Limit computes floor(allotment × multiplier).
func Limit(allotment int64, multiplier float64) int64 {
	return int64(math.Floor(float64(allotment) * multiplier))
}

// Validate checks an account before it is opened.
func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account id required")
	}
	switch a.Kind {
	case AccountKindTeam, AccountKindAgent:
	default:
		return fmt.Errorf("account kind must be team or agent, got %q", a.Kind)
	}
	if a.Allotment < 0 {
		return fmt.Errorf("allotment cannot be negative")
	}
	if a.Spent < 0 {
		return fmt.Errorf("spent cannot be negative")
	}
	if a.ReputationMultiplier <= 0 {
		return fmt.Errorf("reputation multiplier must be positive")
	}
	return nil
}

// RefKind is the closed set of things a ledger entry may point at.
type RefKind string

const (
	RefExperiment RefKind = "experiment"
	RefCycle      RefKind = "cycle"
	RefArtifact   RefKind = "artifact"
)

// Ref links a ledger entry to the work it paid for.
type Ref struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// ExperimentRef points at an experiment run.
func ExperimentRef(id string) Ref { return Ref{Kind: RefExperiment, ID: id} }

// CycleRef points at a research cycle.
func CycleRef(id string) Ref { return Ref{Kind: RefCycle, ID: id} }

// ArtifactRef points at a stored artifact.
func ArtifactRef(uri string) Ref { return Ref{Kind: RefArtifact, ID: uri} }

// Validate rejects unknown kinds and empty ids.
func (r Ref) Validate() error {
	switch r.Kind {
	case RefExperiment, RefCycle, RefArtifact:
	default:
		return fmt.Errorf("unknown ref kind %q", r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%s ref requires an id", r.Kind)
	}
	return nil
}

// LedgerEntry is an immutable journal row. Amount is positive for a spend and
// negative for a credit; BalanceAfter is the account's spent value after it.
type LedgerEntry struct {
	ID           string
	AccountID    string
	Amount       int64
	BalanceAfter int64
	Operation    string
	Reason       string
	Refs         []Ref
	CreatedAt    time.Time
}

// Replay is the result of re-summing an account's journal.
type Replay struct {
	AccountID   string
	Entries     int
	JournalSum  int64
	Spent       int64
	Limit       int64
	Consistent  bool
	WithinLimit bool
}

// ReplayEntries sums entries and compares them with the account.
func ReplayEntries(acct Account, entries []LedgerEntry) Replay {
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return Replay{
		AccountID:   acct.ID,
		Entries:     len(entries),
		JournalSum:  sum,
		Spent:       acct.Spent,
		Limit:       acct.Limit(),
		Consistent:  sum == acct.Spent,
		WithinLimit: acct.Spent <= acct.Limit(),
	}
}
