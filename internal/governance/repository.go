package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// Repository persists proposals and their votes.
type Repository interface {
	CreateProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, id string) (Proposal, bool, error)
	// UpdateProposal writes p when the stored version equals expected and
	// inserts vote in the same write when non-nil.
	UpdateProposal(ctx context.Context, p Proposal, expected int64, vote *Vote) (bool, error)
	ListProposals(ctx context.Context, statuses ...Status) ([]Proposal, error)
}

// AlertRepository persists alerts.
type AlertRepository interface {
	CreateAlert(ctx context.Context, a Alert) error
	GetAlert(ctx context.Context, id string) (Alert, bool, error)
	// TransitionAlert moves an alert whose status is one of from to the
	// target status, reporting false when it was not in any of them.
	TransitionAlert(ctx context.Context, id string, from []AlertStatus, to AlertStatus, actor string, at time.Time) (Alert, bool, error)
	ListAlerts(ctx context.Context, statuses ...AlertStatus) ([]Alert, error)
}

// MemoryRepository implements both repositories in process.
type MemoryRepository struct {
	proposals sync.Map // id -> *proposalState
	alertsMu  sync.RWMutex
	alerts    map[string]Alert
}

type proposalState struct {
	mu       sync.Mutex
	proposal Proposal
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[string]Alert)}
}

func (r *MemoryRepository) CreateProposal(ctx context.Context, p Proposal) error {
	if _, loaded := r.proposals.LoadOrStore(p.ID, &proposalState{proposal: cloneProposal(p)}); loaded {
		return fmt.Errorf("proposal %s already exists: %w", p.ID, fault.ErrConflict)
	}
	return nil
}

func (r *MemoryRepository) GetProposal(ctx context.Context, id string) (Proposal, bool, error) {
	v, ok := r.proposals.Load(id)
	if !ok {
		return Proposal{}, false, nil
	}
	st := v.(*proposalState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneProposal(st.proposal), true, nil
}

func (r *MemoryRepository) UpdateProposal(ctx context.Context, p Proposal, expected int64, vote *Vote) (bool, error) {
	v, ok := r.proposals.Load(p.ID)
	if !ok {
		return false, fmt.Errorf("proposal %s: %w", p.ID, fault.ErrNotFound)
	}
	st := v.(*proposalState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.proposal.Version != expected {
		return false, nil
	}
	if vote != nil && st.proposal.HasVoted(vote.VoterID) {
		return false, nil
	}
	next := cloneProposal(p)
	next.Version = expected + 1
	next.Votes = append([]Vote(nil), st.proposal.Votes...)
	if vote != nil {
		next.Votes = append(next.Votes, *vote)
	}
	st.proposal = next
	return true, nil
}

func (r *MemoryRepository) ListProposals(ctx context.Context, statuses ...Status) ([]Proposal, error) {
	var out []Proposal
	r.proposals.Range(func(_, v any) bool {
		st := v.(*proposalState)
		st.mu.Lock()
		p := cloneProposal(st.proposal)
		st.mu.Unlock()
		if len(statuses) == 0 || containsStatus(statuses, p.Status) {
			out = append(out, p)
		}
		return true
	})
	return out, nil
}

func (r *MemoryRepository) CreateAlert(ctx context.Context, a Alert) error {
	r.alertsMu.Lock()
	defer r.alertsMu.Unlock()
	if _, ok := r.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists: %w", a.ID, fault.ErrConflict)
	}
	r.alerts[a.ID] = a
	return nil
}

func (r *MemoryRepository) GetAlert(ctx context.Context, id string) (Alert, bool, error) {
	r.alertsMu.RLock()
	defer r.alertsMu.RUnlock()
	a, ok := r.alerts[id]
	return a, ok, nil
}

func (r *MemoryRepository) TransitionAlert(ctx context.Context, id string, from []AlertStatus, to AlertStatus, actor string, at time.Time) (Alert, bool, error) {
	r.alertsMu.Lock()
	defer r.alertsMu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return Alert{}, false, fmt.Errorf("alert %s: %w", id, fault.ErrNotFound)
	}
	allowed := false
	for _, s := range from {
		if a.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return Alert{}, false, nil
	}
	a.apply(to, actor, at)
	r.alerts[id] = a
	return a, true, nil
}

func (r *MemoryRepository) ListAlerts(ctx context.Context, statuses ...AlertStatus) ([]Alert, error) {
	r.alertsMu.RLock()
	defer r.alertsMu.RUnlock()
	var out []Alert
	for _, a := range r.alerts {
		for _, s := range statuses {
			if a.Status == s {
				out = append(out, a)
				break
			}
		}
		if len(statuses) == 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneProposal(p Proposal) Proposal {
	p.RequiredVoters = append([]string(nil), p.RequiredVoters...)
	p.Eligible = append([]string(nil), p.Eligible...)
	p.Votes = append([]Vote(nil), p.Votes...)
	return p
}
