package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// Filter selects search candidates. Only approved, live memories visible to
// the requester are returned.
type Filter struct {
	AgentID   string
	Team      string
	Scopes    []Scope
	Tags      []string
	Embedding []float32
	// Text adds up to Limit memories whose content contains any of its terms
	// to the pool, so lexical hits outside the nearest neighbours still rank.
	Text  string
	Now   time.Time
	Limit int
}

// SearchTerms splits query text into lowercase terms for prefiltering.
func SearchTerms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range strings.Fields(strings.ToLower(text)) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// StepDecision is a compare-and-set on one approval step. The write applies
// only while the step is PENDING and the memory is still pending.
type StepDecision struct {
	MemoryID   string
	Step       int
	ApproverID string
	Decision   StepStatus
	Comment    string
	NewStatus  Status
	At         time.Time
}

// Repository persists memories and their approval chains.
type Repository interface {
	Create(ctx context.Context, m Memory) error
	Get(ctx context.Context, id string) (Memory, bool, error)
	DecideStep(ctx context.Context, d StepDecision) (Memory, bool, error)
	Candidates(ctx context.Context, f Filter) ([]Memory, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryRepository keeps memories in process.
type MemoryRepository struct {
	items sync.Map // id -> *entry
}

type entry struct {
	mu     sync.RWMutex
	memory Memory
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (r *MemoryRepository) Create(ctx context.Context, m Memory) error {
	if _, loaded := r.items.LoadOrStore(m.ID, &entry{memory: clone(m)}); loaded {
		return fmt.Errorf("memory %s already exists: %w", m.ID, fault.ErrConflict)
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Memory, bool, error) {
	v, ok := r.items.Load(id)
	if !ok {
		return Memory{}, false, nil
	}
	e := v.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.memory), true, nil
}

func (r *MemoryRepository) DecideStep(ctx context.Context, d StepDecision) (Memory, bool, error) {
	v, ok := r.items.Load(d.MemoryID)
	if !ok {
		return Memory{}, false, fmt.Errorf("memory %s: %w", d.MemoryID, fault.ErrNotFound)
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.memory.Status != StatusPending {
		return Memory{}, false, nil
	}
	idx := -1
	for i, s := range e.memory.Approvals {
		if s.Step == d.Step {
			idx = i
			break
		}
	}
	if idx < 0 || e.memory.Approvals[idx].Status != StepPending {
		return Memory{}, false, nil
	}
	at := d.At
	step := &e.memory.Approvals[idx]
	step.Status = d.Decision
	step.ApproverID = d.ApproverID
	step.Comment = d.Comment
	step.DecidedAt = &at
	e.memory.Status = d.NewStatus
	e.memory.UpdatedAt = d.At
	return clone(e.memory), true, nil
}

func (r *MemoryRepository) Candidates(ctx context.Context, f Filter) ([]Memory, error) {
	var all []Memory
	r.items.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.RLock()
		m := e.memory
		e.mu.RUnlock()
		if m.Status == StatusApproved && m.Live(f.Now) && m.VisibleTo(f.AgentID, f.Team) &&
			inScopes(m.Scope, f.Scopes) && m.HasAnyTag(f.Tags) {
			all = append(all, clone(m))
		}
		return true
	})
	if f.Limit <= 0 || len(all) <= f.Limit {
		return all, nil
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	pool := all
	if len(f.Embedding) > 0 {
		ranks := vectorRanks(f.Embedding, all)
		pool = append([]Memory(nil), all...)
		sort.SliceStable(pool, func(i, j int) bool {
			ri, rj := ranks[pool[i].ID], ranks[pool[j].ID]
			if (ri == 0) != (rj == 0) {
				return rj == 0
			}
			return ri < rj
		})
	}
	out := append([]Memory(nil), pool[:f.Limit]...)
	terms := SearchTerms(f.Text)
	if len(terms) == 0 {
		return out, nil
	}
	in := make(map[string]bool, len(out))
	for _, m := range out {
		in[m.ID] = true
	}
	added := 0
	for _, m := range all {
		if added == f.Limit {
			break
		}
		if in[m.ID] || !containsAny(m.Content, terms) {
			continue
		}
		out = append(out, m)
		added++
	}
	return out, nil
}

func containsAny(content string, terms []string) bool {
	lower := strings.ToLower(content)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	r.items.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.memory.Expired && e.memory.ExpiresAt != nil && !now.Before(*e.memory.ExpiresAt) {
			e.memory.Expired = true
			e.memory.UpdatedAt = now
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n, nil
}

func inScopes(s Scope, scopes []Scope) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, want := range scopes {
		if want == s {
			return true
		}
	}
	return false
}

func clone(m Memory) Memory {
	m.Tags = append([]string(nil), m.Tags...)
	m.Embedding = append([]float32(nil), m.Embedding...)
	m.Refs = append([]Ref(nil), m.Refs...)
	m.Approvals = append([]ApprovalStep(nil), m.Approvals...)
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		m.ExpiresAt = &t
	}
	return m
}
