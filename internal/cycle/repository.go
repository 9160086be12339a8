package cycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

// Repository persists cycles and their transition history.
type Repository interface {
	Create(ctx context.Context, c Cycle) error
	Get(ctx context.Context, id string) (Cycle, bool, error)
	// Update writes c only if the stored version equals expected, appending h
	// in the same write when non-nil. It reports false on a lost race.
	Update(ctx context.Context, c Cycle, expected int64, h *History) (bool, error)
	History(ctx context.Context, id string) ([]History, error)
	List(ctx context.Context, f ListFilter) ([]Cycle, error)
}

// MemoryRepository keeps cycles in process with one lock per cycle.
type MemoryRepository struct {
	cycles sync.Map // id -> *cycleState
}

type cycleState struct {
	mu      sync.Mutex
	cycle   Cycle
	history []History
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (r *MemoryRepository) Create(ctx context.Context, c Cycle) error {
	if _, loaded := r.cycles.LoadOrStore(c.ID, &cycleState{cycle: cloneCycle(c)}); loaded {
		return fmt.Errorf("cycle %s already exists: %w", c.ID, fault.ErrConflict)
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Cycle, bool, error) {
	v, ok := r.cycles.Load(id)
	if !ok {
		return Cycle{}, false, nil
	}
	st := v.(*cycleState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneCycle(st.cycle), true, nil
}

func (r *MemoryRepository) Update(ctx context.Context, c Cycle, expected int64, h *History) (bool, error) {
	v, ok := r.cycles.Load(c.ID)
	if !ok {
		return false, fmt.Errorf("cycle %s: %w", c.ID, fault.ErrNotFound)
	}
	st := v.(*cycleState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cycle.Version != expected {
		return false, nil
	}
	c.Version = expected + 1
	st.cycle = cloneCycle(c)
	if h != nil {
		st.history = append(st.history, *h)
	}
	return true, nil
}

func (r *MemoryRepository) History(ctx context.Context, id string) ([]History, error) {
	v, ok := r.cycles.Load(id)
	if !ok {
		return nil, fmt.Errorf("cycle %s: %w", id, fault.ErrNotFound)
	}
	st := v.(*cycleState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]History(nil), st.history...), nil
}

func (r *MemoryRepository) List(ctx context.Context, f ListFilter) ([]Cycle, error) {
	var out []Cycle
	r.cycles.Range(func(_, v any) bool {
		st := v.(*cycleState)
		st.mu.Lock()
		c := cloneCycle(st.cycle)
		st.mu.Unlock()
		if (f.Stage == "" || c.Current == f.Stage) && (f.Team == "" || c.Team == f.Team) {
			out = append(out, c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func cloneCycle(c Cycle) Cycle {
	c.GatesPassed = append([]gate.Stage(nil), c.GatesPassed...)
	c.WorkOrder = append([]string(nil), c.WorkOrder...)
	return c
}
