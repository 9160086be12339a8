package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// Decision is a compare-and-set on an approval record: it only applies while
// the record is PENDING and not superseded. When Insert is set and the
// approver has no record in the round, a decided record is created instead.
type Decision struct {
	ID         string
	CycleID    string
	Gate       Stage
	Round      int
	ApproverID string
	Role       string
	Status     Status
	Payload    Payload
	Comments   string
	VetoUsed   bool
	DecidedAt  time.Time
	DeadlineAt time.Time
	Insert     bool
}

// Repository persists approval records.
type Repository interface {
	// OpenRound inserts the PENDING records of a new round. It fails with
	// fault.ErrConflict when the round already exists.
	OpenRound(ctx context.Context, records []GateApproval) error
	// CurrentRound returns the records of the highest non-superseded round.
	CurrentRound(ctx context.Context, cycleID string, gate Stage) ([]GateApproval, error)
	// History returns every record of the gate across rounds.
	History(ctx context.Context, cycleID string, gate Stage) ([]GateApproval, error)
	Decide(ctx context.Context, d Decision) (GateApproval, bool, error)
	// Supersede marks a round superseded by a force retest; false when the
	// round is already superseded.
	Supersede(ctx context.Context, cycleID string, gate Stage, round int) (bool, error)
	// ExpirePending marks PENDING records past their deadline as timed out.
	// Rounds already settled by a veto, a return or a reject are left alone.
	ExpirePending(ctx context.Context, now time.Time) ([]GateApproval, error)
}

type gateKey struct {
	cycleID string
	gate    Stage
}

// MemoryRepository keeps approval records in process, locked per gate.
type MemoryRepository struct {
	gates sync.Map // gateKey -> *gateState
}

type gateState struct {
	mu      sync.Mutex
	records []GateApproval
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (r *MemoryRepository) state(cycleID string, gate Stage) *gateState {
	v, _ := r.gates.LoadOrStore(gateKey{cycleID, gate}, &gateState{})
	return v.(*gateState)
}

func (r *MemoryRepository) OpenRound(ctx context.Context, records []GateApproval) error {
	if len(records) == 0 {
		return nil
	}
	st := r.state(records[0].CycleID, records[0].Gate)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, existing := range st.records {
		if existing.Round >= records[0].Round {
			return fmt.Errorf("gate %s round %d already open: %w", records[0].Gate, records[0].Round, fault.ErrConflict)
		}
	}
	for _, rec := range records {
		rec.Version = 1
		st.records = append(st.records, rec)
	}
	return nil
}

func (r *MemoryRepository) CurrentRound(ctx context.Context, cycleID string, gate Stage) ([]GateApproval, error) {
	st := r.state(cycleID, gate)
	st.mu.Lock()
	defer st.mu.Unlock()
	return currentRound(st.records), nil
}

func currentRound(records []GateApproval) []GateApproval {
	round := 0
	for _, rec := range records {
		if !rec.Superseded && rec.Round > round {
			round = rec.Round
		}
	}
	var out []GateApproval
	for _, rec := range records {
		if rec.Round == round && !rec.Superseded {
			out = append(out, rec)
		}
	}
	return out
}

func (r *MemoryRepository) History(ctx context.Context, cycleID string, gate Stage) ([]GateApproval, error) {
	st := r.state(cycleID, gate)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := append([]GateApproval(nil), st.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (r *MemoryRepository) Decide(ctx context.Context, d Decision) (GateApproval, bool, error) {
	st := r.state(d.CycleID, d.Gate)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.records {
		rec := &st.records[i]
		if rec.Round != d.Round || rec.ApproverID != d.ApproverID || rec.Superseded {
			continue
		}
		if rec.Status != StatusPending {
			return GateApproval{}, false, nil
		}
		at := d.DecidedAt
		rec.Status = d.Status
		rec.Payload = d.Payload
		rec.Comments = d.Comments
		rec.VetoUsed = d.VetoUsed
		rec.DecidedAt = &at
		rec.Version++
		return *rec, true, nil
	}
	if !d.Insert {
		return GateApproval{}, false, fmt.Errorf("approver %s has no record at %s round %d: %w", d.ApproverID, d.Gate, d.Round, fault.ErrNotFound)
	}
	at := d.DecidedAt
	rec := GateApproval{
		ID:         d.ID,
		CycleID:    d.CycleID,
		Gate:       d.Gate,
		Round:      d.Round,
		ApproverID: d.ApproverID,
		Role:       d.Role,
		Status:     d.Status,
		Payload:    d.Payload,
		Comments:   d.Comments,
		VetoUsed:   d.VetoUsed,
		DeadlineAt: d.DeadlineAt,
		CreatedAt:  d.DecidedAt,
		DecidedAt:  &at,
		Version:    1,
	}
	st.records = append(st.records, rec)
	return rec, true, nil
}

func (r *MemoryRepository) Supersede(ctx context.Context, cycleID string, gate Stage, round int) (bool, error) {
	st := r.state(cycleID, gate)
	st.mu.Lock()
	defer st.mu.Unlock()
	changed := false
	for i := range st.records {
		rec := &st.records[i]
		if rec.Round == round && !rec.Superseded {
			rec.Superseded = true
			rec.ForceRetestUsed = true
			rec.Version++
			changed = true
		}
	}
	return changed, nil
}

func (r *MemoryRepository) ExpirePending(ctx context.Context, now time.Time) ([]GateApproval, error) {
	var out []GateApproval
	r.gates.Range(func(_, v any) bool {
		st := v.(*gateState)
		st.mu.Lock()
		for i := range st.records {
			rec := &st.records[i]
			if rec.Status != StatusPending || rec.Superseded || now.Before(rec.DeadlineAt) {
				continue
			}
			if settled(st.records, rec.Round) {
				continue
			}
			at := now
			rec.Status = StatusRejected
			rec.TimedOut = true
			rec.DecidedAt = &at
			rec.Version++
			out = append(out, *rec)
		}
		st.mu.Unlock()
		return true
	})
	return out, nil
}

// settled reports whether a round was decided without waiting on the
// remaining approvers.
func settled(records []GateApproval, round int) bool {
	for _, rec := range records {
		if rec.Round != round || rec.Superseded {
			continue
		}
		if rec.VetoUsed || rec.Status == StatusReturned || (rec.Status == StatusRejected && !rec.TimedOut) {
			return true
		}
	}
	return false
}
