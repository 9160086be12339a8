// Package audit implements the append-only event log every mutating
// operation writes to, including rejected attempts.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome records whether the attempted operation took effect.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Entity names used across the core.
const (
	EntityAccount  = "budget_account"
	EntityGate     = "gate"
	EntityCycle    = "research_cycle"
	EntityMemory   = "agent_memory"
	EntityProposal = "proposal"
	EntityAlert    = "alert"
)

// Event is a single immutable audit row.
type Event struct {
	ID        string                 `json:"id"`
	Entity    string                 `json:"entity"`
	EntityID  string                 `json:"entity_id"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	Outcome   Outcome                `json:"outcome"`
	Error     string                 `json:"error,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Sink persists or forwards events.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// Recorder fans an event out to its sinks. The first sink is authoritative:
// its error is returned. Failures of later sinks are logged only.
type Recorder struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder builds a recorder over the supplied sinks.
func NewRecorder(logger *zap.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Recorder{sinks: kept, logger: logger, now: time.Now}
}

// Record stamps and appends the event. A nil recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if r == nil || len(r.sinks) == 0 {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeAccepted
	}
	if err := r.sinks[0].Append(ctx, ev); err != nil {
		return err
	}
	for _, s := range r.sinks[1:] {
		if err := s.Append(ctx, ev); err != nil {
			r.logger.Warn("audit fan-out failed",
				zap.String("entity", ev.Entity),
				zap.String("entity_id", ev.EntityID),
				zap.String("action", ev.Action),
				zap.Error(err))
		}
	}
	return nil
}

// Accepted records a successful mutation.
func (r *Recorder) Accepted(ctx context.Context, entity, entityID, action, actor string, payload map[string]interface{}) error {
	return r.Record(ctx, Event{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Actor:    actor,
		Outcome:  OutcomeAccepted,
		Payload:  payload,
	})
}

// Rejected records a refused mutation together with the reason it failed.
func (r *Recorder) Rejected(ctx context.Context, entity, entityID, action, actor string, cause error, payload map[string]interface{}) error {
	ev := Event{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Actor:    actor,
		Outcome:  OutcomeRejected,
		Payload:  payload,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return r.Record(ctx, ev)
}

// MemorySink keeps events in process. Used by the in-memory backend and tests.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(ctx context.Context, ev Event) error {
	if m == nil {
		return errors.New("memory sink not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns events for an entity id (all when empty), oldest first.
func (m *MemorySink) Events(entityID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if entityID == "" || ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Log reads back the events of one entity, oldest first.
type Log interface {
	List(ctx context.Context, entity, entityID string, limit int) ([]Event, error)
}

func (m *MemorySink) List(ctx context.Context, entity, entityID string, limit int) ([]Event, error) {
	var out []Event
	for _, ev := range m.Events(entityID) {
		if entity != "" && ev.Entity != entity {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
