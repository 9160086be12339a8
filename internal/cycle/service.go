package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/budget"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrGateTimeout is returned alongside a cycle archived by a gate deadline.
var ErrGateTimeout = fault.ErrTimeout

const maxRetries = 5

// Gates is the part of the gate engine the state machine drives.
type Gates interface {
	Open(ctx context.Context, cycleID string, stage gate.Stage, round int) ([]gate.GateApproval, error)
	Resolve(ctx context.Context, cycleID string, stage gate.Stage) (gate.Resolution, error)
	ForceRetest(ctx context.Context, req gate.ForceRetestRequest) ([]gate.GateApproval, error)
}

// Ledger charges experiment costs.
type Ledger interface {
	Deduct(ctx context.Context, accountID string, amount int64, operation string, refs ...budget.Ref) (budget.LedgerEntry, error)
}

// Service is the research-cycle state machine.
type Service struct {
	repo        Repository
	gates       Gates
	ledger      Ledger
	audit       *audit.Recorder
	logger      *zap.Logger
	now         func() time.Time
	transitions otelmetric.Int64Counter
}

// NewService wires the state machine.
func NewService(repo Repository, gates Gates, ledger Ledger, rec *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	counter, _ := otel.Meter("quantgov/cycle").Int64Counter("cycle_transitions_total",
		otelmetric.WithDescription("Research cycle transitions by kind"))
	return &Service{
		repo:        repo,
		gates:       gates,
		ledger:      ledger,
		audit:       rec,
		logger:      logger.Named("cycle"),
		now:         time.Now,
		transitions: counter,
	}
}

// Intake creates a cycle at IDEA_INTAKE and opens its gate.
func (s *Service) Intake(ctx context.Context, req IntakeRequest) (Cycle, error) {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return Cycle{}, fault.Invalid("title", "required")
	case req.OwnerID == "":
		return Cycle{}, fault.Invalid("owner_id", "required")
	case req.AccountID == "":
		return Cycle{}, fault.Invalid("account_id", "required")
	}
	now := s.now().UTC()
	c := Cycle{
		ID:        uuid.NewString(),
		Title:     req.Title,
		OwnerID:   req.OwnerID,
		Team:      req.Team,
		AccountID: req.AccountID,
		Current:   gate.StageIdeaIntake,
		Round:     1,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return Cycle{}, fault.Storage("cycle.intake", err)
	}
	if _, err := s.gates.Open(ctx, c.ID, c.Current, c.Round); err != nil {
		return Cycle{}, err
	}
	s.record(ctx, audit.Event{
		Entity: audit.EntityCycle, EntityID: c.ID, Action: "intake", Actor: req.OwnerID,
		Payload: map[string]interface{}{"title": c.Title, "team": c.Team, "account_id": c.AccountID},
	})
	return c, nil
}

// Get returns a cycle.
func (s *Service) Get(ctx context.Context, id string) (Cycle, error) {
	c, ok, err := s.repo.Get(ctx, id)
	if err != nil {
		return Cycle{}, fault.Storage("cycle.get", err)
	}
	if !ok {
		return Cycle{}, fmt.Errorf("cycle %s: %w", id, fault.ErrNotFound)
	}
	return c, nil
}

// Advance applies the resolution of the current gate. A pending gate or an
// archived cycle is a no-op, so repeated calls are safe.
func (s *Service) Advance(ctx context.Context, cycleID, actor string) (Cycle, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		c, err := s.Get(ctx, cycleID)
		if err != nil {
			return Cycle{}, err
		}
		if c.Archived() {
			return c, nil
		}
		res, err := s.gates.Resolve(ctx, c.ID, c.Current)
		if errors.Is(err, fault.ErrNotFound) {
			// a previous transition committed but its gate never opened
			if _, err := s.gates.Open(ctx, c.ID, c.Current, c.Round); err != nil && !errors.Is(err, fault.ErrConflict) {
				return Cycle{}, err
			}
			return c, nil
		}
		if err != nil {
			return Cycle{}, err
		}
		if !res.Final() {
			return c, nil
		}

		next, h, err := s.plan(ctx, c, res, actor)
		if err != nil {
			s.record(ctx, audit.Event{
				Entity: audit.EntityCycle, EntityID: c.ID, Action: "advance", Actor: actor,
				Outcome: audit.OutcomeRejected, Error: err.Error(),
			})
			return Cycle{}, err
		}
		ok, err := s.repo.Update(ctx, next, c.Version, &h)
		if err != nil {
			return Cycle{}, fault.Storage("cycle.advance", err)
		}
		if !ok {
			continue
		}
		next.Version = c.Version + 1
		s.committed(ctx, next, h)
		if next.Current.Gated() {
			if _, err := s.gates.Open(ctx, next.ID, next.Current, next.Round); err != nil && !errors.Is(err, fault.ErrConflict) {
				return next, err
			}
		}
		if h.Kind == KindTimeout {
			return next, &gate.TimeoutError{CycleID: c.ID, Gate: c.Current, Round: res.Round}
		}
		return next, nil
	}
	return Cycle{}, fmt.Errorf("cycle %s advance: %w", cycleID, fault.ErrConflict)
}

// plan computes the next cycle state and its history row without writing.
func (s *Service) plan(ctx context.Context, c Cycle, res gate.Resolution, actor string) (Cycle, History, error) {
	trigger := TriggerApproved
	switch res.Outcome {
	case gate.OutcomeRejected:
		trigger = TriggerRejected
		if res.Timeout {
			trigger = TriggerTimeout
		}
	case gate.OutcomeReturned:
		trigger = TriggerReturned
	}
	to, kind, err := Transition(c.Current, trigger, res.ReturnTo)
	if err != nil {
		return Cycle{}, History{}, err
	}
	now := s.now().UTC()
	next := c
	next.Previous = c.Current
	next.Current = to
	next.UpdatedAt = now
	next.WorkOrder = nil

	reason := res.Reason
	switch kind {
	case KindForward:
		next.GatesPassed = append(append([]gate.Stage(nil), c.GatesPassed...), c.Current)
		if to == gate.StageArchive {
			next.FinalDecision = DecisionApproved
		}
		if reason == "" {
			reason = fmt.Sprintf("%s approved", c.Current)
		}
	case KindReturned:
		next.WorkOrder = append([]string(nil), res.RequiredExperiments...)
		var kept []gate.Stage
		for _, st := range c.GatesPassed {
			if gate.Before(st, to) {
				kept = append(kept, st)
			}
		}
		next.GatesPassed = kept
		if len(next.WorkOrder) > 0 {
			reason = strings.TrimSpace(reason + " required: " + strings.Join(next.WorkOrder, ","))
		}
	case KindRejected, KindTimeout:
		next.FinalDecision = DecisionRejected
		if reason == "" {
			reason = fmt.Sprintf("%s rejected", c.Current)
		}
	}
	if to.Gated() {
		round, err := s.nextRound(ctx, c.ID, to)
		if err != nil {
			return Cycle{}, History{}, err
		}
		next.Round = round
	} else {
		next.Round = 0
	}
	if res.Veto {
		reason = strings.TrimSpace("veto by " + res.DecidedBy + " " + reason)
	}
	triggeredBy := actor
	if triggeredBy == "" {
		triggeredBy = res.DecidedBy
	}
	h := History{
		ID:          uuid.NewString(),
		CycleID:     c.ID,
		From:        c.Current,
		To:          to,
		TriggeredBy: triggeredBy,
		Reason:      reason,
		Kind:        kind,
		CreatedAt:   now,
	}
	return next, h, nil
}

// nextRound is one past the latest round the stage's gate has seen.
func (s *Service) nextRound(ctx context.Context, cycleID string, stage gate.Stage) (int, error) {
	res, err := s.gates.Resolve(ctx, cycleID, stage)
	if errors.Is(err, fault.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return res.Round + 1, nil
}

// Withdraw archives a cycle with a WITHDRAWN decision.
func (s *Service) Withdraw(ctx context.Context, cycleID, actor, reason string) (Cycle, error) {
	if strings.TrimSpace(reason) == "" {
		return Cycle{}, fault.Invalid("reason", "withdrawal requires a reason")
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		c, err := s.Get(ctx, cycleID)
		if err != nil {
			return Cycle{}, err
		}
		to, kind, err := Transition(c.Current, TriggerWithdrawn, "")
		if err != nil {
			return Cycle{}, err
		}
		now := s.now().UTC()
		next := c
		next.Previous = c.Current
		next.Current = to
		next.FinalDecision = DecisionWithdrawn
		next.Round = 0
		next.UpdatedAt = now
		h := History{
			ID: uuid.NewString(), CycleID: c.ID, From: c.Current, To: to,
			TriggeredBy: actor, Reason: reason, Kind: kind, CreatedAt: now,
		}
		ok, err := s.repo.Update(ctx, next, c.Version, &h)
		if err != nil {
			return Cycle{}, fault.Storage("cycle.withdraw", err)
		}
		if !ok {
			continue
		}
		next.Version = c.Version + 1
		s.committed(ctx, next, h)
		return next, nil
	}
	return Cycle{}, fmt.Errorf("cycle %s withdraw: %w", cycleID, fault.ErrConflict)
}

// ForceRetest reopens the current stage's approved gate before the cycle
// advances past it.
func (s *Service) ForceRetest(ctx context.Context, cycleID, actor, role, reason string) (Cycle, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		c, err := s.Get(ctx, cycleID)
		if err != nil {
			return Cycle{}, err
		}
		if c.Archived() {
			return Cycle{}, &gate.InvalidTransitionError{From: c.Current, Reason: "archived cycles are terminal"}
		}
		records, err := s.gates.ForceRetest(ctx, gate.ForceRetestRequest{
			CycleID: c.ID, Gate: c.Current, ActorID: actor, Role: role, Reason: reason,
		})
		if err != nil {
			return Cycle{}, err
		}
		next := c
		next.Round = records[0].Round
		next.UpdatedAt = s.now().UTC()
		ok, err := s.repo.Update(ctx, next, c.Version, nil)
		if err != nil {
			return Cycle{}, fault.Storage("cycle.force_retest", err)
		}
		if ok {
			next.Version = c.Version + 1
			return next, nil
		}
	}
	return Cycle{}, fmt.Errorf("cycle %s force retest: %w", cycleID, fault.ErrConflict)
}

// ChargeExperiment deducts an experiment's cost from the cycle's account.
func (s *Service) ChargeExperiment(ctx context.Context, cycleID, experimentID string, cost int64) (budget.LedgerEntry, error) {
	if experimentID == "" {
		return budget.LedgerEntry{}, fault.Invalid("experiment_id", "required")
	}
	c, err := s.Get(ctx, cycleID)
	if err != nil {
		return budget.LedgerEntry{}, err
	}
	if c.Archived() {
		return budget.LedgerEntry{}, &gate.InvalidTransitionError{From: c.Current, Reason: "archived cycles cannot run experiments"}
	}
	op := "experiment:" + strings.ToLower(string(c.Current))
	return s.ledger.Deduct(ctx, c.AccountID, cost, op, budget.CycleRef(c.ID), budget.ExperimentRef(experimentID))
}

// History returns the transition log of a cycle, oldest first.
func (s *Service) History(ctx context.Context, cycleID string) ([]History, error) {
	h, err := s.repo.History(ctx, cycleID)
	if err != nil {
		return nil, fault.Storage("cycle.history", err)
	}
	return h, nil
}

// List returns cycles matching the filter, most recently updated first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Cycle, error) {
	out, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fault.Storage("cycle.list", err)
	}
	return out, nil
}

func (s *Service) committed(ctx context.Context, c Cycle, h History) {
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", string(h.Kind))))
	}
	s.logger.Info("cycle transition",
		zap.String("cycle_id", c.ID),
		zap.String("from", string(h.From)),
		zap.String("to", string(h.To)),
		zap.String("kind", string(h.Kind)))
	s.record(ctx, audit.Event{
		Entity: audit.EntityCycle, EntityID: c.ID, Action: "transition", Actor: h.TriggeredBy,
		Payload: map[string]interface{}{
			"from": string(h.From), "to": string(h.To), "kind": string(h.Kind), "reason": h.Reason,
		},
	})
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", ev.Action), zap.Error(err))
	}
}
