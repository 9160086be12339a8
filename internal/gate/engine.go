// Package gate records per-stage approvals for research cycles and derives
// each gate's resolution from them, including veto, return, force-retest and
// deadline rules.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"go.uber.org/zap"
)

// ErrAlreadyDecided is returned when an approver decides twice in a round.
var ErrAlreadyDecided = fmt.Errorf("approver already decided: %w", fault.ErrConflict)

// Alerter raises governance alerts. Failures are logged, never returned.
type Alerter interface {
	Warn(ctx context.Context, title, message, source string) error
}

// Engine is the gate approval engine.
type Engine struct {
	repo   Repository
	roster Roster
	audit  *audit.Recorder
	alerts Alerter
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine wires an engine. alerts may be nil.
func NewEngine(repo Repository, roster Roster, rec *audit.Recorder, alerts Alerter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, roster: roster, audit: rec, alerts: alerts, logger: logger.Named("gate"), now: time.Now}
}

// Roster returns the configured roster.
func (e *Engine) Roster() Roster { return e.roster }

// Open creates one PENDING record per required approver for the round.
func (e *Engine) Open(ctx context.Context, cycleID string, gate Stage, round int) ([]GateApproval, error) {
	if !gate.Gated() {
		return nil, fmt.Errorf("stage %s has no gate: %w", gate, fault.ErrInvalidTransition)
	}
	if round < 1 {
		return nil, fault.Invalid("round", "must be at least 1")
	}
	g, ok := e.roster.For(gate)
	if !ok || len(g.Approvers) == 0 {
		return nil, fault.Invalid("gate", fmt.Sprintf("no approvers configured for %s", gate))
	}
	now := e.now().UTC()
	deadline := now.Add(e.roster.DeadlineFor(gate))
	records := make([]GateApproval, 0, len(g.Approvers))
	for _, a := range g.Approvers {
		records = append(records, GateApproval{
			ID:         uuid.NewString(),
			CycleID:    cycleID,
			Gate:       gate,
			Round:      round,
			ApproverID: a.ID,
			Role:       a.Role,
			Status:     StatusPending,
			DeadlineAt: deadline,
			CreatedAt:  now,
		})
	}
	if err := e.repo.OpenRound(ctx, records); err != nil {
		return nil, fault.Storage("gate.open", err)
	}
	e.record(ctx, audit.Event{
		Entity: audit.EntityGate, EntityID: gateEntityID(cycleID, gate), Action: "open",
		Payload: map[string]interface{}{"round": round, "deadline_at": deadline.Format(time.RFC3339)},
	})
	return records, nil
}

// SubmitRequest is a single approver decision.
type SubmitRequest struct {
	CycleID    string
	Gate       Stage
	ApproverID string
	Payload    Payload
	Comments   string
}

// Submit records an approver decision on the current round.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (GateApproval, error) {
	if err := validateSubmit(req); err != nil {
		return GateApproval{}, err
	}
	g, _ := e.roster.For(req.Gate)
	_, veto := req.Payload.(VetoPayload)

	role := ""
	if a, ok := g.approver(req.ApproverID); ok {
		role = a.Role
	}
	if veto {
		if a, ok := g.vetoHolder(req.ApproverID); ok {
			role = a.Role
		} else {
			return GateApproval{}, e.unauthorized(ctx, req, "no veto power at this gate")
		}
	} else if role == "" {
		return GateApproval{}, e.unauthorized(ctx, req, "not a required approver of this gate")
	}

	round, err := e.repo.CurrentRound(ctx, req.CycleID, req.Gate)
	if err != nil {
		return GateApproval{}, fault.Storage("gate.submit", err)
	}
	if len(round) == 0 {
		return GateApproval{}, fmt.Errorf("gate %s is not open for cycle %s: %w", req.Gate, req.CycleID, fault.ErrInvalidTransition)
	}
	now := e.now().UTC()
	res := resolve(req.CycleID, req.Gate, round, now)
	if res.Final() {
		err := fmt.Errorf("gate %s round %d already resolved %s: %w", req.Gate, res.Round, res.Outcome, fault.ErrInvalidTransition)
		if res.Timeout {
			err = &TimeoutError{CycleID: req.CycleID, Gate: req.Gate, Round: res.Round}
		}
		e.rejected(ctx, req, err)
		return GateApproval{}, err
	}

	rec, ok, err := e.repo.Decide(ctx, Decision{
		ID:         uuid.NewString(),
		CycleID:    req.CycleID,
		Gate:       req.Gate,
		Round:      res.Round,
		ApproverID: req.ApproverID,
		Role:       role,
		Status:     req.Payload.Status(),
		Payload:    req.Payload,
		Comments:   req.Comments,
		VetoUsed:   veto,
		DecidedAt:  now,
		DeadlineAt: round[0].DeadlineAt,
		Insert:     veto,
	})
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return GateApproval{}, e.unauthorized(ctx, req, err.Error())
		}
		return GateApproval{}, fault.Storage("gate.submit", err)
	}
	if !ok {
		e.rejected(ctx, req, ErrAlreadyDecided)
		return GateApproval{}, ErrAlreadyDecided
	}
	recordDecision(ctx, req.Payload.Kind())
	e.record(ctx, audit.Event{
		Entity: audit.EntityGate, EntityID: gateEntityID(req.CycleID, req.Gate), Action: "decide",
		Actor: req.ApproverID,
		Payload: map[string]interface{}{
			"round": rec.Round, "role": role, "decision": req.Payload.Kind(), "status": string(rec.Status),
		},
	})
	return rec, nil
}

func validateSubmit(req SubmitRequest) error {
	if req.CycleID == "" {
		return fault.Invalid("cycle_id", "required")
	}
	if req.ApproverID == "" {
		return fault.Invalid("approver_id", "required")
	}
	if !req.Gate.Gated() {
		return fault.Invalid("gate", fmt.Sprintf("%q is not a gate", req.Gate))
	}
	switch p := req.Payload.(type) {
	case nil:
		return fault.Invalid("decision", "required")
	case ReturnPayload:
		if !Before(p.ToStage, req.Gate) {
			return &InvalidTransitionError{From: req.Gate, To: p.ToStage, Reason: "returns must target an earlier stage"}
		}
		if len(p.RequiredExperiments) == 0 {
			return fault.Invalid("required_experiments", "a return needs at least one experiment")
		}
	case SkipPayload:
		if strings.TrimSpace(p.Reason) == "" {
			return fault.Invalid("reason", "skip requires a reason")
		}
	}
	return nil
}

// Resolve derives the outcome of the current round of a gate.
func (e *Engine) Resolve(ctx context.Context, cycleID string, gate Stage) (Resolution, error) {
	round, err := e.repo.CurrentRound(ctx, cycleID, gate)
	if err != nil {
		return Resolution{}, fault.Storage("gate.resolve", err)
	}
	if len(round) == 0 {
		return Resolution{}, fmt.Errorf("gate %s is not open for cycle %s: %w", gate, cycleID, fault.ErrNotFound)
	}
	return resolve(cycleID, gate, round, e.now().UTC()), nil
}

// resolve applies the outcome rules in order: veto, returned, rejected,
// all approved, timeout, pending.
func resolve(cycleID string, gate Stage, round []GateApproval, now time.Time) Resolution {
	recs := append([]GateApproval(nil), round...)
	sort.SliceStable(recs, func(i, j int) bool { return decidedAt(recs[i]).Before(decidedAt(recs[j])) })
	res := Resolution{CycleID: cycleID, Gate: gate, Round: recs[0].Round, Outcome: OutcomePending}

	for _, r := range recs {
		if r.VetoUsed {
			res.Veto = true
			res.DecidedBy = r.ApproverID
			res.Outcome = OutcomeRejected
			if r.Status == StatusApproved {
				res.Outcome = OutcomeApproved
			}
			if p, ok := r.Payload.(VetoPayload); ok {
				res.Reason = p.Reason
			}
			return res
		}
	}
	for _, r := range recs {
		if r.Status == StatusReturned {
			res.Outcome = OutcomeReturned
			res.DecidedBy = r.ApproverID
			if p, ok := r.Payload.(ReturnPayload); ok {
				res.ReturnTo = p.ToStage
				res.RequiredExperiments = append([]string(nil), p.RequiredExperiments...)
			}
			res.Reason = r.Comments
			return res
		}
	}
	for _, r := range recs {
		if r.Status == StatusRejected && !r.TimedOut {
			res.Outcome = OutcomeRejected
			res.DecidedBy = r.ApproverID
			if p, ok := r.Payload.(RejectPayload); ok {
				res.Reason = p.Reason
			}
			return res
		}
	}
	allApproved := true
	timedOut := false
	for _, r := range recs {
		switch {
		case r.Status == StatusApproved || r.Status == StatusSkipped:
		case r.TimedOut:
			allApproved = false
			timedOut = true
		case r.Status == StatusPending:
			allApproved = false
			if !now.Before(r.DeadlineAt) {
				timedOut = true
			}
		default:
			allApproved = false
		}
	}
	if allApproved {
		res.Outcome = OutcomeApproved
		return res
	}
	if timedOut {
		res.Outcome = OutcomeRejected
		res.Timeout = true
		res.Reason = "deadline elapsed"
	}
	return res
}

func decidedAt(r GateApproval) time.Time {
	if r.DecidedAt != nil {
		return *r.DecidedAt
	}
	return r.CreatedAt
}

// ForceRetestRequest reopens an approved gate once.
type ForceRetestRequest struct {
	CycleID string
	Gate    Stage
	ActorID string
	Role    string
	Reason  string
}

// ForceRetest supersedes the approved round and opens the next one. It is
// allowed once per gate per cycle, only for the gate's force-retest roles,
// and requires a reason.
func (e *Engine) ForceRetest(ctx context.Context, req ForceRetestRequest) ([]GateApproval, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fault.Invalid("reason", "force retest requires a reason")
	}
	g, ok := e.roster.For(req.Gate)
	if !ok || !g.canForceRetest(req.Role) || req.ActorID == "" {
		err := &fault.UnauthorizedApproverError{
			ActorID: req.ActorID,
			Subject: fmt.Sprintf("force retest of %s on %s", req.Gate, req.CycleID),
			Reason:  fmt.Sprintf("role %q cannot force a retest", req.Role),
		}
		e.signal(ctx, req.CycleID, req.Gate, req.ActorID, "force_retest", err)
		return nil, err
	}
	history, err := e.repo.History(ctx, req.CycleID, req.Gate)
	if err != nil {
		return nil, fault.Storage("gate.force_retest", err)
	}
	for _, r := range history {
		if r.ForceRetestUsed {
			return nil, fmt.Errorf("force retest already used on %s: %w", req.Gate, fault.ErrInvalidTransition)
		}
	}
	res, err := e.Resolve(ctx, req.CycleID, req.Gate)
	if err != nil {
		return nil, err
	}
	if res.Outcome != OutcomeApproved {
		return nil, fmt.Errorf("force retest needs an approved gate, %s is %s: %w", req.Gate, res.Outcome, fault.ErrInvalidTransition)
	}
	ok, err = e.repo.Supersede(ctx, req.CycleID, req.Gate, res.Round)
	if err != nil {
		return nil, fault.Storage("gate.force_retest", err)
	}
	if !ok {
		return nil, fmt.Errorf("round %d of %s already superseded: %w", res.Round, req.Gate, fault.ErrConflict)
	}
	e.logger.Warn("gate force retest",
		zap.String("cycle_id", req.CycleID), zap.String("gate", string(req.Gate)),
		zap.String("actor", req.ActorID), zap.String("reason", req.Reason))
	e.record(ctx, audit.Event{
		Entity: audit.EntityGate, EntityID: gateEntityID(req.CycleID, req.Gate), Action: "force_retest",
		Actor:   req.ActorID,
		Payload: map[string]interface{}{"round": res.Round, "role": req.Role, "reason": req.Reason},
	})
	return e.Open(ctx, req.CycleID, req.Gate, res.Round+1)
}

// SweepExpired fails closed every PENDING record past its deadline and
// returns the affected gate rounds.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) ([]Expired, error) {
	recs, err := e.repo.ExpirePending(ctx, now)
	if err != nil {
		return nil, fault.Storage("gate.sweep", err)
	}
	seen := map[Expired]bool{}
	var out []Expired
	for _, r := range recs {
		key := Expired{CycleID: r.CycleID, Gate: r.Gate, Round: r.Round}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
		recordTimeout(ctx, string(r.Gate))
		e.logger.Warn("gate deadline elapsed",
			zap.String("cycle_id", r.CycleID), zap.String("gate", string(r.Gate)), zap.Int("round", r.Round))
		e.record(ctx, audit.Event{
			Entity: audit.EntityGate, EntityID: gateEntityID(r.CycleID, r.Gate), Action: "timeout",
			Actor: "system", Outcome: audit.OutcomeAccepted,
			Payload: map[string]interface{}{"round": r.Round},
		})
		e.alert(ctx, "Gate deadline elapsed",
			fmt.Sprintf("%s for cycle %s auto-rejected after deadline", r.Gate, r.CycleID), "gate")
	}
	return out, nil
}

func (e *Engine) unauthorized(ctx context.Context, req SubmitRequest, reason string) error {
	err := &fault.UnauthorizedApproverError{
		ActorID: req.ApproverID,
		Subject: fmt.Sprintf("%s on %s", req.Gate, req.CycleID),
		Reason:  reason,
	}
	e.signal(ctx, req.CycleID, req.Gate, req.ApproverID, "decide", err)
	return err
}

// signal logs, audits and alerts on an unauthorized attempt.
func (e *Engine) signal(ctx context.Context, cycleID string, gate Stage, actor, action string, err error) {
	e.logger.Warn("unauthorized gate action",
		zap.String("cycle_id", cycleID), zap.String("gate", string(gate)),
		zap.String("actor", actor), zap.String("action", action))
	e.record(ctx, audit.Event{
		Entity: audit.EntityGate, EntityID: gateEntityID(cycleID, gate), Action: action,
		Actor: actor, Outcome: audit.OutcomeRejected, Error: err.Error(),
	})
	e.alert(ctx, "Unauthorized gate action", err.Error(), "gate")
}

func (e *Engine) rejected(ctx context.Context, req SubmitRequest, cause error) {
	kind := ""
	if req.Payload != nil {
		kind = req.Payload.Kind()
	}
	e.record(ctx, audit.Event{
		Entity: audit.EntityGate, EntityID: gateEntityID(req.CycleID, req.Gate), Action: "decide",
		Actor: req.ApproverID, Outcome: audit.OutcomeRejected, Error: cause.Error(),
		Payload: map[string]interface{}{"decision": kind},
	})
}

func (e *Engine) alert(ctx context.Context, title, message, source string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Warn(ctx, title, message, source); err != nil {
		e.logger.Warn("raise alert failed", zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, ev audit.Event) {
	if err := e.audit.Record(ctx, ev); err != nil {
		e.logger.Warn("audit append failed", zap.String("action", ev.Action), zap.Error(err))
	}
}

func gateEntityID(cycleID string, gate Stage) string {
	return cycleID + "/" + string(gate)
}
