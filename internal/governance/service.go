package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultMinEvidence = 2
	voteRetries        = 5
)

// Config carries governance policy.
type Config struct {
	Threshold   float64
	MinEvidence int
	// CloseRoles may close any proposal; others may close only their own.
	CloseRoles []string
}

func (c *Config) normalize() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.MinEvidence <= 0 {
		c.MinEvidence = DefaultMinEvidence
	}
	if len(c.CloseRoles) == 0 {
		c.CloseRoles = []string{"cgo"}
	}
}

func (c Config) mayClose(p Proposal, actor, role string) bool {
	if actor != "" && actor == p.ProposerID {
		return true
	}
	for _, r := range c.CloseRoles {
		if role != "" && r == role {
			return true
		}
	}
	return false
}

// CreateRequest opens a draft proposal.
type CreateRequest struct {
	Title          string   `validate:"required,max=256"`
	ProposerID     string   `validate:"required"`
	Mode           Mode     `validate:"required,oneof=quorum majority"`
	RequiredVoters []string `validate:"required_if=Mode quorum,dive,required"`
	Eligible       []string `validate:"required_if=Mode majority,dive,required"`
	// Threshold overrides the configured approval rate when set.
	Threshold float64 `validate:"gte=0,lte=1"`
	Payload   Payload
}

// Service runs proposals and votes.
type Service struct {
	repo   Repository
	cfg    Config
	audit  *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
	votes  otelmetric.Int64Counter
}

// NewService wires the proposal service.
func NewService(repo Repository, cfg Config, rec *audit.Recorder, logger *zap.Logger) *Service {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	votes, _ := otel.Meter("quantgov/governance").Int64Counter("governance_votes_total")
	return &Service{repo: repo, cfg: cfg, audit: rec, logger: logger.Named("governance"), now: time.Now, votes: votes}
}

// Create stores a draft.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Proposal, error) {
	if err := validateCreate(req); err != nil {
		return Proposal{}, err
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.cfg.Threshold
	}
	p := Proposal{
		ID:             uuid.NewString(),
		Kind:           req.Payload.Kind(),
		Title:          req.Title,
		ProposerID:     req.ProposerID,
		Status:         StatusDraft,
		Mode:           req.Mode,
		RequiredVoters: dedupe(req.RequiredVoters),
		Eligible:       dedupe(req.Eligible),
		Threshold:      threshold,
		Payload:        req.Payload,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.CreateProposal(ctx, p); err != nil {
		return Proposal{}, fault.Storage("governance.create", err)
	}
	s.record(ctx, audit.Event{
		Entity: audit.EntityProposal, EntityID: p.ID, Action: "create", Actor: p.ProposerID,
		Payload: map[string]interface{}{"kind": string(p.Kind), "mode": string(p.Mode)},
	})
	return p, nil
}

func validateCreate(req CreateRequest) error {
	if req.Payload == nil {
		return fault.Invalid("payload", "required")
	}
	if err := govValidate.Struct(req); err != nil {
		return translate(err)
	}
	if err := govValidate.Struct(req.Payload); err != nil {
		return translate(err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return fault.Invalid("title", "required")
	}
	return nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fault.Invalid(strings.ToLower(fe.Field()), fmt.Sprintf("failed %s", fe.Tag()))
	}
	return fault.Invalid("proposal", err.Error())
}

// Get loads one proposal.
func (s *Service) Get(ctx context.Context, id string) (Proposal, error) {
	p, ok, err := s.repo.GetProposal(ctx, id)
	if err != nil {
		return Proposal{}, fault.Storage("governance.get", err)
	}
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", id, fault.ErrNotFound)
	}
	return p, nil
}

// Submit opens a draft for voting. Terminations route to the CGO queue and
// need independent evidence.
func (s *Service) Submit(ctx context.Context, id, actor string) (Proposal, error) {
	for attempt := 0; attempt < voteRetries; attempt++ {
		p, err := s.Get(ctx, id)
		if err != nil {
			return Proposal{}, err
		}
		if p.ProposerID != actor {
			err := &fault.UnauthorizedApproverError{ActorID: actor, Subject: "proposal " + id, Reason: "only the proposer may submit"}
			s.rejected(ctx, id, "submit", actor, err)
			return Proposal{}, err
		}
		if p.Status != StatusDraft {
			return Proposal{}, fmt.Errorf("proposal %s is %s, cannot submit: %w", id, p.Status, fault.ErrInvalidTransition)
		}
		next := p
		next.Status = StatusPending
		if tp, ok := p.Payload.(TerminationPayload); ok {
			if have := tp.DistinctSources(); have < s.cfg.MinEvidence {
				err := &EvidenceBelowThresholdError{ProposalID: id, Have: have, Need: s.cfg.MinEvidence}
				s.rejected(ctx, id, "submit", actor, err)
				return Proposal{}, err
			}
			next.Status = StatusPendingCGO
		}
		at := s.now().UTC()
		next.SubmittedAt = &at
		ok, err := s.repo.UpdateProposal(ctx, next, p.Version, nil)
		if err != nil {
			return Proposal{}, fault.Storage("governance.submit", err)
		}
		if ok {
			next.Version = p.Version + 1
			s.record(ctx, audit.Event{
				Entity: audit.EntityProposal, EntityID: id, Action: "submit", Actor: actor,
				Payload: map[string]interface{}{"status": string(next.Status)},
			})
			return next, nil
		}
	}
	return Proposal{}, fmt.Errorf("proposal %s: %w", id, fault.ErrConflict)
}

// CastVote records one ballot and resolves the proposal when the tally allows.
func (s *Service) CastVote(ctx context.Context, id, voter string, choice Choice, reason string) (VoteResult, error) {
	switch choice {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
	default:
		return VoteResult{}, fault.Invalid("vote", fmt.Sprintf("unknown choice %q", choice))
	}
	for attempt := 0; attempt < voteRetries; attempt++ {
		p, err := s.Get(ctx, id)
		if err != nil {
			return VoteResult{}, err
		}
		if !p.Status.Open() {
			return VoteResult{}, fmt.Errorf("proposal %s is %s, not open for votes: %w", id, p.Status, fault.ErrInvalidTransition)
		}
		if !p.CanVote(voter) {
			err := &fault.UnauthorizedApproverError{ActorID: voter, Subject: "proposal " + id, Reason: "not in the voter set"}
			s.logger.Warn("unauthorized vote", zap.String("proposal_id", id), zap.String("voter", voter))
			s.rejected(ctx, id, "vote", voter, err)
			return VoteResult{}, err
		}
		if p.HasVoted(voter) {
			return VoteResult{}, ErrAlreadyVoted
		}
		v := Vote{ProposalID: id, VoterID: voter, Choice: choice, Reason: reason, CastAt: s.now().UTC()}
		next := p
		next.Votes = append(append([]Vote(nil), p.Votes...), v)
		res := Tally(next)
		next.ApprovalRate = res.ApprovalRate
		if res.Resolved {
			next.Status = res.Status
			next.DecidedAt = &v.CastAt
		}
		ok, err := s.repo.UpdateProposal(ctx, next, p.Version, &v)
		if err != nil {
			return VoteResult{}, fault.Storage("governance.vote", err)
		}
		if !ok {
			continue
		}
		s.votes.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("choice", string(choice))))
		s.record(ctx, audit.Event{
			Entity: audit.EntityProposal, EntityID: id, Action: "vote", Actor: voter,
			Payload: map[string]interface{}{"choice": string(choice), "approval_rate": res.ApprovalRate, "status": string(res.Status)},
		})
		if res.Resolved {
			s.logger.Info("proposal decided", zap.String("proposal_id", id), zap.String("status", string(res.Status)), zap.Float64("approval_rate", res.ApprovalRate))
		}
		return res, nil
	}
	return VoteResult{}, fmt.Errorf("proposal %s: %w", id, fault.ErrConflict)
}

// Close finalises a proposal whose tally is already decided. Only the
// proposer or a holder of one of the configured close roles may call it.
// A vote still waiting on ballots fails with QuorumNotMetError and stays
// open, in either mode.
func (s *Service) Close(ctx context.Context, id, actor, role string) (VoteResult, error) {
	for attempt := 0; attempt < voteRetries; attempt++ {
		p, err := s.Get(ctx, id)
		if err != nil {
			return VoteResult{}, err
		}
		if !s.cfg.mayClose(p, actor, role) {
			err := &fault.UnauthorizedApproverError{ActorID: actor, Subject: "proposal " + id, Reason: "only the proposer or a governance role may close"}
			s.rejected(ctx, id, "close", actor, err)
			return VoteResult{}, err
		}
		res := Tally(p)
		if !p.Status.Open() {
			return res, nil
		}
		if !res.Resolved {
			return res, &QuorumNotMetError{ProposalID: id, Outstanding: res.Outstanding}
		}
		at := s.now().UTC()
		next := p
		next.Status = res.Status
		next.ApprovalRate = res.ApprovalRate
		next.DecidedAt = &at
		ok, err := s.repo.UpdateProposal(ctx, next, p.Version, nil)
		if err != nil {
			return VoteResult{}, fault.Storage("governance.close", err)
		}
		if ok {
			s.record(ctx, audit.Event{
				Entity: audit.EntityProposal, EntityID: id, Action: "close", Actor: actor,
				Payload: map[string]interface{}{"status": string(res.Status)},
			})
			return res, nil
		}
	}
	return VoteResult{}, fmt.Errorf("proposal %s: %w", id, fault.ErrConflict)
}

// Withdraw retracts a proposal that has not been decided.
func (s *Service) Withdraw(ctx context.Context, id, actor, reason string) (Proposal, error) {
	for attempt := 0; attempt < voteRetries; attempt++ {
		p, err := s.Get(ctx, id)
		if err != nil {
			return Proposal{}, err
		}
		if p.ProposerID != actor {
			err := &fault.UnauthorizedApproverError{ActorID: actor, Subject: "proposal " + id, Reason: "only the proposer may withdraw"}
			s.rejected(ctx, id, "withdraw", actor, err)
			return Proposal{}, err
		}
		if p.Status != StatusDraft && !p.Status.Open() {
			return Proposal{}, fmt.Errorf("proposal %s is %s, cannot withdraw: %w", id, p.Status, fault.ErrInvalidTransition)
		}
		at := s.now().UTC()
		next := p
		next.Status = StatusWithdrawn
		next.DecidedAt = &at
		ok, err := s.repo.UpdateProposal(ctx, next, p.Version, nil)
		if err != nil {
			return Proposal{}, fault.Storage("governance.withdraw", err)
		}
		if ok {
			next.Version = p.Version + 1
			s.record(ctx, audit.Event{
				Entity: audit.EntityProposal, EntityID: id, Action: "withdraw", Actor: actor,
				Payload: map[string]interface{}{"reason": reason},
			})
			return next, nil
		}
	}
	return Proposal{}, fmt.Errorf("proposal %s: %w", id, fault.ErrConflict)
}

// Pending lists proposals open for votes, oldest submission first.
func (s *Service) Pending(ctx context.Context) ([]Proposal, error) {
	list, err := s.repo.ListProposals(ctx, StatusPending, StatusPendingCGO)
	if err != nil {
		return nil, fault.Storage("governance.pending", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *Service) rejected(ctx context.Context, id, action, actor string, cause error) {
	if err := s.audit.Rejected(ctx, audit.EntityProposal, id, action, actor, cause, nil); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", ev.Action), zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
