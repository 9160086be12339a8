package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTopK          = 10
	MaxTopK              = 100
	DefaultCandidatePool = 200
	approveRetries       = 3
)

// Config tunes the service.
type Config struct {
	Limits        Limits
	DefaultTopK   int
	MaxTopK       int
	CandidatePool int
	// Chains lists the ordered approver roles per scope. Private is always
	// auto-approved regardless of this map.
	Chains map[Scope][]string
}

// DefaultChains is team -> [team_lead], org -> [team_lead, cio].
func DefaultChains() map[Scope][]string {
	return map[Scope][]string{
		ScopeTeam: {RoleTeamLead},
		ScopeOrg:  {RoleTeamLead, RoleCIO},
	}
}

func (c *Config) normalize() {
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = MaxTopK
	}
	if c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = c.MaxTopK
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = DefaultCandidatePool
	}
	if len(c.Chains) == 0 {
		c.Chains = DefaultChains()
	}
}

// Service is the memory store and hybrid retriever.
type Service struct {
	repo     Repository
	cfg      Config
	audit    *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
	searches otelmetric.Int64Counter
	latency  otelmetric.Float64Histogram
}

// NewService wires a service over repo.
func NewService(repo Repository, cfg Config, rec *audit.Recorder, logger *zap.Logger) *Service {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter("quantgov/memory")
	searches, _ := meter.Int64Counter("memory_searches_total",
		otelmetric.WithDescription("Memory searches by outcome"))
	latency, _ := meter.Float64Histogram("memory_search_seconds",
		otelmetric.WithDescription("Memory search latency"))
	return &Service{
		repo:     repo,
		cfg:      cfg,
		audit:    rec,
		logger:   logger.Named("memory"),
		now:      time.Now,
		searches: searches,
		latency:  latency,
	}
}

// Store validates and persists a memory. Private memories are approved at
// once; team and org memories start pending with their approval chain.
func (s *Service) Store(ctx context.Context, req StoreRequest) (string, error) {
	if err := req.Validate(s.cfg.Limits); err != nil {
		s.record(ctx, audit.Event{
			Entity: audit.EntityMemory, Action: "store", Actor: req.AgentID,
			Outcome: audit.OutcomeRejected, Error: err.Error(),
			Payload: map[string]interface{}{"scope": string(req.Scope)},
		})
		return "", err
	}
	now := s.now().UTC()
	m := Memory{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		Team:        req.Team,
		Content:     req.Content,
		ContentHash: ContentHash(req.Content),
		Tags:        req.Tags,
		Scope:       req.Scope,
		Confidence:  req.Confidence,
		Embedding:   req.Embedding,
		Refs:        req.Refs,
		Status:      StatusApproved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		m.ExpiresAt = &exp
	}
	if req.Scope != ScopePrivate {
		chain := s.cfg.Chains[req.Scope]
		if len(chain) == 0 {
			return "", fault.Invalid("scope", fmt.Sprintf("no approval chain configured for %s", req.Scope))
		}
		m.Status = StatusPending
		for i, role := range chain {
			m.Approvals = append(m.Approvals, ApprovalStep{MemoryID: m.ID, Step: i + 1, Role: role, Status: StepPending})
		}
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return "", fault.Storage("memory.store", err)
	}
	s.record(ctx, audit.Event{
		Entity: audit.EntityMemory, EntityID: m.ID, Action: "store", Actor: req.AgentID,
		Outcome: audit.OutcomeAccepted,
		Payload: map[string]interface{}{"scope": string(m.Scope), "status": string(m.Status), "content_hash": m.ContentHash},
	})
	return m.ID, nil
}

// Get returns a memory by id.
func (s *Service) Get(ctx context.Context, id string) (Memory, error) {
	m, ok, err := s.repo.Get(ctx, id)
	if err != nil {
		return Memory{}, fault.Storage("memory.get", err)
	}
	if !ok {
		return Memory{}, fmt.Errorf("memory %s: %w", id, fault.ErrNotFound)
	}
	return m, nil
}

// ApproveRequest records one step decision.
type ApproveRequest struct {
	MemoryID   string
	ApproverID string
	Role       string
	Approve    bool
	Comment    string
}

// Approve decides the next pending step of the chain. Steps are decided in
// order; the role must match the step. Rejection at any step rejects the
// memory; approval of the final step approves it.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (Memory, error) {
	for attempt := 0; attempt < approveRetries; attempt++ {
		m, err := s.Get(ctx, req.MemoryID)
		if err != nil {
			return Memory{}, err
		}
		if m.Status != StatusPending {
			return Memory{}, fmt.Errorf("memory %s is %s: %w", m.ID, m.Status, fault.ErrInvalidTransition)
		}
		next := -1
		for i, step := range m.Approvals {
			if step.Status == StepPending {
				next = i
				break
			}
		}
		if next < 0 {
			return Memory{}, fmt.Errorf("memory %s has no pending step: %w", m.ID, fault.ErrInvalidTransition)
		}
		step := m.Approvals[next]
		if req.Role != step.Role || req.ApproverID == "" || req.ApproverID == m.AgentID {
			uerr := &fault.UnauthorizedApproverError{
				ActorID: req.ApproverID,
				Subject: fmt.Sprintf("memory %s step %d", m.ID, step.Step),
				Reason:  fmt.Sprintf("step requires role %s", step.Role),
			}
			if req.ApproverID == m.AgentID {
				uerr.Reason = "authors cannot approve their own memory"
			}
			s.logger.Warn("unauthorized memory approval",
				zap.String("memory_id", m.ID), zap.String("actor", req.ApproverID), zap.String("role", req.Role))
			s.record(ctx, audit.Event{
				Entity: audit.EntityMemory, EntityID: m.ID, Action: "approve", Actor: req.ApproverID,
				Outcome: audit.OutcomeRejected, Error: uerr.Error(),
				Payload: map[string]interface{}{"step": step.Step, "role": req.Role},
			})
			return Memory{}, uerr
		}
		decision := StepApproved
		status := StatusPending
		switch {
		case !req.Approve:
			decision = StepRejected
			status = StatusRejected
		case next == len(m.Approvals)-1:
			status = StatusApproved
		}
		updated, ok, err := s.repo.DecideStep(ctx, StepDecision{
			MemoryID:   m.ID,
			Step:       step.Step,
			ApproverID: req.ApproverID,
			Decision:   decision,
			Comment:    req.Comment,
			NewStatus:  status,
			At:         s.now().UTC(),
		})
		if err != nil {
			return Memory{}, fault.Storage("memory.approve", err)
		}
		if !ok {
			continue
		}
		s.record(ctx, audit.Event{
			Entity: audit.EntityMemory, EntityID: m.ID, Action: "approve", Actor: req.ApproverID,
			Outcome: audit.OutcomeAccepted,
			Payload: map[string]interface{}{"step": step.Step, "decision": string(decision), "status": string(status)},
		})
		return updated, nil
	}
	return Memory{}, fmt.Errorf("memory %s approval: %w", req.MemoryID, fault.ErrConflict)
}

// Search returns approved, visible, live memories ranked by reciprocal rank
// fusion of cosine distance and lexical relevance.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	start := s.now()
	results, err := s.search(ctx, q)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.searches != nil {
		s.searches.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if s.latency != nil {
		s.latency.Record(ctx, time.Since(start).Seconds())
	}
	return results, err
}

func (s *Service) search(ctx context.Context, q Query) ([]Result, error) {
	if q.AgentID == "" {
		return nil, fault.Invalid("agent_id", "required")
	}
	if len(q.Embedding) == 0 && q.Text == "" {
		return nil, fault.Invalid("query", "embedding or text required")
	}
	if dims := s.cfg.Limits.EmbeddingDimensions; dims > 0 && len(q.Embedding) > 0 && len(q.Embedding) != dims {
		return nil, fault.Invalid("embedding", fmt.Sprintf("expected %d dimensions, got %d", dims, len(q.Embedding)))
	}
	for _, sc := range q.Scopes {
		if sc != ScopePrivate && sc != ScopeTeam && sc != ScopeOrg {
			return nil, fault.Invalid("scopes", fmt.Sprintf("unknown scope %q", sc))
		}
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}

	candidates, err := s.repo.Candidates(ctx, Filter{
		AgentID:   q.AgentID,
		Team:      q.Team,
		Scopes:    q.Scopes,
		Tags:      q.Tags,
		Embedding: q.Embedding,
		Text:      q.Text,
		Now:       s.now().UTC(),
		Limit:     s.cfg.CandidatePool,
	})
	if err != nil {
		return nil, fault.Storage("memory.candidates", err)
	}
	// Repositories filter, but approval and visibility are re-checked here so
	// no backend can leak an unapproved item.
	now := s.now().UTC()
	visible := candidates[:0]
	for _, m := range candidates {
		if m.Status == StatusApproved && m.Live(now) && m.VisibleTo(q.AgentID, q.Team) {
			visible = append(visible, m)
		}
	}
	if len(visible) == 0 {
		return []Result{}, nil
	}

	var vecRanks, textRanks map[string]int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecRanks = vectorRanks(q.Embedding, visible)
		return nil
	})
	g.Go(func() error {
		r, err := lexicalRanks(gctx, q.Text, visible)
		if err != nil {
			return err
		}
		textRanks = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("lexical rank: %w", err)
	}

	results := make([]Result, 0, len(visible))
	for _, m := range visible {
		vr, tr := vecRanks[m.ID], textRanks[m.ID]
		if vr == 0 && tr == 0 {
			continue
		}
		results = append(results, Result{Memory: m, VecRank: vr, TextRank: tr, Score: FuseRRF(vr, tr)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// Expire marks memories whose TTL elapsed. Nothing is deleted.
func (s *Service) Expire(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.MarkExpired(ctx, now)
	if err != nil {
		return 0, fault.Storage("memory.expire", err)
	}
	if n > 0 {
		s.logger.Info("memories expired", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit append failed", zap.String("action", ev.Action), zap.Error(err))
	}
}
