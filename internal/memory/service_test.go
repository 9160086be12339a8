package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryRepository, *audit.MemorySink) {
	t.Helper()
	repo := NewMemoryRepository()
	sink := audit.NewMemorySink()
	svc := NewService(repo, Config{Limits: Limits{MaxContentLength: 4000, EmbeddingDimensions: 3}}, audit.NewRecorder(nil, sink), nil)
	return svc, repo, sink
}

func storeReq(agent, team string, scope Scope, content string, emb []float32) StoreRequest {
	return StoreRequest{
		AgentID:    agent,
		Team:       team,
		Content:    content,
		Scope:      scope,
		Confidence: 0.8,
		Embedding:  emb,
		Refs:       []Ref{ExperimentRef{ExperimentID: "exp-42"}},
	}
}

func TestStoreOrgWithoutRefsIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, repo, sink := newTestService(t)

	req := storeReq("agent-1", "alpha", ScopeOrg, "vol filter lowers drawdown", []float32{1, 0, 0})
	req.Refs = nil
	id, err := svc.Store(ctx, req)
	require.Error(t, err)
	require.True(t, errors.Is(err, fault.ErrValidation))
	var verr *fault.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "refs", verr.Field)
	require.Empty(t, id)

	count := 0
	repo.items.Range(func(_, _ any) bool { count++; return true })
	require.Zero(t, count, "validation failure must not create a record")

	events := sink.Events("")
	require.Len(t, events, 1)
	require.Equal(t, audit.OutcomeRejected, events[0].Outcome)
}

func TestStoreValidationBounds(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	cases := map[string]func(r *StoreRequest){
		"confidence":  func(r *StoreRequest) { r.Confidence = 1.2 },
		"dimensions":  func(r *StoreRequest) { r.Embedding = []float32{1, 0} },
		"scope":       func(r *StoreRequest) { r.Scope = "public" },
		"blank":       func(r *StoreRequest) { r.Content = "   " },
		"long":        func(r *StoreRequest) { r.Content = string(make([]rune, 4001)) },
		"team":        func(r *StoreRequest) { r.Team = "" },
		"artifact":    func(r *StoreRequest) { r.Refs = []Ref{ArtifactRef{URI: "not a uri"}} },
		"dataversion": func(r *StoreRequest) { r.Refs = []Ref{DataVersionRef{Hash: "zz"}} },
	}
	for name, mutate := range cases {
		req := storeReq("agent-1", "alpha", ScopeTeam, "note", []float32{1, 0, 0})
		mutate(&req)
		_, err := svc.Store(ctx, req)
		require.ErrorIs(t, err, fault.ErrValidation, name)
	}
}

func TestStoreHashesContentAndBuildsChain(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	id, err := svc.Store(ctx, storeReq("agent-1", "alpha", ScopeOrg, "carry trades unwind in risk-off", []float32{0, 1, 0}))
	require.NoError(t, err)
	m, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, m.ContentHash, 64)
	require.Equal(t, ContentHash("carry trades unwind in risk-off"), m.ContentHash)
	require.Equal(t, StatusPending, m.Status)
	require.Len(t, m.Approvals, 2)
	require.Equal(t, RoleTeamLead, m.Approvals[0].Role)
	require.Equal(t, RoleCIO, m.Approvals[1].Role)

	private, err := svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "scratch", []float32{0, 1, 0}))
	require.NoError(t, err)
	pm, _ := svc.Get(ctx, private)
	require.Equal(t, StatusApproved, pm.Status)
	require.Empty(t, pm.Approvals)
}

func TestSearchNeverReturnsUnapprovedSharedMemory(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	teamID, err := svc.Store(ctx, storeReq("agent-1", "alpha", ScopeTeam, "vol filter lowers drawdown", []float32{1, 0, 0}))
	require.NoError(t, err)
	orgID, err := svc.Store(ctx, storeReq("agent-3", "beta", ScopeOrg, "vol filter works across regimes", []float32{1, 0, 0}))
	require.NoError(t, err)

	query := Query{AgentID: "agent-2", Team: "alpha", Embedding: []float32{1, 0, 0}, Text: "vol filter"}
	res, err := svc.Search(ctx, query)
	require.NoError(t, err)
	require.Empty(t, res, "pending memories must stay invisible")

	_, err = svc.Approve(ctx, ApproveRequest{MemoryID: teamID, ApproverID: "lead-alpha", Role: RoleTeamLead, Approve: true})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, ApproveRequest{MemoryID: orgID, ApproverID: "lead-beta", Role: RoleTeamLead, Approve: true})
	require.NoError(t, err)

	res, err = svc.Search(ctx, query)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, teamID, res[0].Memory.ID)

	_, err = svc.Approve(ctx, ApproveRequest{MemoryID: orgID, ApproverID: "cio-1", Role: RoleCIO, Approve: true})
	require.NoError(t, err)
	res, err = svc.Search(ctx, query)
	require.NoError(t, err)
	require.Len(t, res, 2)

	outsider, err := svc.Search(ctx, Query{AgentID: "agent-9", Team: "gamma", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, outsider, 1)
	require.Equal(t, orgID, outsider[0].Memory.ID)
}

func TestApproveEnforcesRoleOrderAndAuthor(t *testing.T) {
	ctx := context.Background()
	svc, _, sink := newTestService(t)

	id, err := svc.Store(ctx, storeReq("agent-1", "alpha", ScopeOrg, "note", []float32{1, 0, 0}))
	require.NoError(t, err)

	_, err = svc.Approve(ctx, ApproveRequest{MemoryID: id, ApproverID: "cio-1", Role: RoleCIO, Approve: true})
	require.ErrorIs(t, err, fault.ErrUnauthorizedApprover, "cio cannot skip the team lead step")

	_, err = svc.Approve(ctx, ApproveRequest{MemoryID: id, ApproverID: "agent-1", Role: RoleTeamLead, Approve: true})
	require.ErrorIs(t, err, fault.ErrUnauthorizedApprover)

	m, err := svc.Approve(ctx, ApproveRequest{MemoryID: id, ApproverID: "lead-1", Role: RoleTeamLead, Approve: false, Comment: "no evidence"})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, m.Status)

	_, err = svc.Approve(ctx, ApproveRequest{MemoryID: id, ApproverID: "cio-1", Role: RoleCIO, Approve: true})
	require.ErrorIs(t, err, fault.ErrInvalidTransition)

	var rejected int
	for _, ev := range sink.Events(id) {
		if ev.Outcome == audit.OutcomeRejected {
			rejected++
		}
	}
	require.Equal(t, 2, rejected)
}

func TestSearchFusesVectorAndLexicalRanks(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	a, _ := svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "momentum crossover", []float32{1, 0, 0}))
	b, _ := svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "volatility filter reduces drawdown", []float32{0, 1, 0}))
	c, _ := svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "volatility regime", []float32{0.9, 0.1, 0}))

	res, err := svc.Search(ctx, Query{AgentID: "agent-1", Embedding: []float32{1, 0, 0}, Text: "volatility"})
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.Equal(t, a, res[2].Memory.ID, "vector-only hit ranks below items found by both rankers")
	require.ElementsMatch(t, []string{b, c}, []string{res[0].Memory.ID, res[1].Memory.ID})
	require.Equal(t, 1, res[2].VecRank)
	require.Zero(t, res[2].TextRank)
	for i, r := range res {
		require.Equal(t, i+1, r.Rank)
	}

	// other agents never see private notes
	res, err = svc.Search(ctx, Query{AgentID: "agent-2", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestSearchPoolKeepsTextMatchesBeyondNearestNeighbours(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, Config{
		Limits:        Limits{MaxContentLength: 4000, EmbeddingDimensions: 3},
		CandidatePool: 2,
	}, audit.NewRecorder(nil, audit.NewMemorySink()), nil)

	_, _ = svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "momentum crossover", []float32{1, 0, 0}))
	_, _ = svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "trend persistence", []float32{0.95, 0.05, 0}))
	_, _ = svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "breakout follow through", []float32{0.9, 0.1, 0}))
	far, _ := svc.Store(ctx, storeReq("agent-1", "", ScopePrivate, "basis blowout in treasuries", []float32{0, 0, 1}))

	pool, err := repo.Candidates(ctx, Filter{AgentID: "agent-1", Embedding: []float32{1, 0, 0}, Text: "Basis", Limit: 2})
	require.NoError(t, err)
	require.Len(t, pool, 3)
	require.Equal(t, far, pool[2].ID)

	res, err := svc.Search(ctx, Query{AgentID: "agent-1", Embedding: []float32{1, 0, 0}, Text: "basis", TopK: 10})
	require.NoError(t, err)
	var found *Result
	for i := range res {
		if res[i].Memory.ID == far {
			found = &res[i]
		}
	}
	require.NotNil(t, found, "text match outside the vector pool must still be ranked")
	require.Equal(t, 1, found.TextRank)

	res, err = svc.Search(ctx, Query{AgentID: "agent-1", Embedding: []float32{1, 0, 0}, TopK: 10})
	require.NoError(t, err)
	require.Len(t, res, 2)
}

func TestSearchTopKAndTags(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	for i := 0; i < 15; i++ {
		req := storeReq("agent-1", "", ScopePrivate, "note", []float32{1, float32(i), 0})
		if i%2 == 0 {
			req.Tags = []string{"fx"}
		}
		_, err := svc.Store(ctx, req)
		require.NoError(t, err)
	}
	res, err := svc.Search(ctx, Query{AgentID: "agent-1", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, res, DefaultTopK)

	res, err = svc.Search(ctx, Query{AgentID: "agent-1", Embedding: []float32{1, 0, 0}, Tags: []string{"fx"}, TopK: 500})
	require.NoError(t, err)
	require.Len(t, res, 8)

	_, err = svc.Search(ctx, Query{AgentID: "agent-1"})
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestExpireMarksWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	req := storeReq("agent-1", "", ScopePrivate, "short lived", []float32{1, 0, 0})
	req.TTL = time.Hour
	id, err := svc.Store(ctx, req)
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	n, err := svc.Expire(ctx, later)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	m, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, m.Expired)

	res, err := svc.Search(ctx, Query{AgentID: "agent-1", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestFuseRRFMonotonic(t *testing.T) {
	for other := 0; other <= 50; other += 10 {
		for r := 1; r < 200; r++ {
			require.GreaterOrEqual(t, FuseRRF(r, other), FuseRRF(r+1, other))
			require.GreaterOrEqual(t, FuseRRF(other, r), FuseRRF(other, r+1))
		}
		require.Greater(t, FuseRRF(200, other), FuseRRF(0, other), "any rank beats a missing rank")
	}
	require.InDelta(t, 2.0/61.0, FuseRRF(1, 1), 1e-12)
}
