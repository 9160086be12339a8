package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
	"github.com/mohammad-safakhou/quantgov/internal/governance"
	"github.com/mohammad-safakhou/quantgov/internal/memory"
)

func TestCycleUpdateWritesHistoryInSameTx(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c := cycle.Cycle{
		ID: "c-1", Current: gate.StageDataGate, Previous: gate.StageBacktestGate,
		GatesPassed: []gate.Stage{gate.StageIdeaIntake}, WorkOrder: []string{"rerun with survivorship-free universe"},
		Round: 2, UpdatedAt: at,
	}
	h := &cycle.History{ID: "h-1", CycleID: "c-1", From: gate.StageBacktestGate, To: gate.StageDataGate, Kind: cycle.KindReturned, CreatedAt: at}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$1 AND version=$2`)).
		WithArgs("c-1", int64(4), "DATA_GATE", "BACKTEST_GATE", sqlmock.AnyArg(), nil, sqlmock.AnyArg(), 2, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO cycle_history`)).
		WithArgs("h-1", "c-1", "BACKTEST_GATE", "DATA_GATE", nil, nil, "returned", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := st.Cycles().Update(context.Background(), c, 4, h)
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCycleUpdateLostRace(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_cycles`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_cycles WHERE id=$1`)).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "owner_id", "team", "account_id", "current_stage", "previous_stage",
			"gates_passed", "final_decision", "work_order", "round", "version", "created_at", "updated_at"}).
			AddRow("c-1", "momentum", "agent-a", "alpha", "team-alpha", "DATA_GATE", "", "{IDEA_INTAKE}", "", "{}", 1, int64(5), at, at))

	ok, err := st.Cycles().Update(context.Background(), cycle.Cycle{ID: "c-1", Current: gate.StageBacktestGate}, 4, &cycle.History{ID: "h-2"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ok {
		t.Fatalf("expected stale version to lose")
	}
}

func TestGateDecideInsertsVetoRecord(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	d := gate.Decision{
		ID: "g-9", CycleID: "c-1", Gate: gate.StageRiskSkeptic, Round: 1, ApproverID: "agent-cro", Role: "cro",
		Status: gate.StatusRejected, Payload: gate.VetoPayload{Reason: "tail risk"}, VetoUsed: true,
		DecidedAt: at, DeadlineAt: at.Add(72 * time.Hour), Insert: true,
	}
	cols := []string{"id", "cycle_id", "gate", "round", "approver_id", "role", "status", "payload", "comments",
		"veto_used", "force_retest_used", "superseded", "timed_out", "deadline_at", "created_at", "decided_at", "version"}

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE gate_approvals`)).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("c-1", "RISK_SKEPTIC_GATE", 1, "agent-cro").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (cycle_id, gate, round, approver_id) DO NOTHING`)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("g-9", "c-1", "RISK_SKEPTIC_GATE", 1, "agent-cro", "cro", "REJECTED",
			[]byte(`{"kind":"veto","data":{"approve":false,"reason":"tail risk"}}`), "", true, false, false, false, at.Add(72*time.Hour), at, at, int64(1)))

	rec, ok, err := st.Gates().Decide(context.Background(), d)
	if err != nil || !ok {
		t.Fatalf("Decide: ok=%v err=%v", ok, err)
	}
	veto, isVeto := rec.Payload.(gate.VetoPayload)
	if !isVeto || veto.Reason != "tail risk" || !rec.VetoUsed {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGateExpirePendingSkipsSettledRounds(t *testing.T) {
	st, mock := newMock(t)
	now := time.Date(2026, 10, 22, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "cycle_id", "gate", "round", "approver_id", "role", "status", "payload", "comments",
		"veto_used", "force_retest_used", "superseded", "timed_out", "deadline_at", "created_at", "decided_at", "version"}
	mock.ExpectQuery(`(?s)UPDATE gate_approvals g.*g.status='PENDING'.*NOT EXISTS.*d.veto_used OR d.status='RETURNED' OR \(d.status='REJECTED' AND NOT d.timed_out\)`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("g-3", "c-2", "IDEA_INTAKE", 1, "agent-research-lead", "research_lead", "REJECTED",
			nil, "", false, false, false, true, now.Add(-time.Hour), now.Add(-25*time.Hour), now, int64(2)))

	recs, err := st.Gates().ExpirePending(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpirePending: %v", err)
	}
	if len(recs) != 1 || !recs[0].TimedOut || recs[0].Status != gate.StatusRejected {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGateDecideMissingRecordWithoutInsert(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE gate_approvals`)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, _, err := st.Gates().Decide(context.Background(), gate.Decision{CycleID: "c-1", Gate: gate.StageDataGate, Round: 1, ApproverID: "x", Status: gate.StatusApproved, Payload: gate.ApprovePayload{}})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCandidatesQuery(t *testing.T) {
	st, mock := newMock(t)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)status='approved'.*scope = ANY\(\$4\).*tags && \$5.*embedding <=> \$6::vector.*LIMIT \$7`).
		WithArgs("agent-a", "alpha", now, pq.Array([]string{"team", "org"}), pq.Array([]string{"macro"}), "[0.5,0.25]", 200).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_id", "team", "content", "content_hash", "tags", "scope", "confidence",
			"expires_at", "expired", "embedding", "refs", "status", "created_at", "updated_at"}).
			AddRow("m-1", "agent-b", "alpha", "carry unwinds in risk-off", "ab12", "{macro,fx}", "team", 0.8,
				nil, false, "[0.5,0.25]", []byte(`[{"kind":"experiment","value":"x-1"}]`), "approved", now, now))

	got, err := st.Memories().Candidates(context.Background(), memory.Filter{
		AgentID: "agent-a", Team: "alpha", Scopes: []memory.Scope{memory.ScopeTeam, memory.ScopeOrg},
		Tags: []string{"macro"}, Embedding: []float32{0.5, 0.25}, Now: now, Limit: 200,
	})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 || len(got[0].Embedding) != 2 || len(got[0].Refs) != 1 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if ref, ok := got[0].Refs[0].(memory.ExperimentRef); !ok || ref.ExperimentID != "x-1" {
		t.Fatalf("unexpected ref: %+v", got[0].Refs[0])
	}
}

func TestMemoryCandidatesUnionTextMatches(t *testing.T) {
	st, mock := newMock(t)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "agent_id", "team", "content", "content_hash", "tags", "scope", "confidence",
		"expires_at", "expired", "embedding", "refs", "status", "created_at", "updated_at"}
	mock.ExpectQuery(`(?s)^\(SELECT .*embedding <=> \$4::vector.*LIMIT \$5\) UNION ALL \(SELECT .*content ILIKE ANY\(\$6\) ORDER BY created_at DESC, id LIMIT \$5\)$`).
		WithArgs("agent-a", "", now, "[1,0]", 2, pq.Array([]string{"%carry%", "%50\\%%"})).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m-1", "agent-a", "", "momentum", "aa", "{}", "private", 0.8, nil, false, "[1,0]", []byte(`[]`), "approved", now, now).
			AddRow("m-2", "agent-b", "", "carry trade", "bb", "{}", "org", 0.8, nil, false, "[0,1]", []byte(`[]`), "approved", now, now).
			AddRow("m-2", "agent-b", "", "carry trade", "bb", "{}", "org", 0.8, nil, false, "[0,1]", []byte(`[]`), "approved", now, now))

	got, err := st.Memories().Candidates(context.Background(), memory.Filter{
		AgentID: "agent-a", Embedding: []float32{1, 0}, Text: "Carry 50%", Now: now, Limit: 2,
	})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m-1" || got[1].ID != "m-2" {
		t.Fatalf("expected deduplicated union, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProposalDuplicateVoteLosesRace(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	p := governance.Proposal{ID: "p-1", Status: governance.StatusPending, ApprovalRate: 100}
	v := &governance.Vote{ProposalID: "p-1", VoterID: "v1", Choice: governance.ChoiceApprove, CastAt: at}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE proposals`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO proposal_votes`)).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM proposals WHERE id=$1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "title", "proposer_id", "status", "mode", "required_voters", "eligible",
			"threshold", "approval_rate", "payload", "created_at", "submitted_at", "decided_at", "version"}).
			AddRow("p-1", "hiring", "hire", "agent-cio", "pending", "quorum", "{v1,v2}", "{}", 0.6, 100.0,
				[]byte(`{"role":"analyst","team":"macro","budget_cp":10,"justification":"gap"}`), at, at, nil, int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM proposal_votes`)).
		WillReturnRows(sqlmock.NewRows([]string{"proposal_id", "voter_id", "choice", "reason", "cast_at"}).AddRow("p-1", "v1", "approve", "", at))

	ok, err := st.Governance().UpdateProposal(context.Background(), p, 2, v)
	if err != nil {
		t.Fatalf("UpdateProposal: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate ballot to be refused")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEventSinkAppend(t *testing.T) {
	st, mock := newMock(t)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO governance_events`)).
		WithArgs("ev-1", audit.EntityGate, "c-1/DATA_GATE", "decide", "intruder", "rejected", "unauthorized approver", []byte(`{"round":1}`), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Events().Append(context.Background(), audit.Event{
		ID: "ev-1", Entity: audit.EntityGate, EntityID: "c-1/DATA_GATE", Action: "decide", Actor: "intruder",
		Outcome: audit.OutcomeRejected, Error: "unauthorized approver", Payload: map[string]interface{}{"round": 1}, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
