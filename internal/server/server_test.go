package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/config"
	"github.com/mohammad-safakhou/quantgov/internal/runtime"
)

var testSecret = []byte("test-secret")

func newTestApp(t *testing.T) (*App, *echo.Echo) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Backend = "memory"
	cfg.Server.JWTSecret = string(testSecret)
	cfg.Normalize()
	app, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	e := New(app.Services, Options{Secret: testSecret, DefaultAllotment: 1000, Ready: app.Ready})
	return app, e
}

func token(t *testing.T, agentID, role string) string {
	t.Helper()
	tok, err := runtime.SignJWT(runtime.Principal{AgentID: agentID, Role: role, Team: "macro"}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func do(t *testing.T, e *echo.Echo, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tok != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	_, e := newTestApp(t)
	rec := do(t, e, http.MethodGet, "/api/v1/accounts/A", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(t, e, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = do(t, e, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}

func TestDeductBeyondLimit(t *testing.T) {
	_, e := newTestApp(t)
	tok := token(t, "agent-pm", "pm")

	rec := do(t, e, http.MethodPost, "/api/v1/accounts", tok, map[string]interface{}{"id": "A", "kind": "team", "allotment": 500})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, http.MethodPost, "/api/v1/accounts/A/deduct", tok, map[string]interface{}{"amount": 480, "operation": "backtest"})
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("first deduct: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/accounts/A/deduct", tok, map[string]interface{}{"amount": 30, "operation": "backtest"})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Kind != "insufficient_budget" {
		t.Fatalf("unexpected kind %q", body.Kind)
	}

	rec = do(t, e, http.MethodGet, "/api/v1/accounts/A", tok, nil)
	var acct accountPayload
	decode(t, rec, &acct)
	if acct.Spent != 480 || acct.Available != 20 {
		t.Fatalf("unexpected account %+v", acct)
	}

	rec = do(t, e, http.MethodGet, "/api/v1/accounts/A/verify", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d", rec.Code)
	}

	rec = do(t, e, http.MethodGet, "/api/v1/audit/budget_account/A", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: %d", rec.Code)
	}
	var events []map[string]interface{}
	decode(t, rec, &events)
	rejected := 0
	for _, ev := range events {
		if ev["outcome"] == "rejected" {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected one rejected audit event, got %d of %d", rejected, len(events))
	}
}

func TestGateDecisionFlow(t *testing.T) {
	_, e := newTestApp(t)
	pm := token(t, "agent-pm", "pm")

	do(t, e, http.MethodPost, "/api/v1/accounts", pm, map[string]interface{}{"id": "macro", "kind": "team"})
	rec := do(t, e, http.MethodPost, "/api/v1/cycles", pm, map[string]interface{}{"title": "carry signal", "account_id": "macro"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("intake: %d %s", rec.Code, rec.Body.String())
	}
	var cyc cyclePayload
	decode(t, rec, &cyc)
	if cyc.CurrentStage != "IDEA_INTAKE" || cyc.Team != "macro" {
		t.Fatalf("unexpected cycle %+v", cyc)
	}

	path := "/api/v1/cycles/" + cyc.ID + "/gates/IDEA_INTAKE/decisions"
	rec = do(t, e, http.MethodPost, path, token(t, "agent-intruder", "analyst"), map[string]interface{}{"decision": "approve"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/cycles/"+cyc.ID+"/gates/NOT_A_GATE/decisions", pm, map[string]interface{}{"decision": "approve"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown gate, got %d", rec.Code)
	}

	rec = do(t, e, http.MethodPost, path, token(t, "agent-research-lead", "research_lead"), map[string]interface{}{"decision": "approve"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/cycles/"+cyc.ID+"/advance", pm, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("advance: %d %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &cyc)
	if cyc.CurrentStage != "DATA_GATE" {
		t.Fatalf("expected DATA_GATE, got %s", cyc.CurrentStage)
	}

	rec = do(t, e, http.MethodGet, "/api/v1/alerts/active", pm, nil)
	var alerts []alertPayload
	decode(t, rec, &alerts)
	if len(alerts) != 1 || alerts[0].Level != "warning" {
		t.Fatalf("expected one warning for the intruder, got %+v", alerts)
	}
}

func TestIntakeValidation(t *testing.T) {
	_, e := newTestApp(t)
	rec := do(t, e, http.MethodPost, "/api/v1/cycles", token(t, "agent-pm", "pm"), map[string]interface{}{"title": " ", "account_id": "macro"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestQuorumPendingAndClose(t *testing.T) {
	_, e := newTestApp(t)
	cro := token(t, "agent-cro", "cro")

	rec := do(t, e, http.MethodPost, "/api/v1/proposals", cro, map[string]interface{}{
		"kind":            "risk_rule",
		"title":           "tighten leverage",
		"mode":            "quorum",
		"required_voters": []string{"v1", "v2"},
		"payload":         map[string]interface{}{"rule_key": "gross_leverage", "limit": 3.5, "window": "1d", "justification": "drawdown"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var p struct {
		ID string `json:"id"`
	}
	decode(t, rec, &p)

	rec = do(t, e, http.MethodPost, "/api/v1/proposals/"+p.ID+"/submit", cro, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/proposals/"+p.ID+"/votes", token(t, "v1", "pm"), map[string]interface{}{"choice": "approve"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while quorum pending, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/proposals/"+p.ID+"/close", token(t, "v1", "pm"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when a voter closes someone else's proposal, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/proposals/"+p.ID+"/close", cro, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on early close, got %d", rec.Code)
	}
	var pending struct {
		Kind        string   `json:"kind"`
		Outstanding []string `json:"outstanding"`
	}
	decode(t, rec, &pending)
	if pending.Kind != "quorum_not_met" || len(pending.Outstanding) != 1 || pending.Outstanding[0] != "v2" {
		t.Fatalf("unexpected body %+v", pending)
	}

	rec = do(t, e, http.MethodPost, "/api/v1/proposals/"+p.ID+"/votes", token(t, "v2", "pm"), map[string]interface{}{"choice": "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("final vote: %d %s", rec.Code, rec.Body.String())
	}
	var res voteResultPayload
	decode(t, rec, &res)
	if !res.Resolved || res.Status != "approved" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTerminationEvidenceThreshold(t *testing.T) {
	_, e := newTestApp(t)
	cgo := token(t, "agent-cgo", "cgo")
	rec := do(t, e, http.MethodPost, "/api/v1/proposals", cgo, map[string]interface{}{
		"kind":     "termination",
		"title":    "retire agent-7",
		"mode":     "majority",
		"eligible": []string{"a", "b", "c"},
		"payload": map[string]interface{}{
			"agent_id": "agent-7",
			"reason":   "overfit",
			"evidence": []map[string]string{{"source_id": "bt-1", "kind": "backtest", "summary": "collapse"}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var p struct {
		ID string `json:"id"`
	}
	decode(t, rec, &p)
	rec = do(t, e, http.MethodPost, "/api/v1/proposals/"+p.ID+"/submit", cgo, nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestReputationComputeAndLatest(t *testing.T) {
	_, e := newTestApp(t)
	tok := token(t, "agent-cgo", "cgo")

	rec := do(t, e, http.MethodGet, "/api/v1/reputation/agent-7/latest", tok, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before compute, got %d", rec.Code)
	}
	rec = do(t, e, http.MethodPost, "/api/v1/reputation/agent-7/compute", tok, map[string]string{"period": "2026-W42"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("compute: %d %s", rec.Code, rec.Body.String())
	}
	var score scorePayload
	decode(t, rec, &score)
	if score.Overall < 0 || score.Overall > 1 || score.Grade == "" {
		t.Fatalf("unexpected score %+v", score)
	}
	rec = do(t, e, http.MethodGet, "/api/v1/reputation/agent-7/latest", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest: %d", rec.Code)
	}
	rec = do(t, e, http.MethodPost, "/api/v1/reputation/agent-7/compute", tok, map[string]string{"period": "last week"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad period, got %d", rec.Code)
	}
}
