package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

type gateHandler struct {
	engine *gate.Engine
}

func (h *gateHandler) register(g *echo.Group) {
	g.GET("/:gate", h.resolve)
	g.POST("/:gate/decisions", h.submit)
}

type resolutionPayload struct {
	CycleID             string   `json:"cycle_id"`
	Gate                string   `json:"gate"`
	Round               int      `json:"round"`
	Outcome             string   `json:"outcome"`
	Final               bool     `json:"final"`
	Veto                bool     `json:"veto,omitempty"`
	Timeout             bool     `json:"timeout,omitempty"`
	ReturnTo            string   `json:"return_to,omitempty"`
	RequiredExperiments []string `json:"required_experiments,omitempty"`
	DecidedBy           string   `json:"decided_by,omitempty"`
	Reason              string   `json:"reason,omitempty"`
}

func resolutionToPayload(r gate.Resolution) resolutionPayload {
	return resolutionPayload{
		CycleID:             r.CycleID,
		Gate:                string(r.Gate),
		Round:               r.Round,
		Outcome:             string(r.Outcome),
		Final:               r.Final(),
		Veto:                r.Veto,
		Timeout:             r.Timeout,
		ReturnTo:            string(r.ReturnTo),
		RequiredExperiments: r.RequiredExperiments,
		DecidedBy:           r.DecidedBy,
		Reason:              r.Reason,
	}
}

type approvalPayload struct {
	ID         string     `json:"id"`
	CycleID    string     `json:"cycle_id"`
	Gate       string     `json:"gate"`
	Round      int        `json:"round"`
	ApproverID string     `json:"approver_id"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	Decision   string     `json:"decision,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	VetoUsed   bool       `json:"veto_used,omitempty"`
	DeadlineAt time.Time  `json:"deadline_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

func approvalToPayload(a gate.GateApproval) approvalPayload {
	out := approvalPayload{
		ID:         a.ID,
		CycleID:    a.CycleID,
		Gate:       string(a.Gate),
		Round:      a.Round,
		ApproverID: a.ApproverID,
		Role:       a.Role,
		Status:     string(a.Status),
		Comments:   a.Comments,
		VetoUsed:   a.VetoUsed,
		DeadlineAt: a.DeadlineAt,
		DecidedAt:  a.DecidedAt,
	}
	if a.Payload != nil {
		out.Decision = a.Payload.Kind()
	}
	return out
}

func (h *gateHandler) resolve(c echo.Context) error {
	stage, err := gate.ParseStage(c.Param("gate"))
	if err != nil {
		return badRequest(err)
	}
	res, err := h.engine.Resolve(c.Request().Context(), c.Param("id"), stage)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, resolutionToPayload(res))
}

type decisionRequest struct {
	Decision string          `json:"decision"`
	Payload  json.RawMessage `json:"payload"`
	Comments string          `json:"comments"`
}

func (h *gateHandler) submit(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	stage, err := gate.ParseStage(c.Param("gate"))
	if err != nil {
		return badRequest(err)
	}
	var req decisionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	payload, err := gate.PayloadFromJSON(req.Decision, req.Payload)
	if err != nil {
		return badRequest(fmt.Errorf("decision: %w", err))
	}
	rec, err := h.engine.Submit(c.Request().Context(), gate.SubmitRequest{
		CycleID:    c.Param("id"),
		Gate:       stage,
		ApproverID: p.AgentID,
		Payload:    payload,
		Comments:   req.Comments,
	})
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, approvalToPayload(rec))
}
