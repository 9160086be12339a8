package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/reputation"
)

type reputationHandler struct {
	scorer *reputation.Scorer
}

func (h *reputationHandler) register(g *echo.Group) {
	g.POST("/:agent_id/compute", h.compute)
	g.GET("/:agent_id/latest", h.latest)
}

type scorePayload struct {
	ID                    string    `json:"id"`
	AgentID               string    `json:"agent_id"`
	Period                string    `json:"period"`
	Overall               float64   `json:"overall"`
	GatePassRate          float64   `json:"gate_pass_rate"`
	ReturnRate            float64   `json:"return_rate"`
	BudgetEfficiency      float64   `json:"budget_efficiency"`
	PostLaunchPerformance float64   `json:"post_launch_performance"`
	CollaborationScore    float64   `json:"collaboration_score"`
	Samples               int       `json:"samples"`
	Grade                 string    `json:"grade"`
	Multiplier            float64   `json:"multiplier"`
	CreatedAt             time.Time `json:"created_at"`
}

func scoreToPayload(s reputation.Score) scorePayload {
	return scorePayload{
		ID:                    s.ID,
		AgentID:               s.AgentID,
		Period:                s.Period,
		Overall:               s.Overall,
		GatePassRate:          s.GatePassRate,
		ReturnRate:            s.ReturnRate,
		BudgetEfficiency:      s.BudgetEfficiency,
		PostLaunchPerformance: s.PostLaunchPerformance,
		CollaborationScore:    s.CollaborationScore,
		Samples:               s.Samples,
		Grade:                 string(s.Grade),
		Multiplier:            s.Multiplier,
		CreatedAt:             s.CreatedAt,
	}
}

type computeRequest struct {
	Period string `json:"period"`
}

func (h *reputationHandler) compute(c echo.Context) error {
	var req computeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Period == "" {
		req.Period = reputation.Period(time.Now())
	}
	score, err := h.scorer.ComputeScore(c.Request().Context(), c.Param("agent_id"), req.Period)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, scoreToPayload(score))
}

func (h *reputationHandler) latest(c echo.Context) error {
	score, err := h.scorer.Latest(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, scoreToPayload(score))
}
