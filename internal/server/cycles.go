package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
)

type cycleHandler struct {
	cycles *cycle.Service
}

func (h *cycleHandler) register(g *echo.Group) {
	g.POST("", h.intake)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/history", h.history)
	g.POST("/:id/advance", h.advance)
	g.POST("/:id/withdraw", h.withdraw)
	g.POST("/:id/force-retest", h.forceRetest)
	g.POST("/:id/charges", h.charge)
}

type cyclePayload struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	OwnerID       string    `json:"owner_id"`
	Team          string    `json:"team,omitempty"`
	AccountID     string    `json:"account_id"`
	CurrentStage  string    `json:"current_stage"`
	PreviousStage string    `json:"previous_stage,omitempty"`
	GatesPassed   []string  `json:"gates_passed"`
	FinalDecision string    `json:"final_decision,omitempty"`
	WorkOrder     []string  `json:"work_order,omitempty"`
	Round         int       `json:"round"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func cycleToPayload(c cycle.Cycle) cyclePayload {
	passed := make([]string, 0, len(c.GatesPassed))
	for _, s := range c.GatesPassed {
		passed = append(passed, string(s))
	}
	return cyclePayload{
		ID:            c.ID,
		Title:         c.Title,
		OwnerID:       c.OwnerID,
		Team:          c.Team,
		AccountID:     c.AccountID,
		CurrentStage:  string(c.Current),
		PreviousStage: string(c.Previous),
		GatesPassed:   passed,
		FinalDecision: string(c.FinalDecision),
		WorkOrder:     c.WorkOrder,
		Round:         c.Round,
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

type historyPayload struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Kind        string    `json:"kind"`
	TriggeredBy string    `json:"triggered_by"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type intakeRequest struct {
	Title     string `json:"title"`
	Team      string `json:"team"`
	AccountID string `json:"account_id"`
}

func (h *cycleHandler) intake(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req intakeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Team == "" {
		req.Team = p.Team
	}
	out, err := h.cycles.Intake(c.Request().Context(), cycle.IntakeRequest{
		Title:     req.Title,
		OwnerID:   p.AgentID,
		Team:      req.Team,
		AccountID: req.AccountID,
	})
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, cycleToPayload(out))
}

func (h *cycleHandler) list(c echo.Context) error {
	f := cycle.ListFilter{Team: c.QueryParam("team")}
	if v := c.QueryParam("stage"); v != "" {
		st, err := gate.ParseStage(v)
		if err != nil {
			return badRequest(err)
		}
		f.Stage = st
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	list, err := h.cycles.List(c.Request().Context(), f)
	if err != nil {
		return fail(err)
	}
	out := make([]cyclePayload, 0, len(list))
	for _, cy := range list {
		out = append(out, cycleToPayload(cy))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *cycleHandler) get(c echo.Context) error {
	out, err := h.cycles.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, cycleToPayload(out))
}

func (h *cycleHandler) history(c echo.Context) error {
	list, err := h.cycles.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	out := make([]historyPayload, 0, len(list))
	for _, hr := range list {
		out = append(out, historyPayload{
			ID:          hr.ID,
			From:        string(hr.From),
			To:          string(hr.To),
			Kind:        string(hr.Kind),
			TriggeredBy: hr.TriggeredBy,
			Reason:      hr.Reason,
			CreatedAt:   hr.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *cycleHandler) advance(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	out, err := h.cycles.Advance(c.Request().Context(), c.Param("id"), p.AgentID)
	if errors.Is(err, fault.ErrTimeout) {
		// the cycle was archived; report both
		return c.JSON(http.StatusRequestTimeout, map[string]interface{}{
			"error": err.Error(),
			"kind":  "timeout",
			"cycle": cycleToPayload(out),
		})
	}
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, cycleToPayload(out))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *cycleHandler) withdraw(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := h.cycles.Withdraw(c.Request().Context(), c.Param("id"), p.AgentID, req.Reason)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, cycleToPayload(out))
}

func (h *cycleHandler) forceRetest(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := h.cycles.ForceRetest(c.Request().Context(), c.Param("id"), p.AgentID, p.Role, req.Reason)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, cycleToPayload(out))
}

type chargeRequest struct {
	ExperimentID string `json:"experiment_id"`
	Cost         int64  `json:"cost"`
}

func (h *cycleHandler) charge(c echo.Context) error {
	var req chargeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	entry, err := h.cycles.ChargeExperiment(c.Request().Context(), c.Param("id"), req.ExperimentID, req.Cost)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, entryToPayload(entry))
}
