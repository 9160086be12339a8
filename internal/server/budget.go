package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/budget"
)

type budgetHandler struct {
	ledger           *budget.Ledger
	defaultAllotment int64
}

func (h *budgetHandler) register(g *echo.Group) {
	g.POST("", h.open)
	g.GET("/:id", h.get)
	g.GET("/:id/available", h.available)
	g.POST("/:id/deduct", h.deduct)
	g.POST("/:id/credit", h.credit)
	g.GET("/:id/entries", h.entries)
	g.GET("/:id/verify", h.verify)
	g.PUT("/:id/multiplier", h.multiplier)
}

type accountPayload struct {
	ID                   string    `json:"id"`
	Kind                 string    `json:"kind"`
	Allotment            int64     `json:"allotment"`
	Spent                int64     `json:"spent"`
	Limit                int64     `json:"limit"`
	Available            int64     `json:"available"`
	ReputationMultiplier float64   `json:"reputation_multiplier"`
	Version              int64     `json:"version"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func accountToPayload(a budget.Account) accountPayload {
	return accountPayload{
		ID:                   a.ID,
		Kind:                 string(a.Kind),
		Allotment:            a.Allotment,
		Spent:                a.Spent,
		Limit:                a.Limit(),
		Available:            a.Available(),
		ReputationMultiplier: a.ReputationMultiplier,
		Version:              a.Version,
		UpdatedAt:            a.UpdatedAt,
	}
}

type entryPayload struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"account_id"`
	Amount       int64        `json:"amount"`
	BalanceAfter int64        `json:"balance_after"`
	Operation    string       `json:"operation,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Refs         []budget.Ref `json:"refs,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func entryToPayload(e budget.LedgerEntry) entryPayload {
	return entryPayload{
		ID:           e.ID,
		AccountID:    e.AccountID,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Operation:    e.Operation,
		Reason:       e.Reason,
		Refs:         e.Refs,
		CreatedAt:    e.CreatedAt,
	}
}

type openAccountRequest struct {
	ID                   string  `json:"id"`
	Kind                 string  `json:"kind"`
	Allotment            int64   `json:"allotment"`
	ReputationMultiplier float64 `json:"reputation_multiplier"`
}

func (h *budgetHandler) open(c echo.Context) error {
	var req openAccountRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Allotment == 0 {
		req.Allotment = h.defaultAllotment
	}
	acct, err := h.ledger.OpenAccount(c.Request().Context(), budget.Account{
		ID:                   req.ID,
		Kind:                 budget.AccountKind(req.Kind),
		Allotment:            req.Allotment,
		ReputationMultiplier: req.ReputationMultiplier,
	})
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, accountToPayload(acct))
}

func (h *budgetHandler) get(c echo.Context) error {
	acct, err := h.ledger.Account(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, accountToPayload(acct))
}

func (h *budgetHandler) available(c echo.Context) error {
	amount, err := strconv.ParseInt(c.QueryParam("amount"), 10, 64)
	if err != nil {
		return badRequest(err)
	}
	ok, err := h.ledger.CheckAvailable(c.Request().Context(), c.Param("id"), amount)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"available": ok})
}

type deductRequest struct {
	Amount    int64        `json:"amount"`
	Operation string       `json:"operation"`
	Refs      []budget.Ref `json:"refs"`
}

func (h *budgetHandler) deduct(c echo.Context) error {
	var req deductRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	entry, err := h.ledger.Deduct(c.Request().Context(), c.Param("id"), req.Amount, req.Operation, req.Refs...)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, entryToPayload(entry))
}

type creditRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *budgetHandler) credit(c echo.Context) error {
	var req creditRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	entry, err := h.ledger.Credit(c.Request().Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, entryToPayload(entry))
}

func (h *budgetHandler) entries(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	list, err := h.ledger.Entries(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return fail(err)
	}
	out := make([]entryPayload, 0, len(list))
	for _, e := range list {
		out = append(out, entryToPayload(e))
	}
	return c.JSON(http.StatusOK, out)
}

type replayPayload struct {
	AccountID   string `json:"account_id"`
	Entries     int    `json:"entries"`
	JournalSum  int64  `json:"journal_sum"`
	Spent       int64  `json:"spent"`
	Limit       int64  `json:"limit"`
	Consistent  bool   `json:"consistent"`
	WithinLimit bool   `json:"within_limit"`
}

func (h *budgetHandler) verify(c echo.Context) error {
	rep, err := h.ledger.Verify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, replayPayload(rep))
}

func (h *budgetHandler) multiplier(c echo.Context) error {
	var req struct {
		Multiplier float64 `json:"multiplier"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	acct, err := h.ledger.ApplyMultiplier(c.Request().Context(), c.Param("id"), req.Multiplier)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, accountToPayload(acct))
}
