package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// auditHandler serves the event trail of one entity.
func auditHandler(log audit.Log) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 100
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return badRequest(fault.Invalid("limit", "must be a positive integer"))
			}
			limit = n
		}
		events, err := log.List(c.Request().Context(), c.Param("entity"), c.Param("entity_id"), limit)
		if err != nil {
			return fail(fault.Storage("audit.list", err))
		}
		if events == nil {
			events = []audit.Event{}
		}
		return c.JSON(http.StatusOK, events)
	}
}
