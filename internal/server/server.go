// Package server exposes the governance core over HTTP. Every mutating
// route acts as the agent named in the bearer token.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/budget"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
	"github.com/mohammad-safakhou/quantgov/internal/governance"
	"github.com/mohammad-safakhou/quantgov/internal/memory"
	"github.com/mohammad-safakhou/quantgov/internal/reputation"
	"github.com/mohammad-safakhou/quantgov/internal/runtime"
	"go.uber.org/zap"
)

// Services are the domain services the routes drive.
type Services struct {
	Ledger     *budget.Ledger
	Gates      *gate.Engine
	Cycles     *cycle.Service
	Memory     *memory.Service
	Governance *governance.Service
	Alerts     *governance.Alerts
	Reputation *reputation.Scorer
	Audit      audit.Log
}

// Options configure the router.
type Options struct {
	Secret  []byte
	Logger  *zap.Logger
	Metrics http.Handler
	// DefaultAllotment applies to accounts opened without one.
	DefaultAllotment int64
	// Ready is consulted by /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// New builds the echo router.
func New(svc Services, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		var body interface{} = errorBody{Error: err.Error()}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			switch m := he.Message.(type) {
			case errorBody:
				body = m
			case string:
				body = errorBody{Error: m}
			default:
				body = errorBody{Error: fmt.Sprint(m)}
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
		}
		if !c.Response().Committed {
			_ = c.JSON(code, body)
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", func(c echo.Context) error {
		if opts.Ready != nil {
			if err := opts.Ready(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.String(http.StatusOK, "ready")
	})
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api/v1")
	api.Use(runtime.EchoAuthMiddleware(opts.Secret))

	(&budgetHandler{ledger: svc.Ledger, defaultAllotment: opts.DefaultAllotment}).register(api.Group("/accounts"))
	(&gateHandler{engine: svc.Gates}).register(api.Group("/cycles/:id/gates"))
	(&cycleHandler{cycles: svc.Cycles}).register(api.Group("/cycles"))
	(&memoryHandler{memory: svc.Memory}).register(api.Group("/memories"))
	(&proposalHandler{gov: svc.Governance}).register(api.Group("/proposals"))
	(&alertHandler{alerts: svc.Alerts}).register(api.Group("/alerts"))
	(&reputationHandler{scorer: svc.Reputation}).register(api.Group("/reputation"))
	if svc.Audit != nil {
		api.GET("/audit/:entity/:entity_id", auditHandler(svc.Audit))
	}
	return e
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			agent, _ := c.Get("agent_id").(string)
			logger.Debug("request",
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.String("agent_id", agent),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.Duration("took", time.Since(start)))
			return nil
		}
	}
}

// principal returns the calling agent.
func principal(c echo.Context) (runtime.Principal, error) {
	p, ok := runtime.PrincipalFromContext(c.Request().Context())
	if !ok {
		return runtime.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return p, nil
}

// bind decodes the body, reporting malformed JSON as 400.
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return badRequest(fmt.Errorf("%v", he.Message))
		}
		return badRequest(err)
	}
	return nil
}
