package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// statusFor maps the fault taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrInsufficientBudget):
		return http.StatusPaymentRequired
	case errors.Is(err, fault.ErrUnauthorizedApprover):
		return http.StatusForbidden
	case errors.Is(err, fault.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrEvidenceBelowThreshold):
		return http.StatusPreconditionFailed
	case errors.Is(err, fault.ErrQuorumNotMet):
		return http.StatusAccepted
	case errors.Is(err, fault.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrInvalidTransition), errors.Is(err, fault.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, fault.ErrStorage):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func kindOf(err error) string {
	for _, k := range []struct {
		target error
		name   string
	}{
		{fault.ErrInsufficientBudget, "insufficient_budget"},
		{fault.ErrUnauthorizedApprover, "unauthorized_approver"},
		{fault.ErrValidation, "validation"},
		{fault.ErrEvidenceBelowThreshold, "evidence_below_threshold"},
		{fault.ErrQuorumNotMet, "quorum_not_met"},
		{fault.ErrTimeout, "timeout"},
		{fault.ErrNotFound, "not_found"},
		{fault.ErrInvalidTransition, "invalid_transition"},
		{fault.ErrConflict, "conflict"},
		{fault.ErrStorage, "storage"},
	} {
		if errors.Is(err, k.target) {
			return k.name
		}
	}
	return ""
}

// fail converts a domain error into an echo error.
func fail(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return &echo.HTTPError{Code: statusFor(err), Message: errorBody{Error: err.Error(), Kind: kindOf(err)}, Internal: err}
}

func badRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "bad_request"})
}
