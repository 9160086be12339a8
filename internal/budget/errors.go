package budget

import (
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// ErrCreditExceedsSpent is returned when a refund would drive spent below zero.
var ErrCreditExceedsSpent = errors.New("credit exceeds spent amount")

// InsufficientBudgetError is returned when a deduct does not fit the allotment.
// Nothing is written when it is returned.
type InsufficientBudgetError struct {
	AccountID string
	Requested int64
	Available int64
	Limit     int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on %s: requested=%d CP available=%d CP limit=%d CP", e.AccountID, e.Requested, e.Available, e.Limit)
}

func (e *InsufficientBudgetError) Is(target error) bool { return target == fault.ErrInsufficientBudget }
