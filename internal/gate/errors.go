package gate

import (
	"fmt"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
)

// InvalidTransitionError names a move outside the pipeline rules.
type InvalidTransitionError struct {
	From   Stage
	To     Stage
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == fault.ErrInvalidTransition }

// TimeoutError reports a gate auto-rejected on deadline.
type TimeoutError struct {
	CycleID string
	Gate    Stage
	Round   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gate %s round %d of cycle %s timed out", e.Gate, e.Round, e.CycleID)
}

func (e *TimeoutError) Is(target error) bool { return target == fault.ErrTimeout }
