// Package fault holds the error taxonomy shared by the governance core.
// Domain packages return typed errors that match these sentinels through
// errors.Is, so transport layers can classify failures without importing
// every domain package.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBudget is recoverable: the caller may retry with a smaller amount.
	ErrInsufficientBudget = errors.New("insufficient budget")
	// ErrInvalidTransition marks a gate or cycle move outside the pipeline order.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnauthorizedApprover marks a decision or vote from outside the quorum.
	ErrUnauthorizedApprover = errors.New("unauthorized approver")
	// ErrValidation marks malformed input that the caller must fix and resubmit.
	ErrValidation = errors.New("validation failed")
	// ErrQuorumNotMet means a vote was recorded but the proposal stays pending.
	ErrQuorumNotMet = errors.New("quorum not met")
	// ErrEvidenceBelowThreshold blocks termination proposals before any vote.
	ErrEvidenceBelowThreshold = errors.New("evidence below threshold")
	// ErrTimeout is system generated when a gate deadline elapses.
	ErrTimeout = errors.New("gate deadline elapsed")
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrStorage wraps backend failures; the effect of the operation is unknown.
	ErrStorage = errors.New("storage failure")
)

// StorageError wraps a backend failure for an operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage failure (effect unknown): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorage for any wrapped backend failure.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError unless it is nil or already classified.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ValidationError carries the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UnauthorizedApproverError names the actor and the decision they attempted.
type UnauthorizedApproverError struct {
	ActorID string
	Subject string
	Reason  string
}

func (e *UnauthorizedApproverError) Error() string {
	msg := fmt.Sprintf("unauthorized approver %q for %s", e.ActorID, e.Subject)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnauthorizedApproverError) Is(target error) bool { return target == ErrUnauthorizedApprover }

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	for _, target := range []error{
		ErrInsufficientBudget, ErrInvalidTransition, ErrUnauthorizedApprover,
		ErrValidation, ErrQuorumNotMet, ErrEvidenceBelowThreshold, ErrTimeout,
		ErrNotFound, ErrConflict, ErrStorage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
