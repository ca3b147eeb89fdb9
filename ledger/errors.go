/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Business conditions - partial fulfillment, invalid transitions
  2. Commit failures - the atomic commit could not complete
  3. Store errors - not found, concurrent modification

PartialFulfillment and stale-inventory conflicts are normally returned as
values (Fulfillment, CommitResult.Conflicts). PartialFulfillmentError exists
for the reject policy, where the workflow has decided the shortfall is fatal.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrRecordNotFound     = errors.New("collection record not found")
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRecordLocked is returned when editing the items of a completed or cancelled record.
	ErrRecordLocked = errors.New("collection record items are locked")

	// ErrAlreadyCommitted is returned when a completed withdrawal is committed again.
	ErrAlreadyCommitted = errors.New("withdrawal already committed")

	// ErrWithdrawalCancelled is returned when committing a cancelled withdrawal.
	ErrWithdrawalCancelled = errors.New("withdrawal is cancelled")

	// ErrPartialFulfillment marks a plan that does not cover the request.
	ErrPartialFulfillment = errors.New("partial fulfillment")

	// ErrCommitFailed wraps storage failures during the deferred commit.
	ErrCommitFailed = errors.New("commit failed")

	// ErrConcurrentModification is returned when a store detects a write conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// PartialFulfillmentError carries the per-material report of a rejected request.
type PartialFulfillmentError struct {
	BankID      BankID
	Fulfillment Fulfillment
}

func (e *PartialFulfillmentError) Error() string {
	lines := e.Fulfillment.Unsatisfied()
	if len(lines) == 0 {
		return "partial fulfillment"
	}
	return fmt.Sprintf("partial fulfillment at bank %s: %d material(s) short, e.g. %s short by %s kg",
		e.BankID, len(lines), lines[0].MaterialID, lines[0].Shortfall)
}

func (e *PartialFulfillmentError) Unwrap() error { return ErrPartialFulfillment }

// TransitionError details a rejected status change.
type TransitionError struct {
	Kind string // "collection" or "withdrawal"
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Kind, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CommitError wraps the storage error that aborted a commit. The withdrawal
// keeps its pre-completion status and its plan.
type CommitError struct {
	WithdrawalID WithdrawalID
	Err          error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of withdrawal %s failed: %v", e.WithdrawalID, e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ErrCommitFailed, e.Err} }

// ValidationError describes bad operator input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommitFailed) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRecordLocked) ||
		errors.Is(err, ErrPartialFulfillment)
}

// IsNotFound returns true if the error indicates a missing record or request.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrWithdrawalNotFound)
}
