/*
errors.go - Centralized error types for the invoice edit core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Validation failures and version conflicts are returned as structured
  result values to the caller; the errors here cover store failures,
  protocol misuse and invariant breaches.

ERROR CATEGORIES:
  1. Document errors - Missing or immutable documents
  2. Concurrency errors - Version and stock preconditions lost
  3. Session errors - Edit session protocol misuse
  4. Store errors - Backend-level failures, tagged for retry decisions

USAGE:
  if errors.Is(err, invoicing.ErrVersionConflict) {
      // reload the remote document and offer resolutions
  }

SEE ALSO:
  - conflict.go: Builds ConflictReport values around ErrVersionConflict
  - mutator.go: Maps store failures onto these errors
  - api/handlers.go: Maps these onto HTTP status codes
*/
package invoicing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced document doesn't exist.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned when a batch precondition on an
	// invoice version fails: another actor committed first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStaleStock is returned when a batch precondition on a part's
	// unitStock fails: the snapshot the edit was validated against is
	// out of date and the caller must reload and re-validate.
	ErrStaleStock = errors.New("stale stock snapshot")

	// ErrValidationFailed is returned when business-rule validation
	// rejects a modified invoice.
	ErrValidationFailed = errors.New("validation failed")

	// ErrImmutableInvoice is returned when editing or deleting a paid
	// invoice.
	ErrImmutableInvoice = errors.New("invoice is paid and immutable")

	// ErrEditAborted is returned when the caller resolves a conflict by
	// aborting the edit.
	ErrEditAborted = errors.New("edit aborted")

	// ErrSessionNotFound is returned for an unknown edit session id.
	ErrSessionNotFound = errors.New("edit session not found")

	// ErrSessionExpired is returned when an edit session passed its idle
	// window and was discarded.
	ErrSessionExpired = errors.New("edit session expired")

	// ErrEmptyBatch is returned when Commit is called with no operations.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrStoreUnavailable tags backend failures that may succeed on retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrPermissionDenied tags backend failures that will not succeed on
	// retry.
	ErrPermissionDenied = errors.New("store permission denied")

	// ErrInvariantViolated flags a breach the code should have made
	// impossible; the operation is aborted for developer attention.
	ErrInvariantViolated = errors.New("invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports a lost version precondition.
type ConflictError struct {
	InvoiceID       InvoiceID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on invoice %s: expected %d, store has %d",
		e.InvoiceID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// StaleStockError reports a lost stock precondition.
type StaleStockError struct {
	PartID        PartID
	ExpectedStock int
	ActualStock   int
}

func (e *StaleStockError) Error() string {
	return fmt.Sprintf("stale stock on part %s: snapshot had %d, store has %d",
		e.PartID, e.ExpectedStock, e.ActualStock)
}

func (e *StaleStockError) Unwrap() error {
	return ErrStaleStock
}

// ValidationFailedError wraps the full validation result so callers can
// render every error, not just the first.
type ValidationFailedError struct {
	Result ValidationResult
}

func (e *ValidationFailedError) Error() string {
	if len(e.Result.Errors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s (and %d more)",
		e.Result.Errors[0].Message, len(e.Result.Errors)-1)
}

func (e *ValidationFailedError) Unwrap() error {
	return ErrValidationFailed
}

// StateTransitionError reports an edit session protocol misuse.
type StateTransitionError struct {
	SessionID string
	From      SessionState
	To        SessionState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// StoreError tags a backend failure with a coarse class so callers can
// decide whether to retry.
type StoreError struct {
	Op    string
	Class error // ErrStoreUnavailable, ErrPermissionDenied, or nil for unknown
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e.Class != nil {
		return e.Class
	}
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry after the
// caller reloads its snapshots.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrStaleStock) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input
// or a stale client view, as opposed to a backend fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrImmutableInvoice) ||
		errors.Is(err, ErrEditAborted) ||
		errors.Is(err, ErrEmptyBatch)
}

// IsNotFound returns true if the error indicates a missing document or
// session.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}
