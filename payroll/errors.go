/*
errors.go - Centralized error types for the payroll engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match categories with errors.Is() and extract detail with
  errors.As().

ERROR CATEGORIES:
  1. Validation errors - malformed periods, unknown references
  2. Scope errors      - unresolvable division/department
  3. Computation       - record-level failures (isolated per employee)
  4. State errors      - illegal lifecycle transitions
  5. Concurrency       - compare-and-swap guard failures
  6. Persistence       - storage-layer failures

PROPAGATION POLICY:
  Column-level issues never become errors; they are recorded as warnings
  inside the row. Record-level ComputationErrors are captured on the record
  and counted, never aborting the batch. State and concurrency errors surface
  immediately with no partial effect.
*/
package payroll

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input: bad periods, unknown
	// batch references, invalid column configuration.
	ErrValidation = errors.New("validation failed")

	// ErrScopeResolution is returned when the scope cannot be resolved to a
	// division. An empty (but resolvable) scope is NOT an error.
	ErrScopeResolution = errors.New("scope resolution failed")

	// ErrComputation is the record-level failure category. It never aborts
	// a batch; the record is marked failed and counted.
	ErrComputation = errors.New("record computation failed")

	// ErrState is returned when a lifecycle action is attempted from a
	// status the transition table does not allow.
	ErrState = errors.New("illegal state transition")

	// ErrConcurrencyConflict is returned when a guarded transition finds the
	// batch no longer in its expected source status.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrPersistence wraps storage-layer failures.
	ErrPersistence = errors.New("persistence failed")

	// ErrBatchNotFound is returned when a referenced batch doesn't exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrSnapshotNotFound is returned when a referenced snapshot doesn't
	// exist or belongs to a different batch.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrRecordNotFound indicates an unknown record reference.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRequestNotFound indicates an unknown recalculation request reference.
	ErrRequestNotFound = errors.New("recalculation request not found")

	// ErrRecalcRequestExists is returned when a pending or granted
	// recalculation request is already attached to the batch.
	ErrRecalcRequestExists = errors.New("active recalculation request exists")

	// ErrNoPendingRequest is returned when a grant or denial targets a
	// batch without a pending recalculation request.
	ErrNoPendingRequest = errors.New("no pending recalculation request")

	// ErrSelfApproval is returned when the granter of a recalculation
	// request is its requester.
	ErrSelfApproval = errors.New("requester cannot grant own request")

	// ErrBatchBusy is returned when a calculation job is already in flight
	// for the batch.
	ErrBatchBusy = errors.New("calculation already in flight for batch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StateError reports an illegal lifecycle transition.
type StateError struct {
	BatchID BatchID
	From    BatchStatus
	Action  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s batch %s in status %q", e.Action, e.BatchID, e.From)
}

func (e *StateError) Unwrap() error { return ErrState }

// ConcurrencyConflictError reports a failed compare-and-swap transition.
type ConcurrencyConflictError struct {
	BatchID  BatchID
	Expected BatchStatus
	Actual   BatchStatus
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("batch %s changed concurrently: expected %q, found %q",
		e.BatchID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ScopeResolutionError reports an unresolvable scope.
type ScopeResolutionError struct {
	DivisionID string
}

func (e *ScopeResolutionError) Error() string {
	return fmt.Sprintf("unknown division %q", e.DivisionID)
}

func (e *ScopeResolutionError) Unwrap() error { return ErrScopeResolution }

// ComputationError is a record-level failure that makes the whole record
// unusable (e.g. the employee's pay register is entirely absent).
type ComputationError struct {
	EmployeeID string
	Period     PeriodRef
	Reason     string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computation failed for employee %s in %s: %s",
		e.EmployeeID, e.Period, e.Reason)
}

func (e *ComputationError) Unwrap() error { return ErrComputation }

// ColumnWarning is a non-fatal per-column issue recorded inside the row.
// It is deliberately NOT an error type: warnings never escalate.
type ColumnWarning struct {
	Header string `json:"header"`
	Code   string `json:"code"` // e.g. "division_by_zero", "non_numeric_operand"
	Detail string `json:"detail"`
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrScopeResolution) ||
		errors.Is(err, ErrRecalcRequestExists) ||
		errors.Is(err, ErrNoPendingRequest) ||
		errors.Is(err, ErrSelfApproval)
}

// IsConflict returns true if the error reflects a lost race and the caller
// may retry after re-reading state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrBatchBusy)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}
