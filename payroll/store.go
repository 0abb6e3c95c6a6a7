/*
store.go - Persistence interface for batches, records, requests, snapshots

PURPOSE:
  Defines the interface between the engine and the database. Implementations
  exist for SQLite (production pattern) and in-memory (tests/dev).

COMPARE-AND-SWAP CONTRACT:
  UpdateBatch(batch, expect) persists the batch ONLY if the stored status
  still equals expect, otherwise it fails with ConcurrencyConflictError.
  Every lifecycle transition goes through this guard; two racing transitions
  can never both win.

OWNERSHIP:
  Stores hand out deep copies. Mutating a returned batch or record has no
  effect until it is written back through the interface.

APPEND-ONLY SNAPSHOTS:
  AppendSnapshot is the only snapshot write. No update, no delete - rollback
  reads a snapshot, it never consumes one.

IMPLEMENTATIONS:
  - payroll/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go:  SQLite

SEE ALSO:
  - orchestrator.go: The only writer of batches and records
  - snapshot.go: Capture/rollback built on these primitives
*/
package payroll

import "context"

// =============================================================================
// FILTERS
// =============================================================================

// BatchFilter narrows ListBatches. Zero fields match everything.
type BatchFilter struct {
	DivisionID string
	Period     *PeriodRef
	Status     BatchStatus
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// CreateBatch persists a new batch. Fails if the ID already exists.
	CreateBatch(ctx context.Context, batch *PayrollBatch) error

	// GetBatch returns the batch or ErrBatchNotFound.
	GetBatch(ctx context.Context, id BatchID) (*PayrollBatch, error)

	// ListBatches returns batches matching the filter, newest first.
	ListBatches(ctx context.Context, filter BatchFilter) ([]*PayrollBatch, error)

	// UpdateBatch persists the batch if the stored status equals expect.
	// Returns ConcurrencyConflictError otherwise. This is the CAS guard
	// behind every lifecycle transition.
	UpdateBatch(ctx context.Context, batch *PayrollBatch, expect BatchStatus) error

	// DeleteBatch removes the batch and all its records.
	DeleteBatch(ctx context.Context, id BatchID) error

	// PutRecord upserts a record keyed by (EmployeeID, BatchID), keeping
	// the one-record-per-employee-per-batch invariant.
	PutRecord(ctx context.Context, record *EmployeePayrollRecord) error

	// GetRecord returns the record for an employee in a batch, or
	// ErrRecordNotFound.
	GetRecord(ctx context.Context, batchID BatchID, employeeID string) (*EmployeePayrollRecord, error)

	// ListRecords returns the batch's records in employee-number order.
	ListRecords(ctx context.Context, batchID BatchID) ([]*EmployeePayrollRecord, error)

	// ReplaceRecords atomically replaces ALL records of a batch with the
	// given set. Used by rollback; records created after a snapshot are
	// discarded by this call.
	ReplaceRecords(ctx context.Context, batchID BatchID, records []*EmployeePayrollRecord) error

	// SaveRequest inserts or updates a recalculation request.
	SaveRequest(ctx context.Context, request *RecalculationRequest) error

	// GetRequest returns the request or ErrRequestNotFound.
	GetRequest(ctx context.Context, id RequestID) (*RecalculationRequest, error)

	// ActiveRequest returns the batch's pending or granted-unconsumed
	// request, or nil when none exists.
	ActiveRequest(ctx context.Context, batchID BatchID) (*RecalculationRequest, error)

	// AppendSnapshot persists a snapshot. Append-only: snapshots are never
	// updated or deleted.
	AppendSnapshot(ctx context.Context, snapshot *HistorySnapshot) error

	// GetSnapshot returns the snapshot or ErrSnapshotNotFound.
	GetSnapshot(ctx context.Context, id SnapshotID) (*HistorySnapshot, error)

	// ListSnapshots returns a batch's snapshots, oldest first.
	ListSnapshots(ctx context.Context, batchID BatchID) ([]*HistorySnapshot, error)
}

// =============================================================================
// CONFIG STORE - Versioned column configuration
// =============================================================================

// ConfigStore persists the output column configuration. Saving bumps the
// version; reads return an immutable snapshot for one calculation run.
type ConfigStore interface {
	// SaveColumnSet validates and persists a new configuration version.
	SaveColumnSet(ctx context.Context, columns ColumnSet) (ColumnSet, error)

	// CurrentColumnSet returns the latest configuration.
	CurrentColumnSet(ctx context.Context) (ColumnSet, error)
}
