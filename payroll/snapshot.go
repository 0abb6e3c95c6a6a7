/*
snapshot.go - Point-in-time batch snapshots and rollback

PURPOSE:
  Captures an immutable copy of a batch's state (status, timestamps,
  aggregate counts, and every record's row/payslip) so the batch can later
  be restored to exactly that point. Snapshots form an append-only log;
  rollback is "replace with a prior version", never "undo a specific edit" -
  there is no partial undo state.

TRIGGERS:
  pre-recalculation        taken automatically before every recompute
  pre-rollback-checkpoint  taken automatically before a rollback replaces
                           state, so even a rollback can be rolled back

ROUND-TRIP GUARANTEE:
  capture -> mutate -> rollback restores batch status, timestamps, and every
  record's row/payslip to the captured values exactly. Records created after
  the snapshot are discarded.

SEE ALSO:
  - recalc.go: Captures before recomputation
  - orchestrator.go: Rollback entry point
*/
package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// HISTORY SNAPSHOT
// =============================================================================

type SnapshotTrigger string

const (
	TriggerPreRecalculation SnapshotTrigger = "pre-recalculation"
	TriggerPreRollback      SnapshotTrigger = "pre-rollback-checkpoint"
)

// HistorySnapshot is an immutable point-in-time copy of a batch.
type HistorySnapshot struct {
	ID         SnapshotID
	BatchID    BatchID
	CapturedAt time.Time
	Trigger    SnapshotTrigger

	// Batch is a deep copy of the aggregate at capture time.
	Batch PayrollBatch

	// Records is the full record set at capture time.
	Records []EmployeePayrollRecord
}

// =============================================================================
// SNAPSHOT SERVICE
// =============================================================================

type SnapshotService struct {
	Store Store
	Clock func() time.Time
}

func (ss *SnapshotService) now() time.Time {
	if ss.Clock != nil {
		return ss.Clock()
	}
	return time.Now().UTC()
}

// Capture serializes the batch and all its records into a new snapshot and
// records the snapshot reference on the batch.
func (ss *SnapshotService) Capture(ctx context.Context, batch *PayrollBatch, trigger SnapshotTrigger) (SnapshotID, error) {
	records, err := ss.Store.ListRecords(ctx, batch.ID)
	if err != nil {
		return "", fmt.Errorf("%w: loading records for snapshot: %v", ErrPersistence, err)
	}

	snapshot := &HistorySnapshot{
		ID:         SnapshotID(uuid.NewString()),
		BatchID:    batch.ID,
		CapturedAt: ss.now(),
		Trigger:    trigger,
		Batch:      *batch.Clone(),
		Records:    make([]EmployeePayrollRecord, len(records)),
	}
	for i, r := range records {
		snapshot.Records[i] = *r
	}

	if err := ss.Store.AppendSnapshot(ctx, snapshot); err != nil {
		return "", fmt.Errorf("%w: appending snapshot: %v", ErrPersistence, err)
	}

	batch.SnapshotIDs = append(batch.SnapshotIDs, snapshot.ID)
	return snapshot.ID, nil
}

// Rollback atomically replaces the batch's status, timestamps, aggregate
// counts, and full record set with a snapshot's captured values. The
// snapshot must belong to the batch. A pre-rollback-checkpoint snapshot of
// the current state is captured first.
func (ss *SnapshotService) Rollback(ctx context.Context, batchID BatchID, snapshotID SnapshotID, actorID string) (*PayrollBatch, error) {
	batch, err := ss.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	snapshot, err := ss.Store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snapshot.BatchID != batchID {
		return nil, &StateError{BatchID: batchID, From: batch.Status,
			Action: fmt.Sprintf("rollback to snapshot %s of another batch", snapshotID)}
	}

	currentStatus := batch.Status
	if _, err := ss.Capture(ctx, batch, TriggerPreRollback); err != nil {
		return nil, err
	}

	restored := restoreFromSnapshot(batch, snapshot)
	if err := ss.Store.UpdateBatch(ctx, restored, currentStatus); err != nil {
		return nil, err
	}

	records := make([]*EmployeePayrollRecord, len(snapshot.Records))
	for i := range snapshot.Records {
		r := snapshot.Records[i]
		records[i] = &r
	}
	if err := ss.Store.ReplaceRecords(ctx, batchID, records); err != nil {
		return nil, fmt.Errorf("%w: restoring records: %v", ErrPersistence, err)
	}

	return restored, nil
}

// restoreFromSnapshot copies the captured lifecycle state into the current
// batch. Identity, scope labels (which MigrateBatchDivisions may have
// rewritten since), and the append-only snapshot list are preserved.
func restoreFromSnapshot(current *PayrollBatch, snapshot *HistorySnapshot) *PayrollBatch {
	restored := snapshot.Batch.Clone()
	restored.ID = current.ID
	restored.Scope = current.Scope
	restored.SnapshotIDs = append([]SnapshotID(nil), current.SnapshotIDs...)
	restored.ActiveRequestID = current.ActiveRequestID
	return restored
}
