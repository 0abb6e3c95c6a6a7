/*
orchestrator.go - Batch lifecycle orchestration

PURPOSE:
  The orchestrator owns PayrollBatch state. It resolves the employee scope,
  computes one record per employee through the evaluator, persists partial
  progress incrementally, and applies every lifecycle transition through the
  transition table under a compare-and-swap guard.

CALCULATION FLOW:
  Calculate(scope, period, actor)
    -> resolve scope (deterministic employee order)
    -> create batch (draft), claim it (draft -> calculating, CAS)
    -> per employee, in order:
         evaluate; record-level failures become failed records, never abort
         persist record + progress counters
    -> calculating -> calculated with aggregate succeeded/failed counts

  A cancelled context moves the batch to interrupted; already persisted
  records stay valid and Resume continues from the remaining employees.

FAILURE POLICY:
  The job fails outright only on infrastructure errors (store or data source
  unreachable). A subset of employee failures is a normal outcome reported
  through the aggregate counts.

SEE ALSO:
  - batch.go: The transition table every mutation goes through
  - recalc.go: The request/grant protocol gating recomputation
  - snapshot.go: Capture/rollback
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProgressFunc receives processed/total counts after each persisted record.
type ProgressFunc func(processed, total int)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	Store     Store
	Config    ConfigStore
	Resolver  *ScopeResolver
	Sources   DataSources
	Snapshots *SnapshotService
	Clock     func() time.Time
}

func NewOrchestrator(store Store, config ConfigStore, sources DataSources) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		Config:    config,
		Resolver:  &ScopeResolver{Directory: sources.Directory},
		Sources:   sources,
		Snapshots: &SnapshotService{Store: store},
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

// newEvaluator snapshots the current column configuration for one run.
// A configuration change mid-run cannot affect a batch already computing.
func (o *Orchestrator) newEvaluator(ctx context.Context) (*Evaluator, error) {
	columns, err := o.Config.CurrentColumnSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading column config: %v", ErrPersistence, err)
	}
	return NewEvaluator(columns, o.Sources)
}

// =============================================================================
// CALCULATE - Create a batch and compute every record
// =============================================================================

// Calculate resolves the scope, creates the batch, and computes one record
// per employee. Partial progress is persisted incrementally; the returned
// batch carries the aggregate succeeded/failed counts.
func (o *Orchestrator) Calculate(ctx context.Context, scope Scope, period PeriodRef, actorID string, progress ProgressFunc) (*PayrollBatch, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}

	employees, err := o.Resolver.Resolve(ctx, scope, period)
	if err != nil {
		return nil, err
	}

	batch := &PayrollBatch{
		ID:          BatchID(uuid.NewString()),
		Period:      period,
		Scope:       scope,
		Status:      StatusDraft,
		EmployeeIDs: make([]string, len(employees)),
		CreatedAt:   o.now(),
		CreatedBy:   actorID,
	}
	for i, emp := range employees {
		batch.EmployeeIDs[i] = emp.ID
	}

	if err := o.Store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("%w: creating batch: %v", ErrPersistence, err)
	}

	return o.claimAndRun(ctx, batch, progress)
}

// Resume continues a draft or interrupted batch from where it stopped.
func (o *Orchestrator) Resume(ctx context.Context, batchID BatchID, progress ProgressFunc) (*PayrollBatch, error) {
	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return o.claimAndRun(ctx, batch, progress)
}

// claimAndRun moves the batch to calculating under CAS, then runs the
// computation loop. The CAS doubles as the per-batch exclusivity guard: a
// second job finds the batch no longer in its expected status.
func (o *Orchestrator) claimAndRun(ctx context.Context, batch *PayrollBatch, progress ProgressFunc) (*PayrollBatch, error) {
	from := batch.Status
	to, err := Transition(batch.ID, from, ActionCalculate)
	if err != nil {
		return nil, err
	}
	batch.Status = to
	if err := o.Store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return o.runComputation(ctx, batch, progress)
}

// runComputation computes records for every employee the batch does not yet
// have an up-to-date record for in this run, persisting each one and the
// progress counters as it goes. The batch must be in calculating status.
func (o *Orchestrator) runComputation(ctx context.Context, batch *PayrollBatch, progress ProgressFunc) (*PayrollBatch, error) {
	evaluator, err := o.newEvaluator(ctx)
	if err != nil {
		return nil, o.interrupt(ctx, batch, err)
	}

	total := batch.Total()

	// On resume the counters carry over; the loop picks up at the first
	// employee without a persisted record from this run.
	start := batch.Processed
	if start > total {
		start = total
	}
	succeeded, failed := batch.Succeeded, batch.Failed

	for i := start; i < total; i++ {
		employeeID := batch.EmployeeIDs[i]
		select {
		case <-ctx.Done():
			return batch, o.interrupt(ctx, batch, ctx.Err())
		default:
		}

		record, err := o.computeRecord(ctx, evaluator, batch, employeeID)
		if err != nil {
			// Infrastructure failure: the job itself fails.
			return batch, o.interrupt(ctx, batch, err)
		}
		if err := o.Store.PutRecord(ctx, record); err != nil {
			return batch, o.interrupt(ctx, batch, fmt.Errorf("%w: persisting record: %v", ErrPersistence, err))
		}

		if record.Status == RecordOK {
			succeeded++
		} else {
			failed++
		}
		batch.Processed = i + 1
		batch.Succeeded = succeeded
		batch.Failed = failed
		if err := o.Store.UpdateBatch(ctx, batch, StatusCalculating); err != nil {
			return batch, err
		}
		if progress != nil {
			progress(i+1, total)
		}
	}

	to, err := Transition(batch.ID, StatusCalculating, ActionFinish)
	if err != nil {
		return batch, err
	}
	batch.Status = to
	batch.FailuresAcknowledged = false
	if err := o.Store.UpdateBatch(ctx, batch, StatusCalculating); err != nil {
		return batch, err
	}
	return batch, nil
}

// computeRecord evaluates one employee. Record-level ComputationErrors
// become failed records; only infrastructure errors propagate.
func (o *Orchestrator) computeRecord(ctx context.Context, evaluator *Evaluator, batch *PayrollBatch, employeeID string) (*EmployeePayrollRecord, error) {
	record := &EmployeePayrollRecord{
		ID:         RecordID(uuid.NewString()),
		BatchID:    batch.ID,
		EmployeeID: employeeID,
		Period:     batch.Period,
		ComputedAt: o.now(),
	}

	computed, err := evaluator.Evaluate(ctx, employeeID, batch.Period)
	if err != nil {
		var compErr *ComputationError
		if errors.As(err, &compErr) {
			record.Status = RecordFailed
			record.FailureReason = compErr.Reason
			return record, nil
		}
		return nil, err
	}

	record.EmployeeNumber = computed.EmployeeNumber
	record.Row = computed.Row
	record.Payslip = computed.Payslip
	record.SourceFingerprint = computed.Fingerprint
	record.Status = RecordOK
	return record, nil
}

// interrupt moves a calculating batch to interrupted after a cancellation
// or infrastructure failure, keeping already persisted records.
func (o *Orchestrator) interrupt(ctx context.Context, batch *PayrollBatch, cause error) error {
	to, terr := Transition(batch.ID, StatusCalculating, ActionInterrupt)
	if terr == nil {
		batch.Status = to
		// Best effort with a fresh context: the job's context may already
		// be cancelled.
		_ = o.Store.UpdateBatch(context.WithoutCancel(ctx), batch, StatusCalculating)
	}
	return cause
}

// =============================================================================
// STATUS TRANSITIONS - approve / freeze / complete / delete
// =============================================================================

// Approve moves a calculated batch to approved. When the batch has failed
// records, approval requires explicit acknowledgment.
func (o *Orchestrator) Approve(ctx context.Context, batchID BatchID, actorID string, acknowledgeFailures bool) (*PayrollBatch, error) {
	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	from := batch.Status
	to, err := Transition(batchID, from, ActionApprove)
	if err != nil {
		return nil, err
	}
	if batch.Failed > 0 && !acknowledgeFailures {
		return nil, fmt.Errorf("%w: batch %s has %d failed records; approval requires explicit acknowledgment",
			ErrValidation, batchID, batch.Failed)
	}

	now := o.now()
	batch.Status = to
	batch.ApprovedAt = &now
	batch.ApprovedBy = actorID
	batch.FailuresAcknowledged = batch.Failed > 0
	if err := o.Store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return batch, nil
}

// Freeze moves an approved batch to frozen.
func (o *Orchestrator) Freeze(ctx context.Context, batchID BatchID, actorID string) (*PayrollBatch, error) {
	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	from := batch.Status
	to, err := Transition(batchID, from, ActionFreeze)
	if err != nil {
		return nil, err
	}

	now := o.now()
	batch.Status = to
	batch.FrozenAt = &now
	batch.FrozenBy = actorID
	if err := o.Store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return batch, nil
}

// Complete moves an approved or frozen batch to its terminal status.
func (o *Orchestrator) Complete(ctx context.Context, batchID BatchID, actorID string) (*PayrollBatch, error) {
	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	from := batch.Status
	to, err := Transition(batchID, from, ActionComplete)
	if err != nil {
		return nil, err
	}

	now := o.now()
	batch.Status = to
	batch.CompletedAt = &now
	batch.CompletedBy = actorID
	if err := o.Store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return batch, nil
}

// DeleteBatch removes a batch and its records. Permitted only before
// approval (draft, calculated, interrupted).
func (o *Orchestrator) DeleteBatch(ctx context.Context, batchID BatchID) error {
	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if _, err := Transition(batchID, batch.Status, ActionDelete); err != nil {
		return err
	}
	if err := o.Store.DeleteBatch(ctx, batchID); err != nil {
		return fmt.Errorf("%w: deleting batch: %v", ErrPersistence, err)
	}
	return nil
}

// Rollback replaces the batch's state with a snapshot's captured state.
func (o *Orchestrator) Rollback(ctx context.Context, batchID BatchID, snapshotID SnapshotID, actorID string) (*PayrollBatch, error) {
	return o.Snapshots.Rollback(ctx, batchID, snapshotID, actorID)
}

// =============================================================================
// BULK APPROVE - Independent per-batch results
// =============================================================================

type ApprovalResult struct {
	BatchID BatchID
	Err     error
}

// BulkApprove attempts Approve per batch independently. Partial success is
// the expected outcome; each batch reports its own result.
func (o *Orchestrator) BulkApprove(ctx context.Context, batchIDs []BatchID, actorID string, acknowledgeFailures bool) []ApprovalResult {
	results := make([]ApprovalResult, len(batchIDs))
	for i, id := range batchIDs {
		_, err := o.Approve(ctx, id, actorID, acknowledgeFailures)
		results[i] = ApprovalResult{BatchID: id, Err: err}
	}
	return results
}

// =============================================================================
// VALIDATE BATCH - Read-only staleness check
// =============================================================================

type DiscrepancyKind string

const (
	DiscrepancyStaleInputs     DiscrepancyKind = "stale_inputs"     // fingerprint mismatch
	DiscrepancyValueMismatch   DiscrepancyKind = "value_mismatch"   // same inputs, different net
	DiscrepancyRecomputeFailed DiscrepancyKind = "recompute_failed" // record no longer computable
)

type RecordDiscrepancy struct {
	EmployeeID string
	Kind       DiscrepancyKind
	Detail     string
}

type ValidationReport struct {
	BatchID       BatchID
	CheckedAt     time.Time
	RecordsTotal  int
	Discrepancies []RecordDiscrepancy
}

// Clean reports whether the stored records still match current upstream data.
func (r *ValidationReport) Clean() bool { return len(r.Discrepancies) == 0 }

// ValidateBatch recomputes expected values from current upstream data and
// reports discrepancies against the stored records without mutating
// anything. Fingerprint mismatches indicate stale inputs.
func (o *Orchestrator) ValidateBatch(ctx context.Context, batchID BatchID) (*ValidationReport, error) {
	batch, err := o.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	records, err := o.Store.ListRecords(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing records: %v", ErrPersistence, err)
	}
	evaluator, err := o.newEvaluator(ctx)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{BatchID: batchID, CheckedAt: o.now(), RecordsTotal: len(records)}
	for _, record := range records {
		if record.Status == RecordFailed {
			continue
		}
		computed, err := evaluator.Evaluate(ctx, record.EmployeeID, batch.Period)
		if err != nil {
			var compErr *ComputationError
			if errors.As(err, &compErr) {
				report.Discrepancies = append(report.Discrepancies, RecordDiscrepancy{
					EmployeeID: record.EmployeeID,
					Kind:       DiscrepancyRecomputeFailed,
					Detail:     compErr.Reason,
				})
				continue
			}
			return nil, err
		}

		if computed.Fingerprint != record.SourceFingerprint {
			report.Discrepancies = append(report.Discrepancies, RecordDiscrepancy{
				EmployeeID: record.EmployeeID,
				Kind:       DiscrepancyStaleInputs,
				Detail:     "upstream inputs changed since calculation",
			})
			continue
		}
		if record.Payslip != nil && computed.Payslip != nil && !record.Payslip.Equal(computed.Payslip) {
			report.Discrepancies = append(report.Discrepancies, RecordDiscrepancy{
				EmployeeID: record.EmployeeID,
				Kind:       DiscrepancyValueMismatch,
				Detail: fmt.Sprintf("stored net %s, expected %s",
					record.Payslip.Net, computed.Payslip.Net),
			})
		}
	}
	return report, nil
}

// =============================================================================
// DIVISION MIGRATION - Administrative re-scoping
// =============================================================================

// DivisionMapping maps old division/department IDs to their replacements
// after a topology change.
type DivisionMapping struct {
	Divisions   map[string]string `json:"divisions"`
	Departments map[string]string `json:"departments,omitempty"`
}

// MigrateBatchDivisions rewrites stored scope references for every batch
// whose division or department appears in the mapping. Record content is
// untouched: historical computed values keep their meaning under the new
// topology labels. Returns the number of batches rewritten.
func (o *Orchestrator) MigrateBatchDivisions(ctx context.Context, mapping DivisionMapping) (int, error) {
	if len(mapping.Divisions) == 0 && len(mapping.Departments) == 0 {
		return 0, fmt.Errorf("%w: empty division mapping", ErrValidation)
	}

	batches, err := o.Store.ListBatches(ctx, BatchFilter{})
	if err != nil {
		return 0, fmt.Errorf("%w: listing batches: %v", ErrPersistence, err)
	}

	migrated := 0
	for _, batch := range batches {
		changed := false
		if newDiv, ok := mapping.Divisions[batch.Scope.DivisionID]; ok {
			batch.Scope.DivisionID = newDiv
			changed = true
		}
		if batch.Scope.DepartmentID != "" {
			if newDept, ok := mapping.Departments[batch.Scope.DepartmentID]; ok {
				batch.Scope.DepartmentID = newDept
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := o.Store.UpdateBatch(ctx, batch, batch.Status); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}
