package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/masterdata"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestEngine wires the orchestrator onto in-memory stores with the
// standard column configuration and the June 2025 fixtures:
// emp-1 and emp-2 compute cleanly, emp-3 (departed) has no register entry.
func newTestEngine(t *testing.T) (*payroll.Orchestrator, *store.Memory, *masterdata.Memory) {
	t.Helper()

	st := store.NewMemory()
	md, sources := newTestSources()

	_, err := st.SaveColumnSet(context.Background(), standardColumns())
	require.NoError(t, err)

	return payroll.NewOrchestrator(st, st, sources), st, md
}

func fullScope() payroll.Scope {
	return payroll.Scope{DivisionID: "div-ops", IncludeDeparted: true}
}

// calculatedBatch runs a full calculation over all three employees.
func calculatedBatch(t *testing.T, orch *payroll.Orchestrator) *payroll.PayrollBatch {
	t.Helper()
	batch, err := orch.Calculate(context.Background(), fullScope(), june2025(), "actor-hr", nil)
	require.NoError(t, err)
	return batch
}

// =============================================================================
// CALCULATION
// =============================================================================

func TestCalculate_PartialFailureCompletes(t *testing.T) {
	// GIVEN: Three employees in scope, one without a pay register entry
	// WHEN: Calculating the batch
	// THEN: The batch finishes calculated with per-record failure isolation

	orch, st, _ := newTestEngine(t)
	ctx := context.Background()

	var progressCalls []int
	batch, err := orch.Calculate(ctx, fullScope(), june2025(), "actor-hr", func(processed, total int) {
		progressCalls = append(progressCalls, processed)
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)

	assert.Equal(t, payroll.StatusCalculated, batch.Status)
	assert.Equal(t, 3, batch.Processed)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, []int{1, 2, 3}, progressCalls)

	records, err := st.ListRecords(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Records come back in employee-number order.
	assert.Equal(t, "emp-1", records[0].EmployeeID)
	assert.Equal(t, payroll.RecordOK, records[0].Status)
	require.NotNil(t, records[0].Payslip)
	assert.True(t, records[0].Payslip.Net.Equal(dec("44160")))

	failed, err := st.GetRecord(ctx, batch.ID, "emp-3")
	require.NoError(t, err)
	assert.Equal(t, payroll.RecordFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "pay register")
	assert.Nil(t, failed.Payslip)
}

func TestCalculate_EmptyScope(t *testing.T) {
	// An empty department yields a zero-record calculated batch, not an error.
	orch, _, _ := newTestEngine(t)

	batch, err := orch.Calculate(context.Background(),
		payroll.Scope{DivisionID: "div-ops", DepartmentID: "dept-empty"},
		june2025(), "actor-hr", nil)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusCalculated, batch.Status)
	assert.Equal(t, 0, batch.Total())
}

func TestCalculate_UnknownDivision(t *testing.T) {
	orch, _, _ := newTestEngine(t)

	_, err := orch.Calculate(context.Background(),
		payroll.Scope{DivisionID: "div-nope"}, june2025(), "actor-hr", nil)
	assert.ErrorIs(t, err, payroll.ErrScopeResolution)
}

func TestCalculate_InvalidPeriod(t *testing.T) {
	orch, _, _ := newTestEngine(t)

	_, err := orch.Calculate(context.Background(), fullScope(),
		payroll.PeriodRef{Year: 2025, Month: 13}, "actor-hr", nil)
	assert.ErrorIs(t, err, payroll.ErrValidation)
}

// =============================================================================
// INTERRUPTION AND RESUME
// =============================================================================

func TestCalculate_CancelledMidRun_ResumeContinues(t *testing.T) {
	// GIVEN: The context is cancelled after the first persisted record
	// WHEN: The run stops and is later resumed
	// THEN: The batch interrupts with partial progress kept, and resume
	//       finishes from the second employee without recomputing the first

	orch, st, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := orch.Calculate(ctx, fullScope(), june2025(), "actor-hr", func(processed, total int) {
		if processed == 1 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	batches, err := st.ListBatches(context.Background(), payroll.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	interrupted := batches[0]

	assert.Equal(t, payroll.StatusInterrupted, interrupted.Status)
	assert.Equal(t, 1, interrupted.Processed)
	assert.Equal(t, 1, interrupted.Succeeded)

	records, err := st.ListRecords(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "only the first record was persisted")

	// Resume with a fresh context.
	resumed, err := orch.Resume(context.Background(), interrupted.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusCalculated, resumed.Status)
	assert.Equal(t, 3, resumed.Processed)
	assert.Equal(t, 2, resumed.Succeeded)
	assert.Equal(t, 1, resumed.Failed)
}

func TestResume_CompletedBatchRejected(t *testing.T) {
	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)

	_, err := orch.Resume(context.Background(), batch.ID, nil)
	assert.ErrorIs(t, err, payroll.ErrState, "calculated batches cannot be re-claimed")
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestApprove_FailedRecordsNeedAcknowledgment(t *testing.T) {
	// GIVEN: A calculated batch with one failed record
	// WHEN: Approving without acknowledging the failures
	// THEN: Rejected; with acknowledgment the approval goes through

	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	_, err := orch.Approve(ctx, batch.ID, "actor-mgr", false)
	assert.ErrorIs(t, err, payroll.ErrValidation)

	approved, err := orch.Approve(ctx, batch.ID, "actor-mgr", true)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusApproved, approved.Status)
	assert.True(t, approved.FailuresAcknowledged)
	assert.Equal(t, "actor-mgr", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
}

func TestApprove_CleanBatch(t *testing.T) {
	orch, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Active employees only: both compute cleanly.
	batch, err := orch.Calculate(ctx, payroll.Scope{DivisionID: "div-ops"}, june2025(), "actor-hr", nil)
	require.NoError(t, err)
	require.Equal(t, 0, batch.Failed)

	approved, err := orch.Approve(ctx, batch.ID, "actor-mgr", false)
	require.NoError(t, err)
	assert.False(t, approved.FailuresAcknowledged)
}

func TestApprove_WrongStatus(t *testing.T) {
	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	_, err := orch.Approve(ctx, batch.ID, "actor-mgr", true)
	require.NoError(t, err)

	// Second approval finds the batch already approved.
	_, err = orch.Approve(ctx, batch.ID, "actor-mgr", true)
	var stateErr *payroll.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, payroll.StatusApproved, stateErr.From)
}

func TestBulkApprove_IndependentResults(t *testing.T) {
	// GIVEN: One approvable batch and one still in draft
	// WHEN: Bulk approving both plus an unknown id
	// THEN: Each id reports its own outcome; failures don't block the rest

	orch, st, _ := newTestEngine(t)
	ctx := context.Background()

	good := calculatedBatch(t, orch)
	draft := &payroll.PayrollBatch{
		ID: "batch-draft", Period: june2025(), Scope: fullScope(),
		Status: payroll.StatusDraft, CreatedAt: time.Now().UTC(), CreatedBy: "actor-hr",
	}
	require.NoError(t, st.CreateBatch(ctx, draft))

	results := orch.BulkApprove(ctx, []payroll.BatchID{good.ID, draft.ID, "batch-ghost"}, "actor-mgr", true)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, payroll.ErrState)
	assert.ErrorIs(t, results[2].Err, payroll.ErrBatchNotFound)
}

// =============================================================================
// FREEZE / COMPLETE / DELETE
// =============================================================================

func TestLifecycle_FreezeThenComplete(t *testing.T) {
	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	_, err := orch.Approve(ctx, batch.ID, "actor-mgr", true)
	require.NoError(t, err)

	frozen, err := orch.Freeze(ctx, batch.ID, "actor-fin")
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusFrozen, frozen.Status)
	assert.Equal(t, "actor-fin", frozen.FrozenBy)

	completed, err := orch.Complete(ctx, batch.ID, "actor-fin")
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
}

func TestLifecycle_CompleteFromApproved(t *testing.T) {
	// Freezing is optional: approved batches complete directly.
	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	_, err := orch.Approve(ctx, batch.ID, "actor-mgr", true)
	require.NoError(t, err)

	completed, err := orch.Complete(ctx, batch.ID, "actor-fin")
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusCompleted, completed.Status)
}

func TestLifecycle_CompletedIsTerminal(t *testing.T) {
	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	_, err := orch.Approve(ctx, batch.ID, "actor-mgr", true)
	require.NoError(t, err)
	_, err = orch.Complete(ctx, batch.ID, "actor-fin")
	require.NoError(t, err)

	_, err = orch.Freeze(ctx, batch.ID, "actor-fin")
	assert.ErrorIs(t, err, payroll.ErrState)
	err = orch.DeleteBatch(ctx, batch.ID)
	assert.ErrorIs(t, err, payroll.ErrState)
}

func TestDeleteBatch_PreApprovalOnly(t *testing.T) {
	// GIVEN: A calculated batch and an approved batch
	// WHEN: Deleting each
	// THEN: Pre-approval deletion succeeds; post-approval is rejected

	orch, st, _ := newTestEngine(t)
	ctx := context.Background()

	deletable := calculatedBatch(t, orch)
	require.NoError(t, orch.DeleteBatch(ctx, deletable.ID))
	_, err := st.GetBatch(ctx, deletable.ID)
	assert.ErrorIs(t, err, payroll.ErrBatchNotFound)

	records, err := st.ListRecords(ctx, deletable.ID)
	require.NoError(t, err)
	assert.Empty(t, records, "records go with the batch")

	locked := calculatedBatch(t, orch)
	_, err = orch.Approve(ctx, locked.ID, "actor-mgr", true)
	require.NoError(t, err)
	assert.ErrorIs(t, orch.DeleteBatch(ctx, locked.ID), payroll.ErrState)
}

// =============================================================================
// CONCURRENCY GUARD
// =============================================================================

func TestUpdateBatch_StaleStatusConflicts(t *testing.T) {
	// GIVEN: The batch was approved behind the caller's back
	// WHEN: Updating with the stale expected status
	// THEN: ConcurrencyConflictError naming both statuses

	orch, st, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	_, err := orch.Approve(ctx, batch.ID, "actor-mgr", true)
	require.NoError(t, err)

	stale := batch.Clone()
	stale.Status = payroll.StatusApproved
	err = st.UpdateBatch(ctx, stale, payroll.StatusCalculated)

	var conflict *payroll.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, payroll.StatusCalculated, conflict.Expected)
	assert.Equal(t, payroll.StatusApproved, conflict.Actual)
	assert.True(t, payroll.IsConflict(err))
}

// =============================================================================
// VALIDATION REPORT
// =============================================================================

func TestValidateBatch_DetectsStaleInputs(t *testing.T) {
	// GIVEN: A calculated batch, then an upstream register amendment
	// WHEN: Validating before and after the amendment
	// THEN: Clean first, then a stale_inputs discrepancy for the amended employee

	orch, _, md := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	report, err := orch.ValidateBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 3, report.RecordsTotal)

	md.SetRegisterEntry(masterdata.PayRegisterEntry{
		EmployeeID: "emp-1", Year: 2025, Month: time.June, Version: 2,
		Fields: map[string]decimal.Decimal{"allowance": dec("5000")},
	})

	report, err = orch.ValidateBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "emp-1", report.Discrepancies[0].EmployeeID)
	assert.Equal(t, payroll.DiscrepancyStaleInputs, report.Discrepancies[0].Kind)
}

func TestValidateBatch_FailedRecordsSkipped(t *testing.T) {
	// emp-3 failed during calculation; validation does not re-report it.
	orch, _, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)

	report, err := orch.ValidateBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

// =============================================================================
// DIVISION MIGRATION
// =============================================================================

func TestMigrateBatchDivisions(t *testing.T) {
	// GIVEN: Batches scoped to div-ops after an org restructuring
	// WHEN: Migrating div-ops -> div-field-ops
	// THEN: Scope labels are rewritten; records and status are untouched

	orch, st, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	ctx := context.Background()

	migrated, err := orch.MigrateBatchDivisions(ctx, payroll.DivisionMapping{
		Divisions: map[string]string{"div-ops": "div-field-ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	after, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "div-field-ops", after.Scope.DivisionID)
	assert.Equal(t, payroll.StatusCalculated, after.Status)
	assert.Equal(t, batch.Succeeded, after.Succeeded)
}

func TestMigrateBatchDivisions_EmptyMapping(t *testing.T) {
	orch, _, _ := newTestEngine(t)

	_, err := orch.MigrateBatchDivisions(context.Background(), payroll.DivisionMapping{})
	assert.ErrorIs(t, err, payroll.ErrValidation)
}

func TestMigrateBatchDivisions_UnmappedUntouched(t *testing.T) {
	orch, _, _ := newTestEngine(t)
	calculatedBatch(t, orch)

	migrated, err := orch.MigrateBatchDivisions(context.Background(), payroll.DivisionMapping{
		Divisions: map[string]string{"div-other": "div-new"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, migrated)
}
