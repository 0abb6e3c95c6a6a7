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

// newRecalcFixture returns a coordinator over an approved batch.
func newRecalcFixture(t *testing.T) (*payroll.RecalcCoordinator, *payroll.PayrollBatch, *store.Memory, *masterdata.Memory) {
	t.Helper()

	orch, st, md := newTestEngine(t)
	batch := calculatedBatch(t, orch)

	approved, err := orch.Approve(context.Background(), batch.ID, "actor-mgr", true)
	require.NoError(t, err)

	return payroll.NewRecalcCoordinator(st, orch), approved, st, md
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRecalc_RequestOnApprovedBatch(t *testing.T) {
	// GIVEN: An approved batch
	// WHEN: Filing a recalculation request
	// THEN: A pending request is attached to the batch

	coord, batch, st, _ := newRecalcFixture(t)
	ctx := context.Background()

	request, err := coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "register amended")
	require.NoError(t, err)
	assert.Equal(t, payroll.RecalcPending, request.Status)
	assert.Equal(t, "actor-hr", request.RequesterID)

	after, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, after.ActiveRequestID)
	assert.Equal(t, request.ID, *after.ActiveRequestID)
}

func TestRecalc_RequestOnUnlockedBatchRejected(t *testing.T) {
	// Calculated batches are not locked; recalculating them is just a
	// state violation, so requesting against them is too.
	orch, st, _ := newTestEngine(t)
	batch := calculatedBatch(t, orch)
	coord := payroll.NewRecalcCoordinator(st, orch)

	_, err := coord.RequestRecalculation(context.Background(), batch.ID, "actor-hr", "")
	assert.ErrorIs(t, err, payroll.ErrState)
}

func TestRecalc_SecondRequestRejected(t *testing.T) {
	coord, batch, _, _ := newRecalcFixture(t)
	ctx := context.Background()

	_, err := coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "first")
	require.NoError(t, err)

	_, err = coord.RequestRecalculation(ctx, batch.ID, "actor-other", "second")
	assert.ErrorIs(t, err, payroll.ErrRecalcRequestExists)
}

func TestRecalc_RequesterRequired(t *testing.T) {
	coord, batch, _, _ := newRecalcFixture(t)

	_, err := coord.RequestRecalculation(context.Background(), batch.ID, "", "reason")
	assert.ErrorIs(t, err, payroll.ErrValidation)
}

// =============================================================================
// GRANT / DENY
// =============================================================================

func TestRecalc_SelfApprovalRejected(t *testing.T) {
	// GIVEN: A pending request filed by actor-hr
	// WHEN: The same actor tries to grant it
	// THEN: Rejected; a different actor can grant

	coord, batch, _, _ := newRecalcFixture(t)
	ctx := context.Background()

	_, err := coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "register amended")
	require.NoError(t, err)

	_, err = coord.GrantRecalculation(ctx, batch.ID, "actor-hr")
	assert.ErrorIs(t, err, payroll.ErrSelfApproval)

	granted, err := coord.GrantRecalculation(ctx, batch.ID, "actor-mgr")
	require.NoError(t, err)
	assert.Equal(t, payroll.RecalcGranted, granted.Status)
	assert.Equal(t, "actor-mgr", granted.GranterID)
	require.NotNil(t, granted.GrantedAt)
}

func TestRecalc_GrantWithoutPendingRequest(t *testing.T) {
	coord, batch, _, _ := newRecalcFixture(t)

	_, err := coord.GrantRecalculation(context.Background(), batch.ID, "actor-mgr")
	assert.ErrorIs(t, err, payroll.ErrNoPendingRequest)
}

func TestRecalc_DenyClearsRequest(t *testing.T) {
	// GIVEN: A pending request
	// WHEN: Denying it
	// THEN: The batch carries no active request; a fresh one can be filed

	coord, batch, st, _ := newRecalcFixture(t)
	ctx := context.Background()

	_, err := coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "")
	require.NoError(t, err)

	denied, err := coord.DenyRecalculation(ctx, batch.ID, "actor-mgr")
	require.NoError(t, err)
	assert.Equal(t, payroll.RecalcDenied, denied.Status)

	after, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Nil(t, after.ActiveRequestID)

	_, err = coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "again")
	assert.NoError(t, err)
}

// =============================================================================
// EXECUTE
// =============================================================================

func TestRecalc_WithoutGrantRejected(t *testing.T) {
	coord, batch, _, _ := newRecalcFixture(t)
	ctx := context.Background()

	// No request at all.
	_, err := coord.Recalculate(ctx, batch.ID, nil)
	assert.ErrorIs(t, err, payroll.ErrState)

	// Pending but not granted.
	_, err = coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "")
	require.NoError(t, err)
	_, err = coord.Recalculate(ctx, batch.ID, nil)
	assert.ErrorIs(t, err, payroll.ErrState)
}

func TestRecalc_GrantedRunRecomputes(t *testing.T) {
	// GIVEN: A granted request and an amended register for emp-1
	// WHEN: Executing the recalculation
	// THEN: Records are recomputed against current data, the grant is
	//       consumed, and the pre-recalculation state is snapshotted

	coord, batch, st, md := newRecalcFixture(t)
	ctx := context.Background()

	md.SetRegisterEntry(masterdata.PayRegisterEntry{
		EmployeeID: "emp-1", Year: 2025, Month: time.June, Version: 2,
		Fields: map[string]decimal.Decimal{"allowance": dec("6000")},
	})

	_, err := coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "register amended")
	require.NoError(t, err)
	_, err = coord.GrantRecalculation(ctx, batch.ID, "actor-mgr")
	require.NoError(t, err)

	recalced, err := coord.Recalculate(ctx, batch.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusCalculated, recalced.Status)
	assert.Equal(t, 2, recalced.Succeeded)
	assert.Equal(t, 1, recalced.Failed)
	assert.Nil(t, recalced.ActiveRequestID)

	// The grant is spent: no active request survives the run.
	active, err := st.ActiveRequest(ctx, batch.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	// The recomputed record reflects the amended allowance:
	// gross 58000, deductions 6240 + 5800, net 45960.
	record, err := st.GetRecord(ctx, batch.ID, "emp-1")
	require.NoError(t, err)
	require.NotNil(t, record.Payslip)
	assert.True(t, record.Payslip.Net.Equal(dec("45960")), "net %s", record.Payslip.Net)

	// The pre-recalculation snapshot preserves the approved state.
	snapshots, err := st.ListSnapshots(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, payroll.TriggerPreRecalculation, snapshots[0].Trigger)
	assert.Equal(t, payroll.StatusApproved, snapshots[0].Batch.Status)
	assert.Len(t, snapshots[0].Records, 3)
}

func TestRecalc_GrantIsSingleUse(t *testing.T) {
	coord, batch, _, _ := newRecalcFixture(t)
	ctx := context.Background()

	_, err := coord.RequestRecalculation(ctx, batch.ID, "actor-hr", "")
	require.NoError(t, err)
	_, err = coord.GrantRecalculation(ctx, batch.ID, "actor-mgr")
	require.NoError(t, err)
	_, err = coord.Recalculate(ctx, batch.ID, nil)
	require.NoError(t, err)

	// A second run needs a fresh request/grant cycle.
	_, err = coord.Recalculate(ctx, batch.ID, nil)
	assert.ErrorIs(t, err, payroll.ErrState)
}
