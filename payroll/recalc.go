/*
recalc.go - Recalculation request/grant protocol

PURPOSE:
  Approved and frozen batches are locked against casual recomputation. A
  recalculation goes through an explicit two-party protocol:

    request  -> any actor files a RecalculationRequest (pending)
    grant    -> a DIFFERENT actor grants or denies it
    execute  -> a granted request unlocks exactly one recalculation run

  The grant is consumed when the run starts. Re-running requires a fresh
  request. Before any record is overwritten a history snapshot of the
  pre-recalculation state is captured, so the previous results remain
  recoverable through rollback.

INVARIANTS:
  - At most one active (pending or granted) request per batch.
  - The granter must differ from the requester. No self-approval.
  - Recalculating without a granted request is a state violation.

SEE ALSO:
  - orchestrator.go: The computation loop the granted run reuses
  - snapshot.go: Pre-recalculation capture and rollback
*/
package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COORDINATOR
// =============================================================================

type RecalcCoordinator struct {
	Store        Store
	Orchestrator *Orchestrator
	Clock        func() time.Time
}

func NewRecalcCoordinator(store Store, orch *Orchestrator) *RecalcCoordinator {
	return &RecalcCoordinator{Store: store, Orchestrator: orch}
}

func (c *RecalcCoordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}

// =============================================================================
// REQUEST / GRANT / DENY
// =============================================================================

// RequestRecalculation files a pending request against an approved or
// frozen batch. A batch can carry at most one active request.
func (c *RecalcCoordinator) RequestRecalculation(ctx context.Context, batchID BatchID, requesterID, reason string) (*RecalculationRequest, error) {
	if requesterID == "" {
		return nil, fmt.Errorf("%w: requester id required", ErrValidation)
	}

	batch, err := c.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	// Only locked batches need the protocol. Recalculating anything else
	// is a plain state violation, so requesting against it is too.
	if batch.Status != StatusApproved && batch.Status != StatusFrozen {
		return nil, &StateError{BatchID: batchID, From: batch.Status, Action: string(ActionRecalculate)}
	}

	if active, err := c.Store.ActiveRequest(ctx, batchID); err != nil {
		return nil, fmt.Errorf("%w: checking active request: %v", ErrPersistence, err)
	} else if active != nil {
		return nil, fmt.Errorf("%w: batch %s already has request %s (%s)",
			ErrRecalcRequestExists, batchID, active.ID, active.Status)
	}

	request := &RecalculationRequest{
		ID:          RequestID(uuid.NewString()),
		BatchID:     batchID,
		RequesterID: requesterID,
		Reason:      reason,
		RequestedAt: c.now(),
		Status:      RecalcPending,
	}
	if err := c.Store.SaveRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("%w: saving request: %v", ErrPersistence, err)
	}

	from := batch.Status
	id := request.ID
	batch.ActiveRequestID = &id
	if err := c.Store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}
	return request, nil
}

// GrantRecalculation grants the batch's pending request. The granter must
// not be the requester.
func (c *RecalcCoordinator) GrantRecalculation(ctx context.Context, batchID BatchID, granterID string) (*RecalculationRequest, error) {
	return c.decide(ctx, batchID, granterID, RecalcGranted)
}

// DenyRecalculation denies the batch's pending request, clearing it.
func (c *RecalcCoordinator) DenyRecalculation(ctx context.Context, batchID BatchID, granterID string) (*RecalculationRequest, error) {
	return c.decide(ctx, batchID, granterID, RecalcDenied)
}

func (c *RecalcCoordinator) decide(ctx context.Context, batchID BatchID, granterID string, decision RecalcRequestStatus) (*RecalculationRequest, error) {
	if granterID == "" {
		return nil, fmt.Errorf("%w: granter id required", ErrValidation)
	}

	request, err := c.Store.ActiveRequest(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading active request: %v", ErrPersistence, err)
	}
	if request == nil || request.Status != RecalcPending {
		return nil, fmt.Errorf("%w: batch %s", ErrNoPendingRequest, batchID)
	}
	if request.RequesterID == granterID {
		return nil, fmt.Errorf("%w: request %s was filed by %s", ErrSelfApproval, request.ID, granterID)
	}

	now := c.now()
	request.Status = decision
	request.GranterID = granterID
	request.GrantedAt = &now
	if err := c.Store.SaveRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("%w: saving request: %v", ErrPersistence, err)
	}

	if decision == RecalcDenied {
		batch, err := c.Store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		batch.ActiveRequestID = nil
		if err := c.Store.UpdateBatch(ctx, batch, batch.Status); err != nil {
			return nil, err
		}
	}
	return request, nil
}

// =============================================================================
// EXECUTE
// =============================================================================

// Recalculate runs a granted recalculation. The sequence is deliberate:
//
//  1. CAS-claim the batch (approved/frozen -> calculating). Losing the
//     race here leaves the grant intact for a retry.
//  2. Capture a pre-recalculation snapshot of the claimed state.
//  3. Consume the grant. From here a fresh request is needed.
//  4. Run the computation loop over the original employee set.
func (c *RecalcCoordinator) Recalculate(ctx context.Context, batchID BatchID, progress ProgressFunc) (*PayrollBatch, error) {
	batch, err := c.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	request, err := c.Store.ActiveRequest(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading active request: %v", ErrPersistence, err)
	}
	if request == nil || request.Status != RecalcGranted {
		return nil, &StateError{BatchID: batchID, From: batch.Status, Action: string(ActionRecalculate)}
	}

	from := batch.Status
	to, err := Transition(batchID, from, ActionRecalculate)
	if err != nil {
		return nil, err
	}

	// Snapshot before mutating anything. The captured batch keeps its
	// pre-claim status so rollback restores approved/frozen, not
	// calculating.
	snapshot := batch.Clone()
	if _, err := c.Orchestrator.Snapshots.Capture(ctx, snapshot, TriggerPreRecalculation); err != nil {
		return nil, err
	}
	batch.SnapshotIDs = snapshot.SnapshotIDs

	batch.Status = to
	batch.ActiveRequestID = nil
	batch.Processed = 0
	batch.Succeeded = 0
	batch.Failed = 0
	batch.FailuresAcknowledged = false
	if err := c.Store.UpdateBatch(ctx, batch, from); err != nil {
		return nil, err
	}

	request.Status = RecalcConsumed
	if err := c.Store.SaveRequest(ctx, request); err != nil {
		return batch, fmt.Errorf("%w: consuming request: %v", ErrPersistence, err)
	}

	return c.Orchestrator.runComputation(ctx, batch, progress)
}
