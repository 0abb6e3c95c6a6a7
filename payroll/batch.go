/*
batch.go - Batch aggregate and lifecycle transition table

PURPOSE:
  PayrollBatch is the aggregate the orchestrator owns: one computation run
  for a scope and period, with one record per employee. Its lifecycle is a
  single status enum guarded by an explicit transition table; every mutation
  goes through one guarded entry point instead of a sprawl of boolean flags.

STATES:
  draft -> calculating -> calculated -> approved -> frozen -> completed

  calculating -> interrupted      cancelled job; resubmit to continue
  approved/frozen -> calculating  only via a granted recalculation request
  completed                       terminal except rollback
  any -> (snapshot status)        rollback replaces state wholesale

TRANSITIONS:
  Transition(from, action) answers "is this legal and where does it land".
  Guards that need data beyond the status (warning acknowledgment, granted
  request, snapshot ownership) live in the orchestrator and coordinator.

SEE ALSO:
  - orchestrator.go: CAS-guarded application of these transitions
  - recalc.go: The only path back from approved/frozen to calculating
  - snapshot.go: The rollback escape hatch
*/
package payroll

import "time"

// =============================================================================
// BATCH STATUS
// =============================================================================

type BatchStatus string

const (
	StatusDraft       BatchStatus = "draft"
	StatusCalculating BatchStatus = "calculating"
	StatusCalculated  BatchStatus = "calculated"
	StatusApproved    BatchStatus = "approved"
	StatusFrozen      BatchStatus = "frozen"
	StatusCompleted   BatchStatus = "completed"

	// StatusInterrupted marks a batch whose calculation job was cancelled
	// mid-run. Persisted records remain valid; the batch must be
	// resubmitted to reach calculated.
	StatusInterrupted BatchStatus = "interrupted"
)

// =============================================================================
// ACTIONS - Lifecycle verbs checked against the transition table
// =============================================================================

type Action string

const (
	ActionCalculate   Action = "calculate"   // start (or restart) the computation job
	ActionFinish      Action = "finish"      // job completed all records
	ActionInterrupt   Action = "interrupt"   // job cancelled mid-run
	ActionApprove     Action = "approve"
	ActionFreeze      Action = "freeze"
	ActionComplete    Action = "complete"
	ActionDelete      Action = "delete"
	ActionRecalculate Action = "recalculate" // requires a granted request
)

type transitionKey struct {
	from   BatchStatus
	action Action
}

// transitions is the single source of truth for legal lifecycle moves.
// Rollback is deliberately absent: it replaces status wholesale from a
// snapshot and is the only escape from the table.
var transitions = map[transitionKey]BatchStatus{
	{StatusDraft, ActionCalculate}:       StatusCalculating,
	{StatusInterrupted, ActionCalculate}: StatusCalculating,
	{StatusCalculating, ActionFinish}:    StatusCalculated,
	{StatusCalculating, ActionInterrupt}: StatusInterrupted,
	{StatusCalculated, ActionApprove}:    StatusApproved,
	{StatusApproved, ActionFreeze}:       StatusFrozen,
	{StatusApproved, ActionComplete}:     StatusCompleted,
	{StatusFrozen, ActionComplete}:       StatusCompleted,
	{StatusApproved, ActionRecalculate}:  StatusCalculating,
	{StatusFrozen, ActionRecalculate}:    StatusCalculating,
	{StatusDraft, ActionDelete}:          "", // delete has no target status
	{StatusCalculated, ActionDelete}:     "",
	{StatusInterrupted, ActionDelete}:    "",
}

// Transition returns the target status for an action, or a StateError when
// the batch's current status does not allow it.
func Transition(batchID BatchID, from BatchStatus, action Action) (BatchStatus, error) {
	to, ok := transitions[transitionKey{from, action}]
	if !ok {
		return "", &StateError{BatchID: batchID, From: from, Action: string(action)}
	}
	return to, nil
}

// =============================================================================
// PAYROLL BATCH - The aggregate
// =============================================================================

// PayrollBatch is owned exclusively by the orchestrator. EmployeeIDs keeps
// the resolver's deterministic order; records are stored separately keyed by
// (employee, batch).
type PayrollBatch struct {
	ID     BatchID
	Period PeriodRef
	Scope  Scope
	Status BatchStatus

	// EmployeeIDs is the resolved scope in stable employee-number order.
	// Recalculation reuses this set; it is never re-resolved.
	EmployeeIDs []string

	// Aggregate result of the last completed computation.
	Succeeded int
	Failed    int

	// Processed counts records persisted so far during a run; equal to
	// len(EmployeeIDs) once the run finishes.
	Processed int

	// Set when approval explicitly accepted failed records.
	FailuresAcknowledged bool

	CreatedAt   time.Time
	CreatedBy   string
	ApprovedAt  *time.Time
	ApprovedBy  string
	FrozenAt    *time.Time
	FrozenBy    string
	CompletedAt *time.Time
	CompletedBy string

	// At most one active (pending or granted-unconsumed) request.
	ActiveRequestID *RequestID

	SnapshotIDs []SnapshotID
}

// Total returns the number of employees in the batch's scope.
func (b *PayrollBatch) Total() int { return len(b.EmployeeIDs) }

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state in place.
func (b *PayrollBatch) Clone() *PayrollBatch {
	copied := *b
	copied.EmployeeIDs = append([]string(nil), b.EmployeeIDs...)
	copied.SnapshotIDs = append([]SnapshotID(nil), b.SnapshotIDs...)
	if b.ActiveRequestID != nil {
		id := *b.ActiveRequestID
		copied.ActiveRequestID = &id
	}
	if b.ApprovedAt != nil {
		t := *b.ApprovedAt
		copied.ApprovedAt = &t
	}
	if b.FrozenAt != nil {
		t := *b.FrozenAt
		copied.FrozenAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}

// =============================================================================
// RECALCULATION REQUEST
// =============================================================================

type RecalcRequestStatus string

const (
	RecalcPending  RecalcRequestStatus = "pending"
	RecalcGranted  RecalcRequestStatus = "granted"
	RecalcDenied   RecalcRequestStatus = "denied"
	RecalcConsumed RecalcRequestStatus = "consumed"
)

// RecalculationRequest is the two-party authorization to recompute a batch.
// The requester notices the need; a different party grants it; the grant is
// consumed exactly once by the recalculation itself.
type RecalculationRequest struct {
	ID          RequestID
	BatchID     BatchID
	RequesterID string
	Reason      string
	RequestedAt time.Time

	Status    RecalcRequestStatus
	GranterID string
	GrantedAt *time.Time
}

// Active reports whether the request still blocks new requests: pending, or
// granted but not yet consumed.
func (r *RecalculationRequest) Active() bool {
	return r.Status == RecalcPending || r.Status == RecalcGranted
}
