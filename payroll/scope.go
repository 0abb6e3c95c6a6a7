/*
scope.go - Employee scope resolution

PURPOSE:
  Determines which employees belong to a batch. A scope names a division
  (required), optionally narrows to a department, and optionally includes
  employees who left during the pay period so their final payroll is still
  computed.

ORDERING:
  Employees are returned sorted by employee number. This stable order makes
  batch computation and progress reporting deterministic.

ERRORS:
  Unknown division -> ScopeResolutionError.
  An empty result is valid (not an error) and yields a zero-record batch.

SEE ALSO:
  - orchestrator.go: Calls Resolve at the start of every calculation
  - masterdata: The Directory interface this resolver reads from
*/
package payroll

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/payroll-engine/masterdata"
)

// =============================================================================
// SCOPE - Which employees belong to a batch
// =============================================================================

type Scope struct {
	DivisionID   string `json:"division_id"`
	DepartmentID string `json:"department_id,omitempty"`

	// IncludeDeparted also selects employees whose employment end date
	// falls inside the period, even though they are no longer active.
	IncludeDeparted bool `json:"include_departed"`
}

// =============================================================================
// SCOPE RESOLVER
// =============================================================================

type ScopeResolver struct {
	Directory masterdata.Directory
}

// Resolve returns the employees in scope for the period, sorted by employee
// number. An unknown division fails with ScopeResolutionError; an empty
// result is returned as-is.
func (sr *ScopeResolver) Resolve(ctx context.Context, scope Scope, period PeriodRef) ([]masterdata.Employee, error) {
	if scope.DivisionID == "" {
		return nil, fmt.Errorf("%w: scope has no division", ErrValidation)
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}

	exists, err := sr.Directory.DivisionExists(ctx, scope.DivisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !exists {
		return nil, &ScopeResolutionError{DivisionID: scope.DivisionID}
	}

	all, err := sr.Directory.EmployeesByDivision(ctx, scope.DivisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var selected []masterdata.Employee
	for _, emp := range all {
		if scope.DepartmentID != "" && emp.DepartmentID != scope.DepartmentID {
			continue
		}
		switch emp.Status {
		case masterdata.StatusActive:
			selected = append(selected, emp)
		case masterdata.StatusLeft:
			// Departed employees are included only when their end date falls
			// inside the period and the scope asks for them.
			if scope.IncludeDeparted && emp.EndDate != nil && period.Contains(*emp.EndDate) {
				selected = append(selected, emp)
			}
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Number < selected[j].Number
	})
	return selected, nil
}
