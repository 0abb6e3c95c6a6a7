/*
Package masterdata defines the upstream data the payroll engine consumes.

PURPOSE:
  The engine never owns employee, attendance, or pay-register data. It reads
  them through the interfaces in this package, so the same engine runs against
  the SQLite store, an HR system client, or in-memory fixtures in tests.

KEY CONCEPTS:
  - Employee: master record with division/department placement and dates
  - PayRegisterEntry: attendance-derived per-period inputs (versioned)
  - AttendanceSummary: aggregated presence/overtime/leave for a period
  - ArrearsSettlement: back-pay adjustments applied in a period

VERSIONING:
  PayRegisterEntry carries a Version that increments whenever the upstream
  register is amended. The engine folds it into each record's source
  fingerprint so stale batches are detectable without recomputing.

SEE ALSO:
  - payroll/evaluate.go: field lookups against these sources
  - payroll/scope.go: employee set resolution
*/
package masterdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EMPLOYEE MASTER DATA
// =============================================================================

type EmploymentStatus string

const (
	StatusActive EmploymentStatus = "active"
	StatusLeft   EmploymentStatus = "left"
)

// Employee is the master record the engine reads. Number is the stable
// sort key for deterministic batch ordering.
type Employee struct {
	ID           string
	Number       string
	Name         string
	DivisionID   string
	DepartmentID string
	Status       EmploymentStatus
	JoinDate     time.Time
	EndDate      *time.Time // set when Status is left

	// Contractual figures referenced by field columns.
	BasicSalary decimal.Decimal
	Grade       string
}

type Division struct {
	ID   string
	Name string
}

type Department struct {
	ID         string
	DivisionID string
	Name       string
}

// Directory provides employee/division lookups.
type Directory interface {
	// DivisionExists reports whether the division is known.
	DivisionExists(ctx context.Context, divisionID string) (bool, error)

	// EmployeesByDivision returns every employee placed in the division,
	// regardless of status. Department filtering is done by the caller.
	EmployeesByDivision(ctx context.Context, divisionID string) ([]Employee, error)

	// GetEmployee returns a single employee or nil if unknown.
	GetEmployee(ctx context.Context, employeeID string) (*Employee, error)
}

// =============================================================================
// PAY REGISTER - attendance-derived period inputs
// =============================================================================

// PayRegisterEntry holds the per-employee inputs for one period.
// Fields is a flat name->value map; column configs reference names directly.
type PayRegisterEntry struct {
	EmployeeID string
	Year       int
	Month      time.Month
	Version    int
	Fields     map[string]decimal.Decimal
}

// PayRegister is the source of period inputs.
// A nil entry (with nil error) means the register has no data for the
// employee in that period - a record-level failure for the engine.
type PayRegister interface {
	Entry(ctx context.Context, employeeID string, year int, month time.Month) (*PayRegisterEntry, error)
}

// =============================================================================
// ATTENDANCE SUMMARY
// =============================================================================

type AttendanceSummary struct {
	EmployeeID    string
	Year          int
	Month         time.Month
	DaysPresent   decimal.Decimal
	DaysAbsent    decimal.Decimal
	OvertimeHours decimal.Decimal
	LeaveDays     decimal.Decimal
}

// Attendance provides period attendance aggregates.
// A nil summary is valid: field lookups resolve to null.
type Attendance interface {
	Summary(ctx context.Context, employeeID string, year int, month time.Month) (*AttendanceSummary, error)
}

// =============================================================================
// ARREARS SETTLEMENTS
// =============================================================================

type ArrearsSettlement struct {
	ID         string
	EmployeeID string
	Year       int
	Month      time.Month
	Amount     decimal.Decimal
	Reason     string
}

// Arrears lists the settlements applied to an employee in a period.
type Arrears interface {
	Settlements(ctx context.Context, employeeID string, year int, month time.Month) ([]ArrearsSettlement, error)
}
