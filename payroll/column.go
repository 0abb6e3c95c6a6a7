/*
column.go - Output column configuration

PURPOSE:
  Defines the ordered, configurable columns a batch computes per employee.
  Each column is either a field lookup into upstream data or a formula over
  columns that appear EARLIER in the list. The ordering constraint replaces a
  general dependency graph: forward and self references are rejected when the
  configuration is saved, so evaluation is a single linear pass with no cycle
  detection.

COLUMN KINDS:
  field:
    - Reads a value from a declared data source path, e.g.
      "employee.basic_salary", "register.days_worked", "attendance.overtime_hours"
    - Missing fields resolve to null, never to an error

  formula:
    - Arithmetic expression over earlier column headers, e.g.
      "[Basic Salary] * 0.12" or "Gross - PF"
    - Division by zero / non-numeric operands null the column and record
      a warning scoped to that column

BUCKETS:
  Each column declares a semantic bucket used to derive the payslip:
  earnings and deductions roll into gross/deductions/net; info columns are
  carried on the row but excluded from payslip totals.

VERSIONING:
  A ColumnSet is an immutable, versioned snapshot passed into each
  calculation run. A configuration change mid-run can never corrupt a batch,
  and the version participates in each record's source fingerprint.

SEE ALSO:
  - formula.go: Expression parsing and evaluation
  - evaluate.go: The linear evaluation pass
*/
package payroll

import (
	"fmt"
)

// =============================================================================
// COLUMN SPEC - Tagged variant: field lookup or formula
// =============================================================================

type ColumnKind string

const (
	ColumnField   ColumnKind = "field"
	ColumnFormula ColumnKind = "formula"
)

type ColumnBucket string

const (
	BucketEarning   ColumnBucket = "earning"
	BucketDeduction ColumnBucket = "deduction"
	BucketInfo      ColumnBucket = "info"
)

// ColumnSpec is one configured output column.
type ColumnSpec struct {
	Header string       `json:"header"`
	Kind   ColumnKind   `json:"kind"`
	Bucket ColumnBucket `json:"bucket"`

	// FieldPath is set when Kind is field: "<source>.<name>".
	FieldPath string `json:"field_path,omitempty"`

	// Expr is set when Kind is formula.
	Expr string `json:"expr,omitempty"`
}

// ColumnSet is the ordered column configuration for one calculation run.
// Treated as immutable once built.
type ColumnSet struct {
	Version int          `json:"version"`
	Columns []ColumnSpec `json:"columns"`
}

// =============================================================================
// VALIDATION - Runs at configuration-save time, never at evaluation time
// =============================================================================

// Validate checks the whole column set:
//   - headers are non-empty and unique
//   - every column has exactly the payload its kind requires
//   - formula expressions parse
//   - formulas reference only columns strictly earlier in the list
func (cs ColumnSet) Validate() error {
	if len(cs.Columns) == 0 {
		return fmt.Errorf("%w: column set is empty", ErrValidation)
	}

	seen := make(map[string]int, len(cs.Columns))
	for i, col := range cs.Columns {
		if col.Header == "" {
			return fmt.Errorf("%w: column %d has empty header", ErrValidation, i)
		}
		if prev, dup := seen[col.Header]; dup {
			return fmt.Errorf("%w: duplicate header %q (columns %d and %d)",
				ErrValidation, col.Header, prev, i)
		}

		switch col.Kind {
		case ColumnField:
			if col.FieldPath == "" {
				return fmt.Errorf("%w: field column %q has no field path", ErrValidation, col.Header)
			}
			if col.Expr != "" {
				return fmt.Errorf("%w: field column %q has an expression", ErrValidation, col.Header)
			}
		case ColumnFormula:
			if col.Expr == "" {
				return fmt.Errorf("%w: formula column %q has no expression", ErrValidation, col.Header)
			}
			expr, err := ParseFormula(col.Expr)
			if err != nil {
				return fmt.Errorf("%w: column %q: %v", ErrValidation, col.Header, err)
			}
			for _, ref := range expr.References() {
				at, exists := seen[ref]
				if !exists || at >= i {
					// Catches unknown, self, and forward references alike:
					// only strictly earlier headers are in scope.
					return fmt.Errorf("%w: column %q references %q which is not an earlier column",
						ErrValidation, col.Header, ref)
				}
			}
		default:
			return fmt.Errorf("%w: column %q has unknown kind %q", ErrValidation, col.Header, col.Kind)
		}

		switch col.Bucket {
		case BucketEarning, BucketDeduction, BucketInfo:
		default:
			return fmt.Errorf("%w: column %q has unknown bucket %q", ErrValidation, col.Header, col.Bucket)
		}

		seen[col.Header] = i
	}
	return nil
}

// BucketFor returns the configured bucket for a header.
func (cs ColumnSet) BucketFor(header string) (ColumnBucket, bool) {
	for _, col := range cs.Columns {
		if col.Header == header {
			return col.Bucket, true
		}
	}
	return "", false
}
