/*
Package payroll provides the batch payroll computation and lifecycle engine.

PURPOSE:
  This package computes one payroll record per employee for a pay period from
  a configurable set of output columns, and manages the resulting batch
  through an auditable lifecycle: creation, approval, freeze, recalculation,
  and point-in-time rollback.

KEY CONCEPTS IN THIS FILE (types.go):
  - PeriodRef: A pay period (year + month) with its date range
  - Value: A computed cell value (number, text, or null)
  - Row: The ordered header->value results for one employee
  - EmployeePayrollRecord: One employee's computed payroll for a batch
  - Payslip: The earnings/deductions/net summary derived from a row

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every computed number
  2. Determinism: Rows keep column order; identical inputs give identical rows
  3. Isolation: A failed record never aborts the batch it belongs to
  4. Auditability: Records carry a fingerprint of their upstream inputs

USAGE:
  period := payroll.NewPeriod(2025, time.February)
  row, _ := record.Row.Get("Basic Salary")

SEE ALSO:
  - column.go: Output column configuration and validation
  - evaluate.go: Row and payslip computation
  - batch.go: Batch aggregate and lifecycle states
*/
package payroll

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID string
type RecordID string
type SnapshotID string
type RequestID string

// =============================================================================
// PERIOD - One pay period (year + month)
// =============================================================================

type PeriodRef struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) PeriodRef {
	return PeriodRef{Year: year, Month: month}
}

// ParsePeriod parses "2025-02" into a PeriodRef.
func ParsePeriod(s string) (PeriodRef, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return PeriodRef{}, fmt.Errorf("%w: period must be YYYY-MM, got %q", ErrValidation, s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil || year < 1900 || year > 9999 {
		return PeriodRef{}, fmt.Errorf("%w: invalid period year %q", ErrValidation, parts[0])
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return PeriodRef{}, fmt.Errorf("%w: invalid period month %q", ErrValidation, parts[1])
	}
	return PeriodRef{Year: year, Month: time.Month(month)}, nil
}

func (p PeriodRef) IsZero() bool { return p.Year == 0 }

// Validate checks the period is well-formed.
func (p PeriodRef) Validate() error {
	if p.Year < 1900 || p.Year > 9999 || p.Month < time.January || p.Month > time.December {
		return fmt.Errorf("%w: malformed period %d-%02d", ErrValidation, p.Year, int(p.Month))
	}
	return nil
}

// Start returns the first day of the period (UTC midnight).
func (p PeriodRef) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period (UTC midnight).
func (p PeriodRef) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Contains reports whether t falls inside [Start, End].
func (p PeriodRef) Contains(t time.Time) bool {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return !day.Before(p.Start()) && !day.After(p.End())
}

func (p PeriodRef) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// =============================================================================
// VALUE - A computed cell (number, text, or null)
// =============================================================================

type ValueKind string

const (
	ValueNumber ValueKind = "number"
	ValueText   ValueKind = "text"
	ValueNull   ValueKind = "null"
)

// Value is the tagged result of one column evaluation.
type Value struct {
	Kind   ValueKind
	Number decimal.Decimal
	Text   string
}

func NumberValue(d decimal.Decimal) Value { return Value{Kind: ValueNumber, Number: d} }
func TextValue(s string) Value            { return Value{Kind: ValueText, Text: s} }
func NullValue() Value                    { return Value{Kind: ValueNull} }

func (v Value) IsNull() bool { return v.Kind == ValueNull }

// AsNumber returns the numeric value, or false when the value is
// null or textual.
func (v Value) AsNumber() (decimal.Decimal, bool) {
	if v.Kind != ValueNumber {
		return decimal.Zero, false
	}
	return v.Number, true
}

func (v Value) String() string {
	switch v.Kind {
	case ValueNumber:
		return v.Number.String()
	case ValueText:
		return v.Text
	default:
		return "null"
	}
}

// Equal compares values including numeric exactness.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueNumber:
		return v.Number.Equal(other.Number)
	case ValueText:
		return v.Text == other.Text
	default:
		return true
	}
}

// =============================================================================
// ROW - Ordered column results for one employee
// =============================================================================

// Cell pairs a column header with its computed value. Cells keep the
// configured column order, which makes row serialization deterministic.
type Cell struct {
	Header string
	Value  Value
}

type Row struct {
	Cells    []Cell
	Warnings []ColumnWarning
}

// Get returns the value for a header, or false if the header is absent.
func (r *Row) Get(header string) (Value, bool) {
	for _, c := range r.Cells {
		if c.Header == header {
			return c.Value, true
		}
	}
	return Value{}, false
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() Row {
	return Row{
		Cells:    append([]Cell(nil), r.Cells...),
		Warnings: append([]ColumnWarning(nil), r.Warnings...),
	}
}

// Equal compares two rows cell by cell, including order.
func (r *Row) Equal(other *Row) bool {
	if other == nil || len(r.Cells) != len(other.Cells) {
		return false
	}
	for i, c := range r.Cells {
		if c.Header != other.Cells[i].Header || !c.Value.Equal(other.Cells[i].Value) {
			return false
		}
	}
	return true
}

// =============================================================================
// PAYSLIP - Derived earnings/deductions/net summary
// =============================================================================

type PayslipComponent struct {
	Header string
	Bucket ColumnBucket
	Amount decimal.Decimal
}

type Payslip struct {
	Gross      decimal.Decimal
	Deductions decimal.Decimal
	Net        decimal.Decimal
	Components []PayslipComponent
}

// Equal compares payslips including the component breakdown.
func (p *Payslip) Equal(other *Payslip) bool {
	if other == nil {
		return false
	}
	if !p.Gross.Equal(other.Gross) || !p.Deductions.Equal(other.Deductions) || !p.Net.Equal(other.Net) {
		return false
	}
	if len(p.Components) != len(other.Components) {
		return false
	}
	for i, c := range p.Components {
		o := other.Components[i]
		if c.Header != o.Header || c.Bucket != o.Bucket || !c.Amount.Equal(o.Amount) {
			return false
		}
	}
	return true
}

// =============================================================================
// EMPLOYEE PAYROLL RECORD - One employee's computed payroll for a batch
// =============================================================================

type RecordStatus string

const (
	RecordOK     RecordStatus = "ok"
	RecordFailed RecordStatus = "failed"
)

// EmployeePayrollRecord is created by the orchestrator during calculation or
// recalculation and never mutated outside that path. Exactly one record
// exists per (employee, batch).
type EmployeePayrollRecord struct {
	ID         RecordID
	BatchID    BatchID
	EmployeeID string

	// EmployeeNumber is the stable sort key used for batch ordering.
	EmployeeNumber string

	Period PeriodRef

	Row     Row
	Payslip *Payslip

	// SourceFingerprint hashes the upstream inputs (pay register version,
	// applied arrears settlements, column config version). Used by
	// ValidateBatch to detect staleness without a full recompute.
	SourceFingerprint string

	Status        RecordStatus
	FailureReason string
	ComputedAt    time.Time
}

// Clone deep-copies the record so stores can hand out values without
// sharing slice backing with callers.
func (r *EmployeePayrollRecord) Clone() *EmployeePayrollRecord {
	clone := *r
	clone.Row = r.Row.Clone()
	if r.Payslip != nil {
		p := *r.Payslip
		p.Components = append([]PayslipComponent(nil), r.Payslip.Components...)
		clone.Payslip = &p
	}
	return &clone
}
