/*
evaluate.go - Per-employee row and payslip computation

PURPOSE:
  The formula evaluation engine. For one employee and period it walks the
  configured columns in order, building the row cell by cell:

    field columns   -> lookup into master data / attendance / pay register /
                       arrears; missing values resolve to null, never error
    formula columns -> evaluated against the partially built row; typed
                       failures (division by zero, non-numeric operand) null
                       the column and record a warning

  After the row is complete, the payslip summary is derived by grouping
  columns into their configured buckets (earnings, deductions) and the
  source fingerprint is computed from the upstream inputs.

FAILURE ISOLATION:
  Only a wholly unusable record fails: an employee with no pay register
  entry at all for the period gets a record-level ComputationError. Every
  column-level issue stays inside the row as a warning.

FIELD PATHS:
  "<source>.<name>" where source is one of:
    employee    basic_salary, number, name, grade, division_id, department_id
    register    any field present in the period's pay register entry
    attendance  days_present, days_absent, overtime_hours, leave_days
    arrears     total, count

SEE ALSO:
  - column.go: ColumnSet configuration and validation
  - formula.go: Expression semantics
  - orchestrator.go: Drives this per employee in scope order
*/
package payroll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/masterdata"
)

// =============================================================================
// DATA SOURCES - Upstream inputs for one calculation run
// =============================================================================

type DataSources struct {
	Directory  masterdata.Directory
	Register   masterdata.PayRegister
	Attendance masterdata.Attendance
	Arrears    masterdata.Arrears
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator computes rows and payslips for one immutable ColumnSet.
// Formulas are parsed once at construction; evaluation is a linear pass.
type Evaluator struct {
	columns  ColumnSet
	formulas map[string]*Formula // by header, for formula columns
	sources  DataSources
}

// NewEvaluator validates the column set and pre-parses every formula.
func NewEvaluator(columns ColumnSet, sources DataSources) (*Evaluator, error) {
	if err := columns.Validate(); err != nil {
		return nil, err
	}
	formulas := make(map[string]*Formula)
	for _, col := range columns.Columns {
		if col.Kind == ColumnFormula {
			expr, err := ParseFormula(col.Expr)
			if err != nil {
				// Validate already parsed every expression.
				return nil, fmt.Errorf("%w: column %q: %v", ErrValidation, col.Header, err)
			}
			formulas[col.Header] = expr
		}
	}
	return &Evaluator{columns: columns, formulas: formulas, sources: sources}, nil
}

// Columns returns the evaluator's immutable column set.
func (ev *Evaluator) Columns() ColumnSet { return ev.columns }

// evalInputs bundles the upstream data fetched once per employee.
type evalInputs struct {
	employee    masterdata.Employee
	register    *masterdata.PayRegisterEntry
	attendance  *masterdata.AttendanceSummary
	settlements []masterdata.ArrearsSettlement
}

// Computed is the result of evaluating one employee.
type Computed struct {
	EmployeeNumber string
	Row            Row
	Payslip        *Payslip
	Fingerprint    string
}

// Evaluate computes the row and payslip for one employee. A record-level
// ComputationError is returned only when the record is wholly unusable;
// column-level issues surface as warnings inside the row.
func (ev *Evaluator) Evaluate(ctx context.Context, employeeID string, period PeriodRef) (*Computed, error) {
	inputs, err := ev.fetchInputs(ctx, employeeID, period)
	if err != nil {
		return nil, err
	}

	row := Row{Cells: make([]Cell, 0, len(ev.columns.Columns))}
	for _, col := range ev.columns.Columns {
		var value Value
		switch col.Kind {
		case ColumnField:
			value = ev.fieldValue(col.FieldPath, inputs)
		case ColumnFormula:
			result, evalErr := ev.formulas[col.Header].Eval(func(header string) (Value, bool) {
				return row.Get(header)
			})
			if evalErr != nil {
				value = NullValue()
				row.Warnings = append(row.Warnings, ColumnWarning{
					Header: col.Header,
					Code:   evalErr.Code,
					Detail: evalErr.Detail,
				})
			} else {
				value = NumberValue(result)
			}
		}
		row.Cells = append(row.Cells, Cell{Header: col.Header, Value: value})
	}

	return &Computed{
		EmployeeNumber: inputs.employee.Number,
		Row:            row,
		Payslip:        ev.derivePayslip(row),
		Fingerprint:    ev.fingerprint(inputs),
	}, nil
}

func (ev *Evaluator) fetchInputs(ctx context.Context, employeeID string, period PeriodRef) (*evalInputs, error) {
	employee, err := ev.sources.Directory.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("%w: employee lookup: %v", ErrPersistence, err)
	}
	if employee == nil {
		return nil, &ComputationError{EmployeeID: employeeID, Period: period, Reason: "employee not found in master data"}
	}

	register, err := ev.sources.Register.Entry(ctx, employeeID, period.Year, period.Month)
	if err != nil {
		return nil, fmt.Errorf("%w: pay register lookup: %v", ErrPersistence, err)
	}
	if register == nil {
		// The pay register is required: without it the whole record is
		// unusable, which is the record-level failure boundary.
		return nil, &ComputationError{EmployeeID: employeeID, Period: period, Reason: "pay register entry missing for period"}
	}

	attendance, err := ev.sources.Attendance.Summary(ctx, employeeID, period.Year, period.Month)
	if err != nil {
		return nil, fmt.Errorf("%w: attendance lookup: %v", ErrPersistence, err)
	}

	settlements, err := ev.sources.Arrears.Settlements(ctx, employeeID, period.Year, period.Month)
	if err != nil {
		return nil, fmt.Errorf("%w: arrears lookup: %v", ErrPersistence, err)
	}

	return &evalInputs{
		employee:    *employee,
		register:    register,
		attendance:  attendance,
		settlements: settlements,
	}, nil
}

// fieldValue resolves a "<source>.<name>" path. Missing names resolve to
// null; they never fail the column or the record.
func (ev *Evaluator) fieldValue(path string, inputs *evalInputs) Value {
	source, name, found := strings.Cut(path, ".")
	if !found {
		return NullValue()
	}

	switch source {
	case "employee":
		switch name {
		case "basic_salary":
			return NumberValue(inputs.employee.BasicSalary)
		case "number":
			return TextValue(inputs.employee.Number)
		case "name":
			return TextValue(inputs.employee.Name)
		case "grade":
			return TextValue(inputs.employee.Grade)
		case "division_id":
			return TextValue(inputs.employee.DivisionID)
		case "department_id":
			return TextValue(inputs.employee.DepartmentID)
		}

	case "register":
		if v, ok := inputs.register.Fields[name]; ok {
			return NumberValue(v)
		}

	case "attendance":
		if inputs.attendance == nil {
			return NullValue()
		}
		switch name {
		case "days_present":
			return NumberValue(inputs.attendance.DaysPresent)
		case "days_absent":
			return NumberValue(inputs.attendance.DaysAbsent)
		case "overtime_hours":
			return NumberValue(inputs.attendance.OvertimeHours)
		case "leave_days":
			return NumberValue(inputs.attendance.LeaveDays)
		}

	case "arrears":
		switch name {
		case "total":
			total := decimal.Zero
			for _, s := range inputs.settlements {
				total = total.Add(s.Amount)
			}
			return NumberValue(total)
		case "count":
			return NumberValue(decimal.NewFromInt(int64(len(inputs.settlements))))
		}
	}

	return NullValue()
}

// derivePayslip groups numeric columns into their configured buckets.
// Info columns and null/text cells stay off the payslip.
func (ev *Evaluator) derivePayslip(row Row) *Payslip {
	payslip := &Payslip{
		Gross:      decimal.Zero,
		Deductions: decimal.Zero,
	}
	for _, cell := range row.Cells {
		bucket, ok := ev.columns.BucketFor(cell.Header)
		if !ok || bucket == BucketInfo {
			continue
		}
		amount, ok := cell.Value.AsNumber()
		if !ok {
			continue
		}
		payslip.Components = append(payslip.Components, PayslipComponent{
			Header: cell.Header,
			Bucket: bucket,
			Amount: amount,
		})
		switch bucket {
		case BucketEarning:
			payslip.Gross = payslip.Gross.Add(amount)
		case BucketDeduction:
			payslip.Deductions = payslip.Deductions.Add(amount)
		}
	}
	payslip.Net = payslip.Gross.Sub(payslip.Deductions)
	return payslip
}

// fingerprint hashes the upstream inputs a record was computed from:
// pay register version, applied settlement IDs, and the column config
// version. Equal inputs always give an equal fingerprint.
func (ev *Evaluator) fingerprint(inputs *evalInputs) string {
	ids := make([]string, 0, len(inputs.settlements))
	for _, s := range inputs.settlements {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)

	h := sha256.New()
	fmt.Fprintf(h, "register:%d\n", inputs.register.Version)
	fmt.Fprintf(h, "columns:%d\n", ev.columns.Version)
	fmt.Fprintf(h, "arrears:%s\n", strings.Join(ids, ","))
	return hex.EncodeToString(h.Sum(nil))
}
