package payroll_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// lookupFrom builds a LookupFunc over a fixed header->value map.
func lookupFrom(values map[string]payroll.Value) payroll.LookupFunc {
	return func(header string) (payroll.Value, bool) {
		v, ok := values[header]
		return v, ok
	}
}

func evalFormula(t *testing.T, expr string, values map[string]payroll.Value) decimal.Decimal {
	t.Helper()
	f, err := payroll.ParseFormula(expr)
	require.NoError(t, err, "parse %q", expr)
	result, evalErr := f.Eval(lookupFrom(values))
	require.Nil(t, evalErr, "eval %q", expr)
	return result
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func TestFormula_OperatorPrecedence(t *testing.T) {
	// GIVEN: An expression mixing + and *
	// WHEN: Evaluating without parentheses
	// THEN: Multiplication binds tighter

	assert.True(t, evalFormula(t, "2 + 3 * 4", nil).Equal(dec("14")))
	assert.True(t, evalFormula(t, "(2 + 3) * 4", nil).Equal(dec("20")))
	assert.True(t, evalFormula(t, "10 - 4 - 3", nil).Equal(dec("3")), "same-precedence operators are left-associative")
}

func TestFormula_DecimalPrecision(t *testing.T) {
	// GIVEN: A percentage calculation that loses precision in binary floats
	// WHEN: Evaluating with decimal arithmetic
	// THEN: The result is exact

	result := evalFormula(t, "52000 * 0.12", nil)
	assert.True(t, result.Equal(dec("6240")), "got %s", result)
}

func TestFormula_UnaryMinus(t *testing.T) {
	assert.True(t, evalFormula(t, "-5 + 3", nil).Equal(dec("-2")))
	assert.True(t, evalFormula(t, "2 * -3", nil).Equal(dec("-6")))
}

func TestFormula_Modulo(t *testing.T) {
	assert.True(t, evalFormula(t, "17 % 5", nil).Equal(dec("2")))
}

// =============================================================================
// COLUMN REFERENCES
// =============================================================================

func TestFormula_ColumnReferences(t *testing.T) {
	// GIVEN: Bare and bracketed references to computed columns
	// WHEN: Evaluating against the partially built row
	// THEN: Both reference forms resolve

	values := map[string]payroll.Value{
		"Basic Salary": payroll.NumberValue(dec("50000")),
		"Overtime":     payroll.NumberValue(dec("2500")),
	}
	result := evalFormula(t, "([Basic Salary] + Overtime) * 0.12", values)
	assert.True(t, result.Equal(dec("6300")), "got %s", result)
}

func TestFormula_References_SortedDistinct(t *testing.T) {
	f, err := payroll.ParseFormula("[Basic Salary] + Overtime + [Basic Salary]")
	require.NoError(t, err)
	assert.Equal(t, []string{"Basic Salary", "Overtime"}, f.References())
}

// =============================================================================
// FUNCTIONS
// =============================================================================

func TestFormula_Functions(t *testing.T) {
	assert.True(t, evalFormula(t, "ROUND(10.456, 2)", nil).Equal(dec("10.46")))
	assert.True(t, evalFormula(t, "MIN(3, 7)", nil).Equal(dec("3")))
	assert.True(t, evalFormula(t, "MAX(3, 7)", nil).Equal(dec("7")))
	assert.True(t, evalFormula(t, "ABS(-4.5)", nil).Equal(dec("4.5")))
}

func TestFormula_FunctionArityChecked(t *testing.T) {
	_, err := payroll.ParseFormula("ROUND(1.5)")
	assert.Error(t, err, "ROUND requires two arguments")
}

// =============================================================================
// EVALUATION FAILURES - Typed, column-scoped
// =============================================================================

func TestFormula_DivisionByZero(t *testing.T) {
	// GIVEN: A divisor column holding zero
	// WHEN: Evaluating the division
	// THEN: A typed division_by_zero failure, not a panic or infinity

	f, err := payroll.ParseFormula("Gross / Days")
	require.NoError(t, err)

	_, evalErr := f.Eval(lookupFrom(map[string]payroll.Value{
		"Gross": payroll.NumberValue(dec("1000")),
		"Days":  payroll.NumberValue(decimal.Zero),
	}))
	require.NotNil(t, evalErr)
	assert.Equal(t, "division_by_zero", evalErr.Code)
}

func TestFormula_NonNumericOperand(t *testing.T) {
	// GIVEN: A null column used in arithmetic
	// WHEN: Evaluating
	// THEN: A typed non_numeric_operand failure naming the column

	f, err := payroll.ParseFormula("Allowance * 2")
	require.NoError(t, err)

	_, evalErr := f.Eval(lookupFrom(map[string]payroll.Value{
		"Allowance": payroll.NullValue(),
	}))
	require.NotNil(t, evalErr)
	assert.Equal(t, "non_numeric_operand", evalErr.Code)
	assert.Contains(t, evalErr.Detail, "Allowance")
}

func TestFormula_UnknownColumn(t *testing.T) {
	f, err := payroll.ParseFormula("Missing + 1")
	require.NoError(t, err)

	_, evalErr := f.Eval(lookupFrom(nil))
	require.NotNil(t, evalErr)
	assert.Equal(t, "unknown_column", evalErr.Code)
}

// =============================================================================
// PARSE ERRORS
// =============================================================================

func TestFormula_ParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"1 +",
		"[Unterminated",
		"[]",
		"(1 + 2",
		"1 2",
		"1 @ 2",
	} {
		_, err := payroll.ParseFormula(expr)
		assert.Error(t, err, "expected parse failure for %q", expr)
	}
}
