/*
formula.go - Formula expression parsing and evaluation

PURPOSE:
  Implements the small arithmetic language formula columns are written in.
  Expressions are parsed once (at configuration-save time, for validation)
  and evaluated per employee against the partially built row.

LANGUAGE:
  Operands:
    123, 0.075            numeric literals (decimal, not float)
    Basic, Overtime_Pay   bare column references
    [Basic Salary]        bracketed references for headers with spaces

  Operators:  + - * / %  and parentheses, with the usual precedence.

  Functions:  ROUND(x, places), MIN(a, b), MAX(a, b), ABS(x)

SEMANTICS:
  All arithmetic is decimal.Decimal. Division by zero and non-numeric
  operands (a null or text column used in arithmetic) produce an EvalError
  with a stable code; the evaluator turns that into a null cell plus a
  ColumnWarning - the failure is scoped to the column, never to the record.

PARSING:
  Hand-written recursive descent. Two stages:
    tokenize() -> []token
    Parser.parseExpr() -> node tree

EXAMPLE:
  expr, err := payroll.ParseFormula("([Basic Salary] + Overtime) * 0.12")
  refs := expr.References()          // ["Basic Salary", "Overtime"]
  val, evalErr := expr.Eval(lookup)  // decimal result or typed failure

SEE ALSO:
  - column.go: References() used for the earlier-columns-only check
  - evaluate.go: Eval() driven during the linear pass
*/
package payroll

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVAL ERRORS - Typed, column-scoped failures
// =============================================================================

// EvalError is a typed evaluation failure. It is converted into a null cell
// and a ColumnWarning by the evaluator; it never escalates past the column.
type EvalError struct {
	Code   string // "division_by_zero", "non_numeric_operand", "unknown_column", "modulo_by_zero"
	Detail string
}

func (e *EvalError) Error() string { return e.Code + ": " + e.Detail }

// =============================================================================
// TOKENIZER
// =============================================================================

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp    // + - * / %
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/' || c == '%':
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c == '[':
			end := strings.IndexByte(input[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated [ at position %d", i)
			}
			header := strings.TrimSpace(input[i+1 : i+end])
			if header == "" {
				return nil, fmt.Errorf("empty column reference at position %d", i)
			}
			toks = append(toks, token{tokIdent, header, i})
			i += end + 1
		case c >= '0' && c <= '9':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, input[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, input[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// =============================================================================
// AST
// =============================================================================

type node interface {
	eval(lookup LookupFunc) (decimal.Decimal, *EvalError)
	collectRefs(refs map[string]bool)
}

// LookupFunc resolves a column header to its already-computed value.
type LookupFunc func(header string) (Value, bool)

type numberNode struct{ value decimal.Decimal }

func (n *numberNode) eval(LookupFunc) (decimal.Decimal, *EvalError) { return n.value, nil }
func (n *numberNode) collectRefs(map[string]bool)                   {}

type refNode struct{ header string }

func (n *refNode) eval(lookup LookupFunc) (decimal.Decimal, *EvalError) {
	v, ok := lookup(n.header)
	if !ok {
		return decimal.Zero, &EvalError{Code: "unknown_column", Detail: n.header}
	}
	num, ok := v.AsNumber()
	if !ok {
		return decimal.Zero, &EvalError{
			Code:   "non_numeric_operand",
			Detail: fmt.Sprintf("column %q is %s", n.header, v.Kind),
		}
	}
	return num, nil
}

func (n *refNode) collectRefs(refs map[string]bool) { refs[n.header] = true }

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(lookup LookupFunc) (decimal.Decimal, *EvalError) {
	l, err := n.left.eval(lookup)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.right.eval(lookup)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case "+":
		return l.Add(r), nil
	case "-":
		return l.Sub(r), nil
	case "*":
		return l.Mul(r), nil
	case "/":
		if r.IsZero() {
			return decimal.Zero, &EvalError{Code: "division_by_zero", Detail: "divisor is zero"}
		}
		return l.Div(r), nil
	case "%":
		if r.IsZero() {
			return decimal.Zero, &EvalError{Code: "modulo_by_zero", Detail: "divisor is zero"}
		}
		return l.Mod(r), nil
	}
	return decimal.Zero, &EvalError{Code: "unknown_operator", Detail: n.op}
}

func (n *binaryNode) collectRefs(refs map[string]bool) {
	n.left.collectRefs(refs)
	n.right.collectRefs(refs)
}

type negateNode struct{ inner node }

func (n *negateNode) eval(lookup LookupFunc) (decimal.Decimal, *EvalError) {
	v, err := n.inner.eval(lookup)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

func (n *negateNode) collectRefs(refs map[string]bool) { n.inner.collectRefs(refs) }

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(lookup LookupFunc) (decimal.Decimal, *EvalError) {
	vals := make([]decimal.Decimal, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(lookup)
		if err != nil {
			return decimal.Zero, err
		}
		vals[i] = v
	}
	switch n.name {
	case "ROUND":
		return vals[0].Round(int32(vals[1].IntPart())), nil
	case "MIN":
		if vals[0].LessThan(vals[1]) {
			return vals[0], nil
		}
		return vals[1], nil
	case "MAX":
		if vals[0].GreaterThan(vals[1]) {
			return vals[0], nil
		}
		return vals[1], nil
	case "ABS":
		return vals[0].Abs(), nil
	}
	return decimal.Zero, &EvalError{Code: "unknown_function", Detail: n.name}
}

func (n *callNode) collectRefs(refs map[string]bool) {
	for _, arg := range n.args {
		arg.collectRefs(refs)
	}
}

// arity of the supported functions; checked at parse time.
var functions = map[string]int{
	"ROUND": 2,
	"MIN":   2,
	"MAX":   2,
	"ABS":   1,
}

// =============================================================================
// PARSER - Recursive descent
// =============================================================================

// Formula is a parsed, reusable expression.
type Formula struct {
	source string
	root   node
}

// ParseFormula parses an expression. Parsing failures are configuration
// errors; they surface at save time via ColumnSet.Validate.
func ParseFormula(input string) (*Formula, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return &Formula{source: input, root: root}, nil
}

// Source returns the original expression text.
func (f *Formula) Source() string { return f.source }

// References returns the distinct column headers the formula reads,
// in first-appearance order of the sorted set.
func (f *Formula) References() []string {
	set := make(map[string]bool)
	f.root.collectRefs(set)
	refs := make([]string, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	// Deterministic order for error messages.
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j] < refs[j-1]; j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
	return refs
}

// Eval evaluates the formula against already-computed columns.
func (f *Formula) Eval(lookup LookupFunc) (decimal.Decimal, *EvalError) {
	return f.root.eval(lookup)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

// term := unary (('*'|'/'|'%') unary)*
func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/" || p.peek().text == "%") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

// unary := '-' unary | primary
func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokOp && p.peek().text == "-" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negateNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

// primary := NUMBER | IDENT | IDENT '(' args ')' | '(' expr ')'
func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return &numberNode{value: d}, nil

	case tokIdent:
		arity, isFunc := functions[strings.ToUpper(t.text)]
		if isFunc && p.peek().kind == tokLParen {
			p.next() // consume '('
			var args []node
			for {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			if len(args) != arity {
				return nil, fmt.Errorf("%s expects %d arguments, got %d", strings.ToUpper(t.text), arity, len(args))
			}
			return &callNode{name: strings.ToUpper(t.text), args: args}, nil
		}
		return &refNode{header: t.text}, nil

	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil

	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}
