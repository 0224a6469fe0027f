package frame

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// rowExpr is a govaluate expression whose variables are frame columns.
// Columns with spaces or symbols are written in brackets: [unit price] * qty.
// String literals use single quotes: city == 'Paris'.
type rowExpr struct {
	src  string
	expr *govaluate.EvaluableExpression
	vars map[string]int
}

func (f *Frame) compile(src string) (*rowExpr, error) {
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", src, err)
	}
	vars := make(map[string]int)
	for _, name := range expr.Vars() {
		c, err := f.mustColumn(name)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", src, err)
		}
		vars[name] = c
	}
	return &rowExpr{src: src, expr: expr, vars: vars}, nil
}

func (e *rowExpr) eval(f *Frame, row int) (interface{}, error) {
	params := make(map[string]interface{}, len(e.vars))
	for name, c := range e.vars {
		params[name] = f.value(row, c)
	}
	return e.expr.Evaluate(params)
}

// match evaluates a boolean expression for one row.
func (e *rowExpr) match(f *Frame, row int) (bool, error) {
	out, err := e.eval(f, row)
	if err != nil {
		return false, fmt.Errorf("evaluate %q on row %d: %w", e.src, row, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("where %q must be a boolean expression, got %v", e.src, out)
	}
	return b, nil
}

// number evaluates an arithmetic expression for one row. Rows where an
// operand is null produce NaN.
func (e *rowExpr) number(f *Frame, row int) (float64, error) {
	out, err := e.eval(f, row)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q on row %d: %w", e.src, row, err)
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression %q must be numeric, got %v", e.src, out)
	}
}

// value is the typed cell handed to govaluate.
func (f *Frame) value(row, c int) interface{} {
	switch f.Columns[c].Kind {
	case KindNumber:
		if v, ok := f.Number(row, c); ok {
			return v
		}
		return math.NaN()
	case KindBool:
		b, _ := parseBool(f.Cell(row, c))
		return b
	case KindDate:
		// govaluate turns date literals into unix seconds
		if t, ok := parseDate(f.Cell(row, c)); ok {
			return float64(t.Unix())
		}
		return math.NaN()
	default:
		return f.Cell(row, c)
	}
}
