// Package prune holds the predicate model and the file pruning index. A
// predicate filters the rows a query wants; the pruner uses partition
// values, per-column min/max statistics, and membership digests to discard
// files that cannot contain a matching row. Pruning is purely an
// optimization: its output is always a superset of the files that hold
// matching rows, and anything it cannot decide it keeps.
package prune

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/pkg/types"
)

// Comparison operators accepted in predicates.
const (
	OpEq = "="
	OpNe = "!="
	OpLt = "<"
	OpLe = "<="
	OpGt = ">"
	OpGe = ">="
)

// Expr is a predicate expression over a table's columns.
type Expr interface {
	exprNode()
	String() string
}

// And is the conjunction of two predicates.
type And struct {
	Left, Right Expr
}

// Or is the disjunction of two predicates.
type Or struct {
	Left, Right Expr
}

// Not negates a predicate.
type Not struct {
	Operand Expr
}

// Compare tests a column against a literal with one of the comparison
// operators.
type Compare struct {
	Column string
	Op     string
	Value  interface{}
}

// In tests whether a column's value is (or is not) in a literal set.
type In struct {
	Column string
	Values []interface{}
	Not    bool
}

// Between tests whether a column's value lies inside (or outside) an
// inclusive range.
type Between struct {
	Column    string
	Low, High interface{}
	Not       bool
}

// IsNull tests whether a column's value is (or is not) null.
type IsNull struct {
	Column string
	Not    bool
}

func (*And) exprNode()     {}
func (*Or) exprNode()      {}
func (*Not) exprNode()     {}
func (*Compare) exprNode() {}
func (*In) exprNode()      {}
func (*Between) exprNode() {}
func (*IsNull) exprNode()  {}

func (e *And) String() string {
	return fmt.Sprintf("(%s AND %s)", e.Left.String(), e.Right.String())
}

func (e *Or) String() string {
	return fmt.Sprintf("(%s OR %s)", e.Left.String(), e.Right.String())
}

func (e *Not) String() string {
	return fmt.Sprintf("NOT %s", e.Operand.String())
}

func (e *Compare) String() string {
	return fmt.Sprintf("%s %s %s", e.Column, e.Op, literalString(e.Value))
}

func (e *In) String() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = literalString(v)
	}
	op := "IN"
	if e.Not {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", e.Column, op, strings.Join(vals, ", "))
}

func (e *Between) String() string {
	op := "BETWEEN"
	if e.Not {
		op = "NOT BETWEEN"
	}
	return fmt.Sprintf("%s %s %s AND %s", e.Column, op, literalString(e.Low), literalString(e.High))
}

func (e *IsNull) String() string {
	if e.Not {
		return fmt.Sprintf("%s IS NOT NULL", e.Column)
	}
	return fmt.Sprintf("%s IS NULL", e.Column)
}

// literalString renders a literal in predicate syntax.
func literalString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Bind resolves every column reference in the expression against the
// schema and coerces each literal to its column's type. The result is a
// new tree; the input is not modified. Unknown columns and uncoercible
// literals fail with INVALID_PREDICATE. A nil expression binds to nil.
func Bind(e Expr, schema *types.Schema) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	switch x := e.(type) {
	case *And:
		l, err := Bind(x.Left, schema)
		if err != nil {
			return nil, err
		}
		r, err := Bind(x.Right, schema)
		if err != nil {
			return nil, err
		}
		return &And{Left: l, Right: r}, nil
	case *Or:
		l, err := Bind(x.Left, schema)
		if err != nil {
			return nil, err
		}
		r, err := Bind(x.Right, schema)
		if err != nil {
			return nil, err
		}
		return &Or{Left: l, Right: r}, nil
	case *Not:
		op, err := Bind(x.Operand, schema)
		if err != nil {
			return nil, err
		}
		return &Not{Operand: op}, nil
	case *Compare:
		col, err := bindColumn(x.Column, schema)
		if err != nil {
			return nil, err
		}
		v, err := bindLiteral(x.Value, col)
		if err != nil {
			return nil, err
		}
		return &Compare{Column: x.Column, Op: x.Op, Value: v}, nil
	case *In:
		col, err := bindColumn(x.Column, schema)
		if err != nil {
			return nil, err
		}
		vals := make([]interface{}, len(x.Values))
		for i, v := range x.Values {
			bound, err := bindLiteral(v, col)
			if err != nil {
				return nil, err
			}
			vals[i] = bound
		}
		return &In{Column: x.Column, Values: vals, Not: x.Not}, nil
	case *Between:
		col, err := bindColumn(x.Column, schema)
		if err != nil {
			return nil, err
		}
		low, err := bindLiteral(x.Low, col)
		if err != nil {
			return nil, err
		}
		high, err := bindLiteral(x.High, col)
		if err != nil {
			return nil, err
		}
		return &Between{Column: x.Column, Low: low, High: high, Not: x.Not}, nil
	case *IsNull:
		if _, err := bindColumn(x.Column, schema); err != nil {
			return nil, err
		}
		return &IsNull{Column: x.Column, Not: x.Not}, nil
	default:
		return nil, errors.Newf(errors.ErrCategoryQuery, errors.CodeInvalidPredicate,
			"predicate: unsupported expression %T", e)
	}
}

func bindColumn(name string, schema *types.Schema) (types.ColumnDef, error) {
	col, ok := schema.Column(name)
	if !ok {
		return types.ColumnDef{}, errors.Newf(errors.ErrCategoryQuery, errors.CodeInvalidPredicate,
			"predicate: unknown column %q", name)
	}
	return col, nil
}

func bindLiteral(v interface{}, col types.ColumnDef) (interface{}, error) {
	norm, err := types.Normalize(v, col.Type)
	if err != nil {
		return nil, errors.Newf(errors.ErrCategoryQuery, errors.CodeInvalidPredicate,
			"predicate: %v for column %q", err, col.Name)
	}
	return norm, nil
}

// Columns returns the distinct column names referenced by the expression,
// in first-appearance order.
func Columns(e Expr) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case *And:
			walk(x.Left)
			walk(x.Right)
		case *Or:
			walk(x.Left)
			walk(x.Right)
		case *Not:
			walk(x.Operand)
		case *Compare:
			add(x.Column)
		case *In:
			add(x.Column)
		case *Between:
			add(x.Column)
		case *IsNull:
			add(x.Column)
		}
	}
	if e != nil {
		walk(e)
	}
	return out
}

// normalizeNot rewrites the tree so that no Not node remains: negation is
// pushed through AND/OR by De Morgan's laws and folded into the leaves.
// Pruning needs this because "might match" reasoning cannot be negated
// soundly, while a negated leaf still prunes exactly.
func normalizeNot(e Expr, negate bool) Expr {
	switch x := e.(type) {
	case *And:
		if negate {
			return &Or{Left: normalizeNot(x.Left, true), Right: normalizeNot(x.Right, true)}
		}
		return &And{Left: normalizeNot(x.Left, false), Right: normalizeNot(x.Right, false)}
	case *Or:
		if negate {
			return &And{Left: normalizeNot(x.Left, true), Right: normalizeNot(x.Right, true)}
		}
		return &Or{Left: normalizeNot(x.Left, false), Right: normalizeNot(x.Right, false)}
	case *Not:
		return normalizeNot(x.Operand, !negate)
	case *Compare:
		if negate {
			return &Compare{Column: x.Column, Op: negateOp(x.Op), Value: x.Value}
		}
		return x
	case *In:
		if negate {
			return &In{Column: x.Column, Values: x.Values, Not: !x.Not}
		}
		return x
	case *Between:
		if negate {
			return &Between{Column: x.Column, Low: x.Low, High: x.High, Not: !x.Not}
		}
		return x
	case *IsNull:
		if negate {
			return &IsNull{Column: x.Column, Not: !x.Not}
		}
		return x
	default:
		return e
	}
}

func negateOp(op string) string {
	switch op {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	case OpGe:
		return OpLt
	}
	return op
}
