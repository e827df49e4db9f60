package prune

import (
	"github.com/arkilian/tidelake/pkg/types"
)

// tri is a Kleene three-valued truth value. The integer encoding makes
// AND = min and OR = max.
type tri int

const (
	triFalse   tri = -1
	triUnknown tri = 0
	triTrue    tri = 1
)

// Evaluator applies a bound predicate to individual rows with SQL null
// semantics: a comparison against null is unknown, and only definitely
// true rows match. It is the ground truth the pruner's file-level
// reasoning must stay a superset of.
type Evaluator struct {
	colTypes map[string]types.ColumnType
}

// NewEvaluator builds an evaluator for rows of the given schema.
func NewEvaluator(schema *types.Schema) *Evaluator {
	colTypes := make(map[string]types.ColumnType, len(schema.Columns))
	for _, col := range schema.Columns {
		colTypes[col.Name] = col.Type
	}
	return &Evaluator{colTypes: colTypes}
}

// Matches reports whether the row definitely satisfies the predicate.
// A nil predicate matches every row.
func (ev *Evaluator) Matches(e Expr, row types.Row) bool {
	if e == nil {
		return true
	}
	return ev.eval(e, row) == triTrue
}

func (ev *Evaluator) eval(e Expr, row types.Row) tri {
	switch x := e.(type) {
	case *And:
		l, r := ev.eval(x.Left, row), ev.eval(x.Right, row)
		if l < r {
			return l
		}
		return r
	case *Or:
		l, r := ev.eval(x.Left, row), ev.eval(x.Right, row)
		if l > r {
			return l
		}
		return r
	case *Not:
		return -ev.eval(x.Operand, row)
	case *Compare:
		return ev.evalCompare(x, row)
	case *In:
		return ev.evalIn(x, row)
	case *Between:
		return ev.evalBetween(x, row)
	case *IsNull:
		return ev.evalIsNull(x, row)
	default:
		return triUnknown
	}
}

// columnValue returns the row's normalized value for the column, or nil
// for null/missing. The ok result is false when the value exists but does
// not fit the column type; such rows compare as unknown.
func (ev *Evaluator) columnValue(column string, row types.Row) (interface{}, bool) {
	t, known := ev.colTypes[column]
	if !known {
		return nil, false
	}
	v, present := row[column]
	if !present || v == nil {
		return nil, true
	}
	norm, err := types.Normalize(v, t)
	if err != nil {
		return nil, false
	}
	return norm, true
}

func (ev *Evaluator) evalCompare(e *Compare, row types.Row) tri {
	v, ok := ev.columnValue(e.Column, row)
	if !ok {
		return triUnknown
	}
	if v == nil {
		return triUnknown
	}
	cmp, err := types.Compare(v, e.Value, ev.colTypes[e.Column])
	if err != nil {
		return triUnknown
	}
	return boolTri(opHolds(e.Op, cmp))
}

func (ev *Evaluator) evalIn(e *In, row types.Row) tri {
	v, ok := ev.columnValue(e.Column, row)
	if !ok {
		return triUnknown
	}
	if v == nil {
		return triUnknown
	}
	t := ev.colTypes[e.Column]
	for _, candidate := range e.Values {
		cmp, err := types.Compare(v, candidate, t)
		if err != nil {
			return triUnknown
		}
		if cmp == 0 {
			return boolTri(!e.Not)
		}
	}
	return boolTri(e.Not)
}

func (ev *Evaluator) evalBetween(e *Between, row types.Row) tri {
	v, ok := ev.columnValue(e.Column, row)
	if !ok {
		return triUnknown
	}
	if v == nil {
		return triUnknown
	}
	t := ev.colTypes[e.Column]
	cmpLow, err := types.Compare(v, e.Low, t)
	if err != nil {
		return triUnknown
	}
	cmpHigh, err := types.Compare(v, e.High, t)
	if err != nil {
		return triUnknown
	}
	inside := cmpLow >= 0 && cmpHigh <= 0
	return boolTri(inside != e.Not)
}

func (ev *Evaluator) evalIsNull(e *IsNull, row types.Row) tri {
	v, ok := ev.columnValue(e.Column, row)
	if !ok {
		return triUnknown
	}
	return boolTri((v == nil) != e.Not)
}

func boolTri(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

// opHolds reports whether a comparison result satisfies the operator,
// where cmp is the three-way comparison of the column value against the
// literal.
func opHolds(op string, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}
