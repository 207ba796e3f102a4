package types

import (
	"fmt"
	"strings"
)

// Op is a comparison operator in a WHERE atom.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
)

// String returns the SQL spelling of the operator.
func (op Op) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpIn:
		return "IN"
	default:
		return "?"
	}
}

// ParseOp parses an operator from its SQL spelling.
func ParseOp(s string) (Op, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "=", "==":
		return OpEq, nil
	case "!=", "<>":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	case "IN":
		return OpIn, nil
	default:
		return OpEq, fmt.Errorf("unknown operator %q", s)
	}
}

// Predicate is a top-level ANDed WHERE atom of the form
// `qualifier.column OP literal`. Atoms with unsupported shapes (function
// calls, OR, subqueries) never become Predicates; they stay residual in
// the analytical runtime.
type Predicate struct {
	// Qualifier is the FROM binding alias the atom names; empty when the
	// column was written unqualified.
	Qualifier string
	Column    string
	Op        Op

	// Value holds the literal for scalar operators; Values holds the
	// literal list for IN.
	Value  any
	Values []any
}

func (p Predicate) String() string {
	col := p.Column
	if p.Qualifier != "" {
		col = p.Qualifier + "." + p.Column
	}
	if p.Op == OpIn {
		parts := make([]string, len(p.Values))
		for i, v := range p.Values {
			parts[i] = fmt.Sprintf("%v", v)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %v", col, p.Op, p.Value)
}

// PushedFilter is one entry of a fetch node's pushed_filters mapping.
type PushedFilter struct {
	Op     Op
	Value  any
	Values []any
}
