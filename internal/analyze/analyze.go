// Package analyze parses a federated SQL statement and classifies its
// predicates for pushdown. The output is consumed by the fetch planner.
//
// The analyzer resolves FROM bindings against the tenant's table catalog,
// assigns every top-level ANDed WHERE atom to the binding its qualifier
// names, and decides per atom whether the owning source can evaluate it
// server-side. Everything it cannot prove pushable stays residual and is
// re-evaluated by the analytical runtime after the join.
package analyze

import (
	"strconv"
	"strings"

	"github.com/dolthub/vitess/go/vt/sqlparser"

	"github.com/omnisql/omnisql/internal/types"
)

// Binding is one FROM clause entry: a qualifier (the alias or, absent one,
// the table name) mapped to a source table.
type Binding struct {
	Qualifier string // lowercased alias used in the query
	Source    string
	Table     string
	View      string // analytical runtime view name: source_table
	Desc      types.TableDescriptor

	// Outer is true when the binding is the nullable side of an outer
	// join. Reserved for partial-result policy; the base design fails
	// fast either way.
	Outer bool
}

// BoundPredicate is a WHERE atom assigned to a binding, with the pushdown
// verdict.
type BoundPredicate struct {
	Binding   int // index into Analysis.Bindings
	Predicate types.Predicate
	Pushable  bool
}

// Analysis is the analyzer's output.
type Analysis struct {
	Bindings   []Binding
	Predicates []BoundPredicate

	// Columns maps binding index to the set of columns the query
	// references for that binding: projections, predicates, ORDER BY,
	// GROUP BY, and join conditions.
	Columns map[int]map[string]bool

	// Star marks bindings covered by a star projection; their full
	// descriptor schema is required.
	Star map[int]bool

	// HasResidual is true when the WHERE clause contains anything beyond
	// the pushed atoms, so the runtime must re-filter.
	HasResidual bool

	// RewrittenSQL is the statement with source.table references replaced
	// by runtime view names.
	RewrittenSQL string
}

// Catalog resolves "source.table" names to table descriptors. The tenant
// registry provides one per query.
type Catalog interface {
	ResolveTable(source, table string) (types.TableDescriptor, bool)
}

// Analyze parses sql and produces the pushdown classification. All
// failures are PLAN_FAILED.
func Analyze(sql string, catalog Catalog) (*Analysis, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, types.Planf("parse error: %v", err)
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		switch stmt.(type) {
		case *sqlparser.SetOp:
			return nil, types.Planf("set operations across sources are not supported")
		case *sqlparser.Insert, *sqlparser.Update, *sqlparser.Delete:
			return nil, types.Planf("write statements are not supported")
		case *sqlparser.DDL:
			return nil, types.Planf("DDL statements are not supported")
		default:
			return nil, types.Planf("only SELECT statements are supported")
		}
	}

	a := &Analysis{
		Columns: make(map[int]map[string]bool),
		Star:    make(map[int]bool),
	}

	if err := a.collectBindings(sel.From, catalog, false); err != nil {
		return nil, err
	}
	if len(a.Bindings) == 0 {
		return nil, types.Planf("no recognized tables in query")
	}

	if err := a.rejectUnsupported(sel); err != nil {
		return nil, err
	}
	if err := a.validateQualifiers(sel); err != nil {
		return nil, err
	}

	if sel.Where != nil {
		if err := a.classifyWhere(sel.Where.Expr); err != nil {
			return nil, err
		}
	}

	a.collectColumns(sel)
	a.rewrite(sel)
	a.RewrittenSQL = sqlparser.String(sel)
	return a, nil
}

// bindingFor resolves a predicate or column qualifier to a binding index.
// The qualifier may be the alias, the bare table name, or the dotted
// source.table form.
func (a *Analysis) bindingFor(qualifier string) (int, bool) {
	q := strings.ToLower(qualifier)
	for i, b := range a.Bindings {
		if q == b.Qualifier || q == b.Source+"."+b.Table || q == b.View {
			return i, true
		}
	}
	return -1, false
}

func (a *Analysis) collectBindings(exprs sqlparser.TableExprs, catalog Catalog, outer bool) error {
	for _, expr := range exprs {
		if err := a.collectBinding(expr, catalog, outer); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analysis) collectBinding(expr sqlparser.TableExpr, catalog Catalog, outer bool) error {
	switch te := expr.(type) {
	case *sqlparser.AliasedTableExpr:
		tn, ok := te.Expr.(sqlparser.TableName)
		if !ok {
			return types.Planf("derived tables are not supported")
		}
		if tn.DbQualifier.IsEmpty() {
			return types.Planf("table %q must be qualified as source.table", tn.Name.String())
		}
		source := strings.ToLower(tn.DbQualifier.String())
		table := strings.ToLower(tn.Name.String())
		desc, found := catalog.ResolveTable(source, table)
		if !found {
			return types.Planf("unknown table %s.%s", source, table)
		}
		qualifier := table
		if !te.As.IsEmpty() {
			qualifier = strings.ToLower(te.As.String())
		}
		if _, dup := a.bindingFor(qualifier); dup {
			return types.Planf("duplicate table alias %q", qualifier)
		}
		a.Bindings = append(a.Bindings, Binding{
			Qualifier: qualifier,
			Source:    source,
			Table:     table,
			View:      source + "_" + table,
			Desc:      desc,
			Outer:     outer,
		})
		return nil

	case *sqlparser.JoinTableExpr:
		leftOuter := outer || te.Join == sqlparser.RightJoinStr
		rightOuter := outer || te.Join == sqlparser.LeftJoinStr
		if err := a.collectBinding(te.LeftExpr, catalog, leftOuter); err != nil {
			return err
		}
		return a.collectBinding(te.RightExpr, catalog, rightOuter)

	case *sqlparser.ParenTableExpr:
		return a.collectBindings(te.Exprs, catalog, outer)

	default:
		return types.Planf("unsupported FROM clause element %T", expr)
	}
}

// rejectUnsupported refuses constructs the pipeline cannot plan:
// subqueries in WHERE and window functions spanning more than one source.
func (a *Analysis) rejectUnsupported(sel *sqlparser.Select) error {
	var planErr error
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.Subquery:
			planErr = types.Planf("subqueries are not supported")
			return false, nil
		case *sqlparser.FuncExpr:
			if n.Over != nil && a.spansMultipleBindings(n) {
				planErr = types.Planf("window function %s references more than one source", n.Name.String())
				return false, nil
			}
		}
		return true, nil
	}, sel)
	return planErr
}

func (a *Analysis) spansMultipleBindings(node sqlparser.SQLNode) bool {
	seen := map[int]bool{}
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		if col, ok := n.(*sqlparser.ColName); ok {
			if q := qualifierOf(col); q != "" {
				if idx, found := a.bindingFor(q); found {
					seen[idx] = true
				}
			}
		}
		return true, nil
	}, node)
	return len(seen) > 1
}

// validateQualifiers rejects any column whose qualifier resolves to no
// FROM binding. This is the guard behind the anti-misrouting rule: a
// predicate naming an unknown alias is a plan failure, never a silent
// residual.
func (a *Analysis) validateQualifiers(sel *sqlparser.Select) error {
	var planErr error
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if col, ok := node.(*sqlparser.ColName); ok {
			if q := qualifierOf(col); q != "" {
				if _, found := a.bindingFor(q); !found {
					planErr = types.Planf("qualifier %q does not match any table in FROM", q)
					return false, nil
				}
			}
		}
		return true, nil
	}, sel)
	return planErr
}

// qualifierOf renders a column's table qualifier: "gh" for gh.status,
// "github.pull_requests" for a fully qualified reference, "" for a bare
// column.
func qualifierOf(col *sqlparser.ColName) string {
	if col.Qualifier.Name.IsEmpty() {
		return ""
	}
	if !col.Qualifier.DbQualifier.IsEmpty() {
		return strings.ToLower(col.Qualifier.DbQualifier.String()) + "." + strings.ToLower(col.Qualifier.Name.String())
	}
	return strings.ToLower(col.Qualifier.Name.String())
}

// classifyWhere splits the WHERE clause into top-level AND conjuncts and
// classifies each. A top-level OR keeps all its disjuncts residual.
func (a *Analysis) classifyWhere(expr sqlparser.Expr) error {
	for _, conjunct := range conjuncts(expr) {
		pred, idx, ok, err := a.extractAtom(conjunct)
		if err != nil {
			return err
		}
		if !ok {
			a.HasResidual = true
			continue
		}
		pushable := a.pushable(idx, pred)
		if !pushable {
			a.HasResidual = true
		}
		a.Predicates = append(a.Predicates, BoundPredicate{
			Binding:   idx,
			Predicate: pred,
			Pushable:  pushable,
		})
	}
	return nil
}

func conjuncts(expr sqlparser.Expr) []sqlparser.Expr {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		return append(conjuncts(e.Left), conjuncts(e.Right)...)
	case *sqlparser.ParenExpr:
		return conjuncts(e.Expr)
	default:
		return []sqlparser.Expr{expr}
	}
}

// extractAtom recognizes `qualifier.column OP literal` (either operand
// order). ok=false means the conjunct has an unsupported shape and stays
// residual; err is a plan failure (unresolvable qualifier).
func (a *Analysis) extractAtom(expr sqlparser.Expr) (types.Predicate, int, bool, error) {
	cmp, isCmp := expr.(*sqlparser.ComparisonExpr)
	if !isCmp {
		return types.Predicate{}, 0, false, nil
	}

	op, opOK := parseOperator(cmp.Operator)
	if !opOK {
		return types.Predicate{}, 0, false, nil
	}

	col, left := cmp.Left.(*sqlparser.ColName)
	if !left {
		// literal OP column: flip scalar comparisons; IN has no
		// reversed form.
		rcol, right := cmp.Right.(*sqlparser.ColName)
		if !right || op == types.OpIn {
			return types.Predicate{}, 0, false, nil
		}
		col = rcol
		op = flip(op)
		cmp = &sqlparser.ComparisonExpr{Operator: cmp.Operator, Left: cmp.Right, Right: cmp.Left}
	}

	pred := types.Predicate{
		Qualifier: qualifierOf(col),
		Column:    col.Name.Lowered(),
		Op:        op,
	}

	if op == types.OpIn {
		tuple, isTuple := cmp.Right.(sqlparser.ValTuple)
		if !isTuple {
			return types.Predicate{}, 0, false, nil
		}
		for _, item := range tuple {
			v, isLit := literalValue(item)
			if !isLit {
				return types.Predicate{}, 0, false, nil
			}
			pred.Values = append(pred.Values, v)
		}
	} else {
		v, isLit := literalValue(cmp.Right)
		if !isLit {
			return types.Predicate{}, 0, false, nil
		}
		pred.Value = v
	}

	idx, err := a.owner(pred.Qualifier)
	if err != nil {
		return types.Predicate{}, 0, false, err
	}
	if idx < 0 {
		// Unqualified column in a multi-table query: leave it residual
		// rather than guess an owner.
		return types.Predicate{}, 0, false, nil
	}
	return pred, idx, true, nil
}

// owner resolves an atom's qualifier to its binding. An empty qualifier
// resolves to the sole binding of a single-table query and to no binding
// (-1) otherwise. A qualifier naming no binding is a plan failure.
func (a *Analysis) owner(qualifier string) (int, error) {
	if qualifier == "" {
		if len(a.Bindings) == 1 {
			return 0, nil
		}
		return -1, nil
	}
	idx, found := a.bindingFor(qualifier)
	if !found {
		return -1, types.Planf("qualifier %q does not match any table in FROM", qualifier)
	}
	return idx, nil
}

// pushable applies the capability checks: the operator must be acceptable
// to the source, the column must be in the table's pushable_filters, and
// the literal's type must match the column's semantic type.
func (a *Analysis) pushable(binding int, pred types.Predicate) bool {
	desc := a.Bindings[binding].Desc
	if !desc.PushableOp(pred.Op) {
		return false
	}
	if !desc.Pushable(pred.Column) {
		return false
	}
	colType, known := desc.ColumnType(pred.Column)
	if !known {
		return false
	}
	if pred.Op == types.OpIn {
		for _, v := range pred.Values {
			if !literalMatches(colType, v) {
				return false
			}
		}
		return true
	}
	return literalMatches(colType, pred.Value)
}

func literalMatches(t types.ColumnType, v any) bool {
	switch v.(type) {
	case string:
		return t == types.TypeString || t == types.TypeTime
	case int64:
		return t == types.TypeInt || t == types.TypeFloat
	case float64:
		return t == types.TypeFloat
	case bool:
		return t == types.TypeBool
	default:
		return false
	}
}

func parseOperator(op string) (types.Op, bool) {
	switch op {
	case sqlparser.EqualStr:
		return types.OpEq, true
	case sqlparser.NotEqualStr:
		return types.OpNe, true
	case sqlparser.LessThanStr:
		return types.OpLt, true
	case sqlparser.LessEqualStr:
		return types.OpLe, true
	case sqlparser.GreaterThanStr:
		return types.OpGt, true
	case sqlparser.GreaterEqualStr:
		return types.OpGe, true
	case sqlparser.InStr:
		return types.OpIn, true
	default:
		return types.OpEq, false
	}
}

func flip(op types.Op) types.Op {
	switch op {
	case types.OpLt:
		return types.OpGt
	case types.OpLe:
		return types.OpGe
	case types.OpGt:
		return types.OpLt
	case types.OpGe:
		return types.OpLe
	default:
		return op
	}
}

func literalValue(expr sqlparser.Expr) (any, bool) {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.StrVal:
			return string(v.Val), true
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(v.Val), 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(v.Val), 64)
			if err != nil {
				return nil, false
			}
			return f, true
		default:
			return nil, false
		}
	case sqlparser.BoolVal:
		return bool(v), true
	case *sqlparser.NullVal:
		return nil, false // IS NULL has its own shape; OP NULL stays residual
	default:
		return nil, false
	}
}

// collectColumns gathers, per binding, every column the query references.
// Unqualified columns in multi-table queries are attributed to every
// binding whose descriptor declares the column, a safe over-approximation
// for projection pruning.
func (a *Analysis) collectColumns(sel *sqlparser.Select) {
	for i := range a.Bindings {
		a.Columns[i] = make(map[string]bool)
	}

	addColumn := func(col *sqlparser.ColName) {
		name := col.Name.Lowered()
		if q := qualifierOf(col); q != "" {
			if idx, found := a.bindingFor(q); found {
				a.Columns[idx][name] = true
			}
			return
		}
		if len(a.Bindings) == 1 {
			a.Columns[0][name] = true
			return
		}
		for i, b := range a.Bindings {
			if _, owns := b.Desc.ColumnType(name); owns {
				a.Columns[i][name] = true
			}
		}
	}

	for _, se := range sel.SelectExprs {
		if star, isStar := se.(*sqlparser.StarExpr); isStar {
			if star.TableName.Name.IsEmpty() {
				for i := range a.Bindings {
					a.Star[i] = true
				}
			} else if idx, found := a.bindingFor(qualifierOfTable(star.TableName)); found {
				a.Star[idx] = true
			}
		}
	}

	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if col, ok := node.(*sqlparser.ColName); ok {
			addColumn(col)
		}
		return true, nil
	}, sel)
}

func qualifierOfTable(tn sqlparser.TableName) string {
	if !tn.DbQualifier.IsEmpty() {
		return strings.ToLower(tn.DbQualifier.String()) + "." + strings.ToLower(tn.Name.String())
	}
	return strings.ToLower(tn.Name.String())
}

// rewrite replaces source.table references with runtime view names, in
// both the FROM clause and any fully qualified column references, so the
// statement can run unchanged against the registered views.
func (a *Analysis) rewrite(sel *sqlparser.Select) {
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.AliasedTableExpr:
			tn, ok := n.Expr.(sqlparser.TableName)
			if !ok {
				return true, nil
			}
			idx, found := a.bindingFor(qualifierOfTable(tn))
			if !found {
				return true, nil
			}
			b := a.Bindings[idx]
			n.Expr = sqlparser.TableName{Name: sqlparser.NewTableIdent(b.View)}
			if n.As.IsEmpty() && b.Qualifier != b.View {
				n.As = sqlparser.NewTableIdent(b.Qualifier)
			}
		case *sqlparser.ColName:
			if n.Qualifier.Name.IsEmpty() {
				return true, nil
			}
			q := qualifierOfTable(n.Qualifier)
			idx, found := a.bindingFor(q)
			if !found {
				return true, nil
			}
			b := a.Bindings[idx]
			// Alias references stay; dotted or bare-table references
			// must follow the view rename.
			if q != b.Qualifier {
				n.Qualifier = sqlparser.TableName{Name: sqlparser.NewTableIdent(b.Qualifier)}
			}
		}
		return true, nil
	}, sel)
}

// CatalogFunc adapts a lookup function to the Catalog interface.
type CatalogFunc func(source, table string) (types.TableDescriptor, bool)

// ResolveTable implements Catalog.
func (f CatalogFunc) ResolveTable(source, table string) (types.TableDescriptor, bool) {
	return f(source, table)
}

// MapCatalog is a Catalog over a map keyed by "source.table". Used by
// tests and by the tenant registry's resolved view of a tenant.
type MapCatalog map[string]types.TableDescriptor

// ResolveTable implements Catalog.
func (m MapCatalog) ResolveTable(source, table string) (types.TableDescriptor, bool) {
	td, ok := m[source+"."+table]
	return td, ok
}
