// Package plan turns an analyzed query into fetch nodes and groups them
// into waves of mutually independent fetches.
package plan

import (
	"sort"

	"github.com/omnisql/omnisql/internal/analyze"
	"github.com/omnisql/omnisql/internal/types"
)

// FetchNode is one unit of source IO: fetch Table from Source with
// Filters pushed server-side, keeping Columns.
type FetchNode struct {
	// Qualifier is the alias the query binds this node to; View is the
	// name the node's rowset is registered under in the analytical
	// runtime (source_table).
	Qualifier string
	View      string

	Source string
	Table  string
	Desc   types.TableDescriptor

	// Filters maps column name to the pushed comparison. Only predicates
	// the analyzer classified as pushable for this binding appear here.
	Filters map[string]types.PushedFilter

	// Columns is the projection the analytical runtime needs: every
	// column the query references on this binding, in schema order. A
	// SELECT * keeps the full schema.
	Columns []string

	// DependsOn lists node indices that must complete first. Empty today;
	// the wave machinery exists so dependent fetches can be added without
	// touching the executor.
	DependsOn []int

	// Outer marks nodes on the optional side of an outer join. Their
	// fetch failures are still fatal; the flag only feeds diagnostics.
	Outer bool
}

// Plan is the ordered set of fetch nodes for one query plus the residual
// SQL the analytical runtime evaluates over the fetched views.
type Plan struct {
	Nodes       []FetchNode
	RewrittenSQL string
	HasResidual bool
}

// Build produces one fetch node per FROM binding, populating pushed
// filters from the pushable predicates and pruning each node's columns
// to the set the query actually references.
func Build(a *analyze.Analysis) (*Plan, error) {
	p := &Plan{
		RewrittenSQL: a.RewrittenSQL,
		HasResidual:  a.HasResidual,
	}

	for idx, b := range a.Bindings {
		node := FetchNode{
			Qualifier: b.Qualifier,
			View:      b.View,
			Source:    b.Source,
			Table:     b.Table,
			Desc:      b.Desc,
			Filters:   map[string]types.PushedFilter{},
			Outer:     b.Outer,
		}

		for _, bp := range a.Predicates {
			if bp.Binding != idx || !bp.Pushable {
				continue
			}
			if _, dup := node.Filters[bp.Predicate.Column]; dup {
				// Two pushable atoms on the same column (e.g. a range
				// pair) would need filter merging the sources cannot
				// express; keep the first and let the runtime re-check.
				continue
			}
			node.Filters[bp.Predicate.Column] = types.PushedFilter{
				Op:     bp.Predicate.Op,
				Value:  bp.Predicate.Value,
				Values: bp.Predicate.Values,
			}
		}

		node.Columns = projectColumns(b.Desc, a.Columns[idx], a.Star[idx])
		if len(node.Columns) == 0 {
			return nil, types.Planf("no columns of %s.%s are referenced", b.Source, b.Table)
		}

		p.Nodes = append(p.Nodes, node)
	}
	return p, nil
}

// projectColumns prunes the descriptor's schema to the referenced set,
// preserving schema order so registered views are stable. A star
// reference keeps everything.
func projectColumns(desc types.TableDescriptor, referenced map[string]bool, star bool) []string {
	var out []string
	for _, c := range desc.Columns {
		if star || referenced[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

// Waves groups node indices into execution waves: every node in a wave
// has all its dependencies satisfied by earlier waves. With no
// dependencies declared all nodes land in a single wave. A dependency
// cycle is a plan failure.
func (p *Plan) Waves() ([][]int, error) {
	indegree := make([]int, len(p.Nodes))
	dependents := make(map[int][]int)
	for i, n := range p.Nodes {
		for _, dep := range n.DependsOn {
			if dep < 0 || dep >= len(p.Nodes) || dep == i {
				return nil, types.Planf("fetch node %d has invalid dependency %d", i, dep)
			}
			indegree[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var ready []int
	for i := range p.Nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var waves [][]int
	placed := 0
	for len(ready) > 0 {
		sort.Ints(ready)
		wave := ready
		ready = nil
		for _, i := range wave {
			placed++
			for _, next := range dependents[i] {
				indegree[next]--
				if indegree[next] == 0 {
					ready = append(ready, next)
				}
			}
		}
		waves = append(waves, wave)
	}
	if placed != len(p.Nodes) {
		return nil, types.Planf("fetch dependency cycle among %d nodes", len(p.Nodes)-placed)
	}
	return waves, nil
}

// Node returns the node registered under the given view name.
func (p *Plan) Node(view string) (*FetchNode, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].View == view {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}
