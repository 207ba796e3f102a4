// Package security applies row-level and column-level rules to fetched
// rowsets before they reach the analytical runtime. Row rules drop rows,
// column rules transform or remove columns; a rule that cannot be
// evaluated denies (fail-closed).
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/omnisql/omnisql/internal/types"
)

// RowRule keeps a row iff `column OP rhs` holds, where rhs is either a
// literal or an attribute of the querying principal.
type RowRule struct {
	Column string
	Op     types.Op // OpEq or OpNe

	// Ref names a principal attribute ("team_id", "role", ...). When
	// empty, Value is compared as a literal.
	Ref   string
	Value string

	// Fold compares case-insensitively (the `lower(col)` rule form).
	Fold bool
}

// Action is what a column rule does to a column.
type Action int

const (
	ActionHash Action = iota
	ActionRedact
	ActionBlock
)

const redactedSentinel = "REDACTED"

// ColumnRule transforms one column of every surviving row. ActionBlock
// removes the column from the schema entirely; ActionRedact replaces
// values with a sentinel; ActionHash replaces string values with a hex
// digest prefix plus a literal suffix.
type ColumnRule struct {
	Column string
	Action Action

	// HashPrefixLen and HashSuffix parameterize ActionHash. A zero
	// prefix length defaults to 8.
	HashPrefixLen int
	HashSuffix    string

	// Unless names a capability that exempts the principal from this
	// rule ("pii_access" on an email-masking rule).
	Unless string
}

// RuleSet is the resolved policy for one (tenant, source) pair.
type RuleSet struct {
	RowRules    []RowRule
	ColumnRules []ColumnRule
}

// Empty reports whether the set constrains nothing.
func (rs RuleSet) Empty() bool {
	return len(rs.RowRules) == 0 && len(rs.ColumnRules) == 0
}

// BlockedColumns returns the columns ActionBlock removes for this
// principal. The planner's required projection is checked against this
// set to decide entitlement denial.
func (rs RuleSet) BlockedColumns(p types.Principal) map[string]bool {
	out := map[string]bool{}
	for _, cr := range rs.ColumnRules {
		if cr.Action == ActionBlock && !exempt(cr, p) {
			out[cr.Column] = true
		}
	}
	return out
}

func exempt(cr ColumnRule, p types.Principal) bool {
	return cr.Unless != "" && p.HasCapability(cr.Unless)
}

// Apply enforces the rule set on a rowset for the given principal,
// returning a new rowset. Row rules run first; any rule referencing an
// absent column or an unknown principal attribute drops the row.
func (rs RuleSet) Apply(in *types.Rowset, p types.Principal) (*types.Rowset, error) {
	if rs.Empty() {
		return in, nil
	}

	out := &types.Rowset{Schema: in.Schema, Age: in.Age}

	for _, row := range in.Rows {
		keep := true
		for _, rr := range rs.RowRules {
			if !rs.rowAllowed(rr, in.Schema, row, p) {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, append(types.Row(nil), row...))
		}
	}

	for _, cr := range rs.ColumnRules {
		if exempt(cr, p) {
			continue
		}
		var err error
		out, err = applyColumnRule(cr, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (rs RuleSet) rowAllowed(rr RowRule, schema types.Schema, row types.Row, p types.Principal) bool {
	idx := schema.Index(rr.Column)
	if idx < 0 || idx >= len(row) {
		return false
	}
	val := row[idx]
	if val == nil {
		return false
	}

	want := rr.Value
	if rr.Ref != "" {
		attr, known := p.Attr(rr.Ref)
		if !known {
			return false
		}
		want = attr
	}

	got := fmt.Sprint(val)
	var equal bool
	if rr.Fold {
		equal = strings.EqualFold(got, want)
	} else {
		equal = got == want
	}

	switch rr.Op {
	case types.OpEq:
		return equal
	case types.OpNe:
		return !equal
	default:
		return false
	}
}

func applyColumnRule(cr ColumnRule, in *types.Rowset) (*types.Rowset, error) {
	idx := in.Schema.Index(cr.Column)
	if idx < 0 {
		// Policies are written per source, not per query; a rule on a
		// column the projection dropped is a no-op.
		return in, nil
	}

	if cr.Action == ActionBlock {
		out := &types.Rowset{Schema: in.Schema.Without(cr.Column), Age: in.Age}
		for _, row := range in.Rows {
			next := make(types.Row, 0, len(row)-1)
			next = append(next, row[:idx]...)
			next = append(next, row[idx+1:]...)
			out.Rows = append(out.Rows, next)
		}
		return out, nil
	}

	for _, row := range in.Rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		switch cr.Action {
		case ActionRedact:
			row[idx] = redactedSentinel
		case ActionHash:
			row[idx] = hashValue(row[idx], cr.HashPrefixLen, cr.HashSuffix)
		default:
			return nil, types.Internal(fmt.Errorf("unknown column action %d", cr.Action))
		}
	}
	return in, nil
}

// hashValue masks a value as hex(sha256(value))[:prefixLen] + suffix.
// Deterministic, so equal inputs collide across queries and joins on a
// masked column still work.
func hashValue(v any, prefixLen int, suffix string) string {
	if prefixLen <= 0 {
		prefixLen = 8
	}
	sum := sha256.Sum256([]byte(fmt.Sprint(v)))
	digest := hex.EncodeToString(sum[:])
	if prefixLen > len(digest) {
		prefixLen = len(digest)
	}
	return digest[:prefixLen] + suffix
}

// ParseRowRule parses the rule expression syntax used in tenant
// configs:
//
//	team_id = principal.team_id
//	lower(project) != 'internal'
//
// The left side is a row column (optionally wrapped in lower()); the
// right side is either a principal.<attr> reference or a quoted literal.
func ParseRowRule(expr string) (RowRule, error) {
	var rr RowRule
	var lhs, rhs string
	switch {
	case strings.Contains(expr, "!="):
		parts := strings.SplitN(expr, "!=", 2)
		lhs, rhs = parts[0], parts[1]
		rr.Op = types.OpNe
	case strings.Contains(expr, "="):
		parts := strings.SplitN(expr, "=", 2)
		lhs, rhs = parts[0], parts[1]
		rr.Op = types.OpEq
	default:
		return rr, fmt.Errorf("row rule %q: expected = or !=", expr)
	}

	lhs = strings.TrimSpace(lhs)
	if inner, ok := strings.CutPrefix(lhs, "lower("); ok {
		inner, ok = strings.CutSuffix(inner, ")")
		if !ok {
			return rr, fmt.Errorf("row rule %q: unbalanced lower()", expr)
		}
		rr.Fold = true
		lhs = strings.TrimSpace(inner)
	}
	if !identifier(lhs) {
		return rr, fmt.Errorf("row rule %q: bad column name %q", expr, lhs)
	}
	rr.Column = strings.ToLower(lhs)

	rhs = strings.TrimSpace(rhs)
	if attr, ok := strings.CutPrefix(rhs, "principal."); ok {
		rr.Ref = attr
	} else {
		rr.Value = strings.Trim(rhs, `'"`)
	}
	if rr.Ref == "" && rr.Value == "" {
		return rr, fmt.Errorf("row rule %q: missing comparison value", expr)
	}
	return rr, nil
}

func identifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// ParseAction maps a config action name to its Action.
func ParseAction(name string) (Action, error) {
	switch strings.ToLower(name) {
	case "hash":
		return ActionHash, nil
	case "redact":
		return ActionRedact, nil
	case "block":
		return ActionBlock, nil
	default:
		return 0, fmt.Errorf("unknown column action %q", name)
	}
}
