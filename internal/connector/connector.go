// Package connector defines the contract every source adapter satisfies
// and the shared HTTP transport the adapters fetch through.
package connector

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/omnisql/omnisql/internal/types"
)

// Request is one fetch against a single table: the server-side filters
// the planner pushed down and the columns the query needs.
type Request struct {
	Table   string
	Filters map[string]types.PushedFilter
	Columns []string
}

// Connector is the adapter contract. Fetch must honor ctx's deadline,
// paginate to completion, and map native failures to the standard error
// kinds. It must not retry throttling responses; a 429 surfaces as
// RATE_LIMIT_EXHAUSTED for the governor to arbitrate.
type Connector interface {
	Name() string
	Describe() []types.TableDescriptor
	Fetch(ctx context.Context, req Request) (*types.Rowset, error)
}

// Config is the per-connector block of a tenant document.
type Config struct {
	// Name is the source name queries address ("github", "jira").
	Name string `yaml:"name"`
	// Type selects the adapter ("github", "jira", "linear", "generic").
	Type string `yaml:"type"`

	// BaseURL of the source API. The sentinel "mock" switches the
	// adapter to its deterministic fixture mode.
	BaseURL string `yaml:"base_url"`

	// AuthType is "bearer", "basic" or "none"; CredentialRef is either
	// a raw token or "env://VAR".
	AuthType      string `yaml:"auth_type"`
	CredentialRef string `yaml:"credential_ref"`

	GraphQLPath string `yaml:"graphql_path"`
	PageSize    int    `yaml:"page_size"`

	// PushableFilters overrides the adapter's default pushdown columns
	// when non-empty (a tenant may trust fewer filters than the adapter
	// supports).
	PushableFilters []string `yaml:"pushable_filters"`

	// MaxAttempts bounds transient-retry (5xx) attempts per request.
	MaxAttempts int `yaml:"max_attempts"`

	// GitHub specifics.
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// Generic adapter manifest, inline or by file path.
	Manifest     *Manifest `yaml:"manifest"`
	ManifestPath string    `yaml:"manifest_path"`

	// Governance knobs surfaced to the source descriptor.
	RateCapacity       float64 `yaml:"rate_capacity"`
	RefillPerSecond    float64 `yaml:"refill_per_second"`
	HardStalenessCapMS int64   `yaml:"hard_staleness_cap_ms"`
	FetchDeadlineMS    int64   `yaml:"fetch_deadline_ms"`
}

// Mock reports whether the adapter should serve fixtures.
func (c Config) Mock() bool { return c.BaseURL == "mock" }

// Credential resolves the configured credential reference. env://VAR
// reads the named environment variable; anything else is a raw token.
func (c Config) Credential() string {
	if ref, ok := strings.CutPrefix(c.CredentialRef, "env://"); ok {
		return os.Getenv(ref)
	}
	return c.CredentialRef
}

func (c Config) pageSize() int {
	if c.PageSize <= 0 {
		return 50
	}
	return c.PageSize
}

// MatchRow evaluates pushed filters against a raw record. Adapters use
// it in fixture mode and to re-check rows after a best-effort server
// side pushdown.
func MatchRow(row map[string]any, filters map[string]types.PushedFilter) bool {
	for col, f := range filters {
		if !matchValue(row[col], f) {
			return false
		}
	}
	return true
}

func matchValue(v any, f types.PushedFilter) bool {
	if v == nil {
		return false
	}
	switch f.Op {
	case types.OpEq:
		return literalEqual(v, f.Value)
	case types.OpNe:
		return !literalEqual(v, f.Value)
	case types.OpIn:
		for _, want := range f.Values {
			if literalEqual(v, want) {
				return true
			}
		}
		return false
	case types.OpLt, types.OpLe, types.OpGt, types.OpGe:
		return matchOrdered(v, f)
	default:
		return false
	}
}

func literalEqual(v, want any) bool {
	if lv, lok := toFloat(v); lok {
		if rv, rok := toFloat(want); rok {
			return lv == rv
		}
	}
	return fmt.Sprint(v) == fmt.Sprint(want)
}

func matchOrdered(v any, f types.PushedFilter) bool {
	lv, lok := toFloat(v)
	rv, rok := toFloat(f.Value)
	if !lok || !rok {
		return false
	}
	switch f.Op {
	case types.OpLt:
		return lv < rv
	case types.OpLe:
		return lv <= rv
	case types.OpGt:
		return lv > rv
	default:
		return lv >= rv
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FilterValue renders a pushed filter's operand(s) for embedding into a
// source query language (JQL, GraphQL filter objects).
func FilterValue(f types.PushedFilter) []string {
	if f.Op == types.OpIn {
		out := make([]string, len(f.Values))
		for i, v := range f.Values {
			out[i] = fmt.Sprint(v)
		}
		return out
	}
	return []string{fmt.Sprint(f.Value)}
}
