// Package linear adapts the Linear GraphQL API as a federated source.
package linear

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/types"
)

const issuesQuery = `
query($filter: IssueFilter, $first: Int!, $cursor: String) {
  issues(filter: $filter, first: $first, after: $cursor) {
    nodes {
      id
      title
      state { name }
      assignee { name }
      team { name }
      priority
    }
    pageInfo { endCursor hasNextPage }
  }
}`

type Connector struct {
	cfg       connector.Config
	transport *connector.Transport
	logger    *slog.Logger
}

func New(cfg connector.Config, transport *connector.Transport, logger *slog.Logger) *Connector {
	return &Connector{cfg: cfg, transport: transport, logger: logger.With("source", cfg.Name)}
}

func (c *Connector) Name() string { return c.cfg.Name }

func (c *Connector) Describe() []types.TableDescriptor {
	return []types.TableDescriptor{{
		Source: c.cfg.Name,
		Name:   "issues",
		Columns: []types.ColumnDef{
			{Name: "id", Type: types.TypeString},
			{Name: "title", Type: types.TypeString},
			{Name: "status", Type: types.TypeString},
			{Name: "assignee", Type: types.TypeString},
			{Name: "team", Type: types.TypeString},
			{Name: "priority", Type: types.TypeInt},
		},
		PushableFilters: []string{"status"},
	}}
}

func (c *Connector) Fetch(ctx context.Context, req connector.Request) (*types.Rowset, error) {
	if req.Table != "issues" {
		return nil, types.SourceErr(c.cfg.Name, fmt.Errorf("unknown table %q", req.Table))
	}

	var records []map[string]any
	if c.cfg.Mock() {
		records = mockIssues()
	} else {
		var err error
		records, err = c.fetchRemote(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	kept := records[:0:0]
	for _, rec := range records {
		if connector.MatchRow(rec, req.Filters) {
			kept = append(kept, rec)
		}
	}
	c.logger.Debug("fetched issues", "rows", len(kept), "mock", c.cfg.Mock())

	rs := types.RowsetFromMaps(c.Describe()[0].Schema(), kept).Project(req.Columns)
	return &rs, nil
}

func (c *Connector) fetchRemote(ctx context.Context, req connector.Request) ([]map[string]any, error) {
	filter := map[string]any{}
	if f, ok := req.Filters["status"]; ok && f.Op == types.OpEq {
		filter["state"] = map[string]any{"name": map[string]any{"eq": connector.FilterValue(f)[0]}}
	}

	nodes, err := c.transport.PaginateGraphQL(ctx, issuesQuery,
		map[string]any{"filter": filter}, "issues")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, normalize(n))
	}
	return out, nil
}

func normalize(raw map[string]any) map[string]any {
	return map[string]any{
		"id":       asString(raw["id"]),
		"title":    asString(raw["title"]),
		"status":   nestedString(raw, "state", "name"),
		"assignee": nestedString(raw, "assignee", "name"),
		"team":     nestedString(raw, "team", "name"),
		"priority": asInt(raw["priority"]),
	}
}

func mockIssues() []map[string]any {
	return []map[string]any{
		{"id": "LIN-1", "title": "Implement YAML parser", "status": "Todo", "assignee": nil, "team": "platform", "priority": int64(2)},
		{"id": "LIN-2", "title": "Fix OIDC loop", "status": "In Progress", "assignee": "alice", "team": "infra", "priority": int64(1)},
		{"id": "LIN-3", "title": "Add GraphQL connector", "status": "Done", "assignee": "bob", "team": "core", "priority": int64(3)},
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func nestedString(raw map[string]any, keys ...string) string {
	current := any(raw)
	for _, k := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[k]
	}
	s, _ := current.(string)
	return s
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
