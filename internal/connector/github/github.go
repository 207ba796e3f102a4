// Package github adapts the GitHub GraphQL v4 API as a federated
// source. It exposes one table, pull_requests, with status and team_id
// as server-side filters.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/types"
)

const pullRequestsQuery = `
query($owner: String!, $repo: String!, $states: [PullRequestState!], $first: Int!, $cursor: String) {
  repository(owner: $owner, name: $repo) {
    pullRequests(states: $states, first: $first, after: $cursor) {
      nodes {
        number
        title
        author { login }
        headRefName
        state
        createdAt
        mergedAt
        additions
        deletions
        reviewDecision
        assignees(first: 1) { nodes { login } }
      }
      pageInfo { endCursor hasNextPage }
    }
  }
}`

// Connector fetches pull requests over GraphQL, or serves deterministic
// fixtures when the config's base URL is "mock".
type Connector struct {
	cfg       connector.Config
	transport *connector.Transport
	logger    *slog.Logger
}

// New builds the adapter.
func New(cfg connector.Config, transport *connector.Transport, logger *slog.Logger) *Connector {
	return &Connector{cfg: cfg, transport: transport, logger: logger.With("source", cfg.Name)}
}

func (c *Connector) Name() string { return c.cfg.Name }

func (c *Connector) Describe() []types.TableDescriptor {
	return []types.TableDescriptor{{
		Source: c.cfg.Name,
		Name:   "pull_requests",
		Columns: []types.ColumnDef{
			{Name: "pr_id", Type: types.TypeString},
			{Name: "title", Type: types.TypeString},
			{Name: "author", Type: types.TypeString},
			{Name: "author_email", Type: types.TypeString},
			{Name: "branch", Type: types.TypeString},
			{Name: "status", Type: types.TypeString},
			{Name: "review_status", Type: types.TypeString},
			{Name: "team_id", Type: types.TypeString},
			{Name: "created_at", Type: types.TypeTime},
			{Name: "assignee", Type: types.TypeString},
			{Name: "additions", Type: types.TypeInt},
			{Name: "deletions", Type: types.TypeInt},
			{Name: "merged_at", Type: types.TypeTime},
		},
		PushableFilters: []string{"status", "team_id"},
	}}
}

func (c *Connector) Fetch(ctx context.Context, req connector.Request) (*types.Rowset, error) {
	if req.Table != "pull_requests" {
		return nil, types.SourceErr(c.cfg.Name, fmt.Errorf("unknown table %q", req.Table))
	}

	var records []map[string]any
	if c.cfg.Mock() {
		records = mockPullRequests()
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
	c.logger.Debug("fetched pull requests", "rows", len(kept), "mock", c.cfg.Mock())

	rs := types.RowsetFromMaps(c.Describe()[0].Schema(), kept).Project(req.Columns)
	return &rs, nil
}

func (c *Connector) fetchRemote(ctx context.Context, req connector.Request) ([]map[string]any, error) {
	states := []string{"OPEN", "MERGED", "CLOSED"}
	if f, ok := req.Filters["status"]; ok {
		states = states[:0]
		for _, v := range connector.FilterValue(f) {
			states = append(states, strings.ToUpper(v))
		}
	}

	nodes, err := c.transport.PaginateGraphQL(ctx, pullRequestsQuery, map[string]any{
		"owner":  c.cfg.Owner,
		"repo":   c.cfg.Repo,
		"states": states,
	}, "repository.pullRequests")
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, normalize(n))
	}
	return out, nil
}

// normalize maps one GraphQL node onto the canonical pull_requests row.
func normalize(raw map[string]any) map[string]any {
	return map[string]any{
		"pr_id":         fmt.Sprintf("PR-%03d", asInt(raw["number"])),
		"title":         asString(raw["title"]),
		"author":        nestedString(raw, "author", "login"),
		"author_email":  "", // not exposed by the API
		"branch":        asString(raw["headRefName"]),
		"status":        strings.ToLower(asString(raw["state"])),
		"review_status": strings.ToLower(orDefault(asString(raw["reviewDecision"]), "pending")),
		"team_id":       "", // assigned by row rules or label mapping
		"created_at":    asTime(raw["createdAt"]),
		"assignee":      firstAssignee(raw),
		"additions":     asInt(raw["additions"]),
		"deletions":     asInt(raw["deletions"]),
		"merged_at":     asTime(raw["mergedAt"]),
	}
}

func firstAssignee(raw map[string]any) string {
	assignees, ok := raw["assignees"].(map[string]any)
	if !ok {
		return ""
	}
	nodes, ok := assignees["nodes"].([]any)
	if !ok || len(nodes) == 0 {
		return ""
	}
	first, ok := nodes[0].(map[string]any)
	if !ok {
		return ""
	}
	return asString(first["login"])
}

var teams = []string{"mobile", "web", "api", "infra", "data"}
var statuses = []string{"open", "merged", "closed"}

// mockPullRequests generates the fixture dataset: 120 rows, stable
// across processes so tests and demos see identical data.
func mockPullRequests() []map[string]any {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := make([]map[string]any, 0, 120)
	for i := 1; i <= 120; i++ {
		team := teams[i%len(teams)]
		status := statuses[i%len(statuses)]
		created := base.AddDate(0, i%9, 0)

		var merged any
		if status == "merged" {
			merged = created.AddDate(0, 0, 14)
		}
		rows = append(rows, map[string]any{
			"pr_id":         fmt.Sprintf("PR-%03d", i),
			"title":         fmt.Sprintf("Change %d for %s", i, team),
			"author":        fmt.Sprintf("dev_%s_%d", team, i%5),
			"author_email":  fmt.Sprintf("dev_%s_%d@company.com", team, i%5),
			"branch":        fmt.Sprintf("feature/%s/task-%d", team, i),
			"status":        status,
			"review_status": []string{"approved", "changes_requested", "pending"}[rng.Intn(3)],
			"team_id":       team,
			"created_at":    created,
			"assignee":      "lead_" + team,
			"additions":     int64(rng.Intn(490) + 10),
			"deletions":     int64(rng.Intn(195) + 5),
			"merged_at":     merged,
		})
	}
	return rows
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
	return asString(current)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
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

func asTime(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return t
}
