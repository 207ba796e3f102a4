// Package jira adapts the Jira REST API v3 as a federated source,
// translating pushed filters into a JQL clause.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"strings"

	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/types"
)

// storyPointsField is Jira's default custom field for story points.
const storyPointsField = "customfield_10016"
const branchNameField = "customfield_10000"

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
			{Name: "issue_key", Type: types.TypeString},
			{Name: "summary", Type: types.TypeString},
			{Name: "status", Type: types.TypeString},
			{Name: "priority", Type: types.TypeString},
			{Name: "assignee", Type: types.TypeString},
			{Name: "story_points", Type: types.TypeInt},
			{Name: "branch_name", Type: types.TypeString},
			{Name: "project", Type: types.TypeString},
		},
		PushableFilters: []string{"status", "project", "priority"},
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
	params := url.Values{}
	params.Set("jql", buildJQL(req.Filters))
	params.Set("maxResults", strconv.Itoa(c.pageSize()))

	items, err := c.transport.PaginateREST(ctx, "/rest/api/3/search", params, extractIssues)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, normalize(item))
	}
	return out, nil
}

func (c *Connector) pageSize() int {
	if c.cfg.PageSize > 0 {
		return c.cfg.PageSize
	}
	return 50
}

// buildJQL renders the pushed filters as a JQL conjunction. Columns the
// descriptor marks pushable all map to first-class JQL fields.
func buildJQL(filters map[string]types.PushedFilter) string {
	fields := []string{"status", "project", "priority"}
	var parts []string
	for _, field := range fields {
		f, ok := filters[field]
		if !ok {
			continue
		}
		values := connector.FilterValue(f)
		switch f.Op {
		case types.OpEq:
			parts = append(parts, fmt.Sprintf("%s = %q", field, values[0]))
		case types.OpNe:
			parts = append(parts, fmt.Sprintf("%s != %q", field, values[0]))
		case types.OpIn:
			quoted := make([]string, len(values))
			for i, v := range values {
				quoted[i] = strconv.Quote(v)
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ", ")))
		}
	}
	if len(parts) == 0 {
		return "order by created DESC"
	}
	return strings.Join(parts, " AND ")
}

func extractIssues(body []byte) ([]map[string]any, error) {
	var envelope struct {
		Issues []map[string]any `json:"issues"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return envelope.Issues, nil
}

// normalize flattens one REST issue into the canonical issues row.
func normalize(raw map[string]any) map[string]any {
	fields, _ := raw["fields"].(map[string]any)
	if fields == nil {
		fields = raw
	}
	points := fields["story_points"]
	if points == nil {
		points = fields[storyPointsField]
	}
	return map[string]any{
		"issue_key":    asString(raw["key"]),
		"summary":      asString(fields["summary"]),
		"status":       nestedString(fields, "status", "name"),
		"priority":     nestedString(fields, "priority", "name"),
		"assignee":     nestedString(fields, "assignee", "displayName"),
		"story_points": asInt(points),
		"branch_name":  asString(fields[branchNameField]),
		"project":      nestedString(fields, "project", "key"),
	}
}

var projects = []string{"MOBILE", "WEB", "API", "INFRA", "DATA"}
var issueStatuses = []string{"To Do", "In Progress", "Done", "Blocked"}
var priorities = []string{"High", "Medium", "Low", "Critical"}
var pointScale = []int64{1, 2, 3, 5, 8, 13}

// mockIssues generates the fixture dataset, stable across processes.
func mockIssues() []map[string]any {
	rng := rand.New(rand.NewSource(99))
	rows := make([]map[string]any, 0, 120)
	for i := 1; i <= 120; i++ {
		proj := projects[i%len(projects)]
		rows = append(rows, map[string]any{
			"issue_key":    fmt.Sprintf("PRJ-%03d", i),
			"summary":      fmt.Sprintf("Task %d for %s", i, proj),
			"status":       issueStatuses[i%len(issueStatuses)],
			"priority":     priorities[i%len(priorities)],
			"assignee":     "lead_" + strings.ToLower(proj),
			"story_points": pointScale[rng.Intn(len(pointScale))],
			"branch_name":  fmt.Sprintf("feature/%s/task-%d", strings.ToLower(proj), i),
			"project":      proj,
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
