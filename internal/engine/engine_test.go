package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisql/omnisql/internal/types"
)

func prRowset() *types.Rowset {
	return &types.Rowset{
		Schema: types.Schema{Columns: []types.ColumnDef{
			{Name: "pr_id", Type: types.TypeString},
			{Name: "title", Type: types.TypeString},
			{Name: "branch", Type: types.TypeString},
			{Name: "additions", Type: types.TypeInt},
		}},
		Rows: []types.Row{
			{"pr-1", "Fix login crash", "feat-1", int64(10)},
			{"pr-2", "Add dark mode", "feat-2", int64(250)},
			{"pr-3", "fix flaky test", "feat-3", int64(3)},
		},
	}
}

func issueRowset() *types.Rowset {
	return &types.Rowset{
		Schema: types.Schema{Columns: []types.ColumnDef{
			{Name: "issue_key", Type: types.TypeString},
			{Name: "branch_name", Type: types.TypeString},
			{Name: "story_points", Type: types.TypeInt},
		}},
		Rows: []types.Row{
			{"MOB-1", "feat-1", int64(3)},
			{"MOB-2", "feat-2", int64(8)},
			{"MOB-9", "feat-9", int64(5)},
		},
	}
}

func TestJoinAcrossViews(t *testing.T) {
	s := NewSession()
	defer s.Close()
	require.NoError(t, s.Register("github_pull_requests", prRowset()))
	require.NoError(t, s.Register("jira_issues", issueRowset()))

	res, err := s.Query(context.Background(), `
		SELECT gh.pr_id, ji.issue_key
		FROM github_pull_requests gh
		JOIN jira_issues ji ON gh.branch = ji.branch_name
		ORDER BY gh.pr_id`)
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, []string{"pr_id", "issue_key"}, res.Columns)
	assert.Equal(t, types.Row{"pr-1", "MOB-1"}, res.Rows[0])
	assert.Equal(t, types.Row{"pr-2", "MOB-2"}, res.Rows[1])
}

func TestResidualFunctionPredicate(t *testing.T) {
	s := NewSession()
	defer s.Close()
	require.NoError(t, s.Register("github_pull_requests", prRowset()))

	res, err := s.Query(context.Background(), `
		SELECT pr_id FROM github_pull_requests
		WHERE LOWER(title) LIKE '%fix%' ORDER BY pr_id`)
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, "pr-1", res.Rows[0][0])
	assert.Equal(t, "pr-3", res.Rows[1][0])
}

func TestAggregate(t *testing.T) {
	s := NewSession()
	defer s.Close()
	require.NoError(t, s.Register("jira_issues", issueRowset()))

	res, err := s.Query(context.Background(),
		`SELECT COUNT(*), SUM(story_points) FROM jira_issues`)
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 3, res.Rows[0][0])
	assert.EqualValues(t, 16, res.Rows[0][1])
}

func TestNullsSurviveRoundTrip(t *testing.T) {
	rs := prRowset()
	rs.Rows[1][1] = nil

	s := NewSession()
	defer s.Close()
	require.NoError(t, s.Register("github_pull_requests", rs))

	res, err := s.Query(context.Background(),
		`SELECT pr_id, title FROM github_pull_requests WHERE title IS NULL`)
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "pr-2", res.Rows[0][0])
	assert.Nil(t, res.Rows[0][1])
}

func TestEmptyViewYieldsEmptyResult(t *testing.T) {
	s := NewSession()
	defer s.Close()
	empty := &types.Rowset{Schema: prRowset().Schema}
	require.NoError(t, s.Register("github_pull_requests", empty))

	res, err := s.Query(context.Background(), `SELECT pr_id FROM github_pull_requests`)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestEngineFailureIsInternal(t *testing.T) {
	s := NewSession()
	defer s.Close()
	require.NoError(t, s.Register("github_pull_requests", prRowset()))

	_, err := s.Query(context.Background(), `SELECT nope FROM github_pull_requests`)
	require.Error(t, err)
	assert.Equal(t, types.KindInternal, types.KindOf(err))
}
