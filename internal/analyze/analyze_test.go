package analyze

import (
	"strings"
	"testing"

	"github.com/omnisql/omnisql/internal/types"
)

func testCatalog() MapCatalog {
	return MapCatalog{
		"github.pull_requests": {
			Source: "github",
			Name:   "pull_requests",
			Columns: []types.ColumnDef{
				{Name: "pr_id", Type: types.TypeString},
				{Name: "title", Type: types.TypeString},
				{Name: "branch", Type: types.TypeString},
				{Name: "status", Type: types.TypeString},
				{Name: "team_id", Type: types.TypeString},
				{Name: "additions", Type: types.TypeInt},
			},
			PushableFilters: []string{"status", "team_id"},
		},
		"jira.issues": {
			Source: "jira",
			Name:   "issues",
			Columns: []types.ColumnDef{
				{Name: "issue_key", Type: types.TypeString},
				{Name: "summary", Type: types.TypeString},
				{Name: "branch_name", Type: types.TypeString},
				{Name: "status", Type: types.TypeString},
				{Name: "story_points", Type: types.TypeInt},
			},
			PushableFilters: []string{"status", "project"},
		},
	}
}

// pushedFor returns the pushable predicates assigned to the binding with
// the given qualifier.
func pushedFor(t *testing.T, a *Analysis, qualifier string) []types.Predicate {
	t.Helper()
	idx, ok := a.bindingFor(qualifier)
	if !ok {
		t.Fatalf("no binding for qualifier %q", qualifier)
	}
	var out []types.Predicate
	for _, p := range a.Predicates {
		if p.Binding == idx && p.Pushable {
			out = append(out, p.Predicate)
		}
	}
	return out
}

func TestPushdownRouting(t *testing.T) {
	sql := `SELECT gh.pr_id FROM github.pull_requests gh
	        JOIN jira.issues ji ON gh.branch = ji.branch_name
	        WHERE gh.status = 'merged'`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}

	gh := pushedFor(t, a, "gh")
	if len(gh) != 1 || gh[0].Column != "status" || gh[0].Value != "merged" {
		t.Errorf("github pushed = %v, want status=merged", gh)
	}
	if ji := pushedFor(t, a, "ji"); len(ji) != 0 {
		t.Errorf("jira pushed = %v, want none", ji)
	}
}

func TestFunctionPredicateStaysResidual(t *testing.T) {
	sql := `SELECT * FROM github.pull_requests WHERE LOWER(title) LIKE '%fix%'`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Predicates) != 0 {
		t.Errorf("got %d bound predicates, want none (function shape)", len(a.Predicates))
	}
	if !a.HasResidual {
		t.Error("residual flag not set")
	}
}

func TestTopLevelORIsResidual(t *testing.T) {
	sql := `SELECT pr_id FROM github.pull_requests WHERE status = 'merged' OR status = 'open'`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range a.Predicates {
		if p.Pushable {
			t.Errorf("predicate %v pushed despite top-level OR", p.Predicate)
		}
	}
	if !a.HasResidual {
		t.Error("residual flag not set for OR")
	}
}

func TestUnknownQualifierFailsPlan(t *testing.T) {
	sql := `SELECT gh.pr_id FROM github.pull_requests gh WHERE zz.status = 'merged'`
	_, err := Analyze(sql, testCatalog())
	if err == nil {
		t.Fatal("expected error")
	}
	if types.KindOf(err) != types.KindPlanFailed {
		t.Errorf("kind = %s, want PLAN_FAILED", types.KindOf(err))
	}
}

func TestWriteStatementsRejected(t *testing.T) {
	for _, sql := range []string{
		`INSERT INTO github.pull_requests (pr_id) VALUES ('x')`,
		`UPDATE github.pull_requests SET status = 'closed'`,
		`DELETE FROM github.pull_requests`,
		`DROP TABLE github.pull_requests`,
	} {
		_, err := Analyze(sql, testCatalog())
		if err == nil {
			t.Errorf("%s: accepted, want PLAN_FAILED", sql)
			continue
		}
		if types.KindOf(err) != types.KindPlanFailed {
			t.Errorf("%s: kind = %s, want PLAN_FAILED", sql, types.KindOf(err))
		}
	}
}

func TestUnknownTableFailsPlan(t *testing.T) {
	_, err := Analyze(`SELECT * FROM salesforce.leads`, testCatalog())
	if err == nil || types.KindOf(err) != types.KindPlanFailed {
		t.Errorf("err = %v, want PLAN_FAILED", err)
	}
}

func TestNonPushableColumnStaysResidual(t *testing.T) {
	sql := `SELECT pr_id FROM github.pull_requests WHERE title = 'fix'`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Predicates) != 1 {
		t.Fatalf("predicates = %d, want 1", len(a.Predicates))
	}
	if a.Predicates[0].Pushable {
		t.Error("title predicate pushed; title is not in pushable_filters")
	}
}

func TestTypeMismatchStaysResidual(t *testing.T) {
	// status is a string column; an integer literal must not be pushed.
	sql := `SELECT pr_id FROM github.pull_requests WHERE status = 42`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Predicates) != 1 || a.Predicates[0].Pushable {
		t.Errorf("type-mismatched predicate pushed: %+v", a.Predicates)
	}
}

func TestInListPushable(t *testing.T) {
	sql := `SELECT pr_id FROM github.pull_requests WHERE status IN ('merged', 'open')`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Predicates) != 1 {
		t.Fatalf("predicates = %d, want 1", len(a.Predicates))
	}
	p := a.Predicates[0]
	if !p.Pushable || p.Predicate.Op != types.OpIn || len(p.Predicate.Values) != 2 {
		t.Errorf("IN predicate = %+v, want pushable with 2 values", p)
	}
}

func TestRangeOpNotPushableByDefault(t *testing.T) {
	sql := `SELECT pr_id FROM github.pull_requests WHERE additions > 100`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Predicates) != 1 || a.Predicates[0].Pushable {
		t.Errorf("range predicate pushed without descriptor opt-in: %+v", a.Predicates)
	}
}

func TestRangeOpPushableWhenDeclared(t *testing.T) {
	catalog := testCatalog()
	td := catalog["github.pull_requests"]
	td.PushableFilters = append(td.PushableFilters, "additions")
	td.PushableOps = []types.Op{types.OpGt, types.OpGe, types.OpLt, types.OpLe}
	catalog["github.pull_requests"] = td

	a, err := Analyze(`SELECT pr_id FROM github.pull_requests WHERE additions > 100`, catalog)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Predicates) != 1 || !a.Predicates[0].Pushable {
		t.Errorf("declared range op not pushed: %+v", a.Predicates)
	}
}

func TestRewriteReplacesTableNames(t *testing.T) {
	sql := `SELECT gh.pr_id FROM github.pull_requests gh WHERE gh.status = 'merged'`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(a.RewrittenSQL, "github.pull_requests") {
		t.Errorf("rewritten SQL still references source.table: %s", a.RewrittenSQL)
	}
	if !strings.Contains(a.RewrittenSQL, "github_pull_requests") {
		t.Errorf("rewritten SQL missing view name: %s", a.RewrittenSQL)
	}
}

func TestColumnCollection(t *testing.T) {
	sql := `SELECT gh.pr_id FROM github.pull_requests gh
	        JOIN jira.issues ji ON gh.branch = ji.branch_name
	        WHERE gh.status = 'merged' ORDER BY ji.story_points`
	a, err := Analyze(sql, testCatalog())
	if err != nil {
		t.Fatal(err)
	}

	ghIdx, _ := a.bindingFor("gh")
	jiIdx, _ := a.bindingFor("ji")

	for _, col := range []string{"pr_id", "branch", "status"} {
		if !a.Columns[ghIdx][col] {
			t.Errorf("github columns missing %q", col)
		}
	}
	for _, col := range []string{"branch_name", "story_points"} {
		if !a.Columns[jiIdx][col] {
			t.Errorf("jira columns missing %q", col)
		}
	}
	if a.Columns[jiIdx]["pr_id"] {
		t.Error("jira columns include github's pr_id")
	}
}

func TestStarProjection(t *testing.T) {
	a, err := Analyze(`SELECT * FROM github.pull_requests`, testCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if !a.Star[0] {
		t.Error("star projection not recorded")
	}
}

func TestDuplicateAliasRejected(t *testing.T) {
	sql := `SELECT x.pr_id FROM github.pull_requests x JOIN jira.issues x ON x.branch = x.branch_name`
	if _, err := Analyze(sql, testCatalog()); err == nil {
		t.Error("duplicate alias accepted")
	}
}

func TestSubqueryRejected(t *testing.T) {
	sql := `SELECT pr_id FROM github.pull_requests
	        WHERE status IN (SELECT status FROM jira.issues)`
	_, err := Analyze(sql, testCatalog())
	if err == nil || types.KindOf(err) != types.KindPlanFailed {
		t.Errorf("err = %v, want PLAN_FAILED for subquery", err)
	}
}
