package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisql/omnisql/internal/cache"
	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/governor"
	"github.com/omnisql/omnisql/internal/plan"
	"github.com/omnisql/omnisql/internal/security"
	"github.com/omnisql/omnisql/internal/types"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeConnector serves canned rows and counts upstream calls.
type fakeConnector struct {
	name    string
	rows    []types.Row
	err     error
	delay   time.Duration
	calls   atomic.Int64
	gotCols atomic.Pointer[[]string]
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Describe() []types.TableDescriptor {
	return []types.TableDescriptor{fakeTable(f.name)}
}

func fakeTable(source string) types.TableDescriptor {
	return types.TableDescriptor{
		Source: source,
		Name:   "items",
		Columns: []types.ColumnDef{
			{Name: "id", Type: types.TypeString},
			{Name: "team_id", Type: types.TypeString},
			{Name: "email", Type: types.TypeString},
		},
		PushableFilters: []string{"team_id"},
	}
}

func (f *fakeConnector) Fetch(ctx context.Context, req connector.Request) (*types.Rowset, error) {
	f.calls.Add(1)
	f.gotCols.Store(&req.Columns)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, types.Timeout(f.name, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.Rowset{Schema: fakeTable(f.name).Schema(), Rows: f.rows}, nil
}

type harness struct {
	exec  *Executor
	conns map[string]*fakeConnector
	rules map[string]security.RuleSet
}

func newHarness(t *testing.T, opts Options, conns ...*fakeConnector) *harness {
	t.Helper()
	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)

	h := &harness{
		exec:  New(c, governor.New(), opts, discard()),
		conns: map[string]*fakeConnector{},
		rules: map[string]security.RuleSet{},
	}
	for _, fc := range conns {
		h.conns[fc.name] = fc
	}
	return h
}

func (h *harness) request(p *plan.Plan, maxStaleness time.Duration) Request {
	connectors := map[string]connector.Connector{}
	sources := map[string]types.SourceDescriptor{}
	for name, fc := range h.conns {
		connectors[name] = fc
		sources[name] = types.SourceDescriptor{
			Name:             name,
			Tables:           []types.TableDescriptor{fakeTable(name)},
			RateCapacity:     100,
			RefillPerSecond:  100,
			HardStalenessCap: time.Minute,
			FetchDeadline:    5 * time.Second,
		}
	}
	return Request{
		Plan:         p,
		Principal:    types.Principal{UserID: "u1", TenantID: "acme", TeamID: "mobile"},
		MaxStaleness: maxStaleness,
		Connectors:   connectors,
		Sources:      sources,
		Rules:        func(source string) security.RuleSet { return h.rules[source] },
	}
}

func singleNodePlan(source string) *plan.Plan {
	return &plan.Plan{Nodes: []plan.FetchNode{{
		Qualifier: source,
		View:      source + "_items",
		Source:    source,
		Table:     "items",
		Desc:      fakeTable(source),
		Filters:   map[string]types.PushedFilter{},
		Columns:   []string{"id", "team_id", "email"},
	}}}
}

func TestFetchAndWriteBack(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{{"a", "mobile", "a@x.co"}}}
	h := newHarness(t, Options{}, fc)
	p := singleNodePlan("github")

	results, err := h.exec.Run(context.Background(), h.request(p, 0))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].FromCache)
	assert.Len(t, results[0].Rowset.Rows, 1)
	assert.EqualValues(t, 1, fc.calls.Load())

	// A caller tolerating staleness reuses the entry; no upstream call.
	results, err = h.exec.Run(context.Background(), h.request(p, time.Minute))
	require.NoError(t, err)
	assert.True(t, results[0].FromCache)
	assert.False(t, results[0].Stale)
	assert.EqualValues(t, 1, fc.calls.Load())
}

func TestZeroStalenessBypassesCacheBothRuns(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{{"a", "mobile", "a@x.co"}}}
	h := newHarness(t, Options{}, fc)
	p := singleNodePlan("github")

	for range 2 {
		_, err := h.exec.Run(context.Background(), h.request(p, 0))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, fc.calls.Load())
}

func TestStaleFallbackOnThrottle(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{{"a", "mobile", "a@x.co"}}}
	h := newHarness(t, Options{}, fc)
	p := singleNodePlan("github")

	// Populate the cache.
	_, err := h.exec.Run(context.Background(), h.request(p, 0))
	require.NoError(t, err)

	// Entry now older than the budget and the source is throttling.
	time.Sleep(10 * time.Millisecond)
	fc.err = types.RateLimited("github", 2*time.Second)

	results, err := h.exec.Run(context.Background(), h.request(p, time.Millisecond))
	require.NoError(t, err)
	assert.True(t, results[0].Stale)
	assert.True(t, results[0].FromCache)
	assert.GreaterOrEqual(t, results[0].Freshness(), 10*time.Millisecond)
}

func TestThrottleWithoutCacheFails(t *testing.T) {
	fc := &fakeConnector{name: "github", err: types.RateLimited("github", time.Second)}
	h := newHarness(t, Options{}, fc)

	_, err := h.exec.Run(context.Background(), h.request(singleNodePlan("github"), time.Minute))
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimitExhausted, types.KindOf(err))
	assert.Equal(t, time.Second, types.AsError(err).RetryAfter)
}

func TestZeroStalenessNeverServesStale(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{{"a", "mobile", "a@x.co"}}}
	h := newHarness(t, Options{}, fc)
	p := singleNodePlan("github")

	_, err := h.exec.Run(context.Background(), h.request(p, time.Minute))
	require.NoError(t, err)

	fc.err = types.Timeout("github", context.DeadlineExceeded)
	_, err = h.exec.Run(context.Background(), h.request(p, 0))
	require.Error(t, err)
	assert.Equal(t, types.KindSourceTimeout, types.KindOf(err))
}

func TestGovernorDeniesWhenBucketEmpty(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{{"a", "mobile", "a@x.co"}}}
	h := newHarness(t, Options{}, fc)
	p := singleNodePlan("github")

	req := h.request(p, 0)
	sd := req.Sources["github"]
	sd.RateCapacity = 1
	sd.RefillPerSecond = 0.001
	req.Sources["github"] = sd

	_, err := h.exec.Run(context.Background(), req)
	require.NoError(t, err)

	_, err = h.exec.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimitExhausted, types.KindOf(err))
	assert.EqualValues(t, 1, fc.calls.Load())
}

func TestRowCapEnforced(t *testing.T) {
	rows := make([]types.Row, 5)
	for i := range rows {
		rows[i] = types.Row{"id", "mobile", "x@x.co"}
	}
	fc := &fakeConnector{name: "github", rows: rows}
	h := newHarness(t, Options{RowCap: 3}, fc)

	_, err := h.exec.Run(context.Background(), h.request(singleNodePlan("github"), 0))
	require.Error(t, err)
	assert.Equal(t, types.KindSourceError, types.KindOf(err))
}

func TestSecurityAppliedAfterFetchAndAfterCache(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{
		{"a", "mobile", "a@x.co"},
		{"b", "web", "b@x.co"},
	}}
	h := newHarness(t, Options{}, fc)
	h.rules["github"] = security.RuleSet{
		RowRules: []security.RowRule{{Column: "team_id", Op: types.OpEq, Ref: "team_id"}},
	}
	p := singleNodePlan("github")

	results, err := h.exec.Run(context.Background(), h.request(p, 0))
	require.NoError(t, err)
	require.Len(t, results[0].Rowset.Rows, 1)
	assert.Equal(t, "a", results[0].Rowset.Rows[0][0])

	// Cached path filters again; the cache holds the unfiltered rowset.
	results, err = h.exec.Run(context.Background(), h.request(p, time.Minute))
	require.NoError(t, err)
	require.True(t, results[0].FromCache)
	require.Len(t, results[0].Rowset.Rows, 1)
}

func TestRowRuleColumnFetchedWhenProjectionOmitsIt(t *testing.T) {
	fc := &fakeConnector{name: "github", rows: []types.Row{
		{"a", "mobile", "a@x.co"},
		{"b", "web", "b@x.co"},
	}}
	h := newHarness(t, Options{}, fc)
	h.rules["github"] = security.RuleSet{
		RowRules: []security.RowRule{{Column: "team_id", Op: types.OpEq, Ref: "team_id"}},
	}

	p := singleNodePlan("github")
	p.Nodes[0].Columns = []string{"id"}

	results, err := h.exec.Run(context.Background(), h.request(p, 0))
	require.NoError(t, err)

	// The fetch projection carries the rule column so the rule can
	// evaluate; the surfaced rowset is narrowed back to the query's.
	require.NotNil(t, fc.gotCols.Load())
	assert.Equal(t, []string{"id", "team_id"}, *fc.gotCols.Load())
	require.Len(t, results[0].Rowset.Rows, 1)
	assert.Equal(t, "a", results[0].Rowset.Rows[0][0])
	assert.Equal(t, []string{"id"}, results[0].Rowset.Schema.Names())

	// Cached path behaves the same.
	results, err = h.exec.Run(context.Background(), h.request(p, time.Minute))
	require.NoError(t, err)
	require.True(t, results[0].FromCache)
	require.Len(t, results[0].Rowset.Rows, 1)
	assert.Equal(t, []string{"id"}, results[0].Rowset.Schema.Names())
}

func TestTwoSourcesRunInParallel(t *testing.T) {
	gh := &fakeConnector{name: "github", delay: 50 * time.Millisecond, rows: []types.Row{{"a", "mobile", ""}}}
	ji := &fakeConnector{name: "jira", delay: 50 * time.Millisecond, rows: []types.Row{{"b", "web", ""}}}
	h := newHarness(t, Options{}, gh, ji)

	p := &plan.Plan{Nodes: append(singleNodePlan("github").Nodes, singleNodePlan("jira").Nodes...)}

	start := time.Now()
	results, err := h.exec.Run(context.Background(), h.request(p, 0))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Less(t, time.Since(start), 95*time.Millisecond, "fetches did not overlap")
}

func TestSameKindFailuresAggregate(t *testing.T) {
	errs := []error{
		types.RateLimited("github", time.Second),
		types.RateLimited("jira", 3*time.Second),
	}
	agg := aggregate(errs)
	assert.Equal(t, types.KindRateLimitExhausted, types.KindOf(agg))
	e := types.AsError(agg)
	assert.Equal(t, "github,jira", e.Source)
	assert.Equal(t, 3*time.Second, e.RetryAfter)
}

func TestMixedKindFailuresSurfaceFirst(t *testing.T) {
	errs := []error{
		types.Timeout("github", context.DeadlineExceeded),
		types.RateLimited("jira", time.Second),
	}
	assert.Equal(t, types.KindSourceTimeout, types.KindOf(aggregate(errs)))
}

func TestCancelledContextStopsWork(t *testing.T) {
	fc := &fakeConnector{name: "github", delay: time.Second, rows: []types.Row{{"a", "mobile", ""}}}
	h := newHarness(t, Options{}, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.exec.Run(ctx, h.request(singleNodePlan("github"), 0))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
