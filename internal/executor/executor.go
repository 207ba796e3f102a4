// Package executor runs a fetch plan: bounded parallel fetches wave by
// wave, each node through the cache-lookup, governor-admit, fetch,
// write-back, security-filter pipeline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/omnisql/omnisql/internal/cache"
	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/governor"
	"github.com/omnisql/omnisql/internal/plan"
	"github.com/omnisql/omnisql/internal/security"
	"github.com/omnisql/omnisql/internal/types"
)

const (
	// maxFanout caps per-query parallelism regardless of node count.
	maxFanout = 16
	// defaultRowCap bounds a single node's row count post-fetch.
	defaultRowCap = 100_000
)

// Executor owns the process-wide cache and governor and runs plans
// against them.
type Executor struct {
	cache    *cache.Cache
	governor *governor.Governor
	rowCap   int
	logger   *slog.Logger
}

// Options tune the executor.
type Options struct {
	// RowCap bounds the rows a single fetch node may return; zero means
	// the default. Exceeding it is a source error.
	RowCap int
}

// New builds an executor.
func New(c *cache.Cache, g *governor.Governor, opts Options, logger *slog.Logger) *Executor {
	rowCap := opts.RowCap
	if rowCap <= 0 {
		rowCap = defaultRowCap
	}
	return &Executor{cache: c, governor: g, rowCap: rowCap, logger: logger.With("component", "executor")}
}

// Request is one plan execution: who is asking, how stale the data may
// be, and the tenant's connectors, descriptors and policies.
type Request struct {
	Plan         *plan.Plan
	Principal    types.Principal
	MaxStaleness time.Duration

	Connectors map[string]connector.Connector
	Sources    map[string]types.SourceDescriptor
	Rules      func(source string) security.RuleSet
}

// NodeResult is one node's fetched, filtered rowset plus the metadata
// the response surfaces per source.
type NodeResult struct {
	Node *plan.FetchNode

	// Rowset has row rules and column rules already applied.
	Rowset *types.Rowset

	FromCache bool
	// Stale marks a rowset older than the caller's budget, served
	// because the source was throttled or timing out.
	Stale bool
	// Shared marks a fetch that coalesced onto another in-flight call.
	Shared bool

	FetchDuration    time.Duration
	SecurityDuration time.Duration

	// RowsDropped counts rows removed by row rules, for the entitlement
	// warning in the response.
	RowsDropped int
}

// Freshness is the rowset's age.
func (nr NodeResult) Freshness() time.Duration { return nr.Rowset.Age }

// Run executes every wave of the plan. All nodes of a wave run
// concurrently under a shared semaphore; a node failure cancels the
// remaining work and fails the query.
func (e *Executor) Run(ctx context.Context, req Request) ([]NodeResult, error) {
	waves, err := req.Plan.Waves()
	if err != nil {
		return nil, err
	}

	results := make([]NodeResult, len(req.Plan.Nodes))
	nodeErrs := make([]error, len(req.Plan.Nodes))

	for _, wave := range waves {
		limit := int64(len(wave))
		if limit > maxFanout {
			limit = maxFanout
		}
		sem := semaphore.NewWeighted(limit)
		g, gctx := errgroup.WithContext(ctx)

		for _, idx := range wave {
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					nodeErrs[idx] = err
					return err
				}
				defer sem.Release(1)

				res, err := e.runNode(gctx, req, &req.Plan.Nodes[idx])
				if err != nil {
					nodeErrs[idx] = err
					return err
				}
				results[idx] = res
				return nil
			})
		}
		if g.Wait() != nil {
			return nil, aggregate(nodeErrs)
		}
	}
	return results, nil
}

// runNode is the per-node pipeline. The cache is consulted first; a
// miss goes through single-flight so concurrent identical fetches hit
// the connector once. Security rules apply after the cache on every
// path: cached rowsets are stored unfiltered and filtered per query,
// so principals with different policies can share entries.
func (e *Executor) runNode(ctx context.Context, req Request, node *plan.FetchNode) (NodeResult, error) {
	source, ok := req.Sources[node.Source]
	if !ok {
		return NodeResult{}, types.Planf("source %q is not configured for this tenant", node.Source)
	}
	conn, ok := req.Connectors[node.Source]
	if !ok {
		return NodeResult{}, types.Planf("no connector for source %q", node.Source)
	}

	rules := req.Rules(node.Source)
	// Row rules fail closed on absent columns, so the fetched projection
	// carries every rule column even when the query does not select it.
	// The rowset is narrowed back to the query's columns after the rules
	// run.
	fetchCols := widenColumns(node.Columns, rules.RowRules, node.Desc)

	key := cache.Key(req.Principal.TenantID, node.Source, node.Table, fetchCols, node.Filters)
	res := NodeResult{Node: node}

	if rs, age, hit := e.cache.Lookup(key, req.MaxStaleness); hit {
		rs.Age = age
		res.Rowset = &rs
		res.FromCache = true
		return e.secure(req, node, rules, res)
	}

	start := time.Now()
	rs, shared, err := e.cache.Fetch(ctx, key, func() (types.Rowset, error) {
		return e.fetchUpstream(ctx, req, node, source, conn, key, fetchCols)
	})
	res.FetchDuration = time.Since(start)
	res.Shared = shared

	if err != nil {
		// Transient upstream failure: serve a stale entry when the
		// caller tolerates cached data at all and one exists within
		// the source's hard cap.
		if types.Transient(types.KindOf(err)) && req.MaxStaleness > 0 {
			if stale, age, ok := e.cache.LookupStale(key, source.HardStalenessCap); ok {
				e.logger.Warn("serving stale rowset after upstream failure",
					"source", node.Source, "table", node.Table,
					"age", age, "cause", types.KindOf(err).Code())
				stale.Age = age
				res.Rowset = &stale
				res.FromCache = true
				res.Stale = true
				return e.secure(req, node, rules, res)
			}
		}
		return NodeResult{}, err
	}

	res.Rowset = &rs
	return e.secure(req, node, rules, res)
}

// widenColumns appends row-rule columns missing from the projection.
// Rule columns the table does not have are left out; the rule still
// drops every row when it runs, which is the fail-closed policy.
func widenColumns(cols []string, rowRules []security.RowRule, desc types.TableDescriptor) []string {
	var extra []string
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	schema := desc.Schema()
	for _, rr := range rowRules {
		if have[rr.Column] || schema.Index(rr.Column) < 0 {
			continue
		}
		have[rr.Column] = true
		extra = append(extra, rr.Column)
	}
	if len(extra) == 0 {
		return cols
	}
	out := make([]string, 0, len(cols)+len(extra))
	out = append(out, cols...)
	return append(out, extra...)
}

// fetchUpstream is the single-flight body: governor admission, the
// connector call under the node deadline, row-cap check, write-back.
func (e *Executor) fetchUpstream(ctx context.Context, req Request, node *plan.FetchNode,
	source types.SourceDescriptor, conn connector.Connector, key string, fetchCols []string) (types.Rowset, error) {

	ok, retryAfter := e.governor.Admit(node.Source, req.Principal.TenantID,
		source.RateCapacity, source.RefillPerSecond)
	if !ok {
		return types.Rowset{}, types.RateLimited(node.Source, retryAfter)
	}

	fetchCtx := ctx
	if source.FetchDeadline > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, source.FetchDeadline)
		defer cancel()
	}

	rs, err := conn.Fetch(fetchCtx, connector.Request{
		Table:   node.Table,
		Filters: node.Filters,
		Columns: fetchCols,
	})
	if err != nil {
		return types.Rowset{}, err
	}
	if len(rs.Rows) > e.rowCap {
		return types.Rowset{}, types.SourceErr(node.Source,
			fmt.Errorf("%s.%s returned %d rows, cap is %d", node.Source, node.Table, len(rs.Rows), e.rowCap))
	}

	// Write-back happens even for max_staleness=0 callers; the entry
	// serves later queries that do tolerate cached data.
	e.cache.Put(key, *rs, source.HardStalenessCap)
	return *rs, nil
}

func (e *Executor) secure(req Request, node *plan.FetchNode, rules security.RuleSet, res NodeResult) (NodeResult, error) {
	start := time.Now()
	before := len(res.Rowset.Rows)
	filtered, err := rules.Apply(res.Rowset, req.Principal)
	if err != nil {
		return NodeResult{}, err
	}
	// Drop the widened rule columns again; the registered view exposes
	// only what the query references. Columns a rule blocked are already
	// gone from the schema, so the projection skips them.
	narrowed := filtered.Project(node.Columns)
	res.Rowset = &narrowed
	res.RowsDropped = before - len(narrowed.Rows)
	res.SecurityDuration = time.Since(start)
	return res, nil
}

// aggregate reduces per-node failures to the query error. When several
// sources fail the same way (every source throttled at once is the
// common case), the shared kind is surfaced once with all sources
// named; otherwise the first failure in node order wins.
func aggregate(nodeErrs []error) error {
	var failures []*types.Error
	var first error
	for _, err := range nodeErrs {
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && types.KindOf(err) == types.KindInternal {
			err = types.Timeout("", err)
		}
		if first == nil {
			first = err
		}
		failures = append(failures, types.AsError(err))
	}
	if first == nil {
		return types.Internal(errors.New("wave failed without a recorded error"))
	}
	if len(failures) < 2 {
		return first
	}

	kind := failures[0].Kind
	sources := map[string]bool{}
	var retryAfter time.Duration
	for _, f := range failures {
		if f.Kind != kind {
			return first
		}
		if f.Source != "" {
			sources[f.Source] = true
		}
		if f.RetryAfter > retryAfter {
			retryAfter = f.RetryAfter
		}
	}

	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, s)
	}
	sort.Strings(names)
	return &types.Error{
		Kind:       kind,
		Source:     strings.Join(names, ","),
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("%d sources failed", len(failures)),
	}
}
