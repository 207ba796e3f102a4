// Package federate is the query orchestrator: analyzer, planner,
// executor and analytical runtime wired end to end, with response
// shaping per the gateway contract.
package federate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnisql/omnisql/internal/analyze"
	"github.com/omnisql/omnisql/internal/engine"
	"github.com/omnisql/omnisql/internal/executor"
	"github.com/omnisql/omnisql/internal/governor"
	"github.com/omnisql/omnisql/internal/plan"
	"github.com/omnisql/omnisql/internal/tenant"
	"github.com/omnisql/omnisql/internal/types"
)

// DefaultDeadline bounds a query when neither the request nor the
// tenant sets one.
const DefaultDeadline = 30 * time.Second

// Service executes federated queries for registered tenants.
type Service struct {
	registry *tenant.Registry
	exec     *executor.Executor
	governor *governor.Governor
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires the orchestrator.
func New(registry *tenant.Registry, exec *executor.Executor, gov *governor.Governor, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		exec:     exec,
		governor: gov,
		logger:   logger.With("component", "federate"),
		tracer:   otel.Tracer("omnisql/federate"),
	}
}

// Request is one federated query.
type Request struct {
	SQL       string
	Principal types.Principal

	// MaxStaleness zero bypasses the cache entirely.
	MaxStaleness time.Duration
	// Deadline zero falls back to the tenant's or the default.
	Deadline time.Duration
	// TraceID is echoed back; generated when empty.
	TraceID string
}

// RateStatus is one source's bucket state at response time.
type RateStatus struct {
	Remaining int `json:"remaining"`
	Capacity  int `json:"capacity"`
}

// Timing is the per-stage latency breakdown.
type Timing struct {
	TotalMS      int64 `json:"total_ms"`
	PlanningMS   int64 `json:"planning_ms"`
	FetchMS      int64 `json:"fetch_ms"`
	SecurityMS   int64 `json:"security_ms"`
	AnalyticalMS int64 `json:"analytical_ms"`
}

// ConnectorTiming is one table's contribution to the fetch stage,
// keyed by "source.table". A table a query binds more than once folds
// into a single entry.
type ConnectorTiming struct {
	FetchMS   int64 `json:"fetch_ms"`
	Rows      int   `json:"rows"`
	FromCache bool  `json:"from_cache"`
	Stale     bool  `json:"stale"`
}

func (t ConnectorTiming) fold(o ConnectorTiming) ConnectorTiming {
	if o.FetchMS > t.FetchMS {
		t.FetchMS = o.FetchMS
	}
	t.Rows += o.Rows
	t.FromCache = t.FromCache && o.FromCache
	t.Stale = t.Stale || o.Stale
	return t
}

// Response is the success payload.
type Response struct {
	Rows    []map[string]any `json:"rows"`
	Columns []string         `json:"columns"`

	// FreshnessMS is the age of the oldest rowset used.
	FreshnessMS int64 `json:"freshness_ms"`
	// FromCache is true only when every source served from cache.
	FromCache bool `json:"from_cache"`

	RateLimitStatus  map[string]RateStatus      `json:"rate_limit_status"`
	Timing           Timing                     `json:"timing"`
	ConnectorTimings map[string]ConnectorTiming `json:"connector_timings,omitempty"`
	Warnings         []string                   `json:"warnings,omitempty"`
	TraceID          string                     `json:"trace_id"`
}

// Query runs one federated query end to end.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "federate.query",
		trace.WithAttributes(
			attribute.String("tenant", req.Principal.TenantID),
			attribute.String("trace_id", traceID),
		))
	defer span.End()

	tn, ok := s.registry.Get(req.Principal.TenantID)
	if !ok {
		return nil, types.Denied("", fmt.Sprintf("unknown tenant %q", req.Principal.TenantID))
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = tn.QueryDeadline
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Planning.
	planStart := time.Now()
	a, err := analyze.Analyze(req.SQL, tn.Catalog)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(a)
	if err != nil {
		return nil, err
	}
	if err := s.checkEntitlements(a, tn, req.Principal); err != nil {
		return nil, err
	}
	planning := time.Since(planStart)
	span.SetAttributes(attribute.Int("fetch_nodes", len(p.Nodes)))

	// Fetch + security.
	fetchStart := time.Now()
	results, err := s.exec.Run(ctx, executor.Request{
		Plan:         p,
		Principal:    req.Principal,
		MaxStaleness: req.MaxStaleness,
		Connectors:   tn.Connectors,
		Sources:      tn.Sources,
		Rules:        tn.RuleSet,
	})
	if err != nil {
		return nil, err
	}
	fetch := time.Since(fetchStart)

	// Analytical evaluation over the filtered rowsets.
	analyticalStart := time.Now()
	session := engine.NewSession()
	defer session.Close()
	for _, res := range results {
		if err := session.Register(res.Node.View, res.Rowset); err != nil {
			return nil, err
		}
	}
	result, err := session.Query(ctx, p.RewrittenSQL)
	if err != nil {
		return nil, err
	}
	analytical := time.Since(analyticalStart)

	resp := s.shape(tn, req, results, result, traceID)
	resp.Timing = Timing{
		TotalMS:      time.Since(started).Milliseconds(),
		PlanningMS:   planning.Milliseconds(),
		FetchMS:      fetch.Milliseconds(),
		SecurityMS:   sumSecurity(results).Milliseconds(),
		AnalyticalMS: analytical.Milliseconds(),
	}

	s.logger.Info("query complete",
		"tenant", req.Principal.TenantID,
		"trace_id", traceID,
		"sources", len(results),
		"rows", len(resp.Rows),
		"from_cache", resp.FromCache,
		"total_ms", resp.Timing.TotalMS)
	return resp, nil
}

// checkEntitlements fails queries that explicitly reference a column an
// active BLOCK rule removes. SELECT * is exempt: the column silently
// disappears from the result instead.
func (s *Service) checkEntitlements(a *analyze.Analysis, tn *tenant.Tenant, p types.Principal) error {
	for idx, b := range a.Bindings {
		blocked := tn.RuleSet(b.Source).BlockedColumns(p)
		if len(blocked) == 0 {
			continue
		}
		for col := range a.Columns[idx] {
			if blocked[col] {
				return types.Denied(b.Source,
					fmt.Sprintf("column %s.%s is not available to this principal", b.Qualifier, col))
			}
		}
	}
	return nil
}

func (s *Service) shape(tn *tenant.Tenant, req Request, results []executor.NodeResult,
	result *engine.Result, traceID string) *Response {

	resp := &Response{
		Columns:          result.Columns,
		Rows:             make([]map[string]any, 0, len(result.Rows)),
		FromCache:        len(results) > 0,
		RateLimitStatus:  map[string]RateStatus{},
		ConnectorTimings: map[string]ConnectorTiming{},
		TraceID:          traceID,
	}

	for _, row := range result.Rows {
		rec := make(map[string]any, len(result.Columns))
		for i, col := range result.Columns {
			rec[col] = row[i]
		}
		resp.Rows = append(resp.Rows, rec)
	}

	var maxAge time.Duration
	for _, res := range results {
		if res.Freshness() > maxAge {
			maxAge = res.Freshness()
		}
		if !res.FromCache {
			resp.FromCache = false
		}
		if res.Stale {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"STALE_DATA: %s.%s served %dms stale, upstream unavailable",
				res.Node.Source, res.Node.Table, res.Freshness().Milliseconds()))
		}
		if res.RowsDropped > 0 && len(res.Rowset.Rows) == 0 {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"ENTITLEMENT_DENIED: all %s.%s rows filtered by row rules",
				res.Node.Source, res.Node.Table))
		}

		// Keyed by source.table so two tables of one source do not
		// overwrite each other's timing.
		timingKey := res.Node.Source + "." + res.Node.Table
		timing := ConnectorTiming{
			FetchMS:   res.FetchDuration.Milliseconds(),
			Rows:      len(res.Rowset.Rows),
			FromCache: res.FromCache,
			Stale:     res.Stale,
		}
		if prev, ok := resp.ConnectorTimings[timingKey]; ok {
			timing = prev.fold(timing)
		}
		resp.ConnectorTimings[timingKey] = timing

		sd := tn.Sources[res.Node.Source]
		status := s.governor.Status(res.Node.Source, req.Principal.TenantID,
			sd.RateCapacity, sd.RefillPerSecond)
		resp.RateLimitStatus[res.Node.Source] = RateStatus{
			Remaining: status.Remaining,
			Capacity:  status.Capacity,
		}
	}
	resp.FreshnessMS = maxAge.Milliseconds()
	return resp
}

func sumSecurity(results []executor.NodeResult) time.Duration {
	var total time.Duration
	for _, res := range results {
		total += res.SecurityDuration
	}
	return total
}

// ErrorBody is the error payload at the transport boundary.
type ErrorBody struct {
	Error struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
		Source       string `json:"source,omitempty"`
	} `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// ShapeError maps a pipeline error to the wire error body.
func ShapeError(err error, traceID string) ErrorBody {
	e := types.AsError(err)
	var body ErrorBody
	body.Error.Code = e.Kind.Code()
	body.Error.Message = e.Error()
	body.Error.Source = e.Source
	if e.RetryAfter > 0 {
		body.Error.RetryAfterMS = e.RetryAfter.Milliseconds()
	}
	body.TraceID = traceID
	return body
}
