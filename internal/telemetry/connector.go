package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnisql/omnisql/internal/connector"
	"github.com/omnisql/omnisql/internal/types"
)

const connectorScopeName = "github.com/omnisql/omnisql/connector"

// InstrumentedConnector wraps a source adapter with OTel tracing and
// metrics. Every Fetch gets a span and is counted in omnisql.connector.*
// metrics. Use WrapConnector to create one; it returns the original
// adapter unchanged when telemetry is disabled.
type InstrumentedConnector struct {
	inner  connector.Connector
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	rows   metric.Int64Counter
}

// WrapConnector returns c decorated with OTel instrumentation.
// When telemetry is disabled, c is returned as-is with zero overhead.
func WrapConnector(c connector.Connector) connector.Connector {
	if !Enabled() {
		return c
	}
	m := Meter(connectorScopeName)
	ops, _ := m.Int64Counter("omnisql.connector.fetches",
		metric.WithDescription("Total connector fetches executed"),
	)
	dur, _ := m.Float64Histogram("omnisql.connector.fetch.duration",
		metric.WithDescription("Connector fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("omnisql.connector.errors",
		metric.WithDescription("Total connector fetch errors by kind"),
	)
	rows, _ := m.Int64Counter("omnisql.connector.rows",
		metric.WithDescription("Total rows returned by connector fetches"),
	)
	return &InstrumentedConnector{
		inner:  c,
		tracer: Tracer(connectorScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		rows:   rows,
	}
}

func (c *InstrumentedConnector) Name() string { return c.inner.Name() }

func (c *InstrumentedConnector) Describe() []types.TableDescriptor { return c.inner.Describe() }

func (c *InstrumentedConnector) Fetch(ctx context.Context, req connector.Request) (*types.Rowset, error) {
	attrs := []attribute.KeyValue{
		attribute.String("source", c.inner.Name()),
		attribute.String("table", req.Table),
	}
	ctx, span := c.tracer.Start(ctx, "connector.fetch",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	c.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
	start := time.Now()

	rs, err := c.inner.Fetch(ctx, req)

	c.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.errs.Add(ctx, 1, metric.WithAttributes(append(attrs,
			attribute.String("kind", types.KindOf(err).Code()))...))
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(rs.Rows)))
	c.rows.Add(ctx, int64(len(rs.Rows)), metric.WithAttributes(attrs...))
	return rs, nil
}
