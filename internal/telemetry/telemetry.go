// Package telemetry wires optional OpenTelemetry export. Everything
// stays off unless OMNISQL_OTEL_ENABLED=true; OMNISQL_OTEL_STDOUT=true
// prints spans and metrics to the console for development, and the
// standard OTEL_EXPORTER_OTLP_ENDPOINT variable selects an OTLP/gRPC
// collector.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/omnisql/omnisql"

// sink is the exporter selection, read from the environment once at
// Init. Enabled telemetry with nothing configured falls back to the
// console so spans are never silently dropped.
type sink struct {
	stdout         bool
	traceEndpoint  string
	metricEndpoint string
}

func sinkFromEnv() sink {
	s := sink{
		stdout:        os.Getenv("OMNISQL_OTEL_STDOUT") == "true",
		traceEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	s.metricEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if s.metricEndpoint == "" {
		s.metricEndpoint = s.traceEndpoint
	}
	if !s.stdout && s.traceEndpoint == "" {
		s.stdout = true
	}
	return s
}

var shutdowns []func(context.Context) error

// Enabled reports whether OMNISQL_OTEL_ENABLED turns telemetry on.
func Enabled() bool {
	return os.Getenv("OMNISQL_OTEL_ENABLED") == "true"
}

// Init installs the global trace and meter providers. With telemetry
// disabled the globals are no-ops, so instrumented call sites cost
// nothing.
func Init(ctx context.Context, service, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	s := sinkFromEnv()

	tp, err := traceProvider(ctx, s, res)
	if err != nil {
		return fmt.Errorf("telemetry: traces: %w", err)
	}
	otel.SetTracerProvider(tp)
	shutdowns = append(shutdowns, tp.Shutdown)

	mp, err := metricProvider(ctx, s, res)
	if err != nil {
		return fmt.Errorf("telemetry: metrics: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)
	return nil
}

func traceProvider(ctx context.Context, s sink, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if s.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	if s.traceEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(s.traceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func metricProvider(ctx context.Context, s sink, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if s.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}
	if s.metricEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(s.metricEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a named tracer, defaulting to the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = scopeName
	}
	return otel.Tracer(name)
}

// Meter returns a named meter, defaulting to the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = scopeName
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the providers Init installed. Defer it at
// process exit with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdowns {
		_ = fn(ctx)
	}
	shutdowns = nil
}
