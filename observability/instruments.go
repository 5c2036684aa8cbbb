// Package observability provides OTEL-based tracing and metrics for the
// orchestrator. It supplies a concrete edgeagent.Tracer implementation plus a
// set of counters/histograms for generation, iteration and tool-execution
// activity, and exports to any OTEL-compatible backend via the standard OTEL
// env vars.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	edgelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/edgeagent/runtime/observability"

// Instruments holds the OTEL instruments the orchestrator reports against.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger edgelog.Logger

	// Counters
	GenerationsStarted metric.Int64Counter
	GenerationsFailed  metric.Int64Counter
	Iterations         metric.Int64Counter
	ToolExecutions     metric.Int64Counter
	ToolFailures       metric.Int64Counter
	SteeringRequests   metric.Int64Counter

	// Histograms
	GenerationDuration metric.Float64Histogram
	ToolDuration       metric.Float64Histogram
	ContextUtilization metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("edgeagent")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	generationsStarted, err := meter.Int64Counter("generation.started",
		metric.WithDescription("Generations started"),
		metric.WithUnit("{generation}"))
	if err != nil {
		return nil, err
	}

	generationsFailed, err := meter.Int64Counter("generation.failed",
		metric.WithDescription("Generations that ended in error"),
		metric.WithUnit("{generation}"))
	if err != nil {
		return nil, err
	}

	iterations, err := meter.Int64Counter("generation.iterations",
		metric.WithDescription("Think-act-observe iterations run"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	toolFailures, err := meter.Int64Counter("tool.failures",
		metric.WithDescription("Tool executions that returned an error"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	steeringRequests, err := meter.Int64Counter("steering.requests",
		metric.WithDescription("Steering requests submitted"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	generationDuration, err := meter.Float64Histogram("generation.duration",
		metric.WithDescription("Total generation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool batch execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	contextUtilization, err := meter.Float64Histogram("context.utilization",
		metric.WithDescription("Fraction of the model's context window in use at iteration end"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		GenerationsStarted: generationsStarted,
		GenerationsFailed:  generationsFailed,
		Iterations:         iterations,
		ToolExecutions:     toolExecutions,
		ToolFailures:       toolFailures,
		SteeringRequests:   steeringRequests,
		GenerationDuration: generationDuration,
		ToolDuration:       toolDuration,
		ContextUtilization: contextUtilization,
	}, nil
}
