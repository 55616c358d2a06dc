// Package observer provides OTEL-based observability for agora runtimes.
//
// It wraps the chat Provider and plugin tools with instrumented versions
// that emit traces, metrics, and logs via OpenTelemetry, and adapts the
// global tracer onto agora.Tracer so runner drains and task runs show up
// as spans. Export goes to any OTEL-compatible backend over OTLP HTTP.
package observer

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

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/agora/observer"

// Options configures Init. The zero value exports per the standard OTEL env
// vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
type Options struct {
	// ServiceName overrides the resource service.name; default "agora".
	ServiceName string
	// Endpoint is an OTLP HTTP collector as host:port. When set, export
	// goes there over plain HTTP; leave empty to configure via OTEL env
	// vars (including TLS setups).
	Endpoint string
	// Pricing extends or overrides DefaultPricing for cost metrics.
	Pricing map[string]ModelPricing
}

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	CostTotal      metric.Float64Counter
	LLMRequests    metric.Int64Counter
	ToolExecutions metric.Int64Counter
	RunnerDrains   metric.Int64Counter
	TaskStarts     metric.Int64Counter
	TaskStops      metric.Int64Counter

	// Histograms
	LLMDuration  metric.Float64Histogram
	ToolDuration metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters and returns the shared instruments plus a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, opts Options) (*Instruments, func(context.Context) error, error) {
	service := opts.ServiceName
	if service == "" {
		service = "agora"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var traceOpts []otlptracehttp.Option
	var metricOpts []otlpmetrichttp.Option
	var logOpts []otlploghttp.Option
	if opts.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint), otlpmetrichttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithEndpoint(opts.Endpoint), otlploghttp.WithInsecure())
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx, logOpts...)
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

	inst, err := newInstruments(opts.Pricing)
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

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	runnerDrains, err := meter.Int64Counter("runner.drains",
		metric.WithDescription("Agent drain cycles"),
		metric.WithUnit("{drain}"))
	if err != nil {
		return nil, err
	}

	taskStarts, err := meter.Int64Counter("task.starts",
		metric.WithDescription("Task runs launched"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	taskStops, err := meter.Int64Counter("task.stops",
		metric.WithDescription("Task runs finalized, by stop reason"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		TokenUsage:     tokenUsage,
		CostTotal:      costTotal,
		LLMRequests:    llmRequests,
		ToolExecutions: toolExecutions,
		RunnerDrains:   runnerDrains,
		TaskStarts:     taskStarts,
		TaskStops:      taskStops,
		LLMDuration:    llmDuration,
		ToolDuration:   toolDuration,
		Cost:           NewCostCalculator(pricing),
	}, nil
}
