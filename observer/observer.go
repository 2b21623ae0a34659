// Package observer provides OTEL-based observability for the agent
// runtime.
//
// It wraps agents and the LLM provider with instrumented versions that
// emit traces, metrics, and logs via OpenTelemetry, and bridges the
// hazard and routing agents' domain callbacks onto counters. Users
// export to any OTEL-compatible backend by setting standard OTEL env
// vars.
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

	agoslog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/agos"
)

const scopeName = "github.com/nevindra/agos/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger agoslog.Logger

	// Counters
	AgentSteps   metric.Int64Counter
	LLMRequests  metric.Int64Counter
	TokenUsage   metric.Int64Counter
	CostTotal    metric.Float64Counter
	FusionCycles metric.Int64Counter
	Routes       metric.Int64Counter

	// Histograms
	StepDuration  metric.Float64Histogram
	LLMDuration   metric.Float64Histogram
	RouteDuration metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("agos")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c(ctx))
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Instruments, func(context.Context) error, error) {
		_ = shutdown(ctx)
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return fail(err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	closers = append(closers, tp.Shutdown)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return fail(err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	closers = append(closers, mp.Shutdown)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		return fail(err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	closers = append(closers, lp.Shutdown)

	inst, err := newInstruments(pricing)
	if err != nil {
		return fail(err)
	}
	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name,
			metric.WithDescription(desc), metric.WithUnit(unit))
		keep(err)
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc), metric.WithUnit("ms"))
		keep(err)
		return h
	}
	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	keep(err)

	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  meter,
		Logger: global.GetLoggerProvider().Logger(scopeName),

		AgentSteps:   counter("agent.steps", "Agent step count", "{step}"),
		LLMRequests:  counter("llm.requests", "LLM request count", "{request}"),
		TokenUsage:   counter("llm.token.usage", "Total tokens consumed", "{token}"),
		CostTotal:    costTotal,
		FusionCycles: counter("hazard.fusion.cycles", "Risk fusion cycle count", "{cycle}"),
		Routes:       counter("route.computations", "Route computation count", "{route}"),

		StepDuration:  histogram("agent.step.duration", "Agent step duration"),
		LLMDuration:   histogram("llm.duration", "LLM call duration"),
		RouteDuration: histogram("route.duration", "Route computation duration"),

		Cost: NewCostCalculator(pricing),
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return inst, nil
}

// RegisterBusDepth registers an observable gauge reporting the inbox
// depth of each listed agent. The returned registration should be
// unregistered on shutdown.
func (inst *Instruments) RegisterBusDepth(bus *agos.Bus, agentIDs []string) (metric.Registration, error) {
	depth, err := inst.Meter.Int64ObservableGauge("bus.inbox.depth",
		metric.WithDescription("Queued messages per agent inbox"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	return inst.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, id := range agentIDs {
			o.ObserveInt64(depth, int64(bus.Size(id)),
				metric.WithAttributes(AttrAgentID.String(id)))
		}
		return nil
	}, depth)
}

// callStatus labels a span or metric by outcome.
func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
