package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	agoslog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/agos"
)

// ObservedProvider wraps an agos.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner agos.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits a span, the
// request metrics, and a log record per chat call.
func WrapProvider(inner agos.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req agos.ChatRequest) (agos.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()

	start := time.Now()
	resp, err := o.inner.Chat(ctx, req)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cost := o.inst.Cost.Calculate(o.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.record(ctx, resp.Usage, cost, callStatus(err), elapsedMs)
	return resp, err
}

// record updates the request counters and emits the per-call log line.
func (o *ObservedProvider) record(ctx context.Context, usage agos.Usage, cost float64, status string, elapsedMs float64) {
	model := AttrLLMModel.String(o.model)
	attrs := metric.WithAttributes(model, attribute.String("status", status))
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, elapsedMs, attrs)
	if usage.InputTokens+usage.OutputTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
			metric.WithAttributes(model, attribute.String("direction", "input")))
		o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
			metric.WithAttributes(model, attribute.String("direction", "output")))
	}
	if cost > 0 {
		o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(model))
	}

	var rec agoslog.Record
	rec.SetSeverity(agoslog.SeverityInfo)
	rec.SetBody(agoslog.StringValue("llm chat completed"))
	rec.AddAttributes(
		agoslog.String("llm.model", o.model),
		agoslog.String("llm.status", status),
		agoslog.Int("tokens.input", usage.InputTokens),
		agoslog.Int("tokens.output", usage.OutputTokens),
		agoslog.Float64("duration_ms", elapsedMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// Models forwards the health-check capability when the inner provider
// has it.
func (o *ObservedProvider) Models(ctx context.Context) ([]string, error) {
	if ml, ok := o.inner.(agos.ModelLister); ok {
		return ml.Models(ctx)
	}
	return nil, nil
}

var (
	_ agos.Provider    = (*ObservedProvider)(nil)
	_ agos.ModelLister = (*ObservedProvider)(nil)
)
