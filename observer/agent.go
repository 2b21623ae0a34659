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

// ObservedAgent wraps any Agent to emit OTEL step spans, metrics, and
// logs. The wrapper creates a span per Step call that contains the
// agent's inner operations as child spans via context propagation.
type ObservedAgent struct {
	inner agos.Agent
	inst  *Instruments
}

// WrapAgent returns an instrumented Agent.
func WrapAgent(inner agos.Agent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) ID() string { return o.inner.ID() }

// Step wraps the inner agent's Step with an agent.step span. Errors are
// recorded but always returned unchanged.
func (o *ObservedAgent) Step(ctx context.Context) error {
	id := o.inner.ID()
	ctx, span := o.inst.Tracer.Start(ctx, "agent.step",
		trace.WithAttributes(AttrAgentID.String(id)))
	defer span.End()

	start := time.Now()
	err := o.inner.Step(ctx)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000

	status := callStatus(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrAgentStatus.String(status))

	o.inst.AgentSteps.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(id),
		attribute.String("status", status),
	))
	o.inst.StepDuration.Record(ctx, elapsedMs,
		metric.WithAttributes(AttrAgentID.String(id)))

	if err != nil {
		var rec agoslog.Record
		rec.SetSeverity(agoslog.SeverityWarn)
		rec.SetBody(agoslog.StringValue("agent step failed"))
		rec.AddAttributes(
			agoslog.String("agent.id", id),
			agoslog.String("error", err.Error()),
			agoslog.Float64("duration_ms", elapsedMs),
		)
		o.inst.Logger.Emit(ctx, rec)
	}
	return err
}

var _ agos.Agent = (*ObservedAgent)(nil)
