package observer

import (
	"context"
	"time"

	agoslog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// RecordFusion counts one hazard fusion cycle and emits a structured
// log record with the cycle sizes. Wire it to
// hazard.WithFusionObserver.
func (inst *Instruments) RecordFusion(floodEntries, scoutReports, edgesTouched int) {
	ctx := context.Background()
	inst.FusionCycles.Add(ctx, 1)

	var rec agoslog.Record
	rec.SetSeverity(agoslog.SeverityInfo)
	rec.SetBody(agoslog.StringValue("fusion cycle"))
	rec.AddAttributes(
		agoslog.Int(string(AttrFusionFloodEntries), floodEntries),
		agoslog.Int(string(AttrFusionScoutReports), scoutReports),
		agoslog.Int(string(AttrFusionEdgesTouched), edgesTouched),
	)
	inst.Logger.Emit(ctx, rec)
}

// RecordRoute counts one route computation and its latency. Wire it to
// route.WithComputeObserver.
func (inst *Instruments) RecordRoute(mode, status string, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		AttrRouteMode.String(mode),
		AttrRouteStatus.String(status),
	)
	inst.Routes.Add(ctx, 1, attrs)
	inst.RouteDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}
