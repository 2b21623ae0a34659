package hazard

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nevindra/agos"
	"github.com/nevindra/agos/graph"
)

// lineGraph builds nodes 1..4 spaced ~111 m apart along a street.
func lineGraph(t *testing.T) *graph.RoadGraph {
	t.Helper()
	g := graph.New()
	for i := int64(1); i <= 4; i++ {
		g.AddNode(graph.Node{ID: i, Lat: 14.6500 + float64(i-1)*0.001, Lon: 121.1000})
	}
	for i := int64(1); i < 4; i++ {
		a, _ := g.Node(i)
		b, _ := g.Node(i + 1)
		d := graph.Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
		g.AddEdge(i, i+1, d, "")
		g.AddEdge(i+1, i, d, "")
	}
	return g
}

func testLocations(g *graph.RoadGraph) map[string][2]float64 {
	n1, _ := g.Node(1)
	n4, _ := g.Node(4)
	return map[string][2]float64{
		"Nangka": {n1.Lat, n1.Lon},
		"Tumana": {n4.Lat, n4.Lon},
	}
}

func newTestHazard(t *testing.T, g *graph.RoadGraph, opts ...Option) (*agos.Bus, *Agent, *time.Time) {
	t.Helper()
	bus := agos.NewBus()
	now := time.Unix(1_700_000_000, 0)
	clock := &now
	opts = append(opts, WithLocations(testLocations(g)), withClock(func() time.Time { return *clock }))
	a, err := NewAgent(bus, g, nil, opts...)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	if err := bus.Register("tester"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return bus, a, clock
}

func floodBatch(now time.Time, location string, depth, risk float64) agos.FloodDataBatch {
	return agos.FloodDataBatch{
		Entries: map[string]agos.FloodEntry{
			location: {
				Location:   location,
				FloodDepth: depth,
				RiskScore:  risk,
				Status:     "alert",
				Source:     "river_gauge",
				Timestamp:  now.Unix(),
			},
		},
		CollectedAt: now,
	}
}

// fakeRaster reports modeled depth per node latitude.
type fakeRaster struct {
	depths map[float64]float64
}

func (f *fakeRaster) DepthAt(lat, _ float64) (float64, bool) {
	d, ok := f.depths[lat]
	return d, ok
}

type fakeScenarioRaster struct {
	fakeRaster
	gotPeriod string
	gotStep   int
	err       error
}

func (f *fakeScenarioRaster) SetScenario(returnPeriod string, timeStep int) error {
	if f.err != nil {
		return f.err
	}
	f.gotPeriod, f.gotStep = returnPeriod, timeStep
	return nil
}

func TestFuseEnvironmentalModifier(t *testing.T) {
	g := lineGraph(t)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	a.IngestFlood(ctx, floodBatch(*clock, "nangka", 0.9, 0.7))
	result := a.Fuse()

	if result.FloodSources != 1 {
		t.Errorf("FloodSources = %d, want 1", result.FloodSources)
	}
	// A station observation has no coordinates on the graph; it lifts
	// the whole field. Depth 0.9 maps to 0.75, above the reported 0.7,
	// weighted by the flood_depth share: 0.75 * 0.5.
	if result.UpdatedEdges != 6 {
		t.Errorf("UpdatedEdges = %d, want all 6", result.UpdatedEdges)
	}
	near, _ := g.EdgeByKey(1, 2, 0)
	far, _ := g.EdgeByKey(3, 4, 0)
	if math.Abs(near.Risk-0.375) > 1e-9 {
		t.Errorf("edge risk = %v, want 0.375", near.Risk)
	}
	if near.Risk != far.Risk {
		t.Errorf("environmental lift must be uniform: %v vs %v", near.Risk, far.Risk)
	}
	if result.AverageRisk <= 0 {
		t.Error("AverageRisk should be positive after fusion")
	}

	// While the entry stays live the modifier keeps feeding the decayed
	// field, so risk climbs toward its fixpoint.
	*clock = clock.Add(10 * time.Minute)
	a.Fuse()
	lifted, _ := g.EdgeByKey(1, 2, 0)
	if lifted.Risk <= near.Risk {
		t.Errorf("risk = %v after second cycle, want above %v", lifted.Risk, near.Risk)
	}

	// Once the entry expires the standing field decays below the floor.
	*clock = clock.Add(100 * time.Minute)
	expired := a.Fuse()
	if expired.FloodSources != 0 {
		t.Errorf("FloodSources = %d after TTL, want 0", expired.FloodSources)
	}
	gone, _ := g.EdgeByKey(1, 2, 0)
	if gone.Risk != 0 {
		t.Errorf("edge risk = %v after expiry, want 0", gone.Risk)
	}
}

func TestFuseScoutPropagation(t *testing.T) {
	g := lineGraph(t)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	a.IngestScouts(ctx, []agos.ScoutReport{{
		Location:   "Nangka",
		Severity:   0.8,
		Confidence: 0.9,
		Type:       agos.ReportFlood,
		Text:       "lubog ang kalsada",
		Timestamp:  clock.Unix(),
	}})
	result := a.Fuse()

	if result.ScoutReports != 1 {
		t.Fatalf("ScoutReports = %d, want 1", result.ScoutReports)
	}
	// The nearest node carries the full severity*confidence.
	e12, _ := g.EdgeByKey(1, 2, 0)
	if math.Abs(e12.Risk-0.72) > 1e-9 {
		t.Errorf("edge at report = %v, want 0.72", e12.Risk)
	}
	// Risk falls off linearly with node distance down the street.
	e23, _ := g.EdgeByKey(2, 3, 0)
	e34, _ := g.EdgeByKey(3, 4, 0)
	if !(e12.Risk > e23.Risk && e23.Risk > e34.Risk) {
		t.Errorf("propagation not attenuating: %v / %v / %v", e12.Risk, e23.Risk, e34.Risk)
	}
	if e34.Risk <= 0 {
		t.Error("edges within the radius should carry risk")
	}
}

func TestFuseRasterStage(t *testing.T) {
	g := lineGraph(t)
	n1, _ := g.Node(1)
	n2, _ := g.Node(2)
	raster := &fakeRaster{depths: map[float64]float64{n1.Lat: 1.0, n2.Lat: 1.0}}
	_, a, _ := newTestHazard(t, g, WithRaster(raster))

	result := a.Fuse()

	// Depth 1.0 converts to 0.8, scaled by the flood_depth weight.
	e12, _ := g.EdgeByKey(1, 2, 0)
	if math.Abs(e12.Risk-0.4) > 1e-9 {
		t.Errorf("covered edge risk = %v, want 0.4", e12.Risk)
	}
	// One covered endpoint is enough; the hit alone is averaged.
	e23, _ := g.EdgeByKey(2, 3, 0)
	if math.Abs(e23.Risk-0.4) > 1e-9 {
		t.Errorf("half-covered edge risk = %v, want 0.4", e23.Risk)
	}
	e34, _ := g.EdgeByKey(3, 4, 0)
	if e34.Risk != 0 {
		t.Errorf("uncovered edge risk = %v, want 0", e34.Risk)
	}
	if result.UpdatedEdges != 4 {
		t.Errorf("UpdatedEdges = %d, want 4", result.UpdatedEdges)
	}
}

func TestFuseVisualOverrideReplaces(t *testing.T) {
	g := lineGraph(t)
	n1, _ := g.Node(1)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	// Standing risk well above what the scout sees.
	g.UpdateEdgeRisk(1, 2, 0, 0.9)
	g.UpdateEdgeRisk(2, 1, 0, 0.9)

	a.IngestScouts(ctx, []agos.ScoutReport{{
		Lat: n1.Lat, Lon: n1.Lon, HasCoords: true,
		Severity:   0.5,
		Confidence: 0.8,
		Text:       "tubig hanggang tuhod lang",
		Visual:     &agos.VisualEvidence{RiskScore: 0.75, Confidence: 0.8},
		Timestamp:  clock.Unix(),
	}})
	a.Fuse()

	// Qualifying imagery replaces the edge value even downward:
	// max(text 0.5, visual 0.75) * confidence 0.8 = 0.6.
	e12, _ := g.EdgeByKey(1, 2, 0)
	if math.Abs(e12.Risk-0.6) > 1e-9 {
		t.Errorf("overridden risk = %v, want 0.6", e12.Risk)
	}
}

func TestFuseOrdinaryReportMergesByMax(t *testing.T) {
	g := lineGraph(t)
	n1, _ := g.Node(1)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	g.UpdateEdgeRisk(1, 2, 0, 0.9)

	// Mild imagery below the override thresholds merges instead.
	a.IngestScouts(ctx, []agos.ScoutReport{{
		Lat: n1.Lat, Lon: n1.Lon, HasCoords: true,
		Severity:   0.5,
		Confidence: 0.8,
		Text:       "medyo mababaw na",
		Visual:     &agos.VisualEvidence{RiskScore: 0.6, Confidence: 0.9},
		Timestamp:  clock.Unix(),
	}})
	a.Fuse()

	e12, _ := g.EdgeByKey(1, 2, 0)
	if math.Abs(e12.Risk-0.9) > 1e-9 {
		t.Errorf("risk = %v, want standing 0.9 to win the merge", e12.Risk)
	}
}

func TestFuseMultipleSources(t *testing.T) {
	g := lineGraph(t)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	a.IngestFlood(ctx, floodBatch(*clock, "nangka", 0.5, 0.5))
	a.IngestScouts(ctx, []agos.ScoutReport{{
		Location:   "Tumana",
		Severity:   0.8,
		Confidence: 0.9,
		Type:       agos.ReportFlood,
		Text:       "lubog ang kalsada",
		Timestamp:  clock.Unix(),
	}})

	result := a.Fuse()
	if result.FloodSources != 1 || result.ScoutReports != 1 {
		t.Fatalf("sources = %d/%d, want 1/1", result.FloodSources, result.ScoutReports)
	}
	if result.AverageRisk <= 0 {
		t.Error("fused field should have positive average risk")
	}
	// Both ends of the street carry risk; the scouted end carries more.
	e12, _ := g.EdgeByKey(1, 2, 0)
	e34, _ := g.EdgeByKey(3, 4, 0)
	if e12.Risk == 0 || e34.Risk == 0 {
		t.Errorf("risk = %v / %v, both should be positive", e12.Risk, e34.Risk)
	}
	if e34.Risk <= e12.Risk {
		t.Errorf("scouted end %v should exceed far end %v", e34.Risk, e12.Risk)
	}
}

func TestFusionObserverCallback(t *testing.T) {
	g := lineGraph(t)
	type cycle struct{ flood, scouts, edges int }
	var cycles []cycle
	_, a, clock := newTestHazard(t, g, WithFusionObserver(func(floodEntries, scoutReports, edgesTouched int) {
		cycles = append(cycles, cycle{floodEntries, scoutReports, edgesTouched})
	}))
	ctx := context.Background()

	a.IngestFlood(ctx, floodBatch(*clock, "nangka", 0.9, 0.7))
	result := a.Fuse()

	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	want := cycle{result.FloodSources, result.ScoutReports, result.UpdatedEdges}
	if cycles[0] != want {
		t.Errorf("observed %+v, want %+v", cycles[0], want)
	}
	if cycles[0].flood != 1 || cycles[0].edges == 0 {
		t.Errorf("observed %+v, want one flood source touching edges", cycles[0])
	}
}

func TestFuseDecayAndExpiry(t *testing.T) {
	g := lineGraph(t)
	n1, _ := g.Node(1)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	// Coordinates only: the report propagates spatially without adding
	// an environmental lift, so decay is visible in isolation.
	a.IngestScouts(ctx, []agos.ScoutReport{{
		Lat: n1.Lat, Lon: n1.Lon, HasCoords: true,
		Severity:   0.8,
		Confidence: 0.9,
		Text:       "hindi madaanan",
		Timestamp:  clock.Unix(),
	}})
	a.Fuse()
	e, _ := g.EdgeByKey(1, 2, 0)
	freshRisk := e.Risk
	if math.Abs(freshRisk-0.72) > 1e-9 {
		t.Fatalf("fresh risk = %v, want 0.72", freshRisk)
	}

	// Twenty minutes on: same report, decayed contribution.
	*clock = clock.Add(20 * time.Minute)
	a.Fuse()
	e, _ = g.EdgeByKey(1, 2, 0)
	if e.Risk >= freshRisk || e.Risk == 0 {
		t.Errorf("risk did not decay: %v -> %v", freshRisk, e.Risk)
	}

	// Past the TTL the report expires and the remnant falls below the
	// decay floor.
	*clock = clock.Add(50 * time.Minute)
	result := a.Fuse()
	if result.ScoutReports != 0 {
		t.Errorf("ScoutReports = %d after TTL, want 0", result.ScoutReports)
	}
	e, _ = g.EdgeByKey(1, 2, 0)
	if e.Risk != 0 {
		t.Errorf("edge risk = %v after expiry, want 0", e.Risk)
	}
}

func TestIngestFloodRejectsBadDepth(t *testing.T) {
	g := lineGraph(t)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	batch := floodBatch(*clock, "nangka", 15.0, 0.5) // absurd depth
	a.IngestFlood(ctx, batch)
	if got := a.Fuse().FloodSources; got != 0 {
		t.Errorf("FloodSources = %d, want rejected entry", got)
	}
}

func TestIngestScoutsDedupe(t *testing.T) {
	g := lineGraph(t)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	r := agos.ScoutReport{Location: "Nangka", Severity: 0.6, Confidence: 0.7,
		Text: "may baha", Timestamp: clock.Unix()}
	a.IngestScouts(ctx, []agos.ScoutReport{r, r})
	a.IngestScouts(ctx, []agos.ScoutReport{r})

	if got := a.Fuse().ScoutReports; got != 1 {
		t.Errorf("ScoutReports = %d, want 1 after dedupe", got)
	}
}

func TestRiverAlertSlowsScoutDecay(t *testing.T) {
	g1 := lineGraph(t)
	_, quiet, clock1 := newTestHazard(t, g1)
	g2 := lineGraph(t)
	_, alerted, _ := newTestHazard(t, g2)
	ctx := context.Background()

	// Same station picture; only the river alert flag differs.
	quiet.IngestFlood(ctx, floodBatch(*clock1, "nangka", 0.4, 0.4))
	b := floodBatch(*clock1, "nangka", 0.4, 0.4)
	b.RiverAlert = true
	alerted.IngestFlood(ctx, b)

	// A fifteen-minute-old report keeps more weight under the alert.
	aged := agos.ScoutReport{
		Location:   "Tumana",
		Severity:   0.8,
		Confidence: 0.9,
		Text:       "baha pa rin",
		Timestamp:  clock1.Add(-15 * time.Minute).Unix(),
	}
	quiet.IngestScouts(ctx, []agos.ScoutReport{aged})
	alerted.IngestScouts(ctx, []agos.ScoutReport{aged})

	quiet.Fuse()
	alerted.Fuse()
	eq, _ := g1.EdgeByKey(3, 4, 0)
	ea, _ := g2.EdgeByKey(3, 4, 0)
	if ea.Risk <= eq.Risk {
		t.Errorf("alert risk %v should exceed quiet risk %v", ea.Risk, eq.Risk)
	}
	if !alerted.RiverAlert() {
		t.Error("river alert flag not retained")
	}
}

func TestSetFloodScenario(t *testing.T) {
	g := lineGraph(t)
	raster := &fakeScenarioRaster{}
	_, a, _ := newTestHazard(t, g, WithRaster(raster))

	if err := a.SetFloodScenario("100yr", 6); err != nil {
		t.Fatalf("SetFloodScenario: %v", err)
	}
	if raster.gotPeriod != "100yr" || raster.gotStep != 6 {
		t.Errorf("raster got %q/%d, want 100yr/6", raster.gotPeriod, raster.gotStep)
	}
	if got := a.Scenario(); got != "100yr/t6" {
		t.Errorf("Scenario() = %q, want 100yr/t6", got)
	}

	var geoErr *agos.ErrGeo
	if err := a.SetFloodScenario("7yr", 6); !errors.As(err, &geoErr) {
		t.Errorf("unknown return period: err = %v, want ErrGeo", err)
	}
	if err := a.SetFloodScenario("25yr", 0); err == nil {
		t.Error("time step below range should fail")
	}
	if err := a.SetFloodScenario("25yr", 19); err == nil {
		t.Error("time step above range should fail")
	}
}

func TestSetFloodScenarioRequiresScenarioRaster(t *testing.T) {
	g := lineGraph(t)
	_, bare, _ := newTestHazard(t, g)
	if err := bare.SetFloodScenario("5yr", 1); err == nil {
		t.Error("no raster: scenario change should fail")
	}

	g2 := lineGraph(t)
	_, plain, _ := newTestHazard(t, g2, WithRaster(&fakeRaster{}))
	if err := plain.SetFloodScenario("5yr", 1); err == nil {
		t.Error("plain raster: scenario change should fail")
	}
}

func TestQueryRisk(t *testing.T) {
	g := lineGraph(t)
	_, a, _ := newTestHazard(t, g)

	g.UpdateEdgeRisk(1, 2, 0, 0.95)
	g.UpdateEdgeRisk(2, 1, 0, 0.6)

	n1, _ := g.Node(1)
	result := a.QueryRisk(agos.QueryRiskAtLocation{Lat: n1.Lat, Lon: n1.Lon, RadiusM: 150})
	if result.EdgeCount == 0 {
		t.Fatal("no edges in radius")
	}
	if result.MaxRisk != 0.95 {
		t.Errorf("MaxRisk = %v, want 0.95", result.MaxRisk)
	}
	if result.ImpassableEdges != 1 {
		t.Errorf("ImpassableEdges = %d, want 1", result.ImpassableEdges)
	}
	if result.HighRiskEdges != 2 {
		t.Errorf("HighRiskEdges = %d, want 2", result.HighRiskEdges)
	}
	if result.Level == "" {
		t.Error("Level missing")
	}
}

func TestTrendAcrossFusions(t *testing.T) {
	g := lineGraph(t)
	_, a, clock := newTestHazard(t, g)
	ctx := context.Background()

	first := a.Fuse()
	if first.RiskTrend != agos.TrendStable {
		t.Errorf("first trend = %v, want stable", first.RiskTrend)
	}

	*clock = clock.Add(time.Minute)
	a.IngestFlood(ctx, floodBatch(*clock, "nangka", 1.0, 0.9))
	rising := a.Fuse()
	if rising.RiskTrend != agos.TrendIncreasing {
		t.Errorf("trend = %v (rate %v), want increasing", rising.RiskTrend, rising.RiskChangeRate)
	}

	// Two hours later everything has expired.
	*clock = clock.Add(2 * time.Hour)
	falling := a.Fuse()
	if falling.RiskTrend != agos.TrendDecreasing {
		t.Errorf("trend = %v (rate %v), want decreasing", falling.RiskTrend, falling.RiskChangeRate)
	}
}

func TestStepAnswersRequests(t *testing.T) {
	g := lineGraph(t)
	bus, a, _ := newTestHazard(t, g)
	ctx := context.Background()

	msg := agos.NewMessage(agos.Request, "tester", a.ID(), agos.ProcessAndUpdate{})
	msg.ConversationID = "m-1"
	if err := bus.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	reply, ok := bus.Receive("tester", time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if reply.ConversationID != "m-1" {
		t.Errorf("conversation id = %q, want m-1", reply.ConversationID)
	}
	if _, ok := reply.Body.(agos.RiskUpdateResult); !ok {
		t.Errorf("body = %T, want RiskUpdateResult", reply.Body)
	}

	n1, _ := g.Node(1)
	if err := bus.Send(agos.NewMessage(agos.Request, "tester", a.ID(),
		agos.QueryRiskAtLocation{Lat: n1.Lat, Lon: n1.Lon})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	reply, ok = bus.Receive("tester", time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if _, ok := reply.Body.(agos.LocationRiskResult); !ok {
		t.Errorf("body = %T, want LocationRiskResult", reply.Body)
	}
}

func TestStepSetFloodScenario(t *testing.T) {
	g := lineGraph(t)
	raster := &fakeScenarioRaster{}
	bus, a, _ := newTestHazard(t, g, WithRaster(raster))
	ctx := context.Background()

	if err := bus.Send(agos.NewMessage(agos.Request, "tester", a.ID(),
		agos.SetFloodScenario{ReturnPeriod: "25yr", TimeStep: 3})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	reply, ok := bus.Receive("tester", time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if reply.Performative != agos.Inform {
		t.Errorf("performative = %v, want INFORM", reply.Performative)
	}
	if raster.gotPeriod != "25yr" || raster.gotStep != 3 {
		t.Errorf("raster got %q/%d, want 25yr/3", raster.gotPeriod, raster.gotStep)
	}

	if err := bus.Send(agos.NewMessage(agos.Request, "tester", a.ID(),
		agos.SetFloodScenario{ReturnPeriod: "2yr", TimeStep: 3})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	reply, ok = bus.Receive("tester", time.Second)
	if !ok {
		t.Fatal("no failure reply")
	}
	if reply.Performative != agos.Failure {
		t.Errorf("performative = %v, want FAILURE", reply.Performative)
	}
}
