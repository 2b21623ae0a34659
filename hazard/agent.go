package hazard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/agos"
	"github.com/nevindra/agos/graph"
)

// Cache bounds. Oldest entries are evicted first when a bound is hit.
const (
	defaultMaxFloodEntries  = 200
	defaultMaxScoutReports  = 500
	defaultQueryRadiusM     = 500.0
	impassableRiskThreshold = 0.9
	highRiskThreshold       = 0.5
)

// Agent owns the fused risk field. It ingests INFORM batches from the
// collector and scout agents, and answers ProcessAndUpdate,
// QueryRiskAtLocation, and SetFloodScenario requests from the
// orchestrator.
type Agent struct {
	agos.BaseAgent
	graph     *graph.RoadGraph
	snap      *graph.Snapshotter
	store     agos.ObservationStore
	raster    DepthRaster
	locations map[string][2]float64
	maxFlood  int
	maxScout  int
	floodTTL  time.Duration
	scoutTTL  time.Duration
	weights   RiskWeights
	curve     DepthCurve
	visRisk   float64
	visConf   float64
	now       func() time.Time
	onFusion  func(floodEntries, scoutReports, edgesTouched int)

	mu         sync.Mutex
	flood      map[string]agos.FloodEntry // latest per location
	scouts     []agos.ScoutReport
	seen       map[string]struct{} // dedupe key: location|text
	riverAlert bool
	scenario   string
	lastAvg    float64
	lastFuseAt time.Time
}

// Option configures a hazard Agent.
type Option func(*Agent)

// WithLocations supplies the name-to-coordinate table used to place
// location-only observations on the map.
func WithLocations(m map[string][2]float64) Option {
	return func(a *Agent) {
		a.locations = make(map[string][2]float64, len(m))
		for k, v := range m {
			a.locations[strings.ToLower(k)] = v
		}
	}
}

// WithRaster attaches a modeled flood-depth raster sampled at edge
// endpoints during fusion. A ScenarioRaster also enables scenario
// control.
func WithRaster(r DepthRaster) Option {
	return func(a *Agent) { a.raster = r }
}

// WithSnapshotter attaches periodic risk snapshots.
func WithSnapshotter(s *graph.Snapshotter) Option {
	return func(a *Agent) { a.snap = s }
}

// WithStore persists ingested observations for auditing. Persistence is
// best-effort: store errors are logged, never propagated.
func WithStore(s agos.ObservationStore) Option {
	return func(a *Agent) { a.store = s }
}

// WithCacheBounds overrides the observation cache sizes.
func WithCacheBounds(maxFlood, maxScout int) Option {
	return func(a *Agent) {
		if maxFlood > 0 {
			a.maxFlood = maxFlood
		}
		if maxScout > 0 {
			a.maxScout = maxScout
		}
	}
}

// WithTTLs overrides the observation expiry windows.
func WithTTLs(flood, scout time.Duration) Option {
	return func(a *Agent) {
		if flood > 0 {
			a.floodTTL = flood
		}
		if scout > 0 {
			a.scoutTTL = scout
		}
	}
}

// WithRiskWeights overrides the fusion source blend.
func WithRiskWeights(w RiskWeights) Option {
	return func(a *Agent) { a.weights = w }
}

// WithDepthCurve overrides the depth-to-risk conversion.
func WithDepthCurve(c DepthCurve) Option {
	return func(a *Agent) { a.curve = c }
}

// WithVisualOverride overrides the thresholds above which visual
// evidence replaces fused edge risk.
func WithVisualOverride(riskThreshold, confThreshold float64) Option {
	return func(a *Agent) {
		a.visRisk = riskThreshold
		a.visConf = confThreshold
	}
}

// WithFusionObserver registers a callback invoked after every fusion
// cycle with the live observation counts and the number of edges whose
// risk changed.
func WithFusionObserver(fn func(floodEntries, scoutReports, edgesTouched int)) Option {
	return func(a *Agent) { a.onFusion = fn }
}

// withClock replaces the time source in tests.
func withClock(fn func() time.Time) Option {
	return func(a *Agent) { a.now = fn }
}

// NewAgent registers the hazard agent on the bus.
func NewAgent(bus *agos.Bus, g *graph.RoadGraph, logger *slog.Logger, opts ...Option) (*Agent, error) {
	base, err := agos.NewBaseAgent(agos.AgentHazard, bus, logger)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		BaseAgent: base,
		graph:     g,
		maxFlood:  defaultMaxFloodEntries,
		maxScout:  defaultMaxScoutReports,
		floodTTL:  defaultFloodTTL,
		scoutTTL:  defaultScoutTTL,
		weights:   DefaultRiskWeights(),
		curve:     DefaultDepthCurve(),
		visRisk:   defaultVisualRisk,
		visConf:   defaultVisualConf,
		now:       time.Now,
		flood:     make(map[string]agos.FloodEntry),
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Step drains the inbox: batches are cached, requests are answered.
func (a *Agent) Step(ctx context.Context) error {
	for _, msg := range a.Drain(0) {
		switch body := msg.Body.(type) {
		case agos.FloodDataBatch:
			a.IngestFlood(ctx, body)
		case agos.ScoutReportBatch:
			a.IngestScouts(ctx, body.Reports)
		case agos.ProcessAndUpdate:
			if msg.Performative != agos.Request {
				continue
			}
			result := a.Fuse()
			if err := a.ReplyTo(msg, agos.Inform, result); err != nil {
				a.Logger().Warn("hazard: reply failed", "err", err)
			}
		case agos.QueryRiskAtLocation:
			if msg.Performative != agos.Request {
				continue
			}
			if err := a.ReplyTo(msg, agos.Inform, a.QueryRisk(body)); err != nil {
				a.Logger().Warn("hazard: reply failed", "err", err)
			}
		case agos.SetFloodScenario:
			if msg.Performative != agos.Request {
				continue
			}
			if err := a.SetFloodScenario(body.ReturnPeriod, body.TimeStep); err != nil {
				a.FailTo(msg, err)
				continue
			}
			if err := a.ReplyTo(msg, agos.Inform, agos.Ack{}); err != nil {
				a.Logger().Warn("hazard: reply failed", "err", err)
			}
		default:
			if msg.Performative == agos.Request {
				a.FailTo(msg, fmt.Errorf("unsupported request %q", msg.Body.Kind()))
			}
		}
	}
	return nil
}

// IngestFlood validates and caches a collector batch. Entries with
// depths outside [0, 10] meters are rejected.
func (a *Agent) IngestFlood(ctx context.Context, batch agos.FloodDataBatch) {
	a.mu.Lock()
	a.riverAlert = batch.RiverAlert
	accepted := 0
	for loc, e := range batch.Entries {
		if e.FloodDepth < 0 || e.FloodDepth > 10 {
			a.Logger().Warn("hazard: rejecting flood entry",
				"location", loc, "depth_m", e.FloodDepth)
			continue
		}
		e.RiskScore = clamp01(e.RiskScore)
		if e.Location == "" {
			e.Location = loc
		}
		a.flood[strings.ToLower(e.Location)] = e
		accepted++
	}
	a.evictFloodLocked()
	a.mu.Unlock()

	if a.store != nil {
		for _, e := range batch.Entries {
			if err := a.store.StoreFloodEntry(ctx, e); err != nil {
				a.Logger().Warn("hazard: flood persist failed",
					"err", &agos.ErrStore{Op: "store_flood_entry", Message: err.Error()})
				break
			}
		}
	}
	a.Logger().Debug("hazard: flood batch ingested",
		"accepted", accepted, "river_alert", batch.RiverAlert, "simulated", batch.Simulated)
}

// IngestScouts validates, dedupes, and caches scout reports.
func (a *Agent) IngestScouts(ctx context.Context, reports []agos.ScoutReport) {
	var stored []agos.ScoutReport
	a.mu.Lock()
	for _, r := range reports {
		if r.Location == "" && !r.HasCoords {
			a.Logger().Debug("hazard: dropping unplaced scout report")
			continue
		}
		key := strings.ToLower(r.Location) + "|" + r.Text
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}
		r.Severity = clamp01(r.Severity)
		r.Confidence = clamp01(r.Confidence)
		a.scouts = append(a.scouts, r)
		stored = append(stored, r)
	}
	a.evictScoutsLocked()
	a.mu.Unlock()

	if a.store != nil {
		for _, r := range stored {
			if err := a.store.StoreScoutReport(ctx, r); err != nil {
				a.Logger().Warn("hazard: scout persist failed",
					"err", &agos.ErrStore{Op: "store_scout_report", Message: err.Error()})
				break
			}
		}
	}
}

// SetFloodScenario switches the raster to a simulated scenario layer.
// The next Fuse samples the new layer.
func (a *Agent) SetFloodScenario(returnPeriod string, timeStep int) error {
	if !scenarioReturnPeriods[returnPeriod] {
		return &agos.ErrGeo{Message: fmt.Sprintf("unknown return period %q", returnPeriod)}
	}
	if timeStep < minScenarioStep || timeStep > maxScenarioStep {
		return &agos.ErrGeo{Message: fmt.Sprintf(
			"time step %d outside [%d, %d]", timeStep, minScenarioStep, maxScenarioStep)}
	}
	sr, ok := a.raster.(ScenarioRaster)
	if !ok {
		return &agos.ErrGeo{Message: "no scenario-capable raster configured"}
	}
	if err := sr.SetScenario(returnPeriod, timeStep); err != nil {
		return err
	}
	a.mu.Lock()
	a.scenario = fmt.Sprintf("%s/t%d", returnPeriod, timeStep)
	a.mu.Unlock()
	a.Logger().Info("hazard: flood scenario set",
		"return_period", returnPeriod, "time_step", timeStep)
	return nil
}

// Scenario returns the active raster scenario label, empty when the
// raster is on its live layer.
func (a *Agent) Scenario() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scenario
}

type edgeAddr struct {
	from, to int64
	key      int
}

// Fuse runs the fusion pipeline: sweep expired observations, decay the
// standing risk field, sample the depth raster along edges, lift every
// edge by the environmental modifier, then propagate scout reports onto
// nearby nodes (qualifying visual evidence replaces instead of merging).
// The new field is written to the graph in one batch.
func (a *Agent) Fuse() agos.RiskUpdateResult {
	now := a.now()

	a.mu.Lock()
	a.sweepLocked(now)
	floodCount := len(a.flood)
	scoutCount := len(a.scouts)
	oldest := a.oldestReportAgeMinLocked(now)
	riverAlert := a.riverAlert
	scenario := a.scenario
	envRisk := a.environmentalRiskLocked(now)
	scouts := make([]agos.ScoutReport, len(a.scouts))
	copy(scouts, a.scouts)
	dtMin := 0.0
	if !a.lastFuseAt.IsZero() {
		dtMin = now.Sub(a.lastFuseAt).Minutes()
	}
	a.mu.Unlock()

	edges := a.graph.Edges()
	before := make(map[edgeAddr]float64, len(edges))
	risk := make(map[edgeAddr]float64, len(edges))

	// Standing risk decays toward zero between cycles.
	decay := riskDecay(dtMin)
	for _, e := range edges {
		k := edgeAddr{e.From, e.To, e.Key}
		before[k] = e.Risk
		r := e.Risk * decay
		if r < decayFloor {
			r = 0
		}
		risk[k] = r
	}

	// Modeled depth sampled at edge endpoints, when a raster is wired.
	if a.raster != nil {
		for _, e := range edges {
			d, ok := a.edgeDepth(e)
			if !ok {
				continue
			}
			k := edgeAddr{e.From, e.To, e.Key}
			if r := a.curve.Risk(d) * a.weights.FloodDepth; r > risk[k] {
				risk[k] = r
			}
		}
	}

	// The environmental modifier lifts every edge in the field.
	if envRisk > 0 {
		for _, e := range edges {
			k := edgeAddr{e.From, e.To, e.Key}
			risk[k] = clamp01(risk[k] + envRisk)
		}
	}

	// Scout reports land on their nearest node at full strength and
	// fall off linearly across nodes within the propagation radius.
	ordinary := make(map[int64]float64)
	override := make(map[int64]float64)
	for _, r := range scouts {
		lat, lon, ok := a.place(r.Location, r.Lat, r.Lon, r.HasCoords)
		if !ok {
			continue
		}
		ageMin := now.Sub(time.Unix(r.Timestamp, 0)).Minutes()
		base := effectiveSeverity(r, a.visRisk, a.visConf) *
			r.Confidence * scoutDecay(ageMin, riverAlert)
		if base < propagationSkip {
			continue
		}
		target := ordinary
		if visualOverrides(r, a.visRisk, a.visConf) {
			target = override
		}
		for i, nd := range a.graph.NodesNear(lat, lon, propagationRadiusM) {
			v := base
			if i > 0 {
				v = base * propagationFactor(nd.DistM)
			}
			if v < propagationSkip {
				continue
			}
			if v > target[nd.Node.ID] {
				target[nd.Node.ID] = v
			}
		}
	}
	for _, e := range edges {
		k := edgeAddr{e.From, e.To, e.Key}
		if v := math.Max(ordinary[e.From], ordinary[e.To]); v > risk[k] {
			risk[k] = v
		}
		if v, ok := maxOverride(override, e.From, e.To); ok {
			risk[k] = v
		}
	}

	batch := make([]graph.RiskUpdate, 0, len(risk))
	for k, r := range risk {
		if r == before[k] {
			continue
		}
		batch = append(batch, graph.RiskUpdate{From: k.from, To: k.to, Key: k.key, Risk: r})
	}
	// Deterministic application order for reproducible logs.
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].From != batch[j].From {
			return batch[i].From < batch[j].From
		}
		if batch[i].To != batch[j].To {
			return batch[i].To < batch[j].To
		}
		return batch[i].Key < batch[j].Key
	})
	applied := a.graph.BatchUpdate(batch)

	avg, _, _ := a.graph.RiskStats()

	a.mu.Lock()
	rate := 0.0
	if !a.lastFuseAt.IsZero() && dtMin > 0 {
		rate = (avg - a.lastAvg) / dtMin
	}
	trend := classifyTrend(rate)
	a.lastAvg = avg
	a.lastFuseAt = now
	a.mu.Unlock()

	if a.snap != nil {
		if _, err := a.snap.MaybeSnapshot(); err != nil {
			a.Logger().Warn("hazard: snapshot failed", "err", err)
		}
	}

	a.Logger().Info("hazard: fusion cycle",
		"flood_sources", floodCount, "scout_reports", scoutCount,
		"updated_edges", applied, "avg_risk", avg, "env_risk", envRisk,
		"trend", trend, "scenario", scenario)
	if a.onFusion != nil {
		a.onFusion(floodCount, scoutCount, applied)
	}

	return agos.RiskUpdateResult{
		FloodSources:       floodCount,
		ScoutReports:       scoutCount,
		UpdatedEdges:       applied,
		AverageRisk:        avg,
		RiskTrend:          trend,
		RiskChangeRate:     rate,
		ActiveReports:      scoutCount,
		OldestReportAgeMin: oldest,
	}
}

// environmentalRiskLocked computes the global additive modifier: the
// mean fused risk over every location with a live observation. Per
// location, depth risk is weighted by FloodDepth and the decayed scout
// severity sum by Crowdsourced.
func (a *Agent) environmentalRiskLocked(now time.Time) float64 {
	floodPart := make(map[string]float64, len(a.flood))
	for loc, e := range a.flood {
		r := e.RiskScore
		if dr := a.curve.Risk(e.FloodDepth); dr > r {
			r = dr
		}
		floodPart[loc] = r
	}
	scoutSum := make(map[string]float64)
	for _, r := range a.scouts {
		loc := strings.ToLower(strings.TrimSpace(r.Location))
		if loc == "" {
			continue
		}
		ageMin := now.Sub(time.Unix(r.Timestamp, 0)).Minutes()
		scoutSum[loc] += r.Severity * r.Confidence * scoutDecay(ageMin, a.riverAlert)
	}

	locs := make(map[string]struct{}, len(floodPart)+len(scoutSum))
	for loc := range floodPart {
		locs[loc] = struct{}{}
	}
	for loc := range scoutSum {
		locs[loc] = struct{}{}
	}
	if len(locs) == 0 {
		return 0
	}
	total := 0.0
	for loc := range locs {
		total += clamp01(floodPart[loc]*a.weights.FloodDepth +
			scoutSum[loc]*a.weights.Crowdsourced)
	}
	return total / float64(len(locs))
}

// edgeDepth samples the raster at both edge endpoints and averages the
// hits. False when neither endpoint has coverage.
func (a *Agent) edgeDepth(e graph.Edge) (float64, bool) {
	sum, n := 0.0, 0
	for _, id := range [2]int64{e.From, e.To} {
		node, ok := a.graph.Node(id)
		if !ok {
			continue
		}
		if d, ok := a.raster.DepthAt(node.Lat, node.Lon); ok {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// maxOverride returns the stronger override value at either endpoint,
// false when neither endpoint carries one.
func maxOverride(vals map[int64]float64, from, to int64) (float64, bool) {
	v1, ok1 := vals[from]
	v2, ok2 := vals[to]
	if !ok1 && !ok2 {
		return 0, false
	}
	return math.Max(v1, v2), true
}

// place resolves an observation to coordinates: explicit coordinates
// win, then the location table.
func (a *Agent) place(location string, lat, lon float64, hasCoords bool) (float64, float64, bool) {
	if hasCoords {
		return lat, lon, true
	}
	if c, ok := a.locations[strings.ToLower(strings.TrimSpace(location))]; ok {
		return c[0], c[1], true
	}
	return 0, 0, false
}

// sweepLocked drops expired observations and their dedupe keys.
func (a *Agent) sweepLocked(now time.Time) {
	for loc, e := range a.flood {
		if now.Sub(time.Unix(e.Timestamp, 0)) > a.floodTTL {
			delete(a.flood, loc)
		}
	}
	kept := a.scouts[:0]
	for _, r := range a.scouts {
		if now.Sub(time.Unix(r.Timestamp, 0)) > a.scoutTTL {
			delete(a.seen, strings.ToLower(r.Location)+"|"+r.Text)
			continue
		}
		kept = append(kept, r)
	}
	a.scouts = kept
}

func (a *Agent) oldestReportAgeMinLocked(now time.Time) float64 {
	oldest := 0.0
	for _, r := range a.scouts {
		if age := now.Sub(time.Unix(r.Timestamp, 0)).Minutes(); age > oldest {
			oldest = age
		}
	}
	return oldest
}

func (a *Agent) evictFloodLocked() {
	for len(a.flood) > a.maxFlood {
		oldestLoc := ""
		oldestTS := int64(0)
		for loc, e := range a.flood {
			if oldestLoc == "" || e.Timestamp < oldestTS {
				oldestLoc, oldestTS = loc, e.Timestamp
			}
		}
		delete(a.flood, oldestLoc)
	}
}

func (a *Agent) evictScoutsLocked() {
	if over := len(a.scouts) - a.maxScout; over > 0 {
		for _, r := range a.scouts[:over] {
			delete(a.seen, strings.ToLower(r.Location)+"|"+r.Text)
		}
		a.scouts = a.scouts[over:]
	}
}

// QueryRisk aggregates edge risk around a point. The default radius is
// 500 m.
func (a *Agent) QueryRisk(q agos.QueryRiskAtLocation) agos.LocationRiskResult {
	radius := q.RadiusM
	if radius <= 0 {
		radius = defaultQueryRadiusM
	}
	edges := a.graph.EdgesNear(q.Lat, q.Lon, radius)

	var result agos.LocationRiskResult
	result.EdgeCount = len(edges)
	total := 0.0
	for _, e := range edges {
		total += e.Risk
		if e.Risk > result.MaxRisk {
			result.MaxRisk = e.Risk
		}
		if e.Risk >= highRiskThreshold {
			result.HighRiskEdges++
		}
		if e.Risk >= impassableRiskThreshold {
			result.ImpassableEdges++
		}
	}
	if len(edges) > 0 {
		result.AvgRisk = total / float64(len(edges))
	}
	result.Level = agos.LevelForRisk(result.AvgRisk)
	return result
}

// RiverAlert reports whether the latest collector batch flagged a river
// at or above alert level.
func (a *Agent) RiverAlert() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.riverAlert
}
