package route

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/agos"
	"github.com/nevindra/agos/graph"
)

// Nearest-node cache tuning. Node positions never change at runtime;
// the TTL ages entries out and the size cap evicts them, so scattered
// queries cannot grow the cache without end.
const (
	nearestCacheTTL = 5 * time.Minute
	nearestCacheMax = 4096
)

// maxCenterCandidates caps how many distance-ranked centers get a full
// route computation per lookup.
const maxCenterCandidates = 5

type nearestEntry struct {
	node    int64
	found   bool
	expires time.Time
}

// Agent answers CalculateRoute and FindEvacuationCenter requests.
type Agent struct {
	agos.BaseAgent
	graph     *graph.RoadGraph
	centers   []agos.EvacCenterInfo
	params    Params
	maxNodeM  float64
	llm       *agos.LLMService
	onCompute func(mode, status string, elapsed time.Duration)

	cacheMu sync.Mutex
	nearest map[string]nearestEntry
}

// AgentOption configures a routing Agent.
type AgentOption func(*Agent)

// WithCenters supplies the evacuation center list. Defaults to
// SampleCenters.
func WithCenters(centers []agos.EvacCenterInfo) AgentOption {
	return func(a *Agent) { a.centers = centers }
}

// WithParams overrides the cost model: per-mode risk penalties and the
// critical blocking threshold.
func WithParams(p Params) AgentOption {
	return func(a *Agent) { a.params = p }
}

// WithMaxNodeDistance sets how far a query coordinate may sit from its
// nearest road node before it is rejected as off-network.
func WithMaxNodeDistance(meters float64) AgentOption {
	return func(a *Agent) {
		if meters > 0 {
			a.maxNodeM = meters
		}
	}
}

// WithLLM enables short natural-language explanations on evacuation
// center picks. Lookups work identically without it.
func WithLLM(s *agos.LLMService) AgentOption {
	return func(a *Agent) { a.llm = s }
}

// WithComputeObserver registers a callback invoked after every route
// computation with the mode, the result status ("error" on failure),
// and the elapsed time.
func WithComputeObserver(fn func(mode, status string, elapsed time.Duration)) AgentOption {
	return func(a *Agent) { a.onCompute = fn }
}

// NewAgent registers the routing agent on the bus.
func NewAgent(bus *agos.Bus, g *graph.RoadGraph, logger *slog.Logger, opts ...AgentOption) (*Agent, error) {
	base, err := agos.NewBaseAgent(agos.AgentRouting, bus, logger)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		BaseAgent: base,
		graph:     g,
		centers:   SampleCenters(),
		params:    DefaultParams(),
		maxNodeM:  graph.DefaultNearestMaxM,
		nearest:   make(map[string]nearestEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Step drains the inbox and answers each request.
func (a *Agent) Step(ctx context.Context) error {
	for _, msg := range a.Drain(0) {
		if msg.Performative != agos.Request {
			continue
		}
		switch body := msg.Body.(type) {
		case agos.CalculateRoute:
			a.handleRoute(msg, body)
		case agos.FindEvacuationCenter:
			a.handleFindCenter(ctx, msg, body)
		default:
			a.FailTo(msg, fmt.Errorf("unsupported request %q", msg.Body.Kind()))
		}
	}
	return nil
}

func (a *Agent) handleRoute(msg agos.Message, req agos.CalculateRoute) {
	result, err := a.Route(req)
	if err != nil {
		a.Logger().Warn("routing: request failed", "err", err)
		a.FailTo(msg, err)
		return
	}
	if err := a.ReplyTo(msg, agos.Inform, result); err != nil {
		a.Logger().Warn("routing: reply failed", "err", err)
	}
}

// Route resolves endpoints and plans a path. Critically risky edges are
// never part of a returned path; when they strand the goal the result
// carries no path and a status of impassable (fastest mode) or
// no_safe_route (balanced and safest).
func (a *Agent) Route(req agos.CalculateRoute) (agos.RouteResult, error) {
	started := time.Now()
	result, err := a.computeRoute(req)
	if a.onCompute != nil {
		status := "error"
		if err == nil {
			status = string(result.Status)
		}
		a.onCompute(string(routeMode(req.Mode)), status, time.Since(started))
	}
	return result, err
}

// routeMode applies the default when a request leaves the mode unset.
func routeMode(m agos.RouteMode) agos.RouteMode {
	if m == "" {
		return agos.ModeBalanced
	}
	return m
}

func (a *Agent) computeRoute(req agos.CalculateRoute) (agos.RouteResult, error) {
	mode := routeMode(req.Mode)

	start, ok := a.cachedNearest(req.StartLat, req.StartLon)
	if !ok {
		return agos.RouteResult{}, &agos.ErrRoute{Kind: agos.InvalidLocation, Message: "start is not near the road network"}
	}
	end, ok := a.cachedNearest(req.EndLat, req.EndLon)
	if !ok {
		return agos.RouteResult{}, &agos.ErrRoute{Kind: agos.InvalidLocation, Message: "destination is not near the road network"}
	}

	plan, err := Find(a.graph, start, end, mode, a.params)
	if err != nil {
		routeErr, isRoute := err.(*agos.ErrRoute)
		if !isRoute || routeErr.Kind != agos.NoPathFound {
			return agos.RouteResult{}, err
		}
		result := agos.RouteResult{Status: agos.RouteNoSafeRoute, Mode: mode,
			Warnings: []string{"every candidate route crosses a critically flooded segment"}}
		if mode == agos.ModeFastest {
			result.Status = agos.RouteImpassable
			result.Warnings = nil
		}
		return result, nil
	}

	keys := make([]int, len(plan.Edges))
	for i, e := range plan.Edges {
		keys[i] = e.Key
	}
	return agos.RouteResult{
		Status:       agos.RouteOK,
		Mode:         mode,
		NodePath:     plan.Nodes,
		EdgeKeys:     keys,
		DistanceM:    plan.DistanceM,
		AvgRisk:      plan.AvgRisk,
		MaxRisk:      plan.MaxRisk,
		EstTimeMin:   plan.EstTimeMin(),
		SegmentCount: len(plan.Edges),
		Warnings:     plan.Warnings(mode, a.params.CriticalRisk),
	}, nil
}

func (a *Agent) handleFindCenter(ctx context.Context, msg agos.Message, req agos.FindEvacuationCenter) {
	result, err := a.FindCenter(ctx, req)
	if err != nil {
		a.Logger().Warn("routing: find center failed", "err", err)
		a.FailTo(msg, err)
		return
	}
	if err := a.ReplyTo(msg, agos.Inform, result); err != nil {
		a.Logger().Warn("routing: reply failed", "err", err)
	}
}

// FindCenter ranks candidate centers by straight-line distance, routes
// to the nearest few, and picks the reachable one with the lowest
// average route risk, ties broken by travel time.
func (a *Agent) FindCenter(ctx context.Context, req agos.FindEvacuationCenter) (agos.EvacuationResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = agos.ModeSafest
	}

	candidates := a.filterCenters(req.Query)
	sort.Slice(candidates, func(i, j int) bool {
		di := graph.Haversine(req.Lat, req.Lon, candidates[i].Lat, candidates[i].Lon)
		dj := graph.Haversine(req.Lat, req.Lon, candidates[j].Lat, candidates[j].Lon)
		return di < dj
	})
	if len(candidates) > maxCenterCandidates {
		candidates = candidates[:maxCenterCandidates]
	}

	type scored struct {
		center agos.EvacCenterInfo
		route  agos.RouteResult
	}
	var best *scored
	better := func(x, y agos.RouteResult) bool {
		if x.AvgRisk != y.AvgRisk {
			return x.AvgRisk < y.AvgRisk
		}
		return x.EstTimeMin < y.EstTimeMin
	}

	for _, c := range candidates {
		r, err := a.Route(agos.CalculateRoute{
			StartLat: req.Lat, StartLon: req.Lon,
			EndLat: c.Lat, EndLon: c.Lon,
			Mode: mode,
		})
		if err != nil {
			if _, isRoute := err.(*agos.ErrRoute); isRoute {
				a.Logger().Debug("routing: center unreachable", "center", c.Name, "err", err)
				continue
			}
			return agos.EvacuationResult{}, err
		}
		if r.Status != agos.RouteOK {
			continue
		}
		if best == nil || better(r, best.route) {
			best = &scored{center: c, route: r}
		}
	}
	if best == nil {
		return agos.EvacuationResult{Status: agos.RouteNoSafeRoute}, nil
	}
	result := agos.EvacuationResult{
		Status: agos.RouteOK,
		Center: best.center,
		Route:  best.route,
	}
	result.Explanation = a.explain(ctx, req, result)
	return result, nil
}

// explain asks the LLM for a one-sentence rationale for the pick. Empty
// without an LLM or on failure; the result is complete either way.
func (a *Agent) explain(ctx context.Context, req agos.FindEvacuationCenter, res agos.EvacuationResult) string {
	if a.llm == nil {
		return ""
	}
	prompt := fmt.Sprintf(
		"In one sentence, explain why %s (capacity %d) is the best evacuation center "+
			"for someone at (%.4f, %.4f): route is %.1f km, about %.0f minutes, "+
			"average flood risk %.2f.",
		res.Center.Name, res.Center.Capacity, req.Lat, req.Lon,
		res.Route.DistanceM/1000, res.Route.EstTimeMin, res.Route.AvgRisk)
	out, err := a.llm.TextChat(ctx, prompt)
	if err != nil {
		a.Logger().Debug("routing: explanation skipped", "err", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// filterCenters narrows candidates by a name substring from the query.
// No match falls back to the whole list rather than failing. The
// returned slice is a copy safe to reorder.
func (a *Agent) filterCenters(query string) []agos.EvacCenterInfo {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return append([]agos.EvacCenterInfo(nil), a.centers...)
	}
	var out []agos.EvacCenterInfo
	for _, c := range a.centers {
		if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Type), q) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return append([]agos.EvacCenterInfo(nil), a.centers...)
	}
	return out
}

// cachedNearest resolves a coordinate to its nearest road node through
// a TTL cache keyed by the coordinate rounded to 4 decimals (~11 m).
func (a *Agent) cachedNearest(lat, lon float64) (int64, bool) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lon)
	now := time.Now()

	a.cacheMu.Lock()
	if e, ok := a.nearest[key]; ok && now.Before(e.expires) {
		a.cacheMu.Unlock()
		return e.node, e.found
	}
	a.cacheMu.Unlock()

	node, found := a.graph.Nearest(lat, lon, a.maxNodeM)

	a.cacheMu.Lock()
	if len(a.nearest) >= nearestCacheMax {
		a.evictLocked(now)
	}
	a.nearest[key] = nearestEntry{node: node, found: found, expires: now.Add(nearestCacheTTL)}
	a.cacheMu.Unlock()
	return node, found
}

// evictLocked drops expired entries and, if the cache is still full,
// the soonest-to-expire ones until an insert fits. Caller holds cacheMu.
func (a *Agent) evictLocked(now time.Time) {
	for k, e := range a.nearest {
		if !now.Before(e.expires) {
			delete(a.nearest, k)
		}
	}
	for len(a.nearest) >= nearestCacheMax {
		var oldestKey string
		var oldest time.Time
		for k, e := range a.nearest {
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey, oldest = k, e.expires
			}
		}
		delete(a.nearest, oldestKey)
	}
}
