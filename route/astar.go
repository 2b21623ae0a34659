// Package route plans risk-aware paths over the shared road graph and
// hosts the routing agent that answers route and evacuation-center
// requests on the bus.
package route

import (
	"container/heap"
	"fmt"

	"github.com/nevindra/agos"
	"github.com/nevindra/agos/graph"
)

// CriticalRiskThreshold is the default risk at or above which an edge
// is treated as impassable and excluded from the search, in every mode.
const CriticalRiskThreshold = 0.9

// Params tunes the cost model. The risk penalty weighs risk against
// distance in the per-edge cost length * (1 + risk * penalty).
type Params struct {
	PenaltySafest   float64
	PenaltyBalanced float64
	PenaltyFastest  float64
	CriticalRisk    float64
}

// DefaultParams matches the deployment defaults: safest always detours,
// balanced accepts small risk for substantial savings, fastest ignores
// risk short of the critical threshold.
func DefaultParams() Params {
	return Params{
		PenaltySafest:   100,
		PenaltyBalanced: 3,
		PenaltyFastest:  0,
		CriticalRisk:    CriticalRiskThreshold,
	}
}

func (p Params) penalty(mode agos.RouteMode) float64 {
	switch mode {
	case agos.ModeSafest:
		return p.PenaltySafest
	case agos.ModeFastest:
		return p.PenaltyFastest
	default: // balanced, and anything unrecognized
		return p.PenaltyBalanced
	}
}

// Plan is a found path with its aggregate metrics.
type Plan struct {
	Nodes     []int64
	Edges     []graph.Edge
	DistanceM float64
	AvgRisk   float64 // length-weighted
	MaxRisk   float64
}

// Find runs A* from start to goal. Edges at or above the critical risk
// threshold are excluded regardless of mode. Among parallel edges of a
// node pair the lowest-risk one is considered, ties broken by length.
// Returns an ErrRoute with Kind NoPathFound when the goal is
// unreachable.
func Find(g *graph.RoadGraph, start, goal int64, mode agos.RouteMode, p Params) (Plan, error) {
	goalNode, ok := g.Node(goal)
	if !ok {
		return Plan{}, &agos.ErrRoute{Kind: agos.InvalidLocation, Message: "unknown goal node"}
	}
	if _, ok := g.Node(start); !ok {
		return Plan{}, &agos.ErrRoute{Kind: agos.InvalidLocation, Message: "unknown start node"}
	}

	penalty := p.penalty(mode)

	gScore := map[int64]float64{start: 0}
	prev := map[int64]cameFrom{}
	closed := map[int64]bool{}

	h := func(id int64) float64 {
		n, found := g.Node(id)
		if !found {
			return 0
		}
		return graph.Haversine(n.Lat, n.Lon, goalNode.Lat, goalNode.Lon)
	}

	open := &nodeQueue{}
	heap.Init(open)
	heap.Push(open, &queueItem{node: start, priority: h(start)})

	for open.Len() > 0 {
		cur := heap.Pop(open).(*queueItem)
		if closed[cur.node] {
			continue
		}
		if cur.node == goal {
			return assemblePlan(start, goal, prev), nil
		}
		closed[cur.node] = true

		for _, e := range bestParallelEdges(g.Neighbors(cur.node), p.CriticalRisk) {
			if closed[e.To] {
				continue
			}
			cost := e.LengthM * (1 + e.Risk*penalty)
			tentative := gScore[cur.node] + cost
			if old, seen := gScore[e.To]; seen && tentative >= old {
				continue
			}
			gScore[e.To] = tentative
			prev[e.To] = cameFrom{node: cur.node, edge: e}
			heap.Push(open, &queueItem{node: e.To, priority: tentative + h(e.To)})
		}
	}
	return Plan{}, &agos.ErrRoute{Kind: agos.NoPathFound, Message: "goal unreachable"}
}

// bestParallelEdges collapses parallel edges per destination to the
// lowest-risk one (shorter wins a risk tie) and drops critically risky
// edges.
func bestParallelEdges(edges []graph.Edge, criticalRisk float64) []graph.Edge {
	best := make(map[int64]graph.Edge, len(edges))
	for _, e := range edges {
		if e.Risk >= criticalRisk {
			continue
		}
		cur, seen := best[e.To]
		if !seen || e.Risk < cur.Risk || (e.Risk == cur.Risk && e.LengthM < cur.LengthM) {
			best[e.To] = e
		}
	}
	out := make([]graph.Edge, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	return out
}

type cameFrom struct {
	node int64
	edge graph.Edge
}

func assemblePlan(start, goal int64, prev map[int64]cameFrom) Plan {
	var nodes []int64
	var edges []graph.Edge
	for at := goal; at != start; {
		step := prev[at]
		nodes = append(nodes, at)
		edges = append(edges, step.edge)
		at = step.node
	}
	nodes = append(nodes, start)

	// Reverse into start-to-goal order.
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}

	p := Plan{Nodes: nodes, Edges: edges}
	var weighted float64
	for _, e := range edges {
		p.DistanceM += e.LengthM
		weighted += e.Risk * e.LengthM
		if e.Risk > p.MaxRisk {
			p.MaxRisk = e.Risk
		}
	}
	if p.DistanceM > 0 {
		p.AvgRisk = weighted / p.DistanceM
	}
	return p
}

// Travel-time model: flood risk slows traffic down to half speed at
// risk 1.0.
const (
	baseSpeedKmh = 20.0
	riskSlowdown = 0.5
)

// EstTimeMin estimates travel time in minutes for a plan.
func (p Plan) EstTimeMin() float64 {
	if p.DistanceM == 0 {
		return 0
	}
	speed := baseSpeedKmh * (1 - p.AvgRisk*riskSlowdown)
	if speed < 1 {
		speed = 1
	}
	return p.DistanceM / 1000 / speed * 60
}

// Warning thresholds over the plan's risk metrics. The critical band
// sits a margin below the blocking threshold: edges at or above it
// never enter a plan, so the warning fires for segments just short of
// impassable.
const (
	warnCriticalMargin = 0.05
	warnHighMaxRisk    = 0.7
	warnCautionAvgRisk = 0.5
	warnLongRouteM     = 10_000.0
)

// Warnings derives rider-facing warnings from the plan's metrics,
// given the critical risk threshold the plan was searched under. The
// caution threshold is skipped in fastest mode, which instead carries a
// standing notice that it ignores risk.
func (p Plan) Warnings(mode agos.RouteMode, criticalRisk float64) []string {
	var out []string
	switch {
	case p.MaxRisk >= criticalRisk-warnCriticalMargin:
		out = append(out, "route crosses a critically flooded segment")
	case p.MaxRisk >= warnHighMaxRisk:
		out = append(out, "route passes through a high-risk flooded segment")
	}
	if p.AvgRisk >= warnCautionAvgRisk && mode != agos.ModeFastest {
		out = append(out, "large part of this route is flooded, expect delays")
	}
	if p.DistanceM > warnLongRouteM {
		out = append(out, fmt.Sprintf("long route: %.1f km", p.DistanceM/1000))
	}
	if mode == agos.ModeFastest {
		out = append(out, "fastest mode ignores flood risk below the critical threshold")
	}
	return out
}

// --- priority queue ---

type queueItem struct {
	node     int64
	priority float64
	index    int
}

type nodeQueue []*queueItem

func (q nodeQueue) Len() int { return len(q) }
func (q nodeQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].node < q[j].node
}
func (q nodeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *nodeQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
