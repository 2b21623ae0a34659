// Package graph holds the shared road network: nodes with coordinates,
// directed edges with length and flood risk, and a spatial index for
// nearest-node lookups. One RoadGraph instance is shared by the hazard
// and routing agents; all access goes through its lock.
package graph

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nevindra/agos"
)

const earthRadiusM = 6371000.0

// Haversine returns the great-circle distance in meters between two
// coordinate pairs.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Node is a road intersection or endpoint.
type Node struct {
	ID  int64   `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Edge is one directed road segment. Parallel edges between the same
// node pair are distinguished by Key. Weight is maintained as
// LengthM * (1 + Risk) whenever Risk changes.
type Edge struct {
	From    int64   `json:"from"`
	To      int64   `json:"to"`
	Key     int     `json:"key"`
	LengthM float64 `json:"length_m"`
	Risk    float64 `json:"risk"`
	Weight  float64 `json:"weight"`
	Name    string  `json:"name,omitempty"`
}

// RiskUpdate addresses one edge for a batch risk write.
type RiskUpdate struct {
	From int64
	To   int64
	Key  int
	Risk float64
}

type edgeKey struct {
	from int64
	to   int64
	key  int
}

// RoadGraph is the mutable road network. Safe for concurrent use; batch
// risk writes hold the write lock for the whole batch so readers never
// observe a half-applied update.
type RoadGraph struct {
	mu       sync.RWMutex
	nodes    map[int64]Node
	adj      map[int64][]Edge // outgoing edges per node
	edgeIdx  map[edgeKey]int  // position within adj[from]
	kd       *kdTree
	kdDirty  bool
	updating atomic.Bool
	logger   *slog.Logger
}

// Option configures a RoadGraph.
type Option func(*RoadGraph)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *RoadGraph) { g.logger = l }
}

// New creates an empty RoadGraph.
func New(opts ...Option) *RoadGraph {
	g := &RoadGraph{
		nodes:   make(map[int64]Node),
		adj:     make(map[int64][]Edge),
		edgeIdx: make(map[edgeKey]int),
		logger:  slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// AddNode inserts or replaces a node.
func (g *RoadGraph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = n
	g.kdDirty = true
}

// AddEdge inserts a directed edge and returns its key among the
// parallel edges of the same (from, to) pair. Risk starts at zero, so
// Weight starts at LengthM.
func (g *RoadGraph) AddEdge(from, to int64, lengthM float64, name string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[from]; !ok {
		return 0, &agos.ErrGraph{Op: "add_edge", Message: "unknown from node"}
	}
	if _, ok := g.nodes[to]; !ok {
		return 0, &agos.ErrGraph{Op: "add_edge", Message: "unknown to node"}
	}
	key := 0
	for _, e := range g.adj[from] {
		if e.To == to && e.Key >= key {
			key = e.Key + 1
		}
	}
	e := Edge{From: from, To: to, Key: key, LengthM: lengthM, Risk: 0, Weight: lengthM, Name: name}
	g.adj[from] = append(g.adj[from], e)
	g.edgeIdx[edgeKey{from, to, key}] = len(g.adj[from]) - 1
	return key, nil
}

// Node returns a node by id.
func (g *RoadGraph) Node(id int64) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// NodeCount returns the number of nodes.
func (g *RoadGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of directed edges.
func (g *RoadGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, edges := range g.adj {
		n += len(edges)
	}
	return n
}

// Neighbors copies the outgoing edges of a node. Callers get a snapshot;
// concurrent risk updates do not mutate the returned slice.
func (g *RoadGraph) Neighbors(id int64) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := g.adj[id]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// EdgeByKey returns one edge.
func (g *RoadGraph) EdgeByKey(from, to int64, key int) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.edgeIdx[edgeKey{from, to, key}]
	if !ok {
		return Edge{}, false
	}
	return g.adj[from][i], true
}

// UpdateEdgeRisk sets one edge's risk, clamped to [0, 1], and recomputes
// its weight as LengthM * (1 + risk).
func (g *RoadGraph) UpdateEdgeRisk(from, to int64, key int, risk float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updateRiskLocked(from, to, key, risk)
}

func (g *RoadGraph) updateRiskLocked(from, to int64, key int, risk float64) error {
	i, ok := g.edgeIdx[edgeKey{from, to, key}]
	if !ok {
		return &agos.ErrGraph{Op: "update_risk", Message: "unknown edge"}
	}
	if risk < 0 {
		risk = 0
	} else if risk > 1 {
		risk = 1
	}
	e := &g.adj[from][i]
	e.Risk = risk
	e.Weight = e.LengthM * (1 + risk)
	return nil
}

// BatchUpdate applies many risk writes inside a single critical
// section. A write addressing a missing edge is logged and skipped; the
// rest of the batch still applies. Returns the number of edges updated.
func (g *RoadGraph) BatchUpdate(updates []RiskUpdate) int {
	g.updating.Store(true)
	defer g.updating.Store(false)

	g.mu.Lock()
	defer g.mu.Unlock()
	applied := 0
	for _, u := range updates {
		if err := g.updateRiskLocked(u.From, u.To, u.Key, u.Risk); err != nil {
			g.logger.Warn("graph: batch update skipped edge",
				"from", u.From, "to", u.To, "key", u.Key, "err", err)
			continue
		}
		applied++
	}
	return applied
}

// IsUpdating reports whether a batch risk update is in progress.
func (g *RoadGraph) IsUpdating() bool {
	return g.updating.Load()
}

// EdgesNear returns every edge with at least one endpoint within
// radiusM of the coordinate.
func (g *RoadGraph) EdgesNear(lat, lon, radiusM float64) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for from, edges := range g.adj {
		fn := g.nodes[from]
		fromNear := Haversine(lat, lon, fn.Lat, fn.Lon) <= radiusM
		for _, e := range edges {
			if fromNear {
				out = append(out, e)
				continue
			}
			tn := g.nodes[e.To]
			if Haversine(lat, lon, tn.Lat, tn.Lon) <= radiusM {
				out = append(out, e)
			}
		}
	}
	return out
}

// Edges copies every edge. Used by snapshots and stats.
func (g *RoadGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edgeIdx))
	for _, edges := range g.adj {
		out = append(out, edges...)
	}
	return out
}

// RiskStats returns the average and maximum risk over all edges, and
// the count of edges with non-zero risk.
func (g *RoadGraph) RiskStats() (avg, peak float64, nonZero int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0.0
	count := 0
	for _, edges := range g.adj {
		for _, e := range edges {
			total += e.Risk
			count++
			if e.Risk > peak {
				peak = e.Risk
			}
			if e.Risk > 0 {
				nonZero++
			}
		}
	}
	if count > 0 {
		avg = total / float64(count)
	}
	return avg, peak, nonZero
}

// EdgeDistanceM returns the distance from a coordinate to the midpoint
// of an edge.
func (g *RoadGraph) EdgeDistanceM(e Edge, lat, lon float64) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn, ok1 := g.nodes[e.From]
	tn, ok2 := g.nodes[e.To]
	if !ok1 || !ok2 {
		return math.Inf(1)
	}
	midLat := (fn.Lat + tn.Lat) / 2
	midLon := (fn.Lon + tn.Lon) / 2
	return Haversine(lat, lon, midLat, midLon)
}
