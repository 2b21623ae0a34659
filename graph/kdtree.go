package graph

import (
	"math"
	"sort"
)

// kdTree is a 2-d tree over node coordinates. Split planes alternate
// between latitude and longitude. Distances during descent use squared
// degree deltas with longitude scaled by cos(lat) so the plane pruning
// stays correct near the city's latitude; the final answer is checked
// with the haversine distance.
type kdTree struct {
	nodes  []Node // tree stored implicitly: median layout
	cosLat float64
}

type kdCandidate struct {
	id   int64
	dist float64 // degree-space squared distance
}

func buildKDTree(nodes map[int64]Node) *kdTree {
	pts := make([]Node, 0, len(nodes))
	var latSum float64
	for _, n := range nodes {
		pts = append(pts, n)
		latSum += n.Lat
	}
	cos := 1.0
	if len(pts) > 0 {
		cos = math.Cos(latSum / float64(len(pts)) * math.Pi / 180)
	}
	t := &kdTree{nodes: make([]Node, 0, len(pts)), cosLat: cos}
	t.build(pts, 0)
	return t
}

// build recursively sorts by the split axis and appends in median-first
// order, producing an array where each subtree is contiguous.
func (t *kdTree) build(pts []Node, depth int) {
	if len(pts) == 0 {
		return
	}
	axis := depth % 2
	sort.Slice(pts, func(i, j int) bool {
		if axis == 0 {
			return pts[i].Lat < pts[j].Lat
		}
		return pts[i].Lon < pts[j].Lon
	})
	mid := len(pts) / 2
	t.nodes = append(t.nodes, pts[mid])
	t.build(pts[:mid], depth+1)
	t.build(pts[mid+1:], depth+1)
}

// nearest returns the closest node to (lat, lon). ok is false for an
// empty tree.
func (t *kdTree) nearest(lat, lon float64) (Node, bool) {
	if len(t.nodes) == 0 {
		return Node{}, false
	}
	best := kdCandidate{dist: math.Inf(1)}
	var bestNode Node
	t.search(0, len(t.nodes), 0, lat, lon, &best, &bestNode)
	return bestNode, true
}

// search walks the implicit median-first layout: nodes[lo] is the
// subtree root, nodes[lo+1:lo+1+leftLen] its left subtree, the rest the
// right subtree.
func (t *kdTree) search(lo, hi, depth int, lat, lon float64, best *kdCandidate, bestNode *Node) {
	if lo >= hi {
		return
	}
	root := t.nodes[lo]
	d := t.sqDist(root, lat, lon)
	if d < best.dist {
		best.dist = d
		best.id = root.ID
		*bestNode = root
	}

	n := hi - lo - 1 // subtree size minus root
	leftLen := (n + 1) / 2
	leftLo, leftHi := lo+1, lo+1+leftLen
	rightLo, rightHi := lo+1+leftLen, hi

	axis := depth % 2
	var delta float64
	if axis == 0 {
		delta = lat - root.Lat
	} else {
		delta = (lon - root.Lon) * t.cosLat
	}

	// Descend the near side first, then the far side only if the split
	// plane is closer than the current best.
	if delta < 0 {
		t.search(leftLo, leftHi, depth+1, lat, lon, best, bestNode)
		if delta*delta < best.dist {
			t.search(rightLo, rightHi, depth+1, lat, lon, best, bestNode)
		}
	} else {
		t.search(rightLo, rightHi, depth+1, lat, lon, best, bestNode)
		if delta*delta < best.dist {
			t.search(leftLo, leftHi, depth+1, lat, lon, best, bestNode)
		}
	}
}

func (t *kdTree) sqDist(n Node, lat, lon float64) float64 {
	dLat := n.Lat - lat
	dLon := (n.Lon - lon) * t.cosLat
	return dLat*dLat + dLon*dLon
}

// within collects every node whose degree-space distance from the query
// is at most degR, walking the same implicit layout as search.
func (t *kdTree) within(lo, hi, depth int, lat, lon, degR float64, out *[]Node) {
	if lo >= hi {
		return
	}
	root := t.nodes[lo]
	if t.sqDist(root, lat, lon) <= degR*degR {
		*out = append(*out, root)
	}

	n := hi - lo - 1
	leftLen := (n + 1) / 2

	axis := depth % 2
	var delta float64
	if axis == 0 {
		delta = lat - root.Lat
	} else {
		delta = (lon - root.Lon) * t.cosLat
	}

	// A subtree on the far side of the split plane can only hold matches
	// when the plane itself is within the radius.
	if delta <= degR {
		t.within(lo+1, lo+1+leftLen, depth+1, lat, lon, degR, out)
	}
	if -delta <= degR {
		t.within(lo+1+leftLen, hi, depth+1, lat, lon, degR, out)
	}
}

// DefaultNearestMaxM is the cutoff beyond which a coordinate is treated
// as outside the network.
const DefaultNearestMaxM = 500.0

// metersPerDegree approximates one degree of latitude on the haversine
// sphere. Used to convert a metric radius into the tree's degree space.
const metersPerDegree = earthRadiusM * math.Pi / 180

// Nearest returns the id of the node closest to the coordinate, or
// ok=false when the graph is empty or the closest node is farther than
// maxM (pass 0 for the default 500 m cutoff).
func (g *RoadGraph) Nearest(lat, lon, maxM float64) (int64, bool) {
	if maxM <= 0 {
		maxM = DefaultNearestMaxM
	}
	n, ok := g.tree().nearest(lat, lon)
	if !ok {
		return 0, false
	}
	if Haversine(lat, lon, n.Lat, n.Lon) > maxM {
		return 0, false
	}
	return n.ID, true
}

// NodeDist pairs a node with its distance from a query coordinate.
type NodeDist struct {
	Node  Node
	DistM float64
}

// NodesNear returns every node within radiusM of the coordinate,
// nearest first. The tree is pruned in degree space with a small pad,
// then each candidate is confirmed with the haversine distance.
func (g *RoadGraph) NodesNear(lat, lon, radiusM float64) []NodeDist {
	if radiusM <= 0 {
		return nil
	}
	degR := radiusM / metersPerDegree * 1.05
	t := g.tree()
	var candidates []Node
	t.within(0, len(t.nodes), 0, lat, lon, degR, &candidates)

	out := make([]NodeDist, 0, len(candidates))
	for _, n := range candidates {
		if d := Haversine(lat, lon, n.Lat, n.Lon); d <= radiusM {
			out = append(out, NodeDist{Node: n, DistM: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistM != out[j].DistM {
			return out[i].DistM < out[j].DistM
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// tree returns the current spatial index, rebuilding it after node
// changes.
func (g *RoadGraph) tree() *kdTree {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.kd == nil || g.kdDirty {
		g.kd = buildKDTree(g.nodes)
		g.kdDirty = false
	}
	return g.kd
}
