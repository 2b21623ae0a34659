package graph

import (
	"math"
	"path/filepath"
	"sync"
	"testing"
)

func squareGraph(t *testing.T) *RoadGraph {
	t.Helper()
	g := New()
	g.AddNode(Node{ID: 1, Lat: 14.6500, Lon: 121.1000})
	g.AddNode(Node{ID: 2, Lat: 14.6500, Lon: 121.1010})
	g.AddNode(Node{ID: 3, Lat: 14.6510, Lon: 121.1010})
	g.AddNode(Node{ID: 4, Lat: 14.6510, Lon: 121.1000})
	for _, pair := range [][2]int64{{1, 2}, {2, 3}, {3, 4}, {4, 1}, {1, 3}} {
		a, _ := g.Node(pair[0])
		b, _ := g.Node(pair[1])
		d := Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
		if _, err := g.AddEdge(pair[0], pair[1], d, ""); err != nil {
			t.Fatalf("AddEdge(%d,%d): %v", pair[0], pair[1], err)
		}
		if _, err := g.AddEdge(pair[1], pair[0], d, ""); err != nil {
			t.Fatalf("AddEdge(%d,%d): %v", pair[1], pair[0], err)
		}
	}
	return g
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is about 111.2 km everywhere.
	d := Haversine(14.0, 121.0, 15.0, 121.0)
	if d < 110000 || d > 112000 {
		t.Errorf("1 degree latitude = %.0f m, want ~111200", d)
	}
	if got := Haversine(14.65, 121.10, 14.65, 121.10); got != 0 {
		t.Errorf("zero distance = %v, want 0", got)
	}
}

func TestUpdateEdgeRiskWeight(t *testing.T) {
	g := squareGraph(t)
	e, _ := g.EdgeByKey(1, 2, 0)
	if e.Weight != e.LengthM {
		t.Fatalf("initial weight %v != length %v", e.Weight, e.LengthM)
	}

	if err := g.UpdateEdgeRisk(1, 2, 0, 0.5); err != nil {
		t.Fatalf("UpdateEdgeRisk: %v", err)
	}
	e, _ = g.EdgeByKey(1, 2, 0)
	if want := e.LengthM * 1.5; math.Abs(e.Weight-want) > 1e-9 {
		t.Errorf("weight = %v, want %v", e.Weight, want)
	}

	// Out-of-range values clamp.
	g.UpdateEdgeRisk(1, 2, 0, 7.0)
	e, _ = g.EdgeByKey(1, 2, 0)
	if e.Risk != 1.0 {
		t.Errorf("risk = %v, want clamp to 1.0", e.Risk)
	}
	g.UpdateEdgeRisk(1, 2, 0, -3.0)
	e, _ = g.EdgeByKey(1, 2, 0)
	if e.Risk != 0.0 {
		t.Errorf("risk = %v, want clamp to 0.0", e.Risk)
	}
}

func TestUpdateEdgeRiskUnknownEdge(t *testing.T) {
	g := squareGraph(t)
	if err := g.UpdateEdgeRisk(1, 99, 0, 0.5); err == nil {
		t.Fatal("expected error for unknown edge")
	}
}

func TestBatchUpdatePartialFailure(t *testing.T) {
	g := squareGraph(t)
	updates := []RiskUpdate{
		{From: 1, To: 2, Key: 0, Risk: 0.3},
		{From: 1, To: 99, Key: 0, Risk: 0.9}, // missing edge
		{From: 2, To: 3, Key: 0, Risk: 0.6},
	}
	if applied := g.BatchUpdate(updates); applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}
	e, _ := g.EdgeByKey(2, 3, 0)
	if e.Risk != 0.6 {
		t.Errorf("edge after failed entry not applied: risk = %v", e.Risk)
	}
}

func TestBatchUpdateConcurrentReaders(t *testing.T) {
	g := squareGraph(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Neighbors(1)
				g.RiskStats()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		g.BatchUpdate([]RiskUpdate{{From: 1, To: 2, Key: 0, Risk: 0.5}})
	}
	wg.Wait()
}

func TestParallelEdgeKeys(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: 1, Lat: 14.65, Lon: 121.10})
	g.AddNode(Node{ID: 2, Lat: 14.66, Lon: 121.10})
	k0, _ := g.AddEdge(1, 2, 100, "main")
	k1, _ := g.AddEdge(1, 2, 150, "service")
	if k0 != 0 || k1 != 1 {
		t.Fatalf("keys = %d, %d, want 0, 1", k0, k1)
	}
	g.UpdateEdgeRisk(1, 2, 1, 0.8)
	e0, _ := g.EdgeByKey(1, 2, 0)
	e1, _ := g.EdgeByKey(1, 2, 1)
	if e0.Risk != 0 || e1.Risk != 0.8 {
		t.Errorf("parallel edge risks = %v, %v, want 0, 0.8", e0.Risk, e1.Risk)
	}
}

func TestNearest(t *testing.T) {
	g := squareGraph(t)

	// A point just off node 3.
	id, ok := g.Nearest(14.6511, 121.1011, 0)
	if !ok || id != 3 {
		t.Errorf("Nearest = %d, %v, want 3, true", id, ok)
	}

	// A point far outside the 500 m cutoff.
	if _, ok := g.Nearest(14.80, 121.30, 0); ok {
		t.Error("Nearest should reject points beyond the cutoff")
	}

	// Empty graph.
	if _, ok := New().Nearest(14.65, 121.10, 0); ok {
		t.Error("Nearest on empty graph should report not found")
	}
}

func TestNearestAfterAddNode(t *testing.T) {
	g := squareGraph(t)
	g.Nearest(14.65, 121.10, 0) // force index build
	g.AddNode(Node{ID: 50, Lat: 14.6520, Lon: 121.1020})
	id, ok := g.Nearest(14.6521, 121.1021, 0)
	if !ok || id != 50 {
		t.Errorf("Nearest after AddNode = %d, %v, want 50, true (index rebuilt)", id, ok)
	}
}

func TestNearestAgainstBruteForce(t *testing.T) {
	g := SampleNetwork()
	probes := [][2]float64{
		{14.6507, 121.1029},
		{14.6450, 121.0950},
		{14.6600, 121.1100},
		{14.6555, 121.1001},
	}
	for _, p := range probes {
		id, ok := g.Nearest(p[0], p[1], 0)
		if !ok {
			t.Fatalf("Nearest(%v) not found", p)
		}
		bestID, bestD := int64(0), math.Inf(1)
		for nid := int64(1); nid <= int64(g.NodeCount()); nid++ {
			n, found := g.Node(nid)
			if !found {
				continue
			}
			if d := Haversine(p[0], p[1], n.Lat, n.Lon); d < bestD {
				bestD = d
				bestID = nid
			}
		}
		if id != bestID {
			t.Errorf("Nearest(%v) = %d, brute force = %d", p, id, bestID)
		}
	}
}

func TestNodesNear(t *testing.T) {
	g := squareGraph(t)
	n1, _ := g.Node(1)

	// 120 m catches node 1 itself plus its two adjacent corners
	// (~107.6 m east, ~111.2 m north) but not the far corner (~154.7 m).
	got := g.NodesNear(n1.Lat, n1.Lon, 120)
	if len(got) != 3 {
		t.Fatalf("NodesNear = %d nodes, want 3", len(got))
	}
	wantOrder := []int64{1, 2, 4}
	for i, w := range wantOrder {
		if got[i].Node.ID != w {
			t.Errorf("hit[%d] = node %d, want %d", i, got[i].Node.ID, w)
		}
	}
	if got[0].DistM != 0 {
		t.Errorf("distance to own coordinate = %v, want 0", got[0].DistM)
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistM < got[i-1].DistM {
			t.Errorf("results not sorted by distance: %v", got)
		}
	}

	if g.NodesNear(n1.Lat, n1.Lon, 0) != nil {
		t.Error("zero radius should return nothing")
	}
	if far := g.NodesNear(15.0, 122.0, 500); len(far) != 0 {
		t.Errorf("far query = %d nodes, want 0", len(far))
	}
}

func TestNodesNearAgainstBruteForce(t *testing.T) {
	g := SampleNetwork()
	lat, lon, radius := 14.6507, 121.1029, 300.0
	got := g.NodesNear(lat, lon, radius)

	want := map[int64]bool{}
	for id := int64(1); id <= int64(g.NodeCount()); id++ {
		n, found := g.Node(id)
		if !found {
			continue
		}
		if Haversine(lat, lon, n.Lat, n.Lon) <= radius {
			want[id] = true
		}
	}
	if len(got) != len(want) {
		t.Fatalf("NodesNear = %d nodes, brute force = %d", len(got), len(want))
	}
	for _, nd := range got {
		if !want[nd.Node.ID] {
			t.Errorf("unexpected node %d at %.0f m", nd.Node.ID, nd.DistM)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistM < got[i-1].DistM {
			t.Fatalf("results not sorted: %v then %v", got[i-1].DistM, got[i].DistM)
		}
	}
}

func TestEdgesNear(t *testing.T) {
	g := squareGraph(t)
	n1, _ := g.Node(1)
	edges := g.EdgesNear(n1.Lat, n1.Lon, 10)
	// All edges touching node 1: out-edges to 2, 4, 3 and in-edges from 2, 4, 3.
	if len(edges) != 6 {
		t.Errorf("EdgesNear = %d edges, want 6", len(edges))
	}
	if got := g.EdgesNear(15.0, 122.0, 10); len(got) != 0 {
		t.Errorf("EdgesNear far away = %d edges, want 0", len(got))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := squareGraph(t)
	g.UpdateEdgeRisk(1, 2, 0, 0.45)
	g.UpdateEdgeRisk(2, 3, 0, 0.90)

	path := filepath.Join(t.TempDir(), "risk.json")
	if err := g.Snapshot(path); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	fresh := squareGraph(t)
	savedAt, restored, err := fresh.Restore(path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if savedAt == 0 {
		t.Error("snapshot timestamp missing")
	}
	if restored != 2 {
		t.Errorf("restored = %d, want 2", restored)
	}
	e, _ := fresh.EdgeByKey(1, 2, 0)
	if math.Abs(e.Risk-0.45) > 1e-9 {
		t.Errorf("restored risk = %v, want 0.45", e.Risk)
	}
	if math.Abs(e.Weight-e.LengthM*1.45) > 1e-9 {
		t.Errorf("restored weight not recomputed: %v", e.Weight)
	}
	// Zero-risk edges are not in the file and stay zero.
	e, _ = fresh.EdgeByKey(3, 4, 0)
	if e.Risk != 0 {
		t.Errorf("zero-risk edge restored to %v", e.Risk)
	}
}

func TestSnapshotterCadence(t *testing.T) {
	g := squareGraph(t)
	g.UpdateEdgeRisk(1, 2, 0, 0.5)
	path := filepath.Join(t.TempDir(), "risk.json")

	s := NewSnapshotter(g, path, 100*1000*1000*1000) // far longer than the test
	wrote, err := s.MaybeSnapshot()
	if err != nil || !wrote {
		t.Fatalf("first MaybeSnapshot = %v, %v, want true, nil", wrote, err)
	}
	wrote, err = s.MaybeSnapshot()
	if err != nil || wrote {
		t.Fatalf("second MaybeSnapshot = %v, %v, want false, nil", wrote, err)
	}
}

func TestLoadSampleNetwork(t *testing.T) {
	g := SampleNetwork()
	if g.NodeCount() != 64 {
		t.Errorf("NodeCount = %d, want 64", g.NodeCount())
	}
	// 8x8 grid: 2 * (8*7 + 8*7) = 224 directed edges.
	if g.EdgeCount() != 224 {
		t.Errorf("EdgeCount = %d, want 224", g.EdgeCount())
	}
}
