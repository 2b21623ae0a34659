package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshotFile is the on-disk risk snapshot. Only edges with non-zero
// risk are stored; everything else restores to zero implicitly.
type snapshotFile struct {
	SavedAt int64          `json:"saved_at"`
	Edges   []snapshotEdge `json:"edges"`
}

type snapshotEdge struct {
	From int64   `json:"from"`
	To   int64   `json:"to"`
	Key  int     `json:"key"`
	Risk float64 `json:"risk"`
}

// Snapshot writes the current non-zero edge risks to path. The file is
// written to a temp file in the same directory and renamed into place
// so readers never see a partial snapshot.
func (g *RoadGraph) Snapshot(path string) error {
	snap := snapshotFile{SavedAt: time.Now().Unix()}
	for _, e := range g.Edges() {
		if e.Risk > 0 {
			snap.Edges = append(snap.Edges, snapshotEdge{From: e.From, To: e.To, Key: e.Key, Risk: e.Risk})
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	g.logger.Info("graph: snapshot written", "path", path, "edges", len(snap.Edges))
	return nil
}

// Restore loads edge risks from a snapshot written by Snapshot. Edges
// that no longer exist in the graph are logged and skipped. Returns the
// snapshot timestamp and the number of edges restored.
func (g *RoadGraph) Restore(path string) (savedAt int64, restored int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, 0, fmt.Errorf("parse snapshot: %w", err)
	}

	updates := make([]RiskUpdate, len(snap.Edges))
	for i, e := range snap.Edges {
		updates[i] = RiskUpdate{From: e.From, To: e.To, Key: e.Key, Risk: e.Risk}
	}
	restored = g.BatchUpdate(updates)
	g.logger.Info("graph: snapshot restored",
		"path", path, "edges", restored, "saved_at", snap.SavedAt)
	return snap.SavedAt, restored, nil
}

// Snapshotter rate-limits snapshots to at most one per interval. The
// hazard agent calls MaybeSnapshot after every fusion cycle; writes
// only happen once the interval has elapsed.
type Snapshotter struct {
	mu       sync.Mutex
	graph    *RoadGraph
	path     string
	interval time.Duration
	last     time.Time
}

// NewSnapshotter creates a Snapshotter. interval <= 0 defaults to 10
// minutes.
func NewSnapshotter(g *RoadGraph, path string, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Snapshotter{graph: g, path: path, interval: interval}
}

// MaybeSnapshot writes a snapshot when the interval has elapsed since
// the last write. Returns true when a snapshot was written.
func (s *Snapshotter) MaybeSnapshot() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.last) < s.interval {
		return false, nil
	}
	if err := s.graph.Snapshot(s.path); err != nil {
		return false, err
	}
	s.last = time.Now()
	return true, nil
}
