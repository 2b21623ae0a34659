package graph

import (
	"encoding/json"
	"fmt"
	"os"
)

// networkFile is the on-disk road network format: a flat node list and
// a flat edge list. Exported from OSM extracts by offline tooling.
type networkFile struct {
	Nodes []Node        `json:"nodes"`
	Edges []networkEdge `json:"edges"`
}

type networkEdge struct {
	From    int64   `json:"from"`
	To      int64   `json:"to"`
	LengthM float64 `json:"length_m"`
	Name    string  `json:"name,omitempty"`
	Oneway  bool    `json:"oneway,omitempty"`
}

// LoadFile reads a road network file into a new RoadGraph. Two-way
// segments produce an edge in each direction. Edges with non-positive
// length fall back to the haversine distance between their endpoints.
func LoadFile(path string, opts ...Option) (*RoadGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network: %w", err)
	}
	var nf networkFile
	if err := json.Unmarshal(data, &nf); err != nil {
		return nil, fmt.Errorf("parse network: %w", err)
	}

	g := New(opts...)
	for _, n := range nf.Nodes {
		g.AddNode(n)
	}
	for _, e := range nf.Edges {
		length := e.LengthM
		if length <= 0 {
			fn, ok1 := g.Node(e.From)
			tn, ok2 := g.Node(e.To)
			if !ok1 || !ok2 {
				continue
			}
			length = Haversine(fn.Lat, fn.Lon, tn.Lat, tn.Lon)
		}
		if _, err := g.AddEdge(e.From, e.To, length, e.Name); err != nil {
			return nil, fmt.Errorf("edge %d->%d: %w", e.From, e.To, err)
		}
		if !e.Oneway {
			if _, err := g.AddEdge(e.To, e.From, length, e.Name); err != nil {
				return nil, fmt.Errorf("edge %d->%d: %w", e.To, e.From, err)
			}
		}
	}
	return g, nil
}

// SampleNetwork builds a small grid around the Marikina city center for
// development and simulated runs when no network file is configured.
func SampleNetwork(opts ...Option) *RoadGraph {
	const (
		centerLat = 14.6507
		centerLon = 121.1029
		rows      = 8
		cols      = 8
		stepDeg   = 0.0045 // roughly 500 m
	)
	g := New(opts...)
	id := func(r, c int) int64 { return int64(r*cols + c + 1) }
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g.AddNode(Node{
				ID:  id(r, c),
				Lat: centerLat + float64(r-rows/2)*stepDeg,
				Lon: centerLon + float64(c-cols/2)*stepDeg,
			})
		}
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			a := id(r, c)
			if c+1 < cols {
				b := id(r, c+1)
				an, _ := g.Node(a)
				bn, _ := g.Node(b)
				d := Haversine(an.Lat, an.Lon, bn.Lat, bn.Lon)
				g.AddEdge(a, b, d, "")
				g.AddEdge(b, a, d, "")
			}
			if r+1 < rows {
				b := id(r+1, c)
				an, _ := g.Node(a)
				bn, _ := g.Node(b)
				d := Haversine(an.Lat, an.Lon, bn.Lat, bn.Lon)
				g.AddEdge(a, b, d, "")
				g.AddEdge(b, a, d, "")
			}
		}
	}
	return g
}
