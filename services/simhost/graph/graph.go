// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the relational graph the physics modules operate on.
//
// The graph is a fixed-topology multigraph stored in compressed sparse row
// form. Topology (node count, edges) never changes after Build; modules
// mutate only the per-edge and per-node state slices. A topology change is
// expressed by building a new Graph.
package graph

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// rewireProbability is the chance that a lattice edge is redirected to a
// random endpoint during construction.
const rewireProbability = 0.1

// MaxEdgeCount bounds the edge arrays so an extreme NodeCount x TargetDegree
// combination fails construction instead of exhausting memory.
const MaxEdgeCount = 1 << 24

// Spec describes the graph to build.
type Spec struct {
	NodeCount    int
	TargetDegree int
	Seed         int64
}

// Graph is the simulation state shared by the pipeline, the engine and the
// publish loop.
//
// Thread Safety:
//
//	Topology accessors are safe for concurrent reads. State slices returned by
//	Weights, Phases, Excitation and Mass are shared and unsynchronized; modules
//	that run concurrently must write disjoint regions.
type Graph struct {
	spec Spec

	// CSR adjacency: neighbors of u are adjacency[offsets[u]:offsets[u+1]]
	// and incident[k] is the edge index of adjacency slot k.
	offsets   []int32
	adjacency []int32
	incident  []int32

	// edges holds endpoint pairs: edge e connects edges[2e] and edges[2e+1].
	edges []int32

	weights    []float64
	phases     []float64
	excitation []float64
	mass       []float64
	positions  [][3]float32
}

// Build constructs a graph deterministically from spec.
//
// Description:
//
//	Nodes are placed on a ring lattice where each node links to its
//	ceil(TargetDegree/2) clockwise neighbours, then a fraction of the edges is
//	rewired to random endpoints. Edge weights, phases, node excitation and
//	positions are seeded from the same generator, so equal specs produce
//	identical graphs.
//
// Outputs:
//
//	*Graph - The constructed graph.
//	error - ErrInvalidSpec if the node count or degree is non-positive,
//	        ErrTooLarge if the edge arrays would exceed MaxEdgeCount.
func Build(spec Spec) (*Graph, error) {
	if spec.NodeCount < 1 {
		return nil, fmt.Errorf("%w: node count %d", ErrInvalidSpec, spec.NodeCount)
	}
	if spec.TargetDegree < 1 {
		return nil, fmt.Errorf("%w: target degree %d", ErrInvalidSpec, spec.TargetDegree)
	}

	n := spec.NodeCount
	rng := rand.New(rand.NewPCG(uint64(spec.Seed), uint64(spec.Seed)^0x9E3779B97F4A7C15))

	half := (spec.TargetDegree + 1) / 2
	if maxHalf := (n - 1) / 2; half > maxHalf {
		half = maxHalf
	}

	edgeCount := n * half
	if n == 2 {
		edgeCount = 1
	}
	if edgeCount > MaxEdgeCount {
		return nil, fmt.Errorf("%w: %d edges exceeds limit %d", ErrTooLarge, edgeCount, MaxEdgeCount)
	}

	edges := make([]int32, 0, 2*edgeCount)
	if n == 2 {
		edges = append(edges, 0, 1)
	}
	for u := 0; u < n && n > 2; u++ {
		for d := 1; d <= half; d++ {
			v := (u + d) % n
			if rng.Float64() < rewireProbability {
				if w := rng.IntN(n); w != u {
					v = w
				}
			}
			edges = append(edges, int32(u), int32(v))
		}
	}

	g := &Graph{
		spec:       spec,
		edges:      edges,
		weights:    make([]float64, edgeCount),
		phases:     make([]float64, edgeCount),
		excitation: make([]float64, n),
		mass:       make([]float64, n),
		positions:  make([][3]float32, n),
	}
	g.buildAdjacency()

	for e := range g.weights {
		g.weights[e] = rng.Float64()
		g.phases[e] = (rng.Float64()*2 - 1) * math.Pi
	}

	radius := math.Cbrt(float64(n))
	for i := 0; i < n; i++ {
		g.excitation[i] = 0.2 * rng.Float64()
		g.mass[i] = 1.0
		g.positions[i] = randomInBall(rng, radius)
	}

	return g, nil
}

func (g *Graph) buildAdjacency() {
	n := g.spec.NodeCount
	degree := make([]int32, n)
	for i := 0; i < len(g.edges); i++ {
		degree[g.edges[i]]++
	}

	g.offsets = make([]int32, n+1)
	for u := 0; u < n; u++ {
		g.offsets[u+1] = g.offsets[u] + degree[u]
	}

	g.adjacency = make([]int32, len(g.edges))
	g.incident = make([]int32, len(g.edges))
	cursor := make([]int32, n)
	copy(cursor, g.offsets[:n])
	for e := 0; e < len(g.edges)/2; e++ {
		u, v := g.edges[2*e], g.edges[2*e+1]
		g.adjacency[cursor[u]] = v
		g.incident[cursor[u]] = int32(e)
		cursor[u]++
		g.adjacency[cursor[v]] = u
		g.incident[cursor[v]] = int32(e)
		cursor[v]++
	}
}

func randomInBall(rng *rand.Rand, radius float64) [3]float32 {
	x, y, z := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
	norm := math.Sqrt(x*x + y*y + z*z)
	if norm == 0 {
		return [3]float32{}
	}
	r := radius * math.Cbrt(rng.Float64()) / norm
	return [3]float32{float32(x * r), float32(y * r), float32(z * r)}
}

// Spec returns the spec the graph was built from.
func (g *Graph) Spec() Spec { return g.spec }

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return g.spec.NodeCount }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.weights) }

// Edge returns the endpoints of edge e.
func (g *Graph) Edge(e int) (int, int) {
	return int(g.edges[2*e]), int(g.edges[2*e+1])
}

// Neighbors returns the adjacency slice of u. Do not modify it.
func (g *Graph) Neighbors(u int) []int32 {
	return g.adjacency[g.offsets[u]:g.offsets[u+1]]
}

// IncidentEdges returns the edge indices parallel to Neighbors(u).
func (g *Graph) IncidentEdges(u int) []int32 {
	return g.incident[g.offsets[u]:g.offsets[u+1]]
}

// Degree returns the number of edge endpoints at u.
func (g *Graph) Degree(u int) int {
	return int(g.offsets[u+1] - g.offsets[u])
}

// Weights returns the per-edge weight slice.
func (g *Graph) Weights() []float64 { return g.weights }

// Phases returns the per-edge phase slice in radians.
func (g *Graph) Phases() []float64 { return g.phases }

// Excitation returns the per-node excitation slice.
func (g *Graph) Excitation() []float64 { return g.excitation }

// Mass returns the per-node mass slice.
func (g *Graph) Mass() []float64 { return g.mass }

// Position returns the layout position of node i.
func (g *Graph) Position(i int) [3]float32 { return g.positions[i] }

// Views exposes the raw state arrays for bulk (zero-copy) module execution.
type Views struct {
	// Weights and Phases are indexed by edge and are writable.
	Weights []float64
	Phases  []float64

	// Edges holds endpoint pairs (2 entries per edge). Read-only.
	Edges []int32

	NodeCount int
}

// RawViews returns the bulk views, or false when the graph has no edges and
// there is nothing a bulk kernel could operate on.
func (g *Graph) RawViews() (Views, bool) {
	if len(g.weights) == 0 {
		return Views{}, false
	}
	return Views{
		Weights:   g.weights,
		Phases:    g.phases,
		Edges:     g.edges,
		NodeCount: g.spec.NodeCount,
	}, true
}
